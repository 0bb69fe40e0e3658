package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/irohalab/mira-download-manager/internal/domain"
	"github.com/irohalab/mira-download-manager/internal/repository"
)

const (
	qbLoginRetryDelay = 5 * time.Second
	qbLoginMaxRetry   = 10

	qbExistsPollDelay  = 50 * time.Millisecond
	qbExistsMaxAttempt = 600
)

// QBittorrent talks to a qBittorrent daemon over its WebUI API.
type QBittorrent struct {
	baseURL  string
	username string
	password string

	client  *http.Client
	cleanup repository.CleanupTaskRepository
	logger  *logrus.Logger

	mu     sync.Mutex
	cookie string

	// serializes re-authentication so concurrent 403s trigger one login
	loginMu sync.Mutex
}

func NewQBittorrent(apiURL, username, password string, cleanup repository.CleanupTaskRepository, logger *logrus.Logger) *QBittorrent {
	return &QBittorrent{
		baseURL:  strings.TrimSuffix(apiURL, "/"),
		username: username,
		password: password,
		client:   &http.Client{Timeout: 30 * time.Second},
		cleanup:  cleanup,
		logger:   logger,
	}
}

func (q *QBittorrent) Flavor() domain.DownloaderType {
	return domain.DownloaderQBittorrent
}

func (q *QBittorrent) Connect(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt <= qbLoginMaxRetry; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(qbLoginRetryDelay):
			}
		}
		if lastErr = q.login(ctx); lastErr == nil {
			return nil
		}
		q.logger.WithError(lastErr).Warn("qbittorrent login failed, will retry")
	}
	return fmt.Errorf("%w: %v", ErrAuthFailed, lastErr)
}

func (q *QBittorrent) Close() error {
	return nil
}

func (q *QBittorrent) Download(ctx context.Context, urlOrMagnet, downloadLocation string) (string, error) {
	savePath := filepath.Join(downloadLocation, shortID())

	hash, err := TorrentHash(ctx, urlOrMagnet)
	if err != nil {
		return "", err
	}

	body := &bytes.Buffer{}
	form := multipart.NewWriter(body)
	if err := form.WriteField("urls", urlOrMagnet); err != nil {
		return "", fmt.Errorf("build add form: %w", err)
	}
	if err := form.WriteField("savepath", savePath); err != nil {
		return "", fmt.Errorf("build add form: %w", err)
	}
	if err := form.Close(); err != nil {
		return "", fmt.Errorf("build add form: %w", err)
	}

	retried := false
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.baseURL+"/torrents/add", bytes.NewReader(body.Bytes()))
		if err != nil {
			return "", fmt.Errorf("build add request: %w", err)
		}
		req.Header.Set("Content-Type", form.FormDataContentType())
		cookie := q.currentCookie()
		req.Header.Set("Cookie", cookie)

		resp, err := q.client.Do(req)
		if err != nil {
			return "", fmt.Errorf("add torrent: %w", err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusForbidden && !retried {
			retried = true
			if err := q.relogin(ctx, cookie); err != nil {
				return "", err
			}
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("add torrent: unexpected status %d", resp.StatusCode)
		}
		break
	}

	// some daemon versions return before the hash is queryable
	if err := q.ensureExists(ctx, hash); err != nil {
		return "", err
	}
	return hash, nil
}

func (q *QBittorrent) Pause(ctx context.Context, torrentID string) error {
	_, err := q.get(ctx, "/torrents/pause", url.Values{"hashes": {torrentID}})
	return err
}

func (q *QBittorrent) Resume(ctx context.Context, torrentID string) error {
	_, err := q.get(ctx, "/torrents/resume", url.Values{"hashes": {torrentID}})
	return err
}

func (q *QBittorrent) Remove(ctx context.Context, torrentID string, deleteFiles bool) error {
	info, err := q.TorrentInfo(ctx, torrentID)
	if err != nil {
		return err
	}
	_, err = q.get(ctx, "/torrents/delete", url.Values{
		"hashes":      {torrentID},
		"deleteFiles": {fmt.Sprintf("%t", deleteFiles)},
	})
	if err != nil {
		return err
	}
	if err := q.cleanup.Add(ctx, info.SavePath); err != nil {
		q.logger.WithError(err).Warn("failed to enqueue cleanup task")
	}
	return nil
}

type qbProperties struct {
	SavePath  string `json:"save_path"`
	TotalSize int64  `json:"total_size"`
	Name      string `json:"name"`
}

func (q *QBittorrent) TorrentInfo(ctx context.Context, torrentID string) (*domain.TorrentInfo, error) {
	data, err := q.get(ctx, "/torrents/properties", url.Values{"hash": {strings.ToLower(torrentID)}})
	if err != nil {
		return nil, err
	}
	var props qbProperties
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, fmt.Errorf("decode torrent properties: %w", err)
	}
	return &domain.TorrentInfo{
		Hash:     strings.ToLower(torrentID),
		Name:     props.Name,
		SavePath: props.SavePath,
		Size:     props.TotalSize,
	}, nil
}

func (q *QBittorrent) TorrentContent(ctx context.Context, torrentID string) ([]domain.TorrentFile, error) {
	data, err := q.get(ctx, "/torrents/files", url.Values{"hash": {strings.ToLower(torrentID)}})
	if err != nil {
		return nil, err
	}
	var files []domain.TorrentFile
	if err := json.Unmarshal(data, &files); err != nil {
		return nil, fmt.Errorf("decode torrent files: %w", err)
	}
	complete := files[:0]
	for _, f := range files {
		if f.Progress == 1 {
			complete = append(complete, f)
		}
	}
	return complete, nil
}

type qbTorrent struct {
	Hash         string  `json:"hash"`
	Name         string  `json:"name"`
	SavePath     string  `json:"save_path"`
	State        string  `json:"state"`
	Progress     float64 `json:"progress"`
	DLSpeed      int64   `json:"dlspeed"`
	ETA          int64   `json:"eta"`
	Availability float64 `json:"availability"`
	Priority     int     `json:"priority"`
	Size         int64   `json:"size"`
	Downloaded   int64   `json:"downloaded"`
	AmountLeft   int64   `json:"amount_left"`
	TimeActive   int64   `json:"time_active"`
	NumSeeds     int     `json:"num_seeds"`
	NumLeechs    int     `json:"num_leechs"`
}

func (q *QBittorrent) ListTorrents(ctx context.Context) ([]domain.TorrentSummary, error) {
	data, err := q.get(ctx, "/torrents/info", nil)
	if err != nil {
		return nil, err
	}
	var torrents []qbTorrent
	if err := json.Unmarshal(data, &torrents); err != nil {
		return nil, fmt.Errorf("decode torrent list: %w", err)
	}
	summaries := make([]domain.TorrentSummary, len(torrents))
	for i, t := range torrents {
		summaries[i] = domain.TorrentSummary{
			Hash:         t.Hash,
			Name:         t.Name,
			SavePath:     t.SavePath,
			Status:       mapQBState(t.State),
			Progress:     t.Progress,
			Speed:        t.DLSpeed,
			ETA:          t.ETA,
			Availability: t.Availability,
			Priority:     t.Priority,
			Size:         t.Size,
			Downloaded:   t.Downloaded,
			AmountLeft:   t.AmountLeft,
			ActiveTime:   t.TimeActive,
			NumSeeds:     t.NumSeeds,
			NumLeechs:    t.NumLeechs,
		}
	}
	return summaries, nil
}

// mapQBState is the single translation point between qBittorrent state
// vocabulary and engine job statuses. It is total: unrecognized states map to
// Removed.
func mapQBState(state string) domain.JobStatus {
	switch state {
	case "error", "missingFiles":
		return domain.JobStatusError
	case "queuedDL", "allocating", "checkingDL", "checkingResumeData", "unknown":
		return domain.JobStatusPending
	case "downloading", "stalledDL", "forcedDL", "metaDL":
		return domain.JobStatusDownloading
	case "uploading", "checkingUP", "pausedUP", "forcedUP", "stalledUP", "queuedUP":
		return domain.JobStatusComplete
	case "pausedDL":
		return domain.JobStatusPaused
	default:
		return domain.JobStatusRemoved
	}
}

func (q *QBittorrent) ensureExists(ctx context.Context, hash string) error {
	for attempt := 0; attempt < qbExistsMaxAttempt; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(qbExistsPollDelay):
		}
		_, err := q.get(ctx, "/torrents/properties", url.Values{"hash": {hash}})
		if err == nil {
			return nil
		}
		// not queryable yet is expected right after add; anything else is fatal
		if !errors.Is(err, ErrTorrentNotFound) {
			return err
		}
	}
	return fmt.Errorf("torrent %s did not appear in daemon", hash)
}

// get performs an authenticated GET and retries exactly once after a 403 by
// re-logging in, matching the daemon's session expiry behavior.
func (q *QBittorrent) get(ctx context.Context, pathname string, params url.Values) ([]byte, error) {
	retried := false
	for {
		endpoint := q.baseURL + pathname
		if len(params) > 0 {
			endpoint += "?" + params.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("build request %s: %w", pathname, err)
		}
		cookie := q.currentCookie()
		req.Header.Set("Cookie", cookie)

		resp, err := q.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request %s: %w", pathname, err)
		}
		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusForbidden && !retried {
			retried = true
			if err := q.relogin(ctx, cookie); err != nil {
				return nil, err
			}
			continue
		}
		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("request %s: status 404: %w", pathname, ErrTorrentNotFound)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("request %s: unexpected status %d", pathname, resp.StatusCode)
		}
		if readErr != nil {
			return nil, fmt.Errorf("read response %s: %w", pathname, readErr)
		}
		return data, nil
	}
}

func (q *QBittorrent) currentCookie() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cookie
}

// relogin serializes re-authentication: if another caller already refreshed
// the session since staleCookie was read, the new session is reused as is.
func (q *QBittorrent) relogin(ctx context.Context, staleCookie string) error {
	q.loginMu.Lock()
	defer q.loginMu.Unlock()
	if q.currentCookie() != staleCookie {
		return nil
	}
	return q.login(ctx)
}

func (q *QBittorrent) login(ctx context.Context) error {
	endpoint := q.baseURL + "/auth/login?" + url.Values{
		"username": {q.username},
		"password": {q.password},
	}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build login request: %w", err)
	}
	resp, err := q.client.Do(req)
	if err != nil {
		return fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login rejected with status %d", resp.StatusCode)
	}
	for _, cookie := range resp.Cookies() {
		if cookie.Name == "SID" {
			q.mu.Lock()
			q.cookie = cookie.String()
			q.mu.Unlock()
			return nil
		}
	}
	return fmt.Errorf("login response carries no SID cookie")
}

func shortID() string {
	return uuid.NewString()[:8]
}

var _ Adapter = (*QBittorrent)(nil)

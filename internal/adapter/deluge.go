package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
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
	delugeLoginRetryDelay = 5 * time.Second
	delugeLoginMaxRetry   = 10
)

var delugeStatusKeys = []string{
	"name", "save_path", "state", "progress", "download_payload_rate", "eta",
	"distributed_copies", "queue", "total_wanted", "total_done", "total_remaining",
	"active_time", "num_seeds", "num_peers",
}

// Deluge talks to a Deluge daemon through its web JSON-RPC endpoint.
type Deluge struct {
	rpcURL   string
	password string

	client  *http.Client
	cleanup repository.CleanupTaskRepository
	logger  *logrus.Logger

	mu     sync.Mutex
	cookie string

	// serializes re-authentication so concurrent auth failures trigger one login
	loginMu sync.Mutex
}

func NewDeluge(rpcURL, password string, cleanup repository.CleanupTaskRepository, logger *logrus.Logger) *Deluge {
	return &Deluge{
		rpcURL:   rpcURL,
		password: password,
		client:   &http.Client{Timeout: 30 * time.Second},
		cleanup:  cleanup,
		logger:   logger,
	}
}

func (d *Deluge) Flavor() domain.DownloaderType {
	return domain.DownloaderDeluge
}

func (d *Deluge) Connect(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt <= delugeLoginMaxRetry; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delugeLoginRetryDelay):
			}
		}
		if lastErr = d.login(ctx); lastErr == nil {
			break
		}
		d.logger.WithError(lastErr).Warn("deluge login failed, will retry")
	}
	if lastErr != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailed, lastErr)
	}

	hosts, err := d.invoke(ctx, "web.get_hosts", []any{})
	if err != nil {
		return err
	}
	var hostRows [][]any
	if err := json.Unmarshal(hosts, &hostRows); err != nil || len(hostRows) == 0 || len(hostRows[0]) == 0 {
		return fmt.Errorf("deluge returned no hosts")
	}
	if _, err := d.invoke(ctx, "web.connect", []any{hostRows[0][0]}); err != nil {
		return err
	}
	return nil
}

func (d *Deluge) Close() error {
	return nil
}

func (d *Deluge) Download(ctx context.Context, urlOrMagnet, downloadLocation string) (string, error) {
	savePath := filepath.Join(downloadLocation, shortID())
	options := map[string]any{"download_location": savePath, "add_paused": false}

	var (
		result []byte
		err    error
	)
	if u, parseErr := url.Parse(urlOrMagnet); parseErr == nil && u.Scheme == "magnet" {
		result, err = d.invoke(ctx, "core.add_torrent_magnet", []any{urlOrMagnet, options})
	} else {
		result, err = d.invoke(ctx, "core.add_torrent_url", []any{urlOrMagnet, options})
	}
	if err != nil {
		return "", err
	}
	var hash string
	if err := json.Unmarshal(result, &hash); err != nil || hash == "" {
		return "", fmt.Errorf("deluge did not return a torrent hash")
	}
	return strings.ToLower(hash), nil
}

func (d *Deluge) Pause(ctx context.Context, torrentID string) error {
	_, err := d.invoke(ctx, "core.pause_torrent", []any{[]string{torrentID}})
	return err
}

func (d *Deluge) Resume(ctx context.Context, torrentID string) error {
	_, err := d.invoke(ctx, "core.resume_torrent", []any{[]string{torrentID}})
	return err
}

func (d *Deluge) Remove(ctx context.Context, torrentID string, deleteFiles bool) error {
	info, err := d.TorrentInfo(ctx, torrentID)
	if err != nil {
		return err
	}
	if _, err := d.invoke(ctx, "core.remove_torrent", []any{torrentID, deleteFiles}); err != nil {
		return err
	}
	if err := d.cleanup.Add(ctx, info.SavePath); err != nil {
		d.logger.WithError(err).Warn("failed to enqueue cleanup task")
	}
	return nil
}

type delugeStatus struct {
	Name              string  `json:"name"`
	SavePath          string  `json:"save_path"`
	State             string  `json:"state"`
	Progress          float64 `json:"progress"`
	DownloadRate      float64 `json:"download_payload_rate"`
	ETA               float64 `json:"eta"`
	DistributedCopies float64 `json:"distributed_copies"`
	Queue             int     `json:"queue"`
	TotalWanted       int64   `json:"total_wanted"`
	TotalDone         int64   `json:"total_done"`
	TotalRemaining    int64   `json:"total_remaining"`
	ActiveTime        int64   `json:"active_time"`
	NumSeeds          int     `json:"num_seeds"`
	NumPeers          int     `json:"num_peers"`
	Files             []struct {
		Path string `json:"path"`
		Size int64  `json:"size"`
	} `json:"files"`
	FileProgress []float64 `json:"file_progress"`
}

func (d *Deluge) TorrentInfo(ctx context.Context, torrentID string) (*domain.TorrentInfo, error) {
	status, err := d.torrentStatus(ctx, torrentID, delugeStatusKeys)
	if err != nil {
		return nil, err
	}
	return &domain.TorrentInfo{
		Hash:     strings.ToLower(torrentID),
		Name:     status.Name,
		SavePath: status.SavePath,
		Size:     status.TotalWanted,
	}, nil
}

func (d *Deluge) TorrentContent(ctx context.Context, torrentID string) ([]domain.TorrentFile, error) {
	status, err := d.torrentStatus(ctx, torrentID, []string{"files", "file_progress"})
	if err != nil {
		return nil, err
	}
	var files []domain.TorrentFile
	for i, f := range status.Files {
		progress := 0.0
		if i < len(status.FileProgress) {
			progress = status.FileProgress[i]
		}
		if progress == 1 {
			files = append(files, domain.TorrentFile{Name: f.Path, Size: f.Size, Progress: progress})
		}
	}
	return files, nil
}

func (d *Deluge) ListTorrents(ctx context.Context) ([]domain.TorrentSummary, error) {
	result, err := d.invoke(ctx, "core.get_torrents_status", []any{map[string]any{}, delugeStatusKeys})
	if err != nil {
		return nil, err
	}
	var statuses map[string]delugeStatus
	if err := json.Unmarshal(result, &statuses); err != nil {
		return nil, fmt.Errorf("decode torrent list: %w", err)
	}
	summaries := make([]domain.TorrentSummary, 0, len(statuses))
	for hash, s := range statuses {
		summaries = append(summaries, domain.TorrentSummary{
			Hash:         strings.ToLower(hash),
			Name:         s.Name,
			SavePath:     s.SavePath,
			Status:       mapDelugeState(s.State, s.Progress),
			Progress:     s.Progress / 100,
			Speed:        int64(s.DownloadRate),
			ETA:          int64(s.ETA),
			Availability: s.DistributedCopies,
			Priority:     s.Queue,
			Size:         s.TotalWanted,
			Downloaded:   s.TotalDone,
			AmountLeft:   s.TotalRemaining,
			ActiveTime:   s.ActiveTime,
			NumSeeds:     s.NumSeeds,
			NumLeechs:    s.NumPeers,
		})
	}
	return summaries, nil
}

// mapDelugeState is the single translation point for Deluge state names.
// Paused torrents are split on progress because Deluge keeps one Paused state
// for both before and after completion.
func mapDelugeState(state string, progress float64) domain.JobStatus {
	switch state {
	case "Error":
		return domain.JobStatusError
	case "Queued", "Checking", "Allocating":
		return domain.JobStatusPending
	case "Downloading", "Active", "Moving":
		return domain.JobStatusDownloading
	case "Seeding":
		return domain.JobStatusComplete
	case "Paused":
		if progress >= 100 {
			return domain.JobStatusComplete
		}
		return domain.JobStatusPaused
	default:
		return domain.JobStatusRemoved
	}
}

func (d *Deluge) torrentStatus(ctx context.Context, torrentID string, keys []string) (*delugeStatus, error) {
	result, err := d.invoke(ctx, "core.get_torrent_status", []any{torrentID, keys})
	if err != nil {
		return nil, err
	}
	var status delugeStatus
	if err := json.Unmarshal(result, &status); err != nil {
		return nil, fmt.Errorf("decode torrent status: %w", err)
	}
	// deluge answers an empty dict for unknown hashes
	if status.Name == "" && status.SavePath == "" && len(status.Files) == 0 {
		return nil, fmt.Errorf("torrent %s: %w", torrentID, ErrTorrentNotFound)
	}
	return &status, nil
}

type delugeRPCError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

type delugeRPCResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *delugeRPCError `json:"error"`
	ID     string          `json:"id"`
}

// invoke performs one JSON-RPC call, re-authenticating once when the session
// cookie expired.
func (d *Deluge) invoke(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	retried := false
	for {
		payload, err := json.Marshal(map[string]any{
			"method": method,
			"params": params,
			"id":     uuid.NewString(),
		})
		if err != nil {
			return nil, fmt.Errorf("encode rpc request: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.rpcURL, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("build rpc request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		cookie := d.currentCookie()
		if cookie != "" {
			req.Header.Set("Cookie", cookie)
		}

		resp, err := d.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("rpc %s: %w", method, err)
		}
		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("read rpc response %s: %w", method, readErr)
		}
		if resp.StatusCode == http.StatusForbidden && !retried {
			retried = true
			if err := d.relogin(ctx, cookie); err != nil {
				return nil, err
			}
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("rpc %s: unexpected status %d", method, resp.StatusCode)
		}

		var rpcResp delugeRPCResponse
		if err := json.Unmarshal(data, &rpcResp); err != nil {
			return nil, fmt.Errorf("decode rpc response %s: %w", method, err)
		}
		if rpcResp.Error != nil {
			if strings.Contains(rpcResp.Error.Message, "Not authenticated") && !retried {
				retried = true
				if err := d.relogin(ctx, cookie); err != nil {
					return nil, err
				}
				continue
			}
			return nil, fmt.Errorf("rpc %s: %s", method, rpcResp.Error.Message)
		}
		return rpcResp.Result, nil
	}
}

func (d *Deluge) currentCookie() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cookie
}

func (d *Deluge) relogin(ctx context.Context, staleCookie string) error {
	d.loginMu.Lock()
	defer d.loginMu.Unlock()
	if d.currentCookie() != staleCookie {
		return nil
	}
	return d.login(ctx)
}

func (d *Deluge) login(ctx context.Context) error {
	payload, err := json.Marshal(map[string]any{
		"method": "auth.login",
		"params": []any{d.password},
		"id":     uuid.NewString(),
	})
	if err != nil {
		return fmt.Errorf("encode login request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.rpcURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read login response: %w", err)
	}

	var rpcResp struct {
		Result bool            `json:"result"`
		Error  *delugeRPCError `json:"error"`
	}
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return fmt.Errorf("decode login response: %w", err)
	}
	if !rpcResp.Result {
		return fmt.Errorf("deluge rejected the password")
	}
	for _, cookie := range resp.Cookies() {
		if cookie.Name == "_session_id" {
			d.mu.Lock()
			d.cookie = cookie.String()
			d.mu.Unlock()
			return nil
		}
	}
	return fmt.Errorf("login response carries no session cookie")
}

var _ Adapter = (*Deluge)(nil)

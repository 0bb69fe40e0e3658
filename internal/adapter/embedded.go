package adapter

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/sirupsen/logrus"

	"github.com/irohalab/mira-download-manager/internal/domain"
	"github.com/irohalab/mira-download-manager/internal/repository"
)

// Embedded runs an in-process torrent client instead of talking to an
// external daemon. Useful for deployments without a qBittorrent/Deluge box.
type Embedded struct {
	dataDir string
	cleanup repository.CleanupTaskRepository
	logger  *logrus.Logger

	client *torrent.Client

	mu     sync.Mutex
	paused map[string]bool
}

func NewEmbedded(dataDir string, cleanup repository.CleanupTaskRepository, logger *logrus.Logger) *Embedded {
	return &Embedded{
		dataDir: dataDir,
		cleanup: cleanup,
		logger:  logger,
		paused:  make(map[string]bool),
	}
}

func (e *Embedded) Flavor() domain.DownloaderType {
	return domain.DownloaderEmbedded
}

func (e *Embedded) Connect(ctx context.Context) error {
	if err := os.MkdirAll(e.dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	cfg := torrent.NewDefaultClientConfig()
	cfg.DataDir = e.dataDir
	cfg.Seed = false

	client, err := torrent.NewClient(cfg)
	if err != nil {
		return fmt.Errorf("create torrent client: %w", err)
	}
	e.client = client
	e.logger.Infof("embedded torrent client started, data dir: %s", e.dataDir)
	return nil
}

func (e *Embedded) Close() error {
	if e.client != nil {
		e.client.Close()
	}
	return nil
}

func (e *Embedded) Download(ctx context.Context, urlOrMagnet, downloadLocation string) (string, error) {
	var (
		t   *torrent.Torrent
		err error
	)
	if u, parseErr := url.Parse(urlOrMagnet); parseErr == nil && u.Scheme == "magnet" {
		t, err = e.client.AddMagnet(urlOrMagnet)
	} else if u != nil && (u.Scheme == "http" || u.Scheme == "https") {
		var mi *metainfo.MetaInfo
		mi, err = fetchMetainfo(ctx, urlOrMagnet)
		if err == nil {
			t, err = e.client.AddTorrent(mi)
		}
	} else {
		t, err = e.client.AddTorrentFromFile(urlOrMagnet)
	}
	if err != nil {
		return "", fmt.Errorf("add torrent: %w", err)
	}

	go func() {
		select {
		case <-t.GotInfo():
			t.DownloadAll()
		case <-t.Closed():
		}
	}()
	return t.InfoHash().HexString(), nil
}

func (e *Embedded) Pause(ctx context.Context, torrentID string) error {
	t, err := e.torrent(torrentID)
	if err != nil {
		return err
	}
	t.DisallowDataDownload()
	e.mu.Lock()
	e.paused[torrentID] = true
	e.mu.Unlock()
	return nil
}

func (e *Embedded) Resume(ctx context.Context, torrentID string) error {
	t, err := e.torrent(torrentID)
	if err != nil {
		return err
	}
	t.AllowDataDownload()
	e.mu.Lock()
	delete(e.paused, torrentID)
	e.mu.Unlock()
	return nil
}

func (e *Embedded) Remove(ctx context.Context, torrentID string, deleteFiles bool) error {
	t, err := e.torrent(torrentID)
	if err != nil {
		return err
	}
	name := t.Name()
	t.Drop()
	e.mu.Lock()
	delete(e.paused, torrentID)
	e.mu.Unlock()

	if deleteFiles && name != "" {
		if err := e.cleanup.Add(ctx, filepath.Join(e.dataDir, name)); err != nil {
			e.logger.WithError(err).Warn("failed to enqueue cleanup task")
		}
	}
	return nil
}

func (e *Embedded) TorrentInfo(ctx context.Context, torrentID string) (*domain.TorrentInfo, error) {
	t, err := e.torrent(torrentID)
	if err != nil {
		return nil, err
	}
	info := &domain.TorrentInfo{
		Hash:     torrentID,
		Name:     t.Name(),
		SavePath: e.dataDir,
	}
	if t.Info() != nil {
		info.Size = t.Length()
	}
	return info, nil
}

func (e *Embedded) TorrentContent(ctx context.Context, torrentID string) ([]domain.TorrentFile, error) {
	t, err := e.torrent(torrentID)
	if err != nil {
		return nil, err
	}
	if t.Info() == nil {
		return nil, nil
	}
	var files []domain.TorrentFile
	for _, f := range t.Files() {
		if f.Length() > 0 && f.BytesCompleted() == f.Length() {
			files = append(files, domain.TorrentFile{
				Name:     f.Path(),
				Size:     f.Length(),
				Progress: 1,
			})
		}
	}
	return files, nil
}

func (e *Embedded) ListTorrents(ctx context.Context) ([]domain.TorrentSummary, error) {
	torrents := e.client.Torrents()
	summaries := make([]domain.TorrentSummary, 0, len(torrents))
	for _, t := range torrents {
		hash := t.InfoHash().HexString()
		e.mu.Lock()
		paused := e.paused[hash]
		e.mu.Unlock()

		summary := domain.TorrentSummary{
			Hash:     hash,
			Name:     t.Name(),
			SavePath: e.dataDir,
		}
		stats := t.Stats()
		summary.NumSeeds = stats.ConnectedSeeders
		summary.NumLeechs = stats.ActivePeers

		if t.Info() == nil {
			// still fetching metadata
			summary.Status = domain.JobStatusDownloading
		} else {
			summary.Size = t.Length()
			summary.Downloaded = t.BytesCompleted()
			summary.AmountLeft = t.BytesMissing()
			if t.Length() > 0 {
				summary.Progress = float64(t.BytesCompleted()) / float64(t.Length())
			}
			switch {
			case t.BytesMissing() == 0:
				summary.Status = domain.JobStatusComplete
			case paused:
				summary.Status = domain.JobStatusPaused
			default:
				summary.Status = domain.JobStatusDownloading
			}
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

func (e *Embedded) torrent(torrentID string) (*torrent.Torrent, error) {
	var hash metainfo.Hash
	if err := hash.FromHexString(torrentID); err != nil {
		return nil, fmt.Errorf("invalid torrent id %s: %w", torrentID, err)
	}
	t, ok := e.client.Torrent(hash)
	if !ok {
		return nil, fmt.Errorf("torrent %s: %w", torrentID, ErrTorrentNotFound)
	}
	return t, nil
}

func fetchMetainfo(ctx context.Context, torrentURL string) (*metainfo.MetaInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, torrentURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build torrent request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch torrent file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch torrent file: unexpected status %d", resp.StatusCode)
	}
	mi, err := metainfo.Load(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse torrent file: %w", err)
	}
	return mi, nil
}

var _ Adapter = (*Embedded)(nil)

package adapter

import (
	"context"
	"errors"

	"github.com/irohalab/mira-download-manager/internal/domain"
)

// ErrTorrentNotFound means the daemon does not know the handle and never will
// unless it is submitted again. Transient "not yet queryable" conditions are
// handled inside the adapters and never surface as this error.
var ErrTorrentNotFound = errors.New("torrent not found")

// ErrAuthFailed means the daemon rejected our credentials after the bounded
// retry budget was spent.
var ErrAuthFailed = errors.New("daemon auth failed")

// Adapter is the capability contract implemented once per daemon flavor. The
// daemon session (cookie/token) is owned exclusively by the adapter; callers
// hitting an expired session are funneled through one serialized re-login.
type Adapter interface {
	// Connect establishes the daemon session, retrying auth a bounded number
	// of times with a fixed delay before giving up.
	Connect(ctx context.Context) error

	// Download submits a torrent url or magnet and returns its content hash.
	// The call tolerates one mid-call session expiry and polls until the
	// returned handle is queryable.
	Download(ctx context.Context, urlOrMagnet, downloadLocation string) (string, error)

	Pause(ctx context.Context, torrentID string) error
	Resume(ctx context.Context, torrentID string) error

	// Remove deletes the torrent and enqueues a cleanup task for its save
	// directory so orphaned data is purged even if the daemon leaves files behind.
	Remove(ctx context.Context, torrentID string, deleteFiles bool) error

	TorrentInfo(ctx context.Context, torrentID string) (*domain.TorrentInfo, error)

	// TorrentContent returns only files the daemon reports 100% complete.
	TorrentContent(ctx context.Context, torrentID string) ([]domain.TorrentFile, error)

	// ListTorrents fetches the daemon's full live-torrent list in one call,
	// with daemon states already mapped into engine job statuses.
	ListTorrents(ctx context.Context) ([]domain.TorrentSummary, error)

	Flavor() domain.DownloaderType
	Close() error
}

package adapter

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irohalab/mira-download-manager/internal/domain"
)

type recordingCleanup struct {
	added []string
}

func (r *recordingCleanup) Init(ctx context.Context) error { return nil }

func (r *recordingCleanup) Add(ctx context.Context, directoryPath string) error {
	r.added = append(r.added, directoryPath)
	return nil
}

func (r *recordingCleanup) List(ctx context.Context) ([]*domain.CleanupTask, error) { return nil, nil }
func (r *recordingCleanup) Remove(ctx context.Context, id int64) error              { return nil }

// qbServer fakes the qBittorrent WebUI auth behavior: every login mints a new
// session and invalidates the previous one.
type qbServer struct {
	*httptest.Server

	mu      sync.Mutex
	logins  int
	session string
}

func (s *qbServer) setSession(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = v
}

func (s *qbServer) loginCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

func newQBServer(t *testing.T, handle func(w http.ResponseWriter, r *http.Request)) *qbServer {
	t.Helper()
	srv := &qbServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		srv.mu.Lock()
		srv.logins++
		srv.session = fmt.Sprintf("session-%d", srv.logins)
		session := srv.session
		srv.mu.Unlock()
		http.SetCookie(w, &http.Cookie{Name: "SID", Value: session})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		srv.mu.Lock()
		session := srv.session
		srv.mu.Unlock()
		cookie, err := r.Cookie("SID")
		if err != nil || cookie.Value != session {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		handle(w, r)
	})
	srv.Server = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestQB(t *testing.T, srv *qbServer, cleanup *recordingCleanup) *QBittorrent {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	if cleanup == nil {
		cleanup = &recordingCleanup{}
	}
	q := NewQBittorrent(srv.URL, "admin", "adminadmin", cleanup, logger)
	require.NoError(t, q.Connect(context.Background()))
	return q
}

func TestQBTorrentInfo(t *testing.T) {
	srv := newQBServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/torrents/properties" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		assert.Equal(t, "abcdef0123456789abcdef0123456789abcdef01", r.URL.Query().Get("hash"))
		fmt.Fprint(w, `{"save_path":"/downloads/x","total_size":1024,"name":"Show"}`)
	})
	q := newTestQB(t, srv, nil)

	info, err := q.TorrentInfo(context.Background(), "ABCDEF0123456789ABCDEF0123456789ABCDEF01")
	require.NoError(t, err)
	assert.Equal(t, "/downloads/x", info.SavePath)
	assert.Equal(t, int64(1024), info.Size)
	assert.Equal(t, "Show", info.Name)
}

func TestQBReloginOnExpiredSession(t *testing.T) {
	srv := newQBServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"save_path":"/downloads/x","total_size":1,"name":"n"}`)
	})
	q := newTestQB(t, srv, nil)

	// invalidate the adapter's session behind its back
	srv.setSession("rotated")

	_, err := q.TorrentInfo(context.Background(), "hash")
	require.NoError(t, err)
	assert.Equal(t, 2, srv.loginCount(), "one re-login after the 403")
}

func TestQBConcurrentReloginSharesOneSession(t *testing.T) {
	srv := newQBServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"save_path":"/downloads/x","total_size":1,"name":"n"}`)
	})
	q := newTestQB(t, srv, nil)

	srv.setSession("rotated")

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = q.TorrentInfo(context.Background(), "hash")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "caller %d", i)
	}
	assert.Equal(t, 2, srv.loginCount(), "callers hitting the same expired session share one re-login")
}

func TestQBNotFound(t *testing.T) {
	srv := newQBServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	q := newTestQB(t, srv, nil)

	_, err := q.TorrentInfo(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrTorrentNotFound)
}

func TestQBRemoveEnqueuesCleanup(t *testing.T) {
	srv := newQBServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/torrents/properties":
			fmt.Fprint(w, `{"save_path":"/downloads/job-dir","total_size":1,"name":"n"}`)
		case "/torrents/delete":
			assert.Equal(t, "true", r.URL.Query().Get("deleteFiles"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	cleanup := &recordingCleanup{}
	q := newTestQB(t, srv, cleanup)

	require.NoError(t, q.Remove(context.Background(), "hash", true))
	assert.Equal(t, []string{"/downloads/job-dir"}, cleanup.added)
}

func TestQBListTorrents(t *testing.T) {
	srv := newQBServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/torrents/info", r.URL.Path)
		fmt.Fprint(w, `[
			{"hash":"h1","name":"a","state":"downloading","progress":0.5,"dlspeed":2048,"num_seeds":4},
			{"hash":"h2","name":"b","state":"pausedUP","progress":1}
		]`)
	})
	q := newTestQB(t, srv, nil)

	list, err := q.ListTorrents(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, domain.JobStatusDownloading, list[0].Status)
	assert.Equal(t, int64(2048), list[0].Speed)
	assert.Equal(t, 4, list[0].NumSeeds)
	assert.Equal(t, domain.JobStatusComplete, list[1].Status)
}

func TestMapQBState(t *testing.T) {
	cases := []struct {
		state string
		want  domain.JobStatus
	}{
		{"error", domain.JobStatusError},
		{"missingFiles", domain.JobStatusError},
		{"queuedDL", domain.JobStatusPending},
		{"allocating", domain.JobStatusPending},
		{"checkingDL", domain.JobStatusPending},
		{"checkingResumeData", domain.JobStatusPending},
		{"unknown", domain.JobStatusPending},
		{"downloading", domain.JobStatusDownloading},
		{"stalledDL", domain.JobStatusDownloading},
		{"forcedDL", domain.JobStatusDownloading},
		{"metaDL", domain.JobStatusDownloading},
		{"uploading", domain.JobStatusComplete},
		{"checkingUP", domain.JobStatusComplete},
		{"pausedUP", domain.JobStatusComplete},
		{"forcedUP", domain.JobStatusComplete},
		{"stalledUP", domain.JobStatusComplete},
		{"queuedUP", domain.JobStatusComplete},
		{"pausedDL", domain.JobStatusPaused},
		{"someFutureState", domain.JobStatusRemoved},
	}
	for _, tc := range cases {
		t.Run(tc.state, func(t *testing.T) {
			assert.Equal(t, tc.want, mapQBState(tc.state))
		})
	}
}

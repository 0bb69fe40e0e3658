package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irohalab/mira-download-manager/internal/adapter"
	"github.com/irohalab/mira-download-manager/internal/config"
	"github.com/irohalab/mira-download-manager/internal/domain"
	"github.com/irohalab/mira-download-manager/internal/storage"
)

func testConfig() config.Config {
	var cfg config.Config
	cfg.Server.BaseURL = "http://dm.example.com"
	cfg.Download.ManagerID = "dm-1"
	cfg.Download.Location = "/downloads"
	cfg.Storage.ExpireDays = 3
	cfg.AMQP.Exchange = "download_message_exchange"
	return cfg
}

func newTestService(adpt *fakeAdapter, jobs *fakeJobRepo, uploads *fakeUploadRepo, brk *fakeBroker, store storage.Service) *DownloadService {
	logger := testLogger()
	return NewDownloadService(testConfig(), adpt, jobs, uploads, brk, store, NewReconciler(adpt, jobs, logger), logger)
}

func completeJob(id string) *domain.Job {
	end := time.Now()
	return &domain.Job{
		ID:         id,
		TorrentID:  "hash-" + id,
		Downloader: domain.DownloaderQBittorrent,
		Status:     domain.JobStatusComplete,
		BangumiID:  "bgm-1",
		CreateTime: time.Now().Add(-time.Hour),
		EndTime:    &end,
	}
}

func TestSubmit(t *testing.T) {
	adpt := newFakeAdapter()
	adpt.downloadID = "hash-1"
	jobs := newFakeJobRepo()
	svc := newTestService(adpt, jobs, newFakeUploadRepo(), &fakeBroker{}, nil)

	msg := &domain.DownloadTaskMessage{
		ID:         "task-1",
		BangumiID:  "bgm-1",
		TorrentURL: "magnet:?xt=urn:btih:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		VideoID:    "video-1",
	}
	job, err := svc.Submit(context.Background(), msg)
	require.NoError(t, err)

	saved, err := jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, saved.Status)
	assert.Equal(t, "hash-1", saved.TorrentID)
	assert.Equal(t, "task-1", saved.DownloadTaskMessageID)
	assert.Equal(t, "video-1", saved.VideoID)
	assert.NotNil(t, saved.DownloadTaskMessage)
	assert.False(t, saved.CreateTime.IsZero())
}

func TestSubmitPersistsDaemonFailure(t *testing.T) {
	adpt := newFakeAdapter()
	adpt.downloadErr = errors.New("daemon rejected torrent")
	jobs := newFakeJobRepo()
	svc := newTestService(adpt, jobs, newFakeUploadRepo(), &fakeBroker{}, nil)

	job, err := svc.Submit(context.Background(), &domain.DownloadTaskMessage{ID: "task-1", TorrentURL: "magnet:?xt=..."})
	require.Error(t, err)
	require.NotNil(t, job)

	saved, getErr := jobs.Get(context.Background(), job.ID)
	require.NoError(t, getErr)
	assert.Equal(t, domain.JobStatusError, saved.Status)
	require.NotNil(t, saved.ErrorInfo)
	assert.Equal(t, "daemon rejected torrent", saved.ErrorInfo.Message)
}

func TestDownloadCompleteMappedMessages(t *testing.T) {
	adpt := newFakeAdapter()
	jobs := newFakeJobRepo()
	brk := &fakeBroker{}
	svc := newTestService(adpt, jobs, newFakeUploadRepo(), brk, nil)

	job := completeJob("job-1")
	job.FileMapping = []domain.FileMapping{
		{VideoID: "video-1", FilePath: "Show/ep1.mkv"},
		{VideoID: "video-2", FilePath: "Show/ep2.mkv"},
	}
	adpt.content[job.TorrentID] = []domain.TorrentFile{
		{Name: "Show/ep1.mkv", Size: 700 << 20, Progress: 1},
		{Name: "Show/ep2.mkv", Size: 680 << 20, Progress: 1},
		{Name: "Show/ep1.nfo", Size: 4 << 10, Progress: 1},
	}
	adpt.info[job.TorrentID] = &domain.TorrentInfo{Hash: job.TorrentID, SavePath: "/downloads/show"}

	require.NoError(t, svc.DownloadComplete(context.Background(), job))
	require.Len(t, brk.published, 2)

	primaries := make(map[string]bool)
	for i, pub := range brk.published {
		msg := pub.Message
		assert.Equal(t, "download_message_exchange", pub.Exchange)
		assert.Equal(t, job.ID, msg.DownloadTaskID)
		assert.Equal(t, "bgm-1", msg.BangumiID)
		assert.Equal(t, "dm-1", msg.DownloadManagerID)
		require.NotNil(t, msg.FileMapping)
		assert.Equal(t, job.FileMapping[i], *msg.FileMapping)
		assert.Equal(t, msg.FileMapping.VideoID, msg.VideoID)

		require.NotNil(t, msg.VideoFile)
		primaries[msg.VideoFile.FileLocalPath] = true

		// every claimed file stays out of the extras
		require.Len(t, msg.OtherFiles, 1)
		assert.Equal(t, "ep1.nfo", msg.OtherFiles[0].Filename)
	}
	assert.Len(t, primaries, 2, "each mapping gets its own primary file")

	first := brk.published[0].Message.VideoFile
	assert.Equal(t, "ep1.mkv", first.Filename)
	assert.Equal(t, "/downloads/show/Show/ep1.mkv", first.FileLocalPath)
	assert.Equal(t, "http://dm.example.com/file/content/job-1?relativeFilePath=Show%2Fep1.mkv", first.FileURI)
}

func TestDownloadCompleteLegacyLargestFile(t *testing.T) {
	adpt := newFakeAdapter()
	jobs := newFakeJobRepo()
	brk := &fakeBroker{}
	svc := newTestService(adpt, jobs, newFakeUploadRepo(), brk, nil)

	job := completeJob("job-1")
	job.VideoID = "video-9"
	adpt.content[job.TorrentID] = []domain.TorrentFile{
		{Name: "sample.mkv", Size: 100, Progress: 1},
		{Name: "episode.mkv", Size: 300, Progress: 1},
		{Name: "episode-alt.mkv", Size: 300, Progress: 1},
	}
	adpt.info[job.TorrentID] = &domain.TorrentInfo{Hash: job.TorrentID, SavePath: "/downloads/show"}

	require.NoError(t, svc.DownloadComplete(context.Background(), job))
	require.Len(t, brk.published, 1)

	msg := brk.published[0].Message
	assert.Nil(t, msg.FileMapping)
	assert.Equal(t, "video-9", msg.VideoID)
	require.NotNil(t, msg.VideoFile)
	// ties keep the first occurrence
	assert.Equal(t, "episode.mkv", msg.VideoFile.Filename)
	require.Len(t, msg.OtherFiles, 2)
	assert.Equal(t, "sample.mkv", msg.OtherFiles[0].Filename)
	assert.Equal(t, "episode-alt.mkv", msg.OtherFiles[1].Filename)
}

func TestDownloadCompleteMappedFileMissing(t *testing.T) {
	adpt := newFakeAdapter()
	brk := &fakeBroker{}
	svc := newTestService(adpt, newFakeJobRepo(), newFakeUploadRepo(), brk, nil)

	job := completeJob("job-1")
	job.FileMapping = []domain.FileMapping{{VideoID: "video-1", FilePath: "missing.mkv"}}
	adpt.content[job.TorrentID] = []domain.TorrentFile{{Name: "present.mkv", Size: 100, Progress: 1}}
	adpt.info[job.TorrentID] = &domain.TorrentInfo{Hash: job.TorrentID, SavePath: "/downloads/show"}

	err := svc.DownloadComplete(context.Background(), job)
	require.Error(t, err)
	assert.Empty(t, brk.published, "nothing published when a mapped file is missing")
}

func TestDownloadCompleteUploadDedup(t *testing.T) {
	adpt := newFakeAdapter()
	jobs := newFakeJobRepo()
	uploads := newFakeUploadRepo()
	brk := &fakeBroker{}
	store := &fakeStorage{}
	svc := newTestService(adpt, jobs, uploads, brk, store)

	job := completeJob("job-1")
	adpt.content[job.TorrentID] = []domain.TorrentFile{
		{Name: "episode.mkv", Size: 300, Progress: 1},
		{Name: "episode.ass", Size: 10, Progress: 1},
	}
	adpt.info[job.TorrentID] = &domain.TorrentInfo{Hash: job.TorrentID, SavePath: "/downloads/show"}

	require.NoError(t, svc.DownloadComplete(context.Background(), job))
	require.Len(t, store.uploads, 2)

	// replaying the pipeline reuses the recorded copies
	require.NoError(t, svc.DownloadComplete(context.Background(), job))
	assert.Len(t, store.uploads, 2, "no re-upload on replay")
	require.Len(t, brk.published, 2)

	replay := brk.published[1].Message
	assert.Equal(t, "s3://test-bucket/episode.mkv", replay.VideoFile.FileURI)
	require.Len(t, replay.OtherFiles, 1)
	assert.Equal(t, "s3://test-bucket/episode.ass", replay.OtherFiles[0].FileURI)

	objs, err := uploads.ListByJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Len(t, objs, 2)
	for _, obj := range objs {
		assert.NotNil(t, obj.Expiration)
	}
}

func TestPauseAndResumeDoNotPersist(t *testing.T) {
	adpt := newFakeAdapter()
	jobs := newFakeJobRepo()
	svc := newTestService(adpt, jobs, newFakeUploadRepo(), &fakeBroker{}, nil)

	ctx := context.Background()
	require.NoError(t, jobs.Save(ctx, unsettledJob("job-1", "hash-1", domain.JobStatusDownloading, 0.5)))
	writes := jobs.saveCalls

	paused, err := svc.Pause(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPaused, paused.Status)
	assert.Equal(t, []string{"hash-1"}, adpt.paused)
	assert.Equal(t, writes, jobs.saveCalls, "pause leaves persistence to the caller")

	resumed, err := svc.Resume(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, resumed.Status)
	assert.Equal(t, []string{"hash-1"}, adpt.resumed)
	assert.Equal(t, writes, jobs.saveCalls)
}

func TestDeleteToleratesGoneTorrent(t *testing.T) {
	adpt := newFakeAdapter()
	adpt.removeErr = adapter.ErrTorrentNotFound
	jobs := newFakeJobRepo()
	svc := newTestService(adpt, jobs, newFakeUploadRepo(), &fakeBroker{}, nil)

	ctx := context.Background()
	require.NoError(t, jobs.Save(ctx, unsettledJob("job-1", "hash-1", domain.JobStatusDownloading, 0.5)))

	require.NoError(t, svc.Delete(ctx, "job-1"))
	saved, err := jobs.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRemoved, saved.Status)
}

func TestDeleteByTaskMessageID(t *testing.T) {
	adpt := newFakeAdapter()
	jobs := newFakeJobRepo()
	svc := newTestService(adpt, jobs, newFakeUploadRepo(), &fakeBroker{}, nil)

	ctx := context.Background()
	job := unsettledJob("job-1", "hash-1", domain.JobStatusDownloading, 0.5)
	job.DownloadTaskMessageID = "task-7"
	require.NoError(t, jobs.Save(ctx, job))

	require.NoError(t, svc.DeleteByTaskMessageID(ctx, "task-7"))
	assert.Equal(t, []string{"hash-1"}, adpt.removed)

	assert.Error(t, svc.DeleteByTaskMessageID(ctx, "task-unknown"))
}

func TestResendFinishMessageRequiresComplete(t *testing.T) {
	adpt := newFakeAdapter()
	jobs := newFakeJobRepo()
	svc := newTestService(adpt, jobs, newFakeUploadRepo(), &fakeBroker{}, nil)

	ctx := context.Background()
	require.NoError(t, jobs.Save(ctx, unsettledJob("job-1", "hash-1", domain.JobStatusDownloading, 0.5)))
	assert.Error(t, svc.ResendFinishMessage(ctx, "job-1"))
}

func TestFilePathRejectsEscape(t *testing.T) {
	adpt := newFakeAdapter()
	jobs := newFakeJobRepo()
	svc := newTestService(adpt, jobs, newFakeUploadRepo(), &fakeBroker{}, nil)

	ctx := context.Background()
	require.NoError(t, jobs.Save(ctx, unsettledJob("job-1", "hash-1", domain.JobStatusComplete, 1)))
	adpt.info["hash-1"] = &domain.TorrentInfo{Hash: "hash-1", SavePath: "/downloads/show"}

	path, err := svc.FilePath(ctx, "job-1", "Show/ep1.mkv")
	require.NoError(t, err)
	assert.Equal(t, "/downloads/show/Show/ep1.mkv", path)

	_, err = svc.FilePath(ctx, "job-1", "../../etc/passwd")
	assert.Error(t, err)
}

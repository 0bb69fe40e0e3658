package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/irohalab/mira-download-manager/internal/domain"
)

type fakeAdapter struct {
	flavor      domain.DownloaderType
	torrents    []domain.TorrentSummary
	listErr     error
	listCalls   int
	downloadID  string
	downloadErr error
	info        map[string]*domain.TorrentInfo
	content     map[string][]domain.TorrentFile
	paused      []string
	resumed     []string
	removed     []string
	removeErr   error
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		flavor:  domain.DownloaderQBittorrent,
		info:    make(map[string]*domain.TorrentInfo),
		content: make(map[string][]domain.TorrentFile),
	}
}

func (a *fakeAdapter) Connect(ctx context.Context) error { return nil }

func (a *fakeAdapter) Download(ctx context.Context, urlOrMagnet, downloadLocation string) (string, error) {
	if a.downloadErr != nil {
		return "", a.downloadErr
	}
	return a.downloadID, nil
}

func (a *fakeAdapter) Pause(ctx context.Context, torrentID string) error {
	a.paused = append(a.paused, torrentID)
	return nil
}

func (a *fakeAdapter) Resume(ctx context.Context, torrentID string) error {
	a.resumed = append(a.resumed, torrentID)
	return nil
}

func (a *fakeAdapter) Remove(ctx context.Context, torrentID string, deleteFiles bool) error {
	if a.removeErr != nil {
		return a.removeErr
	}
	a.removed = append(a.removed, torrentID)
	return nil
}

func (a *fakeAdapter) TorrentInfo(ctx context.Context, torrentID string) (*domain.TorrentInfo, error) {
	info, ok := a.info[torrentID]
	if !ok {
		return nil, fmt.Errorf("no info for %s", torrentID)
	}
	return info, nil
}

func (a *fakeAdapter) TorrentContent(ctx context.Context, torrentID string) ([]domain.TorrentFile, error) {
	return a.content[torrentID], nil
}

func (a *fakeAdapter) ListTorrents(ctx context.Context) ([]domain.TorrentSummary, error) {
	a.listCalls++
	if a.listErr != nil {
		return nil, a.listErr
	}
	return a.torrents, nil
}

func (a *fakeAdapter) Flavor() domain.DownloaderType { return a.flavor }
func (a *fakeAdapter) Close() error                  { return nil }

type fakeJobRepo struct {
	jobs       map[string]*domain.Job
	saveCalls  int
	batchSaves [][]*domain.Job
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: make(map[string]*domain.Job)}
}

func (r *fakeJobRepo) Init(ctx context.Context) error { return nil }

func (r *fakeJobRepo) Save(ctx context.Context, job *domain.Job) error {
	r.saveCalls++
	copied := *job
	r.jobs[job.ID] = &copied
	return nil
}

func (r *fakeJobRepo) SaveAll(ctx context.Context, jobs []*domain.Job) error {
	r.batchSaves = append(r.batchSaves, jobs)
	for _, job := range jobs {
		copied := *job
		r.jobs[job.ID] = &copied
	}
	return nil
}

func (r *fakeJobRepo) Get(ctx context.Context, id string) (*domain.Job, error) {
	job, ok := r.jobs[id]
	if !ok {
		return nil, nil
	}
	copied := *job
	return &copied, nil
}

func (r *fakeJobRepo) GetByTaskMessageID(ctx context.Context, taskMessageID string) (*domain.Job, error) {
	for _, job := range r.jobs {
		if job.DownloadTaskMessageID == taskMessageID {
			copied := *job
			return &copied, nil
		}
	}
	return nil, nil
}

func (r *fakeJobRepo) ListByStatus(ctx context.Context, status domain.JobStatus) ([]*domain.Job, error) {
	var out []*domain.Job
	for _, job := range r.jobs {
		if job.Status == status {
			copied := *job
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreateTime.After(out[j].CreateTime) })
	return out, nil
}

func (r *fakeJobRepo) ListUnsettled(ctx context.Context, downloader domain.DownloaderType) ([]*domain.Job, error) {
	var out []*domain.Job
	for _, job := range r.jobs {
		if !job.Settled() && job.Downloader == downloader {
			copied := *job
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *fakeJobRepo) ListExpiredCompleted(ctx context.Context, cutoff time.Time) ([]*domain.Job, error) {
	var out []*domain.Job
	for _, job := range r.jobs {
		if job.Status == domain.JobStatusComplete && job.EndTime != nil && job.EndTime.Before(cutoff) {
			copied := *job
			out = append(out, &copied)
		}
	}
	return out, nil
}

type fakeUploadRepo struct {
	objects map[string]*domain.UploadedObject
}

func newFakeUploadRepo() *fakeUploadRepo {
	return &fakeUploadRepo{objects: make(map[string]*domain.UploadedObject)}
}

func uploadKey(jobID, localPath string) string { return jobID + "|" + localPath }

func (r *fakeUploadRepo) Init(ctx context.Context) error { return nil }

func (r *fakeUploadRepo) FindByLocalPath(ctx context.Context, jobID, localPath string) (*domain.UploadedObject, error) {
	obj, ok := r.objects[uploadKey(jobID, localPath)]
	if !ok {
		return nil, nil
	}
	return obj, nil
}

func (r *fakeUploadRepo) ListByJob(ctx context.Context, jobID string) ([]*domain.UploadedObject, error) {
	var out []*domain.UploadedObject
	for _, obj := range r.objects {
		if obj.JobID == jobID {
			out = append(out, obj)
		}
	}
	return out, nil
}

func (r *fakeUploadRepo) SaveAll(ctx context.Context, objects []*domain.UploadedObject) error {
	for _, obj := range objects {
		r.objects[uploadKey(obj.JobID, obj.LocalPath)] = obj
	}
	return nil
}

type fakeCleanupRepo struct {
	tasks  []*domain.CleanupTask
	nextID int64
}

func (r *fakeCleanupRepo) Init(ctx context.Context) error { return nil }

func (r *fakeCleanupRepo) Add(ctx context.Context, directoryPath string) error {
	r.nextID++
	r.tasks = append(r.tasks, &domain.CleanupTask{ID: r.nextID, DirectoryPath: directoryPath})
	return nil
}

func (r *fakeCleanupRepo) List(ctx context.Context) ([]*domain.CleanupTask, error) {
	out := make([]*domain.CleanupTask, len(r.tasks))
	copy(out, r.tasks)
	return out, nil
}

func (r *fakeCleanupRepo) Remove(ctx context.Context, id int64) error {
	for i, task := range r.tasks {
		if task.ID == id {
			r.tasks = append(r.tasks[:i], r.tasks[i+1:]...)
			return nil
		}
	}
	return nil
}

type publishedMessage struct {
	Exchange   string
	RoutingKey string
	Message    *domain.DownloadMQMessage
}

type fakeBroker struct {
	published  []publishedMessage
	publishErr error
}

func (b *fakeBroker) Publish(ctx context.Context, exchange, routingKey string, message any) error {
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published = append(b.published, publishedMessage{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Message:    message.(*domain.DownloadMQMessage),
	})
	return nil
}

func (b *fakeBroker) Consume(ctx context.Context, exchange, queue, routingKey string, handler func(body []byte) bool) error {
	return nil
}

func (b *fakeBroker) Close() error { return nil }

type fakeStorage struct {
	uploads   []string
	uploadErr error
}

func (s *fakeStorage) EnsureBucket(ctx context.Context) error { return nil }

func (s *fakeStorage) Upload(ctx context.Context, localFilePath string) (string, error) {
	if s.uploadErr != nil {
		return "", s.uploadErr
	}
	s.uploads = append(s.uploads, localFilePath)
	return "s3://test-bucket/" + filepath.Base(localFilePath), nil
}

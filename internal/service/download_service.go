package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/irohalab/mira-download-manager/internal/adapter"
	"github.com/irohalab/mira-download-manager/internal/broker"
	"github.com/irohalab/mira-download-manager/internal/config"
	"github.com/irohalab/mira-download-manager/internal/domain"
	"github.com/irohalab/mira-download-manager/internal/repository"
	"github.com/irohalab/mira-download-manager/internal/storage"
)

const completionRoutingKey = "download_message"

// DownloadService drives the job lifecycle: submission, pause/resume/delete,
// and the completion pipeline that turns a finished torrent into outbound
// messages (and optionally durable-storage copies).
type DownloadService struct {
	cfg        config.Config
	adapter    adapter.Adapter
	jobs       repository.JobRepository
	uploads    repository.UploadedObjectRepository
	broker     broker.Broker
	storage    storage.Service // nil when durable storage is disabled
	reconciler *Reconciler
	logger     *logrus.Logger

	wg sync.WaitGroup
}

func NewDownloadService(
	cfg config.Config,
	adpt adapter.Adapter,
	jobs repository.JobRepository,
	uploads repository.UploadedObjectRepository,
	brk broker.Broker,
	store storage.Service,
	reconciler *Reconciler,
	logger *logrus.Logger,
) *DownloadService {
	return &DownloadService{
		cfg:        cfg,
		adapter:    adpt,
		jobs:       jobs,
		uploads:    uploads,
		broker:     brk,
		storage:    store,
		reconciler: reconciler,
		logger:     logger,
	}
}

// Start connects the daemon session, wires the reconciler's event streams and
// launches the polling loop.
func (s *DownloadService) Start(ctx context.Context) error {
	if err := s.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect downloader: %w", err)
	}

	statusChanged, _ := s.reconciler.StatusChanged().Subscribe()
	deleted, _ := s.reconciler.Deleted().Subscribe()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		for jobID := range statusChanged {
			s.onStatusChanged(ctx, jobID)
		}
	}()
	go func() {
		defer s.wg.Done()
		for jobID := range deleted {
			s.logger.WithField("jobId", jobID).Info("torrent removed from daemon")
		}
	}()

	s.reconciler.Start(ctx)
	return nil
}

// Stop shuts down the reconciler (which closes the event streams), waits for
// in-flight event handling, then closes the daemon session.
func (s *DownloadService) Stop() {
	s.reconciler.Stop()
	s.wg.Wait()
	if err := s.adapter.Close(); err != nil {
		s.logger.WithError(err).Warn("failed to close downloader")
	}
}

func (s *DownloadService) onStatusChanged(ctx context.Context, jobID string) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		s.logger.WithError(err).WithField("jobId", jobID).Error("failed to load job for status event")
		return
	}
	if job == nil {
		return
	}
	s.logger.WithField("jobId", job.ID).WithField("status", job.Status).Info("job status changed")
	if job.Status != domain.JobStatusComplete {
		return
	}

	if job.EndTime == nil {
		now := time.Now()
		job.EndTime = &now
		if err := s.jobs.Save(ctx, job); err != nil {
			s.logger.WithError(err).WithField("jobId", job.ID).Error("failed to stamp end time")
		}
	}

	if err := s.DownloadComplete(ctx, job); err != nil {
		s.logger.WithError(err).WithField("jobId", job.ID).Error("completion pipeline failed")
		job.Status = domain.JobStatusError
		job.ErrorInfo = &domain.ErrorInfo{Message: err.Error()}
		if saveErr := s.jobs.Save(ctx, job); saveErr != nil {
			s.logger.WithError(saveErr).WithField("jobId", job.ID).Error("failed to persist error status")
		}
	}
}

// Submit creates a job for the task message and hands the torrent to the
// daemon. The job record is persisted even when the daemon rejects the
// torrent, so the failure stays visible and replayable.
func (s *DownloadService) Submit(ctx context.Context, msg *domain.DownloadTaskMessage) (*domain.Job, error) {
	job := &domain.Job{
		ID:                    uuid.NewString(),
		Downloader:            s.adapter.Flavor(),
		Status:                domain.JobStatusPending,
		TorrentURL:            msg.TorrentURL,
		BangumiID:             msg.BangumiID,
		DownloadTaskMessageID: msg.ID,
		DownloadTaskMessage:   msg,
		FileMapping:           msg.FileMapping,
		VideoID:               msg.VideoID,
		CreateTime:            time.Now(),
	}

	torrentID, err := s.adapter.Download(ctx, msg.TorrentURL, s.cfg.Download.Location)
	if err != nil {
		job.Status = domain.JobStatusError
		job.ErrorInfo = &domain.ErrorInfo{Message: err.Error()}
	} else {
		job.TorrentID = torrentID
	}

	if saveErr := s.jobs.Save(ctx, job); saveErr != nil {
		return nil, fmt.Errorf("failed to save job: %w", saveErr)
	}
	if err != nil {
		return job, fmt.Errorf("failed to submit torrent: %w", err)
	}
	s.logger.WithField("jobId", job.ID).WithField("torrentId", job.TorrentID).Info("job submitted")
	return job, nil
}

func (s *DownloadService) Job(ctx context.Context, id string) (*domain.Job, error) {
	return s.jobs.Get(ctx, id)
}

func (s *DownloadService) JobsByStatus(ctx context.Context, status domain.JobStatus) ([]*domain.Job, error) {
	return s.jobs.ListByStatus(ctx, status)
}

func (s *DownloadService) SaveJob(ctx context.Context, job *domain.Job) error {
	return s.jobs.Save(ctx, job)
}

// Pause halts the transfer and marks the job Paused in memory. The caller
// persists the job once its own changes are folded in.
func (s *DownloadService) Pause(ctx context.Context, id string) (*domain.Job, error) {
	job, err := s.requireJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.adapter.Pause(ctx, job.TorrentID); err != nil {
		return nil, fmt.Errorf("failed to pause torrent: %w", err)
	}
	job.Status = domain.JobStatusPaused
	return job, nil
}

// Resume restarts the transfer and marks the job Pending in memory; the next
// reconciliation cycle settles the real daemon state.
func (s *DownloadService) Resume(ctx context.Context, id string) (*domain.Job, error) {
	job, err := s.requireJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.adapter.Resume(ctx, job.TorrentID); err != nil {
		return nil, fmt.Errorf("failed to resume torrent: %w", err)
	}
	job.Status = domain.JobStatusPending
	return job, nil
}

// Delete removes the torrent and its files from the daemon and settles the
// job as Removed. A torrent the daemon already forgot counts as removed.
func (s *DownloadService) Delete(ctx context.Context, id string) error {
	job, err := s.requireJob(ctx, id)
	if err != nil {
		return err
	}
	if err := s.RemoveTorrent(ctx, job); err != nil {
		return err
	}
	job.Status = domain.JobStatusRemoved
	if err := s.jobs.Save(ctx, job); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	s.logger.WithField("jobId", job.ID).Info("job deleted")
	return nil
}

// RemoveTorrent drops the job's torrent and its data from the daemon. A
// torrent the daemon no longer knows about counts as removed. The job record
// is left untouched; callers decide how to persist the state change.
func (s *DownloadService) RemoveTorrent(ctx context.Context, job *domain.Job) error {
	if err := s.adapter.Remove(ctx, job.TorrentID, true); err != nil && !errors.Is(err, adapter.ErrTorrentNotFound) {
		return fmt.Errorf("failed to remove torrent: %w", err)
	}
	return nil
}

// DeleteByTaskMessageID removes the job created for the given task message.
func (s *DownloadService) DeleteByTaskMessageID(ctx context.Context, taskMessageID string) error {
	job, err := s.jobs.GetByTaskMessageID(ctx, taskMessageID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("no job for task message %s", taskMessageID)
	}
	return s.Delete(ctx, job.ID)
}

// Content lists the job's fully downloaded files.
func (s *DownloadService) Content(ctx context.Context, id string) ([]domain.TorrentFile, error) {
	job, err := s.requireJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.adapter.TorrentContent(ctx, job.TorrentID)
}

// ResendFinishMessage replays the completion pipeline for an already complete
// job. File uploads are deduplicated, so the replay only re-publishes.
func (s *DownloadService) ResendFinishMessage(ctx context.Context, id string) error {
	job, err := s.requireJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != domain.JobStatusComplete {
		return fmt.Errorf("job %s is %s, not Complete", job.ID, job.Status)
	}
	return s.DownloadComplete(ctx, job)
}

// localFile holds a completed file with both its daemon-relative name and its
// downstream representation.
type localFile struct {
	relPath string
	remote  domain.RemoteFile
}

// DownloadComplete runs the completion pipeline: enumerate finished files,
// optionally copy them to durable storage, then publish one message per file
// mapping (or one legacy largest-file message when no mapping exists).
func (s *DownloadService) DownloadComplete(ctx context.Context, job *domain.Job) error {
	files, err := s.adapter.TorrentContent(ctx, job.TorrentID)
	if err != nil {
		return fmt.Errorf("failed to list torrent content: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("torrent %s has no finished files", job.TorrentID)
	}
	info, err := s.adapter.TorrentInfo(ctx, job.TorrentID)
	if err != nil {
		return fmt.Errorf("failed to get torrent info: %w", err)
	}

	local := make([]localFile, len(files))
	for i, f := range files {
		local[i] = localFile{
			relPath: f.Name,
			remote: domain.RemoteFile{
				Filename:      filepath.Base(f.Name),
				FileLocalPath: filepath.Join(info.SavePath, filepath.FromSlash(f.Name)),
				FileURI:       s.cfg.FileURL(f.Name, job.ID),
			},
		}
	}

	if s.storage != nil {
		if err := s.uploadFiles(ctx, job, local); err != nil {
			return err
		}
	}

	var messages []*domain.DownloadMQMessage
	if len(job.FileMapping) > 0 {
		messages, err = s.mappedMessages(job, local)
	} else {
		messages = []*domain.DownloadMQMessage{s.legacyMessage(job, local, files)}
	}
	if err != nil {
		return err
	}

	for _, msg := range messages {
		if err := s.broker.Publish(ctx, s.cfg.AMQP.Exchange, completionRoutingKey, msg); err != nil {
			return fmt.Errorf("failed to publish download message: %w", err)
		}
	}
	s.logger.WithField("jobId", job.ID).WithField("messages", len(messages)).Info("download complete messages published")
	return nil
}

// uploadFiles copies each finished file to durable storage, reusing any copy
// recorded for the same local path, and rewrites the file uris to the remote
// locators. New records are persisted in one batch.
func (s *DownloadService) uploadFiles(ctx context.Context, job *domain.Job, local []localFile) error {
	expiration := time.Now().Add(time.Duration(s.cfg.Storage.ExpireDays) * 24 * time.Hour)
	var created []*domain.UploadedObject
	for i := range local {
		existing, err := s.uploads.FindByLocalPath(ctx, job.ID, local[i].remote.FileLocalPath)
		if err != nil {
			return fmt.Errorf("failed to look up uploaded object: %w", err)
		}
		if existing != nil {
			local[i].remote.FileURI = existing.RemoteURI
			continue
		}
		uri, err := s.storage.Upload(ctx, local[i].remote.FileLocalPath)
		if err != nil {
			return fmt.Errorf("failed to upload %s: %w", local[i].remote.FileLocalPath, err)
		}
		exp := expiration
		created = append(created, &domain.UploadedObject{
			ID:         uuid.NewString(),
			JobID:      job.ID,
			Name:       local[i].remote.Filename,
			LocalPath:  local[i].remote.FileLocalPath,
			RemoteURI:  uri,
			Expiration: &exp,
		})
		local[i].remote.FileURI = uri
	}
	if len(created) > 0 {
		if err := s.uploads.SaveAll(ctx, created); err != nil {
			return fmt.Errorf("failed to save uploaded objects: %w", err)
		}
	}
	return nil
}

// mappedMessages builds one message per file mapping. The mapped file is the
// primary; every file claimed by any mapping is excluded from otherFiles so
// no file appears both as a primary and as an extra.
func (s *DownloadService) mappedMessages(job *domain.Job, local []localFile) ([]*domain.DownloadMQMessage, error) {
	byRelPath := make(map[string]*localFile, len(local))
	for i := range local {
		byRelPath[local[i].relPath] = &local[i]
	}

	claimed := make(map[string]bool, len(job.FileMapping))
	for _, m := range job.FileMapping {
		claimed[m.FilePath] = true
	}
	var others []domain.RemoteFile
	for i := range local {
		if !claimed[local[i].relPath] {
			others = append(others, local[i].remote)
		}
	}

	messages := make([]*domain.DownloadMQMessage, 0, len(job.FileMapping))
	for _, m := range job.FileMapping {
		primary, ok := byRelPath[m.FilePath]
		if !ok {
			return nil, fmt.Errorf("mapped file %s not found in finished content", m.FilePath)
		}
		mapping := m
		msg := s.newMessage(job)
		msg.VideoID = m.VideoID
		msg.FileMapping = &mapping
		msg.VideoFile = &primary.remote
		msg.OtherFiles = others
		messages = append(messages, msg)
	}
	return messages, nil
}

// legacyMessage builds the single-message fallback for jobs without file
// mappings: the largest finished file is the video, everything else is extra.
// Ties keep the first occurrence.
func (s *DownloadService) legacyMessage(job *domain.Job, local []localFile, files []domain.TorrentFile) *domain.DownloadMQMessage {
	largest := 0
	for i := 1; i < len(files); i++ {
		if files[i].Size > files[largest].Size {
			largest = i
		}
	}
	others := make([]domain.RemoteFile, 0, len(local)-1)
	for i := range local {
		if i != largest {
			others = append(others, local[i].remote)
		}
	}
	msg := s.newMessage(job)
	msg.VideoFile = &local[largest].remote
	msg.OtherFiles = others
	return msg
}

func (s *DownloadService) newMessage(job *domain.Job) *domain.DownloadMQMessage {
	return &domain.DownloadMQMessage{
		ID:                uuid.NewString(),
		DownloadTaskID:    job.ID,
		BangumiID:         job.BangumiID,
		DownloadManagerID: s.cfg.Download.ManagerID,
		VideoID:           job.VideoID,
		OtherFiles:        []domain.RemoteFile{},
	}
}

// FilePath resolves a daemon-relative file path of a job to an absolute local
// path, rejecting anything that escapes the torrent's save directory.
func (s *DownloadService) FilePath(ctx context.Context, id, relativeFilePath string) (string, error) {
	job, err := s.requireJob(ctx, id)
	if err != nil {
		return "", err
	}
	info, err := s.adapter.TorrentInfo(ctx, job.TorrentID)
	if err != nil {
		return "", fmt.Errorf("failed to get torrent info: %w", err)
	}
	root := filepath.Clean(info.SavePath)
	full := filepath.Clean(filepath.Join(root, filepath.FromSlash(relativeFilePath)))
	if full != root && !strings.HasPrefix(full, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("invalid file path %s", relativeFilePath)
	}
	return full, nil
}

// CopyVideoFile copies one finished file of a job into destDir, preserving
// the file name.
func (s *DownloadService) CopyVideoFile(ctx context.Context, id, relativeFilePath, destDir string) (string, error) {
	src, err := s.FilePath(ctx, id, relativeFilePath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create destination dir: %w", err)
	}
	dest := filepath.Join(destDir, filepath.Base(src))

	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("failed to open source file: %w", err)
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("failed to create destination file: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return "", fmt.Errorf("failed to copy file: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("failed to flush destination file: %w", err)
	}
	return dest, nil
}

func (s *DownloadService) requireJob(ctx context.Context, id string) (*domain.Job, error) {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	if job == nil {
		return nil, fmt.Errorf("job %s not found", id)
	}
	return job, nil
}

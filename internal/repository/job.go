package repository

import (
	"context"
	"time"

	"github.com/irohalab/mira-download-manager/internal/domain"
)

// JobRepository exposes persistence operations for download jobs.
type JobRepository interface {
	Init(ctx context.Context) error
	Save(ctx context.Context, job *domain.Job) error
	SaveAll(ctx context.Context, jobs []*domain.Job) error
	Get(ctx context.Context, id string) (*domain.Job, error)
	GetByTaskMessageID(ctx context.Context, taskMessageID string) (*domain.Job, error)
	ListByStatus(ctx context.Context, status domain.JobStatus) ([]*domain.Job, error)
	ListUnsettled(ctx context.Context, downloader domain.DownloaderType) ([]*domain.Job, error)
	ListExpiredCompleted(ctx context.Context, cutoff time.Time) ([]*domain.Job, error)
}

// UploadedObjectRepository manages records of files copied to durable storage.
type UploadedObjectRepository interface {
	Init(ctx context.Context) error
	FindByLocalPath(ctx context.Context, jobID, localPath string) (*domain.UploadedObject, error)
	ListByJob(ctx context.Context, jobID string) ([]*domain.UploadedObject, error)
	SaveAll(ctx context.Context, objects []*domain.UploadedObject) error
}

// CleanupTaskRepository is the queue of pending directory removals.
type CleanupTaskRepository interface {
	Init(ctx context.Context) error
	Add(ctx context.Context, directoryPath string) error
	List(ctx context.Context) ([]*domain.CleanupTask, error)
	Remove(ctx context.Context, id int64) error
}

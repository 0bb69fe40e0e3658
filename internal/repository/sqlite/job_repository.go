package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/irohalab/mira-download-manager/internal/domain"
	"github.com/irohalab/mira-download-manager/internal/repository"
)

const createJobsTable = `
CREATE TABLE IF NOT EXISTS download_jobs (
	id TEXT PRIMARY KEY,
	torrent_id TEXT NOT NULL DEFAULT '',
	downloader TEXT NOT NULL,
	status TEXT NOT NULL,
	torrent_url TEXT NOT NULL,
	bangumi_id TEXT NOT NULL,
	task_message_id TEXT NOT NULL DEFAULT '',
	task_message TEXT NOT NULL DEFAULT '',
	file_mapping TEXT NOT NULL DEFAULT '',
	video_id TEXT NOT NULL DEFAULT '',
	progress REAL NOT NULL DEFAULT 0,
	speed INTEGER NOT NULL DEFAULT 0,
	eta INTEGER NOT NULL DEFAULT 0,
	availability REAL NOT NULL DEFAULT 0,
	priority INTEGER NOT NULL DEFAULT 0,
	size INTEGER NOT NULL DEFAULT 0,
	downloaded INTEGER NOT NULL DEFAULT 0,
	amount_left INTEGER NOT NULL DEFAULT 0,
	active_time INTEGER NOT NULL DEFAULT 0,
	num_seeds INTEGER NOT NULL DEFAULT 0,
	num_leechs INTEGER NOT NULL DEFAULT 0,
	error_info TEXT NOT NULL DEFAULT '',
	create_time DATETIME NOT NULL,
	end_time DATETIME NULL
);
`

const jobColumns = `id, torrent_id, downloader, status, torrent_url, bangumi_id, task_message_id, task_message, file_mapping, video_id, progress, speed, eta, availability, priority, size, downloaded, amount_left, active_time, num_seeds, num_leechs, error_info, create_time, end_time`

type JobRepository struct {
	db *sql.DB
}

func NewJobRepository(db *sql.DB) repository.JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createJobsTable); err != nil {
		return fmt.Errorf("create download_jobs table: %w", err)
	}
	return nil
}

func (r *JobRepository) Save(ctx context.Context, job *domain.Job) error {
	return r.save(ctx, r.db, job)
}

// SaveAll upserts all jobs inside one transaction so a partial batch failure
// rolls back instead of leaving some jobs written.
func (r *JobRepository) SaveAll(ctx context.Context, jobs []*domain.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save batch: %w", err)
	}
	for _, job := range jobs {
		if err := r.save(ctx, tx, job); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save batch: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *JobRepository) save(ctx context.Context, ex execer, job *domain.Job) error {
	taskMessage, err := marshalOrEmpty(job.DownloadTaskMessage)
	if err != nil {
		return fmt.Errorf("encode task message: %w", err)
	}
	fileMapping, err := marshalOrEmpty(job.FileMapping)
	if err != nil {
		return fmt.Errorf("encode file mapping: %w", err)
	}
	errorInfo, err := marshalOrEmpty(job.ErrorInfo)
	if err != nil {
		return fmt.Errorf("encode error info: %w", err)
	}

	_, err = ex.ExecContext(ctx, `
INSERT INTO download_jobs (`+jobColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	torrent_id=excluded.torrent_id,
	status=excluded.status,
	file_mapping=excluded.file_mapping,
	video_id=excluded.video_id,
	progress=excluded.progress,
	speed=excluded.speed,
	eta=excluded.eta,
	availability=excluded.availability,
	priority=excluded.priority,
	size=excluded.size,
	downloaded=excluded.downloaded,
	amount_left=excluded.amount_left,
	active_time=excluded.active_time,
	num_seeds=excluded.num_seeds,
	num_leechs=excluded.num_leechs,
	error_info=excluded.error_info,
	end_time=excluded.end_time`,
		job.ID,
		job.TorrentID,
		string(job.Downloader),
		string(job.Status),
		job.TorrentURL,
		job.BangumiID,
		job.DownloadTaskMessageID,
		taskMessage,
		fileMapping,
		job.VideoID,
		job.Progress,
		job.Speed,
		job.ETA,
		job.Availability,
		job.Priority,
		job.Size,
		job.Downloaded,
		job.AmountLeft,
		job.ActiveTime,
		job.NumSeeds,
		job.NumLeechs,
		errorInfo,
		job.CreateTime,
		job.EndTime,
	)
	if err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

func (r *JobRepository) Get(ctx context.Context, id string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM download_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

func (r *JobRepository) GetByTaskMessageID(ctx context.Context, taskMessageID string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM download_jobs WHERE task_message_id = ?`, taskMessageID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

func (r *JobRepository) ListByStatus(ctx context.Context, status domain.JobStatus) ([]*domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+jobColumns+` FROM download_jobs WHERE status = ? ORDER BY create_time DESC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	return collectJobs(rows)
}

func (r *JobRepository) ListUnsettled(ctx context.Context, downloader domain.DownloaderType) ([]*domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+jobColumns+` FROM download_jobs
WHERE downloader = ? AND status IN (?, ?, ?)`,
		string(downloader),
		string(domain.JobStatusPending),
		string(domain.JobStatusDownloading),
		string(domain.JobStatusPaused),
	)
	if err != nil {
		return nil, fmt.Errorf("list unsettled jobs: %w", err)
	}
	return collectJobs(rows)
}

func (r *JobRepository) ListExpiredCompleted(ctx context.Context, cutoff time.Time) ([]*domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+jobColumns+` FROM download_jobs
WHERE status = ? AND end_time IS NOT NULL AND end_time < ?`,
		string(domain.JobStatusComplete), cutoff)
	if err != nil {
		return nil, fmt.Errorf("list expired jobs: %w", err)
	}
	return collectJobs(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		job         domain.Job
		downloader  string
		status      string
		taskMessage string
		fileMapping string
		errorInfo   string
		endTime     sql.NullTime
	)
	err := row.Scan(
		&job.ID,
		&job.TorrentID,
		&downloader,
		&status,
		&job.TorrentURL,
		&job.BangumiID,
		&job.DownloadTaskMessageID,
		&taskMessage,
		&fileMapping,
		&job.VideoID,
		&job.Progress,
		&job.Speed,
		&job.ETA,
		&job.Availability,
		&job.Priority,
		&job.Size,
		&job.Downloaded,
		&job.AmountLeft,
		&job.ActiveTime,
		&job.NumSeeds,
		&job.NumLeechs,
		&errorInfo,
		&job.CreateTime,
		&endTime,
	)
	if err != nil {
		return nil, err
	}
	job.Downloader = domain.DownloaderType(downloader)
	job.Status = domain.JobStatus(status)
	if endTime.Valid {
		t := endTime.Time
		job.EndTime = &t
	}
	if taskMessage != "" {
		job.DownloadTaskMessage = &domain.DownloadTaskMessage{}
		if err := json.Unmarshal([]byte(taskMessage), job.DownloadTaskMessage); err != nil {
			return nil, fmt.Errorf("decode task message: %w", err)
		}
	}
	if fileMapping != "" {
		if err := json.Unmarshal([]byte(fileMapping), &job.FileMapping); err != nil {
			return nil, fmt.Errorf("decode file mapping: %w", err)
		}
	}
	if errorInfo != "" {
		job.ErrorInfo = &domain.ErrorInfo{}
		if err := json.Unmarshal([]byte(errorInfo), job.ErrorInfo); err != nil {
			return nil, fmt.Errorf("decode error info: %w", err)
		}
	}
	return &job, nil
}

func collectJobs(rows *sql.Rows) ([]*domain.Job, error) {
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func marshalOrEmpty(v any) (string, error) {
	switch value := v.(type) {
	case *domain.DownloadTaskMessage:
		if value == nil {
			return "", nil
		}
	case *domain.ErrorInfo:
		if value == nil {
			return "", nil
		}
	case []domain.FileMapping:
		if value == nil {
			return "", nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

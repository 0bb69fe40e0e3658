package service

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irohalab/mira-download-manager/internal/domain"
	"github.com/irohalab/mira-download-manager/internal/repository"
)

const (
	expireCheckInterval  = 24 * time.Hour
	cleanupSweepInterval = 5 * time.Minute
	removeRetryCount     = 2
	removeRetryDelay     = time.Second
)

// JobCleaner reclaims disk space: it expires Complete jobs past the retention
// window and drains the queue of directory removals left behind by deletes.
type JobCleaner struct {
	svc    *DownloadService
	jobs   repository.JobRepository
	tasks  repository.CleanupTaskRepository
	logger *logrus.Logger

	retention time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewJobCleaner(svc *DownloadService, jobs repository.JobRepository, tasks repository.CleanupTaskRepository, retentionDays int, logger *logrus.Logger) *JobCleaner {
	return &JobCleaner{
		svc:       svc,
		jobs:      jobs,
		tasks:     tasks,
		logger:    logger,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
	}
}

// Start runs both schedules until Stop or ctx cancellation. A failed cycle is
// logged and the schedule keeps going.
func (c *JobCleaner) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go func() {
		defer close(done)
		expireTicker := time.NewTicker(expireCheckInterval)
		defer expireTicker.Stop()
		sweepTicker := time.NewTicker(cleanupSweepInterval)
		defer sweepTicker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-expireTicker.C:
				if err := c.ExpireJobs(loopCtx); err != nil {
					c.logger.WithError(err).Error("job expiry cycle failed")
				}
			case <-sweepTicker.C:
				c.SweepCleanupTasks(loopCtx)
			}
		}
	}()
}

func (c *JobCleaner) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// ExpireJobs settles every Complete job whose end time fell out of the
// retention window. Each job's torrent is removed from the daemon; a removal
// failure is logged but the job still moves to Removed, since the retention
// decision already stands and the cleanup sweep reclaims the directory later.
// All settled jobs are persisted in a single batch write.
func (c *JobCleaner) ExpireJobs(ctx context.Context) error {
	cutoff := time.Now().Add(-c.retention)
	expired, err := c.jobs.ListExpiredCompleted(ctx, cutoff)
	if err != nil {
		return err
	}
	if len(expired) == 0 {
		return nil
	}
	for _, job := range expired {
		if err := c.svc.RemoveTorrent(ctx, job); err != nil {
			c.logger.WithError(err).WithField("jobId", job.ID).Warn("failed to remove expired torrent")
		}
		job.Status = domain.JobStatusRemoved
	}
	if err := c.jobs.SaveAll(ctx, expired); err != nil {
		return err
	}
	c.logger.WithField("count", len(expired)).Info("expired jobs cleaned up")
	return nil
}

// SweepCleanupTasks attempts every queued directory removal. A directory that
// no longer exists counts as done; any other failure keeps the task queued for
// the next sweep.
func (c *JobCleaner) SweepCleanupTasks(ctx context.Context) {
	tasks, err := c.tasks.List(ctx)
	if err != nil {
		c.logger.WithError(err).Error("failed to list cleanup tasks")
		return
	}
	for _, task := range tasks {
		if !c.removeDirectory(ctx, task) {
			continue
		}
		if err := c.tasks.Remove(ctx, task.ID); err != nil {
			c.logger.WithError(err).WithField("path", task.DirectoryPath).Error("failed to dequeue cleanup task")
		}
	}
}

func (c *JobCleaner) removeDirectory(ctx context.Context, task *domain.CleanupTask) bool {
	if _, err := os.Stat(task.DirectoryPath); os.IsNotExist(err) {
		return true
	}
	var err error
	for attempt := 0; attempt <= removeRetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(removeRetryDelay):
			}
		}
		if err = os.RemoveAll(task.DirectoryPath); err == nil {
			c.logger.WithField("path", task.DirectoryPath).Info("removed download directory")
			return true
		}
	}
	c.logger.WithError(err).WithField("path", task.DirectoryPath).Warn("failed to remove download directory, will retry later")
	return false
}

package service

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irohalab/mira-download-manager/internal/adapter"
	"github.com/irohalab/mira-download-manager/internal/domain"
	"github.com/irohalab/mira-download-manager/internal/pubsub"
	"github.com/irohalab/mira-download-manager/internal/repository"
)

const defaultReconcileInterval = 5 * time.Second

// Reconciler keeps persisted job state consistent with the daemon's live
// state by polling. It reschedules itself unconditionally so a transient
// daemon or database failure cannot stall reconciliation.
type Reconciler struct {
	adapter  adapter.Adapter
	jobs     repository.JobRepository
	logger   *logrus.Logger
	interval time.Duration

	statusChanged *pubsub.Bus[string]
	deleted       *pubsub.Bus[string]

	mu           sync.Mutex
	cancel       context.CancelFunc
	done         chan struct{}
	lastErrorMsg string
}

func NewReconciler(adpt adapter.Adapter, jobs repository.JobRepository, logger *logrus.Logger) *Reconciler {
	return &Reconciler{
		adapter:       adpt,
		jobs:          jobs,
		logger:        logger,
		interval:      defaultReconcileInterval,
		statusChanged: pubsub.NewBus[string](),
		deleted:       pubsub.NewBus[string](),
	}
}

// StatusChanged emits job ids whose status moved to a new value.
func (r *Reconciler) StatusChanged() *pubsub.Bus[string] {
	return r.statusChanged
}

// Deleted emits job ids whose torrent vanished from the daemon.
func (r *Reconciler) Deleted() *pubsub.Bus[string] {
	return r.deleted
}

// Start launches the polling loop. It returns immediately.
func (r *Reconciler) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	go func() {
		defer close(done)
		timer := time.NewTimer(r.interval)
		defer timer.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-timer.C:
			}
			if err := r.Tick(loopCtx); err != nil {
				r.reportError(err)
			} else {
				r.mu.Lock()
				r.lastErrorMsg = ""
				r.mu.Unlock()
			}
			timer.Reset(r.interval)
		}
	}()
}

// Stop cancels the pending reschedule; the in-flight tick is allowed to
// finish to avoid partial writes.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	r.statusChanged.Close()
	r.deleted.Close()
}

// Tick runs one reconciliation cycle: one daemon call, diff against all
// unsettled jobs, one batch write, then event emission for status movers.
func (r *Reconciler) Tick(ctx context.Context) error {
	jobs, err := r.jobs.ListUnsettled(ctx, r.adapter.Flavor())
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}

	live, err := r.adapter.ListTorrents(ctx)
	if err != nil {
		return err
	}
	byHash := make(map[string]*domain.TorrentSummary, len(live))
	for i := range live {
		byHash[live[i].Hash] = &live[i]
	}

	var changed, progressUpdated []*domain.Job
	for _, job := range jobs {
		summary, found := byHash[job.TorrentID]
		if !found {
			// torrent got deleted behind our back
			job.Status = domain.JobStatusRemoved
			changed = append(changed, job)
			continue
		}
		if summary.Status != job.Status {
			job.Status = summary.Status
			applyProgress(job, summary)
			changed = append(changed, job)
		} else if job.Progress != summary.Progress {
			applyProgress(job, summary)
			progressUpdated = append(progressUpdated, job)
		}
	}

	if len(changed) == 0 && len(progressUpdated) == 0 {
		return nil
	}
	if err := r.jobs.SaveAll(ctx, append(changed, progressUpdated...)); err != nil {
		return err
	}
	for _, job := range changed {
		if job.Status == domain.JobStatusRemoved {
			r.deleted.Publish(job.ID)
		} else {
			r.statusChanged.Publish(job.ID)
		}
	}
	return nil
}

func applyProgress(job *domain.Job, s *domain.TorrentSummary) {
	job.Progress = s.Progress
	job.Speed = s.Speed
	job.ETA = s.ETA
	job.Availability = s.Availability
	job.Priority = s.Priority
	job.Size = s.Size
	job.Downloaded = s.Downloaded
	job.AmountLeft = s.AmountLeft
	job.ActiveTime = s.ActiveTime
	job.NumSeeds = s.NumSeeds
	job.NumLeechs = s.NumLeechs
}

// reportError logs a cycle failure, skipping repeats of the same message so
// a persistent outage does not turn into an alert storm.
func (r *Reconciler) reportError(err error) {
	r.mu.Lock()
	repeated := err.Error() == r.lastErrorMsg
	r.lastErrorMsg = err.Error()
	r.mu.Unlock()
	if !repeated {
		r.logger.WithError(err).Error("reconciliation cycle failed")
	}
}

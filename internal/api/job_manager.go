// Package api provides the HTTP job API of the transfer distance server.
package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/soma-tiles/scmtl/internal/logutil"
	"github.com/soma-tiles/scmtl/internal/runstore"
)

// ErrQueueFull is recorded on jobs submitted while the queue is full.
var ErrQueueFull = errors.New("job queue is full; try again later")

// JobManagerConfig contains configuration for the job manager.
type JobManagerConfig struct {
	MaxConcurrent int    // Max concurrent transfer jobs (default 1)
	SQLitePath    string // Path to SQLite database
	RetentionDays int    // Days to keep finished jobs (default 7)
	CleanupPeriod time.Duration
	QueueSize     int // default 100
	Logger        logrus.FieldLogger
}

// Executor runs one job. It reports progress through the store and returns when done.
type Executor func(ctx context.Context, store *runstore.Store, jobID string) error

// JobManager manages transfer jobs with SQLite persistence.
type JobManager struct {
	cfg      JobManagerConfig
	store    *runstore.Store
	queue    chan string // job IDs
	running  map[string]context.CancelFunc
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
	logger   logrus.FieldLogger

	// Executor is called to run the actual distance computation.
	Executor Executor
}

// NewJobManager creates a new job manager with SQLite persistence.
func NewJobManager(cfg JobManagerConfig) (*JobManager, error) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 1 * time.Hour
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}

	store, err := runstore.NewStore(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}

	jm := &JobManager{
		cfg:     cfg,
		store:   store,
		queue:   make(chan string, cfg.QueueSize),
		running: make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
		logger:  logutil.OrDiscard(cfg.Logger).WithField("component", "jobs"),
	}
	return jm, nil
}

// Store returns the underlying store for direct access.
func (jm *JobManager) Store() *runstore.Store {
	return jm.store
}

// Start starts the worker goroutines and cleanup ticker.
// Also recovers from previous shutdown.
func (jm *JobManager) Start() {
	// Jobs running at shutdown cannot be resumed
	if err := jm.store.MarkRunningAsFailed("server restarted"); err != nil {
		jm.logger.WithError(err).Error("failed to mark running jobs as failed")
	}

	queued, err := jm.store.ListQueuedJobs()
	if err != nil {
		jm.logger.WithError(err).Error("failed to list queued jobs")
	} else {
		for _, job := range queued {
			select {
			case jm.queue <- job.ID:
				jm.logger.WithField("job_id", job.ID).Info("re-queued job")
			default:
				jm.logger.WithField("job_id", job.ID).Warn("queue full, cannot re-queue job")
			}
		}
	}

	for i := 0; i < jm.cfg.MaxConcurrent; i++ {
		jm.wg.Add(1)
		go jm.worker()
	}

	go jm.cleaner()
}

// Stop stops all workers gracefully.
func (jm *JobManager) Stop() {
	jm.stopOnce.Do(func() {
		close(jm.stopCh)

		jm.mu.Lock()
		for _, cancel := range jm.running {
			cancel()
		}
		close(jm.queue)
		jm.mu.Unlock()

		jm.wg.Wait()
		jm.store.Close()
	})
}

func (jm *JobManager) worker() {
	defer jm.wg.Done()
	for jobID := range jm.queue {
		jm.runJob(jobID)
	}
}

func (jm *JobManager) runJob(jobID string) {
	logger := jm.logger.WithField("job_id", jobID)

	job, err := jm.store.GetJob(jobID)
	if err != nil || job == nil {
		logger.WithError(err).Warn("skipping unknown job")
		return
	}
	if job.Status != runstore.JobStatusQueued {
		// cancelled while waiting in the queue
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jm.mu.Lock()
	jm.running[jobID] = cancel
	jm.mu.Unlock()

	defer func() {
		jm.mu.Lock()
		delete(jm.running, jobID)
		jm.mu.Unlock()
	}()

	if err := jm.store.UpdateJobStarted(jobID); err != nil {
		logger.WithError(err).Error("failed to mark job as started")
		return
	}

	start := time.Now()
	var execErr error
	if jm.Executor != nil {
		execErr = jm.Executor(ctx, jm.store, jobID)
	}

	switch {
	case ctx.Err() == context.Canceled:
		jm.store.UpdateJobStatus(jobID, runstore.JobStatusCancelled, "cancelled by user")
		logger.Info("job cancelled")
	case execErr != nil:
		jm.store.UpdateJobStatus(jobID, runstore.JobStatusFailed, execErr.Error())
		logger.WithError(execErr).Warn("job failed")
	default:
		jm.store.UpdateJobStatus(jobID, runstore.JobStatusCompleted, "")
		logger.WithField("elapsed", time.Since(start).String()).Info("job completed")
	}
}

func (jm *JobManager) cleaner() {
	ticker := time.NewTicker(jm.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.cleanup()
		}
	}
}

func (jm *JobManager) cleanup() {
	deleted, err := jm.store.DeleteExpiredJobs(jm.cfg.RetentionDays)
	if err != nil {
		jm.logger.WithError(err).Error("cleanup failed")
	} else if deleted > 0 {
		jm.logger.WithField("deleted", deleted).Info("cleaned up expired jobs")
	}
}

// Submit creates a new job and enqueues it for execution.
func (jm *JobManager) Submit(params runstore.JobParams) (*runstore.Job, error) {
	job := &runstore.Job{
		ID:        uuid.NewString(),
		Status:    runstore.JobStatusQueued,
		Params:    params,
		CreatedAt: time.Now(),
	}

	if err := jm.store.CreateJob(job); err != nil {
		return nil, err
	}

	var reason string
	jm.mu.Lock()
	select {
	case <-jm.stopCh:
		reason = "server is shutting down"
	default:
		select {
		case jm.queue <- job.ID:
		default:
			reason = ErrQueueFull.Error()
		}
	}
	jm.mu.Unlock()

	if reason != "" {
		jm.store.UpdateJobStatus(job.ID, runstore.JobStatusFailed, reason)
		job.Status = runstore.JobStatusFailed
		job.Error = reason
	}

	return job, nil
}

// Get returns a job by ID.
func (jm *JobManager) Get(id string) *runstore.Job {
	job, err := jm.store.GetJob(id)
	if err != nil {
		jm.logger.WithError(err).WithField("job_id", id).Error("failed to get job")
		return nil
	}
	return job
}

// Cancel attempts to cancel a queued or running job.
func (jm *JobManager) Cancel(id string) bool {
	jm.mu.Lock()
	cancel, ok := jm.running[id]
	jm.mu.Unlock()

	if ok && cancel != nil {
		cancel()
		return true
	}

	job, err := jm.store.GetJob(id)
	if err != nil || job == nil {
		return false
	}
	if job.Status == runstore.JobStatusQueued {
		jm.store.UpdateJobStatus(id, runstore.JobStatusCancelled, "cancelled before start")
		return true
	}
	return false
}

// Delete deletes a job and its results.
func (jm *JobManager) Delete(id string) error {
	return jm.store.DeleteJob(id)
}

/**
 * @description
 * The job registry owns the mapping from job key to running job. It enforces
 * at most one in-flight job per key, launches each accepted job in its own
 * goroutine with a cancellable context, and keeps a bounded in-memory
 * history of finished runs for operational visibility.
 *
 * @notes
 * - A job's failure is never swallowed: the JobRun record always ends in a
 *   terminal status with the result summary or error detail.
 * - Cancellation is cooperative. Writes committed before cancellation are
 *   financial records and are not rolled back.
 */
package app

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/proteamcare/billing-service/internal/domain"
)

// JobFunc is the unit of work executed by a job. It returns a structured
// result summary with counts of processed, succeeded and failed items.
type JobFunc func(ctx context.Context) (map[string]int, error)

type jobHandle struct {
	run    domain.JobRun
	cancel context.CancelFunc
	done   chan struct{}
}

// JobRegistry coordinates concurrent job execution.
type JobRegistry struct {
	mu           sync.Mutex
	running      map[string]*jobHandle // keyed by job key
	byID         map[string]*jobHandle
	history      []domain.JobRun
	historyLimit int
	logger       *slog.Logger
}

// NewJobRegistry creates a registry retaining up to historyLimit finished
// runs.
func NewJobRegistry(historyLimit int, logger *slog.Logger) *JobRegistry {
	if historyLimit <= 0 {
		historyLimit = 100
	}
	return &JobRegistry{
		running:      make(map[string]*jobHandle),
		byID:         make(map[string]*jobHandle),
		history:      make([]domain.JobRun, 0, historyLimit),
		historyLimit: historyLimit,
		logger:       logger,
	}
}

// Start launches fn as a new job run. When a job with the same key is still
// in flight the call fails fast with ErrJobAlreadyRunning instead of queuing
// or racing.
func (r *JobRegistry) Start(jobType domain.JobType, key string, fn JobFunc) (domain.JobRun, error) {
	r.mu.Lock()
	if _, exists := r.running[key]; exists {
		r.mu.Unlock()
		return domain.JobRun{}, fmt.Errorf("%w: %s", ErrJobAlreadyRunning, key)
	}

	now := time.Now().UTC()
	ctx, cancel := context.WithCancel(context.Background())
	handle := &jobHandle{
		run: domain.JobRun{
			ID:        fmt.Sprintf("%s_%d", key, now.UnixNano()),
			Type:      jobType,
			Key:       key,
			Status:    domain.JobRunning,
			StartedAt: now,
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.running[key] = handle
	r.byID[handle.run.ID] = handle
	run := handle.run
	r.mu.Unlock()

	r.logger.Info("job started", "job_id", run.ID, "type", string(jobType), "key", key)
	go r.execute(ctx, handle, fn)
	return run, nil
}

func (r *JobRegistry) execute(ctx context.Context, handle *jobHandle, fn JobFunc) {
	defer close(handle.done)

	var summary map[string]int
	var err error
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("job panicked: %v", rec)
				r.logger.Error("job panicked",
					"job_id", handle.run.ID, "panic", rec, "stack", string(debug.Stack()))
			}
		}()
		summary, err = fn(ctx)
	}()

	finished := time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()

	handle.run.FinishedAt = &finished
	handle.run.Summary = summary
	switch {
	case err == nil:
		handle.run.Status = domain.JobCompleted
	case ctx.Err() == context.Canceled:
		handle.run.Status = domain.JobCancelled
		handle.run.Error = err.Error()
	default:
		handle.run.Status = domain.JobFailed
		handle.run.Error = err.Error()
	}

	delete(r.running, handle.run.Key)
	r.history = append(r.history, handle.run)
	if len(r.history) > r.historyLimit {
		for _, dropped := range r.history[:len(r.history)-r.historyLimit] {
			delete(r.byID, dropped.ID)
		}
		r.history = r.history[len(r.history)-r.historyLimit:]
	}

	if err != nil {
		r.logger.Error("job finished with error",
			"job_id", handle.run.ID, "status", string(handle.run.Status), "error", err)
	} else {
		r.logger.Info("job completed", "job_id", handle.run.ID, "summary", summary)
	}
}

// Cancel requests cooperative cancellation of a running job.
func (r *JobRegistry) Cancel(jobID string) bool {
	r.mu.Lock()
	handle, ok := r.byID[jobID]
	if !ok || handle.run.FinishedAt != nil {
		r.mu.Unlock()
		return false
	}
	r.mu.Unlock()

	handle.cancel()
	return true
}

// Wait blocks until the job finishes or the context expires. Used by tests
// and by callers that need a synchronous run.
func (r *JobRegistry) Wait(ctx context.Context, jobID string) error {
	r.mu.Lock()
	handle, ok := r.byID[jobID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %s", jobID)
	}
	select {
	case <-handle.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get returns a snapshot of one job run.
func (r *JobRegistry) Get(jobID string) (domain.JobRun, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if handle, ok := r.byID[jobID]; ok {
		return handle.run, true
	}
	return domain.JobRun{}, false
}

// List returns snapshots of running jobs followed by the finished history,
// newest first.
func (r *JobRegistry) List() []domain.JobRun {
	r.mu.Lock()
	defer r.mu.Unlock()

	runs := make([]domain.JobRun, 0, len(r.running)+len(r.history))
	for _, handle := range r.running {
		runs = append(runs, handle.run)
	}
	for i := len(r.history) - 1; i >= 0; i-- {
		runs = append(runs, r.history[i])
	}
	return runs
}

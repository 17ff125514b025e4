// Package job runs asynchronous index builds on a bounded worker pool.
package job

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ragreader/ragreader/errors"
	"github.com/ragreader/ragreader/pkg/logging"
	"github.com/ragreader/ragreader/store"
)

// Initializer is the slice of a pipeline the worker needs.
type Initializer interface {
	InitJob(ctx context.Context, username string, report func(int)) error
}

// Resolver maps (method, model) to a pipeline; the registry satisfies it.
type Resolver func(method, model string) (Initializer, error)

// Manager owns the worker pool. Concurrency is bounded by a weighted
// semaphore; each job gets an outer deadline.
type Manager struct {
	db      *store.Store
	resolve Resolver
	sem     *semaphore.Weighted
	timeout time.Duration

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager builds a pool with the given concurrency and per-job timeout.
func NewManager(db *store.Store, resolve Resolver, workers int, timeout time.Duration) *Manager {
	if workers <= 0 {
		workers = 4
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		db:      db,
		resolve: resolve,
		sem:     semaphore.NewWeighted(int64(workers)),
		timeout: timeout,
		base:    base,
		cancel:  cancel,
	}
}

// Submit creates a pending job row and schedules the build. It returns the
// job immediately; progress is observable through the store.
func (m *Manager) Submit(ctx context.Context, username, method, model string) (*store.Job, error) {
	j := &store.Job{Username: username, Method: method, Model: model}
	if err := m.db.CreateJob(ctx, j); err != nil {
		return nil, err
	}
	m.schedule(j.ID)
	return j, nil
}

// Resubmit schedules an existing job again. A job whose index already exists
// completes through the pipeline's fast path.
func (m *Manager) Resubmit(jobID uuid.UUID) {
	m.schedule(jobID)
}

func (m *Manager) schedule(jobID uuid.UUID) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.sem.Acquire(m.base, 1); err != nil {
			return // shutting down
		}
		defer m.sem.Release(1)
		m.run(jobID)
	}()
}

// run executes one job end to end.
func (m *Manager) run(jobID uuid.UUID) {
	log := logging.WithComponent("job")

	jctx, cancel := context.WithTimeout(m.base, m.timeout)
	defer cancel()

	j, err := m.db.GetJob(jctx, jobID)
	if err != nil {
		log.Error("job lookup failed", "job", jobID, "error", err)
		return
	}
	if err := m.db.MarkJobProcessing(jctx, jobID); err != nil {
		log.Error("job transition failed", "job", jobID, "error", err)
		return
	}

	p, err := m.resolve(j.Method, j.Model)
	if err != nil {
		m.fail(jobID, err)
		return
	}

	err = p.InitJob(jctx, j.Username, func(progress int) {
		if uerr := m.db.UpdateJobProgress(m.base, jobID, progress); uerr != nil {
			log.Warn("progress write failed", "job", jobID, "error", uerr)
		}
	})
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s", errors.ErrJobTimeout, m.timeout)
		}
		m.fail(jobID, err)
		return
	}

	if err := m.db.MarkJobReady(m.base, jobID); err != nil {
		log.Error("job completion write failed", "job", jobID, "error", err)
		return
	}
	log.Info("job ready", "job", jobID, "user", j.Username, "method", j.Method, "model", j.Model)
}

func (m *Manager) fail(jobID uuid.UUID, cause error) {
	logging.WithComponent("job").Error("job failed", "job", jobID, "error", cause)
	if err := m.db.MarkJobFailed(m.base, jobID, cause); err != nil {
		logging.WithComponent("job").Error("job failure write failed", "job", jobID, "error", err)
	}
}

// Wait blocks until every scheduled job has finished; used by tests and
// shutdown.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Close cancels in-flight jobs and stops accepting work.
func (m *Manager) Close() {
	m.cancel()
}

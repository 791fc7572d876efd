// Package concurrency wraps alitto/pond into a named worker pool. The bot
// manager constructs one and stops it on shutdown but submits no tasks to
// it; runners run their duration timers and reconciliation loops on their
// own goroutines.
//
// Grounded on the teacher's pkg/concurrency/pool.go.
package concurrency

import (
	"fmt"
	"time"

	"github.com/alitto/pond"

	"gridbot/internal/core"
)

// PoolConfig configures a WorkerPool.
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int
	IdleTimeout time.Duration
	NonBlocking bool // if true, Submit returns an error instead of blocking when full
}

// WorkerPool wraps alitto/pond with standardized defaults and logging.
type WorkerPool struct {
	pool   *pond.WorkerPool
	config PoolConfig
	logger core.Logger
}

// NewWorkerPool builds a pool with safe defaults for any zero-valued field.
func NewWorkerPool(cfg PoolConfig, logger core.Logger) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = 100
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	pool := pond.New(
		cfg.MaxWorkers,
		cfg.MaxCapacity,
		pond.MinWorkers(1),
		pond.IdleTimeout(cfg.IdleTimeout),
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(p interface{}) {
			logger.Error("worker pool panic recovered", "pool", cfg.Name, "panic", p)
		}),
	)

	return &WorkerPool{
		pool:   pool,
		config: cfg,
		logger: logger.WithField("component", "worker_pool").WithField("pool", cfg.Name),
	}
}

// Submit adds task to the pool. In non-blocking mode it returns an error if
// the pool is at capacity instead of blocking the caller.
func (wp *WorkerPool) Submit(task func()) error {
	if wp.config.NonBlocking {
		if !wp.pool.TrySubmit(task) {
			return fmt.Errorf("worker pool '%s' is full (capacity: %d)", wp.config.Name, wp.config.MaxCapacity)
		}
		return nil
	}
	wp.pool.Submit(task)
	return nil
}

// SubmitAndWait submits task and blocks until it has completed.
func (wp *WorkerPool) SubmitAndWait(task func()) {
	done := make(chan struct{})
	wp.pool.Submit(func() {
		task()
		close(done)
	})
	<-done
}

// Stop drains the pool and waits for in-flight tasks to finish.
func (wp *WorkerPool) Stop() {
	wp.pool.StopAndWait()
}

// Stats reports the pool's current load.
func (wp *WorkerPool) Stats() map[string]interface{} {
	return map[string]interface{}{
		"running_workers":  wp.pool.RunningWorkers(),
		"idle_workers":     wp.pool.IdleWorkers(),
		"submitted_tasks":  wp.pool.SubmittedTasks(),
		"waiting_tasks":    wp.pool.WaitingTasks(),
		"successful_tasks": wp.pool.SuccessfulTasks(),
		"failed_tasks":     wp.pool.FailedTasks(),
	}
}

// Package jobs runs best-effort background work off the request path.
// Nothing that decides where money goes may be queued here.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"paycore/internal/common/metrics"
)

// Kind labels a job for logs and metrics.
type Kind string

const (
	KindBeneficiary  Kind = "beneficiary"
	KindIdempotency  Kind = "idempotency"
	KindAudit        Kind = "audit"
	KindNotification Kind = "notification"
	KindWebhook      Kind = "webhook"
)

// Job is one unit of background work.
type Job struct {
	Kind Kind
	// Ref is logged with failures, usually a transaction reference.
	Ref string
	Run func(ctx context.Context) error
}

// Enqueuer accepts jobs without blocking.
type Enqueuer interface {
	Enqueue(job Job) bool
}

// Config holds runner configuration
type Config struct {
	Workers   int           `envconfig:"JOBS_WORKERS" default:"4"`
	QueueSize int           `envconfig:"JOBS_QUEUE_SIZE" default:"1024"`
	Timeout   time.Duration `envconfig:"JOBS_TIMEOUT" default:"30s"`
}

var ErrStopped = errors.New("job runner stopped")

// Runner is a bounded in-process queue drained by a fixed set of workers.
type Runner struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	queue  chan Job
	closed bool

	group *errgroup.Group
}

var _ Enqueuer = (*Runner)(nil)

// NewRunner creates a runner. Call Start before enqueuing.
func NewRunner(cfg Config, logger *slog.Logger) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	return &Runner{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan Job, cfg.QueueSize),
	}
}

// Start launches the workers. They exit once Stop has been called and the
// queue is drained.
func (r *Runner) Start(ctx context.Context) {
	g := &errgroup.Group{}
	for i := 0; i < r.cfg.Workers; i++ {
		g.Go(func() error {
			for job := range r.queue {
				metrics.JobQueueDepth.Dec()
				r.run(ctx, job)
			}
			return nil
		})
	}
	r.group = g
	r.logger.Info("job runner started", "workers", r.cfg.Workers, "queue_size", r.cfg.QueueSize)
}

// Enqueue schedules job and reports whether it was accepted. A full queue
// drops the job.
func (r *Runner) Enqueue(job Job) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop(job, ErrStopped)
		return false
	}
	select {
	case r.queue <- job:
		metrics.JobQueueDepth.Inc()
		return true
	default:
		r.drop(job, errors.New("queue full"))
		return false
	}
}

func (r *Runner) drop(job Job, reason error) {
	metrics.JobsTotal.WithLabelValues(string(job.Kind), "dropped").Inc()
	r.logger.Warn("job dropped", "kind", job.Kind, "ref", job.Ref, "reason", reason)
}

// Stop closes the queue and waits for queued jobs to finish or ctx to end.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	if r.group == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- r.group.Wait() }()
	select {
	case err := <-done:
		r.logger.Info("job runner stopped")
		return err
	case <-ctx.Done():
		return fmt.Errorf("waiting for jobs: %w", ctx.Err())
	}
}

func (r *Runner) run(ctx context.Context, job Job) {
	outcome := "ok"
	defer func() {
		if p := recover(); p != nil {
			outcome = "panic"
			r.logger.Error("job panicked",
				"kind", job.Kind,
				"ref", job.Ref,
				"panic", p,
				"stack", string(debug.Stack()),
			)
		}
		metrics.JobsTotal.WithLabelValues(string(job.Kind), outcome).Inc()
	}()

	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}
	if err := job.Run(ctx); err != nil {
		outcome = "failed"
		r.logger.Error("job failed", "kind", job.Kind, "ref", job.Ref, "error", err)
	}
}

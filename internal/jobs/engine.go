// Package jobs runs background work (thumbnail pre-rendering, deferred README
// updates) on a fixed pool of workers fed by a bounded queue.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/designvault/internal/metrics"
	"github.com/p-blackswan/designvault/internal/retry"
	"github.com/p-blackswan/designvault/internal/store"
)

// ErrQueueFull is returned by Submit when the queue has no room.
var ErrQueueFull = errors.New("job queue is full")

// Handler executes one job kind.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Ledger persists job records. *store.Store satisfies it.
type Ledger interface {
	SaveJob(ctx context.Context, j *store.Job) error
	UpdateJobStatus(ctx context.Context, id, status string, attempts int, errMsg string) error
}

// Config holds configuration for the engine.
type Config struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration // per attempt
	Retry     retry.Policy  // applied to retryable handler errors
}

// Engine manages the lifecycle of background jobs.
type Engine struct {
	jobs     sync.Map // id → *Job
	queue    chan *Job
	workers  int
	timeout  time.Duration
	retry    retry.Policy
	handlers map[string]Handler
	ledger   Ledger
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	running  atomic.Bool
	pending  sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithLedger persists job records. Ledger failures are logged, not fatal.
func WithLedger(l Ledger) Option {
	return func(e *Engine) { e.ledger = l }
}

// WithMetrics counts finished jobs.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates a job engine. Handlers must be registered before Start.
func NewEngine(cfg Config, logger zerolog.Logger, opts ...Option) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = retry.Policy{Attempts: 3, Backoff: retry.Exponential(200*time.Millisecond, 2*time.Second, true)}
	}

	e := &Engine{
		queue:    make(chan *Job, cfg.QueueSize),
		workers:  cfg.Workers,
		timeout:  cfg.Timeout,
		retry:    cfg.Retry,
		handlers: make(map[string]Handler),
		logger:   logger.With().Str("component", "jobs").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register installs the handler for a job kind.
func (e *Engine) Register(kind string, h Handler) {
	e.handlers[kind] = h
}

// Start launches worker goroutines.
func (e *Engine) Start(ctx context.Context) {
	if e.running.Swap(true) {
		return // already running
	}

	ctx, e.cancel = context.WithCancel(ctx)

	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx, i)
	}

	e.logger.Info().Int("workers", e.workers).Msg("job engine started")
}

// Stop cancels running jobs and waits for the workers to exit. Queued jobs
// that never started stay queued in the ledger.
func (e *Engine) Stop() {
	if !e.running.Swap(false) {
		return
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.logger.Info().Msg("job engine stopped")
}

// Submit enqueues a job. The payload is marshalled to JSON.
func (e *Engine) Submit(kind string, payload any) (*Job, error) {
	if _, ok := e.handlers[kind]; !ok {
		return nil, fmt.Errorf("unknown job kind: %s", kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}

	job := &Job{
		ID:        uuid.New().String(),
		Kind:      kind,
		Status:    StatusQueued,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}
	e.jobs.Store(job.ID, job)
	e.persist(job)

	// Take snapshot before enqueueing (worker may modify job immediately)
	snap := job.Snapshot()

	e.pending.Add(1)
	select {
	case e.queue <- job:
		e.logger.Debug().Str("job_id", job.ID).Str("kind", kind).Msg("job enqueued")
	default:
		e.pending.Done()
		e.finish(job, ErrQueueFull)
		snap = job.Snapshot()
		return &snap, ErrQueueFull
	}
	return &snap, nil
}

// Get retrieves a job by ID. Returns a snapshot.
func (e *Engine) Get(id string) (*Job, bool) {
	val, ok := e.jobs.Load(id)
	if !ok {
		return nil, false
	}
	snap := val.(*Job).Snapshot()
	return &snap, true
}

// Stats counts in-memory jobs by status.
func (e *Engine) Stats() map[Status]int {
	out := make(map[Status]int)
	e.jobs.Range(func(_, v any) bool {
		j := v.(*Job)
		j.mu.RLock()
		out[j.Status]++
		j.mu.RUnlock()
		return true
	})
	return out
}

// QueueDepth reports jobs waiting for a worker.
func (e *Engine) QueueDepth() int {
	return len(e.queue)
}

// Drain blocks until every submitted job has finished or ctx ends.
func (e *Engine) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) worker(ctx context.Context, id int) {
	defer e.wg.Done()
	log := e.logger.With().Int("worker", id).Logger()
	log.Debug().Msg("worker started")

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("worker stopping")
			return
		case job := <-e.queue:
			e.execute(ctx, job, log)
			e.pending.Done()
		}
	}
}

func (e *Engine) execute(ctx context.Context, job *Job, log zerolog.Logger) {
	handler := e.handlers[job.Kind]

	now := time.Now().UTC()
	job.mu.Lock()
	job.Status = StatusRunning
	job.StartedAt = &now
	job.mu.Unlock()
	e.updateLedger(job)

	log.Debug().Str("job_id", job.ID).Str("kind", job.Kind).Msg("executing job")

	_, err := retry.Do(ctx, e.retry, func(ctx context.Context, attempt int) error {
		job.mu.Lock()
		job.Attempts = attempt
		job.mu.Unlock()

		attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()
		return e.run(attemptCtx, handler, job.Payload)
	})
	e.finish(job, err)

	snap := job.Snapshot()
	if err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Str("kind", job.Kind).
			Int("attempts", snap.Attempts).Msg("job failed")
		return
	}
	log.Info().Str("job_id", job.ID).Str("kind", job.Kind).Msg("job completed")
}

// run calls the handler and converts a panic into an error.
func (e *Engine) run(ctx context.Context, h Handler, payload json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panic: %v", r)
		}
	}()
	return h(ctx, payload)
}

func (e *Engine) finish(job *Job, err error) {
	completed := time.Now().UTC()
	job.mu.Lock()
	job.CompletedAt = &completed
	if err != nil {
		job.Status = StatusFailed
		job.Error = err.Error()
	} else {
		job.Status = StatusCompleted
	}
	kind, status := job.Kind, job.Status
	job.mu.Unlock()

	e.updateLedger(job)
	if e.metrics != nil {
		e.metrics.RecordJob(kind, string(status))
	}
}

func (e *Engine) persist(job *Job) {
	if e.ledger == nil {
		return
	}
	snap := job.Snapshot()
	rec := &store.Job{
		ID:        snap.ID,
		Kind:      snap.Kind,
		Payload:   string(snap.Payload),
		Status:    string(snap.Status),
		CreatedAt: snap.CreatedAt.UnixMilli(),
		UpdatedAt: snap.CreatedAt.UnixMilli(),
	}
	if err := e.ledger.SaveJob(context.Background(), rec); err != nil {
		e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to persist job")
	}
}

func (e *Engine) updateLedger(job *Job) {
	if e.ledger == nil {
		return
	}
	snap := job.Snapshot()
	if err := e.ledger.UpdateJobStatus(context.Background(), snap.ID, string(snap.Status), snap.Attempts, snap.Error); err != nil {
		e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to update job record")
	}
}

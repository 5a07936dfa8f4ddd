package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrCancelled is returned by handlers that observed the cancel flag at a
// checkpoint and stopped cleanly.
var ErrCancelled = errors.New("job cancelled")

// Handler executes one job type. Execute runs at-least-once: a lease can
// expire mid-run and the job will be handed to another worker, so side
// effects must be keyed off the job (content-addressed uploads, idempotency
// keys) rather than assumed fresh.
type Handler interface {
	Type() string
	Execute(ctx context.Context, jc *JobContext) (result any, err error)
}

// permanentError marks a failure that must not be retried.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps a handler error so the engine fails the job without
// consuming remaining attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// JobContext is the handler's view of its claimed job.
type JobContext struct {
	Job    *jobView
	engine *Engine
}

type jobView struct {
	ID          uuid.UUID
	Type        string
	Payload     []byte
	Attempts    int
	OwnerUserID uuid.UUID
	SessionID   string
}

// Progress reports stage completion, renewing the lease as a side effect.
func (jc *JobContext) Progress(ctx context.Context, stage, total int, message string, data any) error {
	return jc.engine.Progress(ctx, jc.Job.ID, stage, total, message, data)
}

// Cancelled is the between-stages checkpoint probe.
func (jc *JobContext) Cancelled(ctx context.Context) bool {
	cancelled, err := jc.engine.CancelRequested(ctx, jc.Job.ID)
	if err != nil {
		return false
	}
	return cancelled
}

// Pool runs a fixed set of claim loops against the engine.
type Pool struct {
	engine   *Engine
	log      *zap.Logger
	handlers map[string]Handler

	concurrency     int
	pollInterval    time.Duration
	reclaimInterval time.Duration
	workerPrefix    string

	stopCh chan struct{}
}

type PoolConfig struct {
	Engine          *Engine
	Logger          *zap.Logger
	Concurrency     int
	PollInterval    time.Duration
	ReclaimInterval time.Duration
	WorkerPrefix    string
}

func NewPool(cfg *PoolConfig) *Pool {
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 4
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ReclaimInterval == 0 {
		cfg.ReclaimInterval = 30 * time.Second
	}
	if cfg.WorkerPrefix == "" {
		cfg.WorkerPrefix = "worker"
	}
	return &Pool{
		engine:          cfg.Engine,
		log:             cfg.Logger,
		handlers:        make(map[string]Handler),
		concurrency:     cfg.Concurrency,
		pollInterval:    cfg.PollInterval,
		reclaimInterval: cfg.ReclaimInterval,
		workerPrefix:    cfg.WorkerPrefix,
		stopCh:          make(chan struct{}),
	}
}

func (p *Pool) Register(h Handler) {
	p.handlers[h.Type()] = h
}

func (p *Pool) types() []string {
	types := make([]string, 0, len(p.handlers))
	for t := range p.handlers {
		types = append(types, t)
	}
	return types
}

// Start launches the claim loops and the lease reclaimer.
func (p *Pool) Start(ctx context.Context) {
	p.log.Info("starting job worker pool",
		zap.Int("concurrency", p.concurrency),
		zap.Strings("types", p.types()))
	for i := 0; i < p.concurrency; i++ {
		workerID := fmt.Sprintf("%s-%d", p.workerPrefix, i)
		go p.claimLoop(ctx, workerID)
	}
	go p.reclaimLoop(ctx)
}

func (p *Pool) Stop() {
	close(p.stopCh)
}

func (p *Pool) claimLoop(ctx context.Context, workerID string) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			// Drain until the queue is empty, then back off to the ticker.
			for p.runOne(ctx, workerID) {
			}
		}
	}
}

func (p *Pool) runOne(ctx context.Context, workerID string) bool {
	job, err := p.engine.Claim(ctx, workerID, p.types())
	if err != nil {
		p.log.Error("job claim failed", zap.Error(err))
		return false
	}
	if job == nil {
		return false
	}

	handler, ok := p.handlers[job.Type]
	if !ok {
		// Claimed by type filter, so this only happens on registry drift.
		_ = p.engine.Fail(ctx, job.ID, "unknown_type", fmt.Errorf("no handler for type %s", job.Type), false)
		return true
	}

	jc := &JobContext{
		Job: &jobView{
			ID:          job.ID,
			Type:        job.Type,
			Payload:     job.Payload,
			Attempts:    job.Attempts,
			OwnerUserID: job.OwnerUserID,
			SessionID:   job.SessionID,
		},
		engine: p.engine,
	}

	p.log.Info("job started",
		zap.String("job_id", job.ID.String()),
		zap.String("type", job.Type),
		zap.Int("attempt", job.Attempts),
		zap.String("worker_id", workerID))

	result, err := handler.Execute(ctx, jc)
	switch {
	case errors.Is(err, ErrCancelled):
		if ackErr := p.engine.AckCancel(ctx, job.ID); ackErr != nil {
			p.log.Warn("cancel ack failed", zap.String("job_id", job.ID.String()), zap.Error(ackErr))
		}
	case err != nil:
		if failErr := p.engine.Fail(ctx, job.ID, errorCode(err), err, !isPermanent(err)); failErr != nil {
			p.log.Error("job fail transition error", zap.String("job_id", job.ID.String()), zap.Error(failErr))
		}
	default:
		if compErr := p.engine.Complete(ctx, job.ID, result); compErr != nil {
			p.log.Error("job complete transition error", zap.String("job_id", job.ID.String()), zap.Error(compErr))
		}
	}
	return true
}

func errorCode(err error) string {
	if isPermanent(err) {
		return "permanent"
	}
	return "retryable"
}

func (p *Pool) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(p.reclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if _, err := p.engine.ReclaimExpired(ctx); err != nil {
				p.log.Error("lease reclaim failed", zap.Error(err))
			}
		}
	}
}

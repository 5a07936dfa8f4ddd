// Package jobs implements the durable queue for long-running AI work. The
// jobs table is the queue of record: claims are conditional updates, expired
// leases make crashed workers' jobs reclaimable, and delivery is
// at-least-once, so handlers key their side effects off the job id.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charhubai/charhub/internal/clock"
	"github.com/charhubai/charhub/internal/models"
)

var (
	ErrJobNotFound   = errors.New("job not found")
	ErrJobTerminal   = errors.New("job already in a terminal state")
	ErrJobNotRunning = errors.New("job is not running")
)

// ProgressEvent is published on redis channel progress.<owner>.<session>.
type ProgressEvent struct {
	JobID       uuid.UUID       `json:"job_id"`
	OwnerUserID uuid.UUID       `json:"owner_user_id"`
	SessionID   string          `json:"session_id"`
	Stage       int             `json:"stage"`
	Total       int             `json:"total"`
	Message     string          `json:"message"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// ProgressChannel returns the redis channel for a job-progress room.
func ProgressChannel(ownerUserID uuid.UUID, sessionID string) string {
	return fmt.Sprintf("progress.%s.%s", ownerUserID, sessionID)
}

// ProgressChannelPattern matches every progress channel.
const ProgressChannelPattern = "progress.*"

// ReservationReleaser drops a credit hold once a job can no longer use it.
// The ledger service satisfies this.
type ReservationReleaser interface {
	Release(ctx context.Context, reservationID uuid.UUID) error
}

type Engine struct {
	db           *gorm.DB
	redis        *redis.Client // nil disables progress publishing
	clk          clock.Clock
	log          *zap.Logger
	reservations ReservationReleaser

	visibilityTimeout time.Duration
	defaultAttempts   int
	backoffBase       time.Duration
	backoffCap        time.Duration
}

type EngineConfig struct {
	DB                *gorm.DB
	Redis             *redis.Client
	Clock             clock.Clock
	Logger            *zap.Logger
	Reservations      ReservationReleaser
	VisibilityTimeout time.Duration
	DefaultAttempts   int
	BackoffBase       time.Duration
	BackoffCap        time.Duration
}

func NewEngine(cfg *EngineConfig) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.VisibilityTimeout == 0 {
		cfg.VisibilityTimeout = 5 * time.Minute
	}
	if cfg.DefaultAttempts == 0 {
		cfg.DefaultAttempts = 3
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffCap == 0 {
		cfg.BackoffCap = 5 * time.Minute
	}
	return &Engine{
		db:                cfg.DB,
		redis:             cfg.Redis,
		clk:               cfg.Clock,
		log:               cfg.Logger,
		reservations:      cfg.Reservations,
		visibilityTimeout: cfg.VisibilityTimeout,
		defaultAttempts:   cfg.DefaultAttempts,
		backoffBase:       cfg.BackoffBase,
		backoffCap:        cfg.BackoffCap,
	}
}

type EnqueueRequest struct {
	Type        string
	Payload     any
	OwnerUserID uuid.UUID
	SessionID   string
	Priority    int
	MaxAttempts int
	NotBefore   time.Time
	DedupKey    string

	// ReservationID is the PolicyGate hold to release if the job fails.
	ReservationID *uuid.UUID
}

// Enqueue inserts a QUEUED job. A duplicate dedup key returns the existing job.
func (e *Engine) Enqueue(ctx context.Context, req *EnqueueRequest) (*models.Job, error) {
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = e.defaultAttempts
	}
	if req.NotBefore.IsZero() {
		req.NotBefore = e.clk.NowUTC()
	}

	job := &models.Job{
		Type:          req.Type,
		Payload:       datatypes.JSON(payload),
		State:         models.JobQueued,
		MaxAttempts:   req.MaxAttempts,
		Priority:      req.Priority,
		NotBefore:     req.NotBefore,
		OwnerUserID:   req.OwnerUserID,
		SessionID:     req.SessionID,
		DedupKey:      req.DedupKey,
		ReservationID: req.ReservationID,
	}

	err = e.db.WithContext(ctx).Create(job).Error
	if err != nil && req.DedupKey != "" {
		var existing models.Job
		if lookupErr := e.db.WithContext(ctx).
			Where("dedup_key = ?", req.DedupKey).
			First(&existing).Error; lookupErr == nil {
			return &existing, nil
		}
	}
	if err != nil {
		return nil, err
	}

	jobTransitionsTotal.WithLabelValues(job.Type, string(models.JobQueued)).Inc()
	e.log.Info("job enqueued",
		zap.String("job_id", job.ID.String()),
		zap.String("type", job.Type),
		zap.Int("priority", job.Priority))
	return job, nil
}

// Claim atomically hands the best claimable job of the given types to a
// worker: QUEUED -> RUNNING, attempts+1, lease set. Returns nil when the
// queue is empty. SKIP LOCKED keeps concurrent claimers from colliding.
func (e *Engine) Claim(ctx context.Context, workerID string, types []string) (*models.Job, error) {
	now := e.clk.NowUTC()
	var claimed *models.Job

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job models.Job
		q := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("state = ? AND not_before <= ?", models.JobQueued, now)
		if len(types) > 0 {
			q = q.Where("type IN ?", types)
		}
		err := q.Order("priority DESC, not_before ASC, id ASC").
			First(&job).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		lease := now.Add(e.visibilityTimeout)
		updates := map[string]any{
			"state":       models.JobRunning,
			"attempts":    job.Attempts + 1,
			"lease_until": lease,
			"worker_id":   workerID,
		}
		if err := tx.Model(&job).Updates(updates).Error; err != nil {
			return err
		}
		job.State = models.JobRunning
		job.Attempts++
		job.LeaseUntil = &lease
		job.WorkerID = workerID
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	if claimed != nil {
		jobTransitionsTotal.WithLabelValues(claimed.Type, string(models.JobRunning)).Inc()
	}
	return claimed, nil
}

// Progress updates the job's progress fields, renews the lease, and publishes
// a best-effort event toward the owner's progress room.
func (e *Engine) Progress(ctx context.Context, jobID uuid.UUID, stage, total int, message string, data any) error {
	var job models.Job
	if err := e.db.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrJobNotFound
		}
		return err
	}
	if job.State != models.JobRunning {
		return ErrJobNotRunning
	}

	var rawData datatypes.JSON
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal progress data: %w", err)
		}
		rawData = datatypes.JSON(b)
	}

	lease := e.clk.NowUTC().Add(e.visibilityTimeout)
	updates := map[string]any{
		"progress_stage":   stage,
		"progress_total":   total,
		"progress_message": message,
		"lease_until":      lease,
	}
	if rawData != nil {
		updates["progress_data"] = rawData
	}
	if err := e.db.WithContext(ctx).Model(&job).Updates(updates).Error; err != nil {
		return err
	}

	e.publishProgress(ctx, &job, stage, total, message, json.RawMessage(rawData))
	return nil
}

func (e *Engine) publishProgress(ctx context.Context, job *models.Job, stage, total int, message string, data json.RawMessage) {
	if e.redis == nil || job.SessionID == "" {
		return
	}
	event := ProgressEvent{
		JobID:       job.ID,
		OwnerUserID: job.OwnerUserID,
		SessionID:   job.SessionID,
		Stage:       stage,
		Total:       total,
		Message:     message,
		Data:        data,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	channel := ProgressChannel(job.OwnerUserID, job.SessionID)
	if err := e.redis.Publish(ctx, channel, payload).Err(); err != nil {
		e.log.Debug("progress publish failed",
			zap.String("channel", channel),
			zap.Error(err))
	}
}

// Complete transitions RUNNING -> SUCCEEDED with the handler's result.
func (e *Engine) Complete(ctx context.Context, jobID uuid.UUID, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal job result: %w", err)
	}
	err = e.transition(ctx, jobID, models.JobRunning, map[string]any{
		"state":       models.JobSucceeded,
		"result":      datatypes.JSON(raw),
		"lease_until": nil,
	})
	if err != nil {
		return err
	}
	var done models.Job
	if err := e.db.WithContext(ctx).Select("type").First(&done, "id = ?", jobID).Error; err == nil {
		jobTransitionsTotal.WithLabelValues(done.Type, string(models.JobSucceeded)).Inc()
	}
	e.releaseHold(ctx, jobID)
	return nil
}

// releaseHold drops the job's credit reservation once it reaches a terminal
// state; stage-level work is billed through the usage pipeline instead.
func (e *Engine) releaseHold(ctx context.Context, jobID uuid.UUID) {
	if e.reservations == nil {
		return
	}
	var job models.Job
	if err := e.db.WithContext(ctx).Select("reservation_id").First(&job, "id = ?", jobID).Error; err != nil {
		return
	}
	if job.ReservationID == nil {
		return
	}
	if err := e.reservations.Release(ctx, *job.ReservationID); err != nil {
		e.log.Debug("reservation release failed",
			zap.String("job_id", jobID.String()),
			zap.Error(err))
	}
}

// Fail records the error. Retryable failures with attempts left requeue with
// capped exponential backoff; the rest land in FAILED.
func (e *Engine) Fail(ctx context.Context, jobID uuid.UUID, errCode string, failure error, retryable bool) error {
	var job models.Job
	if err := e.db.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrJobNotFound
		}
		return err
	}
	if job.State.Terminal() {
		return ErrJobTerminal
	}

	msg := ""
	if failure != nil {
		msg = failure.Error()
	}

	if retryable && job.Attempts < job.MaxAttempts {
		notBefore := e.clk.NowUTC().Add(e.retryBackoff(job.Attempts))
		e.log.Warn("job requeued after failure",
			zap.String("job_id", job.ID.String()),
			zap.Int("attempt", job.Attempts),
			zap.Time("not_before", notBefore),
			zap.String("error", msg))
		return e.db.WithContext(ctx).Model(&job).Updates(map[string]any{
			"state":       models.JobQueued,
			"not_before":  notBefore,
			"error":       msg,
			"error_code":  errCode,
			"lease_until": nil,
			"worker_id":   "",
		}).Error
	}

	e.log.Error("job failed",
		zap.String("job_id", job.ID.String()),
		zap.String("type", job.Type),
		zap.String("error", msg))
	if err := e.db.WithContext(ctx).Model(&job).Updates(map[string]any{
		"state":       models.JobFailed,
		"error":       msg,
		"error_code":  errCode,
		"lease_until": nil,
	}).Error; err != nil {
		return err
	}
	jobTransitionsTotal.WithLabelValues(job.Type, string(models.JobFailed)).Inc()
	e.releaseHold(ctx, jobID)
	return nil
}

func (e *Engine) retryBackoff(attempts int) time.Duration {
	backoff := e.backoffBase * time.Duration(1<<attempts)
	if backoff > e.backoffCap {
		backoff = e.backoffCap
	}
	// Jitter spreads retries from simultaneous failures.
	return backoff/2 + time.Duration(rand.Int63n(int64(backoff/2)+1))
}

// Cancel flags the job. QUEUED jobs cancel immediately; RUNNING workers see
// the flag at their next checkpoint and acknowledge via AckCancel.
func (e *Engine) Cancel(ctx context.Context, jobID uuid.UUID) error {
	var job models.Job
	if err := e.db.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrJobNotFound
		}
		return err
	}
	if job.State.Terminal() {
		return ErrJobTerminal
	}

	if job.State == models.JobQueued {
		if err := e.transition(ctx, jobID, models.JobQueued, map[string]any{
			"state":            models.JobCancelled,
			"cancel_requested": true,
		}); err != nil {
			return err
		}
		e.releaseHold(ctx, jobID)
		return nil
	}
	return e.db.WithContext(ctx).Model(&job).
		Update("cancel_requested", true).Error
}

// CancelRequested is the worker-side checkpoint probe.
func (e *Engine) CancelRequested(ctx context.Context, jobID uuid.UUID) (bool, error) {
	var job models.Job
	if err := e.db.WithContext(ctx).Select("cancel_requested").First(&job, "id = ?", jobID).Error; err != nil {
		return false, err
	}
	return job.CancelRequested, nil
}

// AckCancel moves a RUNNING job whose worker observed the flag to CANCELLED.
func (e *Engine) AckCancel(ctx context.Context, jobID uuid.UUID) error {
	if err := e.transition(ctx, jobID, models.JobRunning, map[string]any{
		"state":       models.JobCancelled,
		"lease_until": nil,
	}); err != nil {
		return err
	}
	e.releaseHold(ctx, jobID)
	return nil
}

// ReclaimExpired requeues RUNNING jobs whose lease lapsed (worker crash).
func (e *Engine) ReclaimExpired(ctx context.Context) (int, error) {
	now := e.clk.NowUTC()
	res := e.db.WithContext(ctx).Model(&models.Job{}).
		Where("state = ? AND lease_until IS NOT NULL AND lease_until < ?", models.JobRunning, now).
		Updates(map[string]any{
			"state":       models.JobQueued,
			"lease_until": nil,
			"worker_id":   "",
			"not_before":  now,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		e.log.Info("reclaimed expired job leases", zap.Int64("count", res.RowsAffected))
	}
	return int(res.RowsAffected), nil
}

func (e *Engine) Get(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	var job models.Job
	if err := e.db.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &job, nil
}

// transition performs a conditional state update; zero rows means the job was
// not in the expected state.
func (e *Engine) transition(ctx context.Context, jobID uuid.UUID, from models.JobState, updates map[string]any) error {
	res := e.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND state = ?", jobID, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var job models.Job
		if err := e.db.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
			return ErrJobNotFound
		}
		if job.State.Terminal() {
			return ErrJobTerminal
		}
		return ErrJobNotRunning
	}
	return nil
}

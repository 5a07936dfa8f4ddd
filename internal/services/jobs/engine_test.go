package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/charhubai/charhub/internal/clock"
	"github.com/charhubai/charhub/internal/models"
	"github.com/charhubai/charhub/internal/testutil"
)

func newTestEngine(t *testing.T) (*Engine, *clock.Fake) {
	db := testutil.NewTestDB(t)
	clk := clock.NewFake(time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC))
	engine := NewEngine(&EngineConfig{
		DB:     db,
		Clock:  clk,
		Logger: zap.NewNop(),
	})
	return engine, clk
}

func enqueue(t *testing.T, e *Engine, req *EnqueueRequest) *models.Job {
	t.Helper()
	if req.OwnerUserID == uuid.Nil {
		req.OwnerUserID = uuid.New()
	}
	job, err := e.Enqueue(context.Background(), req)
	require.NoError(t, err)
	return job
}

func TestEnqueueAndClaim(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	queued := enqueue(t, e, &EnqueueRequest{Type: "test", Payload: map[string]string{"k": "v"}})

	claimed, err := e.Claim(ctx, "w1", []string{"test"})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, queued.ID, claimed.ID)
	assert.Equal(t, models.JobRunning, claimed.State)
	assert.Equal(t, 1, claimed.Attempts)
	assert.Equal(t, "w1", claimed.WorkerID)
	require.NotNil(t, claimed.LeaseUntil)

	// Queue is now empty.
	next, err := e.Claim(ctx, "w2", []string{"test"})
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestEnqueueDedupReturnsExisting(t *testing.T) {
	e, _ := newTestEngine(t)

	first := enqueue(t, e, &EnqueueRequest{Type: "test", DedupKey: "once"})
	second := enqueue(t, e, &EnqueueRequest{Type: "test", DedupKey: "once"})
	assert.Equal(t, first.ID, second.ID)

	var count int64
	require.NoError(t, e.db.Model(&models.Job{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestClaimOrdersByPriority(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	enqueue(t, e, &EnqueueRequest{Type: "test", Priority: 1})
	high := enqueue(t, e, &EnqueueRequest{Type: "test", Priority: 9})

	claimed, err := e.Claim(ctx, "w1", []string{"test"})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, high.ID, claimed.ID)
}

func TestClaimRespectsNotBefore(t *testing.T) {
	e, clk := newTestEngine(t)
	ctx := context.Background()

	enqueue(t, e, &EnqueueRequest{Type: "test", NotBefore: clk.NowUTC().Add(time.Hour)})

	claimed, err := e.Claim(ctx, "w1", []string{"test"})
	require.NoError(t, err)
	assert.Nil(t, claimed)

	clk.Advance(2 * time.Hour)
	claimed, err = e.Claim(ctx, "w1", []string{"test"})
	require.NoError(t, err)
	assert.NotNil(t, claimed)
}

func TestClaimFiltersByType(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	enqueue(t, e, &EnqueueRequest{Type: "other"})

	claimed, err := e.Claim(ctx, "w1", []string{"test"})
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestCompleteStoresResult(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	job := enqueue(t, e, &EnqueueRequest{Type: "test"})
	claimed, err := e.Claim(ctx, "w1", []string{"test"})
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, e.Complete(ctx, job.ID, map[string]string{"answer": "42"}))

	final, err := e.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobSucceeded, final.State)
	assert.Nil(t, final.LeaseUntil)

	var result map[string]string
	require.NoError(t, json.Unmarshal(final.Result, &result))
	assert.Equal(t, "42", result["answer"])

	// Terminal states reject further transitions.
	assert.ErrorIs(t, e.Complete(ctx, job.ID, nil), ErrJobTerminal)
}

func TestFailRetryableRequeuesWithBackoff(t *testing.T) {
	e, clk := newTestEngine(t)
	ctx := context.Background()

	job := enqueue(t, e, &EnqueueRequest{Type: "test", MaxAttempts: 3})
	_, err := e.Claim(ctx, "w1", []string{"test"})
	require.NoError(t, err)

	require.NoError(t, e.Fail(ctx, job.ID, "upstream", errors.New("boom"), true))

	requeued, err := e.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, requeued.State)
	assert.Equal(t, 1, requeued.Attempts)
	assert.True(t, requeued.NotBefore.After(clk.NowUTC()))
	assert.Equal(t, "boom", requeued.Error)

	// Not claimable until the backoff elapses.
	claimed, err := e.Claim(ctx, "w1", []string{"test"})
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestFailExhaustedAttemptsIsTerminal(t *testing.T) {
	e, clk := newTestEngine(t)
	ctx := context.Background()

	job := enqueue(t, e, &EnqueueRequest{Type: "test", MaxAttempts: 2})
	for i := 0; i < 2; i++ {
		clk.Advance(time.Hour)
		claimed, err := e.Claim(ctx, "w1", []string{"test"})
		require.NoError(t, err)
		require.NotNil(t, claimed, "attempt %d", i+1)
		require.NoError(t, e.Fail(ctx, job.ID, "upstream", errors.New("boom"), true))
	}

	final, err := e.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, final.State)
	assert.Equal(t, 2, final.Attempts)
}

func TestFailPermanentSkipsRetries(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	job := enqueue(t, e, &EnqueueRequest{Type: "test", MaxAttempts: 5})
	_, err := e.Claim(ctx, "w1", []string{"test"})
	require.NoError(t, err)

	require.NoError(t, e.Fail(ctx, job.ID, "bad_payload", errors.New("invalid"), false))

	final, err := e.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, final.State)
	assert.Equal(t, "bad_payload", final.ErrorCode)
}

func TestCancelQueuedJob(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	job := enqueue(t, e, &EnqueueRequest{Type: "test"})
	require.NoError(t, e.Cancel(ctx, job.ID))

	final, err := e.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, final.State)
}

func TestCancelRunningJobSetsFlag(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	job := enqueue(t, e, &EnqueueRequest{Type: "test"})
	_, err := e.Claim(ctx, "w1", []string{"test"})
	require.NoError(t, err)

	require.NoError(t, e.Cancel(ctx, job.ID))

	// Still running until the worker hits a checkpoint.
	running, err := e.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobRunning, running.State)

	cancelled, err := e.CancelRequested(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	require.NoError(t, e.AckCancel(ctx, job.ID))
	final, err := e.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, final.State)
}

func TestReclaimExpiredLease(t *testing.T) {
	e, clk := newTestEngine(t)
	ctx := context.Background()

	job := enqueue(t, e, &EnqueueRequest{Type: "test"})
	_, err := e.Claim(ctx, "w1", []string{"test"})
	require.NoError(t, err)

	// Lease still valid.
	n, err := e.ReclaimExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	clk.Advance(10 * time.Minute)
	n, err = e.ReclaimExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	requeued, err := e.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, requeued.State)
	assert.Empty(t, requeued.WorkerID)

	// The next claim counts a second attempt.
	reclaimed, err := e.Claim(ctx, "w2", []string{"test"})
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, 2, reclaimed.Attempts)
}

func TestProgressPublishesAndRenewsLease(t *testing.T) {
	db := testutil.NewTestDB(t)
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clk := clock.NewFake(time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC))
	e := NewEngine(&EngineConfig{DB: db, Redis: rdb, Clock: clk, Logger: zap.NewNop()})
	ctx := context.Background()

	owner := uuid.New()
	job := enqueue(t, e, &EnqueueRequest{Type: "test", OwnerUserID: owner, SessionID: "sess-1"})
	claimed, err := e.Claim(ctx, "w1", []string{"test"})
	require.NoError(t, err)
	firstLease := *claimed.LeaseUntil

	sub := rdb.Subscribe(ctx, ProgressChannel(owner, "sess-1"))
	t.Cleanup(func() { _ = sub.Close() })
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	clk.Advance(time.Minute)
	require.NoError(t, e.Progress(ctx, job.ID, 2, 4, "dataset.stage.REFERENCE_FRONT", map[string]string{"path": "p"}))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var event ProgressEvent
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &event))
	assert.Equal(t, job.ID, event.JobID)
	assert.Equal(t, 2, event.Stage)
	assert.Equal(t, 4, event.Total)
	assert.Equal(t, "sess-1", event.SessionID)
	assert.JSONEq(t, `{"path":"p"}`, string(event.Data))

	updated, err := e.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.ProgressStage)
	require.NotNil(t, updated.LeaseUntil)
	assert.True(t, updated.LeaseUntil.After(firstLease))
}

func TestProgressRequiresRunning(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	job := enqueue(t, e, &EnqueueRequest{Type: "test"})
	err := e.Progress(ctx, job.ID, 1, 4, "too early", nil)
	assert.ErrorIs(t, err, ErrJobNotRunning)
}

type recordingReleaser struct {
	released []uuid.UUID
}

func (r *recordingReleaser) Release(_ context.Context, id uuid.UUID) error {
	r.released = append(r.released, id)
	return nil
}

func TestTerminalJobReleasesReservation(t *testing.T) {
	db := testutil.NewTestDB(t)
	clk := clock.NewFake(time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC))
	releaser := &recordingReleaser{}
	e := NewEngine(&EngineConfig{DB: db, Clock: clk, Logger: zap.NewNop(), Reservations: releaser})
	ctx := context.Background()

	resID := uuid.New()
	job := enqueue(t, e, &EnqueueRequest{Type: "test", MaxAttempts: 1, ReservationID: &resID})
	_, err := e.Claim(ctx, "w1", []string{"test"})
	require.NoError(t, err)

	require.NoError(t, e.Fail(ctx, job.ID, "upstream", errors.New("boom"), true))
	assert.Equal(t, []uuid.UUID{resID}, releaser.released)
}

package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charhubai/charhub/internal/backends"
	"github.com/charhubai/charhub/internal/clock"
	"github.com/charhubai/charhub/internal/models"
	"github.com/charhubai/charhub/internal/services/ledger"
	"github.com/charhubai/charhub/internal/services/llm/llmtypes"
	"github.com/charhubai/charhub/internal/services/usagepipe"
	"github.com/charhubai/charhub/internal/testutil"
)

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (s *memStore) Put(_ context.Context, key string, data io.Reader) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = b
	return nil
}

func (s *memStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("not found: %s", key)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (s *memStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

type countingImages struct {
	mu       sync.Mutex
	calls    int
	requests []*backends.ImageRequest
}

func (c *countingImages) Generate(_ context.Context, req *backends.ImageRequest) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.requests = append(c.requests, req)
	return []byte("png"), nil
}

func (c *countingImages) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

var _ backends.ObjectStore = (*memStore)(nil)
var _ backends.ImageBackend = (*countingImages)(nil)

func newDatasetFixture(t *testing.T) (*Engine, *DatasetHandler, *memStore, *countingImages, *gorm.DB) {
	db := testutil.NewTestDB(t)
	clk := clock.NewFake(time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC))
	engine := NewEngine(&EngineConfig{DB: db, Clock: clk, Logger: zap.NewNop()})

	led := ledger.NewService(&ledger.Config{DB: db, Logger: zap.NewNop()})
	costs := usagepipe.NewCostTable(db, zap.NewNop(), time.Minute)
	pipe := usagepipe.NewPipeline(&usagepipe.Config{DB: db, Ledger: led, Costs: costs, Logger: zap.NewNop()})

	store := newMemStore()
	images := &countingImages{}
	handler := NewDatasetHandler(db, images, store, pipe, zap.NewNop())
	return engine, handler, store, images, db
}

func claimDatasetJob(t *testing.T, e *Engine, payload DatasetPayload) *JobContext {
	t.Helper()
	ctx := context.Background()
	_, err := e.Enqueue(ctx, &EnqueueRequest{
		Type:        JobTypeDataset,
		Payload:     payload,
		OwnerUserID: uuid.New(),
		SessionID:   "sess-ds",
	})
	require.NoError(t, err)
	job, err := e.Claim(ctx, "w1", []string{JobTypeDataset})
	require.NoError(t, err)
	require.NotNil(t, job)
	return &JobContext{
		Job: &jobView{
			ID:          job.ID,
			Type:        job.Type,
			Payload:     job.Payload,
			Attempts:    job.Attempts,
			OwnerUserID: job.OwnerUserID,
			SessionID:   job.SessionID,
		},
		engine: e,
	}
}

func TestDatasetGeneratesAllStages(t *testing.T) {
	engine, handler, store, images, db := newDatasetFixture(t)
	ctx := context.Background()
	charID := uuid.New()

	jc := claimDatasetJob(t, engine, DatasetPayload{
		CharacterID: charID,
		Prompt:      DatasetPrompt{Positive: "red hair", Negative: "blurry"},
	})

	result, err := handler.Execute(ctx, jc)
	require.NoError(t, err)

	dataset, ok := result.(*DatasetResult)
	require.True(t, ok)
	require.Len(t, dataset.Paths, 4)
	assert.Equal(t, 4, images.count())

	for _, stage := range datasetStages {
		exists, err := store.Exists(ctx, stagePath(charID, stage))
		require.NoError(t, err)
		assert.True(t, exists, stage)
	}

	var rows int64
	require.NoError(t, db.Model(&models.CharacterImage{}).
		Where("character_id = ?", charID).Count(&rows).Error)
	assert.Equal(t, int64(4), rows)

	// One usage record per generated image.
	var usage int64
	require.NoError(t, db.Model(&models.UsageRecord{}).
		Where("service_key = ?", "image.generation").Count(&usage).Error)
	assert.Equal(t, int64(4), usage)
}

func TestDatasetRetrySkipsCompletedStages(t *testing.T) {
	engine, handler, store, images, db := newDatasetFixture(t)
	ctx := context.Background()
	charID := uuid.New()

	// A crashed worker uploaded the first three stages but never finished.
	for _, stage := range datasetStages[:3] {
		require.NoError(t, store.Put(ctx, stagePath(charID, stage), bytes.NewReader([]byte("png"))))
	}

	jc := claimDatasetJob(t, engine, DatasetPayload{
		CharacterID: charID,
		Prompt:      DatasetPrompt{Positive: "red hair"},
	})

	_, err := handler.Execute(ctx, jc)
	require.NoError(t, err)

	// Only the missing stage was generated or billed.
	assert.Equal(t, 1, images.count())

	var usage int64
	require.NoError(t, db.Model(&models.UsageRecord{}).
		Where("service_key = ?", "image.generation").Count(&usage).Error)
	assert.Equal(t, int64(1), usage)

	// The dataset still has exactly one row per stage.
	var rows int64
	require.NoError(t, db.Model(&models.CharacterImage{}).
		Where("character_id = ?", charID).Count(&rows).Error)
	assert.Equal(t, int64(4), rows)
}

// Uploaded references are the authoritative seed: they land in the store and
// every generated stage sees them ahead of the stage outputs.
func TestDatasetInitialReferencesSeedGeneration(t *testing.T) {
	engine, handler, store, images, _ := newDatasetFixture(t)
	ctx := context.Background()
	charID := uuid.New()

	jc := claimDatasetJob(t, engine, DatasetPayload{
		CharacterID:       charID,
		Prompt:            DatasetPrompt{Positive: "red hair"},
		InitialReferences: [][]byte{[]byte("upload-a"), []byte("upload-b")},
	})

	_, err := handler.Execute(ctx, jc)
	require.NoError(t, err)

	for n := 0; n < 2; n++ {
		exists, err := store.Exists(ctx, initialRefPath(charID, n))
		require.NoError(t, err)
		assert.True(t, exists, "initial reference %d uploaded", n)
	}

	require.Len(t, images.requests, 4)
	first := images.requests[0]
	assert.Equal(t, []string{
		initialRefPath(charID, 0),
		initialRefPath(charID, 1),
	}, first.References)

	// Later stages see the uploads plus the stages generated so far.
	last := images.requests[3]
	require.Len(t, last.References, 5)
	assert.Equal(t, initialRefPath(charID, 0), last.References[0])
	assert.Equal(t, stagePath(charID, datasetStages[2]), last.References[4])
}

func TestDatasetInvalidPayloadIsPermanent(t *testing.T) {
	engine, handler, _, _, _ := newDatasetFixture(t)
	ctx := context.Background()

	jc := claimDatasetJob(t, engine, DatasetPayload{})
	_, err := handler.Execute(ctx, jc)
	require.Error(t, err)
	assert.True(t, isPermanent(err))
}

type scriptedCompleter struct {
	content string
	usage   llmtypes.Usage
}

func (s *scriptedCompleter) Complete(_ context.Context, _ *llmtypes.Request) (*llmtypes.Response, error) {
	return &llmtypes.Response{Content: s.content, Usage: s.usage}, nil
}

func TestAutogenParsesSheet(t *testing.T) {
	db := testutil.NewTestDB(t)
	clk := clock.NewFake(time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC))
	engine := NewEngine(&EngineConfig{DB: db, Clock: clk, Logger: zap.NewNop()})
	led := ledger.NewService(&ledger.Config{DB: db, Logger: zap.NewNop()})
	costs := usagepipe.NewCostTable(db, zap.NewNop(), time.Minute)
	pipe := usagepipe.NewPipeline(&usagepipe.Config{DB: db, Ledger: led, Costs: costs, Logger: zap.NewNop()})

	sheet := AutogenSheet{Name: "Mira", Tagline: "wandering cartographer", Greeting: "hello", Tags: []string{"fantasy"}}
	raw, err := json.Marshal(sheet)
	require.NoError(t, err)

	completer := &scriptedCompleter{
		content: "```json\n" + string(raw) + "\n```",
		usage:   llmtypes.Usage{InputTokens: 200, OutputTokens: 300},
	}
	handler := NewAutogenHandler(completer, pipe, "openai", "gpt-4o-mini", zap.NewNop())

	ctx := context.Background()
	_, err = engine.Enqueue(ctx, &EnqueueRequest{
		Type:        JobTypeAutogen,
		Payload:     AutogenPayload{Brief: "a mapmaker who lost her maps"},
		OwnerUserID: uuid.New(),
	})
	require.NoError(t, err)
	job, err := engine.Claim(ctx, "w1", []string{JobTypeAutogen})
	require.NoError(t, err)
	require.NotNil(t, job)

	jc := &JobContext{
		Job: &jobView{
			ID:          job.ID,
			Type:        job.Type,
			Payload:     job.Payload,
			OwnerUserID: job.OwnerUserID,
		},
		engine: engine,
	}

	result, err := handler.Execute(ctx, jc)
	require.NoError(t, err)
	got, ok := result.(*AutogenSheet)
	require.True(t, ok)
	assert.Equal(t, "Mira", got.Name)

	var usage models.UsageRecord
	require.NoError(t, db.Where("service_key = ?", "chat.completion").First(&usage).Error)
	assert.Equal(t, 0.5, usage.Units)
}

func TestParseAutogenSheetRejectsGarbage(t *testing.T) {
	_, err := parseAutogenSheet("sorry, I cannot do that")
	assert.Error(t, err)
}

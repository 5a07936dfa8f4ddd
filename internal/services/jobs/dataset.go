package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charhubai/charhub/internal/backends"
	"github.com/charhubai/charhub/internal/models"
	"github.com/charhubai/charhub/internal/services/usagepipe"
)

// JobTypeDataset is the 4-stage character reference dataset job.
const JobTypeDataset = "image-multi-stage"

// datasetStages in generation order; each stage feeds the next as a reference.
var datasetStages = []string{
	"REFERENCE_AVATAR",
	"REFERENCE_FRONT",
	"REFERENCE_SIDE",
	"REFERENCE_BACK",
}

// DatasetStages returns the stage names in generation order, for callers
// that size estimates or progress bars.
func DatasetStages() []string {
	return append([]string(nil), datasetStages...)
}

type DatasetPrompt struct {
	Positive string `json:"positive"`
	Negative string `json:"negative"`
}

type DatasetPayload struct {
	CharacterID       uuid.UUID     `json:"character_id"`
	Prompt            DatasetPrompt `json:"prompt"`
	InitialReferences [][]byte      `json:"initial_references,omitempty"`
}

type DatasetResult struct {
	CharacterID uuid.UUID `json:"character_id"`
	Paths       []string  `json:"paths"`
}

// DatasetHandler generates the fixed reference set for a character. Uploads
// are content-keyed by character and stage, so a retried attempt skips the
// stages a crashed worker already completed and never bills them twice.
type DatasetHandler struct {
	db     *gorm.DB
	images backends.ImageBackend
	store  backends.ObjectStore
	usage  *usagepipe.Pipeline
	log    *zap.Logger
}

func NewDatasetHandler(db *gorm.DB, images backends.ImageBackend, store backends.ObjectStore, usage *usagepipe.Pipeline, log *zap.Logger) *DatasetHandler {
	return &DatasetHandler{db: db, images: images, store: store, usage: usage, log: log}
}

func (h *DatasetHandler) Type() string { return JobTypeDataset }

func stagePath(characterID uuid.UUID, stage string) string {
	return fmt.Sprintf("characters/%s/references/%s.png", characterID, stage)
}

func initialRefPath(characterID uuid.UUID, n int) string {
	return fmt.Sprintf("characters/%s/references/initial_%d.png", characterID, n)
}

// seedInitialReferences uploads the caller-provided reference images and
// returns their paths. They are the authoritative seed for stage 1: every
// generated stage sees them first. Uploads are keyed by index so a retried
// attempt skips ones that already landed.
func (h *DatasetHandler) seedInitialReferences(ctx context.Context, characterID uuid.UUID, initial [][]byte) ([]string, error) {
	paths := make([]string, 0, len(initial))
	for n, data := range initial {
		if len(data) == 0 {
			continue
		}
		path := initialRefPath(characterID, n)
		exists, err := h.store.Exists(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("object store check for %s: %w", path, err)
		}
		if !exists {
			if err := h.store.Put(ctx, path, bytes.NewReader(data)); err != nil {
				return nil, fmt.Errorf("upload of initial reference %d: %w", n, err)
			}
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func (h *DatasetHandler) Execute(ctx context.Context, jc *JobContext) (any, error) {
	var payload DatasetPayload
	if err := json.Unmarshal(jc.Job.Payload, &payload); err != nil {
		return nil, Permanent(fmt.Errorf("invalid dataset payload: %w", err))
	}
	if payload.CharacterID == uuid.Nil {
		return nil, Permanent(fmt.Errorf("dataset payload missing character id"))
	}

	total := len(datasetStages)
	if err := jc.Progress(ctx, 0, total, "dataset.started", nil); err != nil {
		return nil, err
	}

	references, err := h.seedInitialReferences(ctx, payload.CharacterID, payload.InitialReferences)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, total)

	for i, stage := range datasetStages {
		if jc.Cancelled(ctx) {
			return nil, ErrCancelled
		}

		path := stagePath(payload.CharacterID, stage)
		exists, err := h.store.Exists(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("object store check for %s: %w", path, err)
		}

		if !exists {
			img, err := h.images.Generate(ctx, &backends.ImageRequest{
				PositivePrompt: payload.Prompt.Positive,
				NegativePrompt: payload.Prompt.Negative,
				References:     references,
			})
			if err != nil {
				return nil, fmt.Errorf("image generation for stage %s: %w", stage, err)
			}
			if err := h.store.Put(ctx, path, bytes.NewReader(img)); err != nil {
				return nil, fmt.Errorf("upload for stage %s: %w", stage, err)
			}
			if err := h.usage.Record(ctx, &models.UsageRecord{
				UserID:     jc.Job.OwnerUserID,
				ServiceKey: "image.generation",
				Units:      1,
			}); err != nil {
				h.log.Warn("usage record failed for dataset stage",
					zap.String("stage", stage),
					zap.Error(err))
			}
		} else {
			h.log.Info("dataset stage already uploaded, skipping",
				zap.String("character_id", payload.CharacterID.String()),
				zap.String("stage", stage))
		}

		if err := h.ensureImageRow(ctx, payload.CharacterID, stage, path, jc.Job.ID); err != nil {
			return nil, err
		}

		references = append(references, path)
		paths = append(paths, path)

		msg := fmt.Sprintf("dataset.stage.%s", stage)
		if err := jc.Progress(ctx, i+1, total, msg, map[string]any{"path": path}); err != nil {
			return nil, err
		}
	}

	return &DatasetResult{CharacterID: payload.CharacterID, Paths: paths}, nil
}

// ensureImageRow records the stage output exactly once across retries.
func (h *DatasetHandler) ensureImageRow(ctx context.Context, characterID uuid.UUID, stage, path string, jobID uuid.UUID) error {
	var count int64
	err := h.db.WithContext(ctx).Model(&models.CharacterImage{}).
		Where("character_id = ? AND stage = ?", characterID, stage).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	return h.db.WithContext(ctx).Create(&models.CharacterImage{
		CharacterID: characterID,
		Kind:        models.ImageKindReference,
		Stage:       stage,
		ObjectPath:  path,
		JobID:       &jobID,
	}).Error
}

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/charhubai/charhub/internal/middleware"
	"github.com/charhubai/charhub/internal/models"
	"github.com/charhubai/charhub/internal/services/jobs"
	"github.com/charhubai/charhub/internal/services/policy"
	"github.com/charhubai/charhub/internal/services/usagepipe"
)

const imageServiceKey = "image.generation"

type JobsHandler struct {
	engine *jobs.Engine
	gate   *policy.Gate
	costs  *usagepipe.CostTable
	log    *zap.Logger
}

func NewJobsHandler(engine *jobs.Engine, gate *policy.Gate, costs *usagepipe.CostTable, log *zap.Logger) *JobsHandler {
	return &JobsHandler{engine: engine, gate: gate, costs: costs, log: log}
}

type CreateDatasetRequest struct {
	CharacterID uuid.UUID          `json:"characterId"`
	Prompt      jobs.DatasetPrompt `json:"prompt"`

	// InitialReferences are base64-encoded images that seed stage 1.
	InitialReferences [][]byte `json:"initialReferences,omitempty"`
}

type CreateDatasetResponse struct {
	JobID     uuid.UUID `json:"jobId"`
	SessionID string    `json:"sessionId"`
	PollURL   string    `json:"pollUrl"`
}

// CreateDataset enqueues the 4-stage character reference job. The gate holds
// an estimate for the whole dataset; the hold travels with the job and is
// released when the job reaches a terminal state.
func (h *JobsHandler) CreateDataset(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing auth context")
		return
	}
	var req CreateDatasetRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.CharacterID == uuid.Nil {
		respondError(w, http.StatusBadRequest, "bad_request", "characterId is required")
		return
	}
	if req.Prompt.Positive == "" {
		respondError(w, http.StatusBadRequest, "bad_request", "prompt.positive is required")
		return
	}

	estimate, err := h.costs.Estimate(imageServiceKey, float64(len(jobs.DatasetStages())))
	if err != nil {
		estimate = 0
	}
	token, err := h.gate.Authorize(r.Context(), &policy.AuthRequest{
		UserID:        userID,
		Action:        policy.ActionEnqueueJob,
		EstimatedCost: estimate,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}

	sessionID := uuid.New().String()
	job, err := h.engine.Enqueue(r.Context(), &jobs.EnqueueRequest{
		Type: jobs.JobTypeDataset,
		Payload: &jobs.DatasetPayload{
			CharacterID:       req.CharacterID,
			Prompt:            req.Prompt,
			InitialReferences: req.InitialReferences,
		},
		OwnerUserID:   userID,
		SessionID:     sessionID,
		ReservationID: token.ReservationID,
	})
	if err != nil {
		// The job never existed, so nothing will release the hold later.
		if relErr := h.gate.Release(r.Context(), token); relErr != nil {
			h.log.Warn("failed to release orphaned hold", zap.Error(relErr))
		}
		h.log.Error("failed to enqueue dataset job", zap.Error(err))
		respondDomainError(w, err)
		return
	}

	respondOK(w, http.StatusAccepted, &CreateDatasetResponse{
		JobID:     job.ID,
		SessionID: job.SessionID,
		PollURL:   fmt.Sprintf("/api/v1/image-generation/job/%s", job.ID),
	})
}

type JobStatusResponse struct {
	ID              uuid.UUID       `json:"id"`
	Type            string          `json:"type"`
	State           models.JobState `json:"state"`
	Attempts        int             `json:"attempts"`
	SessionID       string          `json:"sessionId,omitempty"`
	ProgressStage   int             `json:"progressStage"`
	ProgressTotal   int             `json:"progressTotal"`
	ProgressMessage string          `json:"progressMessage,omitempty"`
	Result          any             `json:"result,omitempty"`
	ErrorCode       string          `json:"errorCode,omitempty"`
	Error           string          `json:"error,omitempty"`
}

func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing auth context")
		return
	}
	jobID, ok := urlUUID(r, "jobId")
	if !ok {
		respondError(w, http.StatusBadRequest, "bad_request", "invalid job id")
		return
	}
	job, err := h.engine.Get(r.Context(), jobID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	// Jobs are private to their owner.
	if job.OwnerUserID != userID {
		respondDomainError(w, jobs.ErrJobNotFound)
		return
	}

	resp := &JobStatusResponse{
		ID:              job.ID,
		Type:            job.Type,
		State:           job.State,
		Attempts:        job.Attempts,
		SessionID:       job.SessionID,
		ProgressStage:   job.ProgressStage,
		ProgressTotal:   job.ProgressTotal,
		ProgressMessage: job.ProgressMessage,
		ErrorCode:       job.ErrorCode,
		Error:           job.Error,
	}
	if len(job.Result) > 0 {
		resp.Result = json.RawMessage(job.Result)
	}
	respondOK(w, http.StatusOK, resp)
}

func (h *JobsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing auth context")
		return
	}
	jobID, ok := urlUUID(r, "jobId")
	if !ok {
		respondError(w, http.StatusBadRequest, "bad_request", "invalid job id")
		return
	}
	job, err := h.engine.Get(r.Context(), jobID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if job.OwnerUserID != userID {
		respondDomainError(w, jobs.ErrJobNotFound)
		return
	}
	if err := h.engine.Cancel(r.Context(), jobID); err != nil {
		respondDomainError(w, err)
		return
	}
	respondOK(w, http.StatusOK, map[string]string{"status": "cancel_requested"})
}

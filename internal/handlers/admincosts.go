package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/charhubai/charhub/internal/services/usagepipe"
)

// AdminCostsHandler manages the service cost table at runtime. Routes mount
// behind the admin-role middleware.
type AdminCostsHandler struct {
	costs *usagepipe.CostTable
	log   *zap.Logger
}

func NewAdminCostsHandler(costs *usagepipe.CostTable, log *zap.Logger) *AdminCostsHandler {
	return &AdminCostsHandler{costs: costs, log: log}
}

type SetCostRequest struct {
	ServiceKey     string `json:"serviceKey"`
	CreditsPerUnit int64  `json:"creditsPerUnit"`
	Unit           string `json:"unit"`
	Notes          string `json:"notes,omitempty"`
}

func (h *AdminCostsHandler) Set(w http.ResponseWriter, r *http.Request) {
	var req SetCostRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ServiceKey == "" || req.CreditsPerUnit < 0 {
		respondError(w, http.StatusBadRequest, "bad_request", "serviceKey and non-negative creditsPerUnit are required")
		return
	}
	if err := h.costs.Set(r.Context(), req.ServiceKey, req.CreditsPerUnit, req.Unit, req.Notes); err != nil {
		h.log.Error("failed to set service cost", zap.Error(err))
		respondDomainError(w, err)
		return
	}
	respondOK(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (h *AdminCostsHandler) Get(w http.ResponseWriter, r *http.Request) {
	serviceKey := r.URL.Query().Get("serviceKey")
	if serviceKey == "" {
		respondError(w, http.StatusBadRequest, "bad_request", "serviceKey query parameter is required")
		return
	}
	cost, ok := h.costs.Lookup(serviceKey)
	if !ok {
		respondDomainError(w, usagepipe.ErrUnknownService)
		return
	}
	respondOK(w, http.StatusOK, cost)
}

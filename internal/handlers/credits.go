package handlers

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/charhubai/charhub/internal/middleware"
	"github.com/charhubai/charhub/internal/services/ledger"
	"github.com/charhubai/charhub/internal/services/usagepipe"
)

type CreditsHandler struct {
	ledger *ledger.Service
	costs  *usagepipe.CostTable
	log    *zap.Logger
}

func NewCreditsHandler(ledgerSvc *ledger.Service, costs *usagepipe.CostTable, log *zap.Logger) *CreditsHandler {
	return &CreditsHandler{ledger: ledgerSvc, costs: costs, log: log}
}

type BalanceResponse struct {
	Balance int64 `json:"balance"`
}

func (h *CreditsHandler) Balance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing auth context")
		return
	}
	balance, err := h.ledger.Balance(r.Context(), userID)
	if err != nil {
		h.log.Error("balance lookup failed", zap.Error(err))
		respondDomainError(w, err)
		return
	}
	respondOK(w, http.StatusOK, &BalanceResponse{Balance: balance})
}

// DailyReward claims the once-per-UTC-day credit grant. A repeat claim is a
// conflict, not a silent no-op, so clients can tell the two apart.
func (h *CreditsHandler) DailyReward(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing auth context")
		return
	}
	balance, err := h.ledger.ClaimDaily(r.Context(), userID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondOK(w, http.StatusOK, &BalanceResponse{Balance: balance})
}

func (h *CreditsHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing auth context")
		return
	}
	limit := queryInt(r, "limit", 50)
	if limit > 200 {
		limit = 200
	}
	offset := queryInt(r, "offset", 0)

	txs, err := h.ledger.Transactions(r.Context(), userID, limit, offset)
	if err != nil {
		h.log.Error("transaction listing failed", zap.Error(err))
		respondDomainError(w, err)
		return
	}
	respondOK(w, http.StatusOK, txs)
}

type EstimateRequest struct {
	ServiceKey string  `json:"serviceKey"`
	Units      float64 `json:"units"`
}

type EstimateResponse struct {
	ServiceKey string  `json:"serviceKey"`
	Units      float64 `json:"units"`
	Credits    int64   `json:"credits"`
}

func (h *CreditsHandler) Estimate(w http.ResponseWriter, r *http.Request) {
	var req EstimateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ServiceKey == "" || req.Units < 0 {
		respondError(w, http.StatusBadRequest, "bad_request", "serviceKey and non-negative units are required")
		return
	}
	credits, err := h.costs.Estimate(req.ServiceKey, req.Units)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondOK(w, http.StatusOK, &EstimateResponse{
		ServiceKey: req.ServiceKey,
		Units:      req.Units,
		Credits:    credits,
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

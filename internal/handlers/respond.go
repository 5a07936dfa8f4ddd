// Package handlers is the HTTP surface: thin JSON adapters over the domain
// services. Every response uses the same envelope so clients branch on one
// shape.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/charhubai/charhub/internal/auth"
	"github.com/charhubai/charhub/internal/services/jobs"
	"github.com/charhubai/charhub/internal/services/ledger"
	"github.com/charhubai/charhub/internal/services/membership"
	"github.com/charhubai/charhub/internal/services/policy"
	"github.com/charhubai/charhub/internal/services/usagepipe"
)

type envelope struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondOK(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&envelope{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&envelope{
		Success: false,
		Error:   &apiError{Code: code, Message: message},
	})
}

// respondDomainError maps service errors onto status codes and stable error
// codes. Unknown errors become an opaque 500.
func respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredits):
		respondError(w, http.StatusPaymentRequired, "insufficient_credits", err.Error())
	case errors.Is(err, ledger.ErrAlreadyClaimed):
		respondError(w, http.StatusConflict, "already_claimed", err.Error())
	case errors.Is(err, ledger.ErrInvalidAmount):
		respondError(w, http.StatusBadRequest, "invalid_amount", err.Error())
	case errors.Is(err, policy.ErrRateLimited):
		respondError(w, http.StatusTooManyRequests, "rate_limited", err.Error())
	case errors.Is(err, policy.ErrAgeRestricted):
		respondError(w, http.StatusForbidden, "age_restricted", err.Error())
	case errors.Is(err, membership.ErrConversationNotFound),
		errors.Is(err, jobs.ErrJobNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, membership.ErrNotMember),
		errors.Is(err, membership.ErrForbidden),
		errors.Is(err, membership.ErrOwnerCannotLeave),
		errors.Is(err, membership.ErrCannotKickOwner):
		respondError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, membership.ErrCapacityReached):
		respondError(w, http.StatusConflict, "capacity_reached", err.Error())
	case errors.Is(err, membership.ErrInvalidInvite),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrTokenExpired):
		respondError(w, http.StatusBadRequest, "invalid_invite", err.Error())
	case errors.Is(err, jobs.ErrJobTerminal):
		respondError(w, http.StatusConflict, "job_terminal", err.Error())
	case errors.Is(err, usagepipe.ErrUnknownService):
		respondError(w, http.StatusNotFound, "unknown_service", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return false
	}
	return true
}

// internal/membership/handler.go
package membership

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"referralnet/internal/auth"
)

// retryAfterSeconds is sent with every retryable error response.
const retryAfterSeconds = 5

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// PublicRoutes mounts the caller-facing endpoints. The router must already
// authenticate requests.
func (h *Handler) PublicRoutes(r chi.Router) {
	r.Post("/v1/referral-code", h.HandleReferralCode)
	r.Post("/v1/members/profile", h.HandleRegisterProfile)
	r.Post("/v1/registry/reconcile", h.HandleReconcile)
	r.Get("/v1/referrals/stats", h.HandleStats)
	r.Post("/v1/admin/reconcile-all", h.HandleReconcileAll)
	r.Get("/v1/admin/members/{id}/history", h.HandleHistory)
}

// InternalRoutes mounts the trigger endpoints served on the internal
// listener.
func (h *Handler) InternalRoutes(r chi.Router) {
	r.Post("/internal/members/{id}/process", h.HandleProcessMember)
	r.Post("/internal/members/{id}/evaluate-role", h.HandleEvaluateRole)
	r.Post("/internal/orphans/resolve", h.HandleResolveOrphans)
}

func (h *Handler) HandleReferralCode(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.CallerFrom(r.Context())
	code, err := h.service.EnsureReferralCode(r.Context(), caller.Subject)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"code": code})
}

func (h *Handler) HandleRegisterProfile(w http.ResponseWriter, r *http.Request) {
	var reg Registration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		writeError(w, errors.Join(ErrInvalidArgument, err))
		return
	}
	if err := h.service.RegisterMemberProfile(r.Context(), reg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]bool{"ok": true})
}

func (h *Handler) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.CallerFrom(r.Context())
	result, err := h.service.ReconcileRegistry(r.Context(), caller.Subject)
	if err != nil {
		writeError(w, err)
		return
	}

	message := "registry and member code already agree"
	if result.Changed {
		message = "reconciled: " + result.Action
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"fixed":   result.Changed,
		"message": message,
		"code":    result.Code,
	})
}

func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.CallerFrom(r.Context())
	stats, err := h.service.GetReferralStats(r.Context(), caller.Subject)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) HandleReconcileAll(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.ReconcileAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := memberParam(w, r)
	if !ok {
		return
	}
	entries, err := h.service.MemberHistory(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []JournalEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) HandleProcessMember(w http.ResponseWriter, r *http.Request) {
	id, ok := memberParam(w, r)
	if !ok {
		return
	}
	result, err := h.service.ProcessNewMember(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	credited := result.Credited
	if credited == nil {
		credited = []uuid.UUID{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":           true,
		"credited":     credited,
		"broken_chain": result.BrokenChain,
	})
}

func (h *Handler) HandleEvaluateRole(w http.ResponseWriter, r *http.Request) {
	id, ok := memberParam(w, r)
	if !ok {
		return
	}
	result, err := h.service.EvaluateRole(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"promoted": result.Promoted,
		"new_role": result.NewRole,
	})
}

func (h *Handler) HandleResolveOrphans(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.ResolveOrphans(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func memberParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, errors.Join(ErrInvalidArgument, err))
		return uuid.Nil, false
	}
	return id, true
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// statusFor maps a service error to its HTTP status and error kind.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, ErrMemberNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrPhoneMissing):
		return http.StatusUnprocessableEntity, "failed_precondition"
	case errors.Is(err, ErrPhoneAlreadyClaimed):
		return http.StatusConflict, "already_exists"
	case errors.Is(err, ErrCodeSpaceExhausted):
		return http.StatusServiceUnavailable, "resource_exhausted"
	case errors.Is(err, ErrAdminRequired):
		return http.StatusForbidden, "permission_denied"
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, kind := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("Request failed", "error", err)
		message = "internal server error"
	}

	retryable := Retryable(err)
	if retryable {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	writeJSON(w, status, errorBody{Error: kind, Message: message, Retryable: retryable})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}

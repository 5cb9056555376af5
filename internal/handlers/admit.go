package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/botguard/botguard/internal/admission"
	"github.com/botguard/botguard/internal/shared/models"
	"github.com/botguard/botguard/internal/usage"
)

// Handler exposes the admission core over HTTP for the chat transport.
type Handler struct {
	pipeline *admission.Pipeline
	ledger   *usage.Ledger
}

func NewHandler(pipeline *admission.Pipeline, ledger *usage.Ledger) *Handler {
	return &Handler{
		pipeline: pipeline,
		ledger:   ledger,
	}
}

// HandleAdmit handles POST /v1/admit
func (h *Handler) HandleAdmit(w http.ResponseWriter, r *http.Request) {
	var msg models.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if msg.UserID == "" || msg.GuildID == "" {
		http.Error(w, "user_id and guild_id are required", http.StatusBadRequest)
		return
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	result := h.pipeline.Admit(r.Context(), msg)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Outcome", string(result.Outcome))
	if result.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfterSeconds))
	}

	w.WriteHeader(statusFor(result))
	json.NewEncoder(w).Encode(result)
}

// HandleUsage handles GET /v1/usage/{guildID}/{userID}
func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	subject := models.Subject{
		GuildID: chi.URLParam(r, "guildID"),
		UserID:  chi.URLParam(r, "userID"),
	}

	hours := 24
	if raw := r.URL.Query().Get("since_hours"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid since_hours", http.StatusBadRequest)
			return
		}
		hours = parsed
	}

	summary, err := h.ledger.Summarize(r.Context(), subject, time.Now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		http.Error(w, fmt.Sprintf("usage summary error: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		Subject    models.Subject `json:"subject"`
		SinceHours int            `json:"since_hours"`
		usage.Summary
	}{subject, hours, summary})
}

// statusFor maps a verdict to an HTTP status so the transport can branch
// without parsing the body.
func statusFor(result admission.Result) int {
	switch result.Outcome {
	case admission.OutcomeAllowed:
		return http.StatusOK
	case admission.OutcomeAuthBlocked:
		return http.StatusForbidden
	case admission.OutcomeFilteredReject:
		return http.StatusUnprocessableEntity
	case admission.OutcomeRateLimited:
		return http.StatusTooManyRequests
	case admission.OutcomeUpstreamError:
		if result.Retryable {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fabiobufalari/construction-hub-integrations/internal/outbox"
)

// Handler serves the relay's operational API: queue status, the
// dead-letter view with redrive, message inspection, and a direct
// enqueue for callers without their own database transaction.
type Handler struct {
	store  outbox.Store
	logger *slog.Logger
}

func New(store outbox.Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats, err := h.store.Stats(r.Context())
	if err != nil {
		h.logger.Error("queue stats failed", "err", err)
		http.Error(w, "failed to load queue stats", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"pending":               stats.Pending,
		"sending":               stats.Sending,
		"sent":                  stats.Sent,
		"failed":                stats.Failed,
		"dead":                  stats.Dead,
		"oldest_pending_age_ms": stats.OldestPendingAge.Milliseconds(),
	})
}

func (h *Handler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			http.Error(w, "limit must be between 1 and 500", http.StatusBadRequest)
			return
		}
		limit = n
	}

	dead, err := h.store.ListDead(r.Context(), limit)
	if err != nil {
		h.logger.Error("listing dead letters failed", "err", err)
		http.Error(w, "failed to list dead letters", http.StatusInternalServerError)
		return
	}

	views := make([]map[string]any, 0, len(dead))
	for _, m := range dead {
		views = append(views, messageView(m, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"dead_letters": views,
		"count":        len(views),
	})
}

func (h *Handler) RequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	id, err := uuid.Parse(strings.TrimSpace(req.ID))
	if err != nil {
		http.Error(w, "invalid message id", http.StatusBadRequest)
		return
	}

	switch err := h.store.RequeueDead(r.Context(), id); {
	case err == nil:
	case errors.Is(err, outbox.ErrNotFound):
		http.Error(w, "message not found", http.StatusNotFound)
		return
	case errors.Is(err, outbox.ErrConflict):
		http.Error(w, "message is not dead-lettered", http.StatusConflict)
		return
	default:
		h.logger.Error("dead letter requeue failed", "message_id", id, "err", err)
		http.Error(w, "failed to requeue message", http.StatusInternalServerError)
		return
	}

	h.logger.Info("dead letter requeued", "message_id", id)
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     id.String(),
		"status": string(outbox.StatusPending),
	})
}

func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(strings.TrimSpace(r.URL.Query().Get("id")))
	if err != nil {
		http.Error(w, "invalid message id", http.StatusBadRequest)
		return
	}

	msg, err := h.store.Get(r.Context(), id)
	if errors.Is(err, outbox.ErrNotFound) {
		http.Error(w, "message not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("loading message failed", "message_id", id, "err", err)
		http.Error(w, "failed to load message", http.StatusInternalServerError)
		return
	}

	attempts, err := h.store.ListAttempts(r.Context(), id)
	if err != nil {
		h.logger.Error("loading delivery attempts failed", "message_id", id, "err", err)
		http.Error(w, "failed to load delivery attempts", http.StatusInternalServerError)
		return
	}

	attemptViews := make([]map[string]any, 0, len(attempts))
	for _, a := range attempts {
		attemptViews = append(attemptViews, map[string]any{
			"attempt":      a.Attempt,
			"transport":    a.Transport,
			"outcome":      string(a.Outcome),
			"broker_ref":   a.BrokerRef,
			"error":        a.Error,
			"attempted_at": a.AttemptedAt.Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":  messageView(msg, true),
		"attempts": attemptViews,
	})
}

func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Destination   string          `json:"destination"`
		PartitionKey  string          `json:"partition_key"`
		ContentType   string          `json:"content_type"`
		Payload       json.RawMessage `json:"payload"`
		PayloadBase64 string          `json:"payload_base64"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.Destination = strings.TrimSpace(req.Destination)
	if req.Destination == "" {
		http.Error(w, "destination is required", http.StatusBadRequest)
		return
	}

	var payload []byte
	switch {
	case len(req.Payload) > 0 && req.PayloadBase64 != "":
		http.Error(w, "use payload or payload_base64, not both", http.StatusBadRequest)
		return
	case len(req.Payload) > 0:
		payload = req.Payload
	case req.PayloadBase64 != "":
		decoded, err := base64.StdEncoding.DecodeString(req.PayloadBase64)
		if err != nil {
			http.Error(w, "invalid payload_base64", http.StatusBadRequest)
			return
		}
		payload = decoded
		if req.ContentType == "" {
			req.ContentType = "application/octet-stream"
		}
	default:
		http.Error(w, "payload is required", http.StatusBadRequest)
		return
	}

	msg, err := outbox.NewMessage(req.Destination, req.PartitionKey, req.ContentType, payload)
	if err != nil {
		http.Error(w, "invalid message", http.StatusBadRequest)
		return
	}
	stored, err := h.store.Enqueue(r.Context(), msg)
	if err != nil {
		h.logger.Error("enqueue failed", "destination", req.Destination, "err", err)
		http.Error(w, "failed to enqueue message", http.StatusInternalServerError)
		return
	}

	h.logger.Info("message enqueued",
		"message_id", stored.ID,
		"destination", stored.Destination,
		"partition_key", stored.PartitionKey,
		"bytes", len(stored.Payload),
	)
	writeJSON(w, http.StatusCreated, messageView(stored, false))
}

func messageView(m outbox.Message, includePayload bool) map[string]any {
	v := map[string]any{
		"id":            m.ID.String(),
		"destination":   m.Destination,
		"partition_key": m.PartitionKey,
		"content_type":  m.ContentType,
		"status":        string(m.Status),
		"attempts":      m.Attempts,
		"last_error":    m.LastError,
		"payload_bytes": len(m.Payload),
		"next_retry_at": m.NextRetryAt.Format(time.RFC3339Nano),
		"created_at":    m.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":    m.UpdatedAt.Format(time.RFC3339Nano),
	}
	if m.SentAt != nil {
		v["sent_at"] = m.SentAt.Format(time.RFC3339Nano)
	}
	if includePayload {
		v["payload_base64"] = base64.StdEncoding.EncodeToString(m.Payload)
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

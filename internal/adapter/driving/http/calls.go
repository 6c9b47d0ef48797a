package http

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/Wyydra/callsig/internal/core/domain"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

const maxListLimit = 200

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": h.Hub.Connections(),
		"relayed":     h.Hub.Relayed(),
	})
}

// RecordCall ingests a record reported by a client.
func (h *Handler) RecordCall(w http.ResponseWriter, r *http.Request) {
	var rec domain.CallRecord
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&rec); err != nil {
		errorWithMessage(w, http.StatusBadRequest, "invalid record")
		return
	}
	if rec.CallID == "" || rec.LocalUserID == "" || rec.Status == "" {
		errorWithMessage(w, http.StatusBadRequest, "call_id, local_user_id and status are required")
		return
	}
	if err := h.Store.Record(r.Context(), rec); err != nil {
		log.Error().Err(err).Str("call_id", rec.CallID.String()).Msg("Failed to store call record")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *Handler) GetCall(w http.ResponseWriter, r *http.Request) {
	callID := domain.CallID(chi.URLParam(r, "callID"))
	recs, err := h.Store.Get(r.Context(), callID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *Handler) ListUserCalls(w http.ResponseWriter, r *http.Request) {
	userID := domain.UserID(chi.URLParam(r, "userID"))
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			errorWithMessage(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxListLimit)
	}
	recs, err := h.Store.ListByUser(r.Context(), userID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []domain.CallRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	apperrors "practice-rules-engine/internal/common/errors"
	"practice-rules-engine/internal/common/validation"
	"practice-rules-engine/internal/models"
)

const maxEventBytes = 1 << 20

type submitEventResponse struct {
	Accepted bool   `json:"accepted"`
	EventRef string `json:"eventRef"`
}

// handleSubmitEvent accepts a domain event. Processing is asynchronous; the
// response only confirms the event was persisted and queued.
func (s *Server) handleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBytes))
	if err != nil {
		badRequest(w, "invalid event body: "+err.Error())
		return
	}

	res, err := validation.EventSchema.ValidateBytes(raw)
	if err != nil {
		badRequest(w, "invalid event body: "+err.Error())
		return
	}
	if !res.Valid {
		s.respondError(w, r, apperrors.NewEventInvalidError(res.Error()))
		return
	}

	var e models.Event
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&e); err != nil {
		badRequest(w, "invalid event body: "+err.Error())
		return
	}
	if e.SubmittedBy == "" {
		e.SubmittedBy = r.Header.Get(ActorHeader)
	}

	ref, err := s.cfg.Events.Submit(r.Context(), e)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, submitEventResponse{Accepted: true, EventRef: ref})
}

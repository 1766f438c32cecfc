package api

import (
	"net/http"
	"strconv"

	"practice-rules-engine/internal/consent"
	"practice-rules-engine/internal/models"
)

type consentCheckResponse struct {
	Decision       string `json:"decision"`
	Granted        bool   `json:"granted"`
	Category       string `json:"category"`
	Reason         string `json:"reason"`
	ConsentVersion string `json:"consentVersion,omitempty"`
	AuditID        string `json:"auditId,omitempty"`
}

// handleCheckConsent always answers 200; a denial is a decision, not an error.
func (s *Server) handleCheckConsent(w http.ResponseWriter, r *http.Request) {
	var req consent.CheckRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid consent check body: "+err.Error())
		return
	}
	if req.SubjectID == "" || req.Category == "" {
		badRequest(w, "subjectId and category are required")
		return
	}
	req.Actor = r.Header.Get(ActorHeader)
	req.IPAddress = r.RemoteAddr

	res := s.cfg.Consent.Check(r.Context(), req)
	respondJSON(w, http.StatusOK, consentCheckResponse{
		Decision:       res.Decision.String(),
		Granted:        res.Granted(),
		Category:       res.Category,
		Reason:         res.Reason,
		ConsentVersion: res.ConsentVersion,
		AuditID:        res.AuditID,
	})
}

func (s *Server) handleRecordConsent(w http.ResponseWriter, r *http.Request) {
	var req consent.RecordRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid consent body: "+err.Error())
		return
	}
	if req.SubjectID == "" || req.Category == "" {
		badRequest(w, "subjectId and category are required")
		return
	}
	if req.Granted && req.ConsentVersion == "" {
		badRequest(w, "consentVersion is required when granting")
		return
	}
	req.Actor = r.Header.Get(ActorHeader)
	if req.Actor == "" {
		badRequest(w, ActorHeader+" header is required")
		return
	}
	req.IPAddress = r.RemoteAddr

	rec, err := s.cfg.Consents.Record(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleListConsents(w http.ResponseWriter, r *http.Request) {
	f := consent.AdminFilter{Category: r.URL.Query().Get("category")}
	if v := r.URL.Query().Get("granted"); v != "" {
		granted, err := strconv.ParseBool(v)
		if err != nil {
			badRequest(w, "granted must be true or false")
			return
		}
		f.Granted = &granted
	}

	subjects, err := s.cfg.Consents.ListSubjects(r.Context(), f)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if subjects == nil {
		subjects = []models.SubjectConsents{}
	}
	respondJSON(w, http.StatusOK, subjects)
}

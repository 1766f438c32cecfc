package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"practice-rules-engine/internal/audit"
	"practice-rules-engine/internal/models"
)

type auditListResponse struct {
	Entries []models.AuditEntry `json:"entries"`
	Total   int64               `json:"total"`
	Source  string              `json:"source"`
}

// handleListAudit reads Postgres by default. source=index queries the search
// mirror instead, when one is configured.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := audit.Query{
		SubjectID: q.Get("subjectId"),
		Action:    q.Get("action"),
		Limit:     intParam(q.Get("limit")),
		Offset:    intParam(q.Get("offset")),
	}
	for name, dst := range map[string]*time.Time{"from": &query.From, "to": &query.To} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			badRequest(w, name+" must be an RFC 3339 timestamp")
			return
		}
		*dst = t
	}

	if q.Get("source") == "index" && s.cfg.AuditSearch != nil {
		entries, total, err := s.cfg.AuditSearch.Search(r.Context(), query)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		if entries == nil {
			entries = []models.AuditEntry{}
		}
		respondJSON(w, http.StatusOK, auditListResponse{Entries: entries, Total: total, Source: "index"})
		return
	}

	entries, err := s.cfg.Audit.List(r.Context(), query)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	respondJSON(w, http.StatusOK, auditListResponse{Entries: entries, Total: int64(len(entries)), Source: "database"})
}

func (s *Server) handleSaveTemplate(w http.ResponseWriter, r *http.Request) {
	var tmpl models.Template
	if err := decodeJSON(r, &tmpl); err != nil {
		badRequest(w, "invalid template body: "+err.Error())
		return
	}
	if err := s.cfg.Registry.SaveTemplate(r.Context(), tmpl); err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"id": tmpl.ID})
}

func (s *Server) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	defs, err := s.cfg.Registry.ListTriggers(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if defs == nil {
		defs = []models.TriggerDefinition{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"triggers": defs, "count": len(defs)})
}

func (s *Server) handleSaveTrigger(w http.ResponseWriter, r *http.Request) {
	var def models.TriggerDefinition
	if err := decodeJSON(r, &def); err != nil {
		badRequest(w, "invalid trigger body: "+err.Error())
		return
	}
	if err := s.cfg.Registry.SaveTrigger(r.Context(), def); err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"id": def.ID})
}

func (s *Server) handleGetTrigger(w http.ResponseWriter, r *http.Request) {
	def, err := s.cfg.Registry.GetTrigger(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, def)
}

func (s *Server) handleEnableTrigger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.cfg.Registry.EnableTrigger(r.Context(), id); err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"id": id, "enabled": true})
}

// handleDisableTrigger disables rather than deletes; stored notifications
// keep referencing the trigger.
func (s *Server) handleDisableTrigger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.cfg.Registry.DisableTrigger(r.Context(), id); err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"id": id, "enabled": false})
}

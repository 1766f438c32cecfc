package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"practice-rules-engine/internal/models"
	"practice-rules-engine/internal/notifications"
)

type notificationListResponse struct {
	Notifications []models.Notification `json:"notifications"`
	Count         int                   `json:"count"`
}

type markAllReadResponse struct {
	Updated int64     `json:"updated"`
	Cutoff  time.Time `json:"cutoff"`
}

// recipientOf scopes notification reads to one user: the recipientId query
// parameter, or the caller itself.
func recipientOf(r *http.Request) string {
	if id := r.URL.Query().Get("recipientId"); id != "" {
		return id
	}
	return r.Header.Get(ActorHeader)
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	recipientID := recipientOf(r)
	if recipientID == "" {
		badRequest(w, "recipientId is required")
		return
	}

	q := r.URL.Query()
	f := notifications.Filter{
		UnreadOnly: q.Get("unreadOnly") == "true",
		Limit:      intParam(q.Get("limit")),
		Offset:     intParam(q.Get("offset")),
	}

	list, err := s.cfg.Notifications.List(r.Context(), recipientID, f)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if list == nil {
		list = []models.Notification{}
	}
	respondJSON(w, http.StatusOK, notificationListResponse{Notifications: list, Count: len(list)})
}

func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	recipientID := recipientOf(r)
	if recipientID == "" {
		badRequest(w, "recipientId is required")
		return
	}

	count, err := s.cfg.Notifications.UnreadCount(r.Context(), recipientID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"count": count})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	recipientID := recipientOf(r)
	if recipientID == "" {
		badRequest(w, "recipientId is required")
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.cfg.Notifications.MarkRead(r.Context(), id, recipientID); err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"id": id, "isRead": true})
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	recipientID := recipientOf(r)
	if recipientID == "" {
		badRequest(w, "recipientId is required")
		return
	}

	n, cutoff, err := s.cfg.Notifications.MarkAllRead(r.Context(), recipientID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, markAllReadResponse{Updated: n, Cutoff: cutoff})
}

// intParam parses a non-negative integer query value; anything else is zero
// and the store applies its default.
func intParam(v string) int {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

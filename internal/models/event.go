// internal/models/event.go
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Event is an immutable domain fact submitted to the dispatcher.
type Event struct {
	ID          string                 `json:"id"`
	EventType   string                 `json:"eventType"`
	OccurredAt  time.Time              `json:"occurredAt"`
	SubjectID   string                 `json:"subjectId"`
	Context     map[string]interface{} `json:"context"`
	SubmittedBy string                 `json:"submittedBy,omitempty"`

	// ConsentCategory gates the whole event: when set, no notification is
	// created unless the subject has granted consent for it.
	ConsentCategory string `json:"consentCategory,omitempty"`
}

// EventStatus tracks an event through the inbox.
type EventStatus string

const (
	EventReceived EventStatus = "received"
	EventDone     EventStatus = "done"
	EventFailed   EventStatus = "failed"
)

// DeriveEventRef returns a stable reference for events submitted without an id.
// Identical type, subject, occurrence time and context always hash to the same
// value. A missing occurrence time hashes as empty.
func DeriveEventRef(e Event) string {
	payload := struct {
		EventType  string                 `json:"t"`
		SubjectID  string                 `json:"s"`
		OccurredAt string                 `json:"o"`
		Context    map[string]interface{} `json:"c"`
	}{
		EventType: e.EventType,
		SubjectID: e.SubjectID,
		Context:   e.Context,
	}
	if !e.OccurredAt.IsZero() {
		payload.OccurredAt = e.OccurredAt.UTC().Format(time.RFC3339Nano)
	}
	// encoding/json sorts map keys, which keeps the digest canonical.
	raw, _ := json.Marshal(payload)
	sum := sha256.Sum256(raw)
	return "evt_" + hex.EncodeToString(sum[:16])
}

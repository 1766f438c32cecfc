// internal/workers/events/submit-event/models.go
package submitevent

import "time"

// Input mirrors the process variables a BPMN task passes in.
type Input struct {
	EventID         string                 `json:"eventId,omitempty"`
	EventType       string                 `json:"eventType"`
	SubjectID       string                 `json:"subjectId"`
	OccurredAt      *time.Time             `json:"occurredAt,omitempty"`
	Context         map[string]interface{} `json:"context,omitempty"`
	ConsentCategory string                 `json:"consentCategory,omitempty"`
}

type Output struct {
	EventRef             string `json:"eventRef"`
	EventState           string `json:"eventState"`
	NotificationsCreated int    `json:"notificationsCreated"`
	ConsentDenied        bool   `json:"consentDenied"`
	TriggersFailed       int    `json:"triggersFailed"`
}

// internal/models/audit.go
package models

import "time"

const (
	AuditConsentCheck          = "consent.check"
	AuditConsentGranted        = "consent.granted"
	AuditConsentWithdrawn      = "consent.withdrawn"
	AuditNotificationCreated   = "notification.created"
	AuditNotificationDelivered = "notification.delivered"
)

// AuditEntry is an append-only compliance record.
type AuditEntry struct {
	ID             string                 `json:"id"`
	SubjectID      string                 `json:"subjectId"`
	Actor          string                 `json:"actor"`
	Action         string                 `json:"action"`
	Timestamp      time.Time              `json:"timestamp"`
	IPAddress      string                 `json:"ipAddress,omitempty"`
	Detail         map[string]interface{} `json:"detail,omitempty"`
	ConsentVersion string                 `json:"consentVersion,omitempty"`
}

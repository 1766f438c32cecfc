// internal/models/consent.go
package models

import "time"

// ConsentRecord is one recorded consent state. Records are superseded, never edited.
type ConsentRecord struct {
	ID             string     `json:"id"`
	SubjectID      string     `json:"subjectId"`
	Category       string     `json:"category"`
	Granted        bool       `json:"granted"`
	ConsentVersion string     `json:"consentVersion"`
	GrantedAt      *time.Time `json:"grantedAt,omitempty"`
	WithdrawnAt    *time.Time `json:"withdrawnAt,omitempty"`
	RecordedAt     time.Time  `json:"recordedAt"`
	RecordedBy     string     `json:"recordedBy,omitempty"`
}

// SubjectConsents groups the current consent records of one subject.
type SubjectConsents struct {
	SubjectID string          `json:"subjectId"`
	Consents  []ConsentRecord `json:"consents"`
}

// internal/workers/consent/check-consent/models.go
package checkconsent

type Input struct {
	SubjectID string `json:"subjectId"`
	Category  string `json:"category"`
	Actor     string `json:"actor,omitempty"`
}

type Output struct {
	Decision       string `json:"consentDecision"`
	Granted        bool   `json:"consentGranted"`
	Reason         string `json:"consentReason"`
	ConsentVersion string `json:"consentVersion,omitempty"`
	AuditID        string `json:"consentAuditId,omitempty"`
}

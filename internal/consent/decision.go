// Package consent implements the fail-closed consent gate and its record store.
package consent

import "practice-rules-engine/internal/models"

// Decision is the outcome of a consent check. The zero value is Denied.
type Decision int

const (
	Denied Decision = iota
	Granted
)

func (d Decision) String() string {
	if d == Granted {
		return "granted"
	}
	return "denied"
}

const (
	ReasonGranted            = "consent granted"
	ReasonUnknownCategory    = "unknown consent category"
	ReasonNoRecord           = "no consent record"
	ReasonWithdrawn          = "consent withdrawn"
	ReasonWithdrawnAtOnGrant = "granted record carries a withdrawal timestamp"
	ReasonAmbiguous          = "conflicting consent records"
	ReasonStoreUnavailable   = "consent store unavailable"
	ReasonAuditFailed        = "audit write failed"
)

// Decide derives a decision from the newest records of one subject and
// category, newest first. Anything short of an unambiguous grant is Denied.
func Decide(latest []models.ConsentRecord) (Decision, string) {
	if len(latest) == 0 {
		return Denied, ReasonNoRecord
	}
	head := latest[0]
	if len(latest) > 1 && head.RecordedAt.Equal(latest[1].RecordedAt) && head.Granted != latest[1].Granted {
		return Denied, ReasonAmbiguous
	}
	if !head.Granted {
		return Denied, ReasonWithdrawn
	}
	if head.WithdrawnAt != nil {
		return Denied, ReasonWithdrawnAtOnGrant
	}
	return Granted, ReasonGranted
}

func lockKey(subjectID, category string) string {
	return subjectID + "|" + category
}

package consent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"practice-rules-engine/internal/models"
)

func TestDecision_ZeroValueIsDenied(t *testing.T) {
	var d Decision
	assert.Equal(t, Denied, d)
	assert.Equal(t, "denied", d.String())
	assert.Equal(t, "granted", Granted.String())
}

func TestDecide(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	withdrawn := t0.Add(time.Hour)

	tests := []struct {
		name     string
		latest   []models.ConsentRecord
		decision Decision
		reason   string
	}{
		{"no record", nil, Denied, ReasonNoRecord},
		{"granted", []models.ConsentRecord{{Granted: true, RecordedAt: t0}}, Granted, ReasonGranted},
		{"withdrawn", []models.ConsentRecord{{Granted: false, RecordedAt: t0}}, Denied, ReasonWithdrawn},
		{
			"withdrawn after grant",
			[]models.ConsentRecord{{Granted: false, RecordedAt: t0.Add(time.Minute)}, {Granted: true, RecordedAt: t0}},
			Denied, ReasonWithdrawn,
		},
		{
			"regranted after withdrawal",
			[]models.ConsentRecord{{Granted: true, RecordedAt: t0.Add(time.Minute)}, {Granted: false, RecordedAt: t0}},
			Granted, ReasonGranted,
		},
		{
			"same instant conflicting",
			[]models.ConsentRecord{{Granted: true, RecordedAt: t0}, {Granted: false, RecordedAt: t0}},
			Denied, ReasonAmbiguous,
		},
		{
			"same instant agreeing",
			[]models.ConsentRecord{{Granted: true, RecordedAt: t0}, {Granted: true, RecordedAt: t0}},
			Granted, ReasonGranted,
		},
		{
			"granted with withdrawal timestamp",
			[]models.ConsentRecord{{Granted: true, RecordedAt: t0, WithdrawnAt: &withdrawn}},
			Denied, ReasonWithdrawnAtOnGrant,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, reason := Decide(tt.latest)
			assert.Equal(t, tt.decision, d)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

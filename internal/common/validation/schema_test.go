package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConditionSchema(t *testing.T) {
	tests := []struct {
		name  string
		doc   string
		valid bool
	}{
		{"compare", `{"kind":"compare","operator":"eq","field":"status","value":"open"}`, true},
		{"nested and", `{"kind":"and","children":[{"kind":"not","children":[{"kind":"compare","operator":"gt","field":"n","value":1}]}]}`, true},
		{"unknown kind", `{"kind":"xor"}`, false},
		{"unknown operator", `{"kind":"compare","operator":"like","field":"f","value":"x"}`, false},
		{"extra property", `{"kind":"and","children":[],"weight":2}`, false},
		{"bad child", `{"kind":"or","children":[{"operator":"eq"}]}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := ConditionSchema.ValidateBytes([]byte(tt.doc))
			require.NoError(t, err)
			assert.Equal(t, tt.valid, res.Valid, res.Error())
		})
	}
}

func TestRecipientRuleSchema(t *testing.T) {
	res, err := RecipientRuleSchema.ValidateBytes([]byte(`{"type":"union","rules":[{"type":"static_roles","roles":["admin"]},{"type":"event_field","path":"assigneeId"}]}`))
	require.NoError(t, err)
	assert.True(t, res.Valid)

	res, err = RecipientRuleSchema.ValidateBytes([]byte(`{"type":"everyone"}`))
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.NotEmpty(t, res.Error())
}

func TestEventSchema_ValidateValue(t *testing.T) {
	res, err := EventSchema.ValidateValue(map[string]interface{}{
		"eventType": "TaskOverdue",
		"subjectId": "c-1",
		"context":   map[string]interface{}{"assigneeId": 42},
	})
	require.NoError(t, err)
	assert.True(t, res.Valid)

	res, err = EventSchema.ValidateValue(map[string]interface{}{"eventType": ""})
	require.NoError(t, err)
	assert.False(t, res.Valid)
}

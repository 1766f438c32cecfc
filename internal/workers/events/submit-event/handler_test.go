// internal/workers/events/submit-event/handler_test.go
package submitevent

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"practice-rules-engine/internal/common/errors"
	"practice-rules-engine/internal/common/logger"
	"practice-rules-engine/internal/engine/dispatcher"
	"practice-rules-engine/internal/models"
)

type mockDispatcher struct {
	got    models.Event
	result *dispatcher.Result
	err    error
}

func (m *mockDispatcher) Dispatch(ctx context.Context, e models.Event) (*dispatcher.Result, error) {
	m.got = e
	return m.result, m.err
}

func createTestHandler(t *testing.T, d EventDispatcher) *Handler {
	return NewHandler(&Config{Timeout: 5 * time.Second}, d, logger.NewTestLogger(t))
}

func TestHandler_Execute_Success(t *testing.T) {
	occurred := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	d := &mockDispatcher{result: &dispatcher.Result{
		EventRef: "evt_abc",
		State:    dispatcher.StateDone,
		Created:  2,
		Triggers: []dispatcher.TriggerResult{
			{TriggerID: "t1", Outcome: dispatcher.OutcomePersisted, Created: 2},
			{TriggerID: "t2", Outcome: dispatcher.OutcomeFailed, Error: "RECIPIENT_RESOLUTION_FAILED"},
		},
	}}
	h := createTestHandler(t, d)

	out, err := h.Execute(context.Background(), &Input{
		EventType:       "TaskOverdue",
		SubjectID:       "task-9",
		OccurredAt:      &occurred,
		Context:         map[string]interface{}{"assigneeId": "u1"},
		ConsentCategory: "sms",
	})

	require.NoError(t, err)
	assert.Equal(t, "evt_abc", out.EventRef)
	assert.Equal(t, "done", out.EventState)
	assert.Equal(t, 2, out.NotificationsCreated)
	assert.Equal(t, 1, out.TriggersFailed)

	assert.Equal(t, "TaskOverdue", d.got.EventType)
	assert.Equal(t, occurred, d.got.OccurredAt)
	assert.Equal(t, "sms", d.got.ConsentCategory)
	assert.Equal(t, "workflow:submit-event", d.got.SubmittedBy)
}

func TestHandler_Execute_ConsentDenied(t *testing.T) {
	d := &mockDispatcher{result: &dispatcher.Result{EventRef: "evt_1", State: dispatcher.StateDone, ConsentDenied: true}}
	h := createTestHandler(t, d)

	out, err := h.Execute(context.Background(), &Input{EventType: "AppointmentReminder", SubjectID: "p1", ConsentCategory: "sms"})

	require.NoError(t, err)
	assert.True(t, out.ConsentDenied)
	assert.Zero(t, out.NotificationsCreated)
}

func TestHandler_Execute_RegistryUnavailableIsRetryable(t *testing.T) {
	d := &mockDispatcher{err: errors.NewRegistryUnavailableError(stderrors.New("connection refused"))}
	h := createTestHandler(t, d)

	_, err := h.Execute(context.Background(), &Input{EventType: "TaskOverdue", SubjectID: "task-1"})

	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeRegistryUnavailable))
	assert.True(t, errors.IsRetryable(err))
}

func TestHandler_Execute_InvalidEventIsNotRetryable(t *testing.T) {
	d := &mockDispatcher{err: errors.NewEventInvalidError("missing eventType")}
	h := createTestHandler(t, d)

	_, err := h.Execute(context.Background(), &Input{SubjectID: "task-1"})

	require.Error(t, err)
	assert.False(t, errors.IsRetryable(err))
}

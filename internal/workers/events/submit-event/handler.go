// internal/workers/events/submit-event/handler.go
package submitevent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"

	"practice-rules-engine/internal/common/errors"
	"practice-rules-engine/internal/common/logger"
	"practice-rules-engine/internal/common/metrics"
	"practice-rules-engine/internal/engine/dispatcher"
	"practice-rules-engine/internal/models"
)

const (
	TaskType = "submit-event"
)

// EventDispatcher runs one event through the rules synchronously.
type EventDispatcher interface {
	Dispatch(ctx context.Context, e models.Event) (*dispatcher.Result, error)
}

// Handler lets a BPMN process raise a domain event and wait for its
// notifications. A registry outage fails the job so the broker retries it.
type Handler struct {
	config       *Config
	dispatcher   EventDispatcher
	logger       logger.Logger
	errorHandler *errors.ErrorHandler
}

func NewHandler(config *Config, d EventDispatcher, log logger.Logger) *Handler {
	log = log.WithFields(map[string]interface{}{"taskType": TaskType})
	return &Handler{
		config:       config,
		dispatcher:   d,
		logger:       log,
		errorHandler: errors.NewErrorHandler(log),
	}
}

func (h *Handler) Handle(client worker.JobClient, job entities.Job) {
	h.logger.Info("processing job", map[string]interface{}{
		"jobKey":      job.Key,
		"workflowKey": job.ProcessInstanceKey,
	})

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	var input Input
	if err := json.Unmarshal([]byte(job.Variables), &input); err != nil {
		h.fail(ctx, client, job, errors.NewEventInvalidError(fmt.Sprintf("parse input: %v", err)))
		return
	}

	output, err := h.Execute(ctx, &input)
	if err != nil {
		h.fail(ctx, client, job, err)
		return
	}

	h.completeJob(ctx, client, job, output)
}

// Execute dispatches the event described by input.
func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	event := models.Event{
		ID:              input.EventID,
		EventType:       input.EventType,
		SubjectID:       input.SubjectID,
		Context:         input.Context,
		ConsentCategory: input.ConsentCategory,
		SubmittedBy:     "workflow:" + TaskType,
	}
	if input.OccurredAt != nil {
		event.OccurredAt = *input.OccurredAt
	}

	res, err := h.dispatcher.Dispatch(ctx, event)
	if err != nil {
		return nil, err
	}

	out := &Output{
		EventRef:             res.EventRef,
		EventState:           string(res.State),
		NotificationsCreated: res.Created,
		ConsentDenied:        res.ConsentDenied,
	}
	for _, t := range res.Triggers {
		if t.Outcome == dispatcher.OutcomeFailed {
			out.TriggersFailed++
		}
	}
	return out, nil
}

func (h *Handler) fail(ctx context.Context, client worker.JobClient, job entities.Job, err error) {
	code := string(errors.ErrCodeInternal)
	if stdErr, ok := errors.AsStandardError(err); ok {
		code = string(stdErr.Code)
	}
	metrics.WorkerJobsFailed.WithLabelValues(TaskType, code).Inc()
	h.errorHandler.HandleJobError(ctx, client, job, err)
}

func (h *Handler) completeJob(ctx context.Context, client worker.JobClient, job entities.Job, output *Output) {
	cmd, err := client.NewCompleteJobCommand().
		JobKey(job.Key).
		VariablesFromObject(output)
	if err != nil {
		h.logger.Error("failed to create complete job command", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if _, err := cmd.Send(ctx); err != nil {
		h.logger.Error("failed to send complete job command", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	metrics.WorkerJobsCompleted.WithLabelValues(TaskType).Inc()
}

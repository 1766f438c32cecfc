// internal/workers/consent/check-consent/handler.go
package checkconsent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"

	"practice-rules-engine/internal/common/errors"
	"practice-rules-engine/internal/common/logger"
	"practice-rules-engine/internal/common/metrics"
	"practice-rules-engine/internal/consent"
)

const (
	TaskType = "check-consent"
)

type Checker interface {
	Check(ctx context.Context, req consent.CheckRequest) consent.Result
}

// Handler gates a BPMN path on patient consent. Denial is the default
// whenever consent cannot be established.
type Handler struct {
	config       *Config
	checker      Checker
	logger       logger.Logger
	errorHandler *errors.ErrorHandler
}

func NewHandler(config *Config, checker Checker, log logger.Logger) *Handler {
	log = log.WithFields(map[string]interface{}{"taskType": TaskType})
	return &Handler{
		config:       config,
		checker:      checker,
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
		h.fail(ctx, client, job, errors.NewConsentDeniedError("", fmt.Sprintf("parse input: %v", err)))
		return
	}

	output, err := h.Execute(ctx, &input)
	if err != nil {
		h.fail(ctx, client, job, err)
		return
	}
	h.completeJob(ctx, client, job, output)
}

// Execute checks consent. With ThrowOnDenied a denial is returned as a
// CONSENT_DENIED error.
func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	actor := input.Actor
	if actor == "" {
		actor = "workflow:" + TaskType
	}

	res := h.checker.Check(ctx, consent.CheckRequest{
		SubjectID: input.SubjectID,
		Category:  input.Category,
		Actor:     actor,
	})

	if !res.Granted() && h.config.ThrowOnDenied {
		return nil, errors.NewConsentDeniedError(input.Category, res.Reason).
			WithMetadata("subjectId", input.SubjectID)
	}

	return &Output{
		Decision:       res.Decision.String(),
		Granted:        res.Granted(),
		Reason:         res.Reason,
		ConsentVersion: res.ConsentVersion,
		AuditID:        res.AuditID,
	}, nil
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

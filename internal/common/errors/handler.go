// internal/common/errors/handler.go
package errors

import (
	"context"
	"encoding/json"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
)

// Logger is the subset of logger.Logger the handler needs.
type Logger interface {
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
}

// ErrorHandler reports a failed job back to the broker.
type ErrorHandler struct {
	logger Logger
}

func NewErrorHandler(logger Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// JobOutcome is what the broker is told about a failed job.
type JobOutcome struct {
	Throw   bool // throw a BPMN error instead of failing with retries
	Retries int  // retries left after this failure, when not throwing
}

// Decide maps err onto a job outcome given the job's remaining retries.
// Retryable codes fail the job while the broker still has retries to
// spend; everything else, including CONSENT_DENIED, is thrown.
func Decide(err error, remaining int32) (*StandardError, JobOutcome) {
	stdErr, ok := AsStandardError(err)
	if !ok {
		stdErr = NewInternalError(err)
	}

	budget := GetRetryCount(stdErr.Code)
	if !stdErr.Retryable || budget == 0 || remaining <= 1 {
		return stdErr, JobOutcome{Throw: true}
	}

	left := int(remaining) - 1
	if left > budget {
		left = budget
	}
	return stdErr, JobOutcome{Retries: left}
}

// HandleJobError fails or throws job according to Decide.
func (h *ErrorHandler) HandleJobError(ctx context.Context, client worker.JobClient, job entities.Job, err error) {
	stdErr, outcome := Decide(err, job.Retries)
	bpmnErr := ConvertToBPMNError(stdErr)
	vars := variablesJSON(bpmnErr)

	fields := map[string]interface{}{
		"jobKey":             job.Key,
		"jobType":            job.Type,
		"processInstanceKey": job.ProcessInstanceKey,
		"errorCode":          bpmnErr.Code,
		"errorCategory":      GetErrorCategory(stdErr.Code),
		"details":            stdErr.Details,
	}

	if !outcome.Throw {
		fields["retriesLeft"] = outcome.Retries
		h.logger.Warn("job failed, broker will retry", fields)

		cmd := client.NewFailJobCommand().
			JobKey(job.Key).
			Retries(int32(outcome.Retries)).
			ErrorMessage(bpmnErr.Message)
		if vars != "" {
			if withVars, err := cmd.VariablesFromString(vars); err == nil {
				_, _ = withVars.Send(ctx)
				return
			}
		}
		_, _ = cmd.Send(ctx)
		return
	}

	h.logger.Error("job failed, throwing BPMN error", fields)

	cmd := client.NewThrowErrorCommand().
		JobKey(job.Key).
		ErrorCode(bpmnErr.Code).
		ErrorMessage(bpmnErr.Message)
	if vars != "" {
		if withVars, err := cmd.VariablesFromString(vars); err == nil {
			_, _ = withVars.Send(ctx)
			return
		}
	}
	_, _ = cmd.Send(ctx)
}

func variablesJSON(bpmnErr *BPMNError) string {
	raw, err := json.Marshal(bpmnErr.ToErrorVariables())
	if err != nil {
		return ""
	}
	return string(raw)
}

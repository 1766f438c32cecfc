package api

import (
	"net/http"

	apperrors "practice-rules-engine/internal/common/errors"
)

const codeBadRequest = "BAD_REQUEST"

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
	Retryable bool   `json:"retryable"`
}

func statusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrCodeEventInvalid,
		apperrors.ErrCodeTriggerDefinitionInvalid,
		apperrors.ErrCodeConditionInvalid,
		apperrors.ErrCodeRecipientRuleInvalid,
		apperrors.ErrCodeTemplateInvalid,
		apperrors.ErrCodeConsentCategoryUnknown:
		return http.StatusBadRequest
	case apperrors.ErrCodeTriggerNotFound,
		apperrors.ErrCodeTemplateNotFound,
		apperrors.ErrCodeNotificationNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeConsentDenied:
		return http.StatusForbidden
	case apperrors.ErrCodeRegistryUnavailable,
		apperrors.ErrCodeDatabaseConnectionFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	stdErr, ok := apperrors.AsStandardError(err)
	if !ok {
		stdErr = apperrors.NewInternalError(err)
	}
	status := statusFor(stdErr.Code)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
			"code":   string(stdErr.Code),
			"error":  err.Error(),
		})
	}
	respondJSON(w, status, errorBody{
		Code:      string(stdErr.Code),
		Message:   stdErr.Message,
		Details:   stdErr.Details,
		Retryable: stdErr.Retryable,
	})
}

func badRequest(w http.ResponseWriter, message string) {
	respondJSON(w, http.StatusBadRequest, errorBody{Code: codeBadRequest, Message: message})
}

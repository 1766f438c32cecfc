// Package errors provides standardized error handling for the rules engine and its BPMN workers.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	ErrCodeEventInvalid ErrorCode = "EVENT_INVALID"

	ErrCodeTriggerDefinitionInvalid ErrorCode = "TRIGGER_DEFINITION_INVALID"
	ErrCodeTriggerNotFound          ErrorCode = "TRIGGER_NOT_FOUND"
	ErrCodeConditionInvalid         ErrorCode = "CONDITION_INVALID"
	ErrCodeRecipientRuleInvalid     ErrorCode = "RECIPIENT_RULE_INVALID"
	ErrCodeTemplateInvalid          ErrorCode = "TEMPLATE_INVALID"
	ErrCodeTemplateNotFound         ErrorCode = "TEMPLATE_NOT_FOUND"
	ErrCodeRegistryUnavailable      ErrorCode = "REGISTRY_UNAVAILABLE"

	ErrCodeRecipientResolutionFailed ErrorCode = "RECIPIENT_RESOLUTION_FAILED"

	ErrCodeNotificationStoreFailed ErrorCode = "NOTIFICATION_STORE_FAILED"
	ErrCodeNotificationNotFound    ErrorCode = "NOTIFICATION_NOT_FOUND"
	ErrCodeNotificationSendFailed  ErrorCode = "NOTIFICATION_SEND_FAILED"

	ErrCodeConsentDenied          ErrorCode = "CONSENT_DENIED"
	ErrCodeConsentCategoryUnknown ErrorCode = "CONSENT_CATEGORY_UNKNOWN"
	ErrCodeConsentWriteFailed     ErrorCode = "CONSENT_WRITE_FAILED"

	ErrCodeAuditWriteFailed ErrorCode = "AUDIT_WRITE_FAILED"

	ErrCodeDatabaseConnectionFailed ErrorCode = "DATABASE_CONNECTION_FAILED"
	ErrCodeInternal                 ErrorCode = "INTERNAL_ERROR"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	cause     error
}

func (e *StandardError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("StandardError[%s]: %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

func (e *StandardError) Unwrap() error {
	return e.cause
}

// WithMetadata attaches a metadata key and returns the same error.
func (e *StandardError) WithMetadata(key string, value interface{}) *StandardError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

func newError(code ErrorCode, message, details string, retryable bool, cause error) *StandardError {
	return &StandardError{
		Code:      code,
		Message:   message,
		Details:   details,
		Retryable: retryable,
		Timestamp: time.Now().UTC(),
		cause:     cause,
	}
}

// ==========================
// 2. BPMN Error Integration
// ==========================

// BPMNError represents an error that can be thrown to the Camunda workflow engine.
type BPMNError struct {
	Code           string                 `json:"code"`
	Message        string                 `json:"message"`
	Details        string                 `json:"details,omitempty"`
	Retryable      bool                   `json:"retryable"`
	Retries        int                    `json:"retries"`
	ErrorVariables map[string]interface{} `json:"errorVariables,omitempty"`
}

func (e *BPMNError) Error() string {
	return fmt.Sprintf("BPMNError[%s]: %s", e.Code, e.Message)
}

// ToErrorVariables returns a map suitable for setting Camunda job fail variables.
func (e *BPMNError) ToErrorVariables() map[string]interface{} {
	vars := map[string]interface{}{
		"errorCode":    e.Code,
		"errorMessage": e.Message,
		"errorDetails": e.Details,
		"retryable":    e.Retryable,
	}
	for k, v := range e.ErrorVariables {
		vars[k] = v
	}
	return vars
}

// ==========================
// 3. Error Constructors
// ==========================

func NewEventInvalidError(details string) *StandardError {
	return newError(ErrCodeEventInvalid, "Event payload is invalid", details, false, nil)
}

// NewTriggerDefinitionInvalidError wraps the validation failure that rejected a trigger write.
func NewTriggerDefinitionInvalidError(triggerID string, err error) *StandardError {
	return newError(ErrCodeTriggerDefinitionInvalid, "Trigger definition rejected",
		fmt.Sprintf("triggerId: %s, error: %v", triggerID, err), false, err)
}

func NewTriggerNotFoundError(triggerID string) *StandardError {
	return newError(ErrCodeTriggerNotFound, "Trigger definition not found",
		fmt.Sprintf("triggerId: %s", triggerID), false, nil)
}

func NewConditionInvalidError(details string) *StandardError {
	return newError(ErrCodeConditionInvalid, "Condition expression is malformed", details, false, nil)
}

func NewRecipientRuleInvalidError(details string) *StandardError {
	return newError(ErrCodeRecipientRuleInvalid, "Recipient rule is malformed", details, false, nil)
}

func NewTemplateInvalidError(details string) *StandardError {
	return newError(ErrCodeTemplateInvalid, "Template failed validation", details, false, nil)
}

// NewTemplateNotFoundError creates a non-retryable template error.
func NewTemplateNotFoundError(templateID string) *StandardError {
	return newError(ErrCodeTemplateNotFound, "Template not found in registry",
		fmt.Sprintf("templateId: %s", templateID), false, nil)
}

// NewRegistryUnavailableError is fatal to the event being dispatched; the event source retries.
func NewRegistryUnavailableError(err error) *StandardError {
	return newError(ErrCodeRegistryUnavailable, "Trigger registry unavailable", err.Error(), true, err)
}

func NewRecipientResolutionFailedError(ruleType string, err error) *StandardError {
	return newError(ErrCodeRecipientResolutionFailed, "Recipient resolution failed",
		fmt.Sprintf("rule: %s, error: %v", ruleType, err), true, err)
}

func NewNotificationStoreFailedError(err error) *StandardError {
	return newError(ErrCodeNotificationStoreFailed, "Notification store operation failed", err.Error(), true, err)
}

func NewNotificationNotFoundError(notificationID string) *StandardError {
	return newError(ErrCodeNotificationNotFound, "Notification not found",
		fmt.Sprintf("notificationId: %s", notificationID), false, nil)
}

// NewNotificationSendFailedError creates a retryable notification send error.
func NewNotificationSendFailedError(channel string, err error) *StandardError {
	return newError(ErrCodeNotificationSendFailed, "Notification delivery failed",
		fmt.Sprintf("channel: %s, error: %v", channel, err), true, err)
}

// NewConsentDeniedError is what callers raise when a gated action must not proceed.
func NewConsentDeniedError(category, reason string) *StandardError {
	return newError(ErrCodeConsentDenied, "Consent denied", reason, false, nil).
		WithMetadata("category", category)
}

func NewConsentCategoryUnknownError(category string) *StandardError {
	return newError(ErrCodeConsentCategoryUnknown, "Unknown consent category",
		fmt.Sprintf("category: %s", category), false, nil)
}

func NewConsentWriteFailedError(err error) *StandardError {
	return newError(ErrCodeConsentWriteFailed, "Consent record write failed", err.Error(), true, err)
}

func NewAuditWriteFailedError(err error) *StandardError {
	return newError(ErrCodeAuditWriteFailed, "Audit entry write failed", err.Error(), true, err)
}

// NewDatabaseConnectionFailedError creates a retryable database connection error.
func NewDatabaseConnectionFailedError(err error) *StandardError {
	return newError(ErrCodeDatabaseConnectionFailed, "Database connection error", err.Error(), true, err)
}

func NewInternalError(err error) *StandardError {
	return newError(ErrCodeInternal, "Unexpected error", err.Error(), false, err)
}

// ==========================
// 4. Error Conversion to BPMN
// ==========================

// GetRetryCount returns the recommended job retry count for a code.
func GetRetryCount(code ErrorCode) int {
	switch code {
	case ErrCodeRegistryUnavailable,
		ErrCodeDatabaseConnectionFailed,
		ErrCodeNotificationStoreFailed,
		ErrCodeNotificationSendFailed,
		ErrCodeAuditWriteFailed,
		ErrCodeConsentWriteFailed:
		return 3

	case ErrCodeRecipientResolutionFailed:
		return 2

	default:
		return 0
	}
}

// ConvertToBPMNError converts a StandardError to a BPMNError for Camunda.
func ConvertToBPMNError(stdErr *StandardError) *BPMNError {
	retries := GetRetryCount(stdErr.Code)
	if !stdErr.Retryable {
		retries = 0
	}

	vars := map[string]interface{}{
		"originalErrorCode": string(stdErr.Code),
		"timestamp":         stdErr.Timestamp.Format(time.RFC3339),
	}
	for k, v := range stdErr.Metadata {
		vars[k] = v
	}

	return &BPMNError{
		Code:           string(stdErr.Code),
		Message:        stdErr.Message,
		Details:        stdErr.Details,
		Retryable:      stdErr.Retryable,
		Retries:        retries,
		ErrorVariables: vars,
	}
}

// ==========================
// 5. Utility Functions
// ==========================

// AsStandardError finds a StandardError anywhere in err's chain.
func AsStandardError(err error) (*StandardError, bool) {
	var stdErr *StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr, true
	}
	return nil, false
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	stdErr, ok := AsStandardError(err)
	return ok && stdErr.Code == code
}

// IsRetryable reports whether err is a retryable StandardError.
func IsRetryable(err error) bool {
	stdErr, ok := AsStandardError(err)
	return ok && stdErr.Retryable
}

// IsRetryableErrorCode checks if an error code is retryable.
func IsRetryableErrorCode(code ErrorCode) bool {
	return GetRetryCount(code) > 0
}

// GetErrorCategory returns the category of the error code.
func GetErrorCategory(code ErrorCode) string {
	codeStr := string(code)
	switch {
	case strings.HasPrefix(codeStr, "CONSENT"):
		return "CONSENT"
	case strings.Contains(codeStr, "TEMPLATE"):
		return "TEMPLATE"
	case strings.Contains(codeStr, "TRIGGER") || strings.Contains(codeStr, "REGISTRY") || strings.Contains(codeStr, "CONDITION"):
		return "REGISTRY"
	case strings.Contains(codeStr, "RECIPIENT"):
		return "RECIPIENT"
	case strings.Contains(codeStr, "NOTIFICATION"):
		return "NOTIFICATION"
	case strings.Contains(codeStr, "AUDIT"):
		return "AUDIT"
	case strings.Contains(codeStr, "DATABASE"):
		return "DATABASE"
	case strings.Contains(codeStr, "INVALID"):
		return "VALIDATION"
	default:
		return "OTHER"
	}
}

package models

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of failure categories.
type ErrorKind string

const (
	KindValidation          ErrorKind = "ValidationFailure"
	KindPermissionDenied    ErrorKind = "PermissionDenied"
	KindBelowThreshold      ErrorKind = "ConfidenceBelowThreshold"
	KindProviderUnavailable ErrorKind = "ProviderUnavailable"
	KindConflict            ErrorKind = "ConflictDetected"
	KindNotFound            ErrorKind = "NotFound"
	KindCancelled           ErrorKind = "Cancelled"
	KindInternal            ErrorKind = "Internal"
	KindBackpressure        ErrorKind = "Backpressure"
)

// Stable error codes surfaced in invocations, emails and API responses.
const (
	CodeAgentNotFound        = "AGENT_NOT_FOUND"
	CodeToolNotPermitted     = "TOOL_NOT_PERMITTED"
	CodeToolArgInvalid       = "TOOL_ARG_INVALID"
	CodeLLMUnavailable       = "LLM_UNAVAILABLE"
	CodeToolFailed           = "TOOL_FAILED"
	CodeClassifierUncertain  = "CLASSIFIER_UNCERTAIN"
	CodeParserUnavailable    = "PARSER_UNAVAILABLE"
	CodeUnsafeToCreate       = "PROFILE_NOT_FOUND_AND_UNSAFE_TO_CREATE"
	CodeBackpressure         = "BACKPRESSURE"
	CodeConfirmationRequired = "CONFIRMATION_REQUIRED"
	CodeInvalidTransition    = "INVALID_TRANSITION"
	CodeGuardrailBlocked     = "GUARDRAIL_BLOCKED"
)

// Error is a categorized domain error.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Code    string    `json:"code,omitempty"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a categorized error.
func NewError(kind ErrorKind, code, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError categorizes an underlying error.
func WrapError(kind ErrorKind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: err.Error(), Err: err}
}

// KindOf returns the kind of the first categorized error in the chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the code of the first categorized error in the chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

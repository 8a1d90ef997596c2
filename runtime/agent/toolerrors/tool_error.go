// Package toolerrors defines the classified failure type that crosses the
// boundary between the side-effect executor and the orchestrator. Only the
// classification (code, kind, message) survives that boundary; transport
// details stay behind in the executor.
package toolerrors

import (
	"context"
	"errors"
	"fmt"
)

type (
	// Code identifies the failure reported to the planner or to the caller of
	// Submit.
	Code string

	// Kind drives retry decisions in the side-effect executor.
	Kind string

	// ToolError is a classified failure. It implements error and keeps an
	// optional cause chain so errors.Is/As keep working after serialization.
	ToolError struct {
		// Code is the taxonomy code.
		Code Code `json:"code"`
		// Kind is the retry classification.
		Kind Kind `json:"kind"`
		// Message is the human-readable summary.
		Message string `json:"message"`
		// Cause is the underlying failure, if any.
		Cause *ToolError `json:"cause,omitempty"`
	}
)

const (
	CodeSessionClosed      Code = "SessionClosed"
	CodeToolNotFound       Code = "ToolNotFound"
	CodeInvalidArguments   Code = "InvalidArguments"
	CodeRemoteUnavailable  Code = "RemoteUnavailable"
	CodePlanningFailed     Code = "PlanningFailed"
	CodeTurnBudgetExceeded Code = "TurnBudgetExceeded"
	// CodeToolFailed is an explicit non-retryable failure returned by a tool.
	CodeToolFailed Code = "ToolFailed"
	// CodeCanceled reports a turn aborted by a session-level cancel.
	CodeCanceled Code = "Canceled"
	// CodeInternal reports corrupted or unrecoverable session state.
	CodeInternal Code = "Internal"
)

const (
	// KindTransient failures are retried with backoff up to a ceiling.
	KindTransient Kind = "transient"
	// KindPermanent failures are recorded and fed back into the conversation.
	KindPermanent Kind = "permanent"
	// KindFatal failures abort the turn and are never retried.
	KindFatal Kind = "fatal"
)

// New returns a ToolError with the given classification.
func New(code Code, kind Kind, message string) *ToolError {
	if message == "" {
		message = string(code)
	}
	return &ToolError{Code: code, Kind: kind, Message: message}
}

// Errorf is New with a formatted message.
func Errorf(code Code, kind Kind, format string, args ...any) *ToolError {
	return New(code, kind, fmt.Sprintf(format, args...))
}

// Wrap classifies cause under code and kind, keeping cause as the chain.
func Wrap(code Code, kind Kind, message string, cause error) *ToolError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	te := New(code, kind, message)
	te.Cause = FromError(cause)
	return te
}

// Permanent is a shorthand for an explicit non-retryable tool failure.
func Permanent(format string, args ...any) *ToolError {
	return Errorf(CodeToolFailed, KindPermanent, format, args...)
}

// Transient is a shorthand for a retryable unavailability failure.
func Transient(format string, args ...any) *ToolError {
	return Errorf(CodeRemoteUnavailable, KindTransient, format, args...)
}

// FromError converts err into a ToolError chain. Existing ToolErrors found in
// the chain are returned as is; other errors become unclassified links.
func FromError(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return &ToolError{
		Message: err.Error(),
		Cause:   FromError(errors.Unwrap(err)),
	}
}

// Classify returns the classified form of err. Errors that carry no
// classification are treated as transient so the executor retries them; a
// deadline is transient and a canceled context is fatal to the current step.
func Classify(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) && te.Kind != "" {
		return te
	}
	switch {
	case errors.Is(err, context.Canceled):
		return Wrap(CodeCanceled, KindFatal, "", err)
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(CodeRemoteUnavailable, KindTransient, "timed out", err)
	}
	return Wrap(CodeRemoteUnavailable, KindTransient, "", err)
}

// CodeOf returns the code of the first classified ToolError in err's chain,
// or the empty code.
func CodeOf(err error) Code {
	var te *ToolError
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause chain to errors.Is/As.
func (e *ToolError) Unwrap() error {
	if e == nil || e.Cause == nil {
		return nil
	}
	return e.Cause
}

// Is matches ToolErrors by code so callers can test against sentinel values
// such as &ToolError{Code: CodeToolNotFound}.
func (e *ToolError) Is(target error) bool {
	t, ok := target.(*ToolError)
	if !ok || e == nil || t == nil {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

// Retryable reports whether the executor should retry after e.
func (e *ToolError) Retryable() bool {
	return e != nil && e.Kind == KindTransient
}

// Package httperr defines the orchestrator's error taxonomy and its mapping
// onto HTTP status codes and stable machine-readable error codes.
//
// Every error that crosses the gateway boundary is classified into a Kind.
// Handlers render the code and message; internal detail never leaks for
// KindInternal errors.
package httperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and status mapping.
type Kind int

const (
	// KindInternal is the zero value: an unexpected defect. Rendered as a
	// generic internal error without detail.
	KindInternal Kind = iota

	// KindValidation is bad caller input: malformed request, bad tool
	// arguments. Never retried.
	KindValidation

	// KindNotFound is an absent conversation or resource.
	KindNotFound

	// KindConflict is a persistence-layer state inconsistency, e.g. a
	// conversation created twice.
	KindConflict

	// KindToolExecution is a tool collaborator failure. It is surfaced to
	// the operator but also folded back into the conversation as a failed
	// tool result, so the turn continues.
	KindToolExecution

	// KindLLM is a language-model provider failure after retries.
	KindLLM

	// KindExternal is any other external collaborator being unavailable.
	KindExternal
)

// Stable machine-readable codes, part of the API contract.
const (
	CodeValidation    = "validation_error"
	CodeNotFound      = "not_found"
	CodeConflict      = "conversation_exists"
	CodeToolExecution = "tool_execution_error"
	CodeLLM           = "llm_unavailable"
	CodeExternal      = "external_service_error"
	CodeInternal      = "internal_error"
)

// E is a classified error.
type E struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *E) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *E) Unwrap() error { return e.Err }

// New creates a classified error with a caller-facing message.
func New(kind Kind, message string) *E {
	return &E{Kind: kind, Message: message}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, message string, err error) *E {
	return &E{Kind: kind, Message: message, Err: err}
}

// Validationf builds a KindValidation error.
func Validationf(format string, args ...any) *E {
	return &E{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFoundf builds a KindNotFound error.
func NotFoundf(format string, args ...any) *E {
	return &E{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from an error chain. Unclassified errors are
// KindInternal.
func KindOf(err error) Kind {
	var e *E
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Code returns the stable machine code for an error chain.
func Code(err error) string {
	switch KindOf(err) {
	case KindValidation:
		return CodeValidation
	case KindNotFound:
		return CodeNotFound
	case KindConflict:
		return CodeConflict
	case KindToolExecution:
		return CodeToolExecution
	case KindLLM:
		return CodeLLM
	case KindExternal:
		return CodeExternal
	default:
		return CodeInternal
	}
}

// Status maps an error chain to an HTTP status code.
func Status(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindToolExecution:
		return http.StatusInternalServerError
	case KindLLM:
		return http.StatusBadGateway
	case KindExternal:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the message safe to show a caller. Internal errors
// are replaced with a generic message.
func PublicMessage(err error) string {
	var e *E
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Message
	}
	return "internal server error"
}

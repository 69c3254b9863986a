package worksheetgen

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/genai"
)

// GenerationErrorKind classifies pipeline failures so callers can branch on
// the condition instead of on message text
type GenerationErrorKind string

const (
	KindParseFailure        GenerationErrorKind = "parse_failure"
	KindTruncatedOutput     GenerationErrorKind = "truncated_output"
	KindBackend             GenerationErrorKind = "backend"
	KindRegenerationFailure GenerationErrorKind = "regeneration_failure"
	KindRenderFailure       GenerationErrorKind = "render_failure"
	KindInvalidRequest      GenerationErrorKind = "invalid_request"
)

// GenerationError is an error tagged with a kind
type GenerationError struct {
	Kind   GenerationErrorKind
	Detail string
	Err    error
}

func (e *GenerationError) Error() string {
	msg := string(e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// Is matches any GenerationError of the same kind, so the sentinels below work
// with errors.Is
func (e *GenerationError) Is(target error) bool {
	t, ok := target.(*GenerationError)
	return ok && t.Kind == e.Kind && t.Detail == "" && t.Err == nil
}

// Sentinels for errors.Is
var (
	ErrParseFailure        = &GenerationError{Kind: KindParseFailure}
	ErrTruncatedOutput     = &GenerationError{Kind: KindTruncatedOutput}
	ErrBackend             = &GenerationError{Kind: KindBackend}
	ErrRegenerationFailure = &GenerationError{Kind: KindRegenerationFailure}
	ErrRenderFailure       = &GenerationError{Kind: KindRenderFailure}
	ErrInvalidRequest      = &GenerationError{Kind: KindInvalidRequest}
)

func newGenerationError(kind GenerationErrorKind, detail string, err error) *GenerationError {
	return &GenerationError{Kind: kind, Detail: detail, Err: err}
}

// ErrorCategory is the caller-facing bucket an error falls into
type ErrorCategory string

const (
	CategoryUnavailable      ErrorCategory = "service_unavailable"
	CategoryBusy             ErrorCategory = "busy"
	CategoryMalformedContent ErrorCategory = "malformed_content"
	CategoryRenderFailed     ErrorCategory = "rendering_failed"
	CategoryInvalidRequest   ErrorCategory = "invalid_request"
)

// UserError is the only error shape that reaches the caller
type UserError struct {
	Category   ErrorCategory `json:"category"`
	Message    string        `json:"message"`
	HTTPStatus int           `json:"-"`
}

func (e *UserError) Error() string {
	return e.Message
}

const diagnosticExcerptRunes = 200

// CategorizeError maps an internal error to a caller-facing message.
// Internal error text is never passed through, except a bounded excerpt of
// renderer diagnostics.
func CategorizeError(err error) *UserError {
	var ue *UserError
	if errors.As(err, &ue) {
		return ue
	}

	var ge *GenerationError
	if errors.As(err, &ge) {
		switch ge.Kind {
		case KindInvalidRequest:
			return &UserError{
				Category:   CategoryInvalidRequest,
				Message:    "Invalid worksheet request: " + TruncateByRunes(ge.Detail, diagnosticExcerptRunes),
				HTTPStatus: http.StatusBadRequest,
			}
		case KindBackend:
			if isBusy(ge.Err) {
				return busyError()
			}
			return unavailableError()
		case KindRegenerationFailure:
			if errors.Is(ge.Err, ErrBackend) {
				if isBusy(ge.Err) {
					return busyError()
				}
				return unavailableError()
			}
			return malformedError()
		case KindParseFailure, KindTruncatedOutput:
			return malformedError()
		case KindRenderFailure:
			msg := "Failed to render the worksheet."
			if ge.Detail != "" {
				msg += " Details: " + TruncateByRunes(ge.Detail, diagnosticExcerptRunes)
			}
			return &UserError{
				Category:   CategoryRenderFailed,
				Message:    msg,
				HTTPStatus: http.StatusInternalServerError,
			}
		}
	}

	if isBusy(err) {
		return busyError()
	}
	return unavailableError()
}

func busyError() *UserError {
	return &UserError{
		Category:   CategoryBusy,
		Message:    "The content service is busy right now. Please wait a moment and try again.",
		HTTPStatus: http.StatusTooManyRequests,
	}
}

func malformedError() *UserError {
	return &UserError{
		Category:   CategoryMalformedContent,
		Message:    "The generated worksheet came back malformed. Please try again.",
		HTTPStatus: http.StatusBadGateway,
	}
}

func unavailableError() *UserError {
	return &UserError{
		Category:   CategoryUnavailable,
		Message:    "The content service is temporarily unavailable. Please try again in a few minutes.",
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	if status := httpStatusOf(err); status == http.StatusTooManyRequests {
		return true
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"):
		return true
	case strings.Contains(msg, "overloaded"):
		return true
	case strings.Contains(msg, "resource_exhausted"):
		return true
	default:
		return false
	}
}

// httpStatusOf digs the provider HTTP status out of backend errors
func httpStatusOf(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	var gErr genai.APIError
	if errors.As(err, &gErr) {
		return gErr.Code
	}
	return 0
}

func wrapBackendError(purpose string, err error) error {
	return newGenerationError(KindBackend, purpose, fmt.Errorf("backend call failed: %w", err))
}

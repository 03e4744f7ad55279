package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
)

type Kind int

const (
	KindNetwork Kind = iota
	KindTimeout
	KindParse
	KindConfig
	KindNotFound
	KindValidation
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "Network"
	case KindTimeout:
		return "Timeout"
	case KindParse:
		return "Parse"
	case KindConfig:
		return "Config"
	case KindNotFound:
		return "NotFound"
	case KindValidation:
		return "Validation"
	default:
		return "Unknown"
	}
}

// Error is a classified failure with optional context fields.
type Error struct {
	Kind    Kind
	Message string
	Context map[string]any
	Cause   error
}

func New(kind Kind, message string) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Context: make(map[string]any),
	}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Context: make(map[string]any),
		Cause:   cause,
	}
}

func (e *Error) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s] %s", e.Kind, e.Message))

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ctxParts := make([]string, 0, len(keys))
		for _, k := range keys {
			ctxParts = append(ctxParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, fmt.Sprintf("context: %s", strings.Join(ctxParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}

	return strings.Join(parts, " | ")
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) With(key string, value any) *Error {
	e.Context[key] = value
	return e
}

// Classify reports the kind of err. Timeouts are recognised through
// context deadlines and net.Error so callers can log them apart from other
// network failures.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var typed *Error
	if errors.As(err, &typed) {
		if typed.Kind == KindNetwork && typed.Cause != nil && isTimeout(typed.Cause) {
			return KindTimeout
		}
		return typed.Kind
	}
	if isTimeout(err) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && Classify(err) == kind
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

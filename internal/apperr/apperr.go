// Package apperr holds the error kinds shared by every gateway component.
// Callers wrap a kind with fmt.Errorf("%w: ...") and test it with errors.Is.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection covers an unconfigured, unreachable or unauthenticated upstream.
	ErrConnection = errors.New("connection error")
	// ErrValidation covers bad input, e.g. a bundle outside 1..5 transactions.
	ErrValidation = errors.New("validation error")
	// ErrRelay is returned when every relay endpoint failed.
	ErrRelay = errors.New("relay error")
	// ErrNotFound covers unknown trade ids and missing accounts.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState covers operations not allowed in a trade's current status.
	ErrInvalidState = errors.New("invalid state")
	// ErrUpstreamQuote is a quoting service failure.
	ErrUpstreamQuote = errors.New("quote failed")
	// ErrUpstreamBuild is a swap transaction construction failure.
	ErrUpstreamBuild = errors.New("swap build failed")
)

var kinds = []struct {
	err  error
	code string
}{
	{ErrValidation, "validation"},
	{ErrNotFound, "not_found"},
	{ErrInvalidState, "invalid_state"},
	{ErrConnection, "connection"},
	{ErrRelay, "relay"},
	{ErrUpstreamQuote, "upstream_quote"},
	{ErrUpstreamBuild, "upstream_build"},
}

// Code returns a short machine-readable name for the kind wrapped by err,
// or "internal" when err carries none of the known kinds.
func Code(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.code
		}
	}
	return "internal"
}

func Connection(format string, args ...any) error {
	return wrap(ErrConnection, format, args...)
}

func Validation(format string, args ...any) error {
	return wrap(ErrValidation, format, args...)
}

func NotFound(format string, args ...any) error {
	return wrap(ErrNotFound, format, args...)
}

func InvalidState(format string, args ...any) error {
	return wrap(ErrInvalidState, format, args...)
}

func wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

package transfer

import (
	"context"
	"errors"
	"fmt"
)

// NetworkError represents connection failures, partial reads and non-success HTTP
// responses while talking to the upstream server or one of its mirrors.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "fetch_catalog", "download")
	URL        string // Remote location involved
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s of %s (HTTP %d)", e.Operation, e.URL, e.StatusCode)
	}

	if e.Err != nil {
		return fmt.Sprintf("network error during %s of %s: %v", e.Operation, e.URL, e.Err)
	}

	return fmt.Sprintf("network error during %s of %s", e.Operation, e.URL)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// IntegrityError reports that downloaded bytes did not match the checksum or size the
// descriptor declared.
type IntegrityError struct {
	Kind     string // "checksum" or "size"
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s mismatch: expected %s, got %s", e.Kind, e.Expected, e.Actual)
}

// ParseError represents a malformed catalog, descriptor or listing document.
type ParseError struct {
	Document string // "catalog", "descriptor" or "listing"
	Source   string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse %s from %s: %v", e.Document, e.Source, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ConfigurationError marks failures no retry can fix, such as an unwritable destination.
type ConfigurationError struct {
	Path   string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error for '%s': %s", e.Path, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether an attempt that failed with err may succeed when repeated.
// Network, integrity and unclassified I/O failures are retryable; configuration errors and
// cancellation are not.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var cfgErr *ConfigurationError

	return !errors.As(err, &cfgErr)
}

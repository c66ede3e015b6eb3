package model

import (
	"errors"
	"fmt"
)

var (
	ErrNormalization    = errors.New("normalization failed")
	ErrProbeTimeout     = errors.New("probe timeout")
	ErrProbeIO          = errors.New("probe i/o error")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrConfiguration    = errors.New("configuration error")
	ErrConflict         = errors.New("resource already exists")
	ErrNotFound         = errors.New("resource not found")
)

// NormalizationError is returned when a raw result can't be coerced into the
// shape a scanner kind expects. It is recoverable: the result is skipped.
type NormalizationError struct {
	Kind Kind
	Raw  RawResult
	Err  error
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalize %s result %q: %v", e.Kind, fmt.Sprint(e.Raw), e.Err)
}

func (e *NormalizationError) Unwrap() []error {
	return []error{ErrNormalization, e.Err}
}

// ProbeError is the terminal error of a target after all attempts failed.
type ProbeError struct {
	Target   string
	Attempts int
	Err      error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe %s failed after %d attempt(s): %v", e.Target, e.Attempts, e.Err)
}

func (e *ProbeError) Unwrap() error {
	return e.Err
}

// StoreError reports a failed resource resolution.
type StoreError struct {
	Key ResourceKey
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Key, e.Err)
}

func (e *StoreError) Unwrap() []error {
	if errors.Is(e.Err, ErrStoreUnavailable) {
		return []error{e.Err}
	}
	return []error{ErrStoreUnavailable, e.Err}
}

// ConfigurationError is fatal at setup: the scan never starts.
type ConfigurationError struct {
	Field   string
	Message string
}

func NewConfigurationError(field, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration: " + e.Message
	}
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Message)
}

func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

// ErrorKind classifies err into a short label used in logs, metrics and reports.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNormalization):
		return "normalization"
	case errors.Is(err, ErrProbeTimeout):
		return "probe_timeout"
	case errors.Is(err, ErrProbeIO):
		return "probe_io"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	default:
		return "unknown"
	}
}

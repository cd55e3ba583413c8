package client

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	MinNumber = 0
	MaxNumber = 100000
)

// ErrUnauthorized means the session token was rejected. It is never retried.
var ErrUnauthorized = errors.New("unauthorized")

// ValidationError carries the backend's per-field messages for rejected input.
type ValidationError struct {
	Fields map[string][]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}

	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, strings.Join(e.Fields[k], ", ")))
	}
	return "validation failed: " + strings.Join(parts, " | ")
}

// NetworkError is a transient failure: transport errors and unexpected
// statuses. Callers log it and let the next poll try again.
type NetworkError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ValidateNumber applies the same range check the backend enforces.
func ValidateNumber(n int) error {
	if n < MinNumber || n > MaxNumber {
		return &ValidationError{Fields: map[string][]string{
			"number": {fmt.Sprintf("must be between %d and %d", MinNumber, MaxNumber)},
		}}
	}
	return nil
}

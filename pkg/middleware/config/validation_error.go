package config

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError collects every problem found in a configuration.
type ValidationError struct {
	Errors []error
}

// NewValidationError creates an empty ValidationError.
func NewValidationError() *ValidationError {
	return &ValidationError{Errors: make([]error, 0)}
}

// Add records err. Nested ValidationErrors are flattened and nil is ignored.
func (v *ValidationError) Add(err error) {
	if err == nil {
		return
	}
	var nested *ValidationError
	if errors.As(err, &nested) && nested != v && len(nested.Errors) > 1 {
		v.Errors = append(v.Errors, nested.Errors...)
		return
	}
	v.Errors = append(v.Errors, err)
}

// HasErrors reports whether anything was recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

func (v *ValidationError) Error() string {
	switch len(v.Errors) {
	case 0:
		return ""
	case 1:
		return v.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("found %d validation errors:\n", len(v.Errors)))
	for i, err := range v.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %v\n", i+1, err))
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

// Is matches against any recorded error.
func (v *ValidationError) Is(target error) bool {
	for _, err := range v.Errors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Unwrap returns the error when exactly one was recorded.
func (v *ValidationError) Unwrap() error {
	if len(v.Errors) == 1 {
		return v.Errors[0]
	}
	return nil
}

// ErrorOrNil returns v when it holds errors, otherwise nil.
func (v *ValidationError) ErrorOrNil() error {
	if v.HasErrors() {
		return v
	}
	return nil
}

package config

import (
	"errors"
	"fmt"
)

// Configuration sentinel errors.
var (
	// ErrConfigNotFound indicates a referenced configuration file does
	// not exist.
	ErrConfigNotFound = errors.New("configuration file not found")

	// ErrInvalidYAML indicates a configuration file failed to parse.
	ErrInvalidYAML = errors.New("invalid YAML")

	// ErrValidation indicates a structurally valid configuration with
	// unacceptable values.
	ErrValidation = errors.New("configuration validation failed")
)

// LoadError wraps a failure to load one configuration file.
type LoadError struct {
	File string
	Err  error
}

// NewLoadError creates a LoadError for the given file.
func NewLoadError(file string, err error) *LoadError {
	return &LoadError{File: file, Err: err}
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading %s: %v", e.File, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// NewValidationError wraps a field-level validation failure.
func NewValidationError(field, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrValidation, field, reason)
}

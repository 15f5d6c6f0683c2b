package domain

import (
	"errors"
	"fmt"
	"reflect"
	"unicode"
)

// ValidationError reports a missing or malformed required field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// NotFoundError reports an unknown entity, usually an agent name.
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

// ConflictError reports a registry name colliding case-insensitively with an
// existing entry.
type ConflictError struct {
	Name     string
	Existing string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("agent name %q conflicts with existing agent %q", e.Name, e.Existing)
}

// ConfigurationError reports a malformed agent definition or missing handler.
type ConfigurationError struct {
	Message string
	Err     error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return "configuration: " + e.Message + ": " + e.Err.Error()
	}
	return "configuration: " + e.Message
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// BackendUnavailableError reports an unreachable store, queue, webhook or
// remote compute provider.
type BackendUnavailableError struct {
	Backend string
	Err     error
}

func (e *BackendUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s unavailable: %v", e.Backend, e.Err)
	}
	return e.Backend + " unavailable"
}

func (e *BackendUnavailableError) Unwrap() error { return e.Err }

// Unavailable wraps err as a BackendUnavailableError for backend.
func Unavailable(backend string, err error) error {
	return &BackendUnavailableError{Backend: backend, Err: err}
}

// ErrorKind names the kind of err for structured failure payloads.
// Typed domain errors report their type name, errors exposing Kind() report
// that, and other exported error types report their Go type name.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	var (
		ve *ValidationError
		nf *NotFoundError
		ce *ConflictError
		cf *ConfigurationError
		bu *BackendUnavailableError
	)
	switch {
	case errors.As(err, &ve):
		return "ValidationError"
	case errors.As(err, &nf):
		return "NotFoundError"
	case errors.As(err, &ce):
		return "ConflictError"
	case errors.As(err, &cf):
		return "ConfigurationError"
	case errors.As(err, &bu):
		return "BackendUnavailableError"
	}
	var k interface{ Kind() string }
	if errors.As(err, &k) {
		return k.Kind()
	}
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	name := t.Name()
	if name == "" || !unicode.IsUpper(rune(name[0])) {
		return "Error"
	}
	return name
}

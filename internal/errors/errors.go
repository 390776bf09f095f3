package errors

import (
	"fmt"
	"strings"
)

// Config errors

type ErrConfigNotFound struct {
	Path string
}

func (e *ErrConfigNotFound) Error() string {
	return fmt.Sprintf("config file not found: %s", e.Path)
}

type ErrConfigParse struct {
	Err error
}

func (e *ErrConfigParse) Error() string {
	return fmt.Sprintf("failed to parse YAML: %v", e.Err)
}

func (e *ErrConfigParse) Unwrap() error {
	return e.Err
}

type ErrConfigValidation struct {
	Err error
}

func (e *ErrConfigValidation) Error() string {
	return fmt.Sprintf("config validation failed: %v", e.Err)
}

func (e *ErrConfigValidation) Unwrap() error {
	return e.Err
}

// Database errors

type ErrDatabaseOpen struct {
	Path string
	Err  error
}

func (e *ErrDatabaseOpen) Error() string {
	return fmt.Sprintf("failed to open database %s: %v", e.Path, e.Err)
}

func (e *ErrDatabaseOpen) Unwrap() error {
	return e.Err
}

type ErrDatabaseQuery struct {
	Operation string
	Err       error
}

func (e *ErrDatabaseQuery) Error() string {
	return fmt.Sprintf("database query failed for operation %s: %v", e.Operation, e.Err)
}

func (e *ErrDatabaseQuery) Unwrap() error {
	return e.Err
}

// Issuer errors

// ErrMissingCredentials is returned when the request carries no credential document.
type ErrMissingCredentials struct {
	Field string
}

func (e *ErrMissingCredentials) Error() string {
	return fmt.Sprintf("%s is required", e.Field)
}

// ErrInvalidServiceAccount reports a credential document that is structurally invalid.
type ErrInvalidServiceAccount struct {
	Reason string
	Err    error
}

func (e *ErrInvalidServiceAccount) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	if e.Reason == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *ErrInvalidServiceAccount) Unwrap() error {
	return e.Err
}

// NewMissingFieldsError builds the validation error for absent document fields.
func NewMissingFieldsError(fields []string) *ErrInvalidServiceAccount {
	return &ErrInvalidServiceAccount{
		Reason: fmt.Sprintf("service account info was not in the expected format, missing fields %s", strings.Join(fields, ", ")),
	}
}

// ErrTokenRefresh wraps a failure while minting a token against the provider.
type ErrTokenRefresh struct {
	ClientEmail string
	Err         error
}

func (e *ErrTokenRefresh) Error() string {
	return fmt.Sprintf("token refresh failed: %v", e.Err)
}

func (e *ErrTokenRefresh) Unwrap() error {
	return e.Err
}

// Server errors

type ErrServerStart struct {
	Addr string
	Err  error
}

func (e *ErrServerStart) Error() string {
	return fmt.Sprintf("failed to start server on %s: %v", e.Addr, e.Err)
}

func (e *ErrServerStart) Unwrap() error {
	return e.Err
}

type ErrServerShutdown struct {
	Err error
}

func (e *ErrServerShutdown) Error() string {
	return fmt.Sprintf("server shutdown failed: %v", e.Err)
}

func (e *ErrServerShutdown) Unwrap() error {
	return e.Err
}

// Filesystem errors

type ErrDirectoryCreate struct {
	Path string
	Err  error
}

func (e *ErrDirectoryCreate) Error() string {
	return fmt.Sprintf("failed to create directory %s: %v", e.Path, e.Err)
}

func (e *ErrDirectoryCreate) Unwrap() error {
	return e.Err
}

type ErrFileRead struct {
	Path string
	Err  error
}

func (e *ErrFileRead) Error() string {
	return fmt.Sprintf("failed to read file %s: %v", e.Path, e.Err)
}

func (e *ErrFileRead) Unwrap() error {
	return e.Err
}

// Package errors provides the error taxonomy shared by the session, catalog
// and sync client packages.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode represents the type of error that occurred
type ErrorCode string

const (
	ErrCodeValidationFailure  ErrorCode = "VALIDATION_FAILURE"
	ErrCodeInvalidCredentials ErrorCode = "INVALID_CREDENTIALS"
	ErrCodeDuplicateEmail     ErrorCode = "DUPLICATE_EMAIL"
	ErrCodeUploadFailure      ErrorCode = "UPLOAD_FAILURE"
	ErrCodeAlreadySold        ErrorCode = "ALREADY_SOLD"
	ErrCodeSelfPurchase       ErrorCode = "SELF_PURCHASE"
	ErrCodeNotOwner           ErrorCode = "NOT_OWNER"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeRemoteUnavailable  ErrorCode = "REMOTE_UNAVAILABLE"
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeStorageFailure     ErrorCode = "STORAGE_FAILURE"
	ErrCodeClosed             ErrorCode = "CLOSED"
)

// Sentinels, one per code. A *SyncError matches the sentinel of its code
// under errors.Is, whatever its wrapped cause is.
var (
	ErrValidation         = errors.New("validation failed")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrDuplicateEmail     = errors.New("email already registered")
	ErrUpload             = errors.New("image upload failed")
	ErrAlreadySold        = errors.New("listing already sold")
	ErrSelfPurchase       = errors.New("cannot purchase own listing")
	ErrNotOwner           = errors.New("requester does not own listing")
	ErrNotFound           = errors.New("not found")
	ErrRemoteUnavailable  = errors.New("remote store unavailable")
	ErrConflict           = errors.New("unique key conflict")
	ErrStorage            = errors.New("local storage failure")
	ErrClosed             = errors.New("closed")
)

var sentinels = map[ErrorCode]error{
	ErrCodeValidationFailure:  ErrValidation,
	ErrCodeInvalidCredentials: ErrInvalidCredentials,
	ErrCodeDuplicateEmail:     ErrDuplicateEmail,
	ErrCodeUploadFailure:      ErrUpload,
	ErrCodeAlreadySold:        ErrAlreadySold,
	ErrCodeSelfPurchase:       ErrSelfPurchase,
	ErrCodeNotOwner:           ErrNotOwner,
	ErrCodeNotFound:           ErrNotFound,
	ErrCodeRemoteUnavailable:  ErrRemoteUnavailable,
	ErrCodeConflict:           ErrConflict,
	ErrCodeStorageFailure:     ErrStorage,
	ErrCodeClosed:             ErrClosed,
}

// Operation represents the operation during which an error occurred
type Operation string

const (
	OpSignIn          Operation = "sign_in"
	OpSignUp          Operation = "sign_up"
	OpSignOut         Operation = "sign_out"
	OpCurrentIdentity Operation = "current_identity"
	OpLoad            Operation = "load"
	OpApplyChange     Operation = "apply_change"
	OpStart           Operation = "start"
	OpStop            Operation = "stop"
	OpResync          Operation = "resync"
	OpCreateListing   Operation = "create_listing"
	OpPurchase        Operation = "purchase"
	OpDeleteListing   Operation = "delete_listing"
	OpUpload          Operation = "upload"
	OpQuery           Operation = "query"
	OpInsert          Operation = "insert"
	OpUpdate          Operation = "update"
	OpDelete          Operation = "delete"
	OpSubscribe       Operation = "subscribe"
	OpLocalGet        Operation = "local_get"
	OpLocalSet        Operation = "local_set"
	OpLocalDelete     Operation = "local_delete"
	OpMigrate         Operation = "migrate"
	OpClose           Operation = "close"
)

// SyncError represents an error surfaced by the marketplace sync layer
type SyncError struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g., "session", "catalog")
	Component string

	// Underlying error
	Err error

	// Whether the caller may retry the operation
	Retryable bool

	// Error code for the error type
	Code ErrorCode

	// Offending input fields for validation failures
	Fields []string

	// Metadata for additional context
	Metadata map[string]interface{}
}

func (e *SyncError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}

	switch {
	case e.Err != nil:
		return msg + fmt.Sprintf(": %v", e.Err)
	case len(e.Fields) > 0:
		return msg + ": invalid " + strings.Join(e.Fields, ", ")
	case sentinels[e.Code] != nil:
		return msg + ": " + sentinels[e.Code].Error()
	}
	return msg
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e's code.
func (e *SyncError) Is(target error) bool {
	s, ok := sentinels[e.Code]
	return ok && s == target
}

// NewValidationError creates a validation SyncError naming the offending fields
func NewValidationError(op Operation, fields ...string) *SyncError {
	return &SyncError{
		Code:   ErrCodeValidationFailure,
		Op:     op,
		Fields: fields,
	}
}

// NewRemoteError creates a retryable SyncError for a failed remote round-trip
func NewRemoteError(op Operation, component string, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeRemoteUnavailable,
		Op:        op,
		Component: component,
		Err:       cause,
		Retryable: true,
	}
}

// NewStorageError creates a SyncError for on-device storage failures
func NewStorageError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeStorageFailure,
		Op:        op,
		Component: "local",
		Err:       cause,
		Retryable: true,
	}
}

// NewUploadError creates a SyncError for a failed image upload
func NewUploadError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeUploadFailure,
		Op:        op,
		Component: "blob",
		Err:       cause,
	}
}

// New creates a non-retryable SyncError with the given code
func New(op Operation, code ErrorCode, err error) *SyncError {
	return &SyncError{
		Op:   op,
		Code: code,
		Err:  err,
	}
}

// NewWithComponent creates a SyncError with code and component information
func NewWithComponent(op Operation, component string, code ErrorCode, err error) *SyncError {
	return &SyncError{
		Op:        op,
		Component: component,
		Code:      code,
		Err:       err,
	}
}

// IsRetryable checks if an error is a retryable SyncError
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}

// CodeOf returns the code of the outermost SyncError in err's chain, or ""
func CodeOf(err error) ErrorCode {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Code
	}
	return ""
}

// FieldsOf returns the offending fields of a validation failure
func FieldsOf(err error) []string {
	var syncErr *SyncError
	if errors.As(err, &syncErr) && syncErr.Code == ErrCodeValidationFailure {
		return syncErr.Fields
	}
	return nil
}

// WithMetadata attaches a key/value pair and returns e for chaining.
func (e *SyncError) WithMetadata(key string, value interface{}) *SyncError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Error codes used on the wire.
const (
	ErrCodeVersionConflict  = "VERSION_CONFLICT"
	ErrCodeAlreadyLocked    = "ALREADY_LOCKED"
	ErrCodeNotHolder        = "NOT_HOLDER"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodeInvalidOrder     = "INVALID_ORDER"
	ErrCodeInvalidStatus    = "INVALID_STATUS"
	ErrCodeInvalidRequest   = "INVALID_REQUEST"
	ErrCodeBatchFailed      = "BATCH_FAILED"
	ErrCodeStoreUnavailable = "STORE_UNAVAILABLE"
)

// Sentinel errors
var (
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrVersionConflict   = errors.New("version conflict")
	ErrAlreadyLocked     = errors.New("resource is locked by another editor")
	ErrNotHolder         = errors.New("lock is not held by this editor")
	ErrValidationFailed  = errors.New("validation failed")
	ErrNotFound          = errors.New("item not found")
	ErrAlreadyExists     = errors.New("item already exists")
	ErrInvalidOrder      = errors.New("order is not a permutation of the collection")
	ErrInvalidStatus     = errors.New("invalid test status")
	ErrNotCreated        = errors.New("item has not been created yet")
	ErrUnsavedChanges    = errors.New("unsaved changes would be lost")
	ErrOperationInFlight = errors.New("operation already in flight")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrStaleView         = errors.New("lock is held but the collection could not be re-fetched")
	ErrEditsDiscarded    = errors.New("unsaved edits were discarded")
)

// LockedError reports who holds a resource another editor tried to lock.
type LockedError struct {
	Resource ResourceKey
	Status   LockStatus
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("%s is locked by %s", e.Resource, e.Status.Email)
}

// Is matches ErrAlreadyLocked.
func (e *LockedError) Is(target error) bool {
	return target == ErrAlreadyLocked
}

// Holder returns the identity holding the lock.
func (e *LockedError) Holder() string {
	return e.Status.Email
}

// BatchError reports the keys of a batch operation that failed. Keys that
// are not listed were applied.
type BatchError struct {
	Op     string
	Failed map[string]error
}

func (e *BatchError) Error() string {
	keys := e.Keys()
	return fmt.Sprintf("%s partially failed for %d item(s): %s", e.Op, len(keys), strings.Join(keys, ", "))
}

// Keys returns the failed keys in sorted order.
func (e *BatchError) Keys() []string {
	keys := make([]string, 0, len(e.Failed))
	for k := range e.Failed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Unwrap exposes each per-key failure to errors.Is.
func (e *BatchError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, k := range e.Keys() {
		errs = append(errs, e.Failed[k])
	}
	return errs
}

// OperationError names the user-facing operation that failed.
type OperationError struct {
	Op       string
	Resource ResourceKey
	Err      error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Resource, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// APIError represents an error from the console API.
type APIError struct {
	Code       string      `json:"code"`
	Message    string      `json:"message"`
	StatusCode int         `json:"status_code"`
	RequestID  string      `json:"request_id,omitempty"`
	Status     *LockStatus `json:"lock_status,omitempty"`
	Failed     []string    `json:"failed,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// Sentinel maps the wire code back to the sentinel error.
func (e *APIError) Sentinel() error {
	switch e.Code {
	case ErrCodeVersionConflict:
		return ErrVersionConflict
	case ErrCodeAlreadyLocked:
		return ErrAlreadyLocked
	case ErrCodeNotHolder:
		return ErrNotHolder
	case ErrCodeNotFound:
		return ErrNotFound
	case ErrCodeAlreadyExists:
		return ErrAlreadyExists
	case ErrCodeInvalidOrder:
		return ErrInvalidOrder
	case ErrCodeInvalidStatus:
		return ErrInvalidStatus
	case ErrCodeInvalidRequest:
		return ErrInvalidRequest
	case ErrCodeStoreUnavailable:
		return ErrStoreUnavailable
	}
	return nil
}

// Unwrap lets errors.Is match the sentinel behind the wire code.
func (e *APIError) Unwrap() error {
	return e.Sentinel()
}

// Code returns the wire code for err, or "" for unknown errors.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrVersionConflict):
		return ErrCodeVersionConflict
	case errors.Is(err, ErrAlreadyLocked):
		return ErrCodeAlreadyLocked
	case errors.Is(err, ErrNotHolder):
		return ErrCodeNotHolder
	case errors.Is(err, ErrAlreadyExists):
		return ErrCodeAlreadyExists
	case errors.Is(err, ErrInvalidOrder):
		return ErrCodeInvalidOrder
	case errors.Is(err, ErrInvalidStatus):
		return ErrCodeInvalidStatus
	case errors.Is(err, ErrInvalidRequest):
		return ErrCodeInvalidRequest
	case errors.Is(err, ErrStoreUnavailable):
		return ErrCodeStoreUnavailable
	case errors.Is(err, ErrNotFound):
		return ErrCodeNotFound
	}
	return ""
}

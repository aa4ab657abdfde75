package crawler

import (
	"errors"
	"fmt"
	"net/http"
)

// FailureClass splits fetch failures into retryable and terminal.
type FailureClass string

// Failure classes.
const (
	ClassTransient FailureClass = "transient"
	ClassPermanent FailureClass = "permanent"
)

var (
	// ErrTargetUnknown is returned when a key is not present in the registry.
	ErrTargetUnknown = errors.New("unknown target")
	// ErrStorageHalted is returned for writes to a target whose writer stopped.
	ErrStorageHalted = errors.New("storage halted for target")
	// ErrEmptyRegistry is returned when no targets are configured.
	ErrEmptyRegistry = errors.New("target registry is empty")
	// ErrSessionLost marks a fetch failure whose session can no longer be
	// used. The caller must open a new session before fetching again.
	ErrSessionLost = errors.New("fetch session lost")
)

// TransientFetchError is a retryable fetch failure (timeout, reset, partial render).
type TransientFetchError struct {
	Target string
	Cursor int
	Status int
	Reason string
	Err    error
}

func (e *TransientFetchError) Error() string {
	msg := fmt.Sprintf("transient fetch failure %s#%d: %s", e.Target, e.Cursor, e.Reason)
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// PermanentFetchError is a terminal fetch failure. Exhausted marks a transient
// failure that ran out of retries.
type PermanentFetchError struct {
	Target    string
	Cursor    int
	Status    int
	Reason    string
	Attempts  int
	Exhausted bool
	Err       error
}

func (e *PermanentFetchError) Error() string {
	kind := "permanent fetch failure"
	if e.Exhausted {
		kind = fmt.Sprintf("fetch retries exhausted after %d attempts", e.Attempts)
	}
	msg := fmt.Sprintf("%s %s#%d: %s", kind, e.Target, e.Cursor, e.Reason)
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PermanentFetchError) Unwrap() error { return e.Err }

// ParseError reports a structural mismatch between a page and its mapping.
type ParseError struct {
	Target string
	Cursor int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s#%d: %s", e.Target, e.Cursor, e.Reason)
}

// FieldCoercionWarning records a field value that could not be converted to
// its declared type. The field is stored as NULL.
type FieldCoercionWarning struct {
	Target string
	Field  string
	Type   FieldType
	Raw    string
	Err    error
}

func (w *FieldCoercionWarning) Error() string {
	return fmt.Sprintf("coerce %s.%s to %s from %q: %v", w.Target, w.Field, w.Type, w.Raw, w.Err)
}

func (w *FieldCoercionWarning) Unwrap() error { return w.Err }

// WriteConflictError is lock or unique-constraint contention during an upsert.
type WriteConflictError struct {
	Target      string
	IdentityKey string
	Err         error
}

func (e *WriteConflictError) Error() string {
	return fmt.Sprintf("write conflict %s[%s]: %v", e.Target, e.IdentityKey, e.Err)
}

func (e *WriteConflictError) Unwrap() error { return e.Err }

// StorageUnavailableError halts the affected target's writer.
type StorageUnavailableError struct {
	Target string
	Err    error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable for %s: %v", e.Target, e.Err)
}

func (e *StorageUnavailableError) Unwrap() error { return e.Err }

// ClassifyStatus maps an HTTP status to a failure class. ok is true for 2xx.
func ClassifyStatus(status int) (class FailureClass, ok bool) {
	switch {
	case status >= 200 && status < 300:
		return "", true
	case status == 0,
		status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests,
		status >= 500:
		return ClassTransient, false
	default:
		return ClassPermanent, false
	}
}

// ClassifyError maps a fetch error to a failure class. Anything not marked
// permanent is retryable.
func ClassifyError(err error) FailureClass {
	if IsPermanent(err) {
		return ClassPermanent
	}
	return ClassTransient
}

// IsPermanent reports whether err is a terminal fetch failure.
func IsPermanent(err error) bool {
	var perm *PermanentFetchError
	return errors.As(err, &perm)
}

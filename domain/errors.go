package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound matches every NotFoundError.
	ErrNotFound = errors.New("not found")
	// ErrConcurrencyConflict indicates that the underlying storage rejected a
	// write because a newer version of one of the rows is already persisted.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)

// Error kinds used on the wire.
const (
	KindNotFound         = "not_found"
	KindConflict         = "conflict"
	KindValidation       = "validation"
	KindStoreUnavailable = "store_unavailable"
	KindCacheUnavailable = "cache_unavailable"
	KindInternal         = "internal"
)

// NotFoundError reports a missing entity. It is not retried.
type NotFoundError struct {
	Entity string
	ID     string
	// Detail replaces the generated message when set.
	Detail string
}

func (e *NotFoundError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConflictError reports a version or ordering race. The caller should refetch
// and may retry.
type ConflictError struct {
	Entity string
	ID     string
	Detail string
	Err    error
}

func (e *ConflictError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	if e.ID == "" {
		return fmt.Sprintf("%s was modified concurrently", e.Entity)
	}
	return fmt.Sprintf("%s %s was modified concurrently", e.Entity, e.ID)
}

func (e *ConflictError) Unwrap() error { return e.Err }

func (e *ConflictError) Is(target error) bool { return target == ErrConcurrencyConflict }

// ValidationError reports a request that cannot be applied.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + " " + e.Reason
}

// StoreUnavailableError wraps a durable store failure. It is fatal for the
// request. Committed is set when the failure followed a successful commit.
type StoreUnavailableError struct {
	Op        string
	Committed bool
	Err       error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// AfterCommit reports whether err was raised after the mutation's batch had
// already been committed.
func AfterCommit(err error) bool {
	var se *StoreUnavailableError
	return errors.As(err, &se) && se.Committed
}

// CacheUnavailableError wraps a cache failure. Callers degrade to the durable store.
type CacheUnavailableError struct {
	Op  string
	Err error
}

func (e *CacheUnavailableError) Error() string {
	return fmt.Sprintf("cache unavailable during %s: %v", e.Op, e.Err)
}

func (e *CacheUnavailableError) Unwrap() error { return e.Err }

// KindOf classifies err for the wire.
func KindOf(err error) string {
	var (
		nf *NotFoundError
		cf *ConflictError
		ve *ValidationError
		se *StoreUnavailableError
		ce *CacheUnavailableError
	)
	switch {
	case errors.As(err, &nf), errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.As(err, &cf), errors.Is(err, ErrConcurrencyConflict):
		return KindConflict
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &se):
		return KindStoreUnavailable
	case errors.As(err, &ce):
		return KindCacheUnavailable
	}
	return KindInternal
}

// ErrorFromKind rebuilds a typed error from its wire form.
func ErrorFromKind(kind, message string) error {
	switch kind {
	case KindNotFound:
		return &NotFoundError{Detail: message}
	case KindConflict:
		return &ConflictError{Detail: message}
	case KindValidation:
		return &ValidationError{Reason: message}
	case KindStoreUnavailable:
		return &StoreUnavailableError{Op: "request", Err: errors.New(message)}
	case KindCacheUnavailable:
		return &CacheUnavailableError{Op: "request", Err: errors.New(message)}
	}
	return errors.New(message)
}

package errors

import (
	"errors"
)

var (
	// ErrNotFound is returned when a record is absent from storage.
	ErrNotFound = errors.New("not found")

	// ErrRollbackLimit is returned when code is older than the storage rollback floor.
	ErrRollbackLimit = errors.New("rollback limit")

	// ErrMigrationFailed wraps the first failing schema migration.
	ErrMigrationFailed = errors.New("migration failed")

	// ErrInvalidVersion is returned for malformed lexi or CVR versions.
	ErrInvalidVersion = errors.New("invalid version")

	// ErrStorageClosed is returned when operating on a closed store.
	ErrStorageClosed = errors.New("storage closed")

	// ErrUnsupportedQuery is returned when an executor cannot run an AST.
	ErrUnsupportedQuery = errors.New("unsupported query")

	// ErrReservedQueryID is returned when a client targets an internal query.
	ErrReservedQueryID = errors.New("query id is reserved")

	// ErrStaleNotification is returned for notifications at or below the CVR state version.
	ErrStaleNotification = errors.New("stale notification")

	// ErrTransient marks an error as safe to retry.
	ErrTransient = errors.New("transient failure")

	// ErrUnknownClientGroup is returned when no view-syncer exists for a group.
	ErrUnknownClientGroup = errors.New("unknown client group")
)

// Is, As and Unwrap re-export the standard helpers so callers need one import.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }

func Unwrap(err error) error { return errors.Unwrap(err) }

func New(text string) error { return errors.New(text) }

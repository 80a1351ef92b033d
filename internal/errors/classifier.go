package errors

import (
	"context"
	"errors"
	"syscall"
)

// ErrorCategory represents the category of an error for retry logic.
type ErrorCategory int

const (
	ErrorTransient  ErrorCategory = iota // Temporary errors - retry with backoff
	ErrorPermanent                       // Permanent errors - no retry
	ErrorCritical                        // System-level errors - alert immediately
	ErrorValidation                      // Data validation errors - no retry
)

func (c ErrorCategory) String() string {
	switch c {
	case ErrorTransient:
		return "transient"
	case ErrorCritical:
		return "critical"
	case ErrorValidation:
		return "validation"
	default:
		return "permanent"
	}
}

// Classifier categorizes errors for retry logic.
type Classifier struct{}

// NewClassifier creates a new error classifier.
func NewClassifier() *Classifier {
	return &Classifier{}
}

// Classify determines the category of an error.
func (c *Classifier) Classify(err error) ErrorCategory {
	if err == nil {
		return ErrorPermanent
	}

	var sysErr syscall.Errno
	if errors.As(err, &sysErr) {
		switch sysErr {
		case syscall.EAGAIN, syscall.ENOMEM, syscall.ETIMEDOUT, syscall.EBUSY:
			return ErrorTransient
		case syscall.EIO, syscall.ENOSPC:
			return ErrorCritical
		}
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrorPermanent
	case errors.Is(err, ErrTransient):
		return ErrorTransient
	case errors.Is(err, ErrRollbackLimit), errors.Is(err, ErrMigrationFailed):
		return ErrorCritical
	case errors.Is(err, ErrInvalidVersion), errors.Is(err, ErrReservedQueryID), errors.Is(err, ErrUnsupportedQuery):
		return ErrorValidation
	}

	var retryable interface{ Temporary() bool }
	if errors.As(err, &retryable) && retryable.Temporary() {
		return ErrorTransient
	}

	return ErrorPermanent
}

// ShouldRetry returns true if the error category indicates retry is appropriate.
func (c *Classifier) ShouldRetry(category ErrorCategory) bool {
	return category == ErrorTransient
}

// IsCritical returns true if the error requires immediate attention.
func (c *Classifier) IsCritical(category ErrorCategory) bool {
	return category == ErrorCritical
}

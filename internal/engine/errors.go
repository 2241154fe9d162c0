package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/enrollsync/internal/model"
	"github.com/roach88/enrollsync/internal/remote"
)

// SyncError is the single error a caller receives for a failed job.
type SyncError struct {
	// Code identifies the failure category.
	Code ErrorCode

	// Message is a human-readable description of the failure that ended
	// the job, or the joined business failures.
	Message string

	JobID    string
	Program  string
	Category model.Category

	// Messages holds every failure and warning collected during the job.
	Messages []string

	// Err is the underlying cause of a fatal failure.
	Err error
}

// ErrorCode categorizes sync failures.
type ErrorCode string

const (
	// ErrCodeMapping indicates a missing or invalid field mapping.
	ErrCodeMapping ErrorCode = "MAPPING_ERROR"

	// ErrCodeQuery indicates the delta query failed.
	ErrCodeQuery ErrorCode = "QUERY_ERROR"

	// ErrCodeTransport indicates the remote call failed, timed out, or
	// answered with a server error.
	ErrCodeTransport ErrorCode = "TRANSPORT_ERROR"

	// ErrCodeTracker indicates a state database write or read failed.
	ErrCodeTracker ErrorCode = "TRACKER_ERROR"

	// ErrCodeOutcomeMismatch indicates the outcome list did not line up
	// with the submitted batch.
	ErrCodeOutcomeMismatch ErrorCode = "OUTCOME_MISMATCH"

	// ErrCodeSyncFailure indicates the job completed with business failures.
	ErrCodeSyncFailure ErrorCode = "SYNC_FAILURE"
)

// Error implements the error interface.
func (e *SyncError) Error() string {
	if e.JobID != "" && e.Category != "" {
		return fmt.Sprintf("%s: %s (job=%s, category=%s)", e.Code, e.Message, e.JobID, e.Category)
	}
	if e.Program != "" {
		return fmt.Sprintf("%s: %s (program=%s)", e.Code, e.Message, e.Program)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Info is the text written to the job log row: the fatal cause first,
// then every collected message.
func (e *SyncError) Info() string {
	parts := make([]string, 0, len(e.Messages)+1)
	if e.Code != ErrCodeSyncFailure && e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	parts = append(parts, e.Messages...)
	return strings.Join(parts, "; ")
}

// IsFatal reports whether err aborted a job, as opposed to a job that
// completed with business failures. Joined errors are fatal if any of
// them is; errors that carry no SyncError are always fatal.
func IsFatal(err error) bool {
	switch e := err.(type) {
	case nil:
		return false
	case *SyncError:
		return e.Code != ErrCodeSyncFailure
	case interface{ Unwrap() []error }:
		for _, inner := range e.Unwrap() {
			if IsFatal(inner) {
				return true
			}
		}
		return false
	case interface{ Unwrap() error }:
		if inner := e.Unwrap(); inner != nil {
			return IsFatal(inner)
		}
		return true
	default:
		return true
	}
}

// IsTransportError returns true if the job failed on the remote call.
func IsTransportError(err error) bool {
	var se *SyncError
	if errors.As(err, &se) && se.Code == ErrCodeTransport {
		return true
	}
	return remote.IsTransportError(err)
}

// codeFor maps an underlying error onto a fatal code.
func codeFor(err error, fallback ErrorCode) ErrorCode {
	if remote.IsTransportError(err) {
		return ErrCodeTransport
	}
	return fallback
}

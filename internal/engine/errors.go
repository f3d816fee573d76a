package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/receiptsync/internal/model"
)

var (
	// ErrQueueClosed is returned by JobQueue once Close has been called.
	ErrQueueClosed = errors.New("job queue closed")

	// ErrBatcherClosed is returned by Batcher.Add after Close.
	ErrBatcherClosed = errors.New("batcher closed")

	// ErrBackfillIneligible is returned when a message cannot be backfilled
	// from a linked device; its attachments are marked permanently
	// undownloadable instead.
	ErrBackfillIneligible = errors.New("attachment backfill not eligible")
)

// TaskError represents a failure while ingesting or applying one task.
//
// TaskError carries the task id and kind so the per-task boundary can log
// it without further context, and a Code that maps to a disposition.
type TaskError struct {
	// Code identifies the error category.
	Code TaskErrorCode

	// TaskID identifies the affected task, if one was created.
	TaskID string

	// Kind is the signal kind.
	Kind model.Kind

	// Err is the underlying cause.
	Err error
}

// TaskErrorCode categorizes task errors.
type TaskErrorCode string

const (
	// ErrCodeInvalidPayload: malformed signal or missing field. Dropped.
	ErrCodeInvalidPayload TaskErrorCode = "INVALID_PAYLOAD"

	// ErrCodeTargetNotFound: no local message yet. Retained.
	ErrCodeTargetNotFound TaskErrorCode = "TARGET_NOT_FOUND"

	// ErrCodeTransientIO: store or network failure. Retained, attempts bumped.
	ErrCodeTransientIO TaskErrorCode = "TRANSIENT_IO"

	// ErrCodeStaleResponse: backfill response with no outstanding request.
	ErrCodeStaleResponse TaskErrorCode = "STALE_RESPONSE"

	// ErrCodeRemoteTerminal: the linked device reported a terminal error.
	ErrCodeRemoteTerminal TaskErrorCode = "REMOTE_TERMINAL"
)

// Error implements the error interface.
func (e *TaskError) Error() string {
	switch {
	case e.TaskID != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s task %s: %v", e.Code, e.Kind, e.TaskID, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s task %s", e.Code, e.Kind, e.TaskID)
	}
}

// Unwrap returns the underlying cause.
func (e *TaskError) Unwrap() error {
	return e.Err
}

func newTaskError(code TaskErrorCode, task model.SyncTask, err error) *TaskError {
	return &TaskError{Code: code, TaskID: task.ID, Kind: task.Kind, Err: err}
}

// IsTransient returns true if the error is a retryable I/O failure.
// Uses errors.As to handle wrapped errors.
func IsTransient(err error) bool {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Code == ErrCodeTransientIO
	}
	return false
}

// IsValidation returns true if the error is a payload validation failure,
// either a TaskError with ErrCodeInvalidPayload or a wrapped
// model.ErrInvalidPayload.
func IsValidation(err error) bool {
	var te *TaskError
	if errors.As(err, &te) && te.Code == ErrCodeInvalidPayload {
		return true
	}
	return errors.Is(err, model.ErrInvalidPayload)
}

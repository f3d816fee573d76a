package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/receiptsync/internal/model"
)

func TestTaskError_Error(t *testing.T) {
	err := &TaskError{Code: ErrCodeTransientIO, TaskID: "t1", Kind: model.KindRead, Err: errors.New("disk full")}
	assert.Equal(t, "TRANSIENT_IO: read task t1: disk full", err.Error())

	err = &TaskError{Code: ErrCodeInvalidPayload, Kind: model.KindView, Err: errors.New("bad")}
	assert.Equal(t, "INVALID_PAYLOAD: view: bad", err.Error())

	err = &TaskError{Code: ErrCodeStaleResponse, TaskID: "t2", Kind: model.KindBackfillResponse}
	assert.Equal(t, "STALE_RESPONSE: attachment-backfill-response task t2", err.Error())
}

func TestIsTransient(t *testing.T) {
	task := model.SyncTask{ID: "t1", Kind: model.KindDelivery}
	err := newTaskError(ErrCodeTransientIO, task, errors.New("io"))

	assert.True(t, IsTransient(err))
	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", err)))
	assert.False(t, IsTransient(newTaskError(ErrCodeStaleResponse, task, nil)))
	assert.False(t, IsTransient(errors.New("plain")))
}

func TestIsValidation(t *testing.T) {
	task := model.SyncTask{ID: "t1", Kind: model.KindDelivery}

	assert.True(t, IsValidation(newTaskError(ErrCodeInvalidPayload, task, nil)))
	assert.True(t, IsValidation(fmt.Errorf("decode: %w", model.ErrInvalidPayload)))
	assert.False(t, IsValidation(newTaskError(ErrCodeTransientIO, task, nil)))
}

func TestTaskError_Unwrap(t *testing.T) {
	cause := errors.New("root")
	err := newTaskError(ErrCodeTransientIO, model.SyncTask{}, cause)
	assert.ErrorIs(t, err, cause)
}

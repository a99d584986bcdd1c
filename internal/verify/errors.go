package verify

import (
	"context"
	"errors"
	"fmt"

	"github.com/harrison/taskproof/internal/pipeline"
	"github.com/harrison/taskproof/internal/store"
)

// Kind is a stable error code surfaced by the CLI and HTTP API.
type Kind string

const (
	KindUploadFailed         Kind = "upload_failed"
	KindScoreTimeout         Kind = "score_timeout"
	KindScoreFailed          Kind = "score_failed"
	KindScoreMismatch        Kind = "score_mismatch"
	KindDeadlineExpired      Kind = "deadline_expired"
	KindPersistence          Kind = "persistence_error"
	KindInvalidState         Kind = "invalid_state"
	KindUploadInProgress     Kind = "upload_in_progress"
	KindNotFound             Kind = "not_found"
	KindNotEnabled           Kind = "not_enabled"
	KindVerificationRequired Kind = "verification_required"
	KindCanceled             Kind = "canceled"
	KindInternal             Kind = "internal"
)

// Error is a verification error with a stable Kind.
type Error struct {
	Kind    Kind
	TaskID  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Message != "" {
		msg = e.Message
	}
	if e.TaskID != "" {
		msg = fmt.Sprintf("task %s: %s", e.TaskID, msg)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same Kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrUploadInProgress     = &Error{Kind: KindUploadInProgress, Message: "a photo is already being verified"}
	ErrInvalidState         = &Error{Kind: KindInvalidState, Message: "operation not allowed in current state"}
	ErrNotFound             = &Error{Kind: KindNotFound, Message: "task not found"}
	ErrNotEnabled           = &Error{Kind: KindNotEnabled, Message: "verification is not enabled"}
	ErrVerificationRequired = &Error{Kind: KindVerificationRequired, Message: "task requires photo verification"}
	ErrCanceled             = &Error{Kind: KindCanceled, Message: "verification canceled"}
)

func newError(kind Kind, taskID, msg string, err error) *Error {
	return &Error{Kind: kind, TaskID: taskID, Message: msg, Err: err}
}

// KindOf classifies any error returned by this package or the pipeline.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind
	}
	switch {
	case pipeline.IsUploadError(err):
		return KindUploadFailed
	case pipeline.IsScoreTimeout(err):
		return KindScoreTimeout
	case pipeline.IsScoreError(err):
		return KindScoreFailed
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, store.ErrNotFound):
		return KindNotFound
	}
	if _, ok := pipeline.AsMismatch(err); ok {
		return KindScoreMismatch
	}
	return KindInternal
}

// classify wraps a pipeline failure in an *Error for the given task.
func classify(taskID string, err error) *Error {
	kind := KindOf(err)
	msg := ""
	switch kind {
	case KindUploadFailed:
		msg = "photo upload failed, try again"
	case KindScoreTimeout:
		msg = "photo recognition timed out, check your connection and try again"
	case KindScoreFailed:
		msg = "photo recognition unavailable, try again"
	case KindScoreMismatch:
		msg = "photo does not show the expected content"
	case KindCanceled:
		msg = "verification canceled"
	}
	return newError(kind, taskID, msg, err)
}

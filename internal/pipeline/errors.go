package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Stage names where a pipeline error occurred.
const (
	StageCompress = "compress"
	StageUpload   = "upload"
	StageScore    = "score"
)

// UploadError means the photo never reached storage. The scorer was not called
// and the user may retry immediately.
type UploadError struct {
	Stage string // compress or upload
	Err   error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload failed during %s: %v", e.Stage, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// ScoreTimeoutError means the scorer did not answer in time. It is not a mismatch.
type ScoreTimeoutError struct {
	Timeout time.Duration
}

func (e *ScoreTimeoutError) Error() string {
	return fmt.Sprintf("photo recognition timed out after %v, check your connection and try again", e.Timeout)
}

// Unwrap returns context.DeadlineExceeded so callers can test with errors.Is.
func (e *ScoreTimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// ScoreError is a scorer failure that is neither a timeout nor a verdict,
// such as a 5xx response or an unreadable body.
type ScoreError struct {
	StatusCode int
	Err        error
}

func (e *ScoreError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("scorer returned status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("scorer failed: %v", e.Err)
}

func (e *ScoreError) Unwrap() error {
	return e.Err
}

// MismatchError carries the scorer's verdict when too few keywords matched.
type MismatchError struct {
	Result *Result
}

func (e *MismatchError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("photo matched %.0f%% of keywords, need %.0f%%",
		e.Result.MatchedFraction*100, e.Result.Threshold*100))
	if e.Result.Description != "" {
		sb.WriteString(fmt.Sprintf(": %s", e.Result.Description))
	}
	return sb.String()
}

// IsUploadError checks if the error is or wraps an UploadError.
func IsUploadError(err error) bool {
	var ue *UploadError
	return errors.As(err, &ue)
}

// IsScoreTimeout checks if the error is or wraps a ScoreTimeoutError.
func IsScoreTimeout(err error) bool {
	var te *ScoreTimeoutError
	return errors.As(err, &te)
}

// IsScoreError checks if the error is or wraps a ScoreError.
func IsScoreError(err error) bool {
	var se *ScoreError
	return errors.As(err, &se)
}

// AsMismatch returns the mismatch verdict if err carries one.
func AsMismatch(err error) (*MismatchError, bool) {
	var me *MismatchError
	if errors.As(err, &me) {
		return me, true
	}
	return nil, false
}

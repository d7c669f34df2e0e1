/**
 * @description
 * Error types shared across the billing engine. Gateway failures surface as
 * *pagbankclient.APIError, store conflicts as the store sentinels; this file
 * adds the validation and authentication conditions owned by the app layer.
 */
package app

import (
	"errors"
	"fmt"
)

// ErrSignatureMismatch is returned when a webhook signature does not match
// the configured secret. Events with invalid signatures are never applied.
var ErrSignatureMismatch = errors.New("webhook signature mismatch")

// ErrJobAlreadyRunning is returned when a job with the same key is still in
// flight. Callers fail fast instead of queuing or racing.
var ErrJobAlreadyRunning = errors.New("job already running")

// ValidationError indicates bad input. Batch processing records it and
// continues with the remaining items.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

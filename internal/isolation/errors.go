// Package isolation runs risky tasks, such as browser renders, in a separate
// worker process so a crash there surfaces as an ordinary error.
package isolation

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/playbook-crawler/internal/crawler"
)

// Error types carried across the process boundary.
const (
	TypeWorkerCrashed = "worker_crashed"
	TypePanic         = "panic"
	TypeTimeout       = "timeout"
	TypeCanceled      = "canceled"
	TypeBlocked       = "blocked"
	TypeFetchFailed   = "fetch_failed"
	TypeUnknownTask   = "unknown_task"
	TypeBadArgs       = "bad_args"
	TypeError         = "error"
)

// TaskError is a failure reported by an isolated task. Type and Message are
// preserved from the side that raised it.
type TaskError struct {
	Task    string
	Type    string
	Message string
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("isolated task %s: %s: %s", e.Task, e.Type, e.Message)
}

// Unwrap maps well-known types back to their sentinels so errors.Is keeps
// working across the boundary.
func (e *TaskError) Unwrap() error {
	switch e.Type {
	case TypeTimeout:
		return context.DeadlineExceeded
	case TypeCanceled:
		return context.Canceled
	case TypeBlocked:
		return crawler.ErrBlocked
	case TypeFetchFailed:
		return crawler.ErrFetchFailed
	default:
		return nil
	}
}

// IsCrash reports whether err came from a worker that died mid-task.
func IsCrash(err error) bool {
	var te *TaskError
	return errors.As(err, &te) && te.Type == TypeWorkerCrashed
}

type wireError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func toWire(err error) *wireError {
	var te *TaskError
	if errors.As(err, &te) {
		return &wireError{Type: te.Type, Message: te.Message}
	}
	kind := TypeError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = TypeTimeout
	case errors.Is(err, context.Canceled):
		kind = TypeCanceled
	case errors.Is(err, crawler.ErrBlocked):
		kind = TypeBlocked
	case errors.Is(err, crawler.ErrFetchFailed):
		kind = TypeFetchFailed
	}
	return &wireError{Type: kind, Message: err.Error()}
}

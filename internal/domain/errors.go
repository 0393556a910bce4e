package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrDecode              = errors.New("malformed code payload")
	ErrPull                = errors.New("image pull failed")
	ErrStream              = errors.New("sandbox stream failed")
	ErrTimeout             = errors.New("execution timed out")
	ErrSessionBusy         = errors.New("session already has a live execution")
)

// ExecutionError wraps errors with the job and the operation that failed.
type ExecutionError struct {
	JobID     string
	SessionID string
	Op        string
	Err       error
}

func (e *ExecutionError) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("job %s (session %s): %s: %s", e.JobID, e.SessionID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsRejected reports whether the job was refused before any container existed.
func IsRejected(err error) bool {
	return errors.Is(err, ErrUnsupportedLanguage) ||
		errors.Is(err, ErrDecode) ||
		errors.Is(err, ErrSessionBusy)
}

package job

import (
	"errors"
	"fmt"
	"strings"
)

type State int

const (
	StatePending State = iota
	StateRunning
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Retention decides what happens to the destination of a Cancelled or
// Failed job.
type Retention int

const (
	RetainDelete Retention = iota // remove the partial file
	RetainKeep                    // keep it and write a resume sidecar
)

func (r Retention) String() string {
	if r == RetainKeep {
		return "keep"
	}
	return "delete"
}

func ParseRetention(s string) (Retention, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "delete":
		return RetainDelete, nil
	case "keep", "resume":
		return RetainKeep, nil
	default:
		return RetainDelete, fmt.Errorf("unknown retention policy %q (want delete or keep)", s)
	}
}

var (
	ErrInvalidTransition = errors.New("job: invalid state transition")
	ErrTerminal          = errors.New("job: already in a terminal state")
)

// CleanupWarning records a partial file or sidecar that could not be removed
// or written. It never changes the job's outcome.
type CleanupWarning struct {
	Path string
	Err  error
}

func (w *CleanupWarning) Error() string {
	return fmt.Sprintf("cleanup of %s failed: %v", w.Path, w.Err)
}

func (w *CleanupWarning) Unwrap() error { return w.Err }

package engine

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("engine: no such download")
	ErrAlreadyTerminal = errors.New("engine: download already finished")
	ErrStillActive     = errors.New("engine: download still active")
	ErrClosed          = errors.New("engine: shut down")
)

type InvalidURLError struct {
	URL    string
	Reason string
}

func (e *InvalidURLError) Error() string {
	return fmt.Sprintf("invalid URL %q: %s", e.URL, e.Reason)
}

// DestinationExistsError reports a destination that already holds a file
// which is not a resumable partial.
type DestinationExistsError struct {
	Path string
}

func (e *DestinationExistsError) Error() string {
	return fmt.Sprintf("destination %s already exists and is not a partial download", e.Path)
}

// DuplicateDestinationError names the job that already writes to Path.
type DuplicateDestinationError struct {
	Path  string
	JobID string
}

func (e *DuplicateDestinationError) Error() string {
	return fmt.Sprintf("destination %s is in use by download %s", e.Path, e.JobID)
}

package transport

import (
	"errors"
	"fmt"
)

var (
	ErrCancelled         = errors.New("transport: transfer cancelled")
	ErrIdleTimeout       = errors.New("transport: idle read timeout")
	ErrShortBody         = errors.New("transport: body ended before expected size")
	ErrUnsupportedScheme = errors.New("transport: unsupported scheme")
)

const (
	KindConnection = "connection"
	KindHTTPStatus = "http_status"
	KindIO         = "io"
	KindCancelled  = "cancelled"
	KindUnknown    = "unknown"
)

// ConnectionError covers everything between dialing and the last body byte:
// DNS, refused or reset connections, idle timeouts, truncated bodies.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error for %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

type HTTPStatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status for %s: %s", e.URL, e.Status)
}

// IOError is a local write failure on the sink.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("local %s failed: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Kind maps a Fetch error to its short category name.
func Kind(err error) string {
	var connErr *ConnectionError
	var statusErr *HTTPStatusError
	var ioErr *IOError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	case errors.As(err, &statusErr):
		return KindHTTPStatus
	case errors.As(err, &ioErr):
		return KindIO
	case errors.As(err, &connErr):
		return KindConnection
	default:
		return KindUnknown
	}
}

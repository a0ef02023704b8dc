package job

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tanq16/haul/internal/transport"
	"github.com/tanq16/haul/internal/utils"
)

type Request struct {
	URL         string
	Destination string
}

// Observer receives a job's lifecycle and byte events. Calls for one job
// never overlap and arrive in transfer order.
type Observer interface {
	Running()
	Started(total, offset int64)
	Progressed(n int64)
	Finished(state State, err error, warning *CleanupWarning)
}

type Options struct {
	Transport transport.Transport
	Retention Retention
	Observer  Observer
}

type Job struct {
	id   string
	req  Request
	opts Options
	log  zerolog.Logger

	mu         sync.Mutex
	state      State
	startedAt  time.Time
	finishedAt time.Time
	cancel     context.CancelFunc
	err        error
	warning    *CleanupWarning
	done       chan struct{}

	bytes atomic.Int64
	total atomic.Int64

	remove func(string) error
}

// Info is a consistent copy of a job's fields.
type Info struct {
	ID               string
	Request          Request
	State            State
	BytesTransferred int64
	TotalBytes       int64
	StartedAt        time.Time
	FinishedAt       time.Time
	Err              error
	ErrorKind        string
	Warning          *CleanupWarning
}

func New(id string, req Request, opts Options) *Job {
	j := &Job{
		id:     id,
		req:    req,
		opts:   opts,
		log:    log.With().Str("op", "job").Str("job", id).Logger(),
		state:  StatePending,
		done:   make(chan struct{}),
		remove: os.Remove,
	}
	j.total.Store(-1)
	return j
}

func (j *Job) ID() string { return j.id }

func (j *Job) Request() Request { return j.req }

func (j *Job) Done() <-chan struct{} { return j.done }

func (j *Job) BytesTransferred() int64 { return j.bytes.Load() }

// TotalBytes is -1 until the transport reports a size, and stays -1 when the
// server never sends one.
func (j *Job) TotalBytes() int64 { return j.total.Load() }

func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

func (j *Job) Warning() *CleanupWarning {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.warning
}

func (j *Job) StartedAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.startedAt
}

func (j *Job) Info() Info {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Info{
		ID:               j.id,
		Request:          j.req,
		State:            j.state,
		BytesTransferred: j.bytes.Load(),
		TotalBytes:       j.total.Load(),
		StartedAt:        j.startedAt,
		FinishedAt:       j.finishedAt,
		Err:              j.err,
		ErrorKind:        transport.Kind(j.err),
		Warning:          j.warning,
	}
}

// Start moves a Pending job to Running and launches its transfer. It does
// not touch the filesystem; open failures surface as a Failed job.
func (j *Job) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.state != StatePending {
		j.mu.Unlock()
		return ErrInvalidTransition
	}
	runCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.state = StateRunning
	j.startedAt = time.Now()
	j.mu.Unlock()

	if j.opts.Observer != nil {
		j.opts.Observer.Running()
	}
	j.log.Debug().Str("url", j.req.URL).Str("dest", j.req.Destination).Msg("Job started")
	go j.run(runCtx)
	return nil
}

// Cancel requests a stop and returns immediately. The job becomes Cancelled
// once the transport has returned; watch Done.
func (j *Job) Cancel() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return ErrTerminal
	}
	if j.state != StateRunning {
		return ErrInvalidTransition
	}
	j.cancel()
	return nil
}

// Wait blocks until the job is terminal or ctx ends.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Job) run(ctx context.Context) {
	defer j.cancel()
	f, offset, err := j.open()
	if err != nil {
		j.finish(err, false)
		return
	}
	// the file already holds offset bytes, even if Fetch never starts
	j.bytes.Store(offset)
	events := transport.Events{OnStart: j.onStart, OnChunk: j.onChunk}
	_, err = j.opts.Transport.Fetch(ctx, j.req.URL, &fileSink{f: f, written: &j.bytes}, offset, events)
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = &transport.IOError{Op: "close", Err: closeErr}
	}
	j.finish(err, true)
}

// open prepares the destination. With RetainKeep and a sidecar from the same
// URL, the file is cut back to the recorded offset and the transfer resumes
// there; otherwise it starts empty.
func (j *Job) open() (*os.File, int64, error) {
	dest := j.req.Destination
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return nil, 0, &transport.IOError{Op: "mkdir", Err: err}
	}
	offset := j.resumeOffset()
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, 0, &transport.IOError{Op: "open", Err: err}
	}
	if err := f.Truncate(offset); err != nil {
		f.Close()
		return nil, 0, &transport.IOError{Op: "truncate", Err: err}
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, 0, &transport.IOError{Op: "seek", Err: err}
	}
	return f, offset, nil
}

func (j *Job) resumeOffset() int64 {
	if j.opts.Retention != RetainKeep {
		return 0
	}
	sc, err := ReadSidecar(utils.SidecarPath(j.req.Destination))
	if err != nil {
		return 0
	}
	if sc.URL != j.req.URL {
		j.log.Warn().Str("url", j.req.URL).Str("sidecar_url", sc.URL).Msg("Sidecar belongs to another URL, starting over")
		return 0
	}
	info, err := os.Stat(j.req.Destination)
	if err != nil || info.Size() < sc.BytesTransferred {
		j.log.Warn().Str("dest", j.req.Destination).Msg("Partial file shorter than sidecar offset, starting over")
		return 0
	}
	j.log.Info().Str("dest", j.req.Destination).Msgf("Resuming from offset %d", sc.BytesTransferred)
	return sc.BytesTransferred
}

func (j *Job) onStart(total, offset int64) {
	j.total.Store(total)
	j.bytes.Store(offset)
	if j.opts.Observer != nil {
		j.opts.Observer.Started(total, offset)
	}
}

func (j *Job) onChunk(n int64) {
	j.bytes.Add(n)
	if j.opts.Observer != nil {
		j.opts.Observer.Progressed(n)
	}
}

// finish records the outcome. Cleanup only runs when the destination was
// actually opened.
func (j *Job) finish(err error, opened bool) {
	state := StateCompleted
	switch {
	case err == nil:
	case errors.Is(err, transport.ErrCancelled):
		state = StateCancelled
		err = nil
	default:
		state = StateFailed
	}

	var warning *CleanupWarning
	switch {
	case !opened:
	case state == StateCompleted:
		warning = j.removeSidecar()
	default:
		warning = j.cleanup()
	}

	j.mu.Lock()
	j.state = state
	j.err = err
	j.warning = warning
	j.finishedAt = time.Now()
	j.mu.Unlock()

	event := j.log.Info()
	if state == StateFailed {
		event = j.log.Error().Err(err).Str("kind", transport.Kind(err))
	}
	event.Str("state", state.String()).Int64("bytes", j.bytes.Load()).Str("dest", j.req.Destination).Msg("Job finished")
	if warning != nil {
		j.log.Warn().Err(warning.Err).Str("path", warning.Path).Msg("Cleanup incomplete")
	}

	if j.opts.Observer != nil {
		j.opts.Observer.Finished(state, err, warning)
	}
	close(j.done)
}

func (j *Job) cleanup() *CleanupWarning {
	dest := j.req.Destination
	if j.opts.Retention == RetainKeep {
		sc := Sidecar{
			Path:             dest,
			URL:              j.req.URL,
			BytesTransferred: j.bytes.Load(),
			UpdatedAt:        time.Now().UTC(),
		}
		if err := WriteSidecar(utils.SidecarPath(dest), sc); err != nil {
			return &CleanupWarning{Path: utils.SidecarPath(dest), Err: err}
		}
		return nil
	}
	if err := j.remove(dest); err != nil && !os.IsNotExist(err) {
		return &CleanupWarning{Path: dest, Err: err}
	}
	return j.removeSidecar()
}

func (j *Job) removeSidecar() *CleanupWarning {
	path := utils.SidecarPath(j.req.Destination)
	if err := j.remove(path); err != nil && !os.IsNotExist(err) {
		return &CleanupWarning{Path: path, Err: err}
	}
	return nil
}

type fileSink struct {
	f       *os.File
	written *atomic.Int64
}

func (s *fileSink) Write(p []byte) (int, error) {
	return s.f.Write(p)
}

func (s *fileSink) Rewind() error {
	if err := s.f.Truncate(0); err != nil {
		return err
	}
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if s.written != nil {
		s.written.Store(0)
	}
	return nil
}

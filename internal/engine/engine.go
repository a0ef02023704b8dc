// Package engine is the registry and control surface for concurrent
// downloads. Every operation other than Wait and Shutdown returns without
// waiting on network or disk.
package engine

import (
	"cmp"
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tanq16/haul/internal/job"
	"github.com/tanq16/haul/internal/progress"
	"github.com/tanq16/haul/internal/transport"
	"github.com/tanq16/haul/internal/utils"
)

const (
	DefaultRetainTerminal = 10 * time.Minute
	sweepInterval         = time.Minute
)

type Options struct {
	ChunkSize int
	Retention job.Retention
	// RetainTerminal is how long a finished download stays queryable. Zero
	// means DefaultRetainTerminal, negative keeps it until acknowledged.
	RetainTerminal   time.Duration
	ProgressInterval time.Duration
	ThroughputWindow time.Duration
	HTTP             utils.HTTPClientConfig
	BandwidthLimit   int64
	// Transport replaces the built-in scheme router when set.
	Transport transport.Transport
}

type entry struct {
	seq     int64
	job     *job.Job
	tracker *progress.Tracker
}

type Engine struct {
	opts      Options
	client    *utils.HTTPClient
	transport transport.Transport
	reporter  *progress.Reporter
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	jobs    map[string]*entry
	byDest  map[string]string
	seq     int64
	closed  bool
	janitor chan struct{}
	now     func() time.Time
}

func New(opts Options) *Engine {
	if opts.RetainTerminal == 0 {
		opts.RetainTerminal = DefaultRetainTerminal
	}
	e := &Engine{
		opts:     opts,
		reporter: progress.NewReporter(progress.Options{Interval: opts.ProgressInterval, Window: opts.ThroughputWindow}),
		log:      utils.GetLogger("engine"),
		jobs:     make(map[string]*entry),
		byDest:   make(map[string]string),
		janitor:  make(chan struct{}),
		now:      time.Now,
	}
	e.transport = opts.Transport
	if e.transport == nil {
		e.client = utils.NewHTTPClient(opts.HTTP)
		e.transport = transport.New(e.client, transport.Options{
			ChunkSize:      opts.ChunkSize,
			IdleTimeout:    opts.HTTP.IdleTimeout,
			DialTimeout:    opts.HTTP.Timeout,
			BandwidthLimit: opts.BandwidthLimit,
		})
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	go e.runJanitor()
	return e
}

// StartDownload registers a job and starts it. An empty destination is
// derived from the URL. An existing file is refused unless a resume sidecar
// marks it as a partial.
func (e *Engine) StartDownload(req job.Request) (string, error) {
	if err := ValidateURL(req.URL); err != nil {
		return "", err
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.Destination == "" {
		req.Destination = utils.InferOutputPath(req.URL)
	}
	dest, err := filepath.Abs(req.Destination)
	if err != nil {
		return "", &transport.IOError{Op: "resolve", Err: err}
	}
	req.Destination = dest

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return "", ErrClosed
	}
	if owner, ok := e.byDest[dest]; ok {
		return "", &DuplicateDestinationError{Path: dest, JobID: owner}
	}
	// only a resumable partial may be written over
	if _, err := os.Stat(dest); err == nil && !utils.FileExists(utils.SidecarPath(dest)) {
		return "", &DestinationExistsError{Path: dest}
	}

	id := uuid.NewString()
	tracker := e.reporter.Track(id, req.URL, dest)
	j := job.New(id, req, job.Options{
		Transport: e.transport,
		Retention: e.opts.Retention,
		Observer:  &observer{engine: e, id: id, dest: dest, tracker: tracker},
	})
	e.seq++
	e.jobs[id] = &entry{seq: e.seq, job: j, tracker: tracker}
	e.byDest[dest] = id
	// Start under the lock so no caller ever sees a Pending job
	if err := j.Start(e.ctx); err != nil {
		delete(e.jobs, id)
		delete(e.byDest, dest)
		e.reporter.Forget(id)
		return "", err
	}
	e.log.Info().Str("job", id).Str("url", req.URL).Str("dest", dest).Msg("Download started")
	return id, nil
}

func (e *Engine) CancelDownload(id string) error {
	ent, err := e.lookup(id)
	if err != nil {
		return err
	}
	if err := ent.job.Cancel(); err != nil {
		if errors.Is(err, job.ErrTerminal) {
			return ErrAlreadyTerminal
		}
		return err
	}
	e.log.Info().Str("job", id).Msg("Cancel requested")
	return nil
}

func (e *Engine) QueryStatus(id string) (progress.Snapshot, error) {
	ent, err := e.lookup(id)
	if err != nil {
		return progress.Snapshot{}, err
	}
	return ent.tracker.Snapshot(), nil
}

// ListActive returns the ids of downloads that have not finished, oldest
// first.
func (e *Engine) ListActive() []string {
	var ids []string
	for _, ent := range e.ordered() {
		if !ent.job.State().Terminal() {
			ids = append(ids, ent.job.ID())
		}
	}
	return ids
}

func (e *Engine) List() []progress.Snapshot {
	entries := e.ordered()
	out := make([]progress.Snapshot, 0, len(entries))
	for _, ent := range entries {
		out = append(out, ent.tracker.Snapshot())
	}
	return out
}

// Subscribe streams snapshots of one download. The channel closes after the
// terminal snapshot or when the returned func is called.
func (e *Engine) Subscribe(id string) (<-chan progress.Snapshot, func(), error) {
	ent, err := e.lookup(id)
	if err != nil {
		return nil, nil, err
	}
	ch, unsubscribe := ent.tracker.Subscribe()
	return ch, unsubscribe, nil
}

// Acknowledge drops a finished download from the registry.
func (e *Engine) Acknowledge(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if !ent.job.State().Terminal() {
		return ErrStillActive
	}
	delete(e.jobs, id)
	e.reporter.Forget(id)
	return nil
}

// Info exposes the job record behind a download, including the raw error.
func (e *Engine) Info(id string) (job.Info, error) {
	ent, err := e.lookup(id)
	if err != nil {
		return job.Info{}, err
	}
	return ent.job.Info(), nil
}

func (e *Engine) Wait(ctx context.Context, id string) error {
	ent, err := e.lookup(id)
	if err != nil {
		return err
	}
	return ent.job.Wait(ctx)
}

// Shutdown refuses new downloads, cancels running ones and waits until their
// cleanup is done or ctx ends.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	var active []*job.Job
	for _, ent := range e.jobs {
		if !ent.job.State().Terminal() {
			active = append(active, ent.job)
		}
	}
	e.mu.Unlock()

	close(e.janitor)
	e.log.Info().Int("active", len(active)).Msg("Shutting down")
	e.cancel()
	for _, j := range active {
		if err := j.Wait(ctx); err != nil {
			return err
		}
	}
	if e.client != nil {
		e.client.CloseIdleConnections()
	}
	return nil
}

func (e *Engine) lookup(id string) (*entry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return ent, nil
}

func (e *Engine) ordered() []*entry {
	e.mu.Lock()
	entries := make([]*entry, 0, len(e.jobs))
	for _, ent := range e.jobs {
		entries = append(entries, ent)
	}
	e.mu.Unlock()
	slices.SortFunc(entries, func(a, b *entry) int { return cmp.Compare(a.seq, b.seq) })
	return entries
}

// release frees a destination once its job is terminal.
func (e *Engine) release(id, dest string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.byDest[dest] == id {
		delete(e.byDest, dest)
	}
}

func (e *Engine) runJanitor() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.sweep()
		case <-e.janitor:
			return
		}
	}
}

// sweep drops finished downloads older than RetainTerminal.
func (e *Engine) sweep() {
	if e.opts.RetainTerminal < 0 {
		return
	}
	cutoff := e.now().Add(-e.opts.RetainTerminal)
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, ent := range e.jobs {
		info := ent.job.Info()
		if info.State.Terminal() && info.FinishedAt.Before(cutoff) {
			delete(e.jobs, id)
			e.reporter.Forget(id)
			e.log.Debug().Str("job", id).Msg("Expired finished download")
		}
	}
}

// observer feeds job events into the download's tracker.
type observer struct {
	engine  *Engine
	id      string
	dest    string
	tracker *progress.Tracker
}

func (o *observer) Running() {
	o.tracker.SetState(job.StateRunning.String())
}

func (o *observer) Started(total, offset int64) {
	o.tracker.Start(total, offset)
}

func (o *observer) Progressed(n int64) {
	o.tracker.Add(n)
}

func (o *observer) Finished(state job.State, err error, warning *job.CleanupWarning) {
	o.engine.release(o.id, o.dest)
	var errMsg, warnMsg string
	if err != nil {
		errMsg = err.Error()
	}
	if warning != nil {
		warnMsg = warning.Error()
	}
	o.tracker.Finish(state.String(), transport.Kind(err), errMsg, warnMsg)
}

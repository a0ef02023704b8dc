// Package progress turns raw byte deltas into rate-limited, immutable
// snapshots carrying a smoothed throughput.
package progress

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Snapshot is a point-in-time view of one job. Values are never mutated
// after they are handed out.
type Snapshot struct {
	JobID                 string    `json:"id"`
	URL                   string    `json:"url"`
	Destination           string    `json:"destination"`
	State                 string    `json:"state"`
	BytesTransferred      int64     `json:"bytes_transferred"`
	TotalBytes            int64     `json:"total_bytes"`
	Percent               *float64  `json:"percent"`
	ThroughputBytesPerSec float64   `json:"throughput_bytes_per_sec"`
	ErrorKind             string    `json:"error_kind,omitempty"`
	Error                 string    `json:"error,omitempty"`
	Warning               string    `json:"warning,omitempty"`
	Done                  bool      `json:"done"`
	StartedAt             time.Time `json:"started_at"`
	At                    time.Time `json:"at"`
}

type Options struct {
	Interval time.Duration // minimum gap between pushes and throughput samples
	Window   time.Duration // EWMA time constant
	Buffer   int           // per-subscriber channel capacity
	Now      func() time.Time
}

const (
	DefaultInterval = 100 * time.Millisecond
	DefaultWindow   = 3 * time.Second
	DefaultBuffer   = 16
)

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.Buffer <= 0 {
		o.Buffer = DefaultBuffer
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Reporter owns one Tracker per job.
type Reporter struct {
	opts     Options
	mu       sync.RWMutex
	trackers map[string]*Tracker
}

func NewReporter(opts Options) *Reporter {
	return &Reporter{
		opts:     opts.withDefaults(),
		trackers: make(map[string]*Tracker),
	}
}

func (r *Reporter) Track(jobID, url, dest string) *Tracker {
	t := &Tracker{
		opts:    r.opts,
		id:      jobID,
		url:     url,
		dest:    dest,
		state:   "pending",
		total:   -1,
		limiter: rate.NewLimiter(rate.Every(r.opts.Interval), 1),
		subs:    make(map[int]chan Snapshot),
	}
	r.mu.Lock()
	r.trackers[jobID] = t
	r.mu.Unlock()
	return t
}

func (r *Reporter) Get(jobID string) (*Tracker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.trackers[jobID]
	return t, ok
}

func (r *Reporter) Forget(jobID string) {
	r.mu.Lock()
	t, ok := r.trackers[jobID]
	delete(r.trackers, jobID)
	r.mu.Unlock()
	if ok {
		t.closeSubs()
	}
}

// Tracker accumulates the progress of a single job.
type Tracker struct {
	opts Options
	id   string
	url  string
	dest string

	mu          sync.Mutex
	state       string
	bytes       int64
	total       int64
	startedAt   time.Time
	throughput  float64
	sampled     bool
	lastSample  time.Time
	sampleBytes int64
	errKind     string
	errMsg      string
	warning     string
	done        bool

	limiter *rate.Limiter
	subs    map[int]chan Snapshot
	nextSub int
}

// SetState records a lifecycle change and pushes it regardless of the rate
// limit.
func (t *Tracker) SetState(state string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	now := t.opts.Now()
	t.state = state
	if state == "running" && t.startedAt.IsZero() {
		t.startedAt = now
	}
	t.broadcast(t.snapshot(now))
}

// Start sets the known size and the offset the transfer begins at. Bytes
// before offset count as transferred but not toward throughput.
func (t *Tracker) Start(total, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	now := t.opts.Now()
	t.total = total
	t.bytes = offset
	t.sampleBytes = offset
	t.lastSample = now
	if t.startedAt.IsZero() {
		t.startedAt = now
	}
	t.broadcast(t.snapshot(now))
}

func (t *Tracker) Add(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	now := t.opts.Now()
	t.bytes += n
	if t.lastSample.IsZero() {
		t.lastSample = now
	}
	if now.Sub(t.lastSample) >= t.opts.Interval {
		t.throughput = t.sample(now)
		t.sampled = true
		t.lastSample = now
		t.sampleBytes = t.bytes
	}
	if t.limiter.AllowN(now, 1) {
		t.broadcast(t.snapshot(now))
	}
}

// Finish pushes the terminal snapshot and closes every subscription.
func (t *Tracker) Finish(state, errKind, errMsg, warning string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	now := t.opts.Now()
	t.state = state
	t.errKind = errKind
	t.errMsg = errMsg
	t.warning = warning
	t.done = true
	if state != "completed" {
		t.throughput = 0
	}
	final := t.snapshot(now)
	t.broadcast(final)
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot(t.opts.Now())
}

// Subscribe returns a channel that first receives the current snapshot and
// then every pushed one. It is closed after the terminal snapshot or when
// the returned func is called. A full channel drops its oldest entry.
func (t *Tracker) Subscribe() (<-chan Snapshot, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan Snapshot, t.opts.Buffer)
	ch <- t.snapshot(t.opts.Now())
	if t.done {
		close(ch)
		return ch, func() {}
	}
	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch
	return ch, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if sub, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(sub)
		}
	}
}

func (t *Tracker) closeSubs() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// sample folds the bytes since the last sample into the EWMA. With no
// traffic it decays toward zero.
func (t *Tracker) sample(now time.Time) float64 {
	dt := now.Sub(t.lastSample).Seconds()
	if dt <= 0 {
		return t.throughput
	}
	inst := float64(t.bytes-t.sampleBytes) / dt
	if !t.sampled {
		return inst
	}
	alpha := 1 - math.Exp(-dt/t.opts.Window.Seconds())
	return t.throughput + alpha*(inst-t.throughput)
}

func (t *Tracker) snapshot(now time.Time) Snapshot {
	throughput := t.throughput
	if !t.done && !t.lastSample.IsZero() && now.Sub(t.lastSample) >= t.opts.Interval {
		throughput = t.sample(now)
	}
	return Snapshot{
		JobID:                 t.id,
		URL:                   t.url,
		Destination:           t.dest,
		State:                 t.state,
		BytesTransferred:      t.bytes,
		TotalBytes:            t.total,
		Percent:               percent(t.bytes, t.total),
		ThroughputBytesPerSec: throughput,
		ErrorKind:             t.errKind,
		Error:                 t.errMsg,
		Warning:               t.warning,
		Done:                  t.done,
		StartedAt:             t.startedAt,
		At:                    now,
	}
}

func (t *Tracker) broadcast(s Snapshot) {
	for _, ch := range t.subs {
		select {
		case ch <- s:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s:
		default:
		}
	}
}

func percent(bytes, total int64) *float64 {
	if total < 0 {
		return nil
	}
	p := 100.0
	if total > 0 {
		p = math.Min(100, float64(bytes)/float64(total)*100)
	}
	return &p
}

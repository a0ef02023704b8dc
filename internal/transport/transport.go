// Package transport moves the bytes of one remote resource into a local sink.
//
// A Fetch call is a single attempt: it never retries, never deletes what it
// wrote, and checks its context between fixed-size chunks.
package transport

import (
	"context"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/tanq16/haul/internal/utils"
)

// Sink receives transferred bytes. Rewind is called when a ranged request is
// answered with the full body and writing must restart at offset zero.
type Sink interface {
	io.Writer
	Rewind() error
}

// Events are invoked from the Fetch goroutine, in transfer order.
type Events struct {
	// OnStart reports the resource size (-1 if unknown) and the offset the
	// transfer actually resumes from. Called once, before any OnChunk.
	OnStart func(total, offset int64)
	// OnChunk reports a chunk that has been fully written to the sink.
	OnChunk func(n int64)
}

func (e Events) start(total, offset int64) {
	if e.OnStart != nil {
		e.OnStart(total, offset)
	}
}

func (e Events) chunk(n int64) {
	if e.OnChunk != nil {
		e.OnChunk(n)
	}
}

type Transport interface {
	// Fetch streams rawURL from rangeStart into sink and returns the number
	// of bytes written during this call.
	Fetch(ctx context.Context, rawURL string, sink Sink, rangeStart int64, events Events) (int64, error)
}

type Options struct {
	ChunkSize      int
	IdleTimeout    time.Duration
	DialTimeout    time.Duration
	BandwidthLimit int64 // bytes/sec across all transfers, 0 = unlimited
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = utils.DefaultChunkSize
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = utils.DefaultIdleTimeout
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = utils.DefaultTimeout
	}
	return o
}

func (o Options) limiter() *rate.Limiter {
	if o.BandwidthLimit <= 0 {
		return nil
	}
	burst := max(int(o.BandwidthLimit), o.ChunkSize)
	return rate.NewLimiter(rate.Limit(o.BandwidthLimit), burst)
}

// Router dispatches on URL scheme.
type Router struct {
	http *HTTPTransport
	ftp  *FTPTransport
}

func New(client *utils.HTTPClient, opts Options) *Router {
	opts = opts.withDefaults()
	limiter := opts.limiter()
	return &Router{
		http: &HTTPTransport{client: client, opts: opts, limiter: limiter},
		ftp:  &FTPTransport{opts: opts, limiter: limiter},
	}
}

func (r *Router) Fetch(ctx context.Context, rawURL string, sink Sink, rangeStart int64, events Events) (int64, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return 0, &ConnectionError{URL: rawURL, Err: err}
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
		return r.http.Fetch(ctx, rawURL, sink, rangeStart, events)
	case "ftp", "ftps":
		return r.ftp.Fetch(ctx, rawURL, sink, rangeStart, events)
	default:
		log.Debug().Str("op", "transport/router").Str("scheme", parsed.Scheme).Msg("No transport for scheme")
		return 0, &ConnectionError{URL: rawURL, Err: ErrUnsupportedScheme}
	}
}

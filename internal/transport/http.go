package transport

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/tanq16/haul/internal/utils"
)

type HTTPTransport struct {
	client  *utils.HTTPClient
	opts    Options
	limiter *rate.Limiter
}

func NewHTTPTransport(client *utils.HTTPClient, opts Options) *HTTPTransport {
	opts = opts.withDefaults()
	return &HTTPTransport{client: client, opts: opts, limiter: opts.limiter()}
}

func (t *HTTPTransport) Fetch(ctx context.Context, rawURL string, sink Sink, rangeStart int64, events Events) (int64, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, &ConnectionError{URL: rawURL, Err: err}
	}
	if rangeStart > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", rangeStart))
		log.Debug().Str("op", "transport/http").Str("url", rawURL).Msgf("Requesting resume from offset %d", rangeStart)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ErrCancelled
		}
		return 0, &ConnectionError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	offset, total := int64(0), int64(-1)
	switch {
	case rangeStart > 0 && resp.StatusCode == http.StatusPartialContent:
		start, _, size, err := ParseContentRange(resp.Header.Get("Content-Range"))
		if err != nil || start != rangeStart {
			return 0, &ConnectionError{URL: rawURL, Err: fmt.Errorf("unusable Content-Range %q", resp.Header.Get("Content-Range"))}
		}
		offset, total = rangeStart, size
		if total < 0 && resp.ContentLength >= 0 {
			total = rangeStart + resp.ContentLength
		}
	case rangeStart > 0 && resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		// bytes */N with N == rangeStart means nothing is left to fetch
		if size, ok := parseUnsatisfiedRange(resp.Header.Get("Content-Range")); ok && size == rangeStart {
			events.start(size, rangeStart)
			return 0, nil
		}
		return 0, &HTTPStatusError{URL: rawURL, StatusCode: resp.StatusCode, Status: resp.Status}
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if rangeStart > 0 {
			log.Warn().Str("op", "transport/http").Str("url", rawURL).Msgf("Server does not support resume (status %d). Restarting download.", resp.StatusCode)
			if err := sink.Rewind(); err != nil {
				return 0, &IOError{Op: "rewind", Err: err}
			}
		}
		total = resp.ContentLength
	default:
		return 0, &HTTPStatusError{URL: rawURL, StatusCode: resp.StatusCode, Status: resp.Status}
	}

	events.start(total, offset)
	body := newIdleReader(resp.Body, t.opts.IdleTimeout, cancel)
	defer body.Stop()
	written, err := streamChunks(ctx, rawURL, body, sink, t.opts.ChunkSize, t.limiter, events)
	if err != nil {
		return written, err
	}
	if total >= 0 && offset+written != total {
		return written, &ConnectionError{URL: rawURL, Err: fmt.Errorf("%w: got %d of %d bytes", ErrShortBody, offset+written, total)}
	}
	return written, nil
}

// ParseContentRange parses a Content-Range header value.
// Returns start, end, total bytes. Total is -1 if unknown.
func ParseContentRange(header string) (start, end, total int64, err error) {
	// Format: bytes start-end/total or bytes start-end/*
	header = strings.TrimPrefix(strings.TrimSpace(header), "bytes ")
	parts := strings.Split(header, "/")
	if len(parts) != 2 {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}
	rangeParts := strings.Split(parts[0], "-")
	if len(rangeParts) != 2 {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}
	start, err = strconv.ParseInt(rangeParts[0], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid start byte: %w", err)
	}
	end, err = strconv.ParseInt(rangeParts[1], 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid end byte: %w", err)
	}
	if parts[1] == "*" {
		total = -1
	} else {
		total, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("invalid total bytes: %w", err)
		}
	}
	return start, end, total, nil
}

func parseUnsatisfiedRange(header string) (int64, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes */")
	if !ok {
		return 0, false
	}
	size, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return size, true
}

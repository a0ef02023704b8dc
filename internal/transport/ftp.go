package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

type FTPTransport struct {
	opts    Options
	limiter *rate.Limiter
}

func NewFTPTransport(opts Options) *FTPTransport {
	opts = opts.withDefaults()
	return &FTPTransport{opts: opts, limiter: opts.limiter()}
}

func (t *FTPTransport) Fetch(ctx context.Context, rawURL string, sink Sink, rangeStart int64, events Events) (int64, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, &ConnectionError{URL: rawURL, Err: err}
	}
	dialOpts := []ftp.DialOption{
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(t.opts.DialTimeout),
	}
	if strings.EqualFold(u.Scheme, "ftps") {
		dialOpts = append(dialOpts, ftp.DialWithExplicitTLS(&tls.Config{ServerName: u.Hostname()}))
	}
	conn, err := ftp.Dial(ftpAddress(u), dialOpts...)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ErrCancelled
		}
		return 0, &ConnectionError{URL: rawURL, Err: err}
	}
	defer conn.Quit()

	user, pass := ftpCredentials(u)
	if err := conn.Login(user, pass); err != nil {
		return 0, &ConnectionError{URL: rawURL, Err: fmt.Errorf("login as %s: %w", user, err)}
	}

	total := int64(-1)
	if size, err := conn.FileSize(u.Path); err == nil {
		total = size
	}
	offset := rangeStart
	if total >= 0 && rangeStart > 0 && rangeStart == total {
		events.start(total, rangeStart)
		return 0, nil
	}
	resp, err := conn.RetrFrom(u.Path, uint64(rangeStart))
	if err != nil && rangeStart > 0 {
		log.Warn().Str("op", "transport/ftp").Str("url", rawURL).Err(err).Msg("Server rejected REST offset. Restarting download.")
		if rewindErr := sink.Rewind(); rewindErr != nil {
			return 0, &IOError{Op: "rewind", Err: rewindErr}
		}
		offset = 0
		resp, err = conn.RetrFrom(u.Path, 0)
	}
	if err != nil {
		if ctx.Err() != nil {
			return 0, ErrCancelled
		}
		return 0, &ConnectionError{URL: rawURL, Err: err}
	}
	stop := context.AfterFunc(ctx, func() {
		resp.SetDeadline(time.Now())
	})
	defer stop()

	events.start(total, offset)
	body := newIdleReader(resp, t.opts.IdleTimeout, func() {
		resp.SetDeadline(time.Now())
	})
	defer body.Stop()
	written, err := streamChunks(ctx, rawURL, body, sink, t.opts.ChunkSize, t.limiter, events)
	closeErr := resp.Close()
	if err != nil {
		return written, err
	}
	if closeErr != nil {
		return written, &ConnectionError{URL: rawURL, Err: closeErr}
	}
	if total >= 0 && offset+written != total {
		return written, &ConnectionError{URL: rawURL, Err: fmt.Errorf("%w: got %d of %d bytes", ErrShortBody, offset+written, total)}
	}
	return written, nil
}

func ftpAddress(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	return net.JoinHostPort(u.Hostname(), "21")
}

func ftpCredentials(u *url.URL) (string, string) {
	if u.User == nil || u.User.Username() == "" {
		return "anonymous", "anonymous"
	}
	pass, _ := u.User.Password()
	return u.User.Username(), pass
}

package scheduler

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanq16/haul/internal/engine"
	"github.com/tanq16/haul/internal/job"
	"github.com/tanq16/haul/internal/output"
)

func newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	e := engine.New(engine.Options{ChunkSize: 16 * 1024})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Shutdown(ctx)
	})
	return e
}

func TestRunDownloadsAll(t *testing.T) {
	data := bytes.Repeat([]byte("haul"), 64*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		http.ServeContent(w, r, "f", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	dir := t.TempDir()
	reqs := []job.Request{
		{URL: srv.URL + "/a", Destination: filepath.Join(dir, "a.bin")},
		{URL: srv.URL + "/b", Destination: filepath.Join(dir, "b.bin")},
		{URL: srv.URL + "/c", Destination: filepath.Join(dir, "c.bin")},
		{URL: srv.URL + "/missing", Destination: filepath.Join(dir, "missing.bin")},
		{URL: "notaurl", Destination: filepath.Join(dir, "bad.bin")},
	}
	var out bytes.Buffer
	sum, err := Run(context.Background(), newEngine(t), reqs, 2, &out)
	require.Error(t, err)
	assert.Equal(t, output.Summary{Completed: 3, Failed: 2, Total: 5}, sum)
	for _, name := range []string{"a.bin", "b.bin", "c.bin"} {
		got, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.Equal(t, data, got)
	}
	assert.NoFileExists(t, filepath.Join(dir, "missing.bin"))
	assert.Contains(t, out.String(), "Completed 3 of 5")
}

func TestRunCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(1<<20))
		w.WriteHeader(http.StatusOK)
		w.Write(make([]byte, 32*1024))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)
	reqs := []job.Request{
		{URL: srv.URL + "/a", Destination: filepath.Join(dir, "a.bin")},
		{URL: srv.URL + "/b", Destination: filepath.Join(dir, "b.bin")},
	}
	var out bytes.Buffer
	sum, err := Run(ctx, newEngine(t), reqs, 1, &out)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, sum.Cancelled)
	assert.Equal(t, 1, sum.Total)
	assert.NoFileExists(t, filepath.Join(dir, "a.bin"))
}

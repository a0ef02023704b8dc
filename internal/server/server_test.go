package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanq16/haul/internal/engine"
	"github.com/tanq16/haul/internal/progress"
)

type fixture struct {
	srv   *Server
	eng   *engine.Engine
	files *httptest.Server
	stall *httptest.Server
	dir   string
	data  []byte
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	data := bytes.Repeat([]byte("0123456789"), 50_000)
	files := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "f", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(files.Close)
	stall := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(1<<20))
		w.WriteHeader(http.StatusOK)
		w.Write(make([]byte, 64*1024))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(stall.Close)

	eng := engine.New(engine.Options{ChunkSize: 16 * 1024})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		eng.Shutdown(ctx)
	})
	srv := New(Config{}, eng)
	gin.SetMode(gin.TestMode)
	t.Cleanup(func() { srv.Shutdown(context.Background()) })
	return &fixture{srv: srv, eng: eng, files: files, stall: stall, dir: t.TempDir(), data: data}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func (f *fixture) start(t *testing.T, url, name string) string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/downloads", gin.H{"url": url, "destination": filepath.Join(f.dir, name)})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ID)
	return resp.ID
}

func (f *fixture) wait(t *testing.T, id string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.eng.Wait(ctx, id))
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestStartAndQuery(t *testing.T) {
	f := newFixture(t)
	id := f.start(t, f.files.URL+"/f.bin", "f.bin")
	f.wait(t, id)

	w := f.do(t, http.MethodGet, "/api/downloads/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snap progress.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, id, snap.JobID)
	assert.Equal(t, "completed", snap.State)
	assert.Equal(t, int64(len(f.data)), snap.BytesTransferred)
	require.NotNil(t, snap.Percent)
	assert.Equal(t, 100.0, *snap.Percent)

	w = f.do(t, http.MethodGet, "/api/downloads", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Downloads []progress.Snapshot `json:"downloads"`
		Total     int                 `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Total)
}

func TestStartErrors(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/api/downloads", gin.H{"url": "notaurl"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/downloads", gin.H{"destination": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	taken := filepath.Join(f.dir, "taken.txt")
	require.NoError(t, os.WriteFile(taken, []byte("x"), 0644))
	w = f.do(t, http.MethodPost, "/api/downloads", gin.H{"url": f.files.URL + "/f", "destination": taken})
	assert.Equal(t, http.StatusConflict, w.Code)

	first := f.start(t, f.stall.URL+"/a", "dup.bin")
	w = f.do(t, http.MethodPost, "/api/downloads", gin.H{"url": f.stall.URL + "/b", "destination": filepath.Join(f.dir, "dup.bin")})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), first)
}

func TestCancelAndAcknowledge(t *testing.T) {
	f := newFixture(t)
	id := f.start(t, f.stall.URL+"/a", "a.bin")

	w := f.do(t, http.MethodGet, "/api/downloads/active", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), id)

	w = f.do(t, http.MethodPost, "/api/downloads/"+id+"/ack", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodDelete, "/api/downloads/"+id, nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	f.wait(t, id)

	w = f.do(t, http.MethodDelete, "/api/downloads/"+id, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodPost, "/api/downloads/"+id+"/ack", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(t, http.MethodGet, "/api/downloads/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = f.do(t, http.MethodDelete, "/api/downloads/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = f.do(t, http.MethodGet, "/api/downloads/active", nil)
	assert.JSONEq(t, `{"ids":[]}`, w.Body.String())
}

func TestStartAfterShutdown(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.eng.Shutdown(context.Background()))
	w := f.do(t, http.MethodPost, "/api/downloads", gin.H{"url": f.files.URL + "/f", "destination": filepath.Join(f.dir, "f")})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestEventsStream(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	id := f.start(t, f.stall.URL+"/a", "a.bin")
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/downloads/" + id + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first progress.Snapshot
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, id, first.JobID)
	assert.False(t, first.Done)

	require.NoError(t, f.eng.CancelDownload(id))
	var last progress.Snapshot
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var snap progress.Snapshot
		if err := conn.ReadJSON(&snap); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err.Error())
			break
		}
		last = snap
	}
	assert.True(t, last.Done)
	assert.Equal(t, "cancelled", last.State)
}

func TestEventsUnknownID(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/api/downloads/nope/events", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

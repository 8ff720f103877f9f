package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songqueue/songapi/internal/job"
	"github.com/songqueue/songapi/internal/job/id"
	"github.com/songqueue/songapi/internal/storage"
)

var locationPattern = regexp.MustCompile(`^/queue/([0-9a-f]{32})$`)

// mp3Bytes starts with an ID3v2 tag header, which is enough for MP3 sniffing.
var mp3Bytes = append([]byte("ID3\x04\x00\x00\x00\x00\x00\x00"), bytes.Repeat([]byte{0}, 256)...)

// testClock is a manually advanced time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// failingDispatcher rejects every job.
type failingDispatcher struct{}

func (failingDispatcher) Dispatch(context.Context, *job.Job) error {
	return errors.New("queue unavailable")
}

type testServer struct {
	handler http.Handler
	clock   *testClock
	store   *storage.LocalStorage
}

func newTestServer(t *testing.T, dispatcher job.Dispatcher, opts ...HandlerOption) testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	clock := &testClock{now: time.Now()}
	cache := job.NewMemoryCache(job.WithClock(clock.Now))
	if dispatcher == nil {
		dispatcher = job.NewLogDispatcher(logger)
	}
	svc := job.NewService(job.NewMemoryRepository(), cache, dispatcher, store, logger)

	handlers := NewHandlers(svc, logger, opts...)
	return testServer{
		handler: NewRouter(handlers, logger, DefaultConfig()),
		clock:   clock,
		store:   store,
	}
}

func (s testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s testServer) postJSON(path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return s.do(req)
}

func (s testServer) get(path string) *httptest.ResponseRecorder {
	return s.do(httptest.NewRequest(http.MethodGet, path, nil))
}

func multipartRequest(t *testing.T, file []byte, filename, args string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if file != nil {
		part, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = part.Write(file)
		require.NoError(t, err)
	}
	if args != "" {
		require.NoError(t, mw.WriteField("args", args))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/submit/file", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func jobIDFromLocation(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	m := locationPattern.FindStringSubmatch(rec.Header().Get("Location"))
	require.NotNil(t, m, "unexpected Location header %q", rec.Header().Get("Location"))
	return m[1]
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.get("/health")

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestSubmitURL_ThenPoll(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.postJSON("/submit/url", `{"url": "http://x/y.mp3", "args": {"effects": []}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	jobID := jobIDFromLocation(t, rec)

	var submitted SubmitResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&submitted))
	assert.Equal(t, jobID, submitted.ID)
	assert.Equal(t, "waiting", submitted.Status)

	rec = s.get("/queue/" + jobID)
	require.Equal(t, http.StatusOK, rec.Code)

	var status QueueResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, jobID, status.ID)
	assert.Equal(t, "waiting", status.Status)
	assert.Equal(t, "url", status.Source)

	rec = s.get("/queue/" + id.Generate())
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "JOB_NOT_FOUND", decodeError(t, rec).Code)
}

func TestSubmitURL_WithEffects(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.postJSON("/submit/url", `{
		"url": "https://songs.example.com/a.mp3",
		"args": {"min_bpm": 170, "max_bpm": 80, "effects": [{"type": "speed", "factor": 1.3}, {"type": "flanger", "depth": 0.5}]}
	}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = s.get("/queue/" + jobIDFromLocation(t, rec))
	require.Equal(t, http.StatusOK, rec.Code)

	var raw struct {
		Args json.RawMessage `json:"args"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&raw))
	assert.JSONEq(t,
		`{"min_bpm": 170, "max_bpm": 80, "effects": [{"type": "speed", "factor": 1.3}, {"type": "flanger", "depth": 0.5}]}`,
		string(raw.Args))
}

func TestSubmitURL_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{"invalid json", `not json`, "INVALID_BODY"},
		{"missing args", `{"url": "http://x/y.mp3"}`, "VALIDATION_ERROR"},
		{"missing url", `{"args": {"effects": []}}`, "VALIDATION_ERROR"},
		{"url without scheme", `{"url": "y.mp3", "args": {"effects": []}}`, "VALIDATION_ERROR"},
		{"missing effects", `{"url": "http://x/y.mp3", "args": {}}`, "INVALID_ARGS"},
		{"mistyped bpm", `{"url": "http://x/y.mp3", "args": {"min_bpm": "slow", "effects": []}}`, "INVALID_ARGS"},
		{"mistyped effect", `{"url": "http://x/y.mp3", "args": {"effects": [{"type": "gain", "db": "loud"}]}}`, "INVALID_ARGS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, nil)

			rec := s.postJSON("/submit/url", tt.body)

			assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
			assert.Equal(t, tt.wantCode, decodeError(t, rec).Code)
			assert.Empty(t, rec.Header().Get("Location"))
		})
	}
}

func TestSubmitURL_BodyTooLarge(t *testing.T) {
	s := newTestServer(t, nil)
	body := `{"url": "http://x/y.mp3", "args": {"effects": []}, "pad": "` + strings.Repeat("a", int(maxJSONBytes)) + `"}`

	rec := s.postJSON("/submit/url", body)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "BODY_TOO_LARGE", decodeError(t, rec).Code)
}

func TestSubmitURL_DispatchFailure(t *testing.T) {
	s := newTestServer(t, failingDispatcher{})

	rec := s.postJSON("/submit/url", `{"url": "http://x/y.mp3", "args": {"effects": []}}`)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "JOB_SUBMISSION_FAILED", decodeError(t, rec).Code)
}

func TestSubmitFile_ThenPoll(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(multipartRequest(t, mp3Bytes, "song.mp3", `{"max_bpm": 128, "effects": [{"type": "reverse"}]}`))
	require.Equal(t, http.StatusAccepted, rec.Code)
	jobID := jobIDFromLocation(t, rec)

	entries, err := os.ReadDir(s.store.TempDir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), jobID)

	rec = s.get("/queue/" + jobID)
	require.Equal(t, http.StatusOK, rec.Code)

	var status QueueResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, "file", status.Source)
	require.NotNil(t, status.Args.MaxBPM)
	assert.Equal(t, 128, *status.Args.MaxBPM)
	require.Len(t, status.Args.Effects, 1)
	assert.Equal(t, job.ReverseEffect{}, status.Args.Effects[0])
}

func TestSubmitFile_DefaultArgs(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(multipartRequest(t, mp3Bytes, "song.mp3", ""))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = s.get("/queue/" + jobIDFromLocation(t, rec))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitFile_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		req        func(t *testing.T) *http.Request
		wantStatus int
		wantCode   string
	}{
		{
			name:       "missing file",
			req:        func(t *testing.T) *http.Request { return multipartRequest(t, nil, "", `{"effects": []}`) },
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   "MISSING_FILE",
		},
		{
			name: "not audio",
			req: func(t *testing.T) *http.Request {
				return multipartRequest(t, []byte("%PDF-1.7 not a song"), "song.mp3", "")
			},
			wantStatus: http.StatusUnsupportedMediaType,
			wantCode:   "UNSUPPORTED_MEDIA_TYPE",
		},
		{
			name:       "bad args",
			req:        func(t *testing.T) *http.Request { return multipartRequest(t, mp3Bytes, "song.mp3", `{"effects": 3}`) },
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   "INVALID_ARGS",
		},
		{
			name: "not multipart",
			req: func(t *testing.T) *http.Request {
				req := httptest.NewRequest(http.MethodPost, "/submit/file", strings.NewReader(`{}`))
				req.Header.Set("Content-Type", "application/json")
				return req
			},
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   "INVALID_BODY",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, nil)

			rec := s.do(tt.req(t))

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCode, decodeError(t, rec).Code)

			entries, err := os.ReadDir(s.store.TempDir())
			require.NoError(t, err)
			assert.Empty(t, entries, "rejected upload must not be stored")
		})
	}
}

func TestSubmitFile_TooLarge(t *testing.T) {
	s := newTestServer(t, nil, WithMaxUploadBytes(64))

	rec := s.do(multipartRequest(t, mp3Bytes, "song.mp3", ""))

	assert.NotEqual(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, []int{http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity}, rec.Code)
}

func TestGetQueue_Expired(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.postJSON("/submit/url", `{"url": "http://x/y.mp3", "args": {"effects": []}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	jobID := jobIDFromLocation(t, rec)

	s.clock.Advance(job.DefaultCacheTTL - time.Second)
	assert.Equal(t, http.StatusOK, s.get("/queue/"+jobID).Code)

	s.clock.Advance(time.Second)
	assert.Equal(t, http.StatusNotFound, s.get("/queue/"+jobID).Code)
}

func TestGetQueue_MalformedID(t *testing.T) {
	s := newTestServer(t, nil)

	for _, jobID := range []string{"nonexistent", "ABCDEF0123456789ABCDEF0123456789", strings.Repeat("a", 33)} {
		rec := s.get("/queue/" + jobID)
		assert.Equal(t, http.StatusNotFound, rec.Code, jobID)
		assert.Equal(t, "JOB_NOT_FOUND", decodeError(t, rec).Code)
	}
}

func TestSubmitURL_ConcurrentSubmissions(t *testing.T) {
	s := newTestServer(t, nil)
	const n = 50

	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := s.postJSON("/submit/url", `{"url": "http://x/y.mp3", "args": {"effects": []}}`)
			if rec.Code != http.StatusAccepted {
				t.Errorf("unexpected status %d", rec.Code)
				return
			}
			ids <- locationPattern.FindStringSubmatch(rec.Header().Get("Location"))[1]
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for jobID := range ids {
		assert.False(t, seen[jobID], "duplicate job id %s", jobID)
		seen[jobID] = true
		assert.Equal(t, http.StatusOK, s.get("/queue/"+jobID).Code)
	}
	assert.Len(t, seen, n)
}

func TestRouter_RequestID(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.get("/health")
	assert.True(t, id.Valid(rec.Header().Get(RequestIDHeader)))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "client-supplied")
	rec = s.do(req)
	assert.Equal(t, "client-supplied", rec.Header().Get(RequestIDHeader))
}

func TestRouter_CORSPreflight(t *testing.T) {
	s := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/submit/url", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := s.do(req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), "Location")
}

func TestRecoveryMiddleware(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	h := RecoveryMiddleware(logger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "INTERNAL_ERROR", decodeError(t, rec).Code)
}

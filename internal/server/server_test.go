package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"log/slog"

	"vodworks/internal/api"
	"vodworks/internal/chunkstore"
	"vodworks/internal/observability/logging"
	"vodworks/internal/observability/metrics"
	"vodworks/internal/runner"
	"vodworks/internal/storage"
)

type noopSubmitter struct{}

func (noopSubmitter) Submit(context.Context, runner.Job) error { return nil }

func newTestServer(t *testing.T, logger *slog.Logger) (*Server, *metrics.Recorder, string) {
	t.Helper()
	root := t.TempDir()

	store, err := storage.NewJSONRepository(filepath.Join(root, "data", "videos.json"))
	if err != nil {
		t.Fatalf("NewJSONRepository: %v", err)
	}
	t.Cleanup(func() { store.Close(context.Background()) })

	chunks, err := chunkstore.New(filepath.Join(root, "staging"))
	if err != nil {
		t.Fatalf("chunkstore.New: %v", err)
	}

	mediaRoot := filepath.Join(root, "media")
	handler, err := api.NewHandler(api.HandlerConfig{
		Store:     store,
		Chunks:    chunks,
		Jobs:      noopSubmitter{},
		MediaRoot: mediaRoot,
		Logger:    logger,
		Metrics:   metrics.New(),
	})
	if err != nil {
		t.Fatalf("api.NewHandler: %v", err)
	}

	recorder := metrics.New()
	srv, err := New(handler, Config{
		Addr:      "127.0.0.1:0",
		MediaRoot: mediaRoot,
		Logger:    logger,
		Metrics:   recorder,
	})
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	return srv, recorder, mediaRoot
}

func TestServerRoutesAndRequestID(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, _, _ := newTestServer(t, logger)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rr.Code)
	}
	if rr.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected a generated X-Request-Id header")
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "incoming")
	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if got := rr.Header().Get("X-Request-Id"); got != "incoming" {
		t.Fatalf("request id = %q, want incoming preserved", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/videos", nil)
	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("list videos status = %d, body %s", rr.Code, rr.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/videos/vid_missing", nil)
	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing video status = %d", rr.Code)
	}
}

func TestServerMetricsEndpoint(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, recorder, _ := newTestServer(t, logger)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	srv.Handler().ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "vodworks_http_requests_total") {
		t.Fatalf("metrics body missing request counters: %s", rr.Body.String())
	}

	var buf bytes.Buffer
	recorder.Write(&buf)
	if !strings.Contains(buf.String(), `path="/healthz"`) {
		t.Fatalf("recorder did not observe the healthz request: %s", buf.String())
	}
}

func TestServerServesMediaFiles(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, _, mediaRoot := newTestServer(t, logger)

	manifestDir := filepath.Join(mediaRoot, "videos", "2026", "08", "31", "dash_abc123")
	if err := os.MkdirAll(manifestDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(manifestDir, "stream.mpd"), []byte("<MPD/>"), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/media/videos/2026/08/31/dash_abc123/stream.mpd", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("media status = %d", rr.Code)
	}
	if rr.Body.String() != "<MPD/>" {
		t.Fatalf("media body = %q", rr.Body.String())
	}
}

func TestRequestIDMiddlewareAnnotatesLogs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	chain := requestIDMiddlewareWithGenerator(logger, func() string { return "generated-id" },
		logging.RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id, _ := logging.RequestIDFromContext(r.Context()); id != "generated-id" {
				t.Fatalf("request id in context = %q", id)
			}
			if id, _ := logging.VideoIDFromContext(r.Context()); id != "vid_abc123_aa11bb22" {
				t.Fatalf("video id in context = %q", id)
			}
			w.WriteHeader(http.StatusNoContent)
		})))

	req := httptest.NewRequest(http.MethodPost, "/api/videos/mergeChunk", nil)
	req.Header.Set("X-Video-Id", "vid_abc123_aa11bb22")
	chain.ServeHTTP(httptest.NewRecorder(), req)

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if payload["request_id"] != "generated-id" {
		t.Fatalf("request_id = %v", payload["request_id"])
	}
	if payload["video_id"] != "vid_abc123_aa11bb22" {
		t.Fatalf("video_id = %v", payload["video_id"])
	}
}

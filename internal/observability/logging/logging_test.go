package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"log/slog"
)

func TestNewRespectsCustomWriter(t *testing.T) {
	var buf bytes.Buffer

	logger := New(Config{Writer: &buf})
	logger.Info("custom writer")

	if buf.Len() == 0 {
		t.Fatalf("expected output in custom writer, got none")
	}
}

func TestNewFormatSelection(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Format: "text"})
	logger.Info("hello")
	if strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Fatalf("expected text output, got %q", buf.String())
	}

	buf.Reset()
	logger = New(Config{Writer: &buf})
	logger.Info("hello")
	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("default format should be JSON, got %q", buf.String())
	}
}

func TestNewRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Level: "warn"})

	logger.Info("suppressed")
	if buf.Len() != 0 {
		t.Fatalf("info should be suppressed at warn level, got %q", buf.String())
	}

	logger.Warn("emitted")
	if buf.Len() == 0 {
		t.Fatal("warn should be emitted at warn level")
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf})

	WithComponent(logger, "runner").Info("working")

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	if payload["component"] != "runner" {
		t.Fatalf("component = %v, want runner", payload["component"])
	}
}

func TestWithContextAnnotatesIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf})

	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithVideoID(ctx, "vid_abc123_aa11bb22")

	WithContext(ctx, logger).Info("annotated")

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	if payload["request_id"] != "req-1" {
		t.Fatalf("request_id = %v", payload["request_id"])
	}
	if payload["video_id"] != "vid_abc123_aa11bb22" {
		t.Fatalf("video_id = %v", payload["video_id"])
	}
}

func TestWithContextNilLogger(t *testing.T) {
	if got := WithContext(context.Background(), nil); got != nil {
		t.Fatalf("WithContext(nil) = %v, want nil", got)
	}
}

func TestLoggerFromContextRoundTrip(t *testing.T) {
	logger := slog.Default()
	ctx := ContextWithLogger(context.Background(), logger)
	if got := LoggerFromContext(ctx); got != logger {
		t.Fatal("logger did not round-trip through the context")
	}
	if got := LoggerFromContext(context.Background()); got != nil {
		t.Fatalf("empty context should yield nil logger, got %v", got)
	}
}

func TestRequestLoggerEmitsRequestMetadata(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf})

	handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/videos/mergeChunk", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	if payload["method"] != http.MethodPost {
		t.Fatalf("method = %v", payload["method"])
	}
	if payload["path"] != "/api/videos/mergeChunk" {
		t.Fatalf("path = %v", payload["path"])
	}
	if payload["status"] != float64(http.StatusTeapot) {
		t.Fatalf("status = %v", payload["status"])
	}
}

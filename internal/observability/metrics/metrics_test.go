package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRecorderTranscodeLifecycle(t *testing.T) {
	recorder := New()
	recorder.TranscodeJobStarted()
	recorder.TranscodeJobRetried()
	recorder.TranscodeJobCompleted()
	recorder.TranscodeJobStarted()
	recorder.TranscodeJobFailed()

	events, retries, active := recorder.TranscodeJobCounts()
	if active != 0 {
		t.Fatalf("expected 0 active jobs, got %d", active)
	}
	if retries != 1 {
		t.Fatalf("expected 1 retry, got %d", retries)
	}
	if events[TranscodeJobLabel{Status: "start"}] != 2 {
		t.Errorf("expected 2 starts, got %d", events[TranscodeJobLabel{Status: "start"}])
	}
	if events[TranscodeJobLabel{Status: "complete"}] != 1 {
		t.Errorf("expected 1 completion, got %d", events[TranscodeJobLabel{Status: "complete"}])
	}
	if events[TranscodeJobLabel{Status: "fail"}] != 1 {
		t.Errorf("expected 1 failure, got %d", events[TranscodeJobLabel{Status: "fail"}])
	}
}

func TestRecorderGaugeNeverNegative(t *testing.T) {
	recorder := New()
	recorder.TranscodeJobFailed()
	if active := recorder.ActiveTranscodeJobs(); active != 0 {
		t.Fatalf("expected gauge to stay at 0, got %d", active)
	}
}

func TestRecorderChunkAndMergeCounters(t *testing.T) {
	recorder := New()
	recorder.ObserveChunk("stored", 1024)
	recorder.ObserveChunk("stored", 2048)
	recorder.ObserveChunk("rejected", 0)
	recorder.ObserveMerge("completed")
	recorder.ObserveMerge("incomplete")

	events, bytes := recorder.ChunkCounts()
	if events["stored"] != 2 || events["rejected"] != 1 {
		t.Fatalf("unexpected chunk events: %v", events)
	}
	if bytes != 3072 {
		t.Fatalf("expected 3072 chunk bytes, got %d", bytes)
	}
	merges := recorder.MergeCounts()
	if merges["completed"] != 1 || merges["incomplete"] != 1 {
		t.Fatalf("unexpected merge events: %v", merges)
	}
}

func TestRecorderExposition(t *testing.T) {
	recorder := New()
	recorder.ObserveRequest("POST", "/api/videos/mergeChunk", 201, 25*time.Millisecond)
	recorder.ObserveChunk("stored", 512)
	recorder.ObserveMerge("completed")
	recorder.TranscodeJobStarted()

	req := httptest.NewRequest("GET", "/metrics", nil)
	res := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(res, req)

	body := res.Body.String()
	for _, want := range []string{
		`vodworks_http_requests_total{method="POST",path="/api/videos/mergeChunk",status="201"} 1`,
		`vodworks_upload_chunks_total{result="stored"} 1`,
		"vodworks_upload_chunk_bytes_total 512",
		`vodworks_merges_total{outcome="completed"} 1`,
		"vodworks_transcode_active_jobs 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q\n%s", want, body)
		}
	}
}

func TestNormalizePathCollapsesIdentifiers(t *testing.T) {
	cases := map[string]string{
		"/api/videos/vid_abc123_9f2e1c44":   "/api/videos/:id",
		"/api/videos":                       "/api/videos",
		"/api/videos/":                      "/api/videos",
		"/":                                 "/",
		"/api/videos/b4cd45e94e80e13c7407d": "/api/videos/:id",
	}
	for input, want := range cases {
		if got := normalizePath(input); got != want {
			t.Errorf("normalizePath(%q) = %q, want %q", input, got, want)
		}
	}
}

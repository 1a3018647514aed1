package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// TranscodeJobLabel identifies a transcode job counter by lifecycle outcome.
type TranscodeJobLabel struct {
	Status string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP requests,
// chunk ingestion, merge operations, and transcode job lifecycle events. It
// coordinates concurrent writers via a RWMutex while exposing a thread-safe
// gauge for active transcode tracking.
type Recorder struct {
	mu               sync.RWMutex
	requestCount     map[requestLabel]uint64
	requestDuration  map[requestLabel]time.Duration
	chunkEvents      map[string]uint64
	chunkBytes       uint64
	mergeEvents      map[string]uint64
	transcodeEvents  map[TranscodeJobLabel]uint64
	transcodeRetries uint64
	activeTranscode  atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers can
// immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		chunkEvents:     make(map[string]uint64),
		mergeEvents:     make(map[string]uint64),
		transcodeEvents: make(map[TranscodeJobLabel]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveChunk records one stored chunk and its size keyed by result
// ("stored" or "rejected").
func (r *Recorder) ObserveChunk(result string, size int64) {
	event := normalizeName(result)
	r.mu.Lock()
	r.chunkEvents[event]++
	if size > 0 {
		r.chunkBytes += uint64(size)
	}
	r.mu.Unlock()
}

// ObserveMerge records a merge attempt outcome ("completed", "incomplete",
// "deduplicated", or "error").
func (r *Recorder) ObserveMerge(outcome string) {
	event := normalizeName(outcome)
	r.mu.Lock()
	r.mergeEvents[event]++
	r.mu.Unlock()
}

// TranscodeJobStarted records the beginning of a transcode run and increments
// the active job gauge.
func (r *Recorder) TranscodeJobStarted() {
	r.recordTranscodeEvent("start")
	r.activeTranscode.Add(1)
}

// TranscodeJobRetried records one retried attempt within a transcode run.
func (r *Recorder) TranscodeJobRetried() {
	r.mu.Lock()
	r.transcodeRetries++
	r.mu.Unlock()
}

// TranscodeJobCompleted records a successful transcode run and decrements the
// active job gauge.
func (r *Recorder) TranscodeJobCompleted() {
	r.recordTranscodeEvent("complete")
	r.decrementGauge(&r.activeTranscode)
}

// TranscodeJobFailed records a permanently failed transcode run and decrements
// the active job gauge (without allowing it to go negative if the job never
// started).
func (r *Recorder) TranscodeJobFailed() {
	r.recordTranscodeEvent("fail")
	r.decrementGauge(&r.activeTranscode)
}

func (r *Recorder) recordTranscodeEvent(status string) {
	label := TranscodeJobLabel{Status: normalizeName(status)}
	r.mu.Lock()
	r.transcodeEvents[label]++
	r.mu.Unlock()
}

// ActiveTranscodeJobs exposes the current number of running transcode jobs
// tracked by the recorder.
func (r *Recorder) ActiveTranscodeJobs() int64 {
	return r.activeTranscode.Load()
}

// TranscodeJobCounts returns copies of transcode job event counters, the retry
// counter, and the current active job gauge value.
func (r *Recorder) TranscodeJobCounts() (events map[TranscodeJobLabel]uint64, retries uint64, active int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events = make(map[TranscodeJobLabel]uint64, len(r.transcodeEvents))
	for k, v := range r.transcodeEvents {
		events[k] = v
	}
	return events, r.transcodeRetries, r.activeTranscode.Load()
}

// ChunkCounts returns copies of the chunk event counters and the cumulative
// byte total for testing and reporting purposes.
func (r *Recorder) ChunkCounts() (events map[string]uint64, bytes uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events = make(map[string]uint64, len(r.chunkEvents))
	for k, v := range r.chunkEvents {
		events[k] = v
	}
	return events, r.chunkBytes
}

// MergeCounts returns a copy of the merge outcome counters.
func (r *Recorder) MergeCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events := make(map[string]uint64, len(r.mergeEvents))
	for k, v := range r.mergeEvents {
		events[k] = v
	}
	return events
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.chunkEvents = make(map[string]uint64)
	r.chunkBytes = 0
	r.mergeEvents = make(map[string]uint64)
	r.transcodeEvents = make(map[TranscodeJobLabel]uint64)
	r.transcodeRetries = 0
	r.activeTranscode.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting label
// sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	chunkEvents := sortedKeys(r.chunkEvents)
	mergeEvents := sortedKeys(r.mergeEvents)
	transcodeEvents := r.sortedTranscodeJobLabels()

	fmt.Fprintln(w, "# HELP vodworks_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE vodworks_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "vodworks_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP vodworks_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE vodworks_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "vodworks_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP vodworks_upload_chunks_total Uploaded chunk events by result")
	fmt.Fprintln(w, "# TYPE vodworks_upload_chunks_total counter")
	for _, event := range chunkEvents {
		fmt.Fprintf(w, "vodworks_upload_chunks_total{result=\"%s\"} %d\n", event, r.chunkEvents[event])
	}

	fmt.Fprintln(w, "# HELP vodworks_upload_chunk_bytes_total Total bytes accepted across all uploaded chunks")
	fmt.Fprintln(w, "# TYPE vodworks_upload_chunk_bytes_total counter")
	fmt.Fprintf(w, "vodworks_upload_chunk_bytes_total %d\n", r.chunkBytes)

	fmt.Fprintln(w, "# HELP vodworks_merges_total Merge attempts by outcome")
	fmt.Fprintln(w, "# TYPE vodworks_merges_total counter")
	for _, event := range mergeEvents {
		fmt.Fprintf(w, "vodworks_merges_total{outcome=\"%s\"} %d\n", event, r.mergeEvents[event])
	}

	fmt.Fprintln(w, "# HELP vodworks_transcode_jobs_total Transcode job events by status")
	fmt.Fprintln(w, "# TYPE vodworks_transcode_jobs_total counter")
	for _, label := range transcodeEvents {
		fmt.Fprintf(w, "vodworks_transcode_jobs_total{status=\"%s\"} %d\n", label.Status, r.transcodeEvents[label])
	}

	fmt.Fprintln(w, "# HELP vodworks_transcode_retries_total Total retried transcode attempts")
	fmt.Fprintln(w, "# TYPE vodworks_transcode_retries_total counter")
	fmt.Fprintf(w, "vodworks_transcode_retries_total %d\n", r.transcodeRetries)

	fmt.Fprintln(w, "# HELP vodworks_transcode_active_jobs Current number of active transcode jobs")
	fmt.Fprintln(w, "# TYPE vodworks_transcode_active_jobs gauge")
	fmt.Fprintf(w, "vodworks_transcode_active_jobs %d\n", r.activeTranscode.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedTranscodeJobLabels() []TranscodeJobLabel {
	labels := make([]TranscodeJobLabel, 0, len(r.transcodeEvents))
	for label := range r.transcodeEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		return labels[i].Status < labels[j].Status
	})
	return labels
}

func sortedKeys(counters map[string]uint64) []string {
	keys := make([]string, 0, len(counters))
	for key := range counters {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if strings.HasPrefix(segment, "vid_") {
		return true
	}
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// TranscodeJobStarted records the start of a transcode job on the default recorder.
func TranscodeJobStarted() {
	defaultRecorder.TranscodeJobStarted()
}

// TranscodeJobCompleted records a completed transcode job on the default recorder.
func TranscodeJobCompleted() {
	defaultRecorder.TranscodeJobCompleted()
}

// TranscodeJobFailed records a failed transcode job on the default recorder.
func TranscodeJobFailed() {
	defaultRecorder.TranscodeJobFailed()
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}

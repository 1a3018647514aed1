package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"vodworks/internal/chunkstore"
	"vodworks/internal/models"
	"vodworks/internal/observability/metrics"
	"vodworks/internal/runner"
	"vodworks/internal/storage"
)

type fakeSubmitter struct {
	jobs      []runner.Job
	submitErr error
}

func (f *fakeSubmitter) Submit(_ context.Context, job runner.Job) error {
	if f.submitErr != nil {
		return f.submitErr
	}
	f.jobs = append(f.jobs, job)
	return nil
}

type handlerHarness struct {
	handler   *Handler
	store     storage.Repository
	jobs      *fakeSubmitter
	recorder  *metrics.Recorder
	mediaRoot string
}

func newHandlerHarness(t *testing.T) *handlerHarness {
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

	jobs := &fakeSubmitter{}
	recorder := metrics.New()
	handler, err := NewHandler(HandlerConfig{
		Store:     store,
		Chunks:    chunks,
		Jobs:      jobs,
		MediaRoot: filepath.Join(root, "media"),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:   recorder,
	})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return &handlerHarness{
		handler:   handler,
		store:     store,
		jobs:      jobs,
		recorder:  recorder,
		mediaRoot: handler.MediaRoot,
	}
}

func (h *handlerHarness) uploadChunk(t *testing.T, hash, ext string, index int, payload string) *httptest.ResponseRecorder {
	t.Helper()
	body := &bytes.Buffer{}
	form := multipart.NewWriter(body)
	if err := form.WriteField("fileHash", hash); err != nil {
		t.Fatalf("write fileHash: %v", err)
	}
	if err := form.WriteField("fileExt", ext); err != nil {
		t.Fatalf("write fileExt: %v", err)
	}
	if err := form.WriteField("chunkName", fmt.Sprintf("%s-%d", hash, index)); err != nil {
		t.Fatalf("write chunkName: %v", err)
	}
	part, err := form.CreateFormFile("chunk", fmt.Sprintf("%s-%d", hash, index))
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := io.WriteString(part, payload); err != nil {
		t.Fatalf("write chunk body: %v", err)
	}
	if err := form.Close(); err != nil {
		t.Fatalf("close form: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/videos/uploadChunk", body)
	req.Header.Set("Content-Type", form.FormDataContentType())
	resp := httptest.NewRecorder()
	h.handler.UploadChunk(resp, req)
	return resp
}

func postJSON(t *testing.T, handle http.HandlerFunc, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	handle(resp, req)
	return resp
}

func decodeBody[T any](t *testing.T, resp *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", resp.Body.String(), err)
	}
	return out
}

func TestUploadVerifyMergeFlow(t *testing.T) {
	h := newHandlerHarness(t)
	hash, ext := "abc123", ".mp4"

	for index, payload := range []string{"head", "middle", "tail"} {
		if resp := h.uploadChunk(t, hash, ext, index, payload); resp.Code != http.StatusOK {
			t.Fatalf("uploadChunk %d status = %d, body %s", index, resp.Code, resp.Body.String())
		}
	}

	verify := postJSON(t, h.handler.VerifyUpload, "/api/videos/verifyUpload", verifyUploadRequest{
		FileHash: hash,
		FileExt:  ext,
	})
	if verify.Code != http.StatusOK {
		t.Fatalf("verifyUpload status = %d", verify.Code)
	}
	status := decodeBody[verifyUploadResponse](t, verify)
	if !status.ShouldUpload {
		t.Fatal("expected shouldUpload=true before the merge")
	}
	if len(status.UploadedList) != 3 {
		t.Fatalf("uploadedList = %v, want 3 entries", status.UploadedList)
	}

	merge := postJSON(t, h.handler.MergeChunk, "/api/videos/mergeChunk", mergeChunkRequest{
		FileHash:    hash,
		FileExt:     ext,
		FileName:    "lecture one.mp4",
		CourseID:    "course-7",
		TotalChunks: 3,
	})
	if merge.Code != http.StatusCreated {
		t.Fatalf("mergeChunk status = %d, body %s", merge.Code, merge.Body.String())
	}
	video := decodeBody[models.Video](t, merge)
	if video.Status != models.StatusProcessing {
		t.Fatalf("status = %v, want Processing", video.Status)
	}
	if !strings.HasPrefix(video.ID, "vid_"+hash+"_") {
		t.Fatalf("unexpected video id %q", video.ID)
	}
	if video.Name != "lecture one.mp4" {
		t.Fatalf("name = %q", video.Name)
	}
	if video.CourseID == nil || *video.CourseID != "course-7" {
		t.Fatalf("courseId = %v", video.CourseID)
	}

	sourcePath, ok := video.Metadata["sourcePath"].(string)
	if !ok {
		t.Fatalf("metadata sourcePath missing: %v", video.Metadata)
	}
	merged, err := os.ReadFile(sourcePath)
	if err != nil {
		t.Fatalf("read merged source: %v", err)
	}
	if string(merged) != "headmiddletail" {
		t.Fatalf("merged content = %q", merged)
	}
	if !strings.Contains(filepath.ToSlash(sourcePath), "/videos/") {
		t.Fatalf("source path %q is outside the dated videos tree", sourcePath)
	}

	if len(h.jobs.jobs) != 1 {
		t.Fatalf("submitted jobs = %d, want 1", len(h.jobs.jobs))
	}
	job := h.jobs.jobs[0]
	if job.VideoID != video.ID || job.ContentHash != hash || job.SourcePath != sourcePath {
		t.Fatalf("unexpected job %+v", job)
	}

	if counts := h.recorder.MergeCounts(); counts["completed"] != 1 {
		t.Fatalf("merge counts = %v", counts)
	}
	events, _ := h.recorder.ChunkCounts()
	if events["stored"] != 3 {
		t.Fatalf("chunk counts = %v", events)
	}
}

func TestVerifyUploadReportsPartialChunks(t *testing.T) {
	h := newHandlerHarness(t)
	hash, ext := "abc123", ".mp4"

	h.uploadChunk(t, hash, ext, 0, "head")
	h.uploadChunk(t, hash, ext, 2, "tail")

	resp := postJSON(t, h.handler.VerifyUpload, "/api/videos/verifyUpload", verifyUploadRequest{
		FileHash: hash,
		FileExt:  ext,
	})
	status := decodeBody[verifyUploadResponse](t, resp)
	if !status.ShouldUpload {
		t.Fatal("expected shouldUpload=true with chunks missing")
	}
	want := []string{"abc123-0", "abc123-2"}
	if len(status.UploadedList) != len(want) {
		t.Fatalf("uploadedList = %v, want %v", status.UploadedList, want)
	}
	for i, name := range want {
		if status.UploadedList[i] != name {
			t.Fatalf("uploadedList = %v, want %v", status.UploadedList, want)
		}
	}
}

func TestVerifyUploadInstantUpload(t *testing.T) {
	h := newHandlerHarness(t)
	if _, err := h.store.CreateVideo(storage.CreateVideoParams{
		ID:          "vid_abc123_existing",
		Name:        "existing.mp4",
		ContentHash: "abc123",
		Extension:   ".mp4",
		Status:      models.StatusFinished,
	}); err != nil {
		t.Fatalf("seed video: %v", err)
	}

	resp := postJSON(t, h.handler.VerifyUpload, "/api/videos/verifyUpload", verifyUploadRequest{
		FileHash: "abc123",
		FileExt:  ".mp4",
	})
	status := decodeBody[verifyUploadResponse](t, resp)
	if status.ShouldUpload {
		t.Fatal("expected shouldUpload=false for known content hash")
	}
	if status.Video == nil || status.Video.ID != "vid_abc123_existing" {
		t.Fatalf("unexpected video in response: %+v", status.Video)
	}
}

func TestVerifyUploadIgnoresFailedRecords(t *testing.T) {
	h := newHandlerHarness(t)
	video, err := h.store.CreateVideo(storage.CreateVideoParams{
		ID:          "vid_abc123_failed",
		Name:        "broken.mp4",
		ContentHash: "abc123",
		Extension:   ".mp4",
		Status:      models.StatusProcessing,
	})
	if err != nil {
		t.Fatalf("seed video: %v", err)
	}
	failed := models.StatusFailed
	if _, err := h.store.UpdateVideo(video.ID, storage.VideoUpdate{Status: &failed}); err != nil {
		t.Fatalf("fail video: %v", err)
	}

	resp := postJSON(t, h.handler.VerifyUpload, "/api/videos/verifyUpload", verifyUploadRequest{
		FileHash: "abc123",
		FileExt:  ".mp4",
	})
	status := decodeBody[verifyUploadResponse](t, resp)
	if !status.ShouldUpload {
		t.Fatal("failed records must not count as instant uploads")
	}
}

func TestMergeChunkIncomplete(t *testing.T) {
	h := newHandlerHarness(t)
	hash, ext := "abc123", ".mp4"
	h.uploadChunk(t, hash, ext, 0, "head")
	h.uploadChunk(t, hash, ext, 2, "tail")

	resp := postJSON(t, h.handler.MergeChunk, "/api/videos/mergeChunk", mergeChunkRequest{
		FileHash:    hash,
		FileExt:     ext,
		FileName:    "lecture.mp4",
		TotalChunks: 3,
	})
	if resp.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.Code)
	}
	body := decodeBody[mergeIncompleteResponse](t, resp)
	if len(body.MissingChunkIndexes) != 1 || body.MissingChunkIndexes[0] != 1 {
		t.Fatalf("missingChunkIndexes = %v, want [1]", body.MissingChunkIndexes)
	}

	// Staging survives so the client can resend only chunk 1.
	present, err := h.handler.Chunks.ListPresent(hash, ext)
	if err != nil {
		t.Fatalf("ListPresent: %v", err)
	}
	if len(present) != 2 {
		t.Fatalf("present = %v, want chunks 0 and 2 retained", present)
	}
	if counts := h.recorder.MergeCounts(); counts["incomplete"] != 1 {
		t.Fatalf("merge counts = %v", counts)
	}
	if len(h.jobs.jobs) != 0 {
		t.Fatalf("no job should be queued, got %v", h.jobs.jobs)
	}
}

func TestMergeChunkDeduplicates(t *testing.T) {
	h := newHandlerHarness(t)
	hash, ext := "abc123", ".mp4"
	if _, err := h.store.CreateVideo(storage.CreateVideoParams{
		ID:          "vid_abc123_existing",
		Name:        "existing.mp4",
		ContentHash: hash,
		Extension:   ext,
		Status:      models.StatusFinished,
	}); err != nil {
		t.Fatalf("seed video: %v", err)
	}

	resp := postJSON(t, h.handler.MergeChunk, "/api/videos/mergeChunk", mergeChunkRequest{
		FileHash:    hash,
		FileExt:     ext,
		FileName:    "duplicate.mp4",
		TotalChunks: 3,
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.Code)
	}
	video := decodeBody[models.Video](t, resp)
	if video.ID != "vid_abc123_existing" {
		t.Fatalf("expected existing record, got %q", video.ID)
	}
	if counts := h.recorder.MergeCounts(); counts["deduplicated"] != 1 {
		t.Fatalf("merge counts = %v", counts)
	}
	if len(h.jobs.jobs) != 0 {
		t.Fatalf("dedup must not queue a job, got %v", h.jobs.jobs)
	}
}

func TestMergeChunkNoChunks(t *testing.T) {
	h := newHandlerHarness(t)
	resp := postJSON(t, h.handler.MergeChunk, "/api/videos/mergeChunk", mergeChunkRequest{
		FileHash:    "abc123",
		FileExt:     ".mp4",
		FileName:    "ghost.mp4",
		TotalChunks: 3,
	})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.Code)
	}
}

func TestUploadChunkRejectsBadIdentity(t *testing.T) {
	h := newHandlerHarness(t)
	resp := h.uploadChunk(t, "../escape", ".mp4", 0, "data")
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.Code)
	}
	events, _ := h.recorder.ChunkCounts()
	if events["rejected"] != 1 {
		t.Fatalf("chunk counts = %v", events)
	}
}

func TestUploadChunkRejectsForeignChunkName(t *testing.T) {
	h := newHandlerHarness(t)
	body := &bytes.Buffer{}
	form := multipart.NewWriter(body)
	form.WriteField("fileHash", "abc123")
	form.WriteField("fileExt", ".mp4")
	form.WriteField("chunkName", "other-0")
	part, _ := form.CreateFormFile("chunk", "other-0")
	io.WriteString(part, "data")
	form.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/videos/uploadChunk", body)
	req.Header.Set("Content-Type", form.FormDataContentType())
	resp := httptest.NewRecorder()
	h.handler.UploadChunk(resp, req)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.Code)
	}
}

func TestGetVideo(t *testing.T) {
	h := newHandlerHarness(t)
	if _, err := h.store.CreateVideo(storage.CreateVideoParams{
		ID:          "vid_abc123_aa11bb22",
		Name:        "lecture.mp4",
		ContentHash: "abc123",
		Extension:   ".mp4",
		Status:      models.StatusProcessing,
	}); err != nil {
		t.Fatalf("seed video: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/videos/vid_abc123_aa11bb22", nil)
	resp := httptest.NewRecorder()
	h.handler.GetVideo(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d", resp.Code)
	}
	video := decodeBody[models.Video](t, resp)
	if video.ID != "vid_abc123_aa11bb22" {
		t.Fatalf("id = %q", video.ID)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/videos/vid_missing", nil)
	resp = httptest.NewRecorder()
	h.handler.GetVideo(resp, req)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("missing video status = %d, want 404", resp.Code)
	}
}

func TestListVideosFilters(t *testing.T) {
	h := newHandlerHarness(t)
	seed := []storage.CreateVideoParams{
		{ID: "vid_a_1", Name: "a", ContentHash: "aaa111", Extension: ".mp4", CourseID: "course-1", Status: models.StatusProcessing},
		{ID: "vid_b_1", Name: "b", ContentHash: "bbb222", Extension: ".mp4", CourseID: "course-2", Status: models.StatusProcessing},
		{ID: "vid_c_1", Name: "c", ContentHash: "ccc333", Extension: ".mp4", CourseID: "course-1", Status: models.StatusUploading},
	}
	for _, params := range seed {
		if _, err := h.store.CreateVideo(params); err != nil {
			t.Fatalf("seed %s: %v", params.ID, err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/videos?courseId=course-1", nil)
	resp := httptest.NewRecorder()
	h.handler.ListVideos(resp, req)
	list := decodeBody[listVideosResponse](t, resp)
	if list.Count != 2 {
		t.Fatalf("courseId filter count = %d, want 2", list.Count)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/videos?status=2&courseId=course-1", nil)
	resp = httptest.NewRecorder()
	h.handler.ListVideos(resp, req)
	list = decodeBody[listVideosResponse](t, resp)
	if list.Count != 1 || list.Videos[0].ID != "vid_a_1" {
		t.Fatalf("status+course filter = %+v", list.Videos)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/videos?status=oops", nil)
	resp = httptest.NewRecorder()
	h.handler.ListVideos(resp, req)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("bad status filter = %d, want 400", resp.Code)
	}
}

func TestHealth(t *testing.T) {
	h := newHandlerHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	resp := httptest.NewRecorder()
	h.handler.Health(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("health status = %d, body %s", resp.Code, resp.Body.String())
	}
}

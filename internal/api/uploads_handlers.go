package api

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"vodworks/internal/chunkstore"
	"vodworks/internal/models"
	"vodworks/internal/runner"
	"vodworks/internal/storage"
)

// maxChunkMemory bounds how much of a multipart chunk body is buffered in
// memory before spilling to disk.
const maxChunkMemory = 32 << 20

// UploadChunk accepts one multipart chunk and stages it for a later merge.
// Fields: "chunk" (file), "fileHash", "fileExt", "chunkName".
func (h *Handler) UploadChunk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if err := r.ParseMultipartForm(maxChunkMemory); err != nil {
		h.Metrics.ObserveChunk("rejected", 0)
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid multipart payload: %w", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	hash := strings.TrimSpace(r.FormValue("fileHash"))
	ext := strings.TrimSpace(r.FormValue("fileExt"))
	chunkName := strings.TrimSpace(r.FormValue("chunkName"))
	if err := chunkstore.ValidateIdentity(hash, ext); err != nil {
		h.Metrics.ObserveChunk("rejected", 0)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	index, err := chunkstore.ParseChunkName(chunkName, hash)
	if err != nil {
		h.Metrics.ObserveChunk("rejected", 0)
		writeError(w, http.StatusBadRequest, err)
		return
	}

	file, _, err := r.FormFile("chunk")
	if err != nil {
		h.Metrics.ObserveChunk("rejected", 0)
		writeError(w, http.StatusBadRequest, fmt.Errorf("chunk file is required"))
		return
	}
	defer file.Close()

	size, err := h.Chunks.WriteChunk(hash, ext, index, file)
	if err != nil {
		h.Metrics.ObserveChunk("rejected", 0)
		h.requestLogger(r).Error("failed to stage chunk", "contentHash", hash, "chunk", index, "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("failed to store chunk"))
		return
	}
	h.Metrics.ObserveChunk("stored", size)

	writeJSON(w, http.StatusOK, map[string]any{
		"chunkName": chunkName,
		"index":     index,
		"size":      size,
	})
}

type verifyUploadRequest struct {
	FileHash string `json:"fileHash"`
	FileExt  string `json:"fileExt"`
}

type verifyUploadResponse struct {
	ShouldUpload bool          `json:"shouldUpload"`
	UploadedList []string      `json:"uploadedList"`
	Video        *models.Video `json:"video,omitempty"`
}

// VerifyUpload answers whether content is already ingested (instant upload)
// and, if not, which chunk names the client can skip resending.
func (h *Handler) VerifyUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	var req verifyUploadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid payload: %w", err))
		return
	}
	hash := strings.TrimSpace(req.FileHash)
	ext := strings.TrimSpace(req.FileExt)
	if err := chunkstore.ValidateIdentity(hash, ext); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if video, ok := h.Store.FindVideoByContentHash(hash); ok && video.Status != models.StatusFailed {
		writeJSON(w, http.StatusOK, verifyUploadResponse{
			ShouldUpload: false,
			UploadedList: []string{},
			Video:        &video,
		})
		return
	}

	present, err := h.Chunks.ListPresent(hash, ext)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("failed to inspect staged chunks"))
		return
	}
	uploaded := make([]string, 0, len(present))
	for _, index := range present {
		uploaded = append(uploaded, chunkstore.ChunkName(hash, index))
	}
	writeJSON(w, http.StatusOK, verifyUploadResponse{
		ShouldUpload: true,
		UploadedList: uploaded,
	})
}

type mergeChunkRequest struct {
	FileHash    string `json:"fileHash"`
	FileExt     string `json:"fileExt"`
	FileName    string `json:"fileName"`
	CourseID    string `json:"courseId"`
	TotalChunks int    `json:"totalChunks"`
}

type mergeIncompleteResponse struct {
	Error               string `json:"error"`
	MissingChunkIndexes []int  `json:"missingChunkIndexes"`
}

// MergeChunk assembles the staged chunks into one source file, registers the
// video record in Processing, and queues the transcode job. Re-merging content
// that already has a live record returns that record instead.
func (h *Handler) MergeChunk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	var req mergeChunkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid payload: %w", err))
		return
	}
	hash := strings.TrimSpace(req.FileHash)
	ext := strings.TrimSpace(req.FileExt)
	if err := chunkstore.ValidateIdentity(hash, ext); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.TotalChunks < 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("totalChunks must be non-negative"))
		return
	}
	logger := h.requestLogger(r)

	lock := h.mergeLock(hash + ext)
	lock.Lock()
	defer lock.Unlock()

	// Instant upload: identical content already ingested or in flight.
	if video, ok := h.Store.FindVideoByContentHash(hash); ok && video.Status != models.StatusFailed {
		h.Metrics.ObserveMerge("deduplicated")
		logger.Info("merge deduplicated", "contentHash", hash, "videoId", video.ID)
		writeJSON(w, http.StatusOK, video)
		return
	}

	result, err := h.Chunks.Merge(hash, ext, req.TotalChunks)
	if err != nil {
		var incomplete *chunkstore.IncompleteUploadError
		switch {
		case errors.As(err, &incomplete):
			h.Metrics.ObserveMerge("incomplete")
			writeJSON(w, http.StatusConflict, mergeIncompleteResponse{
				Error:               incomplete.Error(),
				MissingChunkIndexes: incomplete.Missing,
			})
		case errors.Is(err, chunkstore.ErrNoChunks):
			h.Metrics.ObserveMerge("error")
			writeError(w, http.StatusNotFound, err)
		default:
			h.Metrics.ObserveMerge("error")
			logger.Error("merge failed", "contentHash", hash, "error", err)
			writeError(w, http.StatusInternalServerError, fmt.Errorf("failed to merge chunks"))
		}
		return
	}

	video, err := h.registerMergedVideo(r, req, result)
	if err != nil {
		h.Metrics.ObserveMerge("error")
		logger.Error("failed to register merged video", "contentHash", hash, "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("failed to register video"))
		return
	}

	if err := h.Chunks.Cleanup(hash, ext); err != nil {
		logger.Warn("failed to clean staging dir", "contentHash", hash, "error", err)
	}
	h.Metrics.ObserveMerge("completed")
	logger.Info("merge completed",
		"contentHash", hash,
		"videoId", video.ID,
		"chunks", result.Chunks,
		"bytes", result.Size,
	)
	writeJSON(w, http.StatusCreated, video)
}

func (h *Handler) registerMergedVideo(r *http.Request, req mergeChunkRequest, result chunkstore.MergeResult) (models.Video, error) {
	hash := strings.TrimSpace(req.FileHash)
	ext := strings.TrimSpace(req.FileExt)

	dir, err := h.datedVideoDir(time.Now())
	if err != nil {
		return models.Video{}, err
	}
	sourcePath := filepath.Join(dir, hash+ext)
	if err := moveFile(result.Path, sourcePath); err != nil {
		return models.Video{}, fmt.Errorf("move merged source: %w", err)
	}

	name := strings.TrimSpace(req.FileName)
	if name == "" {
		name = hash + ext
	}
	video, err := h.Store.CreateVideo(storage.CreateVideoParams{
		ID:          newVideoID(hash),
		Name:        name,
		ContentHash: hash,
		Extension:   ext,
		CourseID:    req.CourseID,
		Status:      models.StatusProcessing,
		Metadata: map[string]any{
			"sourcePath":   sourcePath,
			"sourceDigest": result.Digest,
			"sourceBytes":  result.Size,
			"totalChunks":  result.Chunks,
		},
	})
	if err != nil {
		return models.Video{}, err
	}

	job := runner.Job{VideoID: video.ID, ContentHash: hash, SourcePath: sourcePath}
	if err := h.Jobs.Submit(r.Context(), job); err != nil {
		// The record stays in Processing; runner recovery re-enqueues it on
		// the next start.
		h.requestLogger(r).Error("failed to queue transcode job", "videoId", video.ID, "error", err)
	}
	return video, nil
}

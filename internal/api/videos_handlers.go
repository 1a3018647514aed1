package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"vodworks/internal/models"
)

type listVideosResponse struct {
	Videos []models.Video `json:"videos"`
	Count  int            `json:"count"`
}

// ListVideos serves GET /api/videos with an optional courseId filter and an
// optional status filter (integer wire value).
func (h *Handler) ListVideos(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	var videos []models.Video
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		code, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid status filter %q", raw))
			return
		}
		videos = h.Store.ListVideosByStatus(models.Status(code))
		if courseID := strings.TrimSpace(r.URL.Query().Get("courseId")); courseID != "" {
			filtered := videos[:0]
			for _, video := range videos {
				if video.CourseID != nil && *video.CourseID == courseID {
					filtered = append(filtered, video)
				}
			}
			videos = filtered
		}
	} else {
		videos = h.Store.ListVideos(strings.TrimSpace(r.URL.Query().Get("courseId")))
	}
	if videos == nil {
		videos = []models.Video{}
	}
	writeJSON(w, http.StatusOK, listVideosResponse{Videos: videos, Count: len(videos)})
}

// GetVideo serves GET /api/videos/{id}.
func (h *Handler) GetVideo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/videos/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid video id"))
		return
	}
	video, ok := h.Store.GetVideo(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("video %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, video)
}

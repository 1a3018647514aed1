// Package storage persists video records behind the Repository interface.
// The default backend keeps everything in memory and mirrors each mutation to
// a JSON file; the Postgres backend serves deployments that outgrow it.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"vodworks/internal/models"
)

type dataset struct {
	Videos map[string]models.Video `json:"videos"`
}

func newDataset() dataset {
	return dataset{Videos: make(map[string]models.Video)}
}

// Storage is the JSON-file-backed repository. Every mutation rewrites the
// snapshot file atomically; on persist failure the in-memory state rolls back
// so memory and disk never diverge.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

// NewStorage loads (or initialises) the JSON snapshot at path.
func NewStorage(path string, opts ...Option) (*Storage, error) {
	store := &Storage{filePath: path}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

// NewJSONRepository opens the JSON-backed datastore and returns it as a
// Repository.
func NewJSONRepository(path string, opts ...Option) (Repository, error) {
	return NewStorage(path, opts...)
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}
	if s.data.Videos == nil {
		s.data.Videos = make(map[string]models.Video)
	}
	return nil
}

func (s *Storage) persist() error {
	if s.persistOverride != nil {
		return s.persistOverride(s.data)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.filePath), "store-*.tmp")
	if err != nil {
		return fmt.Errorf("stage store file: %w", err)
	}
	encoder := json.NewEncoder(tmp)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s.data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close store file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.filePath); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("commit store file: %w", err)
	}
	return nil
}

// Ping reports whether the snapshot directory is still writable.
func (s *Storage) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Stat(filepath.Dir(s.filePath))
	if err != nil {
		return fmt.Errorf("stat data dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("data path %s is not a directory", filepath.Dir(s.filePath))
	}
	return nil
}

// Close flushes the current dataset to disk one final time.
func (s *Storage) Close(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persist()
}

func cloneVideo(video models.Video) models.Video {
	cloned := video
	if video.ResolutionVersion != nil {
		cloned.ResolutionVersion = append([]string(nil), video.ResolutionVersion...)
	}
	if video.Metadata != nil {
		meta := make(map[string]any, len(video.Metadata))
		for k, v := range video.Metadata {
			meta[k] = v
		}
		cloned.Metadata = meta
	}
	if video.CourseID != nil {
		course := *video.CourseID
		cloned.CourseID = &course
	}
	return cloned
}

// CreateVideoParams captures the attributes set when a merge completes and a
// record enters the pipeline.
type CreateVideoParams struct {
	ID          string
	Name        string
	ContentHash string
	Extension   string
	URL         string
	CourseID    string
	Status      models.Status
	Metadata    map[string]any
}

// VideoUpdate mutates a record. Nil pointer fields are left untouched.
// Metadata entries merge into the existing bag; a nil value removes the key.
type VideoUpdate struct {
	Name              *string
	URL               *string
	CoverImgURL       *string
	Status            *models.Status
	ResolutionVersion []string
	Metadata          map[string]any
	Error             *string
}

func (s *Storage) CreateVideo(params CreateVideoParams) (models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := strings.TrimSpace(params.ID)
	if id == "" {
		return models.Video{}, fmt.Errorf("video id is required")
	}
	if strings.TrimSpace(params.ContentHash) == "" {
		return models.Video{}, fmt.Errorf("content hash is required")
	}
	if _, exists := s.data.Videos[id]; exists {
		return models.Video{}, fmt.Errorf("video %s already exists", id)
	}

	now := time.Now().UTC()
	video := models.Video{
		ID:          id,
		Name:        normalizeName(params.Name),
		ContentHash: params.ContentHash,
		Extension:   params.Extension,
		URL:         strings.TrimSpace(params.URL),
		Status:      params.Status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if course := strings.TrimSpace(params.CourseID); course != "" {
		video.CourseID = &course
	}
	if len(params.Metadata) > 0 {
		video.Metadata = make(map[string]any, len(params.Metadata))
		for k, v := range params.Metadata {
			video.Metadata[k] = v
		}
	}

	s.data.Videos[id] = video
	if err := s.persist(); err != nil {
		delete(s.data.Videos, id)
		return models.Video{}, err
	}
	return cloneVideo(video), nil
}

func (s *Storage) GetVideo(id string) (models.Video, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	video, ok := s.data.Videos[id]
	if !ok {
		return models.Video{}, false
	}
	return cloneVideo(video), true
}

// FindVideoByContentHash returns the most recent record for a hash, the one
// the merge endpoint short-circuits to when the same content is re-uploaded.
func (s *Storage) FindVideoByContentHash(hash string) (models.Video, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found models.Video
	var ok bool
	for _, video := range s.data.Videos {
		if video.ContentHash != hash {
			continue
		}
		if !ok || video.CreatedAt.After(found.CreatedAt) {
			found = video
			ok = true
		}
	}
	if !ok {
		return models.Video{}, false
	}
	return cloneVideo(found), true
}

// ListVideos returns records newest first, optionally filtered by course.
func (s *Storage) ListVideos(courseID string) []models.Video {
	s.mu.RLock()
	defer s.mu.RUnlock()

	videos := make([]models.Video, 0)
	for _, video := range s.data.Videos {
		if courseID != "" && (video.CourseID == nil || *video.CourseID != courseID) {
			continue
		}
		videos = append(videos, cloneVideo(video))
	}
	sortVideos(videos)
	return videos
}

func (s *Storage) ListVideosByStatus(status models.Status) []models.Video {
	s.mu.RLock()
	defer s.mu.RUnlock()

	videos := make([]models.Video, 0)
	for _, video := range s.data.Videos {
		if video.Status != status {
			continue
		}
		videos = append(videos, cloneVideo(video))
	}
	sortVideos(videos)
	return videos
}

func (s *Storage) UpdateVideo(id string, update VideoUpdate) (models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	video, ok := s.data.Videos[id]
	if !ok {
		return models.Video{}, fmt.Errorf("video %s: %w", id, ErrVideoNotFound)
	}
	original := video
	video = cloneVideo(video)
	if err := applyVideoUpdate(&video, update); err != nil {
		return models.Video{}, err
	}

	s.data.Videos[id] = video
	if err := s.persist(); err != nil {
		s.data.Videos[id] = original
		return models.Video{}, err
	}
	return cloneVideo(video), nil
}

func (s *Storage) DeleteVideo(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	video, ok := s.data.Videos[id]
	if !ok {
		return fmt.Errorf("video %s: %w", id, ErrVideoNotFound)
	}
	delete(s.data.Videos, id)
	if err := s.persist(); err != nil {
		s.data.Videos[id] = video
		return err
	}
	return nil
}

// applyVideoUpdate mutates video in place, enforcing the status state machine
// and metadata merge semantics shared by both repository backends.
func applyVideoUpdate(video *models.Video, update VideoUpdate) error {
	if update.Name != nil {
		if trimmed := normalizeName(*update.Name); trimmed != "" {
			video.Name = trimmed
		}
	}
	if update.URL != nil {
		video.URL = strings.TrimSpace(*update.URL)
	}
	if update.CoverImgURL != nil {
		video.CoverImgURL = strings.TrimSpace(*update.CoverImgURL)
	}
	if update.Status != nil {
		next := *update.Status
		if !video.Status.CanTransition(next) {
			return fmt.Errorf("video %s: illegal transition %s -> %s", video.ID, video.Status, next)
		}
		video.Status = next
	}
	if update.ResolutionVersion != nil {
		video.ResolutionVersion = append([]string(nil), update.ResolutionVersion...)
	}
	if update.Metadata != nil {
		if video.Metadata == nil {
			video.Metadata = make(map[string]any, len(update.Metadata))
		}
		for k, v := range update.Metadata {
			if strings.TrimSpace(k) == "" {
				continue
			}
			if v == nil {
				delete(video.Metadata, k)
				continue
			}
			video.Metadata[k] = v
		}
	}
	if update.Error != nil {
		video.Error = strings.TrimSpace(*update.Error)
	}
	video.UpdatedAt = time.Now().UTC()
	return nil
}

func sortVideos(videos []models.Video) {
	sort.Slice(videos, func(i, j int) bool {
		if videos[i].CreatedAt.Equal(videos[j].CreatedAt) {
			return videos[i].ID < videos[j].ID
		}
		return videos[i].CreatedAt.After(videos[j].CreatedAt)
	})
}

// normalizeName trims and NFC-normalises display names so lookups behave the
// same regardless of how the client composed accented characters.
func normalizeName(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}

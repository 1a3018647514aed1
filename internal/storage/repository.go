package storage

import (
	"context"
	"errors"

	"vodworks/internal/models"
)

// ErrVideoNotFound is returned by update and delete operations targeting an
// unknown record.
var ErrVideoNotFound = errors.New("video not found")

// Repository exposes the datastore operations required by API handlers and
// the transcode job runner.
type Repository interface {
	Ping(ctx context.Context) error

	CreateVideo(params CreateVideoParams) (models.Video, error)
	GetVideo(id string) (models.Video, bool)
	FindVideoByContentHash(hash string) (models.Video, bool)
	ListVideos(courseID string) []models.Video
	ListVideosByStatus(status models.Status) []models.Video
	UpdateVideo(id string, update VideoUpdate) (models.Video, error)
	DeleteVideo(id string) error

	Close(ctx context.Context) error
}

var _ Repository = (*Storage)(nil)

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vodworks/internal/models"
)

const videosSchema = `
CREATE TABLE IF NOT EXISTS videos (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	content_hash TEXT NOT NULL,
	extension TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL DEFAULT '',
	cover_img_url TEXT NOT NULL DEFAULT '',
	course_id TEXT,
	status INTEGER NOT NULL DEFAULT 0,
	resolution_version JSONB NOT NULL DEFAULT '[]'::jsonb,
	metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
	error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS videos_content_hash_idx ON videos (content_hash);
CREATE INDEX IF NOT EXISTS videos_course_id_idx ON videos (course_id);
CREATE INDEX IF NOT EXISTS videos_status_idx ON videos (status);
`

const videoColumns = `id, name, content_hash, extension, url, cover_img_url, course_id, status, resolution_version, metadata, error, created_at, updated_at`

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a Postgres-backed repository and ensures the
// videos schema exists.
func NewPostgresRepository(dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	repo := &postgresRepository{pool: pool, cfg: cfg}
	ctx, cancel := repo.opContext()
	defer cancel()
	if _, err := pool.Exec(ctx, videosSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure videos schema: %w", err)
	}
	return repo, nil
}

// opContext bounds repository statements by the configured timeout. The
// Repository interface is context-free above Ping, so each call derives its
// own deadline.
func (r *postgresRepository) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.cfg.StatementTimeout)
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *postgresRepository) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVideo(row rowScanner) (models.Video, error) {
	var video models.Video
	var resolutions, metadata []byte
	err := row.Scan(
		&video.ID,
		&video.Name,
		&video.ContentHash,
		&video.Extension,
		&video.URL,
		&video.CoverImgURL,
		&video.CourseID,
		&video.Status,
		&resolutions,
		&metadata,
		&video.Error,
		&video.CreatedAt,
		&video.UpdatedAt,
	)
	if err != nil {
		return models.Video{}, err
	}
	if len(resolutions) > 0 {
		if err := json.Unmarshal(resolutions, &video.ResolutionVersion); err != nil {
			return models.Video{}, fmt.Errorf("decode resolution_version for %s: %w", video.ID, err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &video.Metadata); err != nil {
			return models.Video{}, fmt.Errorf("decode metadata for %s: %w", video.ID, err)
		}
	}
	if len(video.Metadata) == 0 {
		video.Metadata = nil
	}
	if len(video.ResolutionVersion) == 0 {
		video.ResolutionVersion = nil
	}
	return video, nil
}

func encodeJSONColumn(value any, empty string) ([]byte, error) {
	if value == nil {
		return []byte(empty), nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (r *postgresRepository) CreateVideo(params CreateVideoParams) (models.Video, error) {
	id := strings.TrimSpace(params.ID)
	if id == "" {
		return models.Video{}, fmt.Errorf("video id is required")
	}
	if strings.TrimSpace(params.ContentHash) == "" {
		return models.Video{}, fmt.Errorf("content hash is required")
	}

	now := time.Now().UTC()
	video := models.Video{
		ID:          id,
		Name:        normalizeName(params.Name),
		ContentHash: params.ContentHash,
		Extension:   params.Extension,
		URL:         strings.TrimSpace(params.URL),
		Status:      params.Status,
		Metadata:    params.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if course := strings.TrimSpace(params.CourseID); course != "" {
		video.CourseID = &course
	}

	metadata, err := encodeJSONColumn(video.Metadata, "{}")
	if err != nil {
		return models.Video{}, fmt.Errorf("encode metadata: %w", err)
	}

	ctx, cancel := r.opContext()
	defer cancel()
	_, err = r.pool.Exec(ctx, `
		INSERT INTO videos (id, name, content_hash, extension, url, cover_img_url, course_id, status, resolution_version, metadata, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, '', $6, $7, '[]'::jsonb, $8, '', $9, $9)`,
		video.ID, video.Name, video.ContentHash, video.Extension, video.URL,
		video.CourseID, int(video.Status), metadata, now,
	)
	if err != nil {
		return models.Video{}, fmt.Errorf("insert video %s: %w", id, err)
	}
	return video, nil
}

func (r *postgresRepository) GetVideo(id string) (models.Video, bool) {
	ctx, cancel := r.opContext()
	defer cancel()
	row := r.pool.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = $1`, id)
	video, err := scanVideo(row)
	if err != nil {
		return models.Video{}, false
	}
	return video, true
}

func (r *postgresRepository) FindVideoByContentHash(hash string) (models.Video, bool) {
	ctx, cancel := r.opContext()
	defer cancel()
	row := r.pool.QueryRow(ctx, `
		SELECT `+videoColumns+` FROM videos
		WHERE content_hash = $1
		ORDER BY created_at DESC
		LIMIT 1`, hash)
	video, err := scanVideo(row)
	if err != nil {
		return models.Video{}, false
	}
	return video, true
}

func (r *postgresRepository) ListVideos(courseID string) []models.Video {
	ctx, cancel := r.opContext()
	defer cancel()

	var rows pgx.Rows
	var err error
	if courseID == "" {
		rows, err = r.pool.Query(ctx, `SELECT `+videoColumns+` FROM videos ORDER BY created_at DESC, id`)
	} else {
		rows, err = r.pool.Query(ctx, `SELECT `+videoColumns+` FROM videos WHERE course_id = $1 ORDER BY created_at DESC, id`, courseID)
	}
	if err != nil {
		return nil
	}
	return collectVideos(rows)
}

func (r *postgresRepository) ListVideosByStatus(status models.Status) []models.Video {
	ctx, cancel := r.opContext()
	defer cancel()
	rows, err := r.pool.Query(ctx, `SELECT `+videoColumns+` FROM videos WHERE status = $1 ORDER BY created_at DESC, id`, int(status))
	if err != nil {
		return nil
	}
	return collectVideos(rows)
}

func collectVideos(rows pgx.Rows) []models.Video {
	defer rows.Close()
	videos := make([]models.Video, 0)
	for rows.Next() {
		video, err := scanVideo(rows)
		if err != nil {
			return nil
		}
		videos = append(videos, video)
	}
	if rows.Err() != nil {
		return nil
	}
	return videos
}

func (r *postgresRepository) UpdateVideo(id string, update VideoUpdate) (models.Video, error) {
	ctx, cancel := r.opContext()
	defer cancel()

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Video{}, fmt.Errorf("begin update for %s: %w", id, err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = $1 FOR UPDATE`, id)
	video, err := scanVideo(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Video{}, fmt.Errorf("video %s: %w", id, ErrVideoNotFound)
		}
		return models.Video{}, fmt.Errorf("load video %s: %w", id, err)
	}

	if err := applyVideoUpdate(&video, update); err != nil {
		return models.Video{}, err
	}

	resolutions, err := encodeJSONColumn(video.ResolutionVersion, "[]")
	if err != nil {
		return models.Video{}, fmt.Errorf("encode resolution_version: %w", err)
	}
	metadata, err := encodeJSONColumn(video.Metadata, "{}")
	if err != nil {
		return models.Video{}, fmt.Errorf("encode metadata: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE videos
		SET name = $2, url = $3, cover_img_url = $4, course_id = $5, status = $6,
			resolution_version = $7, metadata = $8, error = $9, updated_at = $10
		WHERE id = $1`,
		video.ID, video.Name, video.URL, video.CoverImgURL, video.CourseID,
		int(video.Status), resolutions, metadata, video.Error, video.UpdatedAt,
	)
	if err != nil {
		return models.Video{}, fmt.Errorf("update video %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Video{}, fmt.Errorf("commit update for %s: %w", id, err)
	}
	return video, nil
}

func (r *postgresRepository) DeleteVideo(id string) error {
	ctx, cancel := r.opContext()
	defer cancel()
	tag, err := r.pool.Exec(ctx, `DELETE FROM videos WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete video %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("video %s: %w", id, ErrVideoNotFound)
	}
	return nil
}

var _ Repository = (*postgresRepository)(nil)

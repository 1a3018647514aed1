// Package api implements the HTTP surface of the ingestion service: chunked
// upload staging, merge with instant-upload dedup, and video record reads.
package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"vodworks/internal/chunkstore"
	"vodworks/internal/observability/logging"
	"vodworks/internal/observability/metrics"
	"vodworks/internal/runner"
	"vodworks/internal/storage"
)

// JobSubmitter queues a transcode job for a freshly merged source. Satisfied
// by *runner.Runner.
type JobSubmitter interface {
	Submit(ctx context.Context, job runner.Job) error
}

// HandlerConfig wires the Handler. Store, Chunks, Jobs, and MediaRoot are
// required.
type HandlerConfig struct {
	Store     storage.Repository
	Chunks    *chunkstore.Store
	Jobs      JobSubmitter
	MediaRoot string
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
}

type Handler struct {
	Store     storage.Repository
	Chunks    *chunkstore.Store
	Jobs      JobSubmitter
	MediaRoot string
	Logger    *slog.Logger
	Metrics   *metrics.Recorder

	// mergeLocks serialises merges per upload identity so a double-submitted
	// merge cannot race its own dedup check.
	mergeMu    sync.Mutex
	mergeLocks map[string]*sync.Mutex
}

func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("api: store is required")
	}
	if cfg.Chunks == nil {
		return nil, fmt.Errorf("api: chunk store is required")
	}
	if cfg.Jobs == nil {
		return nil, fmt.Errorf("api: job submitter is required")
	}
	if strings.TrimSpace(cfg.MediaRoot) == "" {
		return nil, fmt.Errorf("api: media root is required")
	}
	absRoot, err := filepath.Abs(cfg.MediaRoot)
	if err != nil {
		return nil, fmt.Errorf("api: resolve media root: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Handler{
		Store:      cfg.Store,
		Chunks:     cfg.Chunks,
		Jobs:       cfg.Jobs,
		MediaRoot:  absRoot,
		Logger:     logger,
		Metrics:    recorder,
		mergeLocks: make(map[string]*sync.Mutex),
	}, nil
}

// Health reports whether the datastore is reachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.Store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) requestLogger(r *http.Request) *slog.Logger {
	if logger := logging.LoggerFromContext(r.Context()); logger != nil {
		return logger
	}
	return h.Logger
}

func (h *Handler) mergeLock(key string) *sync.Mutex {
	h.mergeMu.Lock()
	defer h.mergeMu.Unlock()
	lock, ok := h.mergeLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		h.mergeLocks[key] = lock
	}
	return lock
}

// newVideoID derives a record ID from the content hash plus a short random
// suffix, so repeated uploads of identical content stay distinguishable.
func newVideoID(hash string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("vid_%s_%s", hash, suffix)
}

// datedVideoDir returns (and creates) the media-root subtree for sources
// ingested at the given time: videos/<yyyy>/<mm>/<dd>.
func (h *Handler) datedVideoDir(at time.Time) (string, error) {
	dir := filepath.Join(h.MediaRoot, "videos", at.Format("2006"), at.Format("01"), at.Format("02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("prepare media dir: %w", err)
	}
	return dir, nil
}

// moveFile renames src to dst, degrading to copy+remove when the two sit on
// different filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		in.Close()
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		in.Close()
		return err
	}
	if err := out.Close(); err != nil {
		in.Close()
		return err
	}
	if err := in.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

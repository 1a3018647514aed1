package runner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"vodworks/internal/models"
	"vodworks/internal/observability/metrics"
	"vodworks/internal/pipeline"
	"vodworks/internal/storage"
)

// Processor is the slice of the pipeline the runner drives. Satisfied by
// *pipeline.Pipeline.
type Processor interface {
	Process(ctx context.Context, job pipeline.Job) (*pipeline.Result, error)
}

// Config wires a Runner. Store, Pipeline, and Queue are required.
type Config struct {
	Store       storage.Repository
	Pipeline    Processor
	Queue       Queue
	Workers     int
	MaxAttempts int
	RetryDelay  time.Duration
	Timeout     time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
}

const (
	defaultWorkers     = 2
	defaultMaxAttempts = 4
	defaultRetryDelay  = 4 * time.Second
	defaultJobTimeout  = 30 * time.Minute
)

// Runner consumes transcode jobs and resolves each video record to Finished
// or Failed. A per-video in-flight guard keeps duplicate submissions (resumed
// uploads, recovery overlap) from transcoding the same record twice.
type Runner struct {
	store       storage.Repository
	pipeline    Processor
	queue       Queue
	workers     int
	maxAttempts int
	retryDelay  time.Duration
	timeout     time.Duration
	logger      *slog.Logger
	metrics     *metrics.Recorder

	ctx    context.Context
	cancel context.CancelFunc

	sub Subscription
	wg  sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{}
	started  bool
}

func New(cfg Config) (*Runner, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("runner: store is required")
	}
	if cfg.Pipeline == nil {
		return nil, fmt.Errorf("runner: pipeline is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("runner: queue is required")
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		store:       cfg.Store,
		pipeline:    cfg.Pipeline,
		queue:       cfg.Queue,
		workers:     workers,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
		timeout:     timeout,
		logger:      logger,
		metrics:     recorder,
		ctx:         ctx,
		cancel:      cancel,
		inFlight:    make(map[string]struct{}),
	}, nil
}

// Start launches the worker pool and re-enqueues records left in Processing
// by a previous run.
func (r *Runner) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	r.sub = r.queue.Subscribe()
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}

	r.wg.Add(1)
	go r.recoverPending()
}

// Shutdown stops accepting jobs and waits for in-flight work to finish.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.cancel()
	if r.sub != nil {
		r.sub.Close()
	}
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit queues one job for processing.
func (r *Runner) Submit(ctx context.Context, job Job) error {
	if strings.TrimSpace(job.VideoID) == "" {
		return fmt.Errorf("runner: job video id is required")
	}
	return r.queue.Publish(ctx, job)
}

func (r *Runner) worker() {
	defer r.wg.Done()
	jobs := r.sub.Jobs()
	for {
		select {
		case <-r.ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			if strings.TrimSpace(job.VideoID) == "" {
				continue
			}
			if !r.beginWork(job.VideoID) {
				continue
			}
			r.process(job)
			r.finishWork(job.VideoID)
		}
	}
}

func (r *Runner) beginWork(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.inFlight[id]; exists {
		return false
	}
	r.inFlight[id] = struct{}{}
	return true
}

func (r *Runner) finishWork(id string) {
	r.mu.Lock()
	delete(r.inFlight, id)
	r.mu.Unlock()
}

// recoverPending re-queues videos stuck in Processing. Their merged sources
// are still on disk, so a restart mid-transcode costs a re-run rather than a
// permanently wedged record.
func (r *Runner) recoverPending() {
	defer r.wg.Done()
	for _, video := range r.store.ListVideosByStatus(models.StatusProcessing) {
		select {
		case <-r.ctx.Done():
			return
		default:
		}
		source, _ := video.Metadata["sourcePath"].(string)
		if strings.TrimSpace(source) == "" {
			r.logger.Warn("cannot recover video without source path", "videoId", video.ID)
			continue
		}
		job := Job{VideoID: video.ID, ContentHash: video.ContentHash, SourcePath: source}
		if err := r.queue.Publish(r.ctx, job); err != nil {
			r.logger.Error("failed to re-enqueue pending video", "videoId", video.ID, "error", err)
		}
	}
}

func (r *Runner) process(job Job) {
	video, ok := r.store.GetVideo(job.VideoID)
	if !ok {
		r.logger.Warn("job references unknown video", "videoId", job.VideoID)
		return
	}
	if video.Status.Terminal() {
		return
	}

	logger := r.logger.With("videoId", job.VideoID, "contentHash", job.ContentHash)
	r.metrics.TranscodeJobStarted()

	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		result, err := r.attempt(job)
		if err == nil {
			r.finish(job, result, attempt)
			r.metrics.TranscodeJobCompleted()
			return
		}
		lastErr = err
		if pipeline.IsFatal(err) {
			logger.Error("transcode failed permanently", "attempt", attempt, "error", err)
			break
		}
		if r.ctx.Err() != nil {
			// Shutdown cancelled the run. Leave the record in Processing so
			// recovery re-enqueues it on the next start.
			logger.Info("transcode interrupted by shutdown", "attempt", attempt)
			return
		}
		if attempt < r.maxAttempts {
			logger.Warn("transcode attempt failed", "attempt", attempt, "error", err)
			r.metrics.TranscodeJobRetried()
			select {
			case <-time.After(r.retryDelay):
			case <-r.ctx.Done():
			}
		}
	}

	r.fail(job, lastErr)
	r.metrics.TranscodeJobFailed()
}

func (r *Runner) attempt(job Job) (*pipeline.Result, error) {
	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()
	return r.pipeline.Process(ctx, pipeline.Job{
		VideoID:     job.VideoID,
		ContentHash: job.ContentHash,
		SourcePath:  job.SourcePath,
	})
}

func (r *Runner) finish(job Job, result *pipeline.Result, attempts int) {
	finished := models.StatusFinished
	empty := ""
	metadata := map[string]any{
		"phase":           result.Phases,
		"durationSeconds": result.Duration.Seconds(),
		"hasAudio":        result.HasAudio,
		"attempts":        attempts,
	}
	if _, err := r.store.UpdateVideo(job.VideoID, storage.VideoUpdate{
		Status:            &finished,
		URL:               &result.ManifestURL,
		CoverImgURL:       &result.PosterURL,
		ResolutionVersion: result.Resolutions,
		Metadata:          metadata,
		Error:             &empty,
	}); err != nil {
		r.logger.Error("failed to mark video finished", "videoId", job.VideoID, "error", err)
		return
	}
	r.logger.Info("video transcoded",
		"videoId", job.VideoID,
		"manifest", result.ManifestURL,
		"attempts", attempts,
	)
}

func (r *Runner) fail(job Job, cause error) {
	message := "transcode failed"
	if cause != nil {
		message = strings.TrimSpace(cause.Error())
	}
	failed := models.StatusFailed
	if _, err := r.store.UpdateVideo(job.VideoID, storage.VideoUpdate{
		Status: &failed,
		Error:  &message,
	}); err != nil {
		r.logger.Error("failed to mark video failed", "videoId", job.VideoID, "error", err, "failure", cause)
		return
	}
	r.logger.Error("video transcode failed", "videoId", job.VideoID, "error", cause)
}

// Command worker runs transcode workers against a shared Redis job stream,
// without serving the upload API. It lets encode capacity scale separately
// from ingestion.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"flag"

	"vodworks/internal/models"
	"vodworks/internal/observability/logging"
	"vodworks/internal/observability/metrics"
	"vodworks/internal/pipeline"
	"vodworks/internal/runner"
	"vodworks/internal/serverutil"
	"vodworks/internal/storage"
)

func main() {
	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	mediaRoot := flag.String("media-root", "", "directory holding merged sources, posters, and DASH output")
	redisAddr := flag.String("queue-redis-addr", "", "Redis address for the transcode queue")
	redisAddrs := flag.String("queue-redis-addrs", "", "comma separated Redis addresses for the transcode queue")
	redisUsername := flag.String("queue-redis-username", "", "Redis username for the transcode queue")
	redisPassword := flag.String("queue-redis-password", "", "Redis password for the transcode queue")
	redisStream := flag.String("queue-redis-stream", "", "Redis stream key for transcode jobs")
	redisGroup := flag.String("queue-redis-group", "", "Redis consumer group for transcode jobs")
	redisMasterName := flag.String("queue-redis-sentinel-master", "", "Redis sentinel master name for the transcode queue")
	workers := flag.Int("transcode-workers", 0, "number of concurrent transcode workers")
	maxAttempts := flag.Int("transcode-max-attempts", 0, "attempts per transcode job before it is marked failed")
	retryDelay := flag.Duration("transcode-retry-delay", 0, "delay between transcode attempts")
	jobTimeout := flag.Duration("transcode-timeout", 0, "per-job transcode timeout")
	ffmpegPath := flag.String("ffmpeg", "", "path to the ffmpeg binary")
	ffprobePath := flag.String("ffprobe", "", "path to the ffprobe binary")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level: firstNonEmpty(*logLevel, os.Getenv("VODWORKS_LOG_LEVEL")),
	})

	media := firstNonEmpty(*mediaRoot, os.Getenv("VODWORKS_MEDIA_ROOT"), "media")

	store, err := openDatastore(*storageDriver, *dataPath, *postgresDSN)
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	queueCfg := runner.RedisQueueConfig{
		Addr:       firstNonEmpty(*redisAddr, os.Getenv("VODWORKS_QUEUE_REDIS_ADDR")),
		Addrs:      splitAndTrim(firstNonEmpty(*redisAddrs, os.Getenv("VODWORKS_QUEUE_REDIS_ADDRS"))),
		Username:   firstNonEmpty(*redisUsername, os.Getenv("VODWORKS_QUEUE_REDIS_USERNAME")),
		Password:   firstNonEmpty(*redisPassword, os.Getenv("VODWORKS_QUEUE_REDIS_PASSWORD")),
		Stream:     firstNonEmpty(*redisStream, os.Getenv("VODWORKS_QUEUE_REDIS_STREAM")),
		Group:      firstNonEmpty(*redisGroup, os.Getenv("VODWORKS_QUEUE_REDIS_GROUP")),
		MasterName: firstNonEmpty(*redisMasterName, os.Getenv("VODWORKS_QUEUE_REDIS_SENTINEL_MASTER")),
		Logger:     logging.WithComponent(logger, "queue"),
	}
	if queueCfg.Addr == "" && len(queueCfg.Addrs) == 0 {
		logger.Error("worker requires a Redis queue address")
		os.Exit(1)
	}
	queue, err := runner.NewRedisQueue(queueCfg)
	if err != nil {
		logger.Error("failed to configure transcode queue", "error", err)
		os.Exit(1)
	}

	ffmpeg := pipeline.NewExecRunner(logging.WithComponent(logger, "ffmpeg"))
	if path := firstNonEmpty(*ffmpegPath, os.Getenv("VODWORKS_FFMPEG")); path != "" {
		ffmpeg.FFmpegPath = path
	}
	if path := firstNonEmpty(*ffprobePath, os.Getenv("VODWORKS_FFPROBE")); path != "" {
		ffmpeg.FFprobePath = path
	}

	transcoder, err := pipeline.New(pipeline.Config{
		Runner:     ffmpeg,
		MediaRoot:  media,
		Renditions: models.DefaultRenditions(),
		Logger:     logging.WithComponent(logger, "pipeline"),
	})
	if err != nil {
		logger.Error("failed to initialise transcode pipeline", "error", err)
		os.Exit(1)
	}

	jobs, err := runner.New(runner.Config{
		Store:       store,
		Pipeline:    transcoder,
		Queue:       queue,
		Workers:     resolveInt(*workers, "VODWORKS_TRANSCODE_WORKERS"),
		MaxAttempts: resolveInt(*maxAttempts, "VODWORKS_TRANSCODE_MAX_ATTEMPTS"),
		RetryDelay:  resolveDuration(*retryDelay, "VODWORKS_TRANSCODE_RETRY_DELAY"),
		Timeout:     resolveDuration(*jobTimeout, "VODWORKS_TRANSCODE_TIMEOUT"),
		Logger:      logging.WithComponent(logger, "runner"),
		Metrics:     metrics.Default(),
	})
	if err != nil {
		logger.Error("failed to initialise transcode runner", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("transcode worker consuming", "stream", queueCfg.Stream)
	err = serverutil.Run(ctx, serverutil.Config{
		Service:         &runnerService{runner: jobs, done: make(chan struct{})},
		ShutdownTimeout: 30 * time.Second,
	})
	if err != nil {
		logger.Error("worker stopped with error", "error", err)
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := queue.Close(); err != nil {
		logger.Warn("failed to close transcode queue", "error", err)
	}
	if err := store.Close(closeCtx); err != nil {
		logger.Warn("failed to close datastore", "error", err)
	}
	logger.Info("worker stopped")
}

// runnerService adapts the non-blocking Runner to serverutil's blocking
// Service contract.
type runnerService struct {
	runner *runner.Runner
	done   chan struct{}
}

func (s *runnerService) Start() error {
	s.runner.Start()
	<-s.done
	return nil
}

func (s *runnerService) Shutdown(ctx context.Context) error {
	err := s.runner.Shutdown(ctx)
	close(s.done)
	return err
}

func openDatastore(flagDriver, dataPath, dsnFlag string) (storage.Repository, error) {
	dsn := firstNonEmpty(dsnFlag, os.Getenv("VODWORKS_POSTGRES_DSN"))
	driver := strings.ToLower(strings.TrimSpace(firstNonEmpty(flagDriver, os.Getenv("VODWORKS_STORAGE_DRIVER"))))
	if driver == "" {
		if dsn != "" {
			driver = "postgres"
		} else {
			driver = "json"
		}
	}

	switch driver {
	case "json":
		dataFile := firstNonEmpty(dataPath, os.Getenv("VODWORKS_DATA"), filepath.Join("data", "videos.json"))
		return storage.NewJSONRepository(dataFile)
	case "postgres":
		if dsn == "" {
			return nil, fmt.Errorf("postgres storage selected without DSN")
		}
		return storage.NewPostgresRepository(dsn)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		if value, err := strconv.Atoi(env); err == nil && value > 0 {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		if value, err := time.ParseDuration(env); err == nil && value > 0 {
			return value
		}
	}
	return 0
}

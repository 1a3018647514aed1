// Command server starts the vodworks ingestion and transcoding service.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"flag"
	"log/slog"

	"vodworks/internal/api"
	"vodworks/internal/chunkstore"
	"vodworks/internal/models"
	"vodworks/internal/observability/logging"
	"vodworks/internal/observability/metrics"
	"vodworks/internal/pipeline"
	"vodworks/internal/runner"
	"vodworks/internal/server"
	"vodworks/internal/storage"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresStatementTimeout := flag.Duration("postgres-statement-timeout", 0, "per-statement timeout for datastore queries")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	mediaRoot := flag.String("media-root", "", "directory holding merged sources, posters, and DASH output")
	stagingRoot := flag.String("staging-root", "", "directory holding uploaded chunks awaiting merge")
	queueDriver := flag.String("queue-driver", "", "transcode queue driver (memory or redis)")
	queueRedisAddr := flag.String("queue-redis-addr", "", "Redis address for the transcode queue")
	queueRedisAddrs := flag.String("queue-redis-addrs", "", "comma separated Redis addresses for the transcode queue")
	queueRedisUsername := flag.String("queue-redis-username", "", "Redis username for the transcode queue")
	queueRedisPassword := flag.String("queue-redis-password", "", "Redis password for the transcode queue")
	queueRedisStream := flag.String("queue-redis-stream", "", "Redis stream key for transcode jobs")
	queueRedisGroup := flag.String("queue-redis-group", "", "Redis consumer group for transcode jobs")
	queueRedisMasterName := flag.String("queue-redis-sentinel-master", "", "Redis sentinel master name for the transcode queue")
	queueRedisPoolSize := flag.Int("queue-redis-pool-size", 0, "maximum Redis connections for the transcode queue")
	queueRedisTLSCA := flag.String("queue-redis-tls-ca", "", "path to Redis TLS CA certificate for the transcode queue")
	queueRedisTLSCert := flag.String("queue-redis-tls-cert", "", "path to Redis TLS client certificate for the transcode queue")
	queueRedisTLSKey := flag.String("queue-redis-tls-key", "", "path to Redis TLS client key for the transcode queue")
	queueRedisTLSServerName := flag.String("queue-redis-tls-server-name", "", "override Redis TLS server name for the transcode queue")
	queueRedisTLSSkipVerify := flag.Bool("queue-redis-tls-skip-verify", false, "skip Redis TLS verification for the transcode queue")
	workers := flag.Int("transcode-workers", 0, "number of concurrent transcode workers")
	maxAttempts := flag.Int("transcode-max-attempts", 0, "attempts per transcode job before it is marked failed")
	retryDelay := flag.Duration("transcode-retry-delay", 0, "delay between transcode attempts")
	jobTimeout := flag.Duration("transcode-timeout", 0, "per-job transcode timeout")
	ffmpegPath := flag.String("ffmpeg", "", "path to the ffmpeg binary")
	ffprobePath := flag.String("ffprobe", "", "path to the ffprobe binary")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("VODWORKS_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("VODWORKS_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	listenAddr := firstNonEmpty(*addr, os.Getenv("VODWORKS_ADDR"), ":8080")
	media := firstNonEmpty(*mediaRoot, os.Getenv("VODWORKS_MEDIA_ROOT"), "media")
	staging := firstNonEmpty(*stagingRoot, os.Getenv("VODWORKS_STAGING_ROOT"), filepath.Join(media, "chunked_tmp"))

	store, err := openDatastore(*storageDriver, datastoreFlags{
		dataPath:         *dataPath,
		postgresDSN:      *postgresDSN,
		maxConns:         *postgresMaxConns,
		minConns:         *postgresMinConns,
		maxConnLifetime:  *postgresMaxConnLifetime,
		maxConnIdle:      *postgresMaxConnIdle,
		healthInterval:   *postgresHealthInterval,
		statementTimeout: *postgresStatementTimeout,
		appName:          *postgresAppName,
	}, logger)
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	chunks, err := chunkstore.New(staging)
	if err != nil {
		logger.Error("failed to prepare chunk staging", "error", err, "path", staging)
		os.Exit(1)
	}

	queueCfg := runner.RedisQueueConfig{
		Addr:       firstNonEmpty(*queueRedisAddr, os.Getenv("VODWORKS_QUEUE_REDIS_ADDR")),
		Addrs:      splitAndTrim(firstNonEmpty(*queueRedisAddrs, os.Getenv("VODWORKS_QUEUE_REDIS_ADDRS"))),
		Username:   firstNonEmpty(*queueRedisUsername, os.Getenv("VODWORKS_QUEUE_REDIS_USERNAME")),
		Password:   firstNonEmpty(*queueRedisPassword, os.Getenv("VODWORKS_QUEUE_REDIS_PASSWORD")),
		Stream:     firstNonEmpty(*queueRedisStream, os.Getenv("VODWORKS_QUEUE_REDIS_STREAM")),
		Group:      firstNonEmpty(*queueRedisGroup, os.Getenv("VODWORKS_QUEUE_REDIS_GROUP")),
		MasterName: firstNonEmpty(*queueRedisMasterName, os.Getenv("VODWORKS_QUEUE_REDIS_SENTINEL_MASTER")),
		PoolSize:   resolveInt(*queueRedisPoolSize, "VODWORKS_QUEUE_REDIS_POOL_SIZE"),
		Logger:     logging.WithComponent(logger, "queue"),
		TLS: runner.RedisTLSConfig{
			CAFile:             firstNonEmpty(*queueRedisTLSCA, os.Getenv("VODWORKS_QUEUE_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*queueRedisTLSCert, os.Getenv("VODWORKS_QUEUE_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*queueRedisTLSKey, os.Getenv("VODWORKS_QUEUE_REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*queueRedisTLSServerName, os.Getenv("VODWORKS_QUEUE_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(*queueRedisTLSSkipVerify, "VODWORKS_QUEUE_REDIS_TLS_SKIP_VERIFY"),
		},
	}
	queue, err := configureQueue(*queueDriver, queueCfg, logger)
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
		RetryDelay:  resolveDuration(*retryDelay, "VODWORKS_TRANSCODE_RETRY_DELAY", 0),
		Timeout:     resolveDuration(*jobTimeout, "VODWORKS_TRANSCODE_TIMEOUT", 0),
		Logger:      logging.WithComponent(logger, "runner"),
		Metrics:     recorder,
	})
	if err != nil {
		logger.Error("failed to initialise transcode runner", "error", err)
		os.Exit(1)
	}
	jobs.Start()

	handler, err := api.NewHandler(api.HandlerConfig{
		Store:     store,
		Chunks:    chunks,
		Jobs:      jobs,
		MediaRoot: media,
		Logger:    logging.WithComponent(logger, "api"),
		Metrics:   recorder,
	})
	if err != nil {
		logger.Error("failed to initialise api handler", "error", err)
		os.Exit(1)
	}

	tlsCfg := server.TLSConfig{
		CertFile: firstNonEmpty(*tlsCert, os.Getenv("VODWORKS_TLS_CERT")),
		KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("VODWORKS_TLS_KEY")),
	}
	srv, err := server.New(handler, server.Config{
		Addr:      listenAddr,
		TLS:       tlsCfg,
		MediaRoot: media,
		Logger:    logger,
		Metrics:   recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("vodworks API listening", "addr", listenAddr)
		if tlsCfg.CertFile != "" && tlsCfg.KeyFile != "" {
			logger.Info("TLS enabled", "cert_file", tlsCfg.CertFile)
		}
		logger.Info("metrics endpoint available", "path", "/metrics")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("server error", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	if err := jobs.Shutdown(ctx); err != nil {
		logger.Warn("failed to stop transcode runner", "error", err)
	}
	if err := queue.Close(); err != nil {
		logger.Warn("failed to close transcode queue", "error", err)
	}
	if err := store.Close(ctx); err != nil {
		logger.Warn("failed to close datastore", "error", err)
	}

	logger.Info("server stopped")
}

type datastoreFlags struct {
	dataPath         string
	postgresDSN      string
	maxConns         int
	minConns         int
	maxConnLifetime  time.Duration
	maxConnIdle      time.Duration
	healthInterval   time.Duration
	statementTimeout time.Duration
	appName          string
}

func openDatastore(flagDriver string, flags datastoreFlags, logger *slog.Logger) (storage.Repository, error) {
	dsn := firstNonEmpty(flags.postgresDSN, os.Getenv("VODWORKS_POSTGRES_DSN"))
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
		dataFile := firstNonEmpty(flags.dataPath, os.Getenv("VODWORKS_DATA"), filepath.Join("data", "videos.json"))
		return storage.NewJSONRepository(dataFile)
	case "postgres":
		if dsn == "" {
			return nil, fmt.Errorf("postgres storage selected without DSN")
		}
		var options []storage.Option
		maxConns := resolveInt(flags.maxConns, "VODWORKS_POSTGRES_MAX_CONNS")
		minConns := resolveInt(flags.minConns, "VODWORKS_POSTGRES_MIN_CONNS")
		if maxConns > 0 || minConns > 0 {
			options = append(options, storage.WithPostgresPoolLimits(int32(maxConns), int32(minConns)))
		}
		maxLifetime := resolveDuration(flags.maxConnLifetime, "VODWORKS_POSTGRES_MAX_CONN_LIFETIME", 0)
		maxIdle := resolveDuration(flags.maxConnIdle, "VODWORKS_POSTGRES_MAX_CONN_IDLE", 0)
		healthInterval := resolveDuration(flags.healthInterval, "VODWORKS_POSTGRES_HEALTH_INTERVAL", 0)
		if maxLifetime > 0 || maxIdle > 0 || healthInterval > 0 {
			options = append(options, storage.WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval))
		}
		if timeout := resolveDuration(flags.statementTimeout, "VODWORKS_POSTGRES_STATEMENT_TIMEOUT", 0); timeout > 0 {
			options = append(options, storage.WithPostgresStatementTimeout(timeout))
		}
		if appName := firstNonEmpty(flags.appName, os.Getenv("VODWORKS_POSTGRES_APP_NAME")); appName != "" {
			options = append(options, storage.WithPostgresApplicationName(appName))
		}
		logger.Info("using postgres datastore")
		return storage.NewPostgresRepository(dsn, options...)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}

func configureQueue(flagDriver string, cfg runner.RedisQueueConfig, logger *slog.Logger) (runner.Queue, error) {
	driver := strings.ToLower(strings.TrimSpace(firstNonEmpty(flagDriver, os.Getenv("VODWORKS_QUEUE_DRIVER"))))
	if driver == "" {
		if cfg.Addr != "" || len(cfg.Addrs) > 0 {
			driver = "redis"
		} else {
			driver = "memory"
		}
	}

	switch driver {
	case "memory":
		return runner.NewMemoryQueue(0), nil
	case "redis":
		queue, err := runner.NewRedisQueue(cfg)
		if err != nil {
			return nil, err
		}
		logger.Info("using redis transcode queue", "stream", cfg.Stream)
		return queue, nil
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", driver)
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

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		if value, err := time.ParseDuration(env); err == nil && value > 0 {
			return value
		}
	}
	return fallback
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		if value, err := strconv.ParseBool(env); err == nil {
			return value
		}
	}
	return false
}

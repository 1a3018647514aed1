// Package serverutil runs a long-lived service until its context is cancelled,
// then shuts it down within a bounded grace period.
package serverutil

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Service is a blocking server with a graceful stop, such as the HTTP API
// server or the transcode runner.
type Service interface {
	Start() error
	Shutdown(ctx context.Context) error
}

// DefaultShutdownTimeout bounds graceful shutdown when the context is cancelled.
const DefaultShutdownTimeout = 10 * time.Second

// Config controls how Run supervises a Service.
type Config struct {
	Service         Service
	ShutdownTimeout time.Duration
	Ready           chan<- struct{}
}

// Run starts the service and blocks until it stops. When the context is
// cancelled, Run attempts a graceful shutdown bounded by ShutdownTimeout.
// http.ErrServerClosed is treated as a clean exit.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Service == nil {
		return fmt.Errorf("service is required")
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- cfg.Service.Start()
	}()

	if cfg.Ready != nil {
		close(cfg.Ready)
	}

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	shutdownErr := cfg.Service.Shutdown(shutdownCtx)

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-shutdownCtx.Done():
		if shutdownErr != nil {
			return shutdownErr
		}
		return shutdownCtx.Err()
	}

	return shutdownErr
}

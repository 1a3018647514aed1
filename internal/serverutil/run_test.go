package serverutil

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

type fakeService struct {
	startErr   error
	stopped    chan struct{}
	shutdownCh chan struct{}
}

func newFakeService(startErr error) *fakeService {
	return &fakeService{
		startErr:   startErr,
		stopped:    make(chan struct{}),
		shutdownCh: make(chan struct{}),
	}
}

func (f *fakeService) Start() error {
	if f.startErr != nil {
		return f.startErr
	}
	<-f.stopped
	return http.ErrServerClosed
}

func (f *fakeService) Shutdown(context.Context) error {
	close(f.shutdownCh)
	close(f.stopped)
	return nil
}

func TestRunGracefulShutdown(t *testing.T) {
	service := newFakeService(nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan error, 1)
	ready := make(chan struct{})
	go func() {
		done <- Run(ctx, Config{Service: service, ShutdownTimeout: time.Second, Ready: ready})
	}()

	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("service did not start")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	select {
	case <-service.shutdownCh:
	case <-time.After(time.Second):
		t.Fatal("Shutdown was never called")
	}
}

func TestRunPropagatesStartError(t *testing.T) {
	startErr := errors.New("port in use")
	service := newFakeService(startErr)

	err := Run(context.Background(), Config{Service: service, ShutdownTimeout: time.Second})
	if !errors.Is(err, startErr) {
		t.Fatalf("Run error = %v, want %v", err, startErr)
	}
}

func TestRunRequiresService(t *testing.T) {
	if err := Run(context.Background(), Config{}); err == nil {
		t.Fatal("expected an error for a nil service")
	}
}

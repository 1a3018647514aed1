package runner

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryQueuePublishAndReceive(t *testing.T) {
	queue := NewMemoryQueue(4)
	t.Cleanup(func() { queue.Close() })

	job := Job{VideoID: "vid_abc123_aa11bb22", ContentHash: "abc123", SourcePath: "/media/abc123.mp4"}
	if err := queue.Publish(context.Background(), job); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	sub := queue.Subscribe()
	defer sub.Close()
	select {
	case got := <-sub.Jobs():
		if got != job {
			t.Fatalf("received %+v, want %+v", got, job)
		}
	case <-time.After(time.Second):
		t.Fatal("job never arrived")
	}
}

func TestMemoryQueuePublishAfterClose(t *testing.T) {
	queue := NewMemoryQueue(1)
	if err := queue.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	err := queue.Publish(context.Background(), Job{VideoID: "vid_x"})
	if !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Publish after close = %v, want ErrQueueClosed", err)
	}
	// Close is idempotent.
	if err := queue.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestMemoryQueuePublishHonoursContext(t *testing.T) {
	queue := NewMemoryQueue(1)
	t.Cleanup(func() { queue.Close() })

	if err := queue.Publish(context.Background(), Job{VideoID: "vid_a"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	// Buffer full and no consumer, so the second publish must give up with
	// the context error.
	err := queue.Publish(ctx, Job{VideoID: "vid_b"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Publish = %v, want deadline exceeded", err)
	}
}

func TestExtractPayload(t *testing.T) {
	fields := []interface{}{"payload", `{"videoId":"vid_a"}`, "other", "x"}
	if got := string(extractPayload(fields)); got != `{"videoId":"vid_a"}` {
		t.Fatalf("extractPayload = %q", got)
	}
	if got := extractPayload([]interface{}{"other", "x"}); got != nil {
		t.Fatalf("extractPayload without payload field = %q", got)
	}
	fields = []interface{}{[]byte("PAYLOAD"), []byte("data")}
	if got := string(extractPayload(fields)); got != "data" {
		t.Fatalf("extractPayload byte fields = %q", got)
	}
}

func TestIsBusyGroup(t *testing.T) {
	if !isBusyGroup(errors.New("BUSYGROUP Consumer Group name already exists")) {
		t.Fatal("expected BUSYGROUP error to be recognised")
	}
	if isBusyGroup(errors.New("connection refused")) {
		t.Fatal("unrelated error must not count as busy group")
	}
	if isBusyGroup(nil) {
		t.Fatal("nil error must not count as busy group")
	}
}

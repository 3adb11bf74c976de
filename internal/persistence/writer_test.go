package persistence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/agentgateway/internal/domain"
)

func testEvent(seq int64) domain.Event {
	return domain.Event{SessionID: "sess-1", Seq: seq, Direction: domain.DirectionAgent, Type: domain.EventOutputChunk, Payload: map[string]any{"x": 1}}
}

func TestWriter_FlushesOnBatchSize(t *testing.T) {
	var mu sync.Mutex
	var written []domain.Event

	w := New(Config{BatchSize: 5, FlushInterval: time.Hour, MaxQueueSize: 100},
		func(ctx context.Context, batch []domain.Event) error {
			mu.Lock()
			written = append(written, batch...)
			mu.Unlock()
			return nil
		}, nil, nil)
	w.Start()
	defer w.Stop(context.Background())

	for i := int64(1); i <= 5; i++ {
		if !w.Enqueue(testEvent(i)) {
			t.Fatalf("enqueue %d rejected", i)
		}
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(written)
		mu.Unlock()
		if n == 5 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected 5 records flushed, got %d", len(written))
}

func TestWriter_FlushesOnTimer(t *testing.T) {
	var mu sync.Mutex
	var written []domain.Event

	w := New(Config{BatchSize: 50, FlushInterval: 10 * time.Millisecond, MaxQueueSize: 100},
		func(ctx context.Context, batch []domain.Event) error {
			mu.Lock()
			written = append(written, batch...)
			mu.Unlock()
			return nil
		}, nil, nil)
	w.Start()
	defer w.Stop(context.Background())

	w.Enqueue(testEvent(1))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(written)
		mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected timer-triggered flush, got %d records", len(written))
}

func TestWriter_EnqueueRejectsWhenFull(t *testing.T) {
	block := make(chan struct{})
	w := New(Config{BatchSize: 1, FlushInterval: time.Hour, MaxQueueSize: 2},
		func(ctx context.Context, batch []domain.Event) error {
			<-block
			return nil
		}, nil, nil)
	w.Start()
	defer func() {
		close(block)
		w.Stop(context.Background())
	}()

	// First enqueue is picked up by the flush loop and blocks on block chan.
	w.Enqueue(testEvent(1))
	time.Sleep(10 * time.Millisecond)

	if !w.Enqueue(testEvent(2)) {
		t.Fatalf("expected enqueue 2 to be accepted")
	}
	if !w.Enqueue(testEvent(3)) {
		t.Fatalf("expected enqueue 3 to be accepted")
	}
	if w.Enqueue(testEvent(4)) {
		t.Fatalf("expected enqueue 4 to be rejected once queue is at maxQueueSize")
	}
}

func TestWriter_ErrorCallbackInvokedOnFailure(t *testing.T) {
	var mu sync.Mutex
	var failedBatches int

	w := New(Config{BatchSize: 1, FlushInterval: time.Hour, MaxQueueSize: 10},
		func(ctx context.Context, batch []domain.Event) error {
			return errBoom
		},
		func(batch []domain.Event, err error) {
			mu.Lock()
			failedBatches++
			mu.Unlock()
		}, nil)
	w.Start()
	defer w.Stop(context.Background())

	w.Enqueue(testEvent(1))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := failedBatches
		mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected error callback to fire once")
}

func TestWriter_HealthyReflectsQueueDepth(t *testing.T) {
	block := make(chan struct{})
	w := New(Config{BatchSize: 1, FlushInterval: time.Hour, MaxQueueSize: 10},
		func(ctx context.Context, batch []domain.Event) error {
			<-block
			return nil
		}, nil, nil)
	w.Start()
	defer func() {
		close(block)
		w.Stop(context.Background())
	}()

	if !w.Healthy() {
		t.Fatalf("expected healthy writer at start")
	}

	w.Enqueue(testEvent(1)) // picked up immediately, blocks the flush loop
	time.Sleep(10 * time.Millisecond)
	for i := int64(2); i <= 9; i++ {
		w.Enqueue(testEvent(i))
	}

	if w.Healthy() {
		t.Fatalf("expected writer to report unhealthy at 80%% of max queue size")
	}
}

func TestWriter_StopDrainsRemainingQueue(t *testing.T) {
	var mu sync.Mutex
	var written []domain.Event

	w := New(Config{BatchSize: 50, FlushInterval: time.Hour, MaxQueueSize: 100},
		func(ctx context.Context, batch []domain.Event) error {
			mu.Lock()
			written = append(written, batch...)
			mu.Unlock()
			return nil
		}, nil, nil)
	w.Start()

	for i := int64(1); i <= 3; i++ {
		w.Enqueue(testEvent(i))
	}

	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("stop returned error: %v", err)
	}

	mu.Lock()
	n := len(written)
	mu.Unlock()
	if n != 3 {
		t.Errorf("expected stop to drain 3 queued records, got %d", n)
	}
}

var errBoom = &boomError{}

type boomError struct{}

func (*boomError) Error() string { return "boom" }

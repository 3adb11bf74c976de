// Package persistence provides the bounded, asynchronous event writer. It
// decouples the session actor (which must never suspend on storage) from
// the durable store, batching records and applying backpressure when the
// store falls behind.
package persistence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/agentgateway/internal/domain"
)

// BatchWriteFunc durably persists a batch of events. Implementations should
// be idempotent: PersistEvents' ON CONFLICT DO NOTHING tolerates replay of
// an already-persisted record after a retried batch.
type BatchWriteFunc func(ctx context.Context, batch []domain.Event) error

// ErrorFunc is invoked with the batch that failed to persist, for the
// caller to retry or dead-letter externally. The writer itself never
// retries a failed batch.
type ErrorFunc func(batch []domain.Event, err error)

// Writer is a single in-memory FIFO that batches event records and flushes
// them to durable storage via an injected callback, applying time-based and
// size-based triggers. Grounded on the teacher's async dual writer: a
// mutex-guarded slice absorbs producer bursts, a background goroutine drains
// it on a batch-size signal or a timer, and enqueue never blocks.
type Writer struct {
	batchWrite BatchWriteFunc
	onError    ErrorFunc
	logger     *slog.Logger

	batchSize     int
	flushInterval time.Duration
	maxQueueSize  int

	mu      sync.Mutex
	queue   []domain.Event
	closed  bool
	flushCh chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config carries the writer's tunable parameters.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	MaxQueueSize  int
}

// New constructs a Writer. Call Start to begin the background flush loop.
func New(cfg Config, batchWrite BatchWriteFunc, onError ErrorFunc, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 100 * time.Millisecond
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 10000
	}

	return &Writer{
		batchWrite:    batchWrite,
		onError:       onError,
		logger:        logger,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		maxQueueSize:  cfg.MaxQueueSize,
		flushCh:       make(chan struct{}, 1),
	}
}

// Start begins the background flush loop. Safe to call once.
func (w *Writer) Start() {
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.wg.Add(1)
	go w.run()
}

// Enqueue pushes one record onto the queue. Returns false if the writer is
// stopped or the queue is at maxQueueSize, in which case the record is
// dropped and a warning is logged. Never blocks.
func (w *Writer) Enqueue(ev domain.Event) bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false
	}
	if len(w.queue) >= w.maxQueueSize {
		w.mu.Unlock()
		w.logger.Warn("persistence: queue full, dropping event",
			"session_id", ev.SessionID, "seq", ev.Seq, "queue_len", len(w.queue))
		return false
	}
	w.queue = append(w.queue, ev)
	n := len(w.queue)
	w.mu.Unlock()

	if n >= w.batchSize {
		w.signalFlush()
	}
	return true
}

func (w *Writer) signalFlush() {
	select {
	case w.flushCh <- struct{}{}:
	default:
	}
}

// Healthy reports whether the queue is below 80% of maxQueueSize. Callers
// may drop non-critical events when unhealthy.
func (w *Writer) Healthy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue) < (w.maxQueueSize*8)/10
}

// QueueLen returns the current queue length, for diagnostics.
func (w *Writer) QueueLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

func (w *Writer) run() {
	defer w.wg.Done()

	timer := time.NewTimer(w.flushInterval)
	defer timer.Stop()

	for {
		select {
		case <-w.ctx.Done():
			w.drainAndFlush()
			return
		case <-w.flushCh:
			w.flushOnce()
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(w.flushInterval)
		case <-timer.C:
			w.flushOnce()
			timer.Reset(w.flushInterval)
		}
	}
}

// flushOnce drains up to batchSize records and hands them to batchWrite,
// using the writer's own run loop context. If the queue is still at or
// above batchSize afterward, it re-signals itself so the next loop
// iteration flushes immediately rather than waiting for the timer.
func (w *Writer) flushOnce() {
	w.flushWithContext(w.ctx)
}

// flushWithContext is the shared drain-one-batch step. ctx is only used
// for the batchWrite call: flushOnce passes the writer's own run-loop
// context, while drainAndFlush passes a fresh one, since by the time it
// runs w.ctx has already been cancelled by Stop.
func (w *Writer) flushWithContext(ctx context.Context) {
	w.mu.Lock()
	if len(w.queue) == 0 {
		w.mu.Unlock()
		return
	}
	n := w.batchSize
	if n > len(w.queue) {
		n = len(w.queue)
	}
	batch := make([]domain.Event, n)
	copy(batch, w.queue[:n])
	w.queue = w.queue[n:]
	remaining := len(w.queue)
	w.mu.Unlock()

	if err := w.batchWrite(ctx, batch); err != nil {
		w.logger.Warn("persistence: batch write failed", "batch_size", len(batch), "error", err)
		if w.onError != nil {
			w.onError(batch, err)
		}
	}

	if remaining >= w.batchSize {
		w.signalFlush()
	}
}

// drainAndFlush flushes whatever remains in the queue, best-effort, during
// shutdown. It uses a fresh context rather than w.ctx, which Stop has
// already cancelled by the time this runs, so the final batchWrite can
// still open a transaction instead of failing on a dead context. It does
// not loop indefinitely: stop()'s bound is the caller's context deadline,
// not the queue depth.
func (w *Writer) drainAndFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		w.mu.Lock()
		empty := len(w.queue) == 0
		w.mu.Unlock()
		if empty {
			return
		}
		w.flushWithContext(ctx)
	}
}

// Stop signals shutdown and blocks until the background loop drains the
// queue and exits, or ctx is done, whichever comes first.
func (w *Writer) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		w.logger.Warn("persistence: stop deadline exceeded, queue may not be fully drained", "queue_len", w.QueueLen())
		return ctx.Err()
	}
}

package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// wsSink adapts a single WebSocket connection to domain.Sink. Sends to a
// slow or broken subscriber must not stall the actor, so writes are queued
// to a bounded channel drained by a dedicated goroutine; an overflowing
// queue is treated as a dead connection and the sink is closed, per the
// fan-out-under-load guidance.
type wsSink struct {
	conn   *websocket.Conn
	logger *slog.Logger

	sendMu sync.Mutex // serializes Send's check-and-enqueue against markClosed's close(queue)
	queue  chan []byte
	closed atomic.Bool
	once   sync.Once
	done   chan struct{}
}

const sinkQueueCapacity = 256

func newWSSink(conn *websocket.Conn, logger *slog.Logger) *wsSink {
	if logger == nil {
		logger = slog.Default()
	}
	s := &wsSink{
		conn:   conn,
		logger: logger,
		queue:  make(chan []byte, sinkQueueCapacity),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *wsSink) run() {
	defer close(s.done)
	failed := false
	for data := range s.queue {
		if failed {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			s.logger.Debug("gateway: sink write failed, closing", "error", err)
			failed = true
			s.markClosed()
		}
	}
}

// Send implements domain.Sink. It marshals msg to JSON and enqueues it;
// on a full queue it drops the message and closes the sink, since a
// persistently backed-up subscriber is indistinguishable from a dead one.
// The closed check and the enqueue happen under sendMu, the same lock
// markClosed takes before closing the queue, so a concurrent close can
// never land between this check and the send.
func (s *wsSink) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed.Load() {
		return errSinkClosed
	}
	select {
	case s.queue <- data:
		return nil
	default:
		s.logger.Warn("gateway: sink queue full, closing subscriber")
		s.markClosedLocked()
		return errSinkClosed
	}
}

// IsOpen implements domain.Sink.
func (s *wsSink) IsOpen() bool {
	return !s.closed.Load()
}

func (s *wsSink) markClosed() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.markClosedLocked()
}

// markClosedLocked requires sendMu to already be held.
func (s *wsSink) markClosedLocked() {
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.queue)
	})
}

// Close closes the sink, waits for frames already queued to be written
// (so an error reply sent just before Close reaches the client), and then
// closes the underlying connection.
func (s *wsSink) Close(statusCode websocket.StatusCode, reason string) {
	s.markClosed()
	<-s.done
	_ = s.conn.Close(statusCode, reason)
}

type sinkClosedError struct{}

func (*sinkClosedError) Error() string { return "gateway: sink closed" }

var errSinkClosed = &sinkClosedError{}

package sessionactor

import (
	"sync"
	"testing"
	"time"

	"github.com/ashureev/agentgateway/internal/domain"
)

type fakeSink struct {
	mu       sync.Mutex
	open     bool
	received []any
	failNext bool
}

func newFakeSink() *fakeSink { return &fakeSink{open: true} }

func (s *fakeSink) Send(msg any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return errSendFailed
	}
	s.received = append(s.received, msg)
	return nil
}

func (s *fakeSink) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *fakeSink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

var errSendFailed = &sendError{}

type sendError struct{}

func (*sendError) Error() string { return "send failed" }

func newTestActor() *Actor {
	sess := &domain.Session{ID: "s1", Status: domain.StatusRunning, NextSeq: 1}
	return New(sess, Config{MaxRecentEvents: 10, IdleTimeout: 50 * time.Millisecond})
}

func TestActor_SequenceDensityAndMonotonicity(t *testing.T) {
	a := newTestActor()
	sink := newFakeSink()
	a.AttachSubscriber("c1", sink, 0)

	for i := 0; i < 5; i++ {
		a.HandleAgentOutput("chunk", "stdout")
	}

	if got := a.LatestSeq(); got != 5 {
		t.Errorf("expected latest seq 5, got %d", got)
	}
}

func TestActor_CatchUpReturnsOnlyUnackedEvents(t *testing.T) {
	a := newTestActor()
	observer := newFakeSink()
	a.AttachSubscriber("observer", observer, 0)

	for i := 0; i < 5; i++ {
		a.HandleAgentOutput("chunk", "stdout")
	}

	late := newFakeSink()
	events := a.AttachSubscriber("late", late, 2)

	if len(events) != 3 {
		t.Fatalf("expected 3 catch-up events, got %d", len(events))
	}
	for i, ev := range events {
		want := int64(3 + i)
		if ev.Seq != want {
			t.Errorf("index %d: expected seq %d, got %d", i, want, ev.Seq)
		}
	}
}

func TestActor_IdleTransitionsAndResume(t *testing.T) {
	a := newTestActor()
	sink := newFakeSink()
	a.AttachSubscriber("c1", sink, 0)
	a.DetachSubscriber("c1")

	time.Sleep(100 * time.Millisecond)

	if got := a.Status(); got != domain.StatusIdle {
		t.Fatalf("expected status idle after idle timeout, got %s", got)
	}

	a.AttachSubscriber("c1", sink, 0)
	if got := a.Status(); got != domain.StatusRunning {
		t.Fatalf("expected status running after subscriber re-attach, got %s", got)
	}
}

func TestActor_SetStatusIsIdempotent(t *testing.T) {
	a := newTestActor()
	sink := newFakeSink()
	a.AttachSubscriber("c1", sink, 0)

	before := sink.count()
	a.SetStatus(domain.StatusRunning, "noop")
	after := sink.count()

	if before != after {
		t.Errorf("expected no state event emitted for unchanged status, sink went from %d to %d messages", before, after)
	}
}

func TestActor_FanOutSkipsClosedSinkAndSwallowsSendError(t *testing.T) {
	a := newTestActor()
	dead := newFakeSink()
	dead.close()
	alive := newFakeSink()
	alive.failNext = true

	a.AttachSubscriber("dead", dead, 0)
	a.AttachSubscriber("alive", alive, 0)

	a.HandleAgentOutput("chunk", "stdout")

	if dead.count() != 0 {
		t.Errorf("expected closed sink to receive nothing, got %d messages", dead.count())
	}
}

func TestActor_HandleInputReturnsAssignedSeq(t *testing.T) {
	a := newTestActor()
	seq := a.HandleInput("hello", "i1")
	if seq != 1 {
		t.Errorf("expected first assigned seq 1, got %d", seq)
	}
}

func TestActor_HandleAgentExitCleanVsAbnormal(t *testing.T) {
	clean := newTestActor()
	clean.HandleAgentExit(0, "")
	if got := clean.Status(); got != domain.StatusStopped {
		t.Errorf("expected stopped on clean exit, got %s", got)
	}

	crashed := newTestActor()
	crashed.HandleAgentExit(137, "SIGKILL")
	if got := crashed.Status(); got != domain.StatusError {
		t.Errorf("expected error on signal exit, got %s", got)
	}

	nonZero := newTestActor()
	nonZero.HandleAgentExit(1, "")
	if got := nonZero.Status(); got != domain.StatusError {
		t.Errorf("expected error on nonzero exit code, got %s", got)
	}
}

func TestActor_UpdateAckOnlyAdvances(t *testing.T) {
	a := newTestActor()
	sink := newFakeSink()
	a.AttachSubscriber("c1", sink, 5)
	a.UpdateAck("c1", 3)
	a.UpdateAck("c1", 10)

	a.mu.Lock()
	got := a.subs["c1"].LastAckSeq
	a.mu.Unlock()

	if got != 10 {
		t.Errorf("expected lastAckSeq to advance to 10, got %d", got)
	}
}

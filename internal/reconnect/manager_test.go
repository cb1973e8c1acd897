package reconnect

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tungmaiv/lumikb-client/internal/domain"
	"github.com/tungmaiv/lumikb-client/internal/domain/models"
	"github.com/tungmaiv/lumikb-client/internal/stream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastPolicy() Policy {
	return Policy{
		BaseDelay:    time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		MaxRetries:   5,
		JitterFrac:   0,
		PollInterval: 2 * time.Millisecond,
	}
}

// fakeStream is a hand-fed EventStream.
type fakeStream struct {
	mu     sync.Mutex
	ch     chan stream.Event
	err    error
	closed bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{ch: make(chan stream.Event, 32)}
}

func (f *fakeStream) Events() <-chan stream.Event { return f.ch }

func (f *fakeStream) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeStream) Abort() {}

func (f *fakeStream) emit(ev stream.Event) { f.ch <- ev }

func (f *fakeStream) closeWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.err = err
	f.closed = true
	close(f.ch)
}

// scriptedStream returns a stream pre-loaded with events and a final result.
func scriptedStream(err error, events ...stream.Event) *fakeStream {
	f := newFakeStream()
	for _, ev := range events {
		f.emit(ev)
	}
	f.closeWith(err)
	return f
}

func seqToken(seq int, text string) stream.Event {
	s := seq
	return stream.Event{Type: stream.EventToken, Token: &stream.TokenEvent{Text: text, Seq: &s}}
}

func doneEvent() stream.Event {
	return stream.Event{Type: stream.EventDone, Done: &stream.DoneEvent{}}
}

// recorder collects hook output across goroutines.
type recorder struct {
	mu       sync.Mutex
	events   []stream.Event
	statuses []Status
	polls    int
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnEvent: func(ev stream.Event) {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		},
		OnStatus: func(s Status) {
			r.mu.Lock()
			r.statuses = append(r.statuses, s)
			r.mu.Unlock()
		},
		OnTranscript: func(models.Transcript) {
			r.mu.Lock()
			r.polls++
			r.mu.Unlock()
		},
	}
}

func (r *recorder) tokenTexts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.Type == stream.EventToken {
			out = append(out, ev.Token.Text)
		}
	}
	return out
}

func (r *recorder) sawState(s State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.statuses {
		if st.State == s {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func waitDone(t *testing.T, m *Manager) {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not settle in time")
	}
}

func TestGracefulDoneIsNeverRetried(t *testing.T) {
	var opens atomic.Int32
	open := func(ctx context.Context, req stream.Request) (EventStream, error) {
		opens.Add(1)
		return scriptedStream(nil, seqToken(0, "hello"), doneEvent()), nil
	}

	rec := &recorder{}
	m := NewManager(open, nil, fastPolicy(), rec.hooks(), testLogger())
	go m.Run(context.Background(), stream.Request{KBID: "kb"})
	waitDone(t, m)

	assert.Equal(t, int32(1), opens.Load())
	assert.Equal(t, StateDone, m.Status().State)
	assert.Equal(t, []string{"hello"}, rec.tokenTexts())
}

func TestServerErrorEventIsNeverRetried(t *testing.T) {
	var opens atomic.Int32
	open := func(ctx context.Context, req stream.Request) (EventStream, error) {
		opens.Add(1)
		errEv := stream.Event{Type: stream.EventError, Error: &stream.ErrorEvent{Message: "boom"}}
		return scriptedStream(nil, seqToken(0, "part"), errEv), nil
	}

	m := NewManager(open, nil, fastPolicy(), Hooks{}, testLogger())
	go m.Run(context.Background(), stream.Request{KBID: "kb"})
	waitDone(t, m)

	assert.Equal(t, int32(1), opens.Load())
	assert.Equal(t, StateDone, m.Status().State)
}

func TestFatalAfterMaxConsecutiveLosses(t *testing.T) {
	var opens atomic.Int32
	open := func(ctx context.Context, req stream.Request) (EventStream, error) {
		opens.Add(1)
		return nil, domain.ErrConnectionLost
	}

	rec := &recorder{}
	m := NewManager(open, nil, fastPolicy(), rec.hooks(), testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx, stream.Request{KBID: "kb"})

	waitFor(t, func() bool { return m.Status().State == StateFatal })
	require.Equal(t, int32(5), opens.Load())

	// No automatic further attempt out of fatal.
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(5), opens.Load())

	status := m.Status()
	assert.True(t, status.MaxRetriesExceeded)
	assert.Equal(t, 5, status.AttemptCount)
	assert.ErrorIs(t, status.Err, domain.ErrConnectionLost)

	cancel()
	waitDone(t, m)
	assert.Equal(t, StateIdle, m.Status().State)
}

func TestSuccessfulConnectResetsLossCounter(t *testing.T) {
	var opens atomic.Int32
	open := func(ctx context.Context, req stream.Request) (EventStream, error) {
		switch opens.Add(1) {
		case 1, 2:
			return nil, domain.ErrConnectionLost
		case 3:
			// Connects and streams, then the transport drops again.
			return scriptedStream(domain.ErrConnectionLost, seqToken(0, "a")), nil
		default:
			return scriptedStream(nil, seqToken(1, "b"), doneEvent()), nil
		}
	}

	rec := &recorder{}
	policy := fastPolicy()
	policy.MaxRetries = 3
	m := NewManager(open, nil, policy, rec.hooks(), testLogger())
	go m.Run(context.Background(), stream.Request{KBID: "kb"})
	waitDone(t, m)

	// Without the reset, the third loss would have gone fatal instead of retrying.
	assert.Equal(t, int32(4), opens.Load())
	assert.Equal(t, StateDone, m.Status().State)
	assert.Equal(t, []string{"a", "b"}, rec.tokenTexts())
	assert.False(t, rec.sawState(StateFatal))
}

func TestReconnectResumesFromOffsetAndDropsReplays(t *testing.T) {
	var opens atomic.Int32
	var resumeFrom atomic.Int32
	open := func(ctx context.Context, req stream.Request) (EventStream, error) {
		if opens.Add(1) == 1 {
			return scriptedStream(domain.ErrConnectionLost,
				seqToken(0, "t0"), seqToken(1, "t1"), seqToken(2, "t2")), nil
		}
		resumeFrom.Store(int32(req.ResumeFrom))
		// Server replays from before the offset; the replayed prefix must not
		// be forwarded twice.
		return scriptedStream(nil,
			seqToken(0, "t0"), seqToken(1, "t1"), seqToken(2, "t2"),
			seqToken(3, "t3"), seqToken(4, "t4"), doneEvent()), nil
	}

	rec := &recorder{}
	m := NewManager(open, nil, fastPolicy(), rec.hooks(), testLogger())
	go m.Run(context.Background(), stream.Request{KBID: "kb"})
	waitDone(t, m)

	assert.Equal(t, int32(3), resumeFrom.Load())
	assert.Equal(t, []string{"t0", "t1", "t2", "t3", "t4"}, rec.tokenTexts())
}

func TestAbortDuringBackoffGoesIdle(t *testing.T) {
	var opens atomic.Int32
	open := func(ctx context.Context, req stream.Request) (EventStream, error) {
		opens.Add(1)
		return nil, domain.ErrConnectionLost
	}

	policy := fastPolicy()
	policy.BaseDelay = 10 * time.Second // park in reconnecting
	policy.MaxDelay = 10 * time.Second

	m := NewManager(open, nil, policy, Hooks{}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx, stream.Request{KBID: "kb"})

	waitFor(t, func() bool { return m.Status().State == StateReconnecting })
	status := m.Status()
	assert.True(t, status.IsReconnecting)
	assert.Greater(t, status.NextRetryIn, time.Duration(0))

	cancel()
	waitDone(t, m)
	assert.Equal(t, StateIdle, m.Status().State)
	assert.Equal(t, int32(1), opens.Load())
}

func TestManualRetryExitsFatal(t *testing.T) {
	var opens atomic.Int32
	open := func(ctx context.Context, req stream.Request) (EventStream, error) {
		if opens.Add(1) == 1 {
			return nil, domain.ErrConnectionLost
		}
		return scriptedStream(nil, doneEvent()), nil
	}

	policy := fastPolicy()
	policy.MaxRetries = 1 // first loss is fatal
	m := NewManager(open, nil, policy, Hooks{}, testLogger())
	go m.Run(context.Background(), stream.Request{KBID: "kb"})

	waitFor(t, func() bool { return m.Status().State == StateFatal })
	require.NoError(t, m.RetryNow())

	waitDone(t, m)
	assert.Equal(t, StateDone, m.Status().State)
	assert.Equal(t, int32(2), opens.Load())

	// Manual exits are state-checked.
	assert.ErrorIs(t, m.RetryNow(), ErrNotFatal)
	assert.ErrorIs(t, m.ResumeStreaming(), ErrNotPolling)
}

func TestPollingFallbackAndResume(t *testing.T) {
	var opens atomic.Int32
	open := func(ctx context.Context, req stream.Request) (EventStream, error) {
		if opens.Add(1) == 1 {
			return nil, domain.ErrConnectionLost
		}
		return scriptedStream(nil, doneEvent()), nil
	}
	poll := func(ctx context.Context, conversationID string) (models.Transcript, error) {
		return models.Transcript{{Role: models.RoleUser, Content: "q"}}, nil
	}

	policy := fastPolicy()
	policy.MaxRetries = 1
	rec := &recorder{}
	m := NewManager(open, poll, policy, rec.hooks(), testLogger())
	go m.Run(context.Background(), stream.Request{KBID: "kb", ConversationID: "c1"})

	waitFor(t, func() bool { return m.Status().State == StateFatal })
	require.ErrorIs(t, m.ResumeStreaming(), ErrNotPolling)
	require.NoError(t, m.StartPolling())

	// Polling refreshes the transcript until the user resumes streaming.
	waitFor(t, func() bool { return m.Status().State == StatePolling })
	waitFor(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.polls >= 2
	})

	require.NoError(t, m.ResumeStreaming())
	waitDone(t, m)
	assert.Equal(t, StateDone, m.Status().State)
	assert.Equal(t, int32(2), opens.Load())
}

func TestRepeatedPollFailuresReturnToFatal(t *testing.T) {
	open := func(ctx context.Context, req stream.Request) (EventStream, error) {
		return nil, domain.ErrConnectionLost
	}
	pollErr := errors.New("backend unreachable")
	poll := func(ctx context.Context, conversationID string) (models.Transcript, error) {
		return nil, pollErr
	}

	policy := fastPolicy()
	policy.MaxRetries = 2
	m := NewManager(open, poll, policy, Hooks{}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx, stream.Request{KBID: "kb", ConversationID: "c1"})

	waitFor(t, func() bool { return m.Status().State == StateFatal })
	require.NoError(t, m.StartPolling())
	waitFor(t, func() bool { return m.Status().State == StatePolling })

	// Poll failures accumulate and drop the session back to fatal.
	waitFor(t, func() bool { return m.Status().State == StateFatal })
	assert.ErrorIs(t, m.Status().Err, pollErr)

	cancel()
	waitDone(t, m)
}

package reconnect

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/tungmaiv/lumikb-client/internal/domain"
	"github.com/tungmaiv/lumikb-client/internal/domain/models"
	"github.com/tungmaiv/lumikb-client/internal/stream"
)

// Manual-exit errors. Fatal and polling are left only by explicit user action.
var (
	ErrNotFatal   = errors.New("manual retry is only valid in the fatal state")
	ErrNotPolling = errors.New("not in polling mode")
)

// EventStream is the slice of stream.Stream the manager supervises.
type EventStream interface {
	Events() <-chan stream.Event
	Err() error
	Abort()
}

// OpenFunc opens one streaming attempt.
type OpenFunc func(ctx context.Context, req stream.Request) (EventStream, error)

// PollFunc fetches the current conversation state over plain request/response.
// Used by the degraded polling mode when live streaming cannot be restored.
type PollFunc func(ctx context.Context, conversationID string) (models.Transcript, error)

// Hooks are the manager's outputs. All hooks are invoked from the manager's
// run goroutine, in order.
type Hooks struct {
	OnEvent      func(stream.Event)      // every forwarded stream event
	OnStatus     func(Status)            // every state transition
	OnTranscript func(models.Transcript) // polling-mode conversation refreshes
}

// Manager supervises one answer stream. It retries transport losses with
// bounded exponential backoff and falls back to polling after exhaustion.
// Graceful terminations (done or error events actually received) are never
// retried - retries are for connection loss only.
//
// A Manager runs exactly one session: create it, call Run once, and wait on
// Done(). Cancelling the run context is the abort path and is not counted as
// a reconnection failure.
type Manager struct {
	open   OpenFunc
	poll   PollFunc
	policy Policy
	hooks  Hooks
	logger *slog.Logger

	// Injectable for tests
	rnd func() float64

	mu          sync.Mutex
	state       State
	attempt     int // consecutive transport losses for the current session
	nextRetryAt time.Time
	lastErr     error

	// tokensSeen counts token events forwarded downstream. It is the resume
	// offset sent on reconnect attempts and the replay guard for servers that
	// number their tokens. Touched only by the run goroutine.
	tokensSeen int

	manual chan manualCmd
	done   chan struct{}
}

type manualCmd int

const (
	cmdRetry manualCmd = iota
	cmdPoll
	cmdResumeStreaming
)

// NewManager creates a manager for one stream session.
func NewManager(open OpenFunc, poll PollFunc, policy Policy, hooks Hooks, logger *slog.Logger) *Manager {
	return &Manager{
		open:   open,
		poll:   poll,
		policy: policy,
		hooks:  hooks,
		logger: logger.With("component", "reconnect"),
		rnd:    rand.Float64,
		manual: make(chan manualCmd, 1),
		done:   make(chan struct{}),
	}
}

// Done closes when the run loop has fully settled. Aborters wait on this so
// the transcript is never mutated while a stale stream could still apply events.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Status returns the current observable state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

// RetryNow is the operator-triggered exit from fatal: resets the attempt
// counter and re-enters connecting.
func (m *Manager) RetryNow() error {
	return m.sendManual(cmdRetry, StateFatal, ErrNotFatal)
}

// StartPolling is the operator-triggered fallback from fatal into the
// degraded polling mode.
func (m *Manager) StartPolling() error {
	return m.sendManual(cmdPoll, StateFatal, ErrNotFatal)
}

// ResumeStreaming leaves polling mode and retries live streaming. This is the
// only exit from polling back to a live stream.
func (m *Manager) ResumeStreaming() error {
	return m.sendManual(cmdResumeStreaming, StatePolling, ErrNotPolling)
}

func (m *Manager) sendManual(cmd manualCmd, want State, errWrongState error) error {
	m.mu.Lock()
	if m.state != want {
		m.mu.Unlock()
		return errWrongState
	}
	m.mu.Unlock()

	select {
	case m.manual <- cmd:
		return nil
	default:
		return domain.ErrOperationInFlight
	}
}

// Run drives the session to completion. It returns when the stream finished
// gracefully, the context was cancelled (abort), or a fatal/polling state was
// exited by cancellation. Call exactly once.
func (m *Manager) Run(ctx context.Context, req stream.Request) {
	defer close(m.done)

	for {
		req.ResumeFrom = m.tokensSeen
		m.setState(StateConnecting, nil)

		st, err := m.open(ctx, req)
		if err == nil {
			err = m.consume(ctx, st)
		}

		if err == nil {
			// Graceful termination: a done or error event was received.
			// Server-reported failures are terminal, never retried.
			m.setState(StateDone, nil)
			return
		}
		if ctx.Err() != nil || errors.Is(err, domain.ErrStreamAborted) {
			// External abort is not a reconnection failure.
			m.setState(StateIdle, nil)
			return
		}

		// Transport loss.
		m.mu.Lock()
		m.attempt++
		attempt := m.attempt
		m.mu.Unlock()

		m.logger.Warn("stream transport lost",
			"attempt", attempt,
			"max_retries", m.policy.MaxRetries,
			"error", err,
		)

		if attempt >= m.policy.MaxRetries {
			if !m.waitFatal(ctx, err, req.ConversationID) {
				m.setState(StateIdle, nil)
				return
			}
			continue // manual retry (directly, or after leaving polling)
		}

		if !m.waitRetry(ctx, attempt, err) {
			m.setState(StateIdle, nil)
			return
		}
	}
}

// consume forwards stream events downstream until the stream ends.
// Returns nil for graceful termination, the transport error otherwise.
func (m *Manager) consume(ctx context.Context, st EventStream) error {
	defer st.Abort()

	first := true
	for ev := range st.Events() {
		if first {
			first = false
			// First byte received: streaming, and the loss counter resets.
			m.mu.Lock()
			m.attempt = 0
			m.mu.Unlock()
			m.setState(StateStreaming, nil)
		}

		if ev.Type == stream.EventToken {
			if seq := ev.Token.Seq; seq != nil && *seq < m.tokensSeen {
				continue // replayed token from the resume window
			}
			m.tokensSeen++
		}

		if m.hooks.OnEvent != nil {
			m.hooks.OnEvent(ev)
		}

		if ctx.Err() != nil {
			return domain.ErrStreamAborted
		}
	}

	return st.Err()
}

// waitRetry sits out the backoff delay before the next attempt.
// Returns false when the wait was cancelled.
func (m *Manager) waitRetry(ctx context.Context, attempt int, cause error) bool {
	delay := m.policy.Delay(attempt-1, m.rnd)

	m.mu.Lock()
	m.state = StateReconnecting
	m.lastErr = cause
	m.nextRetryAt = time.Now().Add(delay)
	status := m.statusLocked()
	m.mu.Unlock()
	m.publish(status)

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// waitFatal surfaces the connection-lost condition and blocks for a manual
// exit: retry (true, counter reset) or polling fallback (which itself may
// hand back to streaming). Returns false when cancelled.
func (m *Manager) waitFatal(ctx context.Context, cause error, conversationID string) bool {
	m.setState(StateFatal, cause)

	for {
		select {
		case <-ctx.Done():
			return false
		case cmd := <-m.manual:
			switch cmd {
			case cmdRetry:
				m.resetAttempts()
				return true
			case cmdPoll:
				switch m.runPolling(ctx, conversationID) {
				case pollResume:
					m.resetAttempts()
					return true
				case pollFatal:
					m.setState(StateFatal, nil) // lastErr already holds the poll failure
					continue
				default: // cancelled
					return false
				}
			}
		}
	}
}

type pollOutcome int

const (
	pollCancelled pollOutcome = iota
	pollResume
	pollFatal
)

// runPolling periodically re-fetches the conversation over plain
// request/response. It exits back to streaming only on explicit user action,
// or to fatal after repeated poll failures.
func (m *Manager) runPolling(ctx context.Context, conversationID string) pollOutcome {
	m.setState(StatePolling, nil)

	ticker := time.NewTicker(m.policy.PollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return pollCancelled
		case cmd := <-m.manual:
			if cmd == cmdResumeStreaming {
				return pollResume
			}
		case <-ticker.C:
			turns, err := m.poll(ctx, conversationID)
			if err != nil {
				failures++
				m.logger.Warn("poll failed", "failures", failures, "error", err)
				if failures >= m.policy.MaxRetries {
					m.mu.Lock()
					m.lastErr = err
					m.mu.Unlock()
					return pollFatal
				}
				continue
			}
			failures = 0
			if m.hooks.OnTranscript != nil {
				m.hooks.OnTranscript(turns)
			}
		}
	}
}

func (m *Manager) resetAttempts() {
	m.mu.Lock()
	m.attempt = 0
	m.lastErr = nil
	m.mu.Unlock()
}

func (m *Manager) setState(s State, err error) {
	m.mu.Lock()
	m.state = s
	if err != nil || s == StateIdle || s == StateDone || s == StateStreaming {
		m.lastErr = err
	}
	status := m.statusLocked()
	m.mu.Unlock()

	m.publish(status)
}

// statusLocked builds the observable tuple. Caller holds m.mu.
func (m *Manager) statusLocked() Status {
	status := Status{
		State:              m.state,
		IsReconnecting:     m.state == StateReconnecting,
		AttemptCount:       m.attempt,
		MaxRetries:         m.policy.MaxRetries,
		MaxRetriesExceeded: m.state == StateFatal,
		IsPolling:          m.state == StatePolling,
		Err:                m.lastErr,
	}
	if m.state == StateReconnecting {
		if remaining := time.Until(m.nextRetryAt); remaining > 0 {
			status.NextRetryIn = remaining
		}
	}
	return status
}

func (m *Manager) publish(status Status) {
	if m.hooks.OnStatus != nil {
		m.hooks.OnStatus(status)
	}
	m.logger.Debug("stream state",
		"state", status.State.String(),
		"attempt", status.AttemptCount,
		"polling", status.IsPolling,
	)
}

package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tungmaiv/lumikb-client/internal/api"
	"github.com/tungmaiv/lumikb-client/internal/domain"
	"github.com/tungmaiv/lumikb-client/internal/domain/models"
	"github.com/tungmaiv/lumikb-client/internal/reconnect"
	"github.com/tungmaiv/lumikb-client/internal/stream"
	"github.com/tungmaiv/lumikb-client/internal/transcript"
	"github.com/tungmaiv/lumikb-client/internal/undo"
)

// interruptTimeout bounds the best-effort server-side interrupt after abort
const interruptTimeout = 5 * time.Second

// Backend is the slice of the API client the coordinator depends on
type Backend interface {
	CreateConversation(ctx context.Context, kbID string) (string, error)
	GetConversation(ctx context.Context, conversationID string) (*api.Conversation, error)
	Poll(ctx context.Context, conversationID string) (models.Transcript, error)
	ClearSession(ctx context.Context, kbID string) error
	UndoClear(ctx context.Context, kbID string) error
	Interrupt(ctx context.Context, conversationID string) error
}

// Hooks are the coordinator's outputs toward the presentation layer
type Hooks struct {
	OnEvent      func(stream.Event)      // stream events of the current session only
	OnStatus     func(reconnect.Status)  // reconnection state transitions
	OnTranscript func(models.Transcript) // transcript replaced wholesale (clear/restore/resume/poll)
}

// Options configures a coordinator for one chat surface
type Options struct {
	KBID    string
	Backend Backend
	Open    reconnect.OpenFunc
	Undo    *undo.Buffer
	Policy  reconnect.Policy
	Hooks   Hooks
	Logger  *slog.Logger
}

// Coordinator is the single serialization point for session-affecting
// operations: send, clear, undo-clear, new chat, resume, abort. All of them
// contend on one logical lock and a second call while one is in flight is
// rejected, never queued, so clear/restore/new-chat can never interleave.
// An in-flight stream is always aborted - and the abort settled - before the
// transcript is mutated.
//
// Each chat surface (tab, window) owns its own Coordinator; nothing here is
// ambient or shared between surfaces.
type Coordinator struct {
	kbID    string
	backend Backend
	open    reconnect.OpenFunc
	undo    *undo.Buffer
	acc     *transcript.Accumulator
	policy  reconnect.Policy
	hooks   Hooks
	logger  *slog.Logger

	// op is the one logical lock for lifecycle operations
	op sync.Mutex

	mu             sync.Mutex
	epoch          int64 // generation guard against events from superseded sessions
	conversationID string
	mgr            *reconnect.Manager
	cancel         context.CancelFunc
}

// NewCoordinator creates the coordinator for one chat surface
func NewCoordinator(opts Options) *Coordinator {
	return &Coordinator{
		kbID:    opts.KBID,
		backend: opts.Backend,
		open:    opts.Open,
		undo:    opts.Undo,
		acc:     transcript.NewAccumulator(opts.Logger),
		policy:  opts.Policy,
		hooks:   opts.Hooks,
		logger:  opts.Logger.With("component", "session"),
	}
}

// SendMessage appends the user turn and starts the supervised answer stream.
// Rejected while a stream is connecting, streaming, reconnecting, or polling:
// only one outstanding answer exists per chat surface.
func (c *Coordinator) SendMessage(ctx context.Context, text string) error {
	if !c.op.TryLock() {
		return domain.ErrOperationInFlight
	}
	defer c.op.Unlock()

	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: empty message", domain.ErrValidation)
	}

	c.mu.Lock()
	if c.mgr != nil && c.mgr.Status().State.Live() {
		c.mu.Unlock()
		return domain.ErrStreamActive
	}
	c.mu.Unlock()

	// A settled manager (done, or fatal waiting on a manual exit) still owns a
	// parked run goroutine; release it before the new session takes the surface.
	c.abortLocked(ctx)

	c.mu.Lock()
	c.epoch++
	epoch := c.epoch
	conversationID := c.conversationID
	c.mu.Unlock()

	c.acc.AppendUser(text)
	c.acc.BeginAnswer()
	c.notifyTranscript()

	req := stream.Request{
		KBID:           c.kbID,
		ConversationID: conversationID,
		Message:        text,
	}

	mgr := reconnect.NewManager(c.open, c.backend.Poll, c.policy, c.sessionHooks(epoch), c.logger)

	// The stream outlives the SendMessage call; its lifetime is bound to the
	// abort path, not the caller's context.
	runCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.mgr = mgr
	c.cancel = cancel
	c.mu.Unlock()

	go mgr.Run(runCtx, req)
	return nil
}

// sessionHooks wraps the UI hooks with the epoch guard: events belonging to
// a superseded session are discarded even if they arrive late.
func (c *Coordinator) sessionHooks(epoch int64) reconnect.Hooks {
	return reconnect.Hooks{
		OnEvent: func(ev stream.Event) {
			if !c.currentEpoch(epoch) {
				c.logger.Debug("discarding event from superseded session", "type", ev.Type)
				return
			}
			c.acc.Apply(ev)
			if ev.Type == stream.EventDone && ev.Done.ConversationID != "" {
				c.setConversationID(ev.Done.ConversationID)
			}
			if c.hooks.OnEvent != nil {
				c.hooks.OnEvent(ev)
			}
		},
		OnStatus: func(status reconnect.Status) {
			if !c.currentEpoch(epoch) {
				return
			}
			if c.hooks.OnStatus != nil {
				c.hooks.OnStatus(status)
			}
		},
		OnTranscript: func(turns models.Transcript) {
			if !c.currentEpoch(epoch) {
				return
			}
			c.acc.Replace(turns)
			c.notifyTranscript()
		},
	}
}

// ClearChat aborts any live stream, snapshots the transcript into the undo
// buffer, and empties it locally only after the backend acknowledges the
// clear. A failed backend clear leaves the transcript untouched - an
// optimistically emptied transcript with a failed server clear would be an
// unrecoverable inconsistency.
func (c *Coordinator) ClearChat(ctx context.Context) error {
	if !c.op.TryLock() {
		return domain.ErrOperationInFlight
	}
	defer c.op.Unlock()

	c.abortLocked(ctx)

	snap := c.acc.Snapshot()
	if len(snap) > 0 {
		if err := c.undo.Capture(ctx, snap); err != nil {
			return fmt.Errorf("capture undo snapshot: %w", err)
		}
	}

	if err := c.backend.ClearSession(ctx, c.kbID); err != nil {
		// Withhold all local effects: transcript stays, capture is rolled back.
		if derr := c.undo.Discard(ctx); derr != nil {
			c.logger.Warn("failed to roll back undo capture", "error", derr)
		}
		return err
	}

	c.acc.Clear()
	c.notifyTranscript()
	return nil
}

// UndoClear restores the last cleared transcript. Valid only inside the undo
// window; the backend remains the authority, and on backend failure the
// buffer is preserved so the user can retry instead of losing the snapshot.
func (c *Coordinator) UndoClear(ctx context.Context) error {
	if !c.op.TryLock() {
		return domain.ErrOperationInFlight
	}
	defer c.op.Unlock()

	if err := c.undo.Available(); err != nil {
		return err
	}

	if err := c.backend.UndoClear(ctx, c.kbID); err != nil {
		return err
	}

	turns, err := c.undo.Take(ctx)
	if err != nil {
		return err
	}
	c.acc.Replace(turns)
	c.notifyTranscript()
	return nil
}

// StartNewChat aborts any live stream, discards (does not restore) the undo
// buffer, and begins a fresh conversation with an empty transcript.
func (c *Coordinator) StartNewChat(ctx context.Context) error {
	if !c.op.TryLock() {
		return domain.ErrOperationInFlight
	}
	defer c.op.Unlock()

	c.abortLocked(ctx)

	if err := c.undo.Discard(ctx); err != nil {
		c.logger.Warn("failed to discard undo buffer", "error", err)
	}

	conversationID, err := c.backend.CreateConversation(ctx, c.kbID)
	if err != nil {
		return err
	}
	c.setConversationID(conversationID)

	c.acc.Clear()
	c.notifyTranscript()
	return nil
}

// ResumeConversation aborts any live stream and replaces the transcript with
// the stored history of a past conversation.
func (c *Coordinator) ResumeConversation(ctx context.Context, conversationID string) error {
	if !c.op.TryLock() {
		return domain.ErrOperationInFlight
	}
	defer c.op.Unlock()

	c.abortLocked(ctx)

	conv, err := c.backend.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	c.setConversationID(conv.ID)
	c.acc.Replace(conv.Turns)
	c.notifyTranscript()
	return nil
}

// Abort cancels the live stream, waits for it to settle, and marks the
// unfinished answer partial. No-op when nothing is streaming.
func (c *Coordinator) Abort(ctx context.Context) error {
	if !c.op.TryLock() {
		return domain.ErrOperationInFlight
	}
	defer c.op.Unlock()

	c.abortLocked(ctx)
	c.notifyTranscript()
	return nil
}

// RetryNow forwards the manual fatal-state retry to the live manager
func (c *Coordinator) RetryNow() error {
	if mgr := c.manager(); mgr != nil {
		return mgr.RetryNow()
	}
	return reconnect.ErrNotFatal
}

// StartPolling forwards the manual polling fallback to the live manager
func (c *Coordinator) StartPolling() error {
	if mgr := c.manager(); mgr != nil {
		return mgr.StartPolling()
	}
	return reconnect.ErrNotFatal
}

// ResumeStreaming leaves polling mode and retries live streaming
func (c *Coordinator) ResumeStreaming() error {
	if mgr := c.manager(); mgr != nil {
		return mgr.ResumeStreaming()
	}
	return reconnect.ErrNotPolling
}

// Status returns the observable stream state for the presentation layer
func (c *Coordinator) Status() reconnect.Status {
	if mgr := c.manager(); mgr != nil {
		return mgr.Status()
	}
	return reconnect.Status{State: reconnect.StateIdle, MaxRetries: c.policy.MaxRetries}
}

// Transcript returns a deep copy of the current transcript
func (c *Coordinator) Transcript() models.Transcript {
	return c.acc.Snapshot()
}

// ConversationID returns the current conversation id, if any
func (c *Coordinator) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// abortLocked cancels the live stream and waits for its run loop to settle,
// so no event of the old session can touch the transcript afterwards. The
// epoch bump guards against any straggler that raced past the cancel.
// Caller holds c.op.
func (c *Coordinator) abortLocked(ctx context.Context) {
	c.mu.Lock()
	mgr, cancel := c.mgr, c.cancel
	c.mgr, c.cancel = nil, nil
	c.epoch++
	conversationID := c.conversationID
	c.mu.Unlock()

	if mgr == nil {
		return
	}

	state := mgr.Status().State
	wasLive := state.Live()
	cancel()
	select {
	case <-mgr.Done():
	case <-ctx.Done():
	}

	if wasLive && conversationID != "" {
		// Best-effort: stop server-side generation too. Never surfaced.
		ictx, icancel := context.WithTimeout(context.Background(), interruptTimeout)
		defer icancel()
		if err := c.backend.Interrupt(ictx, conversationID); err != nil {
			c.logger.Debug("server-side interrupt failed", "error", err)
		}
	}

	// A fatal session also leaves an unfinished answer behind.
	if wasLive {
		c.acc.MarkActivePartial("answer cancelled")
	} else if state == reconnect.StateFatal {
		c.acc.MarkActivePartial("connection lost")
	}
}

func (c *Coordinator) manager() *reconnect.Manager {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mgr
}

func (c *Coordinator) currentEpoch(epoch int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch == epoch
}

func (c *Coordinator) setConversationID(id string) {
	c.mu.Lock()
	c.conversationID = id
	c.mu.Unlock()
}

func (c *Coordinator) notifyTranscript() {
	if c.hooks.OnTranscript != nil {
		c.hooks.OnTranscript(c.acc.Snapshot())
	}
}

package undo

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tungmaiv/lumikb-client/internal/domain"
	"github.com/tungmaiv/lumikb-client/internal/domain/models"
)

// DefaultTTL is the undo window when config does not override it.
const DefaultTTL = 30 * time.Second

// Buffer holds the most recently cleared transcript for a bounded window.
// Only one snapshot exists at a time - a second clear overwrites it. The
// snapshot is mirrored to the durable store on capture so the window
// survives a restart; expiry is computed from the wall-clock capture time,
// never from a decrementing counter, so suspension and reload cause no drift.
type Buffer struct {
	mu        sync.Mutex
	surfaceID string
	store     Store
	ttl       time.Duration
	logger    *slog.Logger
	now       func() time.Time

	snap *models.UndoSnapshot
}

// NewBuffer creates the undo buffer for one chat surface
func NewBuffer(surfaceID string, store Store, ttl time.Duration, logger *slog.Logger) *Buffer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Buffer{
		surfaceID: surfaceID,
		store:     store,
		ttl:       ttl,
		logger:    logger.With("component", "undo"),
		now:       time.Now,
	}
}

// Recover loads a mirrored snapshot left by a previous process instance.
// An expired mirror is deleted, not merely ignored.
func (b *Buffer) Recover(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap, err := b.store.Load(ctx, b.surfaceID)
	if err != nil {
		return err
	}
	if snap == nil {
		return nil
	}
	if !b.now().Before(snap.ExpiresAt()) {
		return b.dropLocked(ctx)
	}

	b.snap = snap
	b.logger.Info("recovered undo snapshot",
		"turns", len(snap.Turns),
		"expires_in", time.Until(snap.ExpiresAt()).Round(time.Second),
	)
	return nil
}

// Capture snapshots the pre-clear transcript and mirrors it durably.
// Overwrites any existing snapshot.
func (b *Buffer) Capture(ctx context.Context, turns models.Transcript) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := &models.UndoSnapshot{
		Turns:      turns.Clone(),
		CapturedAt: b.now(),
		TTLSeconds: int(b.ttl / time.Second),
	}
	if err := b.store.Save(ctx, b.surfaceID, *snap); err != nil {
		// The in-memory window still works for this process lifetime.
		b.logger.Error("failed to mirror undo snapshot", "error", err)
	}
	b.snap = snap
	return nil
}

// Available reports whether an unconsumed snapshot exists inside its TTL.
// Returns ErrUndoUnavailable when nothing was captured and ErrUndoExpired
// when the window just elapsed - in which case the snapshot is dropped,
// durable copy included.
func (b *Buffer) Available() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.snap == nil {
		return domain.ErrUndoUnavailable
	}
	if !b.availableLocked() {
		return domain.ErrUndoExpired
	}
	return nil
}

// IsAvailable is the boolean form of Available, for presentational checks
func (b *Buffer) IsAvailable() bool {
	return b.Available() == nil
}

// SecondsRemaining returns the whole seconds left in the undo window, for the
// once-per-second countdown. Purely presentational: expiry itself is decided
// by the capture timestamp, not this value.
func (b *Buffer) SecondsRemaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.availableLocked() {
		return 0
	}
	remaining := b.snap.ExpiresAt().Sub(b.now())
	return int(remaining.Round(time.Second) / time.Second)
}

// Take consumes the snapshot for a confirmed restore. The durable copy is
// deleted. Returns ErrUndoExpired past the TTL and ErrUndoUnavailable when
// nothing was captured.
//
// Callers must only invoke Take after the backend has acknowledged the
// restore: if the backend call fails, the buffer must be preserved so the
// user can retry rather than silently lose the snapshot.
func (b *Buffer) Take(ctx context.Context) (models.Transcript, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.snap == nil {
		return nil, domain.ErrUndoUnavailable
	}
	if !b.now().Before(b.snap.ExpiresAt()) {
		_ = b.dropLocked(ctx)
		return nil, domain.ErrUndoExpired
	}

	turns := b.snap.Turns
	if err := b.dropLocked(ctx); err != nil {
		b.logger.Warn("failed to delete consumed undo mirror", "error", err)
	}
	return turns, nil
}

// Discard invalidates the snapshot without restoring it (new chat)
func (b *Buffer) Discard(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.snap == nil {
		return nil
	}
	return b.dropLocked(ctx)
}

// availableLocked checks the window and lazily expires. Caller holds b.mu.
func (b *Buffer) availableLocked() bool {
	if b.snap == nil {
		return false
	}
	if !b.now().Before(b.snap.ExpiresAt()) {
		if err := b.dropLocked(context.Background()); err != nil {
			b.logger.Warn("failed to delete expired undo mirror", "error", err)
		}
		return false
	}
	return true
}

// dropLocked clears the snapshot and its durable mirror. Caller holds b.mu.
func (b *Buffer) dropLocked(ctx context.Context) error {
	b.snap = nil
	return b.store.Delete(ctx, b.surfaceID)
}

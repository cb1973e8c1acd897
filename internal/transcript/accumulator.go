package transcript

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tungmaiv/lumikb-client/internal/domain/models"
	"github.com/tungmaiv/lumikb-client/internal/stream"
)

// Accumulator folds stream events into the transcript. It is the sole owner
// of the transcript: appended-to during streaming, replaced wholesale on
// restore, emptied on clear. All reads go through Snapshot(), which deep
// copies, so callers never observe in-place mutation.
//
// Thread-safety: all methods are mutex-guarded. Events for one answer are
// applied by a single goroutine (the reconnection manager's run loop), but
// Snapshot may be called concurrently by the UI.
type Accumulator struct {
	mu     sync.Mutex
	logger *slog.Logger
	now    func() time.Time

	turns      models.Transcript
	active     int  // index of the open assistant turn, -1 if none
	answerOpen bool // true between BeginAnswer and the terminal event
}

// NewAccumulator creates an empty accumulator
func NewAccumulator(logger *slog.Logger) *Accumulator {
	return &Accumulator{
		logger: logger.With("component", "transcript"),
		now:    time.Now,
		active: -1,
	}
}

// AppendUser appends a user turn. User turns freeze immediately.
func (a *Accumulator) AppendUser(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.turns = append(a.turns, models.Turn{
		Role:      models.RoleUser,
		Content:   text,
		Timestamp: a.now(),
		Frozen:    true,
	})
}

// BeginAnswer arms the accumulator for one answer stream. The assistant turn
// itself is created lazily by the first event that needs it.
func (a *Accumulator) BeginAnswer() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.answerOpen = true
	a.active = -1
}

// Apply folds one stream event into the transcript. Events arriving after the
// terminal event of their session are a contract violation: they are logged
// and not applied.
func (a *Accumulator) Apply(ev stream.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.answerOpen {
		a.logger.Warn("event after terminal event ignored", "type", ev.Type)
		return
	}

	switch ev.Type {
	case stream.EventStatus:
		// UI-only hint, never touches the transcript.

	case stream.EventToken:
		turn := a.activeTurn()
		turn.Content += ev.Token.Text

	case stream.EventCitation:
		turn := a.activeTurn()
		upsertCitation(turn, ev.Citation.Citation())

	case stream.EventDebug:
		turn := a.activeTurn()
		turn.Debug = ev.Debug.Bundle()

	case stream.EventDone:
		if a.active >= 0 {
			turn := &a.turns[a.active]
			turn.Confidence = ev.Done.Confidence
			turn.Frozen = true
		}
		a.closeAnswer()

	case stream.EventError:
		// Partial content is intentionally preserved: erasing user-visible
		// progress on a late failure is worse than an incomplete answer with
		// an error banner.
		turn := a.activeTurn()
		turn.Error = ev.Error.Message
		turn.Partial = true
		turn.Frozen = true
		a.closeAnswer()

	default:
		// Forward-compatible unknown event - ignore.
		a.logger.Debug("ignoring unknown stream event", "type", ev.Type)
	}
}

// MarkActivePartial flags the open assistant turn as partial and freezes it,
// with a surfaced error. Used when an interrupted answer cannot be resumed.
func (a *Accumulator) MarkActivePartial(reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.active >= 0 {
		turn := &a.turns[a.active]
		turn.Partial = true
		turn.Error = reason
		turn.Frozen = true
	}
	a.closeAnswer()
}

// Snapshot returns a deep copy of the transcript
func (a *Accumulator) Snapshot() models.Transcript {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.turns.Clone()
}

// Replace swaps the transcript wholesale (restore, resume). Any open answer
// bookkeeping is dropped; the caller must have aborted the stream first.
func (a *Accumulator) Replace(t models.Transcript) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.turns = t.Clone()
	a.closeAnswer()
}

// Clear empties the transcript
func (a *Accumulator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.turns = nil
	a.closeAnswer()
}

// Len returns the number of turns
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.turns)
}

// activeTurn returns the open assistant turn, creating it if this is the
// first event of a new answer. Caller holds a.mu.
func (a *Accumulator) activeTurn() *models.Turn {
	if a.active < 0 {
		a.turns = append(a.turns, models.Turn{
			Role:      models.RoleAssistant,
			Timestamp: a.now(),
		})
		a.active = len(a.turns) - 1
	}
	return &a.turns[a.active]
}

// closeAnswer disarms the accumulator after a terminal event. Caller holds a.mu.
func (a *Accumulator) closeAnswer() {
	a.answerOpen = false
	a.active = -1
}

// upsertCitation inserts or overwrites the citation addressed by its number,
// keeping entries ordered by number. Markers in content need not exist yet.
func upsertCitation(turn *models.Turn, c models.Citation) {
	for i := range turn.Citations {
		if turn.Citations[i].Number == c.Number {
			turn.Citations[i] = c
			return
		}
	}
	turn.Citations = append(turn.Citations, c)
	sort.Slice(turn.Citations, func(i, j int) bool {
		return turn.Citations[i].Number < turn.Citations[j].Number
	})
}

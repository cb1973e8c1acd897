package transcript

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tungmaiv/lumikb-client/internal/domain/models"
	"github.com/tungmaiv/lumikb-client/internal/stream"
)

func newTestAccumulator() *Accumulator {
	return NewAccumulator(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func tok(text string) stream.Event {
	return stream.Event{Type: stream.EventToken, Token: &stream.TokenEvent{Text: text}}
}

func cite(number int, docID, docName string) stream.Event {
	return stream.Event{Type: stream.EventCitation, Citation: &stream.CitationEvent{
		Number:       number,
		DocumentID:   docID,
		DocumentName: docName,
	}}
}

func done(confidence float64) stream.Event {
	return stream.Event{Type: stream.EventDone, Done: &stream.DoneEvent{Confidence: &confidence}}
}

func TestTokensFoldInOrder(t *testing.T) {
	acc := newTestAccumulator()
	acc.BeginAnswer()

	acc.Apply(tok("Refunds are "))
	acc.Apply(tok("processed within "))
	acc.Apply(tok("30 days."))
	acc.Apply(done(0.82))

	turns := acc.Snapshot()
	require.Len(t, turns, 1)
	turn := turns[0]
	assert.Equal(t, models.RoleAssistant, turn.Role)
	assert.Equal(t, "Refunds are processed within 30 days.", turn.Content)
	assert.True(t, turn.Frozen)
	require.NotNil(t, turn.Confidence)
	assert.InDelta(t, 0.82, *turn.Confidence, 1e-9)
}

func TestEventsAfterTerminalNotApplied(t *testing.T) {
	acc := newTestAccumulator()
	acc.BeginAnswer()
	acc.Apply(tok("final"))
	acc.Apply(done(1.0))

	acc.Apply(tok(" straggler"))
	acc.Apply(cite(1, "d1", "Doc.pdf"))

	turns := acc.Snapshot()
	require.Len(t, turns, 1)
	assert.Equal(t, "final", turns[0].Content)
	assert.Empty(t, turns[0].Citations)
}

func TestCitationBeforeItsMarker(t *testing.T) {
	acc := newTestAccumulator()
	acc.BeginAnswer()

	// Citation metadata may arrive before the [1] marker streams in.
	acc.Apply(cite(1, "d1", "Policy.pdf"))
	acc.Apply(tok("See the policy [1]."))
	acc.Apply(done(0.9))

	turns := acc.Snapshot()
	require.Len(t, turns, 1)
	require.Len(t, turns[0].Citations, 1)
	assert.Equal(t, "Policy.pdf", turns[0].Citations[0].DocumentName)
}

func TestCitationUpsertKeepsOrder(t *testing.T) {
	acc := newTestAccumulator()
	acc.BeginAnswer()
	acc.Apply(tok("x"))
	acc.Apply(cite(2, "d2", "Second.pdf"))
	acc.Apply(cite(1, "d1", "First.pdf"))
	acc.Apply(cite(2, "d2b", "SecondRevised.pdf"))

	turns := acc.Snapshot()
	require.Len(t, turns[0].Citations, 2)
	assert.Equal(t, 1, turns[0].Citations[0].Number)
	assert.Equal(t, 2, turns[0].Citations[1].Number)
	assert.Equal(t, "SecondRevised.pdf", turns[0].Citations[1].DocumentName)
}

func TestErrorEventPreservesPartialContent(t *testing.T) {
	acc := newTestAccumulator()
	acc.AppendUser("what is the refund policy?")
	acc.BeginAnswer()
	acc.Apply(tok("Refunds are"))
	acc.Apply(stream.Event{Type: stream.EventError, Error: &stream.ErrorEvent{
		Kind:    "generation_failed",
		Message: "model overloaded",
	}})

	turns := acc.Snapshot()
	require.Len(t, turns, 2)
	answer := turns[1]
	assert.Equal(t, "Refunds are", answer.Content)
	assert.Equal(t, "model overloaded", answer.Error)
	assert.True(t, answer.Partial)
	assert.True(t, answer.Frozen)
}

func TestStatusAndUnknownEventsNeverTouchTranscript(t *testing.T) {
	acc := newTestAccumulator()
	acc.BeginAnswer()
	acc.Apply(stream.Event{Type: stream.EventStatus, Status: &stream.StatusEvent{Message: "Searching..."}})
	acc.Apply(stream.Event{Type: "heartbeat"})

	assert.Equal(t, 0, acc.Len())

	acc.Apply(tok("hi"))
	assert.Equal(t, 1, acc.Len())
}

func TestDebugAttachesToActiveTurn(t *testing.T) {
	acc := newTestAccumulator()
	acc.BeginAnswer()
	acc.Apply(tok("answer"))
	acc.Apply(stream.Event{Type: stream.EventDebug, Debug: &stream.DebugEvent{
		TimingMs:      map[string]float64{"retrieval": 120},
		QueryRewrites: []string{"refund policy terms"},
	}})
	acc.Apply(done(0.7))

	turns := acc.Snapshot()
	require.NotNil(t, turns[0].Debug)
	assert.Equal(t, float64(120), turns[0].Debug.TimingMs["retrieval"])
}

func TestMarkActivePartial(t *testing.T) {
	acc := newTestAccumulator()
	acc.AppendUser("q")
	acc.BeginAnswer()
	acc.Apply(tok("half an ans"))

	acc.MarkActivePartial("answer cancelled")

	turns := acc.Snapshot()
	require.Len(t, turns, 2)
	assert.True(t, turns[1].Partial)
	assert.True(t, turns[1].Frozen)
	assert.Equal(t, "answer cancelled", turns[1].Error)

	// Disarmed: later stragglers are dropped.
	acc.Apply(tok("more"))
	assert.Equal(t, "half an ans", acc.Snapshot()[1].Content)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	acc := newTestAccumulator()
	acc.BeginAnswer()
	acc.Apply(tok("text [1]"))
	acc.Apply(cite(1, "d1", "Doc.pdf"))

	snap := acc.Snapshot()
	snap[0].Content = "mutated"
	snap[0].Citations[0].DocumentName = "Hacked.pdf"

	fresh := acc.Snapshot()
	assert.Equal(t, "text [1]", fresh[0].Content)
	assert.Equal(t, "Doc.pdf", fresh[0].Citations[0].DocumentName)
}

func TestReplaceAndClear(t *testing.T) {
	acc := newTestAccumulator()
	acc.AppendUser("hello")
	acc.BeginAnswer()
	acc.Apply(tok("in progress"))

	restored := models.Transcript{
		{Role: models.RoleUser, Content: "old question", Frozen: true},
		{Role: models.RoleAssistant, Content: "old answer", Frozen: true},
	}
	acc.Replace(restored)

	turns := acc.Snapshot()
	require.Len(t, turns, 2)
	assert.Equal(t, "old question", turns[0].Content)

	// Replace disarms the open answer.
	acc.Apply(tok("straggler"))
	assert.Len(t, acc.Snapshot(), 2)

	acc.Clear()
	assert.Equal(t, 0, acc.Len())
}

func TestRenderContentResolvesMarkers(t *testing.T) {
	turn := models.Turn{
		Role:    models.RoleAssistant,
		Content: "Refunds are processed within 30 days [1], except gift cards [2].",
		Citations: []models.Citation{
			{Number: 1, DocumentID: "d1", DocumentName: "Refunds.pdf"},
			{Number: 2, DocumentID: "d2", DocumentName: "GiftCards.pdf"},
		},
	}

	segments := RenderContent(turn)

	var joined string
	var resolved []string
	for _, seg := range segments {
		joined += seg.Text
		if seg.Citation != nil {
			resolved = append(resolved, seg.Citation.DocumentName)
		}
	}
	assert.Equal(t, turn.Content, joined)
	assert.Equal(t, []string{"Refunds.pdf", "GiftCards.pdf"}, resolved)
}

func TestRenderContentUnresolvedMarkerStaysLiteral(t *testing.T) {
	turn := models.Turn{Role: models.RoleAssistant, Content: "see [7] for details"}

	segments := RenderContent(turn)

	require.Len(t, segments, 1)
	assert.Equal(t, "see [7] for details", segments[0].Text)
	assert.Nil(t, segments[0].Citation)
}

func TestRenderContentEmpty(t *testing.T) {
	assert.Nil(t, RenderContent(models.Turn{}))
}

package stream

import (
	"encoding/json"
	"fmt"

	"github.com/tungmaiv/lumikb-client/internal/domain/models"
)

// Stream event type constants
const (
	EventStatus   = "status"   // UI-only progress hint ("Searching documents...")
	EventToken    = "token"    // Incremental answer text
	EventCitation = "citation" // Citation metadata for the active answer
	EventDebug    = "debug"    // Diagnostic bundle (retrieval params, scores, timings)
	EventDone     = "done"     // Answer finished successfully
	EventError    = "error"    // Server-reported generation failure (terminal, never retried)
)

// Event is one decoded frame from the answer stream. Exactly one payload
// pointer is set for the known event types. Frames with an unrecognized type
// are forward-compatible: they carry Type and Raw only and must be ignored by
// consumers, never rejected.
type Event struct {
	Type     string
	Status   *StatusEvent
	Token    *TokenEvent
	Citation *CitationEvent
	Debug    *DebugEvent
	Done     *DoneEvent
	Error    *ErrorEvent
	Raw      json.RawMessage // original frame, kept for unknown types and audit logging
}

// Terminal reports whether the event gracefully ends its stream session
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// Known reports whether the event type is part of the closed variant set
func (e Event) Known() bool {
	switch e.Type {
	case EventStatus, EventToken, EventCitation, EventDebug, EventDone, EventError:
		return true
	}
	return false
}

// StatusEvent is a transient progress hint. It never mutates the transcript.
type StatusEvent struct {
	Message string `json:"message"`
}

// TokenEvent carries incremental answer text. Seq is the server-assigned
// token index, used to discard replayed tokens after a resumed reconnect.
// Seq is nil when the server does not number tokens.
type TokenEvent struct {
	Text string `json:"text"`
	Seq  *int   `json:"seq,omitempty"`
}

// CitationEvent carries citation metadata for the active answer. It may
// arrive before the [n] marker appears in the streamed content.
type CitationEvent struct {
	Number       int    `json:"number"`
	DocumentID   string `json:"document_id"`
	DocumentName string `json:"document_name"`
	PageNumber   *int   `json:"page_number,omitempty"`
	Excerpt      string `json:"excerpt,omitempty"`
}

// Citation converts the event payload to the transcript model
func (c CitationEvent) Citation() models.Citation {
	return models.Citation{
		Number:       c.Number,
		DocumentID:   c.DocumentID,
		DocumentName: c.DocumentName,
		PageNumber:   c.PageNumber,
		Excerpt:      c.Excerpt,
	}
}

// DebugEvent carries the diagnostic bundle for the active answer
type DebugEvent struct {
	RetrievalParams map[string]interface{} `json:"retrieval_params,omitempty"`
	ChunkScores     []models.ChunkScore    `json:"chunk_scores,omitempty"`
	TimingMs        map[string]float64     `json:"timing_ms,omitempty"`
	QueryRewrites   []string               `json:"query_rewrites,omitempty"`
}

// Bundle converts the event payload to the transcript model
func (d DebugEvent) Bundle() *models.DebugInfo {
	return &models.DebugInfo{
		RetrievalParams: d.RetrievalParams,
		ChunkScores:     d.ChunkScores,
		TimingMs:        d.TimingMs,
		QueryRewrites:   d.QueryRewrites,
	}
}

// DoneEvent signals the answer completed successfully
type DoneEvent struct {
	ConversationID string   `json:"conversation_id,omitempty"`
	Confidence     *float64 `json:"confidence,omitempty"`
	InputTokens    int      `json:"input_tokens,omitempty"`
	OutputTokens   int      `json:"output_tokens,omitempty"`
}

// ErrorEvent signals a server-reported generation failure. This is a graceful
// termination: the turn is frozen with partial content preserved, and the
// reconnection manager must not retry it.
type ErrorEvent struct {
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

// decodeFrame decodes one JSON frame into an Event. Additional fields on a
// known event are ignored for forward compatibility; an unknown type yields
// an Event carrying only Type and Raw.
func decodeFrame(line []byte) (Event, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &envelope); err != nil {
		return Event{}, fmt.Errorf("malformed stream frame: %w", err)
	}

	ev := Event{Type: envelope.Type, Raw: append(json.RawMessage(nil), line...)}

	var err error
	switch envelope.Type {
	case EventStatus:
		ev.Status = &StatusEvent{}
		err = json.Unmarshal(line, ev.Status)
	case EventToken:
		ev.Token = &TokenEvent{}
		err = json.Unmarshal(line, ev.Token)
	case EventCitation:
		ev.Citation = &CitationEvent{}
		err = json.Unmarshal(line, ev.Citation)
	case EventDebug:
		ev.Debug = &DebugEvent{}
		err = json.Unmarshal(line, ev.Debug)
	case EventDone:
		ev.Done = &DoneEvent{}
		err = json.Unmarshal(line, ev.Done)
	case EventError:
		ev.Error = &ErrorEvent{}
		err = json.Unmarshal(line, ev.Error)
	default:
		// Unknown event type - pass through, consumers ignore it
	}
	if err != nil {
		return Event{}, fmt.Errorf("malformed %s frame: %w", envelope.Type, err)
	}

	return ev, nil
}

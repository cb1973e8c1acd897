package models

import "time"

// Turn roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Citation is a reference to a knowledge-base document attached to an
// assistant turn. Content may reference it via a [n] marker, but markers
// and citation entries arrive independently on the stream.
type Citation struct {
	Number       int    `json:"number"`
	DocumentID   string `json:"document_id"`
	DocumentName string `json:"document_name"`
	PageNumber   *int   `json:"page_number,omitempty"`
	Excerpt      string `json:"excerpt,omitempty"`
}

// DebugInfo is the diagnostic bundle optionally attached to an assistant turn.
// It is always stored; whether it is shown is a display-time permission check,
// because the bundle may be needed for audit logging upstream.
type DebugInfo struct {
	RetrievalParams map[string]interface{} `json:"retrieval_params,omitempty"`
	ChunkScores     []ChunkScore           `json:"chunk_scores,omitempty"`
	TimingMs        map[string]float64     `json:"timing_ms,omitempty"`
	QueryRewrites   []string               `json:"query_rewrites,omitempty"`
}

// Clone returns a deep copy of the bundle, inner containers included
func (d *DebugInfo) Clone() *DebugInfo {
	if d == nil {
		return nil
	}
	out := &DebugInfo{}
	if d.RetrievalParams != nil {
		out.RetrievalParams = make(map[string]interface{}, len(d.RetrievalParams))
		for k, v := range d.RetrievalParams {
			out.RetrievalParams[k] = v
		}
	}
	if d.ChunkScores != nil {
		out.ChunkScores = append([]ChunkScore(nil), d.ChunkScores...)
	}
	if d.TimingMs != nil {
		out.TimingMs = make(map[string]float64, len(d.TimingMs))
		for k, v := range d.TimingMs {
			out.TimingMs[k] = v
		}
	}
	if d.QueryRewrites != nil {
		out.QueryRewrites = append([]string(nil), d.QueryRewrites...)
	}
	return out
}

// ChunkScore is one retrieved chunk's similarity score
type ChunkScore struct {
	DocumentID string  `json:"document_id"`
	ChunkIndex int     `json:"chunk_index"`
	Score      float64 `json:"score"`
}

// Turn is one message in the transcript. Content is mutable only while its
// originating stream is open; once Frozen is set, the turn never changes.
type Turn struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Timestamp  time.Time  `json:"timestamp"`
	Citations  []Citation `json:"citations,omitempty"`
	Confidence *float64   `json:"confidence,omitempty"` // 0..1, assistant-only
	Debug      *DebugInfo `json:"debug,omitempty"`
	Frozen     bool       `json:"frozen"`
	Partial    bool       `json:"partial,omitempty"` // answer was interrupted and could not be resumed
	Error      string     `json:"error,omitempty"`   // surfaced error banner for a failed turn
}

// Clone returns a deep copy of the turn
func (t Turn) Clone() Turn {
	out := t
	if t.Citations != nil {
		out.Citations = make([]Citation, len(t.Citations))
		copy(out.Citations, t.Citations)
	}
	if t.Confidence != nil {
		c := *t.Confidence
		out.Confidence = &c
	}
	out.Debug = t.Debug.Clone()
	return out
}

// Citation returns the citation addressed by number, or nil if the marker
// is unresolved. Unresolved markers render as literal text, never fail.
func (t Turn) Citation(number int) *Citation {
	for i := range t.Citations {
		if t.Citations[i].Number == number {
			return &t.Citations[i]
		}
	}
	return nil
}

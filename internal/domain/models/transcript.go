package models

import "time"

// Transcript is the ordered conversation history. Insertion order is
// conversation order. It is owned by the accumulator: appended-to during
// streaming, replaced wholesale on restore, emptied on clear. Everything
// handed out of the accumulator is a deep copy.
type Transcript []Turn

// Clone returns a deep copy of the transcript
func (tr Transcript) Clone() Transcript {
	if tr == nil {
		return nil
	}
	out := make(Transcript, len(tr))
	for i, t := range tr {
		out[i] = t.Clone()
	}
	return out
}

// UndoSnapshot is the most recently cleared transcript, held for a bounded
// window. Expiry is computed from the wall-clock capture time, not a
// decrementing counter, so it survives process restarts without drift.
type UndoSnapshot struct {
	Turns      Transcript `json:"turns"`
	CapturedAt time.Time  `json:"captured_at"`
	TTLSeconds int        `json:"ttl_seconds"`
}

// ExpiresAt returns the wall-clock instant the snapshot becomes unusable
func (s UndoSnapshot) ExpiresAt() time.Time {
	return s.CapturedAt.Add(time.Duration(s.TTLSeconds) * time.Second)
}

package reconnect

import "time"

// State is the lifecycle state of one stream session.
//
// Transitions:
//
//	idle → connecting → streaming → {done | reconnecting | fatal}
//	reconnecting → {connecting | polling}
//	polling → {streaming | fatal}
//
// Abort forces idle from any state and cancels pending retry timers.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateReconnecting
	StatePolling
	StateDone
	StateFatal
)

// String returns the lowercase state name
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StatePolling:
		return "polling"
	case StateDone:
		return "done"
	case StateFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Live reports whether the session still owns the chat surface. A live
// session blocks new messages and must be aborted before lifecycle mutations.
func (s State) Live() bool {
	switch s {
	case StateConnecting, StateStreaming, StateReconnecting, StatePolling:
		return true
	}
	return false
}

// Status is the full observable contract surfaced to the presentation layer
// on every transition. No other manager state leaks.
type Status struct {
	State              State
	IsReconnecting     bool
	AttemptCount       int
	MaxRetries         int
	MaxRetriesExceeded bool
	NextRetryIn        time.Duration
	IsPolling          bool
	Err                error
}

package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"github.com/tungmaiv/lumikb-client/internal/auth"
	"github.com/tungmaiv/lumikb-client/internal/domain"
	"github.com/tungmaiv/lumikb-client/internal/httputil"
)

// Request is the payload for opening one answer stream.
type Request struct {
	KBID           string                 `json:"kb_id"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	Message        string                 `json:"message"`
	Overrides      map[string]interface{} `json:"generation_overrides,omitempty"`

	// ResumeFrom is the count of token events already applied for this answer.
	// Non-zero on reconnect attempts; the server replays from this offset.
	ResumeFrom int `json:"resume_from,omitempty"`
}

// Validate checks the request before it goes on the wire
func (r Request) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.KBID, validation.Required),
		validation.Field(&r.Message, validation.Required, validation.Length(1, 32768)),
		validation.Field(&r.ResumeFrom, validation.Min(0)),
	)
}

// Reader opens token streams against the backend's streaming answer endpoint.
// It holds no conversation state; each Open produces an independent Stream.
type Reader struct {
	baseURL string
	client  *http.Client
	tokens  auth.TokenSource
	logger  *slog.Logger
}

// NewReader creates a stream reader. The http.Client must not have a Timeout
// set: a stream may legitimately be silent between tokens, and only transport
// loss - not slowness - is a failure.
func NewReader(baseURL string, client *http.Client, tokens auth.TokenSource, logger *slog.Logger) *Reader {
	if client == nil {
		client = &http.Client{}
	}
	return &Reader{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		tokens:  tokens,
		logger:  logger.With("component", "stream"),
	}
}

// Open starts a streaming request and returns a lazy, single-pass,
// non-restartable event sequence. The returned Stream's channel closes when
// the stream ends; Err() then reports how it ended.
func (r *Reader) Open(ctx context.Context, req Request) (*Stream, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal stream request: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)

	url := fmt.Sprintf("%s/api/kbs/%s/stream", r.baseURL, req.KBID)
	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create stream request: %w", err)
	}
	requestID := uuid.NewString()
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")
	httpReq.Header.Set("X-Request-ID", requestID)
	if r.tokens != nil {
		token, err := r.tokens.Token()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("resolve bearer token: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", domain.ErrConnectionLost, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		apiErr := httputil.DecodeProblem(resp)
		cancel()
		return nil, apiErr
	}

	r.logger.Debug("stream opened",
		"request_id", requestID,
		"kb_id", req.KBID,
		"resume_from", req.ResumeFrom,
	)

	s := &Stream{
		events: make(chan Event, 16),
		cancel: cancel,
		logger: r.logger.With("request_id", requestID),
	}
	go s.readLoop(streamCtx, resp.Body)

	return s, nil
}

// Stream is one open token stream. Events() yields frames in arrival order;
// once the channel closes, Err() reports nil for graceful termination (a
// done/error event was received) or the transport failure otherwise.
type Stream struct {
	events chan Event
	cancel context.CancelFunc
	logger *slog.Logger

	abortOnce sync.Once
	aborted   bool // set inside abortOnce, read in readLoop via mu

	mu  sync.Mutex
	err error
}

// Events returns the event sequence. Single consumer; not restartable.
func (s *Stream) Events() <-chan Event {
	return s.events
}

// Err reports how the stream ended. Valid only after Events() has closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Abort cancels the underlying transport and discards remaining bytes.
// Idempotent and safe to call after natural completion.
func (s *Stream) Abort() {
	s.abortOnce.Do(func() {
		s.mu.Lock()
		s.aborted = true
		s.mu.Unlock()
		s.cancel()
	})
}

func (s *Stream) wasAborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// readLoop decodes newline-delimited frames until a terminal event, transport
// failure, or abort. It owns s.err and the closing of the event channel.
func (s *Stream) readLoop(ctx context.Context, body io.ReadCloser) {
	defer close(s.events)
	defer body.Close()
	defer s.cancel()

	br := bufio.NewReader(body)
	for {
		line, readErr := br.ReadBytes('\n')
		atEOF := errors.Is(readErr, io.EOF)

		if frame := trimFrame(line); len(frame) > 0 {
			ev, decErr := decodeFrame(frame)
			switch {
			case decErr != nil && atEOF:
				// Partial final chunk: the connection died mid-frame.
				s.finish(fmt.Errorf("%w: %v", domain.ErrTruncatedStream, decErr))
				return
			case decErr != nil:
				// Malformed line mid-stream - skip it, the framing recovers
				// at the next newline.
				s.logger.Warn("skipping malformed stream frame", "error", decErr)
			default:
				if !ev.Known() {
					s.logger.Debug("passing through unrecognized event type", "type", ev.Type)
				}
				if !s.emit(ctx, ev) {
					s.finish(domain.ErrStreamAborted)
					return
				}
				if ev.Terminal() {
					s.finish(nil)
					return
				}
			}
		}

		if readErr != nil {
			if s.wasAborted() || ctx.Err() != nil {
				s.finish(domain.ErrStreamAborted)
				return
			}
			if atEOF {
				// Clean close with no terminal event: non-graceful termination.
				s.finish(domain.ErrConnectionLost)
				return
			}
			s.finish(fmt.Errorf("%w: %v", domain.ErrConnectionLost, readErr))
			return
		}
	}
}

// emit delivers an event, giving up if the stream is cancelled.
// Returns false when the consumer is gone.
func (s *Stream) emit(ctx context.Context, ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Stream) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// trimFrame normalizes one wire line to a JSON frame. SSE-style framing is
// tolerated: "data:" prefixes are stripped, comment and "event:" lines are
// dropped (the JSON envelope's type field is authoritative).
func trimFrame(line []byte) []byte {
	frame := bytes.TrimSpace(line)
	if len(frame) == 0 {
		return nil
	}
	if frame[0] == ':' {
		return nil // SSE comment / keepalive
	}
	if bytes.HasPrefix(frame, []byte("event:")) {
		return nil
	}
	if rest, ok := bytes.CutPrefix(frame, []byte("data:")); ok {
		return bytes.TrimSpace(rest)
	}
	return frame
}

// Package session owns the child processes behind network sessions: one
// stdio child per session, its framed output, and request correlation.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opsrelay/infrabridge/jsonrpc"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrClosed   = errors.New("session closed")
	ErrTimeout  = errors.New("request timed out")
	ErrLimit    = errors.New("session limit reached")
)

type EventType string

const (
	EventSession EventType = "session"
	EventMessage EventType = "message"
	EventError   EventType = "error"
	EventClose   EventType = "close"
)

// Event is one server-push notification for a session's peer.
type Event struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Code      *int            `json:"code,omitempty"`
}

func CloseEvent(code int) Event {
	return Event{Type: EventClose, Code: &code}
}

type result struct {
	raw json.RawMessage
	err error
}

type Session struct {
	id      string
	proc    *Process
	logger  *slog.Logger
	push    bool
	created time.Time

	events chan Event
	done   chan struct{}

	closed    chan struct{}
	closeOnce sync.Once

	pendingMu sync.Mutex
	pending   map[string]chan result
	nextID    atomic.Int64

	onExit func(*Session)
}

func newSession(id string, proc *Process, push bool, logger *slog.Logger, onExit func(*Session)) *Session {
	s := &Session{
		id:      id,
		proc:    proc,
		logger:  logger.With("session", id),
		push:    push,
		created: time.Now(),
		events:  make(chan Event, 64),
		done:    make(chan struct{}),
		closed:  make(chan struct{}),
		pending: make(map[string]chan result),
		onExit:  onExit,
	}
	go s.pump()
	return s
}

func (s *Session) ID() string         { return s.id }
func (s *Session) Pid() int           { return s.proc.Pid() }
func (s *Session) Created() time.Time { return s.created }

// Events yields message and error events in the order the child produced
// them. It is closed once the child has exited; ExitCode then reports how.
// Sessions opened without push never deliver events.
func (s *Session) Events() <-chan Event { return s.events }

// Done is closed after the child exited and every pending call failed.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) ExitCode() int { return s.proc.ExitCode() }

// Submit writes one JSON value to the child's stdin as a single line. It
// does not wait for a reply. Calls are written in the order they acquire
// the stdin lock.
func (s *Session) Submit(line []byte) error {
	if s.isClosed() {
		return ErrClosed
	}
	compact, err := jsonrpc.Compact(line)
	if err != nil {
		return fmt.Errorf("input is not a single JSON value: %w", err)
	}
	if err := s.proc.Write(compact); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

// Call forwards req and waits for the response carrying the same id. The
// request is sent under an id owned by the session and the caller's id is
// restored on the way back, so concurrent callers that reuse ids never
// receive each other's responses. A request without an id is submitted as
// a notification and Call returns nil.
func (s *Session) Call(ctx context.Context, req json.RawMessage) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(req, &fields); err != nil || fields == nil {
		return nil, errors.New("request must be a JSON object")
	}
	callerID := fields["id"]
	if !jsonrpc.HasID(callerID) {
		return nil, s.Submit(req)
	}

	wireID := json.RawMessage(fmt.Sprintf(`"infrabridge-%d"`, s.nextID.Add(1)))
	key := jsonrpc.IDKey(wireID)
	fields["id"] = wireID
	if _, ok := fields["jsonrpc"]; !ok {
		fields["jsonrpc"] = json.RawMessage(`"2.0"`)
	}
	line, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	ch := make(chan result, 1)
	s.pendingMu.Lock()
	if s.isExited() {
		s.pendingMu.Unlock()
		return nil, ErrClosed
	}
	s.pending[key] = ch
	s.pendingMu.Unlock()

	if err := s.Submit(line); err != nil {
		s.dropPending(key)
		return nil, err
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return restoreID(res.raw, callerID)
	case <-ctx.Done():
		s.dropPending(key)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

// Initialize performs the protocol handshake and returns the child's reply.
func (s *Session) Initialize(ctx context.Context, clientName string) (json.RawMessage, error) {
	req := fmt.Sprintf(`{"jsonrpc":"2.0","id":0,"method":"initialize","params":{"protocolVersion":%q,"capabilities":{},"clientInfo":{"name":%q,"version":"0.1.0"}}}`,
		"2024-11-05", clientName)
	resp, err := s.Call(ctx, json.RawMessage(req))
	if err != nil {
		return nil, err
	}
	if err := s.Submit([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)); err != nil {
		return nil, err
	}
	return resp, nil
}

// Pending returns the number of calls awaiting a response.
func (s *Session) Pending() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending)
}

func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		close(s.closed)
		if err := s.proc.Kill(); err != nil {
			s.logger.Warn("kill child", "pid", s.proc.Pid(), "error", err.Error())
		}
	})
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return s.isExited()
	}
}

func (s *Session) isExited() bool {
	select {
	case <-s.proc.Done():
		return true
	default:
		return false
	}
}

func (s *Session) dropPending(key string) {
	s.pendingMu.Lock()
	delete(s.pending, key)
	s.pendingMu.Unlock()
}

func (s *Session) pump() {
	msgs, lines := s.proc.Messages(), s.proc.Stderr()
	for msgs != nil || lines != nil {
		select {
		case frame, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			s.route(frame)
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			s.emit(Event{Type: EventError, Error: line})
		}
	}
	<-s.proc.Done()

	s.pendingMu.Lock()
	for key, ch := range s.pending {
		ch <- result{err: ErrClosed}
		delete(s.pending, key)
	}
	s.pendingMu.Unlock()

	close(s.events)
	s.logger.Info("session child exited", "pid", s.proc.Pid(), "exit_code", s.proc.ExitCode())
	if s.onExit != nil {
		s.onExit(s)
	}
	close(s.done)
}

func (s *Session) route(frame json.RawMessage) {
	msg, err := jsonrpc.Parse(frame)
	if err == nil && msg.IsResponse() {
		key := jsonrpc.IDKey(msg.ID)
		s.pendingMu.Lock()
		ch, ok := s.pending[key]
		if ok {
			delete(s.pending, key)
		}
		s.pendingMu.Unlock()
		if ok {
			ch <- result{raw: frame}
			return
		}
	}
	if !s.push {
		s.logger.Debug("drop uncorrelated frame", "bytes", len(frame))
		return
	}
	s.emit(Event{Type: EventMessage, Data: frame})
}

func (s *Session) emit(ev Event) {
	if !s.push {
		return
	}
	select {
	case s.events <- ev:
	case <-s.closed:
	}
}

func restoreID(raw, id json.RawMessage) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	fields["id"] = id
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return out, nil
}

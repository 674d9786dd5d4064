package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Environment variables every session child receives.
const (
	EnvSessionID = "INFRABRIDGE_SESSION_ID"
	EnvTransport = "INFRABRIDGE_TRANSPORT"
)

type Manager struct {
	command       Command
	maxSessions   int
	maxFrameBytes int
	logger        *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

type ManagerOption func(*Manager)

// WithMaxSessions caps concurrently open sessions. Zero means unlimited.
func WithMaxSessions(n int) ManagerOption {
	return func(m *Manager) { m.maxSessions = n }
}

func WithMaxFrameBytes(n int) ManagerOption {
	return func(m *Manager) { m.maxFrameBytes = n }
}

func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func NewManager(command Command, opts ...ManagerOption) *Manager {
	m := &Manager{
		command:  command,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type OpenOptions struct {
	// Push delivers uncorrelated child output and stderr through Events.
	Push bool
	// Transport is exported to the child as INFRABRIDGE_TRANSPORT.
	Transport string
}

// Open allocates a session id and spawns its child.
func (m *Manager) Open(ctx context.Context, opts OpenOptions) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		return nil, fmt.Errorf("%w (%d)", ErrLimit, m.maxSessions)
	}

	id := uuid.NewString()
	cmd := m.command
	cmd.Env = append(append([]string(nil), m.command.Env...),
		EnvSessionID+"="+id,
		EnvTransport+"="+opts.Transport,
	)
	proc, err := StartProcess(cmd, m.maxFrameBytes, m.logger)
	if err != nil {
		m.logger.WarnContext(ctx, "open session", "outcome", "error", "error", err.Error())
		return nil, err
	}

	s := newSession(id, proc, opts.Push, m.logger, m.remove)
	m.sessions[id] = s
	m.logger.InfoContext(ctx, "open session",
		"session", id,
		"outcome", "success",
		"pid", proc.Pid(),
		"transport", opts.Transport,
	)
	return s, nil
}

func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Close removes the session from the table and then kills its child, so a
// lookup racing with Close observes ErrNotFound rather than a dying child.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	s.shutdown()
	m.logger.Info("close session", "session", id)
	return nil
}

// CloseAll kills every session and waits until their children are reaped
// or ctx is done.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		all = append(all, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, s := range all {
		s.shutdown()
	}
	for _, s := range all {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if len(all) > 0 {
		m.logger.Info("closed all sessions", "count", len(all))
	}
	return nil
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// IDs returns the open session ids, sorted.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[s.id]; ok && cur == s {
		delete(m.sessions, s.id)
	}
}

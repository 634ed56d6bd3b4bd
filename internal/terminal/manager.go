package terminal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentrelay/sandboxgate/internal/sandbox"
)

// SessionManager owns every live InteractiveSession, keyed by session ID,
// and reaps sessions that have been idle longer than IdleTimeout. Mirrors
// agent/streaming/bidirectional.go's StreamManager: a mutex-guarded map
// plus Create/Get/Close, extended here with the idle-reap sweep and the
// per-socket disconnect cascade SPEC_FULL.md §4.11 calls for.
type SessionManager struct {
	logger      *zap.Logger
	catalog     *sandbox.Catalog
	IdleTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*InteractiveSession
	bySocket map[string]map[string]struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewSessionManager builds a manager and starts its background reaper.
func NewSessionManager(catalog *sandbox.Catalog, logger *zap.Logger) *SessionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &SessionManager{
		logger:      logger,
		catalog:     catalog,
		IdleTimeout: DefaultIdleTimeout,
		sessions:    make(map[string]*InteractiveSession),
		bySocket:    make(map[string]map[string]struct{}),
		stopCh:      make(chan struct{}),
	}
	go m.reapLoop()
	return m
}

// Create starts a new interactive session for the given language and
// registers it under both its own ID and its owning socket.
func (m *SessionManager) Create(ctx context.Context, sessionID, socketID string, lang sandbox.Language, sink OutputSink) (*InteractiveSession, error) {
	cfg, ok := m.catalog.Get(lang)
	if !ok {
		return nil, fmt.Errorf("terminal: unsupported language: %s", lang)
	}

	sess, err := NewInteractiveSession(ctx, sessionID, socketID, cfg, sink, m.logger)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[sessionID] = sess
	if m.bySocket[socketID] == nil {
		m.bySocket[socketID] = make(map[string]struct{})
	}
	m.bySocket[socketID][sessionID] = struct{}{}
	m.mu.Unlock()

	return sess, nil
}

// Get returns the session for the given ID, or ErrSessionNotFound.
func (m *SessionManager) Get(sessionID string) (*InteractiveSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Stop tears down one session and removes it from the manager's
// bookkeeping. emitExit is forwarded to InteractiveSession.Stop.
func (m *SessionManager) Stop(sessionID string, emitExit bool) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
		if set, ok := m.bySocket[sess.SocketID]; ok {
			delete(set, sessionID)
			if len(set) == 0 {
				delete(m.bySocket, sess.SocketID)
			}
		}
	}
	m.mu.Unlock()

	if ok {
		sess.Stop(emitExit)
	}
}

// DisconnectSocket stops every session owned by socketID without emitting
// exit events back to it — the socket is already gone by the time this is
// called, so there is nothing left to notify.
func (m *SessionManager) DisconnectSocket(socketID string) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.bySocket[socketID]))
	for id := range m.bySocket[socketID] {
		ids = append(ids, id)
	}
	delete(m.bySocket, socketID)
	m.mu.Unlock()

	for _, id := range ids {
		m.Stop(id, false)
	}
}

// Close stops the reaper and every live session.
func (m *SessionManager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })

	m.mu.Lock()
	all := make([]*InteractiveSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*InteractiveSession)
	m.bySocket = make(map[string]map[string]struct{})
	m.mu.Unlock()

	for _, s := range all {
		s.Stop(true)
	}
}

func (m *SessionManager) reapLoop() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.reapIdle()
		}
	}
}

func (m *SessionManager) reapIdle() {
	m.mu.Lock()
	var idle []string
	for id, s := range m.sessions {
		if s.idleFor() >= m.IdleTimeout {
			idle = append(idle, id)
		}
	}
	m.mu.Unlock()

	for _, id := range idle {
		m.logger.Info("reaping idle terminal session", zap.String("session_id", id))
		m.Stop(id, true)
	}
}

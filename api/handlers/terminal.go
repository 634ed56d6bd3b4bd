package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/agentrelay/sandboxgate/internal/sandbox"
	"github.com/agentrelay/sandboxgate/internal/terminal"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TerminalHandler upgrades HTTP connections to WebSocket and bridges them
// to internal/terminal's SessionManager. One connection may own several
// InteractiveSessions over its lifetime, each started by its own
// terminal:start event and torn down by terminal:stop or socket close.
//
// Wire vocabulary matches spec.md §4.11/§6 exactly: client sends
// terminal:start/terminal:input/terminal:resize/terminal:stop, server
// sends terminal:ready/terminal:data/terminal:exit/terminal:error — all as
// a single flat JSON envelope keyed by "type", grounded on
// agent/streaming/ws_adapter.go's WebSocketStreamConnection (the teacher's
// only existing websocket transport), adapted from a client-dialing
// adapter to a server-accepting one, and from StreamChunk's envelope to
// the terminal event shapes below.
type TerminalHandler struct {
	manager *terminal.SessionManager
	catalog *sandbox.Catalog
	logger  *zap.Logger
}

// NewTerminalHandler builds a handler over the given session manager.
func NewTerminalHandler(manager *terminal.SessionManager, catalog *sandbox.Catalog, logger *zap.Logger) *TerminalHandler {
	return &TerminalHandler{manager: manager, catalog: catalog, logger: logger}
}

// wsMessage is the flat wire envelope for every terminal:* event in both
// directions; only the fields relevant to Type are populated.
type wsMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	ProjectID string `json:"projectId,omitempty"`
	UserID    string `json:"userId,omitempty"`
	Language  string `json:"language,omitempty"`
	Input     string `json:"input,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Cols      int    `json:"cols,omitempty"`
	Rows      int    `json:"rows,omitempty"`
	Code      *int   `json:"code,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Message   string `json:"message,omitempty"`
}

// wsSink adapts a websocket connection into a terminal.OutputSink, shared
// across every session a connection owns. Writes are serialized with a
// mutex the same way agent/streaming/ws_adapter.go's
// WebSocketStreamConnection serializes writes, since a websocket
// connection does not support concurrent writers and several sessions'
// pump goroutines may call this sink at once.
type wsSink struct {
	conn   *websocket.Conn
	logger *zap.Logger
	mu     sync.Mutex
}

func (s *wsSink) writeJSON(msg wsMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("terminal: failed to marshal outbound frame", zap.Error(err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		s.logger.Debug("terminal: write failed, connection likely closed", zap.Error(err))
	}
}

func (s *wsSink) OnOutput(sessionID string, chunk []byte) {
	s.writeJSON(wsMessage{Type: "terminal:data", SessionID: sessionID, Chunk: string(chunk)})
}

func (s *wsSink) OnExit(sessionID string, exitCode int, reason string, emitExit bool) {
	if !emitExit {
		return
	}
	code := exitCode
	s.writeJSON(wsMessage{Type: "terminal:exit", SessionID: sessionID, Code: &code, Reason: reason})
}

func (s *wsSink) OnError(sessionID string, err error) {
	s.writeJSON(wsMessage{Type: "terminal:error", SessionID: sessionID, Message: err.Error()})
}

// HandleWS handles the interactive-terminal WebSocket endpoint. No session
// exists until the client sends terminal:start; a single connection may
// start several sessions in sequence or in parallel, tracked locally by
// session id so terminal:input/terminal:resize/terminal:stop can be routed
// to the right one.
func (h *TerminalHandler) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("terminal: websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	socketID := uuid.NewString()
	sink := &wsSink{conn: conn, logger: h.logger}
	defer h.manager.DisconnectSocket(socketID)

	var mu sync.Mutex
	sessions := make(map[string]*terminal.InteractiveSession)

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			h.logger.Debug("terminal: read loop ended", zap.String("socket_id", socketID), zap.Error(err))
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			sink.writeJSON(wsMessage{Type: "terminal:error", Message: "invalid message"})
			continue
		}

		switch msg.Type {
		case "terminal:start":
			h.handleStart(ctx, socketID, msg, sink, &mu, sessions)
		case "terminal:input":
			mu.Lock()
			sess, ok := sessions[msg.SessionID]
			mu.Unlock()
			if !ok {
				sink.writeJSON(wsMessage{Type: "terminal:error", SessionID: msg.SessionID, Message: "session not active"})
				continue
			}
			if err := sess.Input([]byte(msg.Input)); err != nil {
				sink.writeJSON(wsMessage{Type: "terminal:error", SessionID: msg.SessionID, Message: err.Error()})
			}
		case "terminal:resize":
			mu.Lock()
			sess, ok := sessions[msg.SessionID]
			mu.Unlock()
			if !ok {
				continue // non-finite or unknown-session resizes are silently ignored, per spec.md §4.11
			}
			if msg.Cols <= 0 || msg.Rows <= 0 {
				continue
			}
			if err := sess.Resize(msg.Cols, msg.Rows); err != nil {
				sink.writeJSON(wsMessage{Type: "terminal:error", SessionID: msg.SessionID, Message: err.Error()})
			}
		case "terminal:stop":
			mu.Lock()
			_, ok := sessions[msg.SessionID]
			delete(sessions, msg.SessionID)
			mu.Unlock()
			if ok {
				h.manager.Stop(msg.SessionID, true)
			}
		default:
			sink.writeJSON(wsMessage{Type: "terminal:error", Message: "unknown event type: " + msg.Type})
		}
	}
}

func (h *TerminalHandler) handleStart(ctx context.Context, socketID string, msg wsMessage, sink *wsSink, mu *sync.Mutex, sessions map[string]*terminal.InteractiveSession) {
	lang := sandbox.Language(msg.Language)
	if _, ok := h.catalog.Get(lang); !ok {
		h.logger.Info("terminal: unsupported language requested, falling back to default",
			zap.String("requested", string(lang)), zap.String("fallback", string(sandbox.DefaultLanguage)))
		lang = sandbox.DefaultLanguage
	}

	sessionID := uuid.NewString()
	sess, err := h.manager.Create(ctx, sessionID, socketID, lang, sink)
	if err != nil {
		sink.writeJSON(wsMessage{Type: "terminal:error", Message: err.Error()})
		return
	}

	mu.Lock()
	sessions[sessionID] = sess
	mu.Unlock()

	sink.writeJSON(wsMessage{Type: "terminal:ready", SessionID: sessionID})
}

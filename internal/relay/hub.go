package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/vmorsell/shelterlink/internal/push"
	"go.uber.org/zap"
)

const sendBufferSize = 256

var ErrHubClosed = errors.New("hub closed")

type session struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	once      sync.Once
	done      chan struct{}
	closeCode int
	closeText string
}

func newSession(id string) *session {
	return &session{
		id:   id,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
}

// stop asks the write pump to send a close frame with code and exit. Only the
// first call has an effect.
func (s *session) stop(code int, text string) {
	s.once.Do(func() {
		s.closeCode = code
		s.closeText = text
		close(s.done)
	})
}

// Hub holds the sessions of one relay process and delivers payloads to them.
// It implements push.Pusher.
type Hub struct {
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*session
	closed   bool
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

func (h *Hub) add(s *session) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHubClosed
	}
	h.sessions[s.id] = s
	return nil
}

func (h *Hub) remove(id string) *session {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[id]
	if !ok {
		return nil
	}
	delete(h.sessions, id)
	return s
}

// Push queues payload on the session's send buffer. A session whose buffer is
// full is dropped.
func (h *Hub) Push(_ context.Context, connectionID string, payload []byte) error {
	h.mu.RLock()
	s, ok := h.sessions[connectionID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("push to %s: %w", connectionID, push.ErrGone)
	}

	select {
	case <-s.done:
		return fmt.Errorf("push to %s: %w", connectionID, push.ErrGone)
	default:
	}

	select {
	case s.send <- payload:
		return nil
	default:
		h.logger.Warn("send buffer full, dropping session", zap.String("connectionID", connectionID))
		h.Close(connectionID, websocket.ClosePolicyViolation, "send buffer full")
		return fmt.Errorf("push to %s: send buffer full", connectionID)
	}
}

// Close removes a session and closes its socket with code.
func (h *Hub) Close(connectionID string, code int, text string) bool {
	s := h.remove(connectionID)
	if s == nil {
		return false
	}
	s.stop(code, text)
	return true
}

// CloseAll closes every session and refuses new ones.
func (h *Hub) CloseAll(code int, text string) {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[string]*session)
	h.closed = true
	h.mu.Unlock()

	for _, s := range sessions {
		s.stop(code, text)
	}
	if len(sessions) > 0 {
		h.logger.Info("closed all sessions", zap.Int("count", len(sessions)))
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

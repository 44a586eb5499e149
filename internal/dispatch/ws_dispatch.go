package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteWait = 5 * time.Second

// WSSession represents a connected driver or customer session
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteJSON(msg)
}

// WSRegistry holds live sessions keyed by recipient id
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

// Add registers conn for id, replacing any previous session.
func (r *WSRegistry) Add(id string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = &WSSession{conn: conn}
}

// Remove drops the session for id if it still belongs to conn.
func (r *WSRegistry) Remove(id string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok && s.conn == conn {
		delete(r.sessions, id)
	}
}

func (r *WSRegistry) Connected(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[id]
	return ok
}

func (r *WSRegistry) Notify(_ context.Context, msg Message) error {
	r.mu.RLock()
	s, ok := r.sessions[msg.RecipientID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.Send(msg)
}

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }

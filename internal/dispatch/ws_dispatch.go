package dispatch

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/provider-matching/internal/models"
	"github.com/example/provider-matching/internal/observability"
)

var ErrNoSession = errors.New("no ws session")

// Conn is the part of *websocket.Conn a session writes through.
type Conn interface {
	WriteJSON(v interface{}) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

// WSSession represents a connected provider session
type WSSession struct {
	conn Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(n models.AssignmentNotice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteJSON(n)
}

// WSRegistry holds one session per provider; a reconnect replaces the old one.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[int64]*WSSession
	Logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	return &WSRegistry{sessions: make(map[int64]*WSSession), Logger: logger}
}

func (r *WSRegistry) Add(providerID int64, conn Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	old, replaced := r.sessions[providerID]
	r.sessions[providerID] = s
	r.mu.Unlock()
	if replaced {
		_ = old.conn.Close()
	} else {
		observability.ProvidersConnected.Inc()
	}
	return s
}

// Remove drops the session only if it is still the registered one.
func (r *WSRegistry) Remove(providerID int64, s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[providerID]; ok && cur == s {
		delete(r.sessions, providerID)
		observability.ProvidersConnected.Dec()
	}
}

// Notify pushes n to the provider's live session. Providers without one
// simply see the booking next time they list their bookings.
func (r *WSRegistry) Notify(providerID int64, n models.AssignmentNotice) error {
	r.mu.RLock()
	s, ok := r.sessions[providerID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(n); err != nil {
		if r.Logger != nil {
			r.Logger.Warn("ws send error", "provider_id", providerID, "error", err)
		}
		r.Remove(providerID, s)
		_ = s.conn.Close()
		return err
	}
	return nil
}

// Connected reports whether the provider currently has a live session.
func (r *WSRegistry) Connected(providerID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[providerID]
	return ok
}

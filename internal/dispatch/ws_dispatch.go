package dispatch

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/donor-matching/internal/models"
	"github.com/example/donor-matching/internal/observability"
)

var ErrNoSession = errors.New("no ws session")

const writeWait = 5 * time.Second

// Conn is the part of *websocket.Conn a session needs.
type Conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// wsSession represents a connected donor session
type wsSession struct {
	conn Conn
	mu   sync.Mutex
}

func (s *wsSession) send(alert models.RequestAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conn.(*websocket.Conn); ok {
		_ = c.SetWriteDeadline(time.Now().Add(writeWait))
	}
	return s.conn.WriteJSON(alert)
}

// SessionRegistry holds donor websocket sessions keyed by donor id. A donor
// has at most one live session; a reconnect replaces the previous one.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*wsSession
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewSessionRegistry(logger *slog.Logger) *SessionRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionRegistry{
		sessions: make(map[string]*wsSession),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

func (r *SessionRegistry) Add(donorID string, conn Conn) {
	r.mu.Lock()
	old, replaced := r.sessions[donorID]
	r.sessions[donorID] = &wsSession{conn: conn}
	r.mu.Unlock()
	if replaced {
		_ = old.conn.Close()
		return
	}
	observability.DonorSessions.Inc()
}

// Remove drops the session only if conn is still the registered one.
func (r *SessionRegistry) Remove(donorID string, conn Conn) {
	r.mu.Lock()
	s, ok := r.sessions[donorID]
	if ok && s.conn == conn {
		delete(r.sessions, donorID)
	}
	r.mu.Unlock()
	if ok && s.conn == conn {
		observability.DonorSessions.Dec()
	}
}

func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *SessionRegistry) Send(donorID string, alert models.RequestAlert) error {
	r.mu.RLock()
	s, ok := r.sessions[donorID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.send(alert); err != nil {
		r.logger.Warn("ws send failed", "donor_id", donorID, "error", err)
		r.Remove(donorID, s.conn)
		_ = s.conn.Close()
		return err
	}
	return nil
}

// Serve upgrades the request and keeps the session registered until the
// client goes away. Inbound frames are read and discarded.
func (r *SessionRegistry) Serve(w http.ResponseWriter, req *http.Request, donorID string) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("ws upgrade failed", "donor_id", donorID, "error", err)
		return
	}
	r.Add(donorID, conn)
	defer func() {
		r.Remove(donorID, conn)
		_ = conn.Close()
	}()
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

package server

import (
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/NicolasHaas/gorecord/pkg/model"
)

// State is the lifecycle stage of a session.
type State int

const (
	StateConnected State = iota
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is the per-connection state. Only the goroutine serving the
// connection reads or writes it, except for conn.Close during shutdown.
type Session struct {
	ID           string
	conn         net.Conn
	remote       string
	state        State
	identity     model.Identity
	token        string
	lastActivity time.Time
}

func newSession(conn net.Conn) *Session {
	return &Session{
		ID:           uuid.NewString(),
		conn:         conn,
		remote:       conn.RemoteAddr().String(),
		state:        StateConnected,
		lastActivity: time.Now(),
	}
}

// authenticate replaces the identity after a successful login.
func (s *Session) authenticate(id model.Identity, token string) {
	s.identity = id
	s.token = token
	s.state = StateAuthenticated
}

func (s *Session) close() {
	s.state = StateClosed
}

// SessionManager is the supervised set of live sessions, bounded by an
// explicit maximum.
type SessionManager struct {
	sessions *xsync.MapOf[string, *Session]
	slots    chan struct{}
}

// NewSessionManager creates a registry admitting at most max sessions.
func NewSessionManager(max int) *SessionManager {
	if max <= 0 {
		max = 1
	}
	return &SessionManager{
		sessions: xsync.NewMapOf[string, *Session](),
		slots:    make(chan struct{}, max),
	}
}

// TryAdd registers a session if a slot is free. It never blocks.
func (sm *SessionManager) TryAdd(s *Session) bool {
	select {
	case sm.slots <- struct{}{}:
		sm.sessions.Store(s.ID, s)
		return true
	default:
		return false
	}
}

// Remove unregisters a session and frees its slot.
func (sm *SessionManager) Remove(id string) {
	if _, ok := sm.sessions.LoadAndDelete(id); ok {
		<-sm.slots
	}
}

// Count returns the number of live sessions.
func (sm *SessionManager) Count() int {
	return sm.sessions.Size()
}

// Max returns the session limit.
func (sm *SessionManager) Max() int {
	return cap(sm.slots)
}

// CloseAll closes every live session's connection, unblocking their reads.
func (sm *SessionManager) CloseAll() {
	sm.sessions.Range(func(_ string, s *Session) bool {
		_ = s.conn.Close()
		return true
	})
}

package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pyr33x/goqtt/internal/packet"
	"github.com/pyr33x/goqtt/pkg/er"
)

// Authenticator validates a Connect's credentials. '*' (allow-all) is a
// valid implementation per spec.md §9.
type Authenticator interface {
	Authenticate(username, password, clientID string) error
}

// AllowAll is the authenticator used when no credential store is
// configured: every Connect is accepted.
type AllowAll struct{}

func (AllowAll) Authenticate(string, string, string) error { return nil }

// ConnectError carries the Connack return code a refused Connect should
// answer with.
type ConnectError struct {
	Code packet.ReturnCode
	Err  error
}

func (e *ConnectError) Error() string { return e.Err.Error() }
func (e *ConnectError) Unwrap() error { return e.Err }

// ConnectInfo is the outcome of Manager.NewSession.
type ConnectInfo struct {
	ID                 string
	SessionPresent     bool
	TakeoverLastWill   *Will
	SubscriptionsReset bool // caller must scrub the topic handler for ID
}

// DisconnectInfo is the outcome of Manager.Disconnect.
type DisconnectInfo struct {
	LastWill *Will
	Removed  bool // clean_session caused the session to be dropped
}

// ShutdownEntry is one session's disposition during Manager.Shutdown.
type ShutdownEntry struct {
	ID       string
	LastWill *Will
	Removed  bool
}

// Manager is the clients manager (§4.4): the set of sessions keyed by
// client-id, behind a single read/write lock.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	auth     Authenticator
}

// NewManager builds a clients manager using auth for Connect credential
// checks. Pass AllowAll{} when no authenticator is configured.
func NewManager(auth Authenticator) *Manager {
	if auth == nil {
		auth = AllowAll{}
	}
	return &Manager{
		sessions: make(map[string]*Session),
		auth:     auth,
	}
}

func keepAliveDuration(declared uint16) time.Duration {
	if declared == 0 {
		return 0
	}
	return time.Duration(float64(declared) * 1.5 * float64(time.Second))
}

func stringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func willFromConnect(cp *packet.ConnectPacket) *Will {
	if !cp.WillFlag {
		return nil
	}
	return &Will{
		Topic:   stringValue(cp.WillTopic),
		Payload: []byte(stringValue(cp.WillMessage)),
		QoS:     cp.WillQoS,
		Retain:  cp.WillRetain,
	}
}

// NewSession implements §4.4 new_session: authenticate, assign a
// server-generated id for an empty client-id, resolve take-over, and
// decide whether the session resumes or starts fresh.
func (m *Manager) NewSession(t Transport, cp *packet.ConnectPacket) (*ConnectInfo, *Session, error) {
	if err := m.auth.Authenticate(stringValue(cp.Username), stringValue(cp.Password), cp.ClientID); err != nil {
		code := packet.BadUsernameOrPassword
		if errors.Is(err, er.ErrNotAuthorized) {
			code = packet.NotAuthorized
		}
		return nil, nil, &ConnectError{Code: code, Err: err}
	}

	id := cp.ClientID
	if id == "" {
		id = uuid.NewString()
	}
	will := willFromConnect(cp)
	keepAlive := keepAliveDuration(cp.KeepAlive)

	m.mu.Lock()
	defer m.mu.Unlock()

	info := &ConnectInfo{ID: id}

	if existing, ok := m.sessions[id]; ok {
		existing.mu.Lock()
		oldTransport := existing.transport
		oldWill := existing.Will
		oldClean := existing.CleanSession
		existing.transport = nil
		existing.mu.Unlock()

		if oldTransport != nil {
			oldTransport.Close()
		}
		if oldTransport != nil && !oldClean && oldWill != nil {
			info.TakeoverLastWill = oldWill
		}

		if !oldClean && !cp.CleanSession {
			existing.mu.Lock()
			existing.transport = t
			existing.CleanSession = cp.CleanSession
			existing.KeepAlive = keepAlive
			existing.Will = will
			existing.mu.Unlock()
			info.SessionPresent = true
			return info, existing, nil
		}

		delete(m.sessions, id)
		info.SubscriptionsReset = true
	}

	sess := newSession(id, cp.CleanSession, keepAlive, will, t)
	m.sessions[id] = sess
	return info, sess, nil
}

// Get returns the session for id, if connected.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Count reports the number of sessions currently held.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Disconnect implements §4.4 disconnect: detach the transport, surface
// the last-will on an ungraceful disconnect, and drop the session
// entirely when clean_session=true.
func (m *Manager) Disconnect(id string, gracefully bool) *DisconnectInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return &DisconnectInfo{}
	}

	sess.mu.Lock()
	sess.transport = nil
	sess.mu.Unlock()

	info := &DisconnectInfo{}
	if !gracefully {
		info.LastWill = sess.Will
		sess.Will = nil // a will is delivered at most once per connection instance
	}
	if sess.CleanSession {
		delete(m.sessions, id)
		info.Removed = true
	}
	return info
}

// Shutdown implements §4.4 shutdown: detaches every transport, optionally
// collects last-wills, and reports which ids were dropped for
// clean_session cleanup in the topic handler.
func (m *Manager) Shutdown(publishLWT bool) []ShutdownEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := make([]ShutdownEntry, 0, len(m.sessions))
	for id, sess := range m.sessions {
		sess.mu.Lock()
		t := sess.transport
		sess.transport = nil
		sess.mu.Unlock()
		if t != nil {
			t.Close()
		}

		entry := ShutdownEntry{ID: id}
		if publishLWT {
			entry.LastWill = sess.Will
			sess.Will = nil
		}
		if sess.CleanSession {
			delete(m.sessions, id)
			entry.Removed = true
		}
		entries = append(entries, entry)
	}
	return entries
}

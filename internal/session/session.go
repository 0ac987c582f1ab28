// Package session implements the per-client session (spec.md §4.3) and the
// clients manager that owns the set of active sessions (§4.4).
package session

import (
	"sync"
	"time"

	"github.com/pyr33x/goqtt/internal/packet"
	"github.com/pyr33x/goqtt/pkg/er"
)

// Transport is the bidirectional byte stream a session writes to and the
// packet processor reads from. net.Conn satisfies it directly; tests can
// substitute an in-memory pipe.
type Transport interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetReadDeadline(t time.Time) error
}

// Will is the last-will publish stored with a session at Connect time.
type Will struct {
	Topic   string          `json:"topic"`
	Payload []byte          `json:"payload"`
	QoS     packet.QoSLevel `json:"qos"`
	Retain  bool            `json:"retain"`
}

// ToPublish turns the stored will into the Publish packet the broker
// broadcasts on ungraceful disconnect.
func (w *Will) ToPublish() *packet.PublishPacket {
	return &packet.PublishPacket{
		Topic:   w.Topic,
		Payload: w.Payload,
		QoS:     w.QoS,
		Retain:  w.Retain,
	}
}

type inflightEntry struct {
	pkt      *packet.PublishPacket
	lastSent time.Time
}

// Session is per-client state: inflight QoS-1 publishes, keep-alive, the
// last-will, and the write-serialized transport. A Session is owned
// exclusively by the Manager that created it.
type Session struct {
	ID           string
	CleanSession bool
	KeepAlive    time.Duration
	Will         *Will

	transport Transport

	mu       sync.Mutex
	writeMu  sync.Mutex
	inflight map[uint16]*inflightEntry
	nextID   uint16

	connectedAt time.Time
}

func newSession(id string, cleanSession bool, keepAlive time.Duration, will *Will, t Transport) *Session {
	return &Session{
		ID:           id,
		CleanSession: cleanSession,
		KeepAlive:    keepAlive,
		Will:         will,
		transport:    t,
		inflight:     make(map[uint16]*inflightEntry),
		connectedAt:  time.Now(),
	}
}

// Transport returns the session's current transport, for the packet
// processor's read loop.
func (s *Session) Transport() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

func (s *Session) setTransport(t Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transport = t
	s.connectedAt = time.Now()
}

// SendPacket writes an already-encoded frame. Used for Connack, Suback,
// Unsuback, and PingResp, none of which need packet-id bookkeeping.
// A session detached by Disconnect/Shutdown (no transport) reports
// ErrSessionDetached rather than writing to a nil transport — this is
// the expected race between a last-will fan-out and the target session's
// own teardown during a broker-wide shutdown.
func (s *Session) SendPacket(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return &er.Err{Context: "Session", Message: er.ErrSessionDetached}
	}
	_, err := t.Write(data)
	return err
}

// SendPublish assigns a packet-id when pub.QoS > 0, records it in
// inflight, and writes the packet with dup=false, per §4.3.
func (s *Session) SendPublish(pub *packet.PublishPacket) error {
	if pub.QoS > packet.QoSAtMostOnce {
		s.mu.Lock()
		id, err := s.allocateIDLocked()
		if err != nil {
			s.mu.Unlock()
			return err
		}
		pub.PacketID = &id
		pub.DUP = false
		s.inflight[id] = &inflightEntry{pkt: pub, lastSent: time.Now()}
		s.mu.Unlock()
	}
	return s.SendPacket(pub.Encode())
}

// allocateIDLocked must be called with s.mu held. It returns a 16-bit id
// not currently present in inflight, wrapping around and skipping 0.
func (s *Session) allocateIDLocked() (uint16, error) {
	for i := 0; i < 65535; i++ {
		s.nextID++
		if s.nextID == 0 {
			s.nextID = 1
		}
		if _, taken := s.inflight[s.nextID]; !taken {
			return s.nextID, nil
		}
	}
	return 0, &er.Err{Context: "Session, PacketID", Message: er.ErrPacketIDSpaceExhausted}
}

// Acknowledge removes the packet-id a Puback refers to. It is a protocol
// violation for the id to be absent.
func (s *Session) Acknowledge(packetID uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflight[packetID]; !ok {
		return &er.Err{Context: "Session, Acknowledge", Message: er.ErrUnacknowledgedPuback}
	}
	delete(s.inflight, packetID)
	return nil
}

// SendUnacknowledged rewrites every inflight publish older than minElapsed
// with dup=true and resends it, per §4.3 and the 2s default in §5.
func (s *Session) SendUnacknowledged(minElapsed time.Duration) error {
	now := time.Now()

	s.mu.Lock()
	var resend []*packet.PublishPacket
	for _, entry := range s.inflight {
		if now.Sub(entry.lastSent) < minElapsed {
			continue
		}
		entry.lastSent = now
		dup := *entry.pkt
		dup.DUP = true
		resend = append(resend, &dup)
	}
	s.mu.Unlock()

	for _, pkt := range resend {
		if err := s.SendPacket(pkt.Encode()); err != nil {
			return err
		}
	}
	return nil
}

// InflightCount reports the number of unacknowledged QoS-1 publishes, for
// tests and metrics.
func (s *Session) InflightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// KeepAliveDuration returns the session's current keep-alive interval.
// Reads under mu since a take-over can update it concurrently with the
// prior connection's still-running processor goroutine.
func (s *Session) KeepAliveDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.KeepAlive
}

// SetReadDeadline arms the transport's read deadline for keep-alive /
// pre-Connect timeout enforcement; a zero duration clears it.
func (s *Session) SetReadDeadline(d time.Duration) error {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if d <= 0 {
		return t.SetReadDeadline(time.Time{})
	}
	return t.SetReadDeadline(time.Now().Add(d))
}

// DisconnectTransport closes the transport; safe to call from any thread,
// including the broker's shutdown path racing a connection's own
// goroutine.
func (s *Session) DisconnectTransport() error {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return nil
	}
	return t.Close()
}

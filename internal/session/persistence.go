package session

import (
	"time"

	"github.com/pyr33x/goqtt/internal/packet"
)

// InflightSnapshot is the persisted form of one unacknowledged QoS-1
// publish, per spec.md §9 ("only session identity, subscriptions,
// inflight publish packets, and last-will are" persisted).
type InflightSnapshot struct {
	PacketID uint16          `json:"packet_id"`
	Topic    string          `json:"topic"`
	Payload  []byte          `json:"payload"`
	QoS      packet.QoSLevel `json:"qos"`
	Retain   bool            `json:"retain"`
}

// SessionSnapshot is the persisted form of a Session. Transports are
// never persisted — they are live handles.
type SessionSnapshot struct {
	ID           string              `json:"id"`
	CleanSession bool                `json:"clean_session"`
	KeepAliveNs  int64               `json:"keep_alive_ns"`
	Will         *Will               `json:"will,omitempty"`
	Inflight     []InflightSnapshot  `json:"inflight,omitempty"`
	NextPacketID uint16              `json:"next_packet_id"`
}

// Snapshot captures every session for the clients_manager half of the
// persistence document (§4.7).
func (m *Manager) Snapshot() []SessionSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]SessionSnapshot, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sess.mu.Lock()
		snap := SessionSnapshot{
			ID:           sess.ID,
			CleanSession: sess.CleanSession,
			KeepAliveNs:  int64(sess.KeepAlive),
			Will:         sess.Will,
			NextPacketID: sess.nextID,
		}
		for _, entry := range sess.inflight {
			snap.Inflight = append(snap.Inflight, InflightSnapshot{
				PacketID: *entry.pkt.PacketID,
				Topic:    entry.pkt.Topic,
				Payload:  entry.pkt.Payload,
				QoS:      entry.pkt.QoS,
				Retain:   entry.pkt.Retain,
			})
		}
		sess.mu.Unlock()
		out = append(out, snap)
	}
	return out
}

// Restore rebuilds sessions from a prior dump. Per §4.7: sessions come
// back transport-less (disconnected ungracefully), so every session's
// last-will is returned for republication before the broker accepts new
// connections and is not kept on the restored session; clean_session ids
// are dropped (their ids are returned for topic-handler scrubbing).
func (m *Manager) Restore(snapshots []SessionSnapshot) (wills []*Will, scrubbedIDs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, snap := range snapshots {
		if snap.Will != nil {
			wills = append(wills, snap.Will)
		}
		if snap.CleanSession {
			scrubbedIDs = append(scrubbedIDs, snap.ID)
			continue
		}

		sess := &Session{
			ID:           snap.ID,
			CleanSession: snap.CleanSession,
			KeepAlive:    time.Duration(snap.KeepAliveNs),
			inflight:     make(map[uint16]*inflightEntry),
			nextID:       snap.NextPacketID,
		}
		for _, inf := range snap.Inflight {
			id := inf.PacketID
			sess.inflight[id] = &inflightEntry{
				pkt: &packet.PublishPacket{
					Topic:    inf.Topic,
					Payload:  inf.Payload,
					QoS:      inf.QoS,
					Retain:   inf.Retain,
					PacketID: &id,
				},
			}
		}
		m.sessions[snap.ID] = sess
	}
	return wills, scrubbedIDs
}

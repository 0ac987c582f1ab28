package session

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pyr33x/goqtt/internal/packet"
)

// pipeTransport is an in-memory Transport for tests: writes are captured,
// reads return io.EOF at once since its reader is empty.
type pipeTransport struct {
	mu      sync.Mutex
	written [][]byte
	closed  bool
	reader  io.Reader
}

func newPipeTransport() *pipeTransport {
	return &pipeTransport{reader: bytes.NewReader(nil)}
}

func (p *pipeTransport) Read(b []byte) (int, error) {
	return p.reader.Read(b)
}

func (p *pipeTransport) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := append([]byte(nil), b...)
	p.written = append(p.written, cp)
	return len(b), nil
}

func (p *pipeTransport) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *pipeTransport) SetReadDeadline(time.Time) error { return nil }

func (p *pipeTransport) writeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.written)
}

func connectPacket(id string, clean bool) *packet.ConnectPacket {
	return &packet.ConnectPacket{
		ProtocolName:  "MQTT",
		ProtocolLevel: 4,
		ClientID:      id,
		CleanSession:  clean,
		KeepAlive:     60,
	}
}

func TestManager_NewSessionFreshStart(t *testing.T) {
	m := NewManager(nil)
	tr := newPipeTransport()

	info, sess, err := m.NewSession(tr, connectPacket("a", true))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.SessionPresent {
		t.Error("expected session_present=false for a fresh client")
	}
	if sess.ID != "a" {
		t.Errorf("expected id 'a', got %q", sess.ID)
	}
}

func TestManager_EmptyClientIDGetsGeneratedID(t *testing.T) {
	m := NewManager(nil)
	tr := newPipeTransport()

	info, sess, err := m.NewSession(tr, connectPacket("", true))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.ID == "" || sess.ID != info.ID {
		t.Fatalf("expected a generated non-empty id, got %q", info.ID)
	}
}

func TestManager_ResumeCarriesOverSession(t *testing.T) {
	m := NewManager(nil)
	tr1 := newPipeTransport()

	_, sess1, err := m.NewSession(tr1, connectPacket("x", false))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pub := &packet.PublishPacket{Topic: "t/a", Payload: []byte("1"), QoS: packet.QoSAtLeastOnce}
	if err := sess1.SendPublish(pub); err != nil {
		t.Fatalf("SendPublish: %v", err)
	}
	if sess1.InflightCount() != 1 {
		t.Fatalf("expected 1 inflight publish, got %d", sess1.InflightCount())
	}

	tr2 := newPipeTransport()
	info, sess2, err := m.NewSession(tr2, connectPacket("x", false))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !info.SessionPresent {
		t.Error("expected session_present=true on resume")
	}
	if sess2 != sess1 {
		t.Error("expected the same session object to be reused on resume")
	}
	if sess2.InflightCount() != 1 {
		t.Errorf("expected inflight state to carry over, got %d", sess2.InflightCount())
	}
	if !tr1.closed {
		t.Error("expected the prior transport to be closed on take-over")
	}
}

func TestManager_TakeoverWithCleanSessionDropsPriorState(t *testing.T) {
	m := NewManager(nil)
	tr1 := newPipeTransport()
	m.NewSession(tr1, connectPacket("x", false))

	tr2 := newPipeTransport()
	info, sess2, err := m.NewSession(tr2, connectPacket("x", true))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.SessionPresent {
		t.Error("expected session_present=false when new connect requests clean_session")
	}
	if !info.SubscriptionsReset {
		t.Error("expected SubscriptionsReset=true so the caller scrubs the topic handler")
	}
	if sess2.InflightCount() != 0 {
		t.Error("expected fresh session to start with no inflight state")
	}
	if !tr1.closed {
		t.Error("expected prior transport closed on take-over")
	}
}

func TestManager_TakeoverCapturesLastWillOnlyForPersistentPriorSession(t *testing.T) {
	m := NewManager(nil)
	tr1 := newPipeTransport()
	cp := connectPacket("x", false)
	cp.WillFlag = true
	topic, msg := "dead", "bye"
	cp.WillTopic, cp.WillMessage = &topic, &msg
	m.NewSession(tr1, cp)

	tr2 := newPipeTransport()
	info, _, err := m.NewSession(tr2, connectPacket("x", false))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.TakeoverLastWill == nil || info.TakeoverLastWill.Topic != "dead" {
		t.Fatalf("expected take-over last-will to be captured, got %+v", info.TakeoverLastWill)
	}
}

func TestSession_AcknowledgeRemovesInflight(t *testing.T) {
	sess := newSession("a", true, 0, nil, newPipeTransport())
	pub := &packet.PublishPacket{Topic: "t", QoS: packet.QoSAtLeastOnce, Payload: []byte("x")}
	if err := sess.SendPublish(pub); err != nil {
		t.Fatalf("SendPublish: %v", err)
	}
	id := *pub.PacketID

	if err := sess.Acknowledge(id); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if sess.InflightCount() != 0 {
		t.Error("expected inflight to be empty after acknowledge")
	}
	if err := sess.Acknowledge(id); err == nil {
		t.Error("expected an error acknowledging an id that is no longer inflight")
	}
}

func TestSession_SendUnacknowledgedSetsDUP(t *testing.T) {
	tr := newPipeTransport()
	sess := newSession("a", true, 0, nil, tr)
	pub := &packet.PublishPacket{Topic: "t", QoS: packet.QoSAtLeastOnce, Payload: []byte("x")}
	sess.SendPublish(pub)

	if err := sess.SendUnacknowledged(0); err != nil {
		t.Fatalf("SendUnacknowledged: %v", err)
	}
	if tr.writeCount() != 2 {
		t.Fatalf("expected original send + one resend, got %d writes", tr.writeCount())
	}

	decoded, err := packet.DecodePublish(tr.written[1][0]&0x0F, tr.written[1][2:])
	if err != nil {
		t.Fatalf("decode resend: %v", err)
	}
	if !decoded.DUP {
		t.Error("expected resent publish to have DUP set")
	}
}

func TestManager_DisconnectGracefulDiscardsWill(t *testing.T) {
	m := NewManager(nil)
	cp := connectPacket("a", false)
	cp.WillFlag = true
	topic, msg := "dead", "x"
	cp.WillTopic, cp.WillMessage = &topic, &msg
	m.NewSession(newPipeTransport(), cp)

	info := m.Disconnect("a", true)
	if info.LastWill != nil {
		t.Error("expected no last-will on graceful disconnect")
	}
	if info.Removed {
		t.Error("expected clean_session=false session to survive a graceful disconnect")
	}
}

func TestManager_DisconnectUngracefulPublishesWill(t *testing.T) {
	m := NewManager(nil)
	cp := connectPacket("a", true)
	cp.WillFlag = true
	topic, msg := "dead", "x"
	cp.WillTopic, cp.WillMessage = &topic, &msg
	m.NewSession(newPipeTransport(), cp)

	info := m.Disconnect("a", false)
	if info.LastWill == nil || info.LastWill.Topic != "dead" {
		t.Fatalf("expected last-will to be surfaced, got %+v", info.LastWill)
	}
	if !info.Removed {
		t.Error("expected clean_session=true session to be removed on disconnect")
	}
}

func TestManager_SnapshotRestoreRoundTrip(t *testing.T) {
	m := NewManager(nil)
	m.NewSession(newPipeTransport(), connectPacket("durable", false))
	m.NewSession(newPipeTransport(), connectPacket("ephemeral", true))

	snaps := m.Snapshot()

	m2 := NewManager(nil)
	wills, scrubbed := m2.Restore(snaps)
	if len(wills) != 0 {
		t.Errorf("expected no wills without one configured, got %d", len(wills))
	}
	if len(scrubbed) != 1 || scrubbed[0] != "ephemeral" {
		t.Errorf("expected only the clean_session id scrubbed, got %v", scrubbed)
	}
	if _, ok := m2.Get("durable"); !ok {
		t.Error("expected the durable session to be restored")
	}
	if _, ok := m2.Get("ephemeral"); ok {
		t.Error("expected the clean_session id to not be restored")
	}
}

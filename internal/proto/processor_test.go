package proto

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pyr33x/goqtt/internal/logger"
	"github.com/pyr33x/goqtt/internal/packet"
	"github.com/pyr33x/goqtt/internal/session"
	"github.com/pyr33x/goqtt/internal/topic"
	"github.com/pyr33x/goqtt/internal/workerpool"
)

// scriptedTransport feeds a fixed byte sequence to Read and captures every
// Write, mirroring the pipeTransport test double in internal/session. Once
// the script is exhausted, Read blocks (as a live, idle connection would)
// until the test or the processor calls Close.
type scriptedTransport struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	written [][]byte
	closed  bool
	closeCh chan struct{}
}

func newScriptedTransport(frames ...[]byte) *scriptedTransport {
	t := &scriptedTransport{closeCh: make(chan struct{})}
	for _, f := range frames {
		t.buf.Write(f)
	}
	return t
}

func (t *scriptedTransport) Read(b []byte) (int, error) {
	t.mu.Lock()
	if t.buf.Len() > 0 {
		n, err := t.buf.Read(b)
		t.mu.Unlock()
		return n, err
	}
	t.mu.Unlock()
	<-t.closeCh
	return 0, io.EOF
}

func (t *scriptedTransport) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.written = append(t.written, append([]byte(nil), b...))
	return len(b), nil
}

func (t *scriptedTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.closeCh)
	}
	return nil
}

func (t *scriptedTransport) SetReadDeadline(time.Time) error { return nil }

func (t *scriptedTransport) frames() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.written...)
}

func connectFrame(clientID string, clean bool) []byte {
	cp := &packet.ConnectPacket{
		ProtocolName:  "MQTT",
		ProtocolLevel: 4,
		ClientID:      clientID,
		CleanSession:  clean,
		KeepAlive:     0,
	}
	return encodeConnect(cp)
}

// encodeConnect mirrors the wire layout DecodeConnect expects; the codec
// package only exposes a decoder since the broker never originates Connect.
func encodeConnect(cp *packet.ConnectPacket) []byte {
	var body []byte
	body = append(body, encodeStr(cp.ProtocolName)...)
	body = append(body, cp.ProtocolLevel)

	var flags byte
	if cp.CleanSession {
		flags |= 0x02
	}
	body = append(body, flags)
	body = append(body, byte(cp.KeepAlive>>8), byte(cp.KeepAlive))
	body = append(body, encodeStr(cp.ClientID)...)

	var out []byte
	out = append(out, byte(packet.CONNECT)<<4)
	out = append(out, encodeRemainingLength(len(body))...)
	out = append(out, body...)
	return out
}

func encodeStr(s string) []byte {
	out := []byte{byte(len(s) >> 8), byte(len(s))}
	return append(out, s...)
}

func encodeRemainingLength(n int) []byte {
	var out []byte
	for {
		b := byte(n % 128)
		n /= 128
		if n > 0 {
			b |= 0x80
		}
		out = append(out, b)
		if n == 0 {
			break
		}
	}
	return out
}

func disconnectFrame() []byte {
	return []byte{byte(packet.DISCONNECT) << 4, 0x00}
}

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	pool, err := workerpool.New(4)
	if err != nil {
		t.Fatalf("workerpool.New: %v", err)
	}
	t.Cleanup(pool.Release)

	tr := topic.New()
	sessions := session.NewManager(nil)
	ch := make(chan topic.Message, 16)
	go func() {
		for m := range ch {
			if s, ok := sessions.Get(m.ClientID); ok {
				s.SendPublish(m.Packet)
			}
		}
	}()

	return Deps{
		Sessions: sessions,
		Topics:   tr,
		Pool:     pool,
		Dispatch: func(pub *packet.PublishPacket) { tr.Publish(pub, ch) },
		Log:      logger.New(logger.DevelopmentConfig()),
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestProcessor_AcceptsConnectAndSendsConnAck(t *testing.T) {
	deps := newTestDeps(t)
	tr := newScriptedTransport(connectFrame("client-a", true), disconnectFrame())

	New(tr, deps).Run()

	waitFor(t, func() bool { return tr.closed })
	frames := tr.frames()
	if len(frames) == 0 {
		t.Fatal("expected at least a CONNACK to be written")
	}
	if packet.Type(frames[0][0]>>4) != packet.CONNACK {
		t.Fatalf("expected first frame to be CONNACK, got %s", packet.Type(frames[0][0]>>4))
	}
	if _, ok := deps.Sessions.Get("client-a"); ok {
		t.Error("expected clean_session client to be removed after disconnect")
	}
}

func TestProcessor_RefusesNonConnectFirstFrame(t *testing.T) {
	deps := newTestDeps(t)
	tr := newScriptedTransport(disconnectFrame())

	New(tr, deps).Run()

	waitFor(t, func() bool { return tr.closed })
}

func encodeSubscribeFrame(packetID uint16, filters []packet.SubscribeFilter) []byte {
	body := []byte{byte(packetID >> 8), byte(packetID)}
	for _, f := range filters {
		body = append(body, encodeStr(f.Topic)...)
		body = append(body, byte(f.QoS))
	}
	out := []byte{byte(packet.SUBSCRIBE)<<4 | 0x02}
	out = append(out, encodeRemainingLength(len(body))...)
	out = append(out, body...)
	return out
}

func TestProcessor_PublishFansOutToSubscriber(t *testing.T) {
	deps := newTestDeps(t)

	subTr := newScriptedTransport(
		connectFrame("sub", false),
		encodeSubscribeFrame(1, []packet.SubscribeFilter{{Topic: "room/#", QoS: packet.QoSAtMostOnce}}),
	)
	go New(subTr, deps).Run()
	waitFor(t, func() bool { return len(subTr.frames()) >= 2 })

	pub := &packet.PublishPacket{Topic: "room/a", Payload: []byte("hi"), QoS: packet.QoSAtMostOnce}
	pubTr := newScriptedTransport(connectFrame("pub", true), pub.Encode(), disconnectFrame())
	New(pubTr, deps).Run()

	waitFor(t, func() bool { return pubTr.closed })
	waitFor(t, func() bool { return len(subTr.frames()) >= 3 })

	subTr.Close()

	delivered := subTr.frames()[2]
	if packet.Type(delivered[0]>>4) != packet.PUBLISH {
		t.Fatalf("expected a PUBLISH delivery, got %s", packet.Type(delivered[0]>>4))
	}
}

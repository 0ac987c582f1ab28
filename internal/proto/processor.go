// Package proto implements the per-connection packet processor (spec.md
// §4.5): a state machine that reads frames off a transport, dispatches
// them to the session/topic layer directly or through the shared
// threadpool, and drives keep-alive and disconnect handling.
package proto

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/pyr33x/goqtt/internal/logger"
	"github.com/pyr33x/goqtt/internal/packet"
	"github.com/pyr33x/goqtt/internal/session"
	"github.com/pyr33x/goqtt/internal/topic"
	"github.com/pyr33x/goqtt/internal/tracing"
	"github.com/pyr33x/goqtt/internal/workerpool"
	"github.com/pyr33x/goqtt/pkg/er"
)

type state int

const (
	stateAwaitingConnect state = iota
	stateConnected
	stateDisconnecting
	stateDone
)

const (
	// PreConnectTimeout is the fixed pre-Connect read timeout (§4.5, §5).
	PreConnectTimeout = 180 * time.Second
	// ResendProbeInterval is the periodic tick at which inflight QoS-1
	// publishes are checked for resend, independent of keep-alive (§5,
	// §9 Open Question 3: a keep_alive of 0 disables the idle-timeout
	// disconnect, not this probe).
	ResendProbeInterval = 500 * time.Millisecond
	// MinResendElapsed is the minimum time an inflight publish must have
	// waited before being resent with dup=true (§5).
	MinResendElapsed = 2 * time.Second
)

// Deps are the broker-wide collaborators a Processor needs. The broker
// (internal/server) fills in one Deps per connection from the same shared
// collaborators.
type Deps struct {
	Sessions *session.Manager
	Topics   *topic.Tree
	Pool     *workerpool.Pool
	// Dispatch fans a publish out to every matching subscriber. Supplied
	// by the broker so the processor never needs a direct reference to
	// the other live sessions.
	Dispatch func(pub *packet.PublishPacket)
	Log      *logger.Logger
}

// Processor drives one client connection through
// AwaitingConnect -> Connected -> Disconnecting -> Done.
type Processor struct {
	transport session.Transport
	reader    *bufio.Reader
	deps      Deps

	state        state
	sess         *session.Session
	lastActivity time.Time
	gracefully   bool
}

// New builds a Processor for a freshly accepted transport.
func New(t session.Transport, deps Deps) *Processor {
	return &Processor{
		transport: t,
		reader:    bufio.NewReader(t),
		deps:      deps,
		state:     stateAwaitingConnect,
	}
}

// Run drives the full per-connection lifecycle. It returns once the
// connection is fully torn down.
func (p *Processor) Run() {
	if !p.awaitConnect() {
		if p.sess != nil {
			p.teardown()
		} else {
			p.transport.Close()
		}
		return
	}

	p.loop()
	p.teardown()
}

// teardown runs the Manager.Disconnect outcome (last-will, topic-handler
// scrub) and closes the raw transport. Done via p.transport rather than
// Session.DisconnectTransport since Manager.Disconnect already clears the
// session's own transport reference before this runs.
func (p *Processor) teardown() {
	info := p.deps.Sessions.Disconnect(p.sess.ID, p.gracefully)
	if info.LastWill != nil {
		p.deps.Dispatch(info.LastWill.ToPublish())
	}
	if info.Removed {
		p.deps.Topics.RemoveClient(p.sess.ID)
	}
	action := "disconnect"
	if !p.gracefully {
		action = "disconnect_ungraceful"
	}
	p.deps.Log.LogClientConnection(p.sess.ID, "", action)
	p.transport.Close()
}

// awaitConnect implements the AwaitingConnect state: exactly one frame is
// read, it must be Connect, and any failure refuses the connection.
func (p *Processor) awaitConnect() bool {
	p.transport.SetReadDeadline(time.Now().Add(PreConnectTimeout))

	frame, err := packet.ReadFrame(p.reader)
	if err != nil {
		p.deps.Log.Debug("connect read failed", slog.Any("error", err))
		return false
	}
	if frame.Type != packet.CONNECT {
		p.sendConnAck(false, packet.UnacceptableProtocolVersion)
		return false
	}

	cp, err := packet.DecodeConnect(frame.Body)
	if err != nil {
		p.sendConnAck(false, connectErrorCode(err))
		return false
	}

	username := ""
	if cp.Username != nil {
		username = *cp.Username
	}

	_, span := tracing.StartConnect(context.Background(), cp.ClientID)
	info, sess, err := p.deps.Sessions.NewSession(p.transport, cp)
	span.End()
	if err != nil {
		var cerr *session.ConnectError
		code := packet.ServerUnavailable
		if errors.As(err, &cerr) {
			code = cerr.Code
		}
		p.deps.Log.LogAuth(cp.ClientID, username, false, err.Error())
		p.sendConnAck(false, code)
		return false
	}
	p.deps.Log.LogAuth(cp.ClientID, username, true, "accepted")

	p.sess = sess
	p.state = stateConnected
	p.lastActivity = time.Now()

	remoteAddr := ""
	if nc, ok := p.transport.(net.Conn); ok {
		remoteAddr = nc.RemoteAddr().String()
	}
	p.deps.Log.LogClientConnection(sess.ID, remoteAddr, "connect")

	ack := packet.NewConnAck(info.SessionPresent, packet.ConnectionAccepted)
	if err := sess.SendPacket(ack.Encode()); err != nil {
		return false
	}

	if info.SubscriptionsReset {
		p.deps.Topics.RemoveClient(info.ID)
	}
	if info.TakeoverLastWill != nil {
		p.deps.Dispatch(info.TakeoverLastWill.ToPublish())
	}

	p.armReadDeadline()
	return true
}

func (p *Processor) sendConnAck(sessionPresent bool, code packet.ReturnCode) {
	ack := packet.NewConnAck(sessionPresent, code)
	p.transport.Write(ack.Encode())
}

func connectErrorCode(err error) packet.ReturnCode {
	switch {
	case errors.Is(err, er.ErrUnsupportedProtocolLevel), errors.Is(err, er.ErrUnsupportedProtocolName):
		return packet.UnacceptableProtocolVersion
	case errors.Is(err, er.ErrInvalidCharsClientID), errors.Is(err, er.ErrClientIDLengthExceed), errors.Is(err, er.ErrIdentifierRejected):
		return packet.IdentifierRejected
	case errors.Is(err, er.ErrPasswordWithoutUsername), errors.Is(err, er.ErrMalformedUsernameField), errors.Is(err, er.ErrMalformedPasswordField):
		return packet.BadUsernameOrPassword
	default:
		return packet.ServerUnavailable
	}
}

// armReadDeadline sets the read deadline from the session's declared
// keep-alive. Session.SetReadDeadline treats a non-positive duration as
// "clear the deadline", so a keep_alive of 0 disables idle-timeout
// disconnection entirely (§9 Open Question 3) without needing a
// substitute period here.
func (p *Processor) armReadDeadline() {
	p.sess.SetReadDeadline(p.sess.KeepAliveDuration())
}

// loop implements the Connected state: read one frame, dispatch, repeat,
// until a fatal condition moves to Disconnecting. A background ticker
// resends unacknowledged publishes at ResendProbeInterval, independent of
// read activity and of keep-alive.
func (p *Processor) loop() {
	stop := make(chan struct{})
	defer close(stop)
	go p.resendLoop(stop)

	for p.state == stateConnected {
		frame, err := packet.ReadFrame(p.reader)
		if err != nil {
			if isTimeout(err) {
				p.onReadTimeout()
				continue
			}
			p.gracefully = false
			p.state = stateDisconnecting
			break
		}

		p.lastActivity = time.Now()
		p.armReadDeadline()

		if !p.dispatch(frame) {
			break
		}
	}
}

func (p *Processor) resendLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(ResendProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.sess.SendUnacknowledged(MinResendElapsed)
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// onReadTimeout handles a non-fatal idle read: check whether keep-alive
// has actually been exceeded (resending is the resendLoop's job).
func (p *Processor) onReadTimeout() {
	keepAlive := p.sess.KeepAliveDuration()
	if keepAlive > 0 && time.Since(p.lastActivity) > keepAlive {
		p.gracefully = false
		p.state = stateDisconnecting
	}
}

// dispatch routes one frame per §4.5. It returns false when the
// connection should stop reading (Disconnect received or a protocol
// violation).
func (p *Processor) dispatch(frame *packet.Frame) bool {
	p.deps.Log.LogMQTTPacket(frame.Type.String(), p.sess.ID, "inbound")
	switch frame.Type {
	case packet.PUBLISH:
		return p.handlePublish(frame)
	case packet.PUBACK:
		return p.handlePuback(frame)
	case packet.SUBSCRIBE:
		return p.handleSubscribe(frame)
	case packet.UNSUBSCRIBE:
		return p.handleUnsubscribe(frame)
	case packet.PINGREQ:
		return p.handlePingreq(frame)
	case packet.DISCONNECT:
		return p.handleDisconnect(frame)
	case packet.CONNECT:
		p.gracefully = false
		p.state = stateDisconnecting
		return false
	default:
		p.gracefully = false
		p.state = stateDisconnecting
		return false
	}
}

func (p *Processor) protocolViolation() bool {
	p.gracefully = false
	p.state = stateDisconnecting
	return false
}

func (p *Processor) handlePublish(frame *packet.Frame) bool {
	pub, err := packet.DecodePublish(frame.Flags, frame.Body)
	if err != nil {
		return p.protocolViolation()
	}
	// §9 Open Question 1: qos=2 is accepted on the wire but frozen at a
	// downgrade to 1; no Pubrec/Pubrel/Pubcomp flow is implemented.
	if pub.QoS == packet.QoSExactlyOnce {
		pub.QoS = packet.QoSAtLeastOnce
	}

	sess := p.sess
	deps := p.deps
	deps.Log.LogPublish(sess.ID, pub.Topic, int(pub.QoS), pub.Retain, len(pub.Payload))
	if pub.Retain {
		action := "stored"
		if len(pub.Payload) == 0 {
			action = "removed"
		}
		deps.Log.LogRetainedMessage(pub.Topic, action, len(pub.Payload))
	}
	p.deps.Pool.Submit(func() {
		if pub.QoS == packet.QoSAtLeastOnce && pub.PacketID != nil {
			ack := packet.NewPubAck(*pub.PacketID)
			sess.SendPacket(ack.Encode())
			deps.Log.LogQoSFlow(sess.ID, *pub.PacketID, int(pub.QoS), "PUBACK_SENT")
		}
		deps.Dispatch(pub)
	})
	return true
}

func (p *Processor) handlePuback(frame *packet.Frame) bool {
	pa, err := packet.DecodePuback(frame.Body)
	if err != nil {
		return p.protocolViolation()
	}
	if err := p.sess.Acknowledge(pa.PacketID); err != nil {
		return p.protocolViolation()
	}
	p.deps.Log.LogQoSFlow(p.sess.ID, pa.PacketID, int(packet.QoSAtLeastOnce), "PUBACK_RECEIVED")
	return true
}

func (p *Processor) handleSubscribe(frame *packet.Frame) bool {
	sp, err := packet.DecodeSubscribe(frame.Flags, frame.Body)
	if err != nil {
		return p.protocolViolation()
	}

	for i := range sp.Filters {
		if sp.Filters[i].QoS == packet.QoSExactlyOnce {
			sp.Filters[i].QoS = packet.QoSAtLeastOnce
		}
	}

	sess := p.sess
	topics := p.deps.Topics
	log := p.deps.Log
	packetID := sp.PacketID
	filters := sp.Filters
	for _, f := range filters {
		log.LogSubscription(sess.ID, f.Topic, int(f.QoS), "subscribe")
	}
	p.deps.Pool.Submit(func() {
		deliveries := topics.Subscribe(sess.ID, filters)

		granted := make([]packet.QoSLevel, len(filters))
		for i, f := range filters {
			granted[i] = f.QoS
		}
		suback := packet.NewSubAck(packetID, granted)
		sess.SendPacket(suback.Encode())

		for _, d := range deliveries {
			sess.SendPublish(d.Packet)
		}
	})
	return true
}

func (p *Processor) handleUnsubscribe(frame *packet.Frame) bool {
	up, err := packet.DecodeUnsubscribe(frame.Flags, frame.Body)
	if err != nil {
		return p.protocolViolation()
	}

	sess := p.sess
	topics := p.deps.Topics
	log := p.deps.Log
	packetID := up.PacketID
	filters := up.TopicFilters
	for _, f := range filters {
		log.LogSubscription(sess.ID, f, 0, "unsubscribe")
	}
	p.deps.Pool.Submit(func() {
		topics.Unsubscribe(sess.ID, filters)
		unsuback := packet.NewUnsubAck(packetID)
		sess.SendPacket(unsuback.Encode())
	})
	return true
}

func (p *Processor) handlePingreq(frame *packet.Frame) bool {
	if err := packet.DecodePingreq(frame.Flags, frame.Body); err != nil {
		return p.protocolViolation()
	}
	sess := p.sess
	p.deps.Pool.Submit(func() {
		resp := packet.NewPingresp()
		sess.SendPacket(resp.Encode())
	})
	return true
}

func (p *Processor) handleDisconnect(frame *packet.Frame) bool {
	if err := packet.DecodeDisconnect(frame.Flags, frame.Body); err != nil {
		return p.protocolViolation()
	}
	p.gracefully = true
	p.state = stateDisconnecting
	return false
}

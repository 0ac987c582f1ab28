// Package server implements the broker's TCP accept loop (spec.md §4.6),
// the publish fan-out dispatcher, and the shutdown sequence, in the style
// of the teacher's internal/transport TCPServer.
package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pyr33x/goqtt/internal/logger"
	"github.com/pyr33x/goqtt/internal/packet"
	"github.com/pyr33x/goqtt/internal/persistence"
	"github.com/pyr33x/goqtt/internal/proto"
	"github.com/pyr33x/goqtt/internal/session"
	"github.com/pyr33x/goqtt/internal/topic"
	"github.com/pyr33x/goqtt/internal/tracing"
	"github.com/pyr33x/goqtt/internal/workerpool"
)

// Config holds the broker's runtime parameters.
type Config struct {
	Addr           string
	DumpPath       string
	DumpInterval   time.Duration
	MaxConnections int
	PublishWorkers int
}

// Broker owns the listener, the shared session/topic state, and the
// periodic persistence tick.
type Broker struct {
	cfg Config
	log *logger.Logger

	sessions *session.Manager
	topics   *topic.Tree
	pool     *workerpool.Pool

	listener           net.Listener
	shuttingDown       atomic.Bool
	currentConnections atomic.Int32
	wg                 sync.WaitGroup
}

// New builds a Broker. auth may be nil to accept every Connect.
func New(cfg Config, auth session.Authenticator, log *logger.Logger) (*Broker, error) {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1000
	}
	pool, err := workerpool.New(cfg.PublishWorkers)
	if err != nil {
		return nil, err
	}

	return &Broker{
		cfg:      cfg,
		log:      log,
		sessions: session.NewManager(auth),
		topics:   topic.New(),
		pool:     pool,
	}, nil
}

// LoadState restores a prior persistence dump, republishing the last-will
// of every session in the dump (none of their connections survive a
// restart), per §4.7.
func (b *Broker) LoadState() error {
	if b.cfg.DumpPath == "" {
		return nil
	}
	doc, err := persistence.Load(b.cfg.DumpPath)
	if err != nil {
		return err
	}
	wills, scrubbed := persistence.Restore(doc, b.topics, b.sessions)
	b.log.Info("restored persisted state",
		logger.Int("retained", len(doc.TopicHandler.Retained)),
		logger.Int("subscriptions", len(doc.TopicHandler.Subscriptions)),
		logger.Int("sessions", len(doc.ClientsManager.Sessions)),
		logger.Int("scrubbed", len(scrubbed)),
	)
	for _, w := range wills {
		b.Dispatch(w.ToPublish())
	}
	return nil
}

// Dispatch fans pub out to every matching subscriber, per §4.2/§4.5: the
// topic handler is walked under its own lock and released before any
// session write happens.
func (b *Broker) Dispatch(pub *packet.PublishPacket) {
	_, span := tracing.StartPublish(context.Background(), "", pub.Topic)
	defer span.End()

	ch := make(chan topic.Message, 64)
	go func() {
		b.topics.Publish(pub, ch)
		close(ch)
	}()
	for msg := range ch {
		sess, ok := b.sessions.Get(msg.ClientID)
		if !ok {
			continue
		}
		if err := sess.SendPublish(msg.Packet); err != nil {
			b.log.LogError(err, "failed to deliver publish", logger.ClientID(msg.ClientID))
		}
	}
}

// Run starts accepting connections and blocks until ctx is cancelled, at
// which point it drains in-flight connections and performs a final dump.
func (b *Broker) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", b.cfg.Addr)
	if err != nil {
		return err
	}
	b.listener = listener

	go b.runDumpTicker(ctx)
	go b.accept(ctx)

	<-ctx.Done()
	return b.shutdown()
}

func (b *Broker) accept(ctx context.Context) {
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			if b.shuttingDown.Load() {
				return
			}
			select {
			case <-ctx.Done():
				return
			default:
				b.log.LogError(err, "accept failed")
				continue
			}
		}
		b.wg.Add(1)
		go b.handleConn(conn)
	}
}

func (b *Broker) handleConn(conn net.Conn) {
	defer b.wg.Done()
	defer b.currentConnections.Add(-1)

	if b.currentConnections.Add(1) > int32(b.cfg.MaxConnections) {
		ack := packet.NewConnAck(false, packet.ServerUnavailable)
		conn.Write(ack.Encode())
		conn.Close()
		return
	}

	deps := proto.Deps{
		Sessions: b.sessions,
		Topics:   b.topics,
		Pool:     b.pool,
		Dispatch: b.Dispatch,
		Log:      b.log,
	}
	proto.New(conn, deps).Run()
}

func (b *Broker) runDumpTicker(ctx context.Context) {
	if b.cfg.DumpPath == "" || b.cfg.DumpInterval <= 0 {
		return
	}
	ticker := time.NewTicker(b.cfg.DumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := persistence.Dump(b.cfg.DumpPath, b.topics, b.sessions); err != nil {
				b.log.LogError(err, "periodic persistence dump failed")
			}
		}
	}
}

// Controller is the caller-facing handle for a running broker (§6
// controller surface: shutdown(), join()), mirroring the teacher's
// TCPServer.Stop()/gracefulShutdown pairing in cmd/goqtt/main.go.
type Controller struct {
	cancel context.CancelFunc
	done   chan error
}

// Start runs b in a background goroutine and returns a Controller for it.
func Start(b *Broker) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	return &Controller{cancel: cancel, done: done}
}

// Shutdown requests the broker stop accepting connections and begin
// tearing down. It does not block; call Join to wait for completion.
func (c *Controller) Shutdown() {
	c.cancel()
}

// Join blocks until the broker has fully shut down and returns its
// terminal error, if any.
func (c *Controller) Join() error {
	return <-c.done
}

// shutdown implements §4.6: stop accepting, detach every session (publishing
// last-wills), wait for in-flight connections to unwind, do a final dump,
// then release the worker pool.
func (b *Broker) shutdown() error {
	b.shuttingDown.Store(true)
	if b.listener != nil {
		b.listener.Close()
	}

	for _, entry := range b.sessions.Shutdown(true) {
		if entry.LastWill != nil {
			b.Dispatch(entry.LastWill.ToPublish())
		}
		if entry.Removed {
			b.topics.RemoveClient(entry.ID)
		}
	}

	b.wg.Wait()

	var dumpErr error
	if b.cfg.DumpPath != "" {
		dumpErr = persistence.Dump(b.cfg.DumpPath, b.topics, b.sessions)
	}

	b.pool.Release()
	return dumpErr
}

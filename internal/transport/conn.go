package transport

import (
	"context"
	goerrors "errors"
	"log"
	"sync"
	"time"

	"github.com/offbit-ai/zeal-sync/internal/clock"
	"github.com/offbit-ai/zeal-sync/internal/metrics"
	"github.com/offbit-ai/zeal-sync/internal/protocol"
	"github.com/offbit-ai/zeal-sync/pkg/errors"
)

// Config configures a Connection.
type Config struct {
	// URL is the WebSocket endpoint of the sync server.
	URL string
	// Room is the document GUID to join.
	Room string
	// Token, when set, is sent as an AUTH message right after the join ack.
	Token string
	// QueueLimit caps the outbound queue; oldest frames are shed on
	// overflow (default: 1024)
	QueueLimit int
	// HeartbeatInterval is the keep-alive cadence while connected
	// (default: 20s). Heartbeats exist to beat the remote idle timeout,
	// not to carry application data.
	HeartbeatInterval time.Duration
	// HealthCheckInterval is the silent-desync probe cadence (default: 30s)
	HealthCheckInterval time.Duration
	// SyncTimeoutThreshold is the max tolerated inbound silence before the
	// connection is declared degraded. Any well-formed inbound frame counts
	// as liveness, heartbeat pongs included (default: 60s)
	SyncTimeoutThreshold time.Duration
	// Reconnect bounds the backoff retry policy.
	Reconnect ReconnectConfig
}

// DefaultConfig returns sensible defaults for url and room.
func DefaultConfig(url, room string) *Config {
	return &Config{
		URL:                  url,
		Room:                 room,
		QueueLimit:           1024,
		HeartbeatInterval:    20 * time.Second,
		HealthCheckInterval:  30 * time.Second,
		SyncTimeoutThreshold: 60 * time.Second,
		Reconnect:            DefaultReconnectConfig(),
	}
}

// Callbacks are the connection's outward interface. Handlers run on the
// connection's goroutines and must not call back into the Connection from
// OnStateChange; the other handlers may send freely.
type Callbacks struct {
	// OnMessage receives decoded application frames (SYNC, AWARENESS,
	// QUERY_AWARENESS and non-control CUSTOM messages).
	OnMessage func(protocol.Message)
	// OnStateChange observes state transitions.
	OnStateChange func(State)
	// OnConnected fires on entry into Connected, after AUTH is sent and
	// before the outbound queue is flushed. The sync session sends its
	// step-1 here so the handshake precedes queued updates.
	OnConnected func(clientID uint64)
	// OnHeartbeat fires after each keep-alive probe so presence can
	// piggyback a small refresh.
	OnHeartbeat func()
	// OnFatal fires when reconnection attempts are exhausted. The local
	// document stays fully usable offline.
	OnFatal func(error)
}

// Connection wraps a Socket with the room-join handshake, the outbound queue
// and liveness monitoring. At most one logical connection exists per document
// per process; the generation counter invalidates stale sockets and timers
// across reconnects so a cancelled attempt can never resurrect them.
type Connection struct {
	cfg    *Config
	clk    clock.Clock
	dialer Dialer
	cb     Callbacks

	queue       *sendQueue
	reconnector *Reconnector

	// writeMu serializes socket writes so the post-join queue drain goes out
	// as a unit and a concurrent Send cannot slot in between queued frames.
	writeMu sync.Mutex

	mu             sync.Mutex
	state          State
	sock           Socket
	gen            uint64
	closed         bool
	clientID       uint64
	ctx            context.Context
	lastInbound    time.Time
	heartbeatTimer clock.Timer
	healthTimer    clock.Timer
}

// NewConnection creates a connection in StateDisconnected.
func NewConnection(cfg *Config, dialer Dialer, clk clock.Clock, cb Callbacks) *Connection {
	c := &Connection{
		cfg:    cfg,
		clk:    clk,
		dialer: dialer,
		cb:     cb,
		queue:  newSendQueue(cfg.QueueLimit),
		ctx:    context.Background(),
	}
	c.reconnector = NewReconnector(cfg.Reconnect, clk, c.redial, func(err error) {
		log.Printf("transport: giving up on %s: %v", cfg.Room, err)
		if cb.OnFatal != nil {
			cb.OnFatal(err)
		}
	})
	return c
}

// Connect starts the connection. The dial itself runs synchronously; a dial
// failure is returned and also retried with backoff, so callers may ignore
// the error and rely on OnFatal for the terminal outcome.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.closed = false
	c.ctx = ctx
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	c.reconnector.Reset()
	return c.dial()
}

// redial is the reconnector's attempt callback.
func (c *Connection) redial() {
	c.mu.Lock()
	if c.closed || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	if err := c.dial(); err != nil {
		log.Printf("transport: reconnect attempt %d failed: %v", c.reconnector.Attempts(), err)
	}
}

func (c *Connection) dial() error {
	c.mu.Lock()
	gen := c.gen
	ctx := c.ctx
	c.mu.Unlock()

	sock, err := c.dialer.Dial(ctx, c.cfg.URL)
	if err != nil {
		c.mu.Lock()
		if gen != c.gen || c.closed {
			c.mu.Unlock()
			return err
		}
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		c.reconnector.Schedule()
		return err
	}

	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		sock.Close()
		return errors.ErrClosed
	}
	c.sock = sock
	c.setStateLocked(StateJoining)
	c.mu.Unlock()

	join, err := protocol.EncodeControl(protocol.ControlEnvelope{
		Op:       protocol.OpJoin,
		RoomName: c.cfg.Room,
	})
	if err != nil {
		return err
	}
	if err := sock.WriteMessage(join); err != nil {
		c.handleSocketError(gen, err)
		return err
	}

	go c.readLoop(sock, gen)
	return nil
}

func (c *Connection) readLoop(sock Socket, gen uint64) {
	for {
		data, err := sock.ReadMessage()
		if err != nil {
			c.handleSocketError(gen, err)
			return
		}
		c.handleFrame(gen, data)
	}
}

func (c *Connection) handleFrame(gen uint64, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		// Malformed frames are skipped; the connection stays alive.
		switch {
		case goerrors.Is(err, errors.ErrUnknownType):
			metrics.ProtocolErrors.WithLabelValues("unknown_type").Inc()
		case goerrors.Is(err, errors.ErrTruncated):
			metrics.ProtocolErrors.WithLabelValues("truncated").Inc()
		default:
			metrics.ProtocolErrors.WithLabelValues("other").Inc()
		}
		log.Printf("transport: skipping malformed frame: %v", err)
		return
	}
	metrics.MessagesTotal.WithLabelValues(msg.Type.String(), "in").Inc()

	// Any well-formed inbound frame proves the socket is alive, so an idle
	// connection whose only traffic is heartbeat pongs stays healthy.
	c.mu.Lock()
	c.lastInbound = c.clk.Now()
	c.mu.Unlock()

	if msg.Type == protocol.MessageCustom {
		switch protocol.ControlOp(msg.Payload) {
		case protocol.OpJoinAck:
			env, err := protocol.DecodeControl(msg.Payload)
			if err != nil {
				log.Printf("transport: bad join ack: %v", err)
				return
			}
			c.onJoinAck(gen, env)
			return
		case protocol.OpPing, protocol.OpPong:
			return
		}
	}

	if c.cb.OnMessage != nil {
		c.cb.OnMessage(msg)
	}
}

// onJoinAck completes the two-phase handshake. Only the server's join
// acknowledgement carrying a client id makes the connection usable; a socket
// level connect alone never does.
func (c *Connection) onJoinAck(gen uint64, env protocol.ControlEnvelope) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateJoining {
		c.mu.Unlock()
		return
	}
	if env.Error != "" {
		sock := c.sock
		c.mu.Unlock()
		log.Printf("transport: join rejected for %s: %s", c.cfg.Room, env.Error)
		sock.Close()
		return
	}
	c.clientID = env.ClientID
	c.lastInbound = c.clk.Now()
	c.setStateLocked(StateConnected)
	sock := c.sock
	c.mu.Unlock()

	c.reconnector.Reset()

	// Order on entering Connected: AUTH, then the session's sync step-1 via
	// OnConnected, then the queued frames in FIFO order.
	if c.cfg.Token != "" {
		frame, err := protocol.EncodeAuth(c.cfg.Token)
		if err == nil {
			c.writeMu.Lock()
			err = sock.WriteMessage(frame)
			c.writeMu.Unlock()
			if err != nil {
				c.handleSocketError(gen, err)
				return
			}
			metrics.MessagesTotal.WithLabelValues(protocol.MessageAuth.String(), "out").Inc()
		}
	}
	if c.cb.OnConnected != nil {
		c.cb.OnConnected(env.ClientID)
	}
	// The drain holds the write lock for the whole flush: a Send racing this
	// loop waits until every previously queued frame is on the wire.
	c.writeMu.Lock()
	for _, data := range c.queue.drain() {
		if err := sock.WriteMessage(data); err != nil {
			c.writeMu.Unlock()
			c.handleSocketError(gen, err)
			return
		}
	}
	c.writeMu.Unlock()

	c.scheduleHeartbeat(gen)
	c.scheduleHealthCheck(gen)
}

// Send transmits a frame when connected, and queues it in FIFO order while
// the connection is down so it can be flushed on the next join ack.
func (c *Connection) Send(data []byte) error {
	c.mu.Lock()
	state := c.state
	sock := c.sock
	gen := c.gen
	c.mu.Unlock()

	if state == StateConnected && sock != nil {
		c.writeMu.Lock()
		err := sock.WriteMessage(data)
		c.writeMu.Unlock()
		if err != nil {
			c.queue.push(data)
			c.handleSocketError(gen, err)
			return err
		}
		return nil
	}

	if c.queue.push(data) {
		log.Printf("transport: outbound queue full, shed oldest frame (%v)", errors.ErrQueueOverflow)
	}
	return nil
}

// SendMessage encodes and sends a protocol message.
func (c *Connection) SendMessage(m protocol.Message) error {
	metrics.MessagesTotal.WithLabelValues(m.Type.String(), "out").Inc()
	return c.Send(protocol.Encode(m))
}

// Disconnect tears the connection down: it cancels every pending timer and
// any in-flight reconnection attempt, makes a best-effort flush of the
// outbound queue, then closes the socket. Idempotent and safe from any state.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.closed = true
	c.gen++
	c.stopTimersLocked()
	sock := c.sock
	c.sock = nil
	state := c.state
	c.mu.Unlock()

	c.reconnector.Cancel()

	if sock != nil {
		if state == StateConnected || state == StateDegraded {
			c.writeMu.Lock()
			for _, data := range c.queue.drain() {
				if sock.WriteMessage(data) != nil {
					break
				}
			}
			c.writeMu.Unlock()
		}
		sock.Close()
	}
	c.queue.clear()

	c.mu.Lock()
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()
}

// handleSocketError is the single path out of {Joining, Connected, Degraded}
// on close or error. Unexpected drops arm the reconnector.
func (c *Connection) handleSocketError(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.stopTimersLocked()
	if c.sock != nil {
		c.sock.Close()
		c.sock = nil
	}
	wasClosed := c.closed
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if !wasClosed {
		log.Printf("transport: connection to %s lost: %v", c.cfg.Room, err)
		c.reconnector.Schedule()
	}
}

func (c *Connection) scheduleHeartbeat(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.heartbeatTimer = c.clk.AfterFunc(c.cfg.HeartbeatInterval, func() { c.heartbeat(gen) })
	c.mu.Unlock()
}

func (c *Connection) heartbeat(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	sock := c.sock
	c.mu.Unlock()

	ping, err := protocol.EncodeControl(protocol.ControlEnvelope{Op: protocol.OpPing})
	if err == nil {
		c.writeMu.Lock()
		err = sock.WriteMessage(ping)
		c.writeMu.Unlock()
		if err != nil {
			c.handleSocketError(gen, err)
			return
		}
		metrics.HeartbeatsTotal.Inc()
	}
	if c.cb.OnHeartbeat != nil {
		c.cb.OnHeartbeat()
	}
	c.scheduleHeartbeat(gen)
}

func (c *Connection) scheduleHealthCheck(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.healthTimer = c.clk.AfterFunc(c.cfg.HealthCheckInterval, func() { c.healthCheck(gen) })
	c.mu.Unlock()
}

// healthCheck catches silently dead sockets that never fire a close event:
// prolonged inbound silence while nominally Connected degrades the connection
// and forces a reconnect cycle.
func (c *Connection) healthCheck(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	silence := c.clk.Now().Sub(c.lastInbound)
	if silence > c.cfg.SyncTimeoutThreshold {
		c.setStateLocked(StateDegraded)
		sock := c.sock
		c.mu.Unlock()
		log.Printf("transport: %s degraded (silent %v)", c.cfg.Room, silence)
		// Closing the socket routes through handleSocketError, which arms
		// the reconnector.
		sock.Close()
		return
	}
	c.mu.Unlock()
	c.scheduleHealthCheck(gen)
}

func (c *Connection) stopTimersLocked() {
	if c.heartbeatTimer != nil {
		c.heartbeatTimer.Stop()
		c.heartbeatTimer = nil
	}
	if c.healthTimer != nil {
		c.healthTimer.Stop()
		c.healthTimer = nil
	}
}

func (c *Connection) setStateLocked(s State) {
	if s == c.state {
		return
	}
	c.state = s
	metrics.ConnectionState.WithLabelValues(c.cfg.Room).Set(float64(s))
	if c.cb.OnStateChange != nil {
		c.cb.OnStateChange(s)
	}
}

// State returns the current connection state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ClientID returns the server-assigned id of the current connection. The id
// is transient: it changes across reconnects.
func (c *Connection) ClientID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// QueuedFrames reports the outbound queue depth.
func (c *Connection) QueuedFrames() int {
	return c.queue.len()
}

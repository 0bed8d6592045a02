// Package transport manages the client side of a sync connection: the
// connection state machine, the two-phase room-join handshake, the bounded
// outbound queue, reconnection backoff and liveness monitoring.
package transport

// State is the connection lifecycle state. There is no terminal state; a
// connection is always reconnectable.
type State int

const (
	// StateDisconnected is the initial state and the result of any close.
	StateDisconnected State = iota
	// StateConnecting means a socket dial is in flight.
	StateConnecting
	// StateJoining means the socket is open and the room-join request has
	// been sent, but no join acknowledgement has arrived yet. The
	// connection is not usable until the server assigns a client id.
	StateJoining
	// StateConnected means the join was acknowledged; the outbound queue
	// has been flushed and application traffic flows.
	StateConnected
	// StateDegraded means the socket is nominally open but the health
	// monitor detected silence beyond the sync timeout threshold.
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateJoining:
		return "joining"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	default:
		return "invalid"
	}
}

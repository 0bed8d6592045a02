// Package crdt defines the narrow capability interface the sync layer uses to
// drive a convergent replicated document, plus a last-writer-wins map document
// that serves as the default engine. The transport and session layers only
// ever see the Document interface, so the concrete engine is swappable.
package crdt

// Origin tags the transaction that produced an update, so subscribers can
// break re-entrant apply/broadcast loops by checking where a change came from.
type Origin string

const (
	// OriginLocal marks changes made by application code on this process.
	OriginLocal Origin = "local"
	// OriginRemote marks updates received from peers over the wire.
	OriginRemote Origin = "remote"
	// OriginOptimizer marks internally generated maintenance writes.
	OriginOptimizer Origin = "optimizer"
)

// Disposer cancels a subscription. Safe to call more than once.
type Disposer func()

// UpdateHandler observes encoded updates flowing out of a document along with
// the origin of the transaction that produced them.
type UpdateHandler func(update []byte, origin Origin)

// Document is the capability surface of a convergent replicated document.
// Implementations must guarantee strong eventual consistency: applying the
// same set of updates in any order, any number of times, yields equal state.
type Document interface {
	// Name returns the room/document GUID this document belongs to.
	Name() string

	// ApplyLocalChange applies an application-level change inside a
	// transaction tagged OriginLocal and notifies subscribers with the
	// resulting encoded update.
	ApplyLocalChange(change []byte) error

	// ApplyRemoteUpdate merges an encoded update from a peer inside a
	// transaction tagged OriginRemote.
	ApplyRemoteUpdate(update []byte) error

	// EncodeStateAsUpdate encodes the state missing from the replica
	// described by sinceVector. A nil vector encodes the full state.
	EncodeStateAsUpdate(sinceVector []byte) ([]byte, error)

	// StateVector returns this replica's compressed version summary, used
	// as the step-1 payload of the sync handshake.
	StateVector() ([]byte, error)

	// Subscribe registers a handler for outgoing updates. The returned
	// Disposer unregisters it.
	Subscribe(h UpdateHandler) Disposer
}

// JSONProjector is implemented by documents that can project their current
// state as JSON. The persistence export envelope uses it when available.
type JSONProjector interface {
	ProjectJSON() ([]byte, error)
}

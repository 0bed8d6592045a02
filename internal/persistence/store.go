// Package persistence provides durable local storage of document state plus
// retained point-in-time snapshots. The badger-backed store is the production
// implementation; the memory store is the degraded mode the system falls back
// to when storage fails, keeping the document usable.
package persistence

import (
	"time"

	"github.com/offbit-ai/zeal-sync/internal/crdt"
)

// Snapshot is a captured copy of document state.
type Snapshot struct {
	ID          string
	DocName     string
	Timestamp   time.Time
	StateUpdate []byte
	Metadata    map[string]string
	Size        int
}

// SnapshotInfo is the listing projection of a snapshot, without the state.
type SnapshotInfo struct {
	ID        string
	Timestamp time.Time
	Metadata  map[string]string
	Size      int
}

// Store is durable local storage keyed by document name.
type Store interface {
	// SaveDoc persists the full current state of doc.
	SaveDoc(doc crdt.Document) error
	// LoadDoc merges the persisted state for doc.Name into doc. Returns
	// ErrDocNotFound when nothing was persisted.
	LoadDoc(doc crdt.Document) error
	// SaveSnapshot captures the document state with metadata and enforces
	// retention: once the per-document count exceeds MaxSnapshots the
	// oldest are evicted first.
	SaveSnapshot(doc crdt.Document, metadata map[string]string) (Snapshot, error)
	// ListSnapshots returns snapshot listings sorted descending by timestamp.
	ListSnapshots(docName string) ([]SnapshotInfo, error)
	// LoadSnapshot fetches one retained snapshot by id.
	LoadSnapshot(docName, id string) (Snapshot, error)
	Close() error
}

// Config configures a store.
type Config struct {
	// Path is the data directory for the badger store.
	Path string
	// MaxSnapshots caps retained snapshots per document (default: 50)
	MaxSnapshots int
	// InMemory runs badger without disk files; used by tests.
	InMemory bool
}

// DefaultConfig returns sensible defaults for a data directory.
func DefaultConfig(path string) *Config {
	return &Config{
		Path:         path,
		MaxSnapshots: 50,
	}
}

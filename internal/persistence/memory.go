package persistence

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/offbit-ai/zeal-sync/internal/clock"
	"github.com/offbit-ai/zeal-sync/internal/crdt"
	"github.com/offbit-ai/zeal-sync/pkg/errors"
)

// MemoryStore is the degraded-mode Store used when durable storage fails or
// is unavailable. Nothing survives the process, but the document stays
// usable and retention semantics match the badger store.
type MemoryStore struct {
	clk          clock.Clock
	maxSnapshots int

	mu    sync.Mutex
	docs  map[string][]byte
	snaps map[string][]Snapshot
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(maxSnapshots int, clk clock.Clock) *MemoryStore {
	if maxSnapshots <= 0 {
		maxSnapshots = 50
	}
	return &MemoryStore{
		clk:          clk,
		maxSnapshots: maxSnapshots,
		docs:         make(map[string][]byte),
		snaps:        make(map[string][]Snapshot),
	}
}

func (s *MemoryStore) SaveDoc(doc crdt.Document) error {
	state, err := doc.EncodeStateAsUpdate(nil)
	if err != nil {
		return fmt.Errorf("encode state of %s: %w", doc.Name(), err)
	}
	s.mu.Lock()
	s.docs[doc.Name()] = state
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) LoadDoc(doc crdt.Document) error {
	s.mu.Lock()
	state, ok := s.docs[doc.Name()]
	s.mu.Unlock()
	if !ok {
		return errors.ErrDocNotFound
	}
	return doc.ApplyRemoteUpdate(state)
}

func (s *MemoryStore) SaveSnapshot(doc crdt.Document, metadata map[string]string) (Snapshot, error) {
	state, err := doc.EncodeStateAsUpdate(nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("encode state of %s: %w", doc.Name(), err)
	}
	snap := Snapshot{
		ID:          uuid.NewString(),
		DocName:     doc.Name(),
		Timestamp:   s.clk.Now(),
		StateUpdate: state,
		Metadata:    metadata,
		Size:        len(state),
	}

	s.mu.Lock()
	list := append(s.snaps[doc.Name()], snap)
	sort.Slice(list, func(i, j int) bool { return list[i].Timestamp.Before(list[j].Timestamp) })
	if len(list) > s.maxSnapshots {
		list = list[len(list)-s.maxSnapshots:]
	}
	s.snaps[doc.Name()] = list
	s.mu.Unlock()
	return snap, nil
}

func (s *MemoryStore) ListSnapshots(docName string) ([]SnapshotInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.snaps[docName]
	infos := make([]SnapshotInfo, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		infos = append(infos, SnapshotInfo{
			ID:        list[i].ID,
			Timestamp: list[i].Timestamp,
			Metadata:  list[i].Metadata,
			Size:      list[i].Size,
		})
	}
	return infos, nil
}

func (s *MemoryStore) LoadSnapshot(docName, id string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snap := range s.snaps[docName] {
		if snap.ID == id {
			return snap, nil
		}
	}
	return Snapshot{}, errors.ErrSnapshotNotFound
}

func (s *MemoryStore) Close() error { return nil }

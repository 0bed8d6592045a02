package migration

import (
	"encoding/json"
	goerrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/offbit-ai/zeal-sync/internal/crdt"
	"github.com/offbit-ai/zeal-sync/internal/persistence"
	"github.com/offbit-ai/zeal-sync/pkg/errors"
)

// Replicated document key layout for a workflow:
//
//	meta        JSON {id, name, updatedAt}
//	node/<id>   JSON Node
//	conn/<id>   JSON Connection
const (
	metaKey    = "meta"
	nodePrefix = "node/"
	connPrefix = "conn/"
)

type workflowMeta struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ReplicatedStore projects workflows onto replicated documents backed by the
// persistence layer, one document per workflow id.
type ReplicatedStore struct {
	store persistence.Store

	mu   sync.Mutex
	docs map[string]*crdt.LWWDoc
}

// NewReplicatedStore creates a store over the given persistence backend.
func NewReplicatedStore(store persistence.Store) *ReplicatedStore {
	return &ReplicatedStore{
		store: store,
		docs:  make(map[string]*crdt.LWWDoc),
	}
}

// doc returns the cached document for a workflow id, loading persisted state
// on first access.
func (s *ReplicatedStore) doc(id string) (*crdt.LWWDoc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if doc, ok := s.docs[id]; ok {
		return doc, nil
	}
	doc := crdt.NewLWWDoc(id)
	if err := s.store.LoadDoc(doc); err != nil && !goerrors.Is(err, errors.ErrDocNotFound) {
		return nil, err
	}
	s.docs[id] = doc
	return doc, nil
}

// Write converts a workflow into its document representation and persists it.
// Elements absent from w are tombstoned so stale nodes do not linger.
func (s *ReplicatedStore) Write(w *Workflow) error {
	doc, err := s.doc(w.ID)
	if err != nil {
		return err
	}

	changes, err := workflowChanges(doc, w)
	if err != nil {
		return err
	}
	payload, err := crdt.EncodeChanges(changes)
	if err != nil {
		return err
	}
	if err := doc.ApplyLocalChange(payload); err != nil {
		return fmt.Errorf("apply workflow %s: %w", w.ID, err)
	}
	if err := s.store.SaveDoc(doc); err != nil {
		return fmt.Errorf("persist workflow %s: %w", w.ID, err)
	}
	return nil
}

// Read reconstructs a workflow from its document representation.
func (s *ReplicatedStore) Read(id string) (*Workflow, error) {
	doc, err := s.doc(id)
	if err != nil {
		return nil, err
	}

	metaData, ok := doc.Get(metaKey)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrRecordNotFound, id)
	}
	var meta workflowMeta
	if err := json.Unmarshal(metaData, &meta); err != nil {
		return nil, fmt.Errorf("decode workflow %s meta: %w", id, err)
	}

	w := &Workflow{ID: meta.ID, Name: meta.Name, UpdatedAt: meta.UpdatedAt}
	for _, key := range doc.Keys() {
		value, ok := doc.Get(key)
		if !ok {
			continue
		}
		switch {
		case strings.HasPrefix(key, nodePrefix):
			var n Node
			if err := json.Unmarshal(value, &n); err != nil {
				return nil, fmt.Errorf("decode node %s of %s: %w", key, id, err)
			}
			w.Nodes = append(w.Nodes, n)
		case strings.HasPrefix(key, connPrefix):
			var c Connection
			if err := json.Unmarshal(value, &c); err != nil {
				return nil, fmt.Errorf("decode connection %s of %s: %w", key, id, err)
			}
			w.Connections = append(w.Connections, c)
		}
	}
	return w, nil
}

// Doc exposes the underlying replicated document for a workflow, so callers
// can attach it to a live sync session.
func (s *ReplicatedStore) Doc(id string) (crdt.Document, error) {
	return s.doc(id)
}

// workflowChanges computes the change set that makes doc represent w,
// including tombstones for elements that disappeared.
func workflowChanges(doc *crdt.LWWDoc, w *Workflow) ([]crdt.Change, error) {
	meta, err := json.Marshal(workflowMeta{ID: w.ID, Name: w.Name, UpdatedAt: w.UpdatedAt})
	if err != nil {
		return nil, fmt.Errorf("marshal workflow %s meta: %w", w.ID, err)
	}
	changes := []crdt.Change{{Key: metaKey, Value: meta}}

	live := make(map[string]struct{}, len(w.Nodes)+len(w.Connections))
	for _, n := range w.Nodes {
		data, err := json.Marshal(n)
		if err != nil {
			return nil, fmt.Errorf("marshal node %s: %w", n.ID, err)
		}
		key := nodePrefix + n.ID
		live[key] = struct{}{}
		changes = append(changes, crdt.Change{Key: key, Value: data})
	}
	for _, c := range w.Connections {
		data, err := json.Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("marshal connection %s: %w", c.ID, err)
		}
		key := connPrefix + c.ID
		live[key] = struct{}{}
		changes = append(changes, crdt.Change{Key: key, Value: data})
	}

	for _, key := range doc.Keys() {
		if key == metaKey {
			continue
		}
		if _, ok := live[key]; !ok {
			changes = append(changes, crdt.Change{Key: key, Delete: true})
		}
	}
	return changes, nil
}

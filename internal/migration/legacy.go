package migration

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/offbit-ai/zeal-sync/pkg/errors"
)

// Node is one workflow graph node in the legacy schema.
type Node struct {
	ID      string  `json:"id"`
	Type    string  `json:"type"`
	Label   string  `json:"label"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	GraphID string  `json:"graphId"`
}

// Connection is one edge between workflow nodes in the legacy schema.
type Connection struct {
	ID       string `json:"id"`
	SourceID string `json:"sourceId"`
	TargetID string `json:"targetId"`
	GraphID  string `json:"graphId"`
}

// Workflow is a legacy workflow record.
type Workflow struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Nodes       []Node       `json:"nodes"`
	Connections []Connection `json:"connections"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

var workflowBucket = []byte("workflows")

// LegacyStore is the pre-CRDT workflow store, a single bbolt bucket of JSON
// records keyed by workflow id.
type LegacyStore struct {
	db *bolt.DB
}

// OpenLegacyStore opens (or creates) the legacy database file.
func OpenLegacyStore(path string) (*LegacyStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open legacy store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(workflowBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init legacy store: %w", err)
	}
	return &LegacyStore{db: db}, nil
}

// Get fetches one workflow by id.
func (s *LegacyStore) Get(id string) (*Workflow, error) {
	var w Workflow
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(workflowBucket).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &w)
	})
	if err != nil {
		return nil, fmt.Errorf("read legacy record %s: %w", id, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", errors.ErrRecordNotFound, id)
	}
	return &w, nil
}

// Put writes one workflow.
func (s *LegacyStore) Put(w *Workflow) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal legacy record %s: %w", w.ID, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(workflowBucket).Put([]byte(w.ID), data)
	})
	if err != nil {
		return fmt.Errorf("write legacy record %s: %w", w.ID, err)
	}
	return nil
}

// Delete removes one workflow.
func (s *LegacyStore) Delete(id string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(workflowBucket).Delete([]byte(id))
	})
	if err != nil {
		return fmt.Errorf("delete legacy record %s: %w", id, err)
	}
	return nil
}

// ListIDs returns every stored workflow id.
func (s *LegacyStore) ListIDs() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(workflowBucket).ForEach(func(k, v []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list legacy records: %w", err)
	}
	return ids, nil
}

// Close closes the database file.
func (s *LegacyStore) Close() error {
	return s.db.Close()
}

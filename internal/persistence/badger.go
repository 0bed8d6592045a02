package persistence

import (
	"bytes"
	"encoding/gob"
	goerrors "errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/offbit-ai/zeal-sync/internal/clock"
	"github.com/offbit-ai/zeal-sync/internal/crdt"
	"github.com/offbit-ai/zeal-sync/internal/metrics"
	"github.com/offbit-ai/zeal-sync/pkg/errors"
)

// Key layout:
//
//	doc/<name>                      latest full state update
//	snap/<name>/<padded-nanos>/<id> one retained snapshot
//
// Snapshot keys embed a zero-padded timestamp so badger's key order is
// chronological and oldest-first eviction is a prefix scan.
type BadgerStore struct {
	db           *badger.DB
	clk          clock.Clock
	maxSnapshots int
}

// NewBadgerStore opens the store at cfg.Path.
func NewBadgerStore(cfg *Config, clk clock.Clock) (*BadgerStore, error) {
	opts := badger.DefaultOptions(cfg.Path).WithLogger(nil)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", cfg.Path, err)
	}
	max := cfg.MaxSnapshots
	if max <= 0 {
		max = 50
	}
	return &BadgerStore{db: db, clk: clk, maxSnapshots: max}, nil
}

func docKey(name string) []byte { return []byte("doc/" + name) }

func snapPrefix(name string) []byte { return []byte("snap/" + name + "/") }

func snapKey(name string, s Snapshot) []byte {
	return []byte(fmt.Sprintf("snap/%s/%020d/%s", name, s.Timestamp.UnixNano(), s.ID))
}

func (s *BadgerStore) SaveDoc(doc crdt.Document) error {
	state, err := doc.EncodeStateAsUpdate(nil)
	if err != nil {
		return fmt.Errorf("encode state of %s: %w", doc.Name(), err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(docKey(doc.Name()), state)
	})
	if err != nil {
		return fmt.Errorf("save doc %s: %w", doc.Name(), err)
	}
	return nil
}

func (s *BadgerStore) LoadDoc(doc crdt.Document) error {
	var state []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(docKey(doc.Name()))
		if err != nil {
			return err
		}
		state, err = item.ValueCopy(nil)
		return err
	})
	if goerrors.Is(err, badger.ErrKeyNotFound) {
		return errors.ErrDocNotFound
	}
	if err != nil {
		return fmt.Errorf("load doc %s: %w", doc.Name(), err)
	}
	return doc.ApplyRemoteUpdate(state)
}

func (s *BadgerStore) SaveSnapshot(doc crdt.Document, metadata map[string]string) (Snapshot, error) {
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

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return Snapshot{}, fmt.Errorf("encode snapshot: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapKey(doc.Name(), snap), buf.Bytes())
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("save snapshot of %s: %w", doc.Name(), err)
	}
	metrics.SnapshotsTotal.WithLabelValues("save").Inc()

	if err := s.enforceRetention(doc.Name()); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// enforceRetention deletes oldest-first until the per-document snapshot count
// is back at the limit.
func (s *BadgerStore) enforceRetention(docName string) error {
	prefix := snapPrefix(docName)

	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan snapshots of %s: %w", docName, err)
	}
	if len(keys) <= s.maxSnapshots {
		return nil
	}

	evict := keys[:len(keys)-s.maxSnapshots]
	err = s.db.Update(func(txn *badger.Txn) error {
		for _, key := range evict {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("evict snapshots of %s: %w", docName, err)
	}
	metrics.SnapshotsTotal.WithLabelValues("evict").Add(float64(len(evict)))
	return nil
}

func (s *BadgerStore) ListSnapshots(docName string) ([]SnapshotInfo, error) {
	prefix := snapPrefix(docName)

	var infos []SnapshotInfo
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var snap Snapshot
			err := it.Item().Value(func(val []byte) error {
				return gob.NewDecoder(bytes.NewReader(val)).Decode(&snap)
			})
			if err != nil {
				return err
			}
			infos = append(infos, SnapshotInfo{
				ID:        snap.ID,
				Timestamp: snap.Timestamp,
				Metadata:  snap.Metadata,
				Size:      snap.Size,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list snapshots of %s: %w", docName, err)
	}

	// Keys iterate oldest-first; the listing API is newest-first.
	for i, j := 0, len(infos)-1; i < j; i, j = i+1, j-1 {
		infos[i], infos[j] = infos[j], infos[i]
	}
	return infos, nil
}

func (s *BadgerStore) LoadSnapshot(docName, id string) (Snapshot, error) {
	prefix := snapPrefix(docName)

	var snap Snapshot
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key())
			if !strings.HasSuffix(key, "/"+id) {
				continue
			}
			found = true
			return it.Item().Value(func(val []byte) error {
				return gob.NewDecoder(bytes.NewReader(val)).Decode(&snap)
			})
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot %s of %s: %w", id, docName, err)
	}
	if !found {
		return Snapshot{}, errors.ErrSnapshotNotFound
	}
	metrics.SnapshotsTotal.WithLabelValues("restore").Inc()
	return snap, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

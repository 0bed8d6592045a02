package identity

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var kvBucket = []byte("identity")

// BoltKV is a bbolt-backed KV for identity storage.
type BoltKV struct {
	db *bolt.DB
}

// OpenBoltKV opens (or creates) the identity database file.
func OpenBoltKV(path string) (*BoltKV, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open identity store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(kvBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init identity store: %w", err)
	}
	return &BoltKV{db: db}, nil
}

func (s *BoltKV) Get(key string) ([]byte, bool, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(kvBucket).Get([]byte(key))
		if data != nil {
			out = make([]byte, len(data))
			copy(out, data)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

func (s *BoltKV) Put(key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(kvBucket).Put([]byte(key), value)
	})
}

func (s *BoltKV) Close() error {
	return s.db.Close()
}

package crdt

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Change is one application-level mutation of an LWW map document. A slice of
// Changes, gob-encoded, is the payload accepted by ApplyLocalChange.
type Change struct {
	Key    string
	Value  []byte
	Delete bool
}

// EncodeChanges serializes changes into an ApplyLocalChange payload.
func EncodeChanges(changes []Change) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(changes); err != nil {
		return nil, fmt.Errorf("encode changes: %w", err)
	}
	return buf.Bytes(), nil
}

// entry is one versioned register of the LWW map. Concurrent writes to the
// same key resolve by (Wall, Actor, Seq) ordering, which is total and
// therefore commutative under merge.
type entry struct {
	Key     string
	Value   []byte
	Deleted bool
	Actor   string
	Seq     uint64
	Wall    int64
}

func (e entry) wins(other entry) bool {
	if e.Wall != other.Wall {
		return e.Wall > other.Wall
	}
	if e.Actor != other.Actor {
		return e.Actor > other.Actor
	}
	// Same actor, same wall nanosecond: the sequence number orders writes
	// within a batch and across back-to-back calls.
	return e.Seq > other.Seq
}

// LWWDoc is a last-writer-wins map document implementing Document. It is the
// in-process default engine used by the server, the migration converter and
// the tests. Safe for concurrent use.
type LWWDoc struct {
	mu      sync.RWMutex
	name    string
	actor   string
	seq     uint64
	entries map[string]entry
	vector  map[string]uint64
	subs    map[int]UpdateHandler
	nextSub int
	now     func() time.Time
}

// NewLWWDoc creates an empty document for the named room with a fresh actor id.
func NewLWWDoc(name string) *LWWDoc {
	return &LWWDoc{
		name:    name,
		actor:   uuid.NewString(),
		entries: make(map[string]entry),
		vector:  make(map[string]uint64),
		subs:    make(map[int]UpdateHandler),
		now:     time.Now,
	}
}

func (d *LWWDoc) Name() string { return d.name }

// Set applies a single key write as a local change.
func (d *LWWDoc) Set(key string, value []byte) error {
	payload, err := EncodeChanges([]Change{{Key: key, Value: value}})
	if err != nil {
		return err
	}
	return d.ApplyLocalChange(payload)
}

// Delete applies a single key removal as a local change. Deletions keep a
// tombstone so they win over concurrent stale writes.
func (d *LWWDoc) Delete(key string) error {
	payload, err := EncodeChanges([]Change{{Key: key, Delete: true}})
	if err != nil {
		return err
	}
	return d.ApplyLocalChange(payload)
}

func (d *LWWDoc) ApplyLocalChange(change []byte) error {
	var changes []Change
	if err := gob.NewDecoder(bytes.NewReader(change)).Decode(&changes); err != nil {
		return fmt.Errorf("decode changes: %w", err)
	}

	d.mu.Lock()
	wall := d.now().UnixNano()
	produced := make([]entry, 0, len(changes))
	for _, c := range changes {
		d.seq++
		e := entry{
			Key:     c.Key,
			Value:   c.Value,
			Deleted: c.Delete,
			Actor:   d.actor,
			Seq:     d.seq,
			Wall:    wall,
		}
		d.applyEntryLocked(e)
		produced = append(produced, e)
	}
	update, err := encodeEntries(produced)
	handlers := d.handlersLocked()
	d.mu.Unlock()

	if err != nil {
		return err
	}
	for _, h := range handlers {
		h(update, OriginLocal)
	}
	return nil
}

func (d *LWWDoc) ApplyRemoteUpdate(update []byte) error {
	entries, err := decodeEntries(update)
	if err != nil {
		return err
	}

	d.mu.Lock()
	for _, e := range entries {
		d.applyEntryLocked(e)
	}
	handlers := d.handlersLocked()
	d.mu.Unlock()

	for _, h := range handlers {
		h(update, OriginRemote)
	}
	return nil
}

// applyEntryLocked merges one entry. The version vector advances even for
// losing entries: having seen an entry is what the vector records.
func (d *LWWDoc) applyEntryLocked(e entry) {
	if e.Seq > d.vector[e.Actor] {
		d.vector[e.Actor] = e.Seq
	}
	cur, ok := d.entries[e.Key]
	if !ok || e.wins(cur) {
		d.entries[e.Key] = e
	}
}

func (d *LWWDoc) EncodeStateAsUpdate(sinceVector []byte) ([]byte, error) {
	since := make(map[string]uint64)
	if len(sinceVector) > 0 {
		if err := gob.NewDecoder(bytes.NewReader(sinceVector)).Decode(&since); err != nil {
			return nil, fmt.Errorf("decode state vector: %w", err)
		}
	}

	d.mu.RLock()
	missing := make([]entry, 0)
	for _, e := range d.entries {
		if e.Seq > since[e.Actor] {
			missing = append(missing, e)
		}
	}
	d.mu.RUnlock()

	sort.Slice(missing, func(i, j int) bool { return missing[i].Key < missing[j].Key })
	return encodeEntries(missing)
}

func (d *LWWDoc) StateVector() ([]byte, error) {
	d.mu.RLock()
	vec := make(map[string]uint64, len(d.vector))
	for k, v := range d.vector {
		vec[k] = v
	}
	d.mu.RUnlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(vec); err != nil {
		return nil, fmt.Errorf("encode state vector: %w", err)
	}
	return buf.Bytes(), nil
}

func (d *LWWDoc) Subscribe(h UpdateHandler) Disposer {
	d.mu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = h
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subs, id)
			d.mu.Unlock()
		})
	}
}

func (d *LWWDoc) handlersLocked() []UpdateHandler {
	handlers := make([]UpdateHandler, 0, len(d.subs))
	for _, h := range d.subs {
		handlers = append(handlers, h)
	}
	return handlers
}

// Get returns the current value of a key, if present and not deleted.
func (d *LWWDoc) Get(key string) ([]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[key]
	if !ok || e.Deleted {
		return nil, false
	}
	return e.Value, true
}

// Keys returns the live (non-tombstoned) keys in sorted order.
func (d *LWWDoc) Keys() []string {
	d.mu.RLock()
	keys := make([]string, 0, len(d.entries))
	for k, e := range d.entries {
		if !e.Deleted {
			keys = append(keys, k)
		}
	}
	d.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// ProjectJSON renders the live keys as a JSON object. Values that already are
// valid JSON embed as-is; anything else embeds as a JSON string.
func (d *LWWDoc) ProjectJSON() ([]byte, error) {
	d.mu.RLock()
	projection := make(map[string]json.RawMessage, len(d.entries))
	for k, e := range d.entries {
		if e.Deleted {
			continue
		}
		if json.Valid(e.Value) {
			projection[k] = json.RawMessage(e.Value)
			continue
		}
		quoted, err := json.Marshal(string(e.Value))
		if err != nil {
			d.mu.RUnlock()
			return nil, err
		}
		projection[k] = quoted
	}
	d.mu.RUnlock()
	return json.Marshal(projection)
}

func encodeEntries(entries []entry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entries); err != nil {
		return nil, fmt.Errorf("encode update: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeEntries(update []byte) ([]entry, error) {
	var entries []entry
	if err := gob.NewDecoder(bytes.NewReader(update)).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode update: %w", err)
	}
	return entries, nil
}

// Package server implements the sync server: a WebSocket endpoint that
// assigns client ids, answers the sync handshake from a server-side replica
// of each room document, and fans awareness out to room members.
package server

import (
	goerrors "errors"
	"log"
	"sync"
	"sync/atomic"

	"github.com/offbit-ai/zeal-sync/internal/awareness"
	"github.com/offbit-ai/zeal-sync/internal/clock"
	"github.com/offbit-ai/zeal-sync/internal/crdt"
	"github.com/offbit-ai/zeal-sync/internal/metrics"
	"github.com/offbit-ai/zeal-sync/internal/persistence"
	"github.com/offbit-ai/zeal-sync/pkg/errors"
)

// Hub owns the rooms. Client ids are assigned from one process-wide counter
// so they are unique across rooms too.
type Hub struct {
	clk   clock.Clock
	store persistence.Store // nil means no durability

	nextClientID atomic.Uint64

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewHub creates a hub. store may be nil for a memory-only server.
func NewHub(store persistence.Store, clk clock.Clock) *Hub {
	return &Hub{
		clk:   clk,
		store: store,
		rooms: make(map[string]*Room),
	}
}

// Room is one shared document with its members and their presence.
type Room struct {
	name string
	hub  *Hub

	doc   *crdt.LWWDoc
	saver *persistence.Autosaver

	mu      sync.Mutex
	clients map[uint64]*client
	states  map[uint64]awareness.State
}

// room returns the named room, creating it on first join and loading any
// persisted document state.
func (h *Hub) room(name string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.rooms[name]; ok {
		return r
	}
	r := &Room{
		name:    name,
		hub:     h,
		doc:     crdt.NewLWWDoc(name),
		clients: make(map[uint64]*client),
		states:  make(map[uint64]awareness.State),
	}
	if h.store != nil {
		if err := h.store.LoadDoc(r.doc); err != nil && !goerrors.Is(err, errors.ErrDocNotFound) {
			log.Printf("server: load room %s: %v", name, err)
		}
		r.saver = persistence.NewAutosaver(h.store, r.doc, h.clk, 0)
	}
	h.rooms[name] = r
	return r
}

// Close stops room autosavers and flushes unsaved state.
func (h *Hub) Close() {
	h.mu.Lock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	for _, r := range rooms {
		if r.saver != nil {
			r.saver.Stop()
		}
	}
}

// join registers a new client and returns its assigned id.
func (r *Room) join(c *client) uint64 {
	id := r.hub.nextClientID.Add(1)
	r.mu.Lock()
	r.clients[id] = c
	count := len(r.clients)
	r.mu.Unlock()

	metrics.RoomClients.WithLabelValues(r.name).Set(float64(count))
	log.Printf("server: client %d joined %s (%d present)", id, r.name, count)
	return id
}

// leave unregisters a client and tells the remaining members that its
// presence is gone. This explicit signal is the only thing that removes a
// presence entry; staleness alone never does.
func (r *Room) leave(id uint64) {
	r.mu.Lock()
	if _, ok := r.clients[id]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.clients, id)
	delete(r.states, id)
	count := len(r.clients)
	r.mu.Unlock()

	metrics.RoomClients.WithLabelValues(r.name).Set(float64(count))
	log.Printf("server: client %d left %s (%d present)", id, r.name, count)

	payload, err := awareness.EncodeDelta(awareness.Delta{Removed: []uint64{id}})
	if err != nil {
		return
	}
	r.broadcastAwareness(0, payload)
}

// broadcast sends a frame to every client except the sender.
func (r *Room) broadcast(from uint64, frame []byte) {
	r.mu.Lock()
	targets := make([]*client, 0, len(r.clients))
	for id, c := range r.clients {
		if id != from {
			targets = append(targets, c)
		}
	}
	r.mu.Unlock()

	for _, c := range targets {
		c.enqueue(frame)
	}
}

// mergeAwareness folds a client's delta into the room state before fan-out,
// so late joiners can query the full picture.
func (r *Room) mergeAwareness(from uint64, delta awareness.Delta) {
	r.mu.Lock()
	for id, st := range delta.Updated {
		r.states[id] = st
	}
	for _, id := range delta.Removed {
		delete(r.states, id)
	}
	r.mu.Unlock()
}

func (r *Room) broadcastAwareness(from uint64, payload []byte) {
	frame := encodeAwarenessFrame(payload)
	r.broadcast(from, frame)
}

// fullAwareness snapshots every known presence entry for QUERY_AWARENESS.
func (r *Room) fullAwareness() awareness.Delta {
	r.mu.Lock()
	defer r.mu.Unlock()
	updated := make(map[uint64]awareness.State, len(r.states))
	for id, st := range r.states {
		updated[id] = st
	}
	return awareness.Delta{Updated: updated}
}

// Package awareness maintains ephemeral per-client presence state (cursor,
// selection, identity) and propagates it as AWARENESS messages. Corrupt or
// malformed payloads are dropped without failing the connection.
package awareness

import (
	"encoding/json"
	"fmt"
	"time"
)

// Cursor is a pointer position on a graph canvas.
type Cursor struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	GraphID string  `json:"graphId"`
}

// Selection is the set of graph elements a client has selected.
type Selection struct {
	NodeIDs       []string `json:"nodeIds"`
	ConnectionIDs []string `json:"connectionIds"`
	GraphID       string   `json:"graphId"`
}

// State is one client's presence. Keyed by the transient client id; the
// stable identity is UserID.
type State struct {
	UserID        string     `json:"userId"`
	UserName      string     `json:"userName"`
	UserColor     string     `json:"userColor"`
	Cursor        *Cursor    `json:"cursor,omitempty"`
	Selection     *Selection `json:"selection,omitempty"`
	ActiveGraphID string     `json:"activeGraphId,omitempty"`
	IsActive      bool       `json:"isActive"`
	LastSeen      time.Time  `json:"lastSeen"`
}

// Delta is the additive awareness update exchanged on the wire: client states
// that appeared or changed, and client ids that explicitly left. Staleness
// never produces a Removed entry; only a disconnect/leave signal does.
type Delta struct {
	Updated map[uint64]State `json:"updated,omitempty"`
	Removed []uint64         `json:"removed,omitempty"`
}

// EncodeDelta serializes a delta to its wire payload.
func EncodeDelta(d Delta) ([]byte, error) {
	payload, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode awareness delta: %w", err)
	}
	return payload, nil
}

// DecodeDelta parses a wire payload.
func DecodeDelta(payload []byte) (Delta, error) {
	var d Delta
	if err := json.Unmarshal(payload, &d); err != nil {
		return Delta{}, fmt.Errorf("decode awareness delta: %w", err)
	}
	return d, nil
}

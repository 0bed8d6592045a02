// Package identity resolves who this client is. Identity is supplied
// explicitly at construction and backed by an injected key-value store,
// never by ambient process state.
package identity

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Identity is the stable user identity attached to presence and auth.
type Identity struct {
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	UserColor string `json:"userColor"`
	Token     string `json:"token,omitempty"`
}

// Provider resolves the local identity.
type Provider interface {
	Identity() (Identity, error)
}

// KV is the minimal key-value surface the store-backed provider needs.
type KV interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
}

// Static is a fixed identity, for tests and flag-driven CLI use.
type Static struct {
	ID Identity
}

func (s Static) Identity() (Identity, error) { return s.ID, nil }

const identityKey = "identity"

// userColors is the palette assigned to fresh identities.
var userColors = []string{
	"#e06c75", "#61afef", "#98c379", "#c678dd",
	"#d19a66", "#56b6c2", "#be5046", "#528bff",
}

// StoreProvider persists a generated identity in a KV store so the same user
// id survives restarts.
type StoreProvider struct {
	kv KV
}

// NewStoreProvider creates a provider over kv.
func NewStoreProvider(kv KV) *StoreProvider {
	return &StoreProvider{kv: kv}
}

func (p *StoreProvider) Identity() (Identity, error) {
	data, ok, err := p.kv.Get(identityKey)
	if err != nil {
		return Identity{}, fmt.Errorf("read identity: %w", err)
	}
	if ok {
		var id Identity
		if err := json.Unmarshal(data, &id); err == nil && id.UserID != "" {
			return id, nil
		}
		// Unreadable stored identity: regenerate below.
	}

	id := generate()
	data, err = json.Marshal(id)
	if err != nil {
		return Identity{}, fmt.Errorf("marshal identity: %w", err)
	}
	if err := p.kv.Put(identityKey, data); err != nil {
		return Identity{}, fmt.Errorf("persist identity: %w", err)
	}
	return id, nil
}

func generate() Identity {
	userID := uuid.NewString()
	short := userID[:8]
	var sum int
	for _, b := range []byte(userID) {
		sum += int(b)
	}
	return Identity{
		UserID:    userID,
		UserName:  "user-" + short,
		UserColor: userColors[sum%len(userColors)],
	}
}

package identity

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreProviderGeneratesOnce(t *testing.T) {
	kv, err := OpenBoltKV(filepath.Join(t.TempDir(), "identity.db"))
	require.NoError(t, err)
	defer kv.Close()

	p := NewStoreProvider(kv)
	first, err := p.Identity()
	require.NoError(t, err)
	assert.NotEmpty(t, first.UserID)
	assert.NotEmpty(t, first.UserName)
	assert.NotEmpty(t, first.UserColor)

	second, err := p.Identity()
	require.NoError(t, err)
	assert.Equal(t, first, second, "the generated identity is stable")
}

func TestStoreProviderSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.db")

	kv, err := OpenBoltKV(path)
	require.NoError(t, err)
	first, err := NewStoreProvider(kv).Identity()
	require.NoError(t, err)
	require.NoError(t, kv.Close())

	kv, err = OpenBoltKV(path)
	require.NoError(t, err)
	defer kv.Close()
	second, err := NewStoreProvider(kv).Identity()
	require.NoError(t, err)
	assert.Equal(t, first.UserID, second.UserID, "identity survives restarts")
}

func TestStoreProviderRegeneratesCorruptRecord(t *testing.T) {
	kv, err := OpenBoltKV(filepath.Join(t.TempDir(), "identity.db"))
	require.NoError(t, err)
	defer kv.Close()

	require.NoError(t, kv.Put("identity", []byte("not json")))
	id, err := NewStoreProvider(kv).Identity()
	require.NoError(t, err)
	assert.NotEmpty(t, id.UserID)
}

func TestStaticProvider(t *testing.T) {
	want := Identity{UserID: "u1", UserName: "Alice", UserColor: "#fff", Token: "tok"}
	got, err := Static{ID: want}.Identity()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

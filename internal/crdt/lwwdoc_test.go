package crdt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedTime pins a document's wall clock so concurrent-write outcomes are
// reproducible.
func fixedTime(d *LWWDoc, t time.Time) {
	d.now = func() time.Time { return t }
}

func TestSetGetDelete(t *testing.T) {
	doc := NewLWWDoc("room")

	require.NoError(t, doc.Set("title", []byte(`"draft"`)))
	v, ok := doc.Get("title")
	require.True(t, ok)
	assert.Equal(t, `"draft"`, string(v))

	require.NoError(t, doc.Delete("title"))
	_, ok = doc.Get("title")
	assert.False(t, ok)
	assert.Empty(t, doc.Keys())
}

func TestSubscribeOriginTagging(t *testing.T) {
	a := NewLWWDoc("room")
	b := NewLWWDoc("room")

	var origins []Origin
	var updates [][]byte
	dispose := a.Subscribe(func(update []byte, origin Origin) {
		origins = append(origins, origin)
		updates = append(updates, update)
	})

	require.NoError(t, a.Set("k", []byte("1")))
	require.Len(t, origins, 1)
	assert.Equal(t, OriginLocal, origins[0])

	// Feed a's update into b and b's resulting update back into a.
	require.NoError(t, b.ApplyRemoteUpdate(updates[0]))
	require.NoError(t, a.ApplyRemoteUpdate(updates[0]))
	require.Len(t, origins, 2)
	assert.Equal(t, OriginRemote, origins[1])

	dispose()
	dispose() // disposing twice is harmless
	require.NoError(t, a.Set("k", []byte("2")))
	assert.Len(t, origins, 2, "disposed subscriber sees nothing")
}

func TestBatchKeepsLastWriteToSameKey(t *testing.T) {
	doc := NewLWWDoc("room")
	fixedTime(doc, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	// Both changes carry the same wall time and actor; the later one wins.
	payload, err := EncodeChanges([]Change{
		{Key: "k", Value: []byte(`"first"`)},
		{Key: "k", Value: []byte(`"second"`)},
	})
	require.NoError(t, err)
	require.NoError(t, doc.ApplyLocalChange(payload))

	v, ok := doc.Get("k")
	require.True(t, ok)
	assert.Equal(t, `"second"`, string(v))

	// Back-to-back writes landing in one wall nanosecond resolve the same way.
	require.NoError(t, doc.Set("k", []byte(`"third"`)))
	require.NoError(t, doc.Set("k", []byte(`"fourth"`)))
	v, ok = doc.Get("k")
	require.True(t, ok)
	assert.Equal(t, `"fourth"`, string(v))
}

func TestConvergenceIsOrderIndependent(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	a := NewLWWDoc("room")
	b := NewLWWDoc("room")
	fixedTime(a, base)
	fixedTime(b, base.Add(time.Second))

	var fromA, fromB [][]byte
	a.Subscribe(func(update []byte, origin Origin) {
		if origin == OriginLocal {
			fromA = append(fromA, update)
		}
	})
	b.Subscribe(func(update []byte, origin Origin) {
		if origin == OriginLocal {
			fromB = append(fromB, update)
		}
	})

	require.NoError(t, a.Set("title", []byte(`"from-a"`)))
	require.NoError(t, a.Set("nodes", []byte(`3`)))
	require.NoError(t, b.Set("title", []byte(`"from-b"`)))

	// Deliver in opposite orders to each replica.
	for _, u := range fromB {
		require.NoError(t, a.ApplyRemoteUpdate(u))
	}
	for i := len(fromA) - 1; i >= 0; i-- {
		require.NoError(t, b.ApplyRemoteUpdate(fromA[i]))
	}

	aJSON, err := a.ProjectJSON()
	require.NoError(t, err)
	bJSON, err := b.ProjectJSON()
	require.NoError(t, err)
	assert.JSONEq(t, string(aJSON), string(bJSON))

	// The later wall clock wins the contested key on both replicas.
	v, ok := a.Get("title")
	require.True(t, ok)
	assert.Equal(t, `"from-b"`, string(v))
}

func TestTieBreaksByActor(t *testing.T) {
	wall := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	a := NewLWWDoc("room")
	b := NewLWWDoc("room")
	fixedTime(a, wall)
	fixedTime(b, wall)

	var fromA, fromB []byte
	a.Subscribe(func(update []byte, origin Origin) {
		if origin == OriginLocal {
			fromA = update
		}
	})
	b.Subscribe(func(update []byte, origin Origin) {
		if origin == OriginLocal {
			fromB = update
		}
	})

	require.NoError(t, a.Set("k", []byte("a")))
	require.NoError(t, b.Set("k", []byte("b")))

	require.NoError(t, a.ApplyRemoteUpdate(fromB))
	require.NoError(t, b.ApplyRemoteUpdate(fromA))

	av, _ := a.Get("k")
	bv, _ := b.Get("k")
	assert.Equal(t, string(av), string(bv), "identical timestamps must still converge")
}

func TestDeleteTombstoneWinsOverStaleWrite(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	a := NewLWWDoc("room")
	b := NewLWWDoc("room")
	fixedTime(a, base)

	var updates [][]byte
	a.Subscribe(func(update []byte, origin Origin) {
		if origin == OriginLocal {
			updates = append(updates, update)
		}
	})

	require.NoError(t, a.Set("k", []byte("old")))
	fixedTime(a, base.Add(time.Minute))
	require.NoError(t, a.Delete("k"))

	// b sees the delete before the stale write; the tombstone must hold.
	require.NoError(t, b.ApplyRemoteUpdate(updates[1]))
	require.NoError(t, b.ApplyRemoteUpdate(updates[0]))
	_, ok := b.Get("k")
	assert.False(t, ok)
}

func TestStateVectorDiff(t *testing.T) {
	a := NewLWWDoc("room")
	b := NewLWWDoc("room")

	require.NoError(t, a.Set("x", []byte("1")))
	require.NoError(t, a.Set("y", []byte("2")))

	// Full sync: b asks with its (empty) vector.
	vecB, err := b.StateVector()
	require.NoError(t, err)
	update, err := a.EncodeStateAsUpdate(vecB)
	require.NoError(t, err)
	require.NoError(t, b.ApplyRemoteUpdate(update))
	assert.Equal(t, []string{"x", "y"}, b.Keys())

	// Incremental: only entries past b's vector come back.
	require.NoError(t, a.Set("z", []byte("3")))
	vecB, err = b.StateVector()
	require.NoError(t, err)
	update, err = a.EncodeStateAsUpdate(vecB)
	require.NoError(t, err)

	entries, err := decodeEntries(update)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "z", entries[0].Key)

	require.NoError(t, b.ApplyRemoteUpdate(update))
	assert.Equal(t, []string{"x", "y", "z"}, b.Keys())
}

func TestProjectJSON(t *testing.T) {
	doc := NewLWWDoc("room")
	require.NoError(t, doc.Set("count", []byte("42")))
	require.NoError(t, doc.Set("name", []byte("plain text")))
	require.NoError(t, doc.Set("gone", []byte("x")))
	require.NoError(t, doc.Delete("gone"))

	out, err := doc.ProjectJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":42,"name":"plain text"}`, string(out))
}

func TestApplyRejectsGarbage(t *testing.T) {
	doc := NewLWWDoc("room")
	assert.Error(t, doc.ApplyRemoteUpdate([]byte("not a gob stream")))
	assert.Error(t, doc.ApplyLocalChange([]byte{0x01, 0x02}))
	_, err := doc.EncodeStateAsUpdate([]byte("junk vector"))
	assert.Error(t, err)
}

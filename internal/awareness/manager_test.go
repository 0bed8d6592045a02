package awareness

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offbit-ai/zeal-sync/internal/clock"
	"github.com/offbit-ai/zeal-sync/internal/protocol"
	"github.com/offbit-ai/zeal-sync/pkg/errors"
)

type captureSender struct {
	sent []protocol.Message
}

func (c *captureSender) SendMessage(m protocol.Message) error {
	c.sent = append(c.sent, m)
	return nil
}

func newTestManager(t *testing.T) (*Manager, *captureSender, *clock.Virtual) {
	t.Helper()
	v := clock.NewVirtual()
	sender := &captureSender{}
	m := NewManager(nil, v, sender)
	m.SetClientID(1)
	m.SetLocalIdentity("user-a", "Alice", "#e06c75")
	return m, sender, v
}

func remoteDelta(t *testing.T, id uint64, userID string, seen time.Time) []byte {
	t.Helper()
	payload, err := EncodeDelta(Delta{Updated: map[uint64]State{
		id: {UserID: userID, UserName: userID, IsActive: true, LastSeen: seen},
	}})
	require.NoError(t, err)
	return payload
}

func TestDebounceCoalescesRapidUpdates(t *testing.T) {
	m, sender, v := newTestManager(t)
	defer m.Stop()

	for i := 0; i < 50; i++ {
		m.UpdateLocal(func(s *State) {
			s.Cursor = &Cursor{X: float64(i), Y: 0, GraphID: "main"}
		})
		v.Advance(time.Millisecond)
	}
	before := len(sender.sent)
	v.Advance(100 * time.Millisecond)

	// One debounce window, one broadcast, carrying the latest cursor.
	require.Equal(t, before+1, len(sender.sent))
	last := sender.sent[len(sender.sent)-1]
	require.Equal(t, protocol.MessageAwareness, last.Type)
	delta, err := DecodeDelta(last.Payload)
	require.NoError(t, err)
	require.Contains(t, delta.Updated, uint64(1))
	assert.Equal(t, float64(49), delta.Updated[1].Cursor.X)
}

func TestStalenessBoundary(t *testing.T) {
	m, _, v := newTestManager(t)
	defer m.Stop()

	seen := v.Now()
	require.NoError(t, m.ApplyRemote(remoteDelta(t, 2, "user-b", seen)))

	v.Advance(29 * time.Second)
	assert.Equal(t, 1, m.ActiveRemoteUsers(), "29s old is still active")

	v.Advance(2 * time.Second)
	assert.Equal(t, 0, m.ActiveRemoteUsers(), "31s old is stale")

	// Stale entries are excluded from counts but never deleted.
	assert.Contains(t, m.States(), uint64(2))
}

func TestActiveRemoteUsersExcludesOwnTabs(t *testing.T) {
	m, _, v := newTestManager(t)
	defer m.Stop()

	now := v.Now()
	// Another client id carrying the local user id is an extra tab, not a peer.
	require.NoError(t, m.ApplyRemote(remoteDelta(t, 9, "user-a", now)))
	assert.Equal(t, 0, m.ActiveRemoteUsers())

	// Two client ids of the same remote user count once.
	require.NoError(t, m.ApplyRemote(remoteDelta(t, 2, "user-b", now)))
	require.NoError(t, m.ApplyRemote(remoteDelta(t, 3, "user-b", now)))
	assert.Equal(t, 1, m.ActiveRemoteUsers())
}

func TestRemovalIsExplicitOnly(t *testing.T) {
	m, _, v := newTestManager(t)
	defer m.Stop()

	require.NoError(t, m.ApplyRemote(remoteDelta(t, 2, "user-b", v.Now())))
	require.Contains(t, m.States(), uint64(2))

	payload, err := EncodeDelta(Delta{Removed: []uint64{2}})
	require.NoError(t, err)
	require.NoError(t, m.ApplyRemote(payload))
	assert.NotContains(t, m.States(), uint64(2))
}

func TestPayloadSizeBounds(t *testing.T) {
	m, _, _ := newTestManager(t)
	defer m.Stop()

	err := m.ApplyRemote([]byte("{}"))
	assert.ErrorIs(t, err, errors.ErrAwarenessUndersized, "under the minimum size")

	err = m.ApplyRemote(bytes.Repeat([]byte("x"), 50001))
	assert.ErrorIs(t, err, errors.ErrAwarenessOversized)
}

func TestLowEntropyPayloadRejected(t *testing.T) {
	m, _, _ := newTestManager(t)
	defer m.Stop()

	// Large but nearly uniform: fails the distinct-byte heuristic.
	err := m.ApplyRemote(bytes.Repeat([]byte("ab"), 1000))
	assert.ErrorIs(t, err, errors.ErrAwarenessCorrupt)

	// A real JSON payload of the same size passes.
	big, err := EncodeDelta(Delta{Updated: map[uint64]State{
		2: {UserID: "user-b", UserName: string(bytes.Repeat([]byte("name "), 300)), IsActive: true, LastSeen: time.Now()},
	}})
	require.NoError(t, err)
	require.Greater(t, len(big), 1000)
	assert.NoError(t, m.ApplyRemote(big))
}

func TestMalformedPayloadDropped(t *testing.T) {
	m, _, _ := newTestManager(t)
	defer m.Stop()

	err := m.ApplyRemote([]byte("this is not json"))
	assert.ErrorIs(t, err, errors.ErrAwarenessCorrupt)
	assert.Empty(t, m.States()[2].UserID)
}

func TestCorruptStreakTriggersReset(t *testing.T) {
	m, sender, v := newTestManager(t)
	defer m.Stop()

	require.NoError(t, m.ApplyRemote(remoteDelta(t, 2, "user-b", v.Now())))
	before := len(sender.sent)

	for i := 0; i < 4; i++ {
		assert.Error(t, m.ApplyRemote([]byte("garbage!")))
		assert.Contains(t, m.States(), uint64(2), "below the threshold nothing resets")
	}

	assert.Error(t, m.ApplyRemote([]byte("garbage!")))
	assert.NotContains(t, m.States(), uint64(2), "fifth consecutive corruption clears the map")
	assert.Greater(t, len(sender.sent), before, "reset re-announces the local identity")
}

func TestValidPayloadResetsCorruptStreak(t *testing.T) {
	m, _, v := newTestManager(t)
	defer m.Stop()

	for i := 0; i < 4; i++ {
		assert.Error(t, m.ApplyRemote([]byte("garbage!")))
	}
	require.NoError(t, m.ApplyRemote(remoteDelta(t, 2, "user-b", v.Now())))

	// The streak restarted: four more corruptions stay under the threshold.
	for i := 0; i < 4; i++ {
		assert.Error(t, m.ApplyRemote([]byte("garbage!")))
	}
	assert.Contains(t, m.States(), uint64(2))
}

func TestQueryAwarenessAnswersWithLocalState(t *testing.T) {
	m, sender, _ := newTestManager(t)
	defer m.Stop()

	before := len(sender.sent)
	m.HandleMessage(protocol.Message{Type: protocol.MessageQueryAwareness})
	require.Equal(t, before+1, len(sender.sent))

	delta, err := DecodeDelta(sender.sent[len(sender.sent)-1].Payload)
	require.NoError(t, err)
	require.Contains(t, delta.Updated, uint64(1))
	assert.Equal(t, "user-a", delta.Updated[1].UserID)
}

func TestRefreshIntervalIsAdjustable(t *testing.T) {
	m, sender, v := newTestManager(t)
	m.Start()
	defer m.Stop()

	base := len(sender.sent)
	v.Advance(time.Second)
	fastCount := len(sender.sent) - base
	assert.GreaterOrEqual(t, fastCount, 4, "normal cadence re-announces every 200ms")

	m.SetRefreshInterval(30 * time.Second)
	base = len(sender.sent)
	v.Advance(29 * time.Second)
	assert.Equal(t, 0, len(sender.sent)-base, "widened cadence stays quiet")
	v.Advance(2 * time.Second)
	assert.Equal(t, 1, len(sender.sent)-base)
}

func TestSetClientIDRebindsLocalEntry(t *testing.T) {
	m, _, _ := newTestManager(t)
	defer m.Stop()

	m.Broadcast()
	require.Contains(t, m.States(), uint64(1))

	m.SetClientID(42)
	m.Broadcast()
	states := m.States()
	assert.NotContains(t, states, uint64(1), "the old transient id is gone")
	assert.Contains(t, states, uint64(42))
}

package awareness

import (
	"log"
	"sync"
	"time"

	"github.com/offbit-ai/zeal-sync/internal/clock"
	"github.com/offbit-ai/zeal-sync/internal/metrics"
	"github.com/offbit-ai/zeal-sync/internal/protocol"
	"github.com/offbit-ai/zeal-sync/pkg/errors"
)

// Sender is the slice of the transport connection the manager needs.
type Sender interface {
	SendMessage(m protocol.Message) error
}

// Config tunes presence propagation and payload validation.
type Config struct {
	// DebounceWindow coalesces rapid local changes before encoding
	// (default: 100ms)
	DebounceWindow time.Duration
	// RefreshInterval is the periodic re-announce cadence; the sync
	// optimizer widens and narrows it (default: 200ms)
	RefreshInterval time.Duration
	// MinPayload and MaxPayload bound accepted remote payload sizes
	// (defaults: 4 and 50000 bytes)
	MinPayload int
	MaxPayload int
	// EntropyThreshold is the payload size above which the low-entropy
	// heuristic applies (default: 1000 bytes)
	EntropyThreshold int
	// EntropySample is how many leading bytes to sample (default: 256)
	EntropySample int
	// EntropyMinDistinct is the minimum distinct byte values a sampled
	// payload must contain (default: 8)
	EntropyMinDistinct int
	// CorruptResetThreshold is the consecutive-corruption count that
	// triggers a last-resort local reinitialization (default: 5)
	CorruptResetThreshold int
	// StaleAfter excludes entries from active-user counts without
	// removing them (default: 30s)
	StaleAfter time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceWindow:        100 * time.Millisecond,
		RefreshInterval:       200 * time.Millisecond,
		MinPayload:            4,
		MaxPayload:            50000,
		EntropyThreshold:      1000,
		EntropySample:         256,
		EntropyMinDistinct:    8,
		CorruptResetThreshold: 5,
		StaleAfter:            30 * time.Second,
	}
}

// Manager owns the ClientId → State map and the local presence broadcast.
type Manager struct {
	cfg    *Config
	clk    clock.Clock
	sender Sender

	mu              sync.Mutex
	localID         uint64
	local           State
	hasLocal        bool
	states          map[uint64]State
	debounceTimer   clock.Timer
	refreshTimer    clock.Timer
	refreshInterval time.Duration
	refreshGen      uint64
	corruptStreak   int
	stopped         bool
}

// NewManager creates a manager. Call SetLocalIdentity and Start afterwards.
func NewManager(cfg *Config, clk clock.Clock, sender Sender) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Manager{
		cfg:             cfg,
		clk:             clk,
		sender:          sender,
		states:          make(map[uint64]State),
		refreshInterval: cfg.RefreshInterval,
	}
}

// Start begins the periodic presence refresh.
func (m *Manager) Start() {
	m.mu.Lock()
	m.stopped = false
	m.mu.Unlock()
	m.armRefresh()
}

// Stop cancels all pending timers. Idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.refreshGen++
	if m.debounceTimer != nil {
		m.debounceTimer.Stop()
		m.debounceTimer = nil
	}
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
	m.mu.Unlock()
}

// SetClientID rebinds the local state to the id assigned by the latest join
// ack. Client ids are transient across reconnects.
func (m *Manager) SetClientID(id uint64) {
	m.mu.Lock()
	delete(m.states, m.localID)
	m.localID = id
	m.mu.Unlock()
}

// SetLocalIdentity sets who this client is and schedules a broadcast.
func (m *Manager) SetLocalIdentity(userID, userName, userColor string) {
	m.mu.Lock()
	m.local.UserID = userID
	m.local.UserName = userName
	m.local.UserColor = userColor
	m.local.IsActive = true
	m.hasLocal = true
	m.mu.Unlock()
	m.scheduleBroadcast()
}

// UpdateLocal mutates the local presence through fn and schedules a
// debounced broadcast, so rapid cursor movement coalesces into one frame
// per window.
func (m *Manager) UpdateLocal(fn func(*State)) {
	m.mu.Lock()
	fn(&m.local)
	m.hasLocal = true
	m.mu.Unlock()
	m.scheduleBroadcast()
}

func (m *Manager) scheduleBroadcast() {
	m.mu.Lock()
	if m.stopped || m.debounceTimer != nil {
		m.mu.Unlock()
		return
	}
	m.debounceTimer = m.clk.AfterFunc(m.cfg.DebounceWindow, func() {
		m.mu.Lock()
		m.debounceTimer = nil
		m.mu.Unlock()
		m.Broadcast()
	})
	m.mu.Unlock()
}

// Broadcast sends the local presence immediately.
func (m *Manager) Broadcast() {
	m.mu.Lock()
	if !m.hasLocal {
		m.mu.Unlock()
		return
	}
	m.local.LastSeen = m.clk.Now()
	m.states[m.localID] = m.local
	delta := Delta{Updated: map[uint64]State{m.localID: m.local}}
	m.mu.Unlock()

	payload, err := EncodeDelta(delta)
	if err != nil {
		log.Printf("awareness: encode local state: %v", err)
		return
	}
	err = m.sender.SendMessage(protocol.Message{Type: protocol.MessageAwareness, Payload: payload})
	if err != nil {
		log.Printf("awareness: broadcast: %v", err)
	}
}

// SetRefreshInterval changes the periodic re-announce cadence and re-arms the
// refresh from now. This is the knob the sync optimizer turns.
func (m *Manager) SetRefreshInterval(d time.Duration) {
	m.mu.Lock()
	m.refreshInterval = d
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
	m.mu.Unlock()
	m.armRefresh()
}

func (m *Manager) armRefresh() {
	m.mu.Lock()
	if m.stopped || m.refreshTimer != nil {
		m.mu.Unlock()
		return
	}
	m.refreshGen++
	gen := m.refreshGen
	m.refreshTimer = m.clk.AfterFunc(m.refreshInterval, func() { m.refresh(gen) })
	m.mu.Unlock()
}

func (m *Manager) refresh(gen uint64) {
	m.mu.Lock()
	if m.stopped || gen != m.refreshGen {
		m.mu.Unlock()
		return
	}
	m.refreshTimer = nil
	m.mu.Unlock()

	m.Broadcast()
	m.armRefresh()
}

// HandleMessage consumes AWARENESS and QUERY_AWARENESS frames from the
// transport.
func (m *Manager) HandleMessage(msg protocol.Message) {
	switch msg.Type {
	case protocol.MessageAwareness:
		if err := m.ApplyRemote(msg.Payload); err != nil {
			log.Printf("awareness: dropped remote update: %v", err)
		}
	case protocol.MessageQueryAwareness:
		m.Broadcast()
	}
}

// ApplyRemote validates and merges one remote awareness payload. Validation
// failures return an error but never affect the connection.
func (m *Manager) ApplyRemote(payload []byte) error {
	if len(payload) < m.cfg.MinPayload {
		metrics.AwarenessDropped.WithLabelValues("undersized").Inc()
		return m.noteCorrupt(errors.ErrAwarenessUndersized)
	}
	if len(payload) > m.cfg.MaxPayload {
		metrics.AwarenessDropped.WithLabelValues("oversized").Inc()
		return m.noteCorrupt(errors.ErrAwarenessOversized)
	}
	if len(payload) > m.cfg.EntropyThreshold && m.lowEntropy(payload) {
		metrics.AwarenessDropped.WithLabelValues("low_entropy").Inc()
		return m.noteCorrupt(errors.ErrAwarenessCorrupt)
	}

	delta, err := DecodeDelta(payload)
	if err != nil {
		metrics.AwarenessDropped.WithLabelValues("malformed").Inc()
		return m.noteCorrupt(errors.ErrAwarenessCorrupt)
	}

	m.mu.Lock()
	m.corruptStreak = 0
	for id, st := range delta.Updated {
		if id == m.localID {
			continue
		}
		if st.LastSeen.IsZero() {
			st.LastSeen = m.clk.Now()
		}
		m.states[id] = st
	}
	for _, id := range delta.Removed {
		if id != m.localID {
			delete(m.states, id)
		}
	}
	m.mu.Unlock()
	return nil
}

// lowEntropy samples the payload head and flags implausibly uniform bytes.
// Real awareness payloads are JSON and always clear the distinct-value bar.
func (m *Manager) lowEntropy(payload []byte) bool {
	sample := payload
	if len(sample) > m.cfg.EntropySample {
		sample = sample[:m.cfg.EntropySample]
	}
	var seen [256]bool
	distinct := 0
	for _, b := range sample {
		if !seen[b] {
			seen[b] = true
			distinct++
		}
	}
	return distinct < m.cfg.EntropyMinDistinct
}

// noteCorrupt tracks consecutive corruption and, past the threshold, clears
// and reinitializes the awareness map as a last resort, re-announcing the
// local identity afterward.
func (m *Manager) noteCorrupt(err error) error {
	m.mu.Lock()
	m.corruptStreak++
	reset := m.corruptStreak >= m.cfg.CorruptResetThreshold
	if reset {
		m.corruptStreak = 0
		m.states = make(map[uint64]State)
	}
	m.mu.Unlock()

	if reset {
		log.Printf("awareness: persistent corruption, reinitializing local state")
		m.Broadcast()
	}
	return err
}

// ActiveRemoteUsers counts distinct remote users, excluding the local client
// id, other clients sharing the local user id (extra tabs are not "someone
// else"), and entries stale past the cutoff.
func (m *Manager) ActiveRemoteUsers() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	users := make(map[string]struct{})
	for id, st := range m.states {
		if id == m.localID {
			continue
		}
		if m.hasLocal && st.UserID == m.local.UserID {
			continue
		}
		if st.LastSeen.IsZero() || now.Sub(st.LastSeen) > m.cfg.StaleAfter {
			continue
		}
		users[st.UserID] = struct{}{}
	}
	return len(users)
}

// States returns a copy of the presence map.
func (m *Manager) States() map[uint64]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uint64]State, len(m.states))
	for id, st := range m.states {
		out[id] = st
	}
	return out
}

// LocalState returns the current local presence.
func (m *Manager) LocalState() (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local, m.hasLocal
}

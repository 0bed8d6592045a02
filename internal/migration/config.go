package migration

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/offbit-ai/zeal-sync/pkg/errors"
)

const (
	phaseFileName       = "migration-phase.json"
	currentPhaseVersion = 1
)

type phaseFile struct {
	Version   int       `json:"version"`
	Phase     Phase     `json:"phase"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PhaseConfig is the process-wide durable migration phase: read once at
// startup, mutated only through SetPhase, persisted with an atomic
// write-then-rename.
type PhaseConfig struct {
	dataDir string

	mu    sync.Mutex
	phase Phase
}

// NewPhaseConfig creates the config rooted at dataDir and loads the persisted
// phase, defaulting to PhaseLegacy when none exists.
func NewPhaseConfig(dataDir string) (*PhaseConfig, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	c := &PhaseConfig{dataDir: dataDir, phase: PhaseLegacy}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *PhaseConfig) path() string {
	return filepath.Join(c.dataDir, phaseFileName)
}

func (c *PhaseConfig) load() error {
	data, err := os.ReadFile(c.path())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read phase file: %w", err)
	}

	var f phaseFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("unmarshal phase file: %w", err)
	}
	if f.Version != currentPhaseVersion {
		return fmt.Errorf("unsupported phase file version: %d", f.Version)
	}
	phase, err := ParsePhase(string(f.Phase))
	if err != nil {
		return err
	}
	c.phase = phase
	return nil
}

// GetCurrentPhase returns the active phase.
func (c *PhaseConfig) GetCurrentPhase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// SetPhase advances the phase. Backward transitions are rejected; use
// SetPhaseOverride for an explicit operator rollback.
func (c *PhaseConfig) SetPhase(p Phase) error {
	return c.set(p, false)
}

// SetPhaseOverride sets the phase in any direction.
func (c *PhaseConfig) SetPhaseOverride(p Phase) error {
	return c.set(p, true)
}

func (c *PhaseConfig) set(p Phase, override bool) error {
	if _, err := ParsePhase(string(p)); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !override && !forward(c.phase, p) {
		return fmt.Errorf("%w: %s -> %s", errors.ErrPhaseRegression, c.phase, p)
	}

	f := phaseFile{
		Version:   currentPhaseVersion,
		Phase:     p,
		UpdatedAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal phase file: %w", err)
	}

	tempPath := c.path() + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp phase file: %w", err)
	}
	if err := os.Rename(tempPath, c.path()); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename phase file: %w", err)
	}

	c.phase = p
	return nil
}

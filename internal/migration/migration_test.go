package migration

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offbit-ai/zeal-sync/internal/clock"
	"github.com/offbit-ai/zeal-sync/internal/crdt"
	"github.com/offbit-ai/zeal-sync/internal/persistence"
	"github.com/offbit-ai/zeal-sync/pkg/errors"
)

func testWorkflow(id string, nodes int) *Workflow {
	w := &Workflow{
		ID:        id,
		Name:      "workflow " + id,
		UpdatedAt: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	for i := 0; i < nodes; i++ {
		nodeID := fmt.Sprintf("%s-n%d", id, i)
		w.Nodes = append(w.Nodes, Node{
			ID: nodeID, Type: "task", Label: "step", X: float64(i * 100), GraphID: "main",
		})
		if i > 0 {
			w.Connections = append(w.Connections, Connection{
				ID:       fmt.Sprintf("%s-c%d", id, i),
				SourceID: fmt.Sprintf("%s-n%d", id, i-1),
				TargetID: nodeID,
				GraphID:  "main",
			})
		}
	}
	return w
}

func newTestController(t *testing.T) (*Controller, *LegacyStore, *ReplicatedStore, *PhaseConfig) {
	t.Helper()
	dir := t.TempDir()

	legacy, err := OpenLegacyStore(filepath.Join(dir, "legacy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { legacy.Close() })

	replicated := NewReplicatedStore(persistence.NewMemoryStore(50, clock.NewVirtual()))

	cfg, err := NewPhaseConfig(dir)
	require.NoError(t, err)
	return NewController(cfg, legacy, replicated), legacy, replicated, cfg
}

func TestPhaseDefaultsToLegacy(t *testing.T) {
	cfg, err := NewPhaseConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, PhaseLegacy, cfg.GetCurrentPhase())
}

func TestPhaseSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	cfg, err := NewPhaseConfig(dir)
	require.NoError(t, err)
	require.NoError(t, cfg.SetPhase(PhaseDualWrite))

	reloaded, err := NewPhaseConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, PhaseDualWrite, reloaded.GetCurrentPhase())
}

func TestPhaseIsForwardOnly(t *testing.T) {
	cfg, err := NewPhaseConfig(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, cfg.SetPhase(PhaseDualRead))
	err = cfg.SetPhase(PhaseDualWrite)
	assert.ErrorIs(t, err, errors.ErrPhaseRegression)
	assert.Equal(t, PhaseDualRead, cfg.GetCurrentPhase())

	// The operator override is the only way back.
	require.NoError(t, cfg.SetPhaseOverride(PhaseLegacy))
	assert.Equal(t, PhaseLegacy, cfg.GetCurrentPhase())
}

func TestParsePhaseRejectsUnknown(t *testing.T) {
	_, err := ParsePhase("yolo")
	assert.ErrorIs(t, err, errors.ErrUnknownPhase)

	p, err := ParsePhase("dual_read")
	require.NoError(t, err)
	assert.Equal(t, PhaseDualRead, p)
}

func TestLegacyPhaseRouting(t *testing.T) {
	ctrl, _, replicated, _ := newTestController(t)

	w := testWorkflow("wf-1", 2)
	require.NoError(t, ctrl.Write(w))

	got, err := ctrl.Read("wf-1")
	require.NoError(t, err)
	assert.Equal(t, w.Name, got.Name)

	// Legacy phase never touches the replicated store.
	_, err = replicated.Read("wf-1")
	assert.ErrorIs(t, err, errors.ErrRecordNotFound)
}

func TestDualWritePhaseRouting(t *testing.T) {
	ctrl, legacy, replicated, cfg := newTestController(t)
	require.NoError(t, cfg.SetPhase(PhaseDualWrite))

	w := testWorkflow("wf-1", 3)
	require.NoError(t, ctrl.Write(w))

	// Both stores got the write; reads still come from legacy.
	fromLegacy, err := legacy.Get("wf-1")
	require.NoError(t, err)
	fromReplicated, err := replicated.Read("wf-1")
	require.NoError(t, err)
	assert.Len(t, fromLegacy.Nodes, 3)
	assert.Len(t, fromReplicated.Nodes, 3)

	got, err := ctrl.Read("wf-1")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", got.ID)
}

func TestDualReadFallsBackToLegacy(t *testing.T) {
	ctrl, legacy, _, cfg := newTestController(t)

	// A record written before dual-write exists only in legacy.
	require.NoError(t, legacy.Put(testWorkflow("old", 1)))
	require.NoError(t, cfg.SetPhase(PhaseDualRead))

	got, err := ctrl.Read("old")
	require.NoError(t, err)
	assert.Equal(t, "old", got.ID)
}

func TestCRDTOnlyPhaseRouting(t *testing.T) {
	ctrl, legacy, _, cfg := newTestController(t)
	require.NoError(t, cfg.SetPhase(PhaseCRDTOnly))

	w := testWorkflow("wf-1", 2)
	require.NoError(t, ctrl.Write(w))

	got, err := ctrl.Read("wf-1")
	require.NoError(t, err)
	assert.Len(t, got.Nodes, 2)

	// Legacy is out of the loop entirely.
	_, err = legacy.Get("wf-1")
	assert.ErrorIs(t, err, errors.ErrRecordNotFound)
}

func TestReplicatedWriteTombstonesRemovedElements(t *testing.T) {
	_, _, replicated, _ := newTestController(t)

	require.NoError(t, replicated.Write(testWorkflow("wf-1", 3)))
	require.NoError(t, replicated.Write(testWorkflow("wf-1", 1)))

	got, err := replicated.Read("wf-1")
	require.NoError(t, err)
	assert.Len(t, got.Nodes, 1)
	assert.Empty(t, got.Connections)
}

func TestRunFullMigrationConvertsEverything(t *testing.T) {
	ctrl, legacy, replicated, cfg := newTestController(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, legacy.Put(testWorkflow(fmt.Sprintf("wf-%d", i), i+1)))
	}

	var progress []int
	err := ctrl.RunFullMigration(context.Background(), nil, func(current, total int) {
		require.Equal(t, 5, total)
		progress = append(progress, current)
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, progress)
	assert.Equal(t, PhaseCRDTOnly, cfg.GetCurrentPhase())

	for i := 0; i < 5; i++ {
		got, err := replicated.Read(fmt.Sprintf("wf-%d", i))
		require.NoError(t, err)
		assert.Len(t, got.Nodes, i+1)
	}
}

func TestRunFullMigrationFailureLeavesPhaseUnchanged(t *testing.T) {
	dir := t.TempDir()
	legacy, err := OpenLegacyStore(filepath.Join(dir, "legacy.db"))
	require.NoError(t, err)
	defer legacy.Close()

	backend := &rejectingStore{
		Store:  persistence.NewMemoryStore(50, clock.NewVirtual()),
		reject: "wf-2",
	}
	cfg, err := NewPhaseConfig(dir)
	require.NoError(t, err)
	ctrl := NewController(cfg, legacy, NewReplicatedStore(backend))

	for i := 0; i < 5; i++ {
		require.NoError(t, legacy.Put(testWorkflow(fmt.Sprintf("wf-%d", i), 1)))
	}

	err = ctrl.RunFullMigration(context.Background(), nil, nil)
	require.Error(t, err)
	var recErr *RecordError
	require.ErrorAs(t, err, &recErr)
	assert.Equal(t, "wf-2", recErr.ID)
	assert.Equal(t, PhaseLegacy, cfg.GetCurrentPhase(), "a failed migration must not advance the phase")
}

func TestRunFullMigrationHonorsContext(t *testing.T) {
	ctrl, legacy, _, cfg := newTestController(t)
	require.NoError(t, legacy.Put(testWorkflow("wf-1", 1)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := ctrl.RunFullMigration(ctx, nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, PhaseLegacy, cfg.GetCurrentPhase())
}

func TestValidateMigration(t *testing.T) {
	ctrl, legacy, replicated, _ := newTestController(t)

	w := testWorkflow("wf-1", 3)
	require.NoError(t, legacy.Put(w))
	require.NoError(t, replicated.Write(w))

	discrepancies, err := ctrl.ValidateMigration("wf-1")
	require.NoError(t, err)
	assert.Empty(t, discrepancies)

	// Drop a node from the replicated side only.
	require.NoError(t, replicated.Write(testWorkflow("wf-1", 2)))
	discrepancies, err = ctrl.ValidateMigration("wf-1")
	require.NoError(t, err)
	assert.NotEmpty(t, discrepancies)
}

// rejectingStore fails document saves for one workflow id.
type rejectingStore struct {
	persistence.Store
	reject string
}

func (s *rejectingStore) SaveDoc(doc crdt.Document) error {
	if doc.Name() == s.reject {
		return fmt.Errorf("simulated storage failure for %s", doc.Name())
	}
	return s.Store.SaveDoc(doc)
}

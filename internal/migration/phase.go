// Package migration implements the phased cutover from the legacy workflow
// store to the replicated document store: routing reads and writes by phase,
// converting legacy records, and validating the result.
package migration

import (
	"fmt"

	"github.com/offbit-ai/zeal-sync/pkg/errors"
)

// Phase is a stage of the storage cutover.
type Phase string

const (
	// PhaseLegacy reads and writes the legacy store only.
	PhaseLegacy Phase = "legacy"
	// PhaseDualWrite still reads legacy but writes both stores.
	PhaseDualWrite Phase = "dual_write"
	// PhaseDualRead reads the replicated store with legacy fallback and
	// writes both.
	PhaseDualRead Phase = "dual_read"
	// PhaseCRDTOnly reads and writes the replicated store only.
	PhaseCRDTOnly Phase = "crdt_only"
)

var phaseOrder = map[Phase]int{
	PhaseLegacy:    0,
	PhaseDualWrite: 1,
	PhaseDualRead:  2,
	PhaseCRDTOnly:  3,
}

// ParsePhase validates a phase string.
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if _, ok := phaseOrder[p]; !ok {
		return "", fmt.Errorf("%w: %q", errors.ErrUnknownPhase, s)
	}
	return p, nil
}

// forward reports whether moving from one phase to another goes forward (or
// stays put). Backward moves need the explicit operator override.
func forward(from, to Phase) bool {
	return phaseOrder[to] >= phaseOrder[from]
}

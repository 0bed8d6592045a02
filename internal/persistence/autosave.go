package persistence

import (
	"log"
	"sync"
	"time"

	"github.com/offbit-ai/zeal-sync/internal/clock"
	"github.com/offbit-ai/zeal-sync/internal/crdt"
)

const defaultSaveDebounce = 500 * time.Millisecond

// Autosaver observes document mutations and persists the latest state with a
// debounce, so bursts of edits collapse into one write. Persistence errors
// are surfaced through OnError; the autosaver keeps running so storage can
// recover.
type Autosaver struct {
	store Store
	doc   crdt.Document
	clk   clock.Clock

	// OnError receives save failures. Defaults to logging.
	OnError func(error)

	debounce time.Duration
	dispose  crdt.Disposer

	mu      sync.Mutex
	timer   clock.Timer
	dirty   bool
	stopped bool
}

// NewAutosaver attaches an autosaver to doc. A non-positive debounce uses the
// default.
func NewAutosaver(store Store, doc crdt.Document, clk clock.Clock, debounce time.Duration) *Autosaver {
	if debounce <= 0 {
		debounce = defaultSaveDebounce
	}
	a := &Autosaver{
		store:    store,
		doc:      doc,
		clk:      clk,
		debounce: debounce,
	}
	a.dispose = doc.Subscribe(func(update []byte, origin crdt.Origin) {
		a.markDirty()
	})
	return a
}

func (a *Autosaver) markDirty() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.dirty = true
	if a.timer == nil {
		a.timer = a.clk.AfterFunc(a.debounce, a.flush)
	}
	a.mu.Unlock()
}

func (a *Autosaver) flush() {
	a.mu.Lock()
	a.timer = nil
	if a.stopped || !a.dirty {
		a.mu.Unlock()
		return
	}
	a.dirty = false
	a.mu.Unlock()

	if err := a.store.SaveDoc(a.doc); err != nil {
		if a.OnError != nil {
			a.OnError(err)
			return
		}
		log.Printf("persistence: autosave %s: %v", a.doc.Name(), err)
	}
}

// Stop detaches from the document, cancels the pending save and makes one
// final synchronous save if there are unsaved changes.
func (a *Autosaver) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	dirty := a.dirty
	a.dirty = false
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.mu.Unlock()

	if a.dispose != nil {
		a.dispose()
		a.dispose = nil
	}
	if dirty {
		if err := a.store.SaveDoc(a.doc); err != nil {
			log.Printf("persistence: final save %s: %v", a.doc.Name(), err)
		}
	}
}

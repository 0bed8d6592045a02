package persistence

import (
	"encoding/json"
	"fmt"

	"github.com/offbit-ai/zeal-sync/internal/clock"
	"github.com/offbit-ai/zeal-sync/internal/crdt"
	"github.com/offbit-ai/zeal-sync/pkg/errors"
)

// EnvelopeVersion is the current export format version.
const EnvelopeVersion = "1.0"

// ExportEnvelope is the portable document representation: a JSON projection
// for human inspection plus the binary update for lossless import.
type ExportEnvelope struct {
	Version   string          `json:"version"`
	DocName   string          `json:"docName"`
	Timestamp int64           `json:"timestamp"`
	State     json.RawMessage `json:"state"`
	Update    []byte          `json:"update"`
}

// ExportDoc serializes a document into a versioned envelope.
func ExportDoc(doc crdt.Document, clk clock.Clock) ([]byte, error) {
	update, err := doc.EncodeStateAsUpdate(nil)
	if err != nil {
		return nil, fmt.Errorf("encode state of %s: %w", doc.Name(), err)
	}

	state := json.RawMessage("null")
	if projector, ok := doc.(crdt.JSONProjector); ok {
		projected, err := projector.ProjectJSON()
		if err != nil {
			return nil, fmt.Errorf("project %s: %w", doc.Name(), err)
		}
		state = projected
	}

	envelope := ExportEnvelope{
		Version:   EnvelopeVersion,
		DocName:   doc.Name(),
		Timestamp: clk.Now().UnixMilli(),
		State:     state,
		Update:    update,
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encode envelope for %s: %w", doc.Name(), err)
	}
	return data, nil
}

// ImportDoc merges an exported envelope into doc.
func ImportDoc(data []byte, doc crdt.Document) error {
	var envelope ExportEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Version != EnvelopeVersion {
		return fmt.Errorf("%w: version %q", errors.ErrBadEnvelope, envelope.Version)
	}
	if err := doc.ApplyRemoteUpdate(envelope.Update); err != nil {
		return fmt.Errorf("import %s: %w", envelope.DocName, err)
	}
	return nil
}

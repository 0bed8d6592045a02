package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/offbit-ai/zeal-sync/pkg/errors"
)

// SyncKind is the sub-type carried inside a SYNC payload.
type SyncKind uint64

const (
	// SyncStep1 carries the sender's state vector and asks for what it lacks.
	SyncStep1 SyncKind = 0
	// SyncStep2 answers step 1 with the missing state as one update.
	SyncStep2 SyncKind = 1
	// SyncUpdate carries an incremental update outside the handshake.
	SyncUpdate SyncKind = 2
)

func (k SyncKind) String() string {
	switch k {
	case SyncStep1:
		return "step1"
	case SyncStep2:
		return "step2"
	case SyncUpdate:
		return "update"
	default:
		return fmt.Sprintf("unknown(%d)", uint64(k))
	}
}

// EncodeSync frames a sync sub-protocol payload: [varint kind][varint len][body].
func EncodeSync(kind SyncKind, body []byte) []byte {
	buf := make([]byte, 0, binary.MaxVarintLen64*2+len(body))
	buf = binary.AppendUvarint(buf, uint64(kind))
	buf = binary.AppendUvarint(buf, uint64(len(body)))
	return append(buf, body...)
}

// DecodeSync parses a sync sub-protocol frame.
func DecodeSync(payload []byte) (SyncKind, []byte, error) {
	k, n := binary.Uvarint(payload)
	if n <= 0 {
		return 0, nil, fmt.Errorf("%w: missing sync kind", errors.ErrTruncated)
	}
	kind := SyncKind(k)
	if kind > SyncUpdate {
		return 0, nil, fmt.Errorf("%w: sync kind %d", errors.ErrUnknownType, k)
	}
	rest := payload[n:]
	size, n := binary.Uvarint(rest)
	if n <= 0 {
		return 0, nil, fmt.Errorf("%w: missing sync length", errors.ErrTruncated)
	}
	body := rest[n:]
	if uint64(len(body)) < size {
		return 0, nil, fmt.Errorf("%w: sync declared %d bytes, %d remain", errors.ErrTruncated, size, len(body))
	}
	return kind, clone(body[:size]), nil
}

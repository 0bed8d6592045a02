// Package protocol implements the framed binary message codec and the sync
// sub-protocol frames carried inside SYNC messages.
//
// Every wire message is [varint messageType][payload]. SYNC, AWARENESS and
// QUERY_AWARENESS payloads occupy the remainder of the frame; AUTH and CUSTOM
// payloads are length-prefixed UTF-8 strings so that truncation and trailing
// data are both detected and rejected.
package protocol

import (
	"encoding/binary"
	"fmt"

	pkgbytes "github.com/offbit-ai/zeal-sync/pkg/bytes"
	"github.com/offbit-ai/zeal-sync/pkg/errors"
)

// MessageType identifies the channel a frame belongs to.
type MessageType uint64

const (
	MessageSync           MessageType = 0
	MessageAwareness      MessageType = 1
	MessageAuth           MessageType = 2
	MessageQueryAwareness MessageType = 3
	MessageCustom         MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case MessageSync:
		return "sync"
	case MessageAwareness:
		return "awareness"
	case MessageAuth:
		return "auth"
	case MessageQueryAwareness:
		return "query_awareness"
	case MessageCustom:
		return "custom"
	default:
		return fmt.Sprintf("unknown(%d)", uint64(t))
	}
}

// Message is one decoded frame.
type Message struct {
	Type    MessageType
	Payload []byte
}

// Encode serializes a message to its wire representation.
func Encode(m Message) []byte {
	buf := make([]byte, 0, binary.MaxVarintLen64*2+len(m.Payload))
	buf = binary.AppendUvarint(buf, uint64(m.Type))
	switch m.Type {
	case MessageAuth, MessageCustom:
		buf = binary.AppendUvarint(buf, uint64(len(m.Payload)))
	}
	return append(buf, m.Payload...)
}

// EncodeString frames a string payload for AUTH/CUSTOM without copying it.
func EncodeString(t MessageType, s string) []byte {
	return Encode(Message{Type: t, Payload: pkgbytes.StringToBytes(s)})
}

// Decode parses one frame. It returns ErrUnknownType for unrecognized type
// values, ErrTruncated when the frame declares more bytes than remain and
// ErrTrailingData when bytes follow a length-prefixed payload; all are
// non-fatal and callers skip the frame rather than dropping the connection.
func Decode(buf []byte) (Message, error) {
	t, n := binary.Uvarint(buf)
	if n <= 0 {
		return Message{}, errors.ErrEmptyMessage
	}
	rest := buf[n:]

	switch MessageType(t) {
	case MessageSync, MessageAwareness, MessageQueryAwareness:
		return Message{Type: MessageType(t), Payload: clone(rest)}, nil

	case MessageAuth, MessageCustom:
		size, n := binary.Uvarint(rest)
		if n <= 0 {
			return Message{}, fmt.Errorf("%w: missing length prefix", errors.ErrTruncated)
		}
		body := rest[n:]
		if uint64(len(body)) < size {
			return Message{}, fmt.Errorf("%w: declared %d bytes, %d remain", errors.ErrTruncated, size, len(body))
		}
		if uint64(len(body)) > size {
			return Message{}, fmt.Errorf("%w: declared %d bytes, %d remain", errors.ErrTrailingData, size, len(body))
		}
		return Message{Type: MessageType(t), Payload: clone(body)}, nil

	default:
		return Message{}, fmt.Errorf("%w: %d", errors.ErrUnknownType, t)
	}
}

// clone copies a payload out of the read buffer, which transports reuse.
func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

package protocol

import (
	"encoding/json"
	"fmt"
)

// Control ops carried as CUSTOM payloads. CUSTOM doubles as the control
// channel: room join, join acknowledgement and keep-alive pings all travel as
// small JSON envelopes so that the binary channels stay opaque.
const (
	OpJoin    = "join"
	OpJoinAck = "join_ack"
	OpPing    = "ping"
	OpPong    = "pong"
)

// ControlEnvelope is the decoded form of a CUSTOM payload.
type ControlEnvelope struct {
	Op       string `json:"op"`
	RoomName string `json:"roomName,omitempty"`
	ClientID uint64 `json:"clientId,omitempty"`
	Error    string `json:"error,omitempty"`
}

// AuthEnvelope is the decoded form of an AUTH payload.
type AuthEnvelope struct {
	Token string `json:"token"`
}

// EncodeControl frames a control envelope as a CUSTOM message.
func EncodeControl(env ControlEnvelope) ([]byte, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode control %q: %w", env.Op, err)
	}
	return Encode(Message{Type: MessageCustom, Payload: body}), nil
}

// DecodeControl parses a CUSTOM payload into a control envelope.
func DecodeControl(payload []byte) (ControlEnvelope, error) {
	var env ControlEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return ControlEnvelope{}, fmt.Errorf("decode control payload: %w", err)
	}
	return env, nil
}

// EncodeAuth frames a bearer token as an AUTH message.
func EncodeAuth(token string) ([]byte, error) {
	body, err := json.Marshal(AuthEnvelope{Token: token})
	if err != nil {
		return nil, fmt.Errorf("encode auth: %w", err)
	}
	return Encode(Message{Type: MessageAuth, Payload: body}), nil
}

// DecodeAuth parses an AUTH payload.
func DecodeAuth(payload []byte) (AuthEnvelope, error) {
	var env AuthEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return AuthEnvelope{}, fmt.Errorf("decode auth payload: %w", err)
	}
	return env, nil
}

// ControlOp peeks at the op of a CUSTOM payload without a full decode.
func ControlOp(payload []byte) string {
	var probe struct {
		Op string `json:"op"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return ""
	}
	return probe.Op
}

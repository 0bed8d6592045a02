package server

import (
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/offbit-ai/zeal-sync/internal/awareness"
	"github.com/offbit-ai/zeal-sync/internal/protocol"
)

const sendBuffer = 256

// client is one connected peer: a read pump that dispatches frames and a
// write pump that serializes outbound traffic.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	authToken string // server-required token, empty means open access

	id     uint64
	room   *Room
	authed bool

	sendMu sync.Mutex
	closed bool
}

func newClient(hub *Hub, conn *websocket.Conn, authToken string) *client {
	return &client{
		hub:       hub,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		authToken: authToken,
		authed:    authToken == "",
	}
}

// enqueue hands a frame to the write pump, disconnecting slow consumers
// instead of blocking the room.
func (c *client) enqueue(frame []byte) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- frame:
	default:
		c.conn.Close()
	}
}

func (c *client) closeSend() {
	c.sendMu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.sendMu.Unlock()
}

func (c *client) writePump() {
	defer c.conn.Close()
	for frame := range c.send {
		if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

func (c *client) readPump() {
	defer func() {
		if c.room != nil {
			c.room.leave(c.id)
		}
		c.closeSend()
		c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			// Malformed frames are skipped, not fatal.
			log.Printf("server: skipping malformed frame from client %d: %v", c.id, err)
			continue
		}
		if !c.handleMessage(msg) {
			return
		}
	}
}

// handleMessage dispatches one frame; it reports false when the connection
// should be dropped.
func (c *client) handleMessage(msg protocol.Message) bool {
	// The join must come first; everything else needs a room.
	if c.room == nil {
		if msg.Type != protocol.MessageCustom {
			return true
		}
		env, err := protocol.DecodeControl(msg.Payload)
		if err != nil || env.Op != protocol.OpJoin || env.RoomName == "" {
			return true
		}
		c.room = c.hub.room(env.RoomName)
		c.id = c.room.join(c)
		ack, err := protocol.EncodeControl(protocol.ControlEnvelope{
			Op:       protocol.OpJoinAck,
			RoomName: env.RoomName,
			ClientID: c.id,
		})
		if err == nil {
			c.enqueue(ack)
		}
		return true
	}

	// When a token is required, nothing but AUTH and control traffic is
	// accepted until the client presents it.
	if !c.authed && msg.Type != protocol.MessageAuth && msg.Type != protocol.MessageCustom {
		log.Printf("server: client %d sent %s before auth", c.id, msg.Type)
		return false
	}

	switch msg.Type {
	case protocol.MessageAuth:
		env, err := protocol.DecodeAuth(msg.Payload)
		if err != nil {
			return true
		}
		if c.authToken != "" && env.Token != c.authToken {
			log.Printf("server: client %d failed auth for %s", c.id, c.room.name)
			return false
		}
		c.authed = true
		return true

	case protocol.MessageSync:
		return c.handleSync(msg.Payload)

	case protocol.MessageAwareness:
		delta, err := awareness.DecodeDelta(msg.Payload)
		if err != nil {
			log.Printf("server: dropping malformed awareness from client %d: %v", c.id, err)
			return true
		}
		c.room.mergeAwareness(c.id, delta)
		c.room.broadcastAwareness(c.id, msg.Payload)
		return true

	case protocol.MessageQueryAwareness:
		payload, err := awareness.EncodeDelta(c.room.fullAwareness())
		if err == nil {
			c.enqueue(encodeAwarenessFrame(payload))
		}
		return true

	case protocol.MessageCustom:
		if protocol.ControlOp(msg.Payload) == protocol.OpPing {
			pong, err := protocol.EncodeControl(protocol.ControlEnvelope{Op: protocol.OpPong})
			if err == nil {
				c.enqueue(pong)
			}
		}
		return true
	}
	return true
}

// handleSync answers the document handshake from the room replica.
func (c *client) handleSync(payload []byte) bool {
	kind, body, err := protocol.DecodeSync(payload)
	if err != nil {
		log.Printf("server: dropping malformed sync from client %d: %v", c.id, err)
		return true
	}

	switch kind {
	case protocol.SyncStep1:
		// Answer with what the client lacks, then ask for what we lack.
		update, err := c.room.doc.EncodeStateAsUpdate(body)
		if err != nil {
			log.Printf("server: encode step2 for client %d: %v", c.id, err)
			return true
		}
		c.enqueue(encodeSyncFrame(protocol.SyncStep2, update))

		vector, err := c.room.doc.StateVector()
		if err == nil {
			c.enqueue(encodeSyncFrame(protocol.SyncStep1, vector))
		}

	case protocol.SyncStep2, protocol.SyncUpdate:
		if err := c.room.doc.ApplyRemoteUpdate(body); err != nil {
			log.Printf("server: apply update from client %d: %v", c.id, err)
			return true
		}
		c.room.broadcast(c.id, encodeSyncFrame(protocol.SyncUpdate, body))
	}
	return true
}

func encodeSyncFrame(kind protocol.SyncKind, body []byte) []byte {
	return protocol.Encode(protocol.Message{
		Type:    protocol.MessageSync,
		Payload: protocol.EncodeSync(kind, body),
	})
}

func encodeAwarenessFrame(payload []byte) []byte {
	return protocol.Encode(protocol.Message{
		Type:    protocol.MessageAwareness,
		Payload: payload,
	})
}

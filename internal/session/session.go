// Package session drives the document sync handshake over a transport
// connection: step 1 exchanges state vectors, step 2 carries the missing
// state, and incremental updates flow as they happen.
package session

import (
	"log"

	"github.com/offbit-ai/zeal-sync/internal/crdt"
	"github.com/offbit-ai/zeal-sync/internal/protocol"
)

// Sender is the slice of the transport connection the session needs.
type Sender interface {
	SendMessage(m protocol.Message) error
}

// Session connects a replicated document to a connection. Local updates are
// re-broadcast as SYNC update frames; remote SYNC frames advance or repair
// the document. Origin tagging prevents the apply-remote → notify →
// re-broadcast feedback loop.
type Session struct {
	doc     crdt.Document
	sender  Sender
	dispose crdt.Disposer
}

// New attaches a session to doc. Close releases the document subscription.
func New(doc crdt.Document, sender Sender) *Session {
	s := &Session{doc: doc, sender: sender}
	s.dispose = doc.Subscribe(func(update []byte, origin crdt.Origin) {
		if origin == crdt.OriginRemote {
			return
		}
		s.sendSync(protocol.SyncUpdate, update)
	})
	return s
}

// Start opens the handshake by sending step 1 with the local state vector.
// The transport calls this on every entry into Connected, so each reconnect
// reconciles whatever diverged while offline.
func (s *Session) Start() {
	vector, err := s.doc.StateVector()
	if err != nil {
		log.Printf("session: encode state vector for %s: %v", s.doc.Name(), err)
		return
	}
	s.sendSync(protocol.SyncStep1, vector)
}

// HandleMessage consumes one SYNC frame. Malformed frames are logged and
// skipped; the connection stays alive.
func (s *Session) HandleMessage(msg protocol.Message) {
	if msg.Type != protocol.MessageSync {
		return
	}
	kind, body, err := protocol.DecodeSync(msg.Payload)
	if err != nil {
		log.Printf("session: skipping malformed sync frame for %s: %v", s.doc.Name(), err)
		return
	}

	switch kind {
	case protocol.SyncStep1:
		// The peer told us what it has; answer with what it lacks.
		update, err := s.doc.EncodeStateAsUpdate(body)
		if err != nil {
			log.Printf("session: encode step2 for %s: %v", s.doc.Name(), err)
			return
		}
		s.sendSync(protocol.SyncStep2, update)

	case protocol.SyncStep2, protocol.SyncUpdate:
		if err := s.doc.ApplyRemoteUpdate(body); err != nil {
			log.Printf("session: apply %s for %s: %v", kind, s.doc.Name(), err)
		}
	}
}

func (s *Session) sendSync(kind protocol.SyncKind, body []byte) {
	err := s.sender.SendMessage(protocol.Message{
		Type:    protocol.MessageSync,
		Payload: protocol.EncodeSync(kind, body),
	})
	if err != nil {
		log.Printf("session: send %s for %s: %v", kind, s.doc.Name(), err)
	}
}

// Close releases the document subscription.
func (s *Session) Close() {
	if s.dispose != nil {
		s.dispose()
		s.dispose = nil
	}
}

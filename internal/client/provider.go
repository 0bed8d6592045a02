// Package client assembles the full sync stack for one document: transport
// connection, sync session, awareness manager, sync optimizer and local
// persistence, all wired through explicit construction.
package client

import (
	"context"
	goerrors "errors"
	"fmt"
	"log"

	"github.com/offbit-ai/zeal-sync/internal/awareness"
	"github.com/offbit-ai/zeal-sync/internal/clock"
	"github.com/offbit-ai/zeal-sync/internal/crdt"
	"github.com/offbit-ai/zeal-sync/internal/identity"
	"github.com/offbit-ai/zeal-sync/internal/optimizer"
	"github.com/offbit-ai/zeal-sync/internal/persistence"
	"github.com/offbit-ai/zeal-sync/internal/protocol"
	"github.com/offbit-ai/zeal-sync/internal/session"
	"github.com/offbit-ai/zeal-sync/internal/transport"
	"github.com/offbit-ai/zeal-sync/pkg/errors"
)

// Options configures a Provider. URL, Room and Identity are required; nil
// optional fields get defaults.
type Options struct {
	URL      string
	Room     string
	Identity identity.Provider

	// Doc is the replicated document to sync; defaults to a fresh LWW doc.
	Doc crdt.Document
	// Store enables local durability; nil runs memory-only.
	Store persistence.Store
	// Clock defaults to the system clock.
	Clock clock.Clock
	// Dialer defaults to the WebSocket dialer.
	Dialer transport.Dialer

	Transport *transport.Config
	Awareness *awareness.Config
	Optimizer *optimizer.Config

	// OnFatal fires when reconnection attempts are exhausted.
	OnFatal func(error)
}

// Provider is one live sync stack. Create with New, start with Connect and
// release with Close.
type Provider struct {
	doc  crdt.Document
	conn *transport.Connection
	sess *session.Session
	mgr  *awareness.Manager
	opt  *optimizer.Optimizer

	store persistence.Store
	saver *persistence.Autosaver
}

// New builds the stack. Persisted document state is merged before the first
// connect; a failing store degrades the provider to memory-only operation
// instead of blocking the document.
func New(opts Options) (*Provider, error) {
	if opts.URL == "" || opts.Room == "" {
		return nil, fmt.Errorf("client: url and room are required")
	}
	if opts.Identity == nil {
		return nil, fmt.Errorf("client: identity provider is required")
	}

	id, err := opts.Identity.Identity()
	if err != nil {
		return nil, fmt.Errorf("client: resolve identity: %w", err)
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.System
	}
	doc := opts.Doc
	if doc == nil {
		doc = crdt.NewLWWDoc(opts.Room)
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = transport.NewWebSocketDialer()
	}
	cfg := opts.Transport
	if cfg == nil {
		cfg = transport.DefaultConfig(opts.URL, opts.Room)
	}
	cfg.URL = opts.URL
	cfg.Room = opts.Room
	if cfg.Token == "" {
		cfg.Token = id.Token
	}

	p := &Provider{doc: doc, store: opts.Store}

	if p.store != nil {
		if err := p.store.LoadDoc(doc); err != nil && !goerrors.Is(err, errors.ErrDocNotFound) {
			log.Printf("client: load %s failed, continuing memory-only: %v", opts.Room, err)
			p.store = nil
		}
	}

	p.conn = transport.NewConnection(cfg, dialer, clk, transport.Callbacks{
		OnMessage: func(msg protocol.Message) {
			switch msg.Type {
			case protocol.MessageSync:
				p.sess.HandleMessage(msg)
			case protocol.MessageAwareness, protocol.MessageQueryAwareness:
				p.mgr.HandleMessage(msg)
			}
		},
		OnConnected: func(clientID uint64) {
			p.mgr.SetClientID(clientID)
			p.sess.Start()
			p.mgr.Broadcast()
			p.conn.SendMessage(protocol.Message{Type: protocol.MessageQueryAwareness})
		},
		OnHeartbeat: func() {
			// Piggyback a presence refresh on the keep-alive.
			p.mgr.Broadcast()
		},
		OnStateChange: func(s transport.State) {
			log.Printf("client: %s connection %s", opts.Room, s)
		},
		OnFatal: opts.OnFatal,
	})

	p.sess = session.New(doc, p.conn)
	p.mgr = awareness.NewManager(opts.Awareness, clk, p.conn)
	p.mgr.SetLocalIdentity(id.UserID, id.UserName, id.UserColor)
	p.opt = optimizer.New(opts.Optimizer, clk, p.mgr, p.mgr, opts.Room)

	if p.store != nil {
		p.saver = persistence.NewAutosaver(p.store, doc, clk, 0)
		p.saver.OnError = func(err error) {
			// Durability failures are surfaced, then the document keeps
			// working from memory.
			log.Printf("client: persistence degraded for %s: %v", opts.Room, err)
		}
	}
	return p, nil
}

// Connect starts the transport and the presence machinery. Offline edits made
// before or during connect are reconciled by the sync handshake.
func (p *Provider) Connect(ctx context.Context) error {
	err := p.conn.Connect(ctx)
	p.mgr.Start()
	p.opt.Start()
	return err
}

// Close tears the stack down: control loops first, then the connection, then
// a final persistence flush.
func (p *Provider) Close() {
	p.opt.Stop()
	p.mgr.Stop()
	p.sess.Close()
	p.conn.Disconnect()
	if p.saver != nil {
		p.saver.Stop()
	}
}

// Doc returns the replicated document.
func (p *Provider) Doc() crdt.Document { return p.doc }

// Connection returns the transport connection.
func (p *Provider) Connection() *transport.Connection { return p.conn }

// Awareness returns the presence manager.
func (p *Provider) Awareness() *awareness.Manager { return p.mgr }

// Optimizer returns the presence optimizer.
func (p *Provider) Optimizer() *optimizer.Optimizer { return p.opt }

// UpdatePresence mutates the local presence state (debounced broadcast).
func (p *Provider) UpdatePresence(fn func(*awareness.State)) {
	p.mgr.UpdateLocal(fn)
}

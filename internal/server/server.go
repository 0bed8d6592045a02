package server

import (
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/offbit-ai/zeal-sync/internal/clock"
	"github.com/offbit-ai/zeal-sync/internal/persistence"
)

// Config configures the sync server.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string
	// AuthToken, when set, is required from clients via AUTH messages.
	AuthToken string
}

// Server serves the /sync WebSocket endpoint.
type Server struct {
	cfg      *Config
	hub      *Hub
	upgrader websocket.Upgrader
	http     *http.Server
}

// New creates a server. store may be nil for a memory-only server.
func New(cfg *Config, store persistence.Store, clk clock.Clock) *Server {
	s := &Server{
		cfg: cfg,
		hub: NewHub(store, clk),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/sync", s.serveWs)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	s.http = &http.Server{Addr: cfg.Addr, Handler: mux}
	return s
}

func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := newClient(s.hub, conn, s.cfg.AuthToken)
	go c.writePump()
	go c.readPump()
}

// Handler exposes the HTTP handler, used by tests with httptest.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe blocks serving connections.
func (s *Server) ListenAndServe() error {
	return s.http.ListenAndServe()
}

// Close stops accepting connections and flushes room state.
func (s *Server) Close() error {
	err := s.http.Close()
	s.hub.Close()
	return err
}

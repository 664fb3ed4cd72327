// Package gateway is the WebSocket front door: it upgrades connections,
// dispatches request frames to the runtime's command surface, and fans
// bus events out to subscribed clients.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agentworld/agentworld/internal/config"
	"github.com/agentworld/agentworld/internal/runtime"
	"github.com/agentworld/agentworld/internal/skills"
	"github.com/agentworld/agentworld/pkg/protocol"
)

// Server handles WebSocket and HTTP connections.
type Server struct {
	cfg    *config.Config
	rt     *runtime.Runtime
	skills *skills.Registry // may be nil

	upgrader websocket.Upgrader
	tokens   *tokenRegistry

	mu      sync.RWMutex
	clients map[string]*Client

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates the gateway server.
func NewServer(cfg *config.Config, rt *runtime.Runtime, sk *skills.Registry) *Server {
	s := &Server{
		cfg:     cfg,
		rt:      rt,
		skills:  sk,
		tokens:  newTokenRegistry(),
		clients: make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin validates the Origin header against the configured
// whitelist. No configuration allows everything; an empty Origin
// (non-browser clients) always passes.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("websocket origin rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the HTTP mux.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	s.mux = mux
	return mux
}

// Start listens until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := s.cfg.Gateway.Addr()
	s.httpServer = &http.Server{Addr: addr, Handler: mux}
	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := newClient(uuid.NewString(), conn, s)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.Run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c
	slog.Info("client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
	slog.Info("client disconnected", "id", c.id)
}

// StartTestServer listens on a random local port and returns the
// address plus a start function. Used by integration tests.
func StartTestServer(ctx context.Context, s *Server) (addr string, start func()) {
	mux := s.BuildMux()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}
	s.httpServer = &http.Server{Handler: mux}
	addr = ln.Addr().String()

	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = s.httpServer.Shutdown(shutdownCtx)
		}()
		_ = s.httpServer.Serve(ln)
	}
	return addr, start
}

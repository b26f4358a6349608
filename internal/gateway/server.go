package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duskline/tunnelgate/internal/protocol"
	"github.com/duskline/tunnelgate/internal/version"
)

// Server is the gateway's HTTP surface: agent websocket upgrades, the
// public forwarder, health, and connection introspection.
type Server struct {
	registry *Registry
	upgrader websocket.Upgrader

	chMu     sync.Mutex
	channels map[string]*Channel

	httpSrv *http.Server
}

// NewServer builds a gateway server bound to ListenAddr.
func NewServer() *Server {
	registry := NewRegistry()
	s := &Server{
		registry: registry,
		channels: make(map[string]*Channel),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/connections", s.handleConnections)
	mux.HandleFunc("/forward", s.handleForwardJSON)
	mux.HandleFunc("/", s.handleForwardCatchAll)

	s.httpSrv = &http.Server{Addr: ListenAddr, Handler: mux}
	return s
}

// Run starts the gateway server and blocks until it shuts down.
func (s *Server) Run(ctx context.Context) error {
	slog.Info("gateway starting", "addr", ListenAddr)
	slog.Info("endpoints",
		"health", "GET /health",
		"ws", "GET /ws",
		"connections", "GET /connections",
		"forward", "POST /forward",
		"catch_all", "GET /*",
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.shutdown()
		return nil
	}
}

// shutdown broadcasts a close frame to every connected agent, waits one
// second for them to drain, then releases the HTTP listener (spec §5).
func (s *Server) shutdown() {
	slog.Info("shutdown signal received, notifying agents")

	s.chMu.Lock()
	channels := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	s.chMu.Unlock()

	for _, ch := range channels {
		if err := ch.SendClose(); err != nil {
			slog.Warn("failed to send close frame", "err", err)
		}
	}

	time.Sleep(ShutdownDrainGrace)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("gateway shutdown error", "err", err)
	}
	slog.Info("gateway shutdown complete")
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, "success", "gateway is running", map[string]string{
		"version": version.Version,
		"status":  "operational",
	})
}

// handleUpgrade upgrades the request to a websocket and drives the
// resulting channel until it terminates.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "err", err)
		return
	}

	ch := newChannel(conn, s.registry)
	slog.Info("agent connection established", "id", ch.details.ConnectionID)

	s.chMu.Lock()
	s.channels[ch.details.ConnectionID] = ch
	s.chMu.Unlock()

	ch.Run()

	s.chMu.Lock()
	delete(s.channels, ch.details.ConnectionID)
	s.chMu.Unlock()
	slog.Info("agent connection closed", "id", ch.details.ConnectionID)
}

// handleConnections enumerates live channels.
func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	conns := s.registry.Snapshot()
	writeJSON(w, http.StatusOK, "success",
		formatCount(len(conns)), conns)
}

func writeJSON(w http.ResponseWriter, status int, apiStatus, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(protocol.APIEnvelope{
		Status:  apiStatus,
		Message: message,
		Data:    data,
	})
}

func formatCount(n int) string {
	if n == 1 {
		return "Found 1 active connection"
	}
	return fmt.Sprintf("Found %d active connections", n)
}

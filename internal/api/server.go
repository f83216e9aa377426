// Package api implements the local status and events HTTP server.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"bashobot/internal/buildinfo"
	"bashobot/internal/config"
	"bashobot/internal/events"
	"bashobot/internal/llm"
	"bashobot/internal/session"
)

// pingTimeout bounds the provider reachability check on /status.
const pingTimeout = 3 * time.Second

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the status HTTP server. It binds to loopback only; there
// is no authentication layer.
type Server struct {
	address   string
	port      int
	sessions  *session.Store
	providers *llm.Registry
	runtime   *config.RuntimeStore
	bus       *events.Bus
	logger    *slog.Logger
	server    *http.Server
	upgrader  websocket.Upgrader
}

// New creates a status server. providers and runtime drive the
// provider reachability check on /status; both may be nil.
func New(address string, port int, sessions *session.Store, providers *llm.Registry, runtime *config.RuntimeStore, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:   address,
		port:      port,
		sessions:  sessions,
		providers: providers,
		runtime:   runtime,
		bus:       bus,
		logger:    logger.With("component", "api"),
		upgrader:  websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// Start runs the server until it fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /events", s.handleEvents)

	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info("status server listening", "address", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.List()
	if err != nil {
		s.logger.Error("list sessions failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{
		"status":      "ok",
		"build":       buildinfo.Info(),
		"uptime":      buildinfo.Uptime().String(),
		"sessions":    sessions,
		"subscribers": s.bus.SubscriberCount(),
		"provider":    s.providerStatus(r.Context()),
	}, s.logger)
}

// providerStatus pings the active LLM backend so /status reflects
// whether the daemon can actually reach it.
func (s *Server) providerStatus(ctx context.Context) map[string]any {
	if s.providers == nil || s.runtime == nil {
		return nil
	}
	rt, err := s.runtime.Load()
	if err != nil {
		return map[string]any{"reachable": false, "error": err.Error()}
	}

	status := map[string]any{"name": rt.Provider, "model": rt.Model}
	client, err := s.providers.Client(rt.Provider)
	if err == nil {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		err = client.Ping(pingCtx)
	}
	if err != nil {
		status["reachable"] = false
		status["error"] = err.Error()
	} else {
		status["reachable"] = true
	}
	return status
}

// handleEvents upgrades to a WebSocket and streams the event bus until
// the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(ch)

	s.logger.Debug("events client connected", "remote", r.RemoteAddr)

	// Reads are discarded; a read error is the disconnect signal.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("events client write failed", "error", err)
				return
			}
		}
	}
}

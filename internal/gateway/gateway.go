// Package gateway implements the tablet-facing WebSocket server.
//
// Clients connect to /ws_bidirectional and exchange JSON [Frame] envelopes.
// Inbound frames are validated and dispatched to [Callbacks]; outbound frames
// are fanned out by an internal hub with per-client write queues so one slow
// tablet never blocks the rest. A /status endpoint reports readiness using
// the health checkers supplied at construction.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/Eden-sudo/umebot/internal/health"
	"github.com/Eden-sudo/umebot/pkg/types"
)

// systemSender labels system frames originating from the gateway itself.
const systemSender = "Sistema"

// shutdownTimeout bounds the graceful HTTP shutdown during Run teardown.
const shutdownTimeout = 3 * time.Second

// Callbacks are invoked from connection read loops as frames arrive. All
// fields are optional; a nil callback drops the corresponding event. The
// gateway never calls a callback with an invalid payload.
type Callbacks struct {
	// OnClientConnected fires after a client is registered and can receive
	// frames. The orchestrator uses it to push the configuration snapshot.
	OnClientConnected func(ctx context.Context, clientID string)

	// OnClientDisconnected fires after the client is removed from the hub.
	OnClientDisconnected func(clientID string)

	// OnInput receives a validated "input" frame.
	OnInput func(ctx context.Context, clientID string, p InputPayload)

	// OnConfig receives a validated "config" frame.
	OnConfig func(ctx context.Context, clientID string, p ConfigPayload)

	// OnGamepad receives every validated gamepad snapshot, including ones
	// carrying the emergency gesture: the motion arbiter needs release
	// snapshots to leave the stopped state.
	OnGamepad func(clientID string, state types.GamepadState)

	// OnGamepadEmergencyStop fires additionally when a snapshot carries the
	// emergency gesture (L3 or R3 pressed).
	OnGamepadEmergencyStop func(clientID string)
}

// Config configures a [Server].
type Config struct {
	// Addr is the listen address, e.g. "0.0.0.0:8765". Required for Run;
	// Handler-only use (tests, embedding in another mux) may leave it empty.
	Addr string

	// Callbacks receive validated inbound frames.
	Callbacks Callbacks

	// Checkers back the /status readiness endpoint.
	Checkers []health.Checker

	// Middleware, when non-nil, wraps the handler returned by
	// [Server.Handler] (and therefore everything Run serves).
	Middleware func(http.Handler) http.Handler

	// CertFile and KeyFile enable TLS when both are set; clients then
	// connect over wss://.
	CertFile string
	KeyFile  string

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Server is the tablet gateway. Create one with [NewServer].
type Server struct {
	addr       string
	callbacks  Callbacks
	status     *health.Handler
	middleware func(http.Handler) http.Handler
	certFile   string
	keyFile    string
	log        *slog.Logger

	hub    *hub
	nextID atomic.Uint64

	httpServer *http.Server
}

// NewServer creates a gateway server. The server does not listen until
// [Server.Run] is called; [Server.Handler] exposes the routes directly.
func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "gateway")

	return &Server{
		addr:       cfg.Addr,
		callbacks:  cfg.Callbacks,
		status:     health.New(cfg.Checkers...),
		middleware: cfg.Middleware,
		certFile:   cfg.CertFile,
		keyFile:    cfg.KeyFile,
		log:        log,
		hub:        newHub(log),
	}
}

// Handler returns the gateway's HTTP routes: GET /ws_bidirectional for the
// tablet protocol and GET /status for readiness.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws_bidirectional", s.handleWS)
	mux.HandleFunc("GET /status", s.status.Readyz)
	if s.middleware != nil {
		return s.middleware(mux)
	}
	return mux
}

// Run serves HTTP on the configured address until ctx is cancelled, then
// shuts the listener down and closes remaining client connections.
func (s *Server) Run(ctx context.Context) error {
	if s.addr == "" {
		return errors.New("gateway: listen address must not be empty")
	}

	s.httpServer = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		if s.certFile != "" && s.keyFile != "" {
			s.log.Info("listening", "addr", s.addr, "tls", true)
			errCh <- s.httpServer.ListenAndServeTLS(s.certFile, s.keyFile)
			return
		}
		s.log.Info("listening", "addr", s.addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("gateway: shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("gateway: serve: %w", err)
	}
}

// Broadcast sends a frame to every connected client.
func (s *Server) Broadcast(f Frame) { s.hub.broadcast(f) }

// SendTo sends a frame to one client. Frames to unknown clients are dropped.
func (s *Server) SendTo(clientID string, f Frame) { s.hub.sendTo(clientID, f) }

// ClientCount reports the number of connected clients.
func (s *Server) ClientCount() int { return s.hub.count() }

// handleWS upgrades the connection, registers the client, and runs its read
// loop until the peer disconnects or the server context ends.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Tablets connect from arbitrary local-network origins.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	clientID := fmt.Sprintf("tablet_%d", s.nextID.Add(1))
	c := newClient(clientID, conn)
	s.hub.register(c)

	ctx := r.Context()
	go c.writeLoop(ctx, s.log)

	s.log.Info("client connected", "client_id", clientID, "remote", r.RemoteAddr)
	if s.callbacks.OnClientConnected != nil {
		s.callbacks.OnClientConnected(ctx, clientID)
	}

	s.readLoop(ctx, c)

	s.hub.unregister(clientID)
	conn.Close(websocket.StatusNormalClosure, "session closed")
	s.log.Info("client disconnected", "client_id", clientID)
	if s.callbacks.OnClientDisconnected != nil {
		s.callbacks.OnClientDisconnected(clientID)
	}
}

// readLoop consumes frames from one connection until it fails or closes.
func (s *Server) readLoop(ctx context.Context, c *client) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				return
			}
			if ctx.Err() != nil {
				return
			}
			s.log.Debug("read failed", "client_id", c.id, "error", err)
			return
		}
		if typ != websocket.MessageText {
			s.reject(c.id, "binary frames are not supported", "")
			continue
		}
		s.dispatch(ctx, c.id, data)
	}
}

// dispatch parses one inbound message and routes it. A message the gateway
// cannot understand produces a system error frame to the sender only; it is
// never broadcast and never reaches a callback.
func (s *Server) dispatch(ctx context.Context, clientID string, data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		s.reject(clientID, "malformed message", "message is not a valid frame")
		return
	}

	switch f.Type {
	case TypeInput:
		p, err := parseInput(f.Payload)
		if err != nil {
			s.reject(clientID, "invalid input frame", err.Error())
			return
		}
		if s.callbacks.OnInput != nil {
			s.callbacks.OnInput(ctx, clientID, p)
		}

	case TypeConfig:
		p, err := parseConfig(f.Payload)
		if err != nil {
			s.reject(clientID, "invalid config frame", err.Error())
			return
		}
		if s.callbacks.OnConfig != nil {
			s.callbacks.OnConfig(ctx, clientID, p)
		}

	case TypeGamepadState:
		state, err := parseGamepad(f.Payload)
		if err != nil {
			s.reject(clientID, "invalid gamepad frame", err.Error())
			return
		}
		if state.EmergencyPressed() && s.callbacks.OnGamepadEmergencyStop != nil {
			s.callbacks.OnGamepadEmergencyStop(clientID)
		}
		if s.callbacks.OnGamepad != nil {
			s.callbacks.OnGamepad(clientID, state)
		}

	default:
		s.reject(clientID, "unknown message type", fmt.Sprintf("type %q is not supported", f.Type))
	}
}

// reject reports a protocol violation back to the offending client.
func (s *Server) reject(clientID, text, detail string) {
	s.log.Warn("rejected message", "client_id", clientID, "reason", text, "detail", detail)
	s.hub.sendTo(clientID, NewSystemFrame(systemSender, LevelError, text, detail))
}

package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/txgate/internal/observability"
	"github.com/harun/txgate/internal/tracing"
	"github.com/harun/txgate/pkg/fault"
	"github.com/harun/txgate/pkg/wire"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const (
	maxBodyBytes           = 16 << 20
	defaultShutdownTimeout = 30 * time.Second
)

// Server binds a dispatcher to HTTP POST /rpc and websocket /ws.
type Server struct {
	addr            string
	shutdownTimeout time.Duration
	dispatcher      Dispatcher
	limitsMu        sync.RWMutex
	limits          Limits
	server          *http.Server
	listener        net.Listener
	upgrader        websocket.Upgrader
	clients         *ClientRegistry
	auth            *Authenticator
	logger          zerolog.Logger
	isShuttingDown  bool
	shutdownMu      sync.RWMutex
	inFlightReqs    sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	// Addr is the listen address, host:port. Port 0 picks a free port.
	Addr            string
	SharedSecret    string
	Dispatcher      Dispatcher
	Limits          Limits
	ShutdownTimeout time.Duration
	Logger          zerolog.Logger
}

// NewServer creates a new transport server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("listen address is required")
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	s := &Server{
		addr:            cfg.Addr,
		shutdownTimeout: cfg.ShutdownTimeout,
		dispatcher:      cfg.Dispatcher,
		limits:          cfg.Limits,
		clients:         NewClientRegistry(),
		auth:            NewAuthenticator(cfg.SharedSecret),
		logger:          cfg.Logger.With().Str("component", "transport").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	return s, nil
}

func (s *Server) currentLimits() Limits {
	s.limitsMu.RLock()
	defer s.limitsMu.RUnlock()
	return s.limits
}

// SetLimits changes the websocket limits for new and connected clients.
func (s *Server) SetLimits(limits Limits) {
	s.limitsMu.Lock()
	s.limits = limits
	s.limitsMu.Unlock()

	for _, client := range s.clients.GetAll() {
		client.RateLimiter.UpdateLimits(limits)
	}
	s.logger.Info().
		Int("requests_per_minute", limits.RequestsPerMinute).
		Int("max_concurrent", limits.MaxConcurrent).
		Msg("Client limits updated")
}

// Handler returns the HTTP routes served by the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting transport server")

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Transport server error")
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop refuses new work, waits for in-flight requests and shuts the listener down.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down transport server")

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-time.After(s.shutdownTimeout):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	for _, client := range s.clients.GetAll() {
		client.Conn.Close()
	}

	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Transport server stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

// handleRPC serves one request per POST. Every decodable exchange answers 200 with an
// envelope; only transport-level refusals use other status codes.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.shuttingDown() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	if !s.auth.CheckSecret(r.Header.Get(SecretHeader)) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	codec, err := wire.ForContentType(r.Header.Get("Content-Type"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	ctx := requestContext(r)
	logger := requestLogger(ctx, s.logger)

	var resp *wire.Response
	req, err := codec.DecodeRequest(body)
	if err != nil {
		logger.Warn().Err(err).Msg("Undecodable RPC request")
		resp = wire.Fail(nil, err)
	} else {
		resp = s.dispatcher.Dispatch(ctx, req)
	}

	s.writeResponse(w, codec, resp, logger)
}

func (s *Server) writeResponse(w http.ResponseWriter, codec wire.Codec, resp *wire.Response, logger zerolog.Logger) {
	data, err := codec.EncodeResponse(resp)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to encode RPC response")
		data, err = codec.EncodeResponse(wire.Fail(nil, fault.Serialization(err)))
		if err != nil {
			http.Error(w, "failed to encode response", http.StatusInternalServerError)
			return
		}
	}
	w.Header().Set("Content-Type", codec.ContentType())
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		logger.Debug().Err(err).Msg("Failed to write RPC response")
	}
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	codec, err := wire.Lookup(r.URL.Query().Get(CodecParam))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	now := time.Now()
	client := &Client{
		ID:           clientID,
		Conn:         conn,
		Codec:        codec,
		ConnectedAt:  now,
		LastActivity: now,
		IPAddress:    r.RemoteAddr,
		RateLimiter:  NewClientRateLimiter(s.currentLimits()),
		State:        StateConnecting,
	}

	// Auth state is settled before the client is shared through the registry.
	var challenge Frame
	if s.auth.Enabled() {
		challenge, err = s.auth.Challenge(client)
		if err != nil {
			s.logger.Error().Err(err).Str("client_id", clientID).Msg("Failed to issue auth challenge")
			conn.Close()
			return
		}
	} else {
		client.Authenticated = true
		client.State = StateAuthenticated
	}
	s.clients.Add(client)

	s.logger.Info().
		Str("client_id", clientID).
		Str("ip", r.RemoteAddr).
		Str("codec", codec.Name()).
		Msg("Client connected")

	if challenge.Type != "" {
		if err := client.Send(challenge); err != nil {
			s.logger.Error().Err(err).Str("client_id", clientID).Msg("Failed to send auth challenge")
			conn.Close()
			s.clients.Remove(clientID)
			return
		}
	}

	go s.handleClient(client)
}

// handleClient reads frames until the peer goes away.
func (s *Server) handleClient(client *Client) {
	var pending sync.WaitGroup
	defer func() {
		pending.Wait()
		client.Conn.Close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("client_id", client.ID).Msg("Client disconnected")
	}()

	for {
		var frame Frame
		if err := client.Conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Error().Err(err).Str("client_id", client.ID).Msg("WebSocket error")
			}
			return
		}

		s.clients.Touch(client.ID, time.Now())
		if !s.handleFrame(client, frame, &pending) {
			return
		}
	}
}

// handleFrame processes one frame. It returns false when the connection must close.
func (s *Server) handleFrame(client *Client, frame Frame, pending *sync.WaitGroup) bool {
	switch frame.Type {
	case FrameAuth:
		var result Frame
		keep := true
		if !s.clients.Update(client.ID, func(c *Client) {
			result, keep = s.auth.Verify(c, frame.Signature)
		}) {
			return false
		}
		if err := client.Send(result); err != nil {
			s.logger.Error().Err(err).Str("client_id", client.ID).Msg("Failed to send auth result")
			return false
		}
		if !result.Success {
			s.logger.Warn().Str("client_id", client.ID).Str("reason", result.Message).Msg("Authentication failed")
			observability.RecordSecurityAudit(context.Background(), "ws_auth", client.ID, observability.StatusFailure, map[string]interface{}{
				"remote": client.IPAddress,
				"reason": result.Message,
			})
			return keep
		}
		s.logger.Info().Str("client_id", client.ID).Msg("Client authenticated")
		return true

	case FrameRequest:
	default:
		s.sendError(client, frame.Seq, fmt.Sprintf("unexpected frame type %q", frame.Type))
		return true
	}

	if !client.Authenticated {
		s.sendError(client, frame.Seq, "authentication required")
		return true
	}
	if s.shuttingDown() {
		s.sendError(client, frame.Seq, "server is shutting down")
		return true
	}

	if err := client.RateLimiter.Acquire(); err != nil {
		s.reply(client, frame.Seq, wire.Fail(nil, fault.Protocol(fault.CodeRejected, "%v", err)))
		return true
	}

	s.inFlightReqs.Add(1)
	pending.Add(1)
	go func() {
		defer pending.Done()
		defer s.inFlightReqs.Done()
		defer client.RateLimiter.Release()

		ctx := withClientID(tracing.NewRequestContext(context.Background()), client.ID)
		ctx = withRemote(ctx, client.IPAddress)

		req, err := client.Codec.DecodeRequest(frame.Payload)
		if err != nil {
			logger := requestLogger(ctx, s.logger)
			logger.Warn().Err(err).Msg("Undecodable websocket request")
			s.reply(client, frame.Seq, wire.Fail(nil, err))
			return
		}
		s.reply(client, frame.Seq, s.dispatcher.Dispatch(ctx, req))
	}()
	return true
}

func (s *Server) reply(client *Client, seq uint64, resp *wire.Response) {
	data, err := client.Codec.EncodeResponse(resp)
	if err != nil {
		s.logger.Error().Err(err).Str("client_id", client.ID).Msg("Failed to encode response")
		s.sendError(client, seq, "failed to encode response")
		return
	}
	if err := client.Send(Frame{Type: FrameResponse, Seq: seq, Payload: data}); err != nil {
		s.logger.Error().
			Err(err).
			Str("client_id", client.ID).
			Uint64("seq", seq).
			Msg("Failed to send response")
	}
}

func (s *Server) sendError(client *Client, seq uint64, message string) {
	if err := client.Send(Frame{Type: FrameError, Seq: seq, Message: message}); err != nil {
		s.logger.Error().
			Err(err).
			Str("client_id", client.ID).
			Msg("Failed to send error frame")
	}
}

// GetConnectedClients returns information about all connected websocket clients
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.Snapshot(time.Now())
}

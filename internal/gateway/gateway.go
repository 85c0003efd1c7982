// Package gateway exposes the conversation engine over HTTP: a JSON REST
// surface for conversation management, Server-Sent Events for generation
// streams, and a per-conversation WebSocket for duplex clients.
//
// The gateway keeps one Session per open conversation so concurrent requests
// against the same conversation share a single in-memory graph, and the
// orchestrator's one-worker-per-conversation rule applies across transports.
// Read endpoints serve the persisted state from the store; mutation endpoints
// go through the session.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/loom/internal/config"
	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/orchestrator"
	"github.com/haasonsaas/loom/internal/providers"
	"github.com/haasonsaas/loom/internal/session"
	"github.com/haasonsaas/loom/internal/store"
)

// maxBodyBytes bounds JSON request bodies. Attachments ride inside message
// bodies, so the cap is generous.
const maxBodyBytes = 8 << 20

// Options wires the gateway's collaborators. Config, Store and Orchestrator
// are required. Provider is the default driver new sessions generate with;
// additional drivers are constructed on demand for /v1/models lookups.
type Options struct {
	Config       *config.Config
	Store        store.Store
	Orchestrator *orchestrator.Orchestrator
	Provider     providers.Provider
	Logger       *observability.Logger
	Metrics      *observability.Metrics
}

// Server is the HTTP front of the engine.
type Server struct {
	cfg     *config.Config
	store   store.Store
	orch    *orchestrator.Orchestrator
	logger  *observability.Logger
	metrics *observability.Metrics

	provider providers.Provider

	// mu guards the session and driver registries.
	mu       sync.Mutex
	sessions map[string]*session.Session
	drivers  map[string]providers.Provider

	upgrader websocket.Upgrader

	httpServer *http.Server
	listener   net.Listener
}

// New creates a gateway server. It does not bind a listener; call Start.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	s := &Server{
		cfg:      opts.Config,
		store:    opts.Store,
		orch:     opts.Orchestrator,
		logger:   logger.WithFields("component", "gateway"),
		metrics:  opts.Metrics,
		provider: opts.Provider,
		sessions: make(map[string]*session.Session),
		drivers:  make(map[string]providers.Provider),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	if opts.Provider != nil {
		s.drivers[opts.Provider.Name()] = opts.Provider
	}
	return s
}

// Handler returns the gateway's routing table. Start serves it; tests mount
// it on httptest servers directly.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.cfg.Metrics.On() {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("GET /v1/conversations", s.handleListConversations)
	mux.HandleFunc("POST /v1/conversations", s.handleCreateConversation)
	mux.HandleFunc("GET /v1/conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("DELETE /v1/conversations/{id}", s.handleDeleteConversation)
	mux.HandleFunc("GET /v1/conversations/{id}/tree", s.handleTree)
	mux.HandleFunc("POST /v1/conversations/{id}/messages", s.handleSendMessage)
	mux.HandleFunc("POST /v1/conversations/{id}/retry", s.handleRetry)
	mux.HandleFunc("POST /v1/conversations/{id}/navigate", s.handleNavigate)
	mux.HandleFunc("POST /v1/conversations/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /v1/conversations/{id}/ws", s.handleWebSocket)

	return s.instrument(mux)
}

// Start binds the configured listen address and serves in the background
// until Shutdown. It returns once the listener is bound, so callers reading
// Addr afterwards see the resolved port.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.cfg.Server.ReadTimeout,
		WriteTimeout:      s.cfg.Server.WriteTimeout,
	}
	listener, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", srv.Addr, err)
	}
	s.httpServer = srv
	s.listener = listener
	s.logger.Info(ctx, "gateway listening", "addr", listener.Addr().String())

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(ctx, "gateway serve failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound listen address. Valid after Start; useful when the
// configured port is 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting connections, drains in-flight requests within the
// configured grace window, and closes every open session so pending quiet
// saves flush.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		grace := s.cfg.Server.ShutdownGrace
		if grace <= 0 {
			grace = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(ctx, grace)
		defer cancel()
		err = s.httpServer.Shutdown(shutdownCtx)
	}

	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*session.Session)
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.Close()
	}
	return err
}

// sessionFor returns the open session of a conversation, loading it on first
// use. The identifier resolves the way the store does (id, filename, title,
// listing index); the registry is keyed by the resolved conversation id.
func (s *Server) sessionFor(ctx context.Context, identifier string) (*session.Session, error) {
	if strings.TrimSpace(identifier) == "" {
		return nil, &providers.Error{Kind: providers.KindBadRequest, Message: "conversation id is required"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[identifier]; ok {
		return sess, nil
	}

	sess := s.newSession(s.cfg.DefaultSystemInstruction)
	conv, err := sess.Open(ctx, identifier)
	if err != nil {
		sess.Close()
		return nil, err
	}
	if existing, ok := s.sessions[conv.ID]; ok {
		sess.Close()
		return existing, nil
	}
	s.sessions[conv.ID] = sess
	return sess, nil
}

// newSession builds a session seeded from the configured defaults.
func (s *Server) newSession(systemInstruction string) *session.Session {
	return session.New(s.store, session.Options{
		Provider:          s.provider,
		Model:             s.cfg.Model,
		Params:            providers.Params(s.cfg.GenerationParams),
		SystemInstruction: systemInstruction,
		Streaming:         s.cfg.Streaming(),
		QuietSaveDelay:    s.cfg.Session.QuietSaveDelay,
		Logger:            s.logger,
	})
}

// dropSession removes and returns the conversation's session, if any.
func (s *Server) dropSession(id string) *session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[id]
	delete(s.sessions, id)
	return sess
}

// driverFor returns a driver for the named provider, constructing and caching
// it on first use. An empty name selects the configured default provider.
func (s *Server) driverFor(name string) (providers.Provider, error) {
	if name == "" {
		name = s.cfg.Provider
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.drivers[name]; ok {
		return p, nil
	}
	dcfg := s.cfg.DriverConfig(name)
	dcfg.Logger = s.logger
	p, err := providers.Create(name, dcfg)
	if err != nil {
		return nil, err
	}
	s.drivers[name] = p
	return p, nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// errorBody is the uniform error payload: the error-taxonomy kind plus a
// human-readable message.
type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	kind := providers.KindOf(err)
	writeJSON(w, statusForKind(kind), errorBody{Kind: string(kind), Message: err.Error()})
}

// statusForKind maps the driver error taxonomy onto HTTP statuses.
func statusForKind(kind providers.Kind) int {
	switch kind {
	case providers.KindBadRequest, providers.KindConfigInvalid:
		return http.StatusBadRequest
	case providers.KindAuthFailed:
		return http.StatusUnauthorized
	case providers.KindNotFound:
		return http.StatusNotFound
	case providers.KindRateLimited:
		return http.StatusTooManyRequests
	case providers.KindTimeout:
		return http.StatusGatewayTimeout
	case providers.KindNetwork, providers.KindServerError:
		return http.StatusBadGateway
	case providers.KindConversationCorrupt:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads a JSON body into dst, enforcing the body cap. An empty
// body leaves dst at its zero value. On failure it writes the error response
// and returns false.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return true
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge,
				errorBody{Kind: string(providers.KindBadRequest), Message: "request body too large"})
			return false
		}
		writeJSON(w, http.StatusBadRequest,
			errorBody{Kind: string(providers.KindBadRequest), Message: "invalid JSON body"})
		return false
	}
	return true
}

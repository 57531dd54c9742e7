// pattern: Imperative Shell

// Package web is the dev HTTP server. It serves whatever handler the current
// build session provides and pushes reload notifications to browsers.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"devsync/internal/events"
	"devsync/internal/logging"
)

// PathPrefix is reserved for the server's own endpoints.
const PathPrefix = "/__devsync"

// Server is the web server in front of the build output.
type Server struct {
	httpServer *http.Server
	logger     *logging.ScopedLogger
	addr       string
	certFile   string
	keyFile    string

	mu       sync.Mutex
	listener net.Listener

	app        atomic.Pointer[appHandler]
	generation atomic.Int64
	events     *eventBroker
	reload     *reloadHub
	closing    chan struct{}
	closeOnce  sync.Once
}

type appHandler struct {
	handler http.Handler
}

// Config holds web server configuration.
type Config struct {
	Host    string
	Port    int
	TLSCert string
	TLSKey  string
}

// New creates a web server. logProvider must implement
// logging.LoggerProvider (both *logging.Manager and *logging.TestLogManager
// satisfy this interface).
func New(cfg Config, logProvider logging.LoggerProvider) *Server {
	logger := logProvider.For("web")
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger:   logger,
		addr:     addr,
		certFile: cfg.TLSCert,
		keyFile:  cfg.TLSKey,
		events:   newEventBroker(),
		reload:   newReloadHub(logger),
		closing:  make(chan struct{}),
	}
	s.httpServer.RegisterOnShutdown(s.closeStreams)

	mux.HandleFunc("GET "+PathPrefix+"/health", s.handleHealth)
	mux.HandleFunc("GET "+PathPrefix+"/events", s.handleEvents)
	mux.HandleFunc("GET "+PathPrefix+"/reload", s.handleReload)
	mux.HandleFunc("GET "+PathPrefix+"/client.js", s.handleClient)
	mux.Handle("/", http.HandlerFunc(s.serveApp))

	return s
}

// SetHandler swaps the application handler. Requests already in flight
// finish on the previous handler.
func (s *Server) SetHandler(h http.Handler, generation int) {
	s.app.Store(&appHandler{handler: h})
	s.generation.Store(int64(generation))
	s.logger.Debug("handler swapped", "generation", generation)
}

// Generation returns the generation of the current handler.
func (s *Server) Generation() int {
	return int(s.generation.Load())
}

func (s *Server) serveApp(w http.ResponseWriter, r *http.Request) {
	app := s.app.Load()
	if app == nil || app.handler == nil {
		http.Error(w, "build not ready", http.StatusServiceUnavailable)
		return
	}
	app.handler.ServeHTTP(w, r)
}

// OnBuildEvent notifies connected browsers about finished builds.
func (s *Server) OnBuildEvent(e events.BuildEvent) {
	if e.Kind != events.Done {
		return
	}
	s.events.Notify()
	s.reload.Broadcast(newReloadMessage(e))
}

// Listen binds the server to its configured address and returns the listener.
// Call Serve() after Listen() to start accepting connections.
// This two-step approach allows callers to obtain the actual bound address
// (useful for ephemeral port 0 in tests) before the server blocks on Serve().
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("web server listen: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return ln, nil
}

// Serve accepts connections on the listener. Blocks until the server stops.
// Must call Listen() first.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("web server started", "addr", ln.Addr().String(), "tls", s.TLS())
	if s.TLS() {
		return s.httpServer.ServeTLS(ln, s.certFile, s.keyFile)
	}
	return s.httpServer.Serve(ln)
}

// TLS reports whether the server terminates TLS.
func (s *Server) TLS() bool {
	return s.certFile != "" && s.keyFile != ""
}

// Addr returns the address the server is listening on.
// Before Listen() it is the configured address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Shutdown gracefully stops the server and closes the listener. Streaming
// connections are ended first so they do not hold Shutdown open.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("web server shutting down")
	s.closeStreams()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) closeStreams() {
	s.closeOnce.Do(func() {
		close(s.closing)
		s.reload.Close()
	})
}

type healthResponse struct {
	Status     string `json:"status"`
	Generation int    `json:"generation"`
	Ready      bool   `json:"ready"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(healthResponse{
		Status:     "ok",
		Generation: s.Generation(),
		Ready:      s.app.Load() != nil,
	})
}

package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/isdmx/mcpsandbox/config"
	"github.com/isdmx/mcpsandbox/journal"
	"github.com/isdmx/mcpsandbox/sandbox"
)

const (
	serverName    = "codebox-sandbox"
	serverVersion = "0.2.0"
)

// MCPServer exposes the sandbox registry as MCP tools
type MCPServer struct {
	config   *config.Config
	logger   *zap.Logger
	registry *sandbox.Registry
	journal  *journal.Store
	uploads  afero.Fs

	mcpServer *server.MCPServer

	httpMu     sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	stopped    bool
}

// Option defines a functional option for MCPServer
type Option func(*MCPServer)

// WithUploadFs replaces the host filesystem upload_file reads from
func WithUploadFs(fs afero.Fs) Option {
	return func(s *MCPServer) {
		s.uploads = fs
	}
}

// New creates a new MCPServer. journal may be nil, which disables
// sandbox_history.
func New(cfg *config.Config, logger *zap.Logger, registry *sandbox.Registry, store *journal.Store, opts ...Option) (*MCPServer, error) {
	s := &MCPServer{
		config:   cfg,
		logger:   logger,
		registry: registry,
		journal:  store,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.uploads == nil && cfg.Sandbox.UploadRoot != "" {
		s.uploads = afero.NewBasePathFs(afero.NewOsFs(), cfg.Sandbox.UploadRoot)
	}

	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.String("sandbox.backend", cfg.Sandbox.Backend),
		zap.Int("sandbox.timeout_sec", cfg.Sandbox.TimeoutSec),
		zap.Int("sandbox.idle_timeout_sec", cfg.Sandbox.IdleTimeoutSec),
		zap.Int("sandbox.memory_mb", cfg.Sandbox.MemoryMB),
		zap.Int("sandbox.max_file_size_mb", cfg.Sandbox.MaxFileSizeMB),
		zap.Bool("sandbox.network_enabled", cfg.Sandbox.NetworkEnabled),
		zap.Bool("sandbox.enable_local_backend", cfg.Sandbox.EnableLocalBackend),
		zap.Bool("sandbox.uploads_enabled", s.uploads != nil),
		zap.Bool("journal.enabled", store != nil),
	)

	s.mcpServer = server.NewMCPServer(serverName, serverVersion, server.WithToolCapabilities(false))
	s.registerTools()

	return s, nil
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// Router mounts the streamable HTTP transport at /mcp next to a health check
func (s *MCPServer) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/mcp", server.NewStreamableHTTPServer(s.mcpServer))
	return r
}

// Listen binds the configured HTTP port without serving it yet. It fails
// with http.ErrServerClosed once Shutdown has been called.
func (s *MCPServer) Listen() (net.Addr, error) {
	s.httpMu.Lock()
	defer s.httpMu.Unlock()
	if s.stopped {
		return nil, http.ErrServerClosed
	}
	if s.listener != nil {
		return s.listener.Addr(), nil
	}

	addr := fmt.Sprintf(":%d", s.config.Server.HTTPPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return ln.Addr(), nil
}

// ServeHTTP serves the listener opened by Listen, binding it first if
// needed, until Shutdown.
func (s *MCPServer) ServeHTTP() error {
	addr, err := s.Listen()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	if err != nil {
		return err
	}

	s.httpMu.Lock()
	srv, ln := s.httpServer, s.listener
	s.httpMu.Unlock()

	s.logger.Info("starting MCP server on HTTP", zap.String("addr", addr.String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server. A later Listen or ServeHTTP does not start
// a new one.
func (s *MCPServer) Shutdown(ctx context.Context) error {
	s.httpMu.Lock()
	s.stopped = true
	srv, ln := s.httpServer, s.listener
	s.httpMu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	// Serve may not have taken ownership of the listener yet
	if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) && err == nil {
		err = cerr
	}
	return err
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *MCPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"status":"ok","sandboxes":%d}`, len(s.registry.List()))
}

func (s *MCPServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

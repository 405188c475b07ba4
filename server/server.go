package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/xiaoyuanzhu-com/claude-console/claude"
	"github.com/xiaoyuanzhu-com/claude-console/db"
	"github.com/xiaoyuanzhu-com/claude-console/log"
	"github.com/xiaoyuanzhu-com/claude-console/metrics"
)

// Config carries the values the server needs from the environment.
type Config struct {
	Host                string
	Port                int
	Env                 string
	DataDir             string
	ClaudeBinary        string
	ProjectsDir         string
	PermissionServerURL string
}

// IsDevelopment checks if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// Server owns and coordinates all application components
type Server struct {
	cfg *Config

	// Components (owned by server)
	supervisor *claude.Supervisor
	registry   *claude.Registry
	fanout     *claude.Fanout
	broker     *claude.PermissionBroker
	history    *claude.HistoryIndex

	mcpConfigPath string

	// Shutdown context - cancelled when server is shutting down.
	// Long-running handlers (SSE) should listen to this.
	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc

	// HTTP
	router *gin.Engine
	http   *http.Server
}

// New creates a new server with all components initialized
func New(cfg *Config) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:            cfg,
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
	}

	// 1. Open database
	log.Info().Msg("initializing database")
	db.GetDB()

	// 2. Core components
	s.registry = claude.NewRegistry(s.onSessionEvent)
	s.supervisor = claude.NewSupervisor(cfg.ClaudeBinary)
	s.fanout = claude.NewFanout(func(total int) {
		metrics.Subscribers.Set(float64(total))
	})
	s.broker = claude.NewPermissionBroker(s.onPermissionEvent)
	s.history = claude.NewHistoryIndex(cfg.ProjectsDir, s.registry, prefsStore{}, func() {
		metrics.ParseErrors.Inc()
	})
	s.history.Start()

	// 3. Permission-prompt MCP config for spawned subprocesses
	if cfg.PermissionServerURL != "" {
		path, err := claude.WriteMCPConfig(cfg.DataDir, cfg.PermissionServerURL)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to write mcp config: %w", err)
		}
		s.mcpConfigPath = path
		s.supervisor.SetMCPConfigPath(path)
		log.Info().Str("path", path).Msg("permission mcp config written")
	}

	// 4. Wire supervisor events into fan-out, registry, and broker
	go s.consumeEvents()

	// 5. Setup HTTP router
	s.setupRouter()

	log.Info().Msg("server initialized successfully")
	return s, nil
}

// consumeEvents drains the supervisor's event sequence on one goroutine so
// a stream's closed teardown cannot run ahead of its buffered messages.
// Closed tears down everything keyed by the stream: registry binding,
// subscribers, pending permission requests.
func (s *Server) consumeEvents() {
	for event := range s.supervisor.Events() {
		switch event.Kind {
		case claude.EventMessage:
			metrics.EventsBroadcast.Inc()
			s.fanout.Broadcast(event.StreamID, event.Record)

		case claude.EventError:
			log.Debug().Str("streamingId", event.StreamID).Str("reason", event.Reason).Msg("stream error")
			s.fanout.BroadcastError(event.StreamID, event.Reason)

		case claude.EventClosed:
			metrics.ConversationsClosed.Inc()
			metrics.ActiveStreams.Dec()
			s.registry.Unbind(event.StreamID)
			s.fanout.CloseStream(event.StreamID)
			s.broker.RemoveByStreamID(event.StreamID)
		}
	}
}

func (s *Server) onSessionEvent(event claude.SessionEvent) {
	log.Info().
		Str("kind", string(event.Kind)).
		Str("sessionId", event.SessionID).
		Str("streamingId", event.StreamID).
		Msg("session lifecycle")
}

// onPermissionEvent relays broker events to attached subscribers. Requests
// the permission server could not attribute to a stream stay list-only.
func (s *Server) onPermissionEvent(kind claude.PermissionEventKind, req *claude.PermissionRequest) {
	if req.StreamID == claude.UnknownStreamID {
		return
	}
	s.fanout.BroadcastPermission(string(kind), req.StreamID, req)
}

// setupRouter creates and configures the Gin router
func (s *Server) setupRouter() {
	if !s.cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()

	s.router.Use(gin.Recovery())
	s.router.Use(log.GinLogger())

	// CORS for development
	if s.cfg.IsDevelopment() {
		s.router.Use(s.corsMiddleware())
	}

	// Security headers (production only)
	if !s.cfg.IsDevelopment() {
		s.router.Use(s.securityHeadersMiddleware())
	}

	// Gzip compression (skip the SSE stream endpoints)
	s.router.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPathsRegexs([]string{
		`^/api/stream/.*`,
	})))

	s.router.SetTrustedProxies(nil)

	// Ignore .well-known requests
	s.router.GET("/.well-known/*path", func(c *gin.Context) {
		c.Status(http.StatusNotFound)
	})

	// Note: API routes should be set up by calling code (main.go)
	// to avoid import cycles
}

// corsMiddleware handles CORS for development environments
func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, PATCH, HEAD, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// securityHeadersMiddleware adds security headers for production
func (s *Server) securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "SAMEORIGIN")
		c.Header("Cross-Origin-Opener-Policy", "same-origin")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}

// Start starts the HTTP server (blocks)
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:     fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:  s.router,
		ErrorLog: log.StdErrorLogger(), // Route Go's internal HTTP errors through zerolog
	}

	log.Info().
		Str("addr", s.http.Addr).
		Str("env", s.cfg.Env).
		Msg("HTTP server starting")

	return s.http.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down server")

	// 1. Signal long-running handlers (SSE) so they stop before the HTTP
	// server closes their connections.
	s.shutdownCancel()
	time.Sleep(100 * time.Millisecond)

	// 2. Stop active conversations with bounded concurrency, then drain
	// the supervisor's event channels.
	if err := s.supervisor.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("supervisor shutdown error")
	}

	// 3. Disconnect remaining subscribers.
	s.fanout.DisconnectAll()

	// 4. Shutdown HTTP server (stop accepting new requests and wait for existing ones)
	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("http server shutdown error")
		}
	}

	// 5. Stop the history watcher and remove owned temp files.
	if err := s.history.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("history index shutdown error")
	}
	if err := claude.RemoveMCPConfig(s.mcpConfigPath); err != nil {
		log.Warn().Err(err).Msg("failed to remove mcp config")
	}

	// Close database last
	if err := db.Close(); err != nil {
		log.Error().Err(err).Msg("database close error")
		return err
	}

	log.Info().Msg("server shutdown complete")
	return nil
}

// Component accessors for API handlers
func (s *Server) Supervisor() *claude.Supervisor     { return s.supervisor }
func (s *Server) Registry() *claude.Registry         { return s.registry }
func (s *Server) Fanout() *claude.Fanout             { return s.fanout }
func (s *Server) Broker() *claude.PermissionBroker   { return s.broker }
func (s *Server) History() *claude.HistoryIndex      { return s.history }
func (s *Server) Router() *gin.Engine                { return s.router }
func (s *Server) ShutdownContext() context.Context   { return s.shutdownCtx }

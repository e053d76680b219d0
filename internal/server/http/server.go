// Package http exposes the task manager, event bus and tool catalog over
// HTTP, Server-Sent Events and WebSocket.
package http

import (
	"context"
	"errors"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"runcore/internal/eventbus"
	"runcore/internal/jobs"
	"runcore/internal/logging"
	"runcore/internal/observability"
	"runcore/internal/task"
	"runcore/internal/toolregistry"
)

// DefaultHeartbeat is the stream keepalive interval when Config leaves it unset.
const DefaultHeartbeat = 15 * time.Second

// Config shapes the HTTP server.
type Config struct {
	Addr           string
	AllowedOrigins []string
	// Heartbeat is the idle interval after which streams send a keepalive.
	Heartbeat time.Duration
	Version   string
	Debug     bool
}

// Dependencies are the collaborators the handlers drive.
type Dependencies struct {
	Manager  *task.Manager
	Bus      *eventbus.Bus
	Jobs     *jobs.Factory
	Registry *toolregistry.Registry
	Obs      *observability.Observability
	Logger   logging.Logger
}

// Server serves the runcore API.
type Server struct {
	cfg        Config
	manager    *task.Manager
	bus        *eventbus.Bus
	jobs       *jobs.Factory
	registry   *toolregistry.Registry
	metrics    *observability.MetricsCollector
	tracer     *observability.TracerProvider
	logger     logging.Logger
	engine     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
	startedAt  time.Time

	closing   chan struct{}
	closeOnce sync.Once
}

// NewServer builds the router and the underlying http.Server.
func NewServer(cfg Config, deps Dependencies) *Server {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	logger := deps.Logger
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("HTTPServer")
	}

	s := &Server{
		cfg:       cfg,
		manager:   deps.Manager,
		bus:       deps.Bus,
		jobs:      deps.Jobs,
		registry:  deps.Registry,
		logger:    logger,
		startedAt: time.Now(),
		closing:   make(chan struct{}),
	}
	if deps.Obs != nil {
		s.metrics = deps.Obs.Metrics
		s.tracer = deps.Obs.Tracer
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(observabilityMiddleware(s.tracer, s.metrics, logger))
	engine.Use(cors.New(s.corsConfig()))
	s.engine = engine
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe serves on the configured address until Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown. A graceful stop returns nil.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("Listening on %s", ln.Addr())
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown ends open event streams, stops accepting connections and waits
// for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down")
	s.closeOnce.Do(func() { close(s.closing) })
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) allowAllOrigins() bool {
	return slices.Contains(s.cfg.AllowedOrigins, "*")
}

func (s *Server) corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	if s.allowAllOrigins() {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = s.cfg.AllowedOrigins
	}
	cfg.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}
	cfg.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Last-Event-ID"}
	cfg.AllowWebSockets = true
	return cfg
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.allowAllOrigins() {
		return true
	}
	return slices.Contains(s.cfg.AllowedOrigins, origin)
}

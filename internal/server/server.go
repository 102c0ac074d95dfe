// Package server exposes the remote-control surface: the pairing endpoints,
// the project/device/push REST API, operational endpoints, and the encrypted
// WebSocket that streams agent output to the paired client.
package server

import (
	"encoding/json"
	"net"
	"strconv"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/claude-remote/internal/health"
	"github.com/p-blackswan/claude-remote/internal/job"
	"github.com/p-blackswan/claude-remote/internal/metrics"
	"github.com/p-blackswan/claude-remote/internal/pairing"
	"github.com/p-blackswan/claude-remote/internal/project"
	"github.com/p-blackswan/claude-remote/internal/push"
	"github.com/p-blackswan/claude-remote/internal/requestid"
	"github.com/p-blackswan/claude-remote/internal/store"
)

// Config holds the server's listen and behavior settings.
type Config struct {
	Addr            string
	PublicURL       string
	DefaultProject  string
	MaxAuthAttempts int
	Development     bool
}

// Deps bundles the collaborators the server fronts.
type Deps struct {
	Store    *store.Store
	Registry *project.Registry
	PRs      *project.PRClient
	Pairing  *pairing.Service
	Manager  *job.Manager
	Push     *push.Dispatcher
	Checker  *health.Checker
	Metrics  *metrics.Metrics
}

// Server is the Fiber application plus the WebSocket hub.
type Server struct {
	app      *fiber.App
	cfg      Config
	store    *store.Store
	registry *project.Registry
	prs      *project.PRClient
	pairing  *pairing.Service
	manager  *job.Manager
	push     *push.Dispatcher
	checker  *health.Checker
	metrics  *metrics.Metrics
	hub      *Hub
	logger   zerolog.Logger
}

// New creates and configures the server.
func New(cfg Config, deps Deps, logger zerolog.Logger) *Server {
	if cfg.MaxAuthAttempts <= 0 {
		cfg.MaxAuthAttempts = 5
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(logger, cfg.Development),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ReadBufferSize:        8192,
		WriteBufferSize:       8192,
	})

	s := &Server{
		app:      app,
		cfg:      cfg,
		store:    deps.Store,
		registry: deps.Registry,
		prs:      deps.PRs,
		pairing:  deps.Pairing,
		manager:  deps.Manager,
		push:     deps.Push,
		checker:  deps.Checker,
		metrics:  deps.Metrics,
		hub:      NewHub(),
		logger:   logger.With().Str("component", "server").Logger(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	// Request ID middleware
	s.app.Use(func(c *fiber.Ctx) error {
		_, reqID := requestid.New(c.Context())
		c.Set("X-Request-ID", reqID)
		c.Locals("request_id", reqID)
		return c.Next()
	})

	// The client is a PWA served from wherever; CORS stays permissive and
	// security rests on the envelope encryption and the PIN.
	s.app.Use(cors.New(cors.Config{
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
		AllowMethods: "GET, POST, DELETE, OPTIONS",
	}))

	// Request logging + counting, skipping noisy probes
	s.app.Use(func(c *fiber.Ctx) error {
		path := c.Path()
		if path == "/healthz" || path == "/readyz" || path == "/metrics" {
			return c.Next()
		}

		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			// The error handler has not run yet; resolve the status it will
			// assign so the counter and the log line agree with the response.
			status = fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				status = e.Code
			}
		}
		s.metrics.HTTPRequests.WithLabelValues(c.Method(), c.Route().Path, strconv.Itoa(status)).Inc()

		s.logger.Info().
			Str("method", c.Method()).
			Str("path", path).
			Int("status", status).
			Str("ip", c.IP()).
			Str("request_id", requestIDFrom(c)).
			Msg("http request")

		return err
	})
}

func requestIDFrom(c *fiber.Ctx) string {
	if id, ok := c.Locals("request_id").(string); ok {
		return id
	}
	return ""
}

func (s *Server) setupRoutes() {
	s.app.Get("/healthz", health.LivenessHandler())
	s.app.Get("/readyz", s.checker.ReadinessHandler())
	s.app.Get("/metrics", adaptor.HTTPHandler(s.metrics.Handler()))

	s.app.Get("/pair/:token", s.handlePairBegin)
	s.app.Post("/pair/:token", s.handlePairComplete)

	api := s.app.Group("/api")
	api.Get("/projects", s.handleListProjects)
	api.Get("/projects/:id/git", s.handleGitStatus)
	api.Get("/projects/:id/conversation", s.handleGetConversation)
	api.Delete("/projects/:id/conversation", s.handleClearConversation)
	api.Get("/projects/:id/pr", s.handleGetPR)
	api.Get("/projects/:id/worktrees", s.handleListWorktrees)
	api.Post("/projects/:id/worktrees", s.handleCreateWorktree)
	api.Delete("/projects/:id/worktrees", s.handleRemoveWorktree)
	api.Get("/devices", s.handleListDevices)
	api.Delete("/devices/:id", s.handleRemoveDevice)
	api.Get("/push/vapid", s.handleVAPIDKey)
	api.Post("/push/subscribe", s.handlePushSubscribe)

	if s.cfg.Development {
		api.Post("/dev/reload", s.handleDevReload)
	}

	s.app.Use("/ws", s.upgradeWS)
	s.app.Get("/ws", websocket.New(s.handleWS))
}

// Start listens on the configured address. Blocks until shutdown.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("server starting")
	return s.app.Listen(s.cfg.Addr)
}

// Serve runs the app on an existing listener; tests use it for ephemeral
// ports.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("server starting")
	return s.app.Listener(ln)
}

// Shutdown stops accepting requests, then drops every WebSocket connection.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.logger.Info().Msg("server shutting down")
	err := s.app.ShutdownWithTimeout(timeout)
	s.hub.CloseAll()
	return err
}

// App exposes the Fiber app for handler tests.
func (s *Server) App() *fiber.App {
	return s.app
}

func customErrorHandler(logger zerolog.Logger, development bool) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}

		logger.Error().
			Err(err).
			Int("status", code).
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("unhandled error")

		detail := err.Error()
		if code == fiber.StatusInternalServerError && !development {
			detail = "An internal error occurred"
		}

		return c.Status(code).JSON(ProblemDetail{
			Type:     "internal_error",
			Title:    "Internal Server Error",
			Status:   code,
			Detail:   detail,
			Instance: c.Path(),
		})
	}
}

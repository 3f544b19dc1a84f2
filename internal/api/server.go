package api

import (
	"encoding/json"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/designvault/internal/requestid"
	"github.com/p-blackswan/designvault/internal/thumbnail"
)

// legacyThumbnailPrefix serves the thumbnail cache as plain files.
const legacyThumbnailPrefix = "/thumbnails"

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	ListenAddr  string
	AuthConfig  AuthConfig
	RateLimit   RateLimitConfig
	CORSOrigins string // comma-separated; empty allows any origin
	BodyLimitMB int
	Signer      *Signer
	Heartbeat   time.Duration // change stream keep-alive interval
}

// Server is the API Fiber application.
type Server struct {
	app      *fiber.App
	handlers *Handlers
	logger   zerolog.Logger
	config   ServerConfig
	done     chan struct{}
	stopOnce sync.Once
}

// NewServer creates and configures a new API server.
func NewServer(cfg ServerConfig, deps Deps, logger zerolog.Logger) *Server {
	handlers := NewHandlers(deps, cfg, logger)

	bodyLimit := cfg.BodyLimitMB
	if bodyLimit <= 0 {
		bodyLimit = 64
	}
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(handlers),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ReadBufferSize:        8192,
		WriteBufferSize:       8192,
		BodyLimit:             bodyLimit << 20,
	})

	s := &Server{
		app:      app,
		handlers: handlers,
		logger:   logger.With().Str("component", "api_server").Logger(),
		config:   cfg,
		done:     make(chan struct{}),
	}

	s.setupMiddleware(cfg, logger)
	s.setupRoutes(handlers)

	return s
}

func (s *Server) setupMiddleware(cfg ServerConfig, logger zerolog.Logger) {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	// Request ID middleware
	s.app.Use(func(c *fiber.Ctx) error {
		reqID := requestid.Accept(c.Get(requestid.Header))
		c.Set(requestid.Header, reqID)
		c.Locals("request_id", reqID)
		c.SetUserContext(requestid.WithRequestID(c.UserContext(), reqID))
		return c.Next()
	})

	origins := cfg.CORSOrigins
	if origins == "" {
		origins = "*"
	}
	s.app.Use(cors.New(cors.Config{
		AllowOrigins:  origins,
		AllowHeaders:  "Origin, Content-Type, Accept, Authorization, X-API-Key, X-Request-ID",
		AllowMethods:  "GET, POST, PUT, PATCH, DELETE, OPTIONS",
		ExposeHeaders: "Content-Disposition, X-Request-ID, X-Thumbnail-Source",
	}))

	if cfg.RateLimit.RPS > 0 {
		s.app.Use(NewRateLimitMiddleware(cfg.RateLimit, s.done))
	}

	s.app.Use(NewAuthMiddleware(cfg.AuthConfig, cfg.Signer, logger))

	// Audit middleware: log every request, persist mutations.
	s.app.Use(func(c *fiber.Ctx) error {
		path := c.Path()
		if isProbe(path) {
			return c.Next()
		}

		start := time.Now()
		err := c.Next()
		if err != nil {
			// Run the error handler now so the recorded status is final.
			if herr := c.App().ErrorHandler(c, err); herr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
			err = nil
		}
		elapsed := time.Since(start)
		status := c.Response().StatusCode()

		logger.Info().
			Str("method", c.Method()).
			Str("path", path).
			Int("status", status).
			Dur("duration", elapsed).
			Str("ip", c.IP()).
			Str(requestid.LogField, requestID(c)).
			Msg("api request")

		s.handlers.observe(c, status, elapsed)
		if c.Method() != fiber.MethodGet && c.Method() != fiber.MethodHead && c.Method() != fiber.MethodOptions {
			s.handlers.audit(c, status, elapsed)
		}
		return err
	})
}

func (s *Server) setupRoutes(h *Handlers) {
	// Probe endpoints (no auth required, handled in auth middleware)
	s.app.Get("/healthz", h.Liveness)
	s.app.Get("/readyz", h.Readiness)

	api := s.app.Group("/api")

	api.Get("/projects", h.ListProjects)
	api.Get("/projects/:project", h.GetProject)
	api.Patch("/projects/:project/settings", h.UpdateProjectSettings)

	api.Get("/tasks/:project", h.ListTasks)
	api.Get("/tasks/:project/:task", h.GetTask)
	api.Get("/tasks/:project/:task/files", h.ListFiles)
	api.Put("/tasks/:project/:task/status", h.SetStatus)
	api.Put("/tasks/:project/:task/files/:file/description", h.SetDescription)
	api.Put("/tasks/:project/:task/files/:file/tag", h.SetTag)
	api.Put("/tasks/:project/:task/default-file", h.SetDefaultFile)
	api.Post("/tasks/:project/:task/comments", h.AddComment)
	api.Put("/tasks/:project/:task/readme", h.ReplaceReadme)

	api.Post("/upload/chunk/:project/:task", h.UploadChunk)
	api.Get("/upload/status/:uploadId", h.UploadStatus)
	api.Delete("/upload/cancel/:uploadId", h.CancelUpload)

	api.Get("/files/thumbnail/:project/:task/:file", h.Thumbnail)
	api.Get("/files/download/:project/:task/:file", h.Download)
	api.Delete("/files/:project/:task/:file", h.DeleteFile)

	api.Get("/download/tags/:project", h.Tags)
	api.Get("/download/files-by-tag/:project/:tag", h.FilesByTag)
	api.Get("/download/download-by-tag/:project/:tag", h.DownloadByTag)

	api.Get("/changes/stream", h.ChangeStream)

	api.Post("/sign", h.SignURL)
	api.Get("/jobs", h.ListJobs)
	api.Get("/jobs/:id", h.GetJob)
	api.Get("/audit", h.RecentAudit)

	// Legacy paths still used by older clients.
	api.Put("/tasks/:project/:task/psd/:file/description", h.SetDescription)
	api.Get("/psd/thumbnail/:project/:task/:file", h.Thumbnail)
	api.Get("/psd/download/:project/:task/:file", h.Download)
	api.Delete("/psd/:project/:task/:file", h.DeleteFile)
	s.app.Static(legacyThumbnailPrefix, filepath.Join(h.root, thumbnail.Dir), fiber.Static{
		MaxAge: 86400,
	})
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = ":3000"
	}

	s.logger.Info().Str("addr", addr).Msg("API server starting")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server. Open change streams are ended
// first so the listener can drain.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("API server shutting down")
	s.stop()
	return s.app.Shutdown()
}

// Close releases background resources without touching the listener. Tests
// that never call Start use it.
func (s *Server) Close() {
	s.stop()
}

func (s *Server) stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.handlers.closeStreams()
	})
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

func requestID(c *fiber.Ctx) string {
	if id, ok := c.Locals("request_id").(string); ok {
		return id
	}
	return ""
}

func statusLabel(status int) string {
	return strconv.Itoa(status)
}

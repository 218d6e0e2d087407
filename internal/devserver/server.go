// Package devserver is a development implementation of the remote message
// store: the REST contract the engine talks to plus its realtime websocket
// feed, backed by SQLite.
package devserver

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/gymlink/gymchat/internal/feed"
	"github.com/gymlink/gymchat/internal/store"
)

// Config configures the server.
type Config struct {
	// Secret signs and verifies HS256 bearer tokens.
	Secret []byte
	// PublicURL prefixes media URLs handed out by uploads.
	PublicURL string
	// TokenTTL is the lifetime of tokens issued by /auth/token.
	TokenTTL time.Duration
	// MaxUpload bounds multipart uploads in bytes.
	MaxUpload int
}

// Server serves the REST contract and the realtime feed.
type Server struct {
	db        *store.DB
	hub       *feed.Hub
	app       *fiber.App
	secret    []byte
	publicURL string
	tokenTTL  time.Duration
	logger    *zap.Logger
}

// New builds the fiber app. logger may be nil.
func New(db *store.DB, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	if cfg.MaxUpload <= 0 {
		cfg.MaxUpload = 10 << 20
	}
	s := &Server{
		db:        db,
		hub:       feed.NewHub(),
		secret:    cfg.Secret,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
		tokenTTL:  cfg.TokenTTL,
		logger:    logger,
	}
	s.app = fiber.New(fiber.Config{
		AppName:               "gymchat-devserver",
		BodyLimit:             cfg.MaxUpload,
		DisableStartupMessage: true,
		ErrorHandler:          s.errorHandler,
	})
	s.routes()
	return s
}

// App returns the fiber app, for tests and custom listeners.
func (s *Server) App() *fiber.App { return s.app }

// Listen serves on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	s.logger.Info("dev server listening", zap.String("addr", addr))
	return s.app.Listen(addr)
}

// Shutdown stops the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) routes() {
	s.app.Use(recover.New())
	s.app.Use(s.requestLogger)

	s.app.Get("/health", s.health)
	s.app.Post("/auth/token", s.issueToken)
	s.app.Get("/media/:id", s.getMedia)

	s.app.Get("/realtime", s.authMiddleware, s.upgradeOnly, websocket.New(s.realtime))

	chat := s.app.Group("/chat", s.authMiddleware)
	chat.Get("/", s.listConversations)
	chat.Post("/", s.createConversation)
	chat.Delete("/messages/:id", s.deleteMessage)
	chat.Delete("/:id", s.deleteConversation)
	chat.Get("/:id/messages", s.listMessages)
	chat.Post("/:id/messages", s.sendMessage)
	chat.Post("/:id/read", s.markRead)

	s.app.Post("/media", s.authMiddleware, s.uploadMedia)
}

func (s *Server) upgradeOnly(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

func (s *Server) requestLogger(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	s.logger.Debug("request",
		zap.String("method", c.Method()),
		zap.String("path", c.Path()),
		zap.Int("status", c.Response().StatusCode()),
		zap.Duration("took", time.Since(start)),
	)
	return err
}

// errorHandler renders errors as {"error": "..."}.
func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		code = fe.Code
	case errors.Is(err, store.ErrNotFound):
		code = fiber.StatusNotFound
	}
	if code >= fiber.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

package delivery

import (
	"matchchat/internal/auth"
	"matchchat/internal/config"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
)

const localUserID = "user_id"

type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

type Server struct {
	config    *config.Config
	wsManager *WSManager
	messages  MessageService
	presence  PresenceService
	validator TokenValidator
	limiter   *UserRateLimiter
	logger    *zap.Logger
	app       *fiber.App

	gauges []healthGauge
}

type healthGauge struct {
	name string
	read func() int
}

func NewServer(config *config.Config, wsManager *WSManager, messages MessageService, presence PresenceService, validator TokenValidator, limiter *UserRateLimiter, logger *zap.Logger) *Server {
	s := &Server{
		config:    config,
		wsManager: wsManager,
		messages:  messages,
		presence:  presence,
		validator: validator,
		limiter:   limiter,
		logger:    logger,
	}
	s.app = s.buildApp()
	return s
}

// AddHealthGauge reports read() under name on /health. Register gauges
// before Start.
func (s *Server) AddHealthGauge(name string, read func() int) {
	s.gauges = append(s.gauges, healthGauge{name: name, read: read})
}

// App exposes the Fiber application, mainly for app.Test.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) buildApp() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "matchchat WebSocket & REST Server",
		DisableStartupMessage: !s.config.IsDevelopment(),
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${method} ${path} ${latency}\n",
	}))

	corsConfig := cors.Config{
		AllowMethods:     "GET,POST,HEAD,PUT,DELETE,PATCH,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,X-Requested-With,Access-Control-Request-Method,Access-Control-Request-Headers",
		ExposeHeaders:    "Content-Length,Access-Control-Allow-Origin,Access-Control-Allow-Headers,Content-Type",
		AllowCredentials: s.config.AllowCredentials,
		MaxAge:           86400, // 24 hours
	}

	if s.config.IsProduction() {
		corsConfig.AllowOrigins = s.config.GetCORSOrigins()
		s.logger.Info("CORS configured for production", zap.String("origins", corsConfig.AllowOrigins))
	} else {
		corsConfig.AllowOrigins = "*"
		corsConfig.AllowCredentials = false // Never allow credentials with wildcard origin
		s.logger.Info("CORS configured for development with wildcard origin")
	}

	app.Use(cors.New(corsConfig))

	app.Get("/health", func(c *fiber.Ctx) error {
		body := fiber.Map{
			"status":             "ok",
			"message":            "matchchat server is running",
			"port":               s.config.Port,
			"environment":        s.config.Environment,
			"active_connections": s.wsManager.GetActiveConnections(),
		}
		for _, g := range s.gauges {
			body[g.name] = g.read()
		}
		return c.JSON(body)
	})

	api := app.Group("/api", s.authenticate, s.rateLimit)
	api.Get("/messages", s.handleGetMessages)
	api.Post("/messages", s.handleCreateMessage)
	api.Post("/messages/mark-read", s.handleMarkRead)
	api.Patch("/messages/:id", s.handleEditMessage)
	api.Delete("/messages/:id", s.handleDeleteMessage)
	api.Get("/presence/:userId", s.handleGetPresence)
	api.Get("/conversations/:userId/typing", s.handleGetTyping)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}, s.authenticate)

	app.Get("/ws", websocket.New(func(c *websocket.Conn) {
		userID, _ := c.Locals(localUserID).(string)
		s.wsManager.HandleConnection(c, userID)
	}))

	return app
}

func (s *Server) Start() error {
	s.logger.Info("matchchat server (WebSocket + REST) starting", zap.String("port", s.config.Port))
	return s.app.Listen(":" + s.config.Port)
}

func (s *Server) Shutdown() error {
	s.wsManager.Shutdown()
	return s.app.Shutdown()
}

// authenticate accepts a bearer header or, for browsers opening a socket,
// a token query parameter.
func (s *Server) authenticate(c *fiber.Ctx) error {
	token := auth.BearerToken(c.Get(fiber.HeaderAuthorization))
	if token == "" {
		token = c.Query("token")
	}
	if token == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"success": false,
			"message": "Missing bearer token",
			"error":   "unauthorized",
		})
	}

	userID, err := s.validator.ValidateToken(token)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"success": false,
			"message": "Invalid token",
			"error":   err.Error(),
		})
	}

	c.Locals(localUserID, userID)
	return c.Next()
}

func (s *Server) rateLimit(c *fiber.Ctx) error {
	if s.limiter == nil {
		return c.Next()
	}
	userID, _ := c.Locals(localUserID).(string)
	if !s.limiter.Allow(userID) {
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"success": false,
			"message": "Too many requests",
			"error":   "rate limited",
		})
	}
	return c.Next()
}

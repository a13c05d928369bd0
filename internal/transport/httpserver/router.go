// Package httpserver provides HTTP server and routing.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.uber.org/zap"

	"reservation-service/internal/transport/httpserver/dto"
	"reservation-service/internal/transport/httpserver/handler"
	"reservation-service/internal/transport/httpserver/middleware"
	"reservation-service/internal/validator"
)

// ServerConfig holds server configuration.
type ServerConfig struct {
	Port          int
	BodyLimit     int
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ClientRate    float64
	ClientBurst   int
	ClientIdleTTL time.Duration
}

// Services are the use cases served over HTTP.
type Services struct {
	Reservations handler.ReservationService
	Outbox       handler.OutboxService
	Scanner      handler.BacklogScanner
}

// Server wraps Fiber app with handlers.
type Server struct {
	App    *fiber.App
	Logger *zap.Logger

	clients    *middleware.ClientLimiter
	janitorCtx context.Context
	stop       context.CancelFunc
}

// NewServer creates a new HTTP server with all routes configured. Readiness
// probes back GET /readyz.
func NewServer(
	cfg ServerConfig,
	svc Services,
	v *validator.Validator,
	logger *zap.Logger,
	probes ...middleware.Probe,
) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "reservation-service",
		BodyLimit:             cfg.BodyLimit,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		ErrorHandler:          errorHandler(logger),
		DisableStartupMessage: true,
	})

	// Probes stay reachable under load, so they go before the limiter.
	app.Use(middleware.NewHealthCheck(probes...))

	clients := middleware.NewClientLimiter(cfg.ClientRate, cfg.ClientBurst, cfg.ClientIdleTTL)

	app.Use(requestid.New())
	app.Use(middleware.Recover(logger))
	app.Use(middleware.Logger(logger))
	if cfg.ClientRate > 0 {
		app.Use(middleware.RateLimit(clients, logger))
	}

	registerRoutes(app,
		handler.NewReservationHandler(svc.Reservations, v, logger),
		handler.NewOutboxHandler(svc.Outbox, svc.Scanner, logger),
	)

	janitorCtx, stop := context.WithCancel(context.Background())

	return &Server{
		App:        app,
		Logger:     logger,
		clients:    clients,
		janitorCtx: janitorCtx,
		stop:       stop,
	}
}

func registerRoutes(app *fiber.App, reservations *handler.ReservationHandler, outbox *handler.OutboxHandler) {
	v1 := app.Group("/api/v1")

	occupancies := v1.Group("/occupancies")
	occupancies.Post("/", reservations.Occupy)
	occupancies.Get("/:id", reservations.GetByID)
	occupancies.Delete("/:id", reservations.Cancel)

	admin := v1.Group("/admin/outbox")
	admin.Post("/scan", outbox.Scan)
	admin.Get("/:id", outbox.GetByID)
	admin.Post("/:id/deliver", outbox.Deliver)
}

// errorHandler handles errors that escape the handlers, mostly routing
// misses and body limits. 404s log at DEBUG, 4xx at WARN, 5xx at ERROR.
func errorHandler(logger *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		msg := "internal server error"

		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
			msg = fe.Message
		}

		fields := []zap.Field{
			zap.Error(err),
			zap.Int("status", code),
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
		}
		switch {
		case code == fiber.StatusNotFound:
			logger.Debug("route not found", fields...)
		case code >= 500:
			logger.Error("server error", fields...)
		default:
			logger.Warn("client error", fields...)
		}

		return c.Status(code).JSON(dto.ErrorResponse{
			Error: msg,
			Code:  "HTTP_" + strconv.Itoa(code),
		})
	}
}

// Start serves HTTP on the configured port until Shutdown. It also runs the
// eviction loop of the per-client limiter.
func (s *Server) Start(port int) error {
	s.clients.StartJanitor(s.janitorCtx)

	s.Logger.Info("starting HTTP server", zap.Int("port", port))

	return s.App.Listen(fmt.Sprintf(":%d", port))
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("shutting down HTTP server")

	s.stop()

	return s.App.ShutdownWithContext(ctx)
}

package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/harrisonrobin/taskboard/pkg/model"
	"github.com/harrisonrobin/taskboard/pkg/syncer"
)

// Authorizer builds consent URLs.
type Authorizer interface {
	AuthURL(userID string) (string, error)
}

// Connections manages the stored calendar credential.
type Connections interface {
	Connect(ctx context.Context, state, code string) (string, error)
	Disconnect(ctx context.Context, userID string) error
	Connected(ctx context.Context, userID string) (bool, error)
}

// Syncer pushes records to the calendar.
type Syncer interface {
	Sync(ctx context.Context, userID string, kind model.Kind, id string) (syncer.Result, error)
	Unsync(ctx context.Context, userID string, kind model.Kind, id string) (syncer.Result, error)
	UpdateTask(ctx context.Context, userID string, kind model.Kind, id string, fields model.TaskFields) (*model.Task, syncer.Result, error)
}

// Reconciler reads the calendar back and handles push channels.
type Reconciler interface {
	DefaultWindow() model.Window
	ListUpcoming(ctx context.Context, userID string, window model.Window) ([]model.DisplayRecord, error)
	OnExternalChangeNotification(ctx context.Context, channelID, resourceState string) error
	Watch(ctx context.Context, userID string) (*model.WatchChannel, error)
	ForgetChannels(ctx context.Context, userID string) error
}

// SyncLog reads the audit trail.
type SyncLog interface {
	ListSyncLog(ctx context.Context, userID string, limit int) ([]model.SyncLogEntry, error)
}

// Config holds the HTTP settings.
type Config struct {
	AppName     string
	FrontendURL string
	JWT         JWTConfig
}

// Services are the components the routes call into.
type Services struct {
	Authorizer  Authorizer
	Connections Connections
	Syncer      Syncer
	Reconciler  Reconciler
	SyncLog     SyncLog
}

// Server exposes calendar sync over HTTP.
type Server struct {
	cfg Config
	svc Services
	log *slog.Logger
	app *fiber.App
}

// New builds the fiber app and registers every route.
func New(cfg Config, svc Services, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{cfg: cfg, svc: svc, log: log}

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})
	app.Use(recover.New())
	app.Use(fiberlogger.New())
	if cfg.FrontendURL != "" {
		app.Use(cors.New(cors.Config{
			AllowOrigins: []string{cfg.FrontendURL},
			AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization"},
			AllowMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		}))
	}

	// Public routes go first so the group middleware below never sees them.
	app.Get("/api/v1/health", s.health)
	app.Get("/calendar/callback", s.callback)
	app.Post("/webhooks/calendar", s.webhook)

	api := app.Group("/api/v1", JWTMiddleware(cfg.JWT))
	api.Get("/calendar/authorize", s.authorize)
	api.Get("/calendar/status", s.status)
	api.Delete("/calendar/connection", s.disconnect)
	api.Get("/calendar/events", s.events)
	api.Post("/calendar/watch", s.watch)
	api.Get("/calendar/logs", s.logs)
	api.Post("/:kind/:id/sync", s.sync)
	api.Delete("/:kind/:id/sync", s.unsync)
	api.Patch("/:kind/:id", s.updateTask)

	s.app = app
	return s
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on addr until Shutdown is called.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true})
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

const reasonInvalidRequest = "invalid_request"

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

func statusFor(reason string) int {
	switch reason {
	case model.ReasonUnauthenticated:
		return fiber.StatusUnauthorized
	case model.ReasonNeedsAuthorization:
		return fiber.StatusForbidden
	case model.ReasonRetryLater:
		return fiber.StatusBadGateway
	case model.ReasonConflict:
		return fiber.StatusConflict
	case model.ReasonInvalidTask:
		return fiber.StatusUnprocessableEntity
	case model.ReasonNotFound:
		return fiber.StatusNotFound
	case reasonInvalidRequest:
		return fiber.StatusBadRequest
	default:
		return fiber.StatusInternalServerError
	}
}

func renderError(c fiber.Ctx, err error) error {
	reason := model.Reason(err)
	msg := err.Error()
	if reason == model.ReasonInternal {
		slog.Error("request failed", "method", c.Method(), "path", c.Path(), "error", err)
		msg = "internal error"
	}
	return c.Status(statusFor(reason)).JSON(errorResponse{Error: msg, Reason: reason})
}

func badRequest(c fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: msg, Reason: reasonInvalidRequest})
}

// renderResult writes a sync outcome, with the status derived from its reason.
func renderResult(c fiber.Ctx, res syncer.Result, err error) error {
	if err == nil {
		return c.JSON(res)
	}
	if res.Reason == "" {
		return renderError(c, err)
	}
	if res.Reason == model.ReasonInternal {
		res.Error = "internal error"
	}
	return c.Status(statusFor(res.Reason)).JSON(res)
}

// Package http exposes the appointments service as a JSON API on fiber.
package http

import (
	"context"
	"log/slog"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"

	"shopfloor/backend/internal/domain"
	"shopfloor/backend/internal/schedule"
	"shopfloor/backend/internal/service/appointments"
	"shopfloor/backend/internal/store"
)

type appointmentsService interface {
	Get(ctx context.Context, appointmentID uuid.UUID) (domain.Appointment, error)
	List(ctx context.Context, filter store.AppointmentFilter) ([]domain.Appointment, error)
	Create(ctx context.Context, in appointments.CreateInput) (domain.Appointment, error)
	Update(ctx context.Context, appointmentID uuid.UUID, in appointments.UpdateInput) (appointments.Result, error)
	Reschedule(ctx context.Context, appointmentID uuid.UUID, in appointments.RescheduleInput) (appointments.Result, error)
	Cancel(ctx context.Context, appointmentID uuid.UUID) (domain.Appointment, error)
	CheckConflicts(ctx context.Context, in appointments.ConflictInput) (appointments.ConflictReport, error)
	SimulateCascade(ctx context.Context, in appointments.SimulateInput) ([]schedule.Move, error)
	BatchUpdate(ctx context.Context, moves []appointments.BatchMove) ([]domain.Appointment, error)
}

type Options struct {
	// RequestTimeout bounds every request's context. Zero means 10s.
	RequestTimeout time.Duration
	// Ping backs /healthz. Nil reports healthy.
	Ping func(ctx context.Context) error
	// Prometheus, when set, serves /metrics and instruments every route.
	Prometheus *fiberprometheus.FiberPrometheus
	Log        *slog.Logger
}

// NewApp builds the fiber application with the API under /api/appointments.
func NewApp(svc appointmentsService, opts Options) *fiber.App {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	app := fiber.New(fiber.Config{
		AppName:               "shopfloor",
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(log.With(slog.String("component", "http.errors"))),
	})

	app.Use(recover.New())
	app.Use(requestid.New())
	if opts.Prometheus != nil {
		opts.Prometheus.RegisterAt(app, "/metrics")
		app.Use(opts.Prometheus.Middleware)
	}
	app.Use(requestTimeout(opts.RequestTimeout))

	app.Get("/healthz", healthz(opts.Ping))

	h := &AppointmentsHandler{
		svc: svc,
		log: log.With(slog.String("component", "http.appointments")),
	}
	h.Register(app.Group("/api/appointments"))

	app.Use(func(c *fiber.Ctx) error {
		return fiber.NewError(fiber.StatusNotFound, "resource not found")
	})
	return app
}

// requestTimeout gives handlers a deadline unless the caller's context
// already has one.
func requestTimeout(timeout time.Duration) fiber.Handler {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return func(c *fiber.Ctx) error {
		parent := c.UserContext()
		if _, ok := parent.Deadline(); ok {
			return c.Next()
		}
		ctx, cancel := context.WithTimeout(parent, timeout)
		defer cancel()
		c.SetUserContext(ctx)
		return c.Next()
	}
}

func healthz(ping func(ctx context.Context) error) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if ping != nil {
			if err := ping(c.UserContext()); err != nil {
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable"})
			}
		}
		return c.JSON(fiber.Map{"status": "ok"})
	}
}

package http

import (
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"shopfloor/backend/internal/domain"
	"shopfloor/backend/internal/service/appointments"
	"shopfloor/backend/internal/store"
)

type AppointmentsHandler struct {
	svc appointmentsService
	log *slog.Logger
}

// Register mounts the appointment routes on r. Fixed paths go before /:id.
func (h *AppointmentsHandler) Register(r fiber.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Post("/conflicts", h.checkConflicts)
	r.Post("/simulate-cascade", h.simulateCascade)
	r.Post("/batch-update", h.batchUpdate)
	r.Get("/:id", h.get)
	r.Put("/:id", h.update)
	r.Post("/:id/reschedule", h.reschedule)
	r.Delete("/:id", h.cancel)
}

type createRequest struct {
	CustomerID     uuid.UUID  `json:"customerId"`
	VehicleID      uuid.UUID  `json:"vehicleId"`
	BoxID          uuid.UUID  `json:"boxId"`
	MechanicID     *uuid.UUID `json:"mechanicId"`
	ScheduledStart time.Time  `json:"scheduledStart"`
	ScheduledEnd   time.Time  `json:"scheduledEnd"`
	Description    string     `json:"description"`
	Notes          string     `json:"notes"`
}

type updateRequest struct {
	BoxID          *uuid.UUID                `json:"boxId"`
	MechanicID     *uuid.UUID                `json:"mechanicId"`
	ScheduledStart *time.Time                `json:"scheduledStart"`
	ScheduledEnd   *time.Time                `json:"scheduledEnd"`
	Status         *domain.AppointmentStatus `json:"status"`
	Description    *string                   `json:"description"`
	Notes          *string                   `json:"notes"`
}

type rescheduleRequest struct {
	BoxID          *uuid.UUID `json:"boxId"`
	ScheduledStart time.Time  `json:"scheduledStart"`
	ScheduledEnd   time.Time  `json:"scheduledEnd"`
}

// windowRequest is the body of /conflicts and /simulate-cascade.
type windowRequest struct {
	ID             uuid.UUID `json:"id"`
	BoxID          uuid.UUID `json:"boxId"`
	ScheduledStart time.Time `json:"scheduledStart"`
	ScheduledEnd   time.Time `json:"scheduledEnd"`
}

type batchUpdateRequest struct {
	Moves []struct {
		ID             uuid.UUID  `json:"id"`
		BoxID          *uuid.UUID `json:"boxId"`
		ScheduledStart time.Time  `json:"scheduledStart"`
		ScheduledEnd   time.Time  `json:"scheduledEnd"`
	} `json:"moves"`
}

func (h *AppointmentsHandler) list(c *fiber.Ctx) error {
	var filter store.AppointmentFilter

	if v := c.Query("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "start must be an RFC 3339 timestamp")
		}
		filter.WindowStart = &t
	}
	if v := c.Query("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "end must be an RFC 3339 timestamp")
		}
		filter.WindowEnd = &t
	}
	filter.Status = domain.AppointmentStatus(strings.ToUpper(c.Query("status")))

	for _, q := range []struct {
		name string
		dst  *uuid.UUID
	}{
		{"customerId", &filter.CustomerID},
		{"vehicleId", &filter.VehicleID},
		{"boxId", &filter.BoxID},
	} {
		v := c.Query(q.name)
		if v == "" {
			continue
		}
		id, err := uuid.Parse(v)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, q.name+" must be a uuid")
		}
		*q.dst = id
	}

	out, err := h.svc.List(c.UserContext(), filter)
	if err != nil {
		return err
	}
	return c.JSON(out)
}

func (h *AppointmentsHandler) get(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	appt, err := h.svc.Get(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.JSON(appt)
}

func (h *AppointmentsHandler) create(c *fiber.Ctx) error {
	var req createRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	appt, err := h.svc.Create(c.UserContext(), appointments.CreateInput{
		CustomerID:     req.CustomerID,
		VehicleID:      req.VehicleID,
		BoxID:          req.BoxID,
		MechanicID:     req.MechanicID,
		ScheduledStart: req.ScheduledStart,
		ScheduledEnd:   req.ScheduledEnd,
		Description:    req.Description,
		Notes:          req.Notes,
	})
	if err != nil {
		return err
	}
	h.log.Info("appointment created",
		slog.String("route", c.Route().Path),
		slog.String("appointment_id", appt.ID.String()),
		slog.String("box_id", appt.BoxID.String()),
	)
	return c.Status(fiber.StatusCreated).JSON(appt)
}

func (h *AppointmentsHandler) update(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req updateRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	if req.Status != nil {
		s := domain.AppointmentStatus(strings.ToUpper(string(*req.Status)))
		req.Status = &s
	}

	res, err := h.svc.Update(c.UserContext(), id, appointments.UpdateInput{
		BoxID:          req.BoxID,
		MechanicID:     req.MechanicID,
		ScheduledStart: req.ScheduledStart,
		ScheduledEnd:   req.ScheduledEnd,
		Status:         req.Status,
		Description:    req.Description,
		Notes:          req.Notes,
	})
	if err != nil {
		return err
	}
	h.logCascade(c, id, len(res.Cascade))
	return c.JSON(res)
}

func (h *AppointmentsHandler) reschedule(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req rescheduleRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	res, err := h.svc.Reschedule(c.UserContext(), id, appointments.RescheduleInput{
		BoxID:          req.BoxID,
		ScheduledStart: req.ScheduledStart,
		ScheduledEnd:   req.ScheduledEnd,
	})
	if err != nil {
		return err
	}
	h.logCascade(c, id, len(res.Cascade))
	return c.JSON(res)
}

func (h *AppointmentsHandler) cancel(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	appt, err := h.svc.Cancel(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.JSON(appt)
}

func (h *AppointmentsHandler) checkConflicts(c *fiber.Ctx) error {
	var req windowRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	report, err := h.svc.CheckConflicts(c.UserContext(), appointments.ConflictInput{
		AppointmentID:  req.ID,
		BoxID:          req.BoxID,
		ScheduledStart: req.ScheduledStart,
		ScheduledEnd:   req.ScheduledEnd,
	})
	if err != nil {
		return err
	}
	return c.JSON(report)
}

func (h *AppointmentsHandler) simulateCascade(c *fiber.Ctx) error {
	var req windowRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	moves, err := h.svc.SimulateCascade(c.UserContext(), appointments.SimulateInput{
		AppointmentID:  req.ID,
		BoxID:          req.BoxID,
		ScheduledStart: req.ScheduledStart,
		ScheduledEnd:   req.ScheduledEnd,
	})
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"cascade": moves})
}

func (h *AppointmentsHandler) batchUpdate(c *fiber.Ctx) error {
	var req batchUpdateRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	moves := make([]appointments.BatchMove, 0, len(req.Moves))
	for _, m := range req.Moves {
		moves = append(moves, appointments.BatchMove{
			AppointmentID:  m.ID,
			BoxID:          m.BoxID,
			ScheduledStart: m.ScheduledStart,
			ScheduledEnd:   m.ScheduledEnd,
		})
	}

	updated, err := h.svc.BatchUpdate(c.UserContext(), moves)
	if err != nil {
		return err
	}
	h.log.Info("batch update applied",
		slog.String("route", c.Route().Path),
		slog.Int("appointments", len(updated)),
	)
	return c.JSON(fiber.Map{"appointments": updated})
}

func (h *AppointmentsHandler) logCascade(c *fiber.Ctx, id uuid.UUID, moves int) {
	h.log.Info("appointment rescheduled",
		slog.String("route", c.Route().Path),
		slog.String("appointment_id", id.String()),
		slog.Int("cascade_moves", moves),
	)
}

func pathID(c *fiber.Ctx) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return uuid.Nil, fiber.NewError(fiber.StatusBadRequest, "id must be a uuid")
	}
	return id, nil
}

func parseBody(c *fiber.Ctx, dst any) error {
	if err := c.BodyParser(dst); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	return nil
}

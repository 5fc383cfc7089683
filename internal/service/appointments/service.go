package appointments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"shopfloor/backend/internal/domain"
	"shopfloor/backend/internal/metrics"
	"shopfloor/backend/internal/notify"
	"shopfloor/backend/internal/schedule"
	"shopfloor/backend/internal/store"
)

const maxAppointmentDuration = 24 * time.Hour

var (
	ErrBoxUnavailable     = fmt.Errorf("box is already booked for that window: %w", store.ErrConflict)
	ErrVehicleUnavailable = fmt.Errorf("vehicle is already booked for that window: %w", store.ErrConflict)
)

// DefaultLimits bounds a cascade run when no WithLimits option is given.
var DefaultLimits = schedule.Limits{MaxMoves: 25, MaxDrift: 24 * time.Hour}

type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

func validationError(msg string) error {
	return &ValidationError{msg: msg}
}

type Service struct {
	repo      store.AppointmentRepository
	limits    schedule.Limits
	publisher notify.Publisher
	metrics   *metrics.Recorder
	log       *slog.Logger
	now       func() time.Time
}

type Option func(*Service)

func WithLimits(l schedule.Limits) Option {
	return func(s *Service) { s.limits = l }
}

func WithPublisher(p notify.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.publisher = p
		}
	}
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

func NewService(repo store.AppointmentRepository, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		limits:    DefaultLimits,
		publisher: notify.Nop{},
		log:       slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "service.appointments")
	return s
}

// Result is the outcome of an edit: the edited appointment and every
// appointment the cascade pushed to make room for it.
type Result struct {
	Appointment domain.Appointment `json:"appointment"`
	Cascade     []schedule.Move    `json:"cascade"`
}

func (s *Service) Get(ctx context.Context, appointmentID uuid.UUID) (domain.Appointment, error) {
	if appointmentID == uuid.Nil {
		return domain.Appointment{}, validationError("appointment id is required")
	}
	return s.repo.Get(ctx, appointmentID)
}

func (s *Service) List(ctx context.Context, filter store.AppointmentFilter) ([]domain.Appointment, error) {
	if filter.WindowStart != nil && filter.WindowEnd != nil && !filter.WindowStart.Before(*filter.WindowEnd) {
		return nil, validationError("end must be after start")
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, validationError("unknown status")
	}
	return s.repo.List(ctx, filter)
}

type CreateInput struct {
	CustomerID     uuid.UUID
	VehicleID      uuid.UUID
	BoxID          uuid.UUID
	MechanicID     *uuid.UUID
	ScheduledStart time.Time
	ScheduledEnd   time.Time
	Description    string
	Notes          string
}

// Create books a new appointment. Unlike an edit, a new booking never
// displaces anyone: an occupied box or a vehicle booked elsewhere is refused.
func (s *Service) Create(ctx context.Context, in CreateInput) (domain.Appointment, error) {
	if in.CustomerID == uuid.Nil {
		return domain.Appointment{}, validationError("customerId is required")
	}
	if in.VehicleID == uuid.Nil {
		return domain.Appointment{}, validationError("vehicleId is required")
	}
	if in.BoxID == uuid.Nil {
		return domain.Appointment{}, validationError("boxId is required")
	}

	start := in.ScheduledStart.UTC()
	end := in.ScheduledEnd.UTC()
	if err := checkWindow(uuid.Nil, start, end); err != nil {
		return domain.Appointment{}, err
	}

	appt := domain.Appointment{
		CustomerID:     in.CustomerID,
		VehicleID:      in.VehicleID,
		BoxID:          in.BoxID,
		MechanicID:     in.MechanicID,
		ScheduledStart: start,
		ScheduledEnd:   end,
		Status:         domain.StatusScheduled,
		Description:    strings.TrimSpace(in.Description),
		Notes:          in.Notes,
	}

	var out domain.Appointment
	err := s.repo.InBoxTransaction(ctx, []uuid.UUID{in.BoxID}, func(ctx context.Context, tx store.BoxTx) error {
		taken, err := tx.FindOverlapping(ctx, in.BoxID, start, end, nil)
		if err != nil {
			return err
		}
		if len(taken) > 0 {
			return ErrBoxUnavailable
		}

		busy, err := tx.FindVehicleOverlapping(ctx, in.VehicleID, start, end, nil)
		if err != nil {
			return err
		}
		if len(busy) > 0 {
			return ErrVehicleUnavailable
		}

		if err := ctx.Err(); err != nil {
			return err
		}
		created, err := tx.CreateAppointment(context.WithoutCancel(ctx), appt)
		if err != nil {
			return err
		}
		out = created
		return nil
	})
	if err != nil {
		return domain.Appointment{}, err
	}

	s.log.InfoContext(ctx, "appointment created", "appointment_id", out.ID, "box_id", out.BoxID)
	return out, nil
}

// UpdateInput carries a partial edit; nil fields are left as they are.
type UpdateInput struct {
	BoxID          *uuid.UUID
	MechanicID     *uuid.UUID
	ScheduledStart *time.Time
	ScheduledEnd   *time.Time
	Status         *domain.AppointmentStatus
	Description    *string
	Notes          *string
}

// Update applies in to the appointment. When the edit changes the window or
// the box, or brings a cancelled appointment back, appointments it now
// overlaps are pushed later in the same transaction.
func (s *Service) Update(ctx context.Context, appointmentID uuid.UUID, in UpdateInput) (Result, error) {
	return s.edit(ctx, appointmentID, in, false)
}

type RescheduleInput struct {
	BoxID          *uuid.UUID
	ScheduledStart time.Time
	ScheduledEnd   time.Time
}

func (s *Service) Reschedule(ctx context.Context, appointmentID uuid.UUID, in RescheduleInput) (Result, error) {
	start, end := in.ScheduledStart, in.ScheduledEnd
	return s.edit(ctx, appointmentID, UpdateInput{
		BoxID:          in.BoxID,
		ScheduledStart: &start,
		ScheduledEnd:   &end,
	}, true)
}

// Cancel marks the appointment cancelled. Its slot becomes free; nothing is
// pulled forward to fill it.
func (s *Service) Cancel(ctx context.Context, appointmentID uuid.UUID) (domain.Appointment, error) {
	cancelled := domain.StatusCancelled
	res, err := s.edit(ctx, appointmentID, UpdateInput{Status: &cancelled}, false)
	if err != nil {
		return domain.Appointment{}, err
	}
	return res.Appointment, nil
}

func (s *Service) edit(ctx context.Context, appointmentID uuid.UUID, in UpdateInput, forceCascade bool) (Result, error) {
	if appointmentID == uuid.Nil {
		return Result{}, validationError("appointment id is required")
	}
	if in.BoxID != nil && *in.BoxID == uuid.Nil {
		return Result{}, validationError("boxId must not be empty")
	}
	if in.Status != nil && !in.Status.Valid() {
		return Result{}, validationError("unknown status")
	}

	// Unlocked read to learn which boxes to lock. The locked re-read below
	// is authoritative.
	snapshot, err := s.repo.Get(ctx, appointmentID)
	if err != nil {
		return Result{}, err
	}
	targetBox := snapshot.BoxID
	if in.BoxID != nil {
		targetBox = *in.BoxID
	}

	var (
		res      Result
		previous domain.Appointment
		ranPlan  bool
	)
	err = s.repo.InBoxTransaction(ctx, []uuid.UUID{snapshot.BoxID, targetBox}, func(ctx context.Context, tx store.BoxTx) error {
		current, err := tx.GetAppointment(ctx, appointmentID)
		if err != nil {
			return err
		}
		if current.BoxID != snapshot.BoxID {
			return fmt.Errorf("appointment %s moved to box %s while waiting for the lock: %w",
				appointmentID, current.BoxID, store.ErrConcurrencyConflict)
		}
		previous = current

		next := applyUpdate(current, in)
		if err := checkWindow(next.ID, next.ScheduledStart, next.ScheduledEnd); err != nil {
			return err
		}

		var moves []schedule.Move
		if needsCascade(current, next, forceCascade) {
			ranPlan = true
			moves, err = schedule.Cascade(ctx, tx, schedule.Request{
				AppointmentID: next.ID,
				BoxID:         next.BoxID,
				Start:         next.ScheduledStart,
				End:           next.ScheduledEnd,
			}, s.limits)
			if err != nil {
				return err
			}
		}

		// Past this point the caller's cancellation no longer applies: the
		// whole plan is written or the transaction rolls back.
		if err := ctx.Err(); err != nil {
			return err
		}
		wctx := context.WithoutCancel(ctx)

		updated, err := tx.UpdateAppointment(wctx, next)
		if err != nil {
			return err
		}
		for _, m := range moves {
			if _, err := tx.UpdateWindow(wctx, m.AppointmentID, m.NewStart, m.NewEnd); err != nil {
				return err
			}
		}

		res = Result{Appointment: updated, Cascade: moves}
		return nil
	})
	if ranPlan {
		s.observe(err, metrics.OutcomeCommitted, len(res.Cascade))
	}
	if err != nil {
		return Result{}, err
	}
	if res.Cascade == nil {
		res.Cascade = []schedule.Move{}
	}

	s.log.InfoContext(ctx, "appointment updated",
		"appointment_id", appointmentID,
		"box_id", res.Appointment.BoxID,
		"status", res.Appointment.Status,
		"cascade_moves", len(res.Cascade),
	)
	if ranPlan || previous.BoxID != res.Appointment.BoxID {
		s.publish(ctx, []domain.Appointment{res.Appointment}, []uuid.UUID{previous.BoxID}, res.Cascade)
	}
	return res, nil
}

func applyUpdate(a domain.Appointment, in UpdateInput) domain.Appointment {
	if in.BoxID != nil {
		a.BoxID = *in.BoxID
	}
	if in.MechanicID != nil {
		if *in.MechanicID == uuid.Nil {
			a.MechanicID = nil
		} else {
			id := *in.MechanicID
			a.MechanicID = &id
		}
	}
	if in.ScheduledStart != nil {
		a.ScheduledStart = in.ScheduledStart.UTC()
	}
	if in.ScheduledEnd != nil {
		a.ScheduledEnd = in.ScheduledEnd.UTC()
	}
	if in.Status != nil {
		a.Status = *in.Status
	}
	if in.Description != nil {
		a.Description = strings.TrimSpace(*in.Description)
	}
	if in.Notes != nil {
		a.Notes = *in.Notes
	}
	return a
}

// needsCascade reports whether moving from prev to next can displace anyone.
// A cancelled appointment occupies nothing and never pushes.
func needsCascade(prev, next domain.Appointment, force bool) bool {
	if next.Cancelled() {
		return false
	}
	if force {
		return true
	}
	return prev.Cancelled() ||
		prev.BoxID != next.BoxID ||
		!prev.ScheduledStart.Equal(next.ScheduledStart) ||
		!prev.ScheduledEnd.Equal(next.ScheduledEnd)
}

func checkWindow(appointmentID uuid.UUID, start, end time.Time) error {
	if !start.Before(end) {
		return &schedule.InvalidRangeError{AppointmentID: appointmentID, Start: start, End: end}
	}
	if end.Sub(start) > maxAppointmentDuration {
		return validationError("duration too long")
	}
	return nil
}

type ConflictInput struct {
	AppointmentID  uuid.UUID
	BoxID          uuid.UUID
	ScheduledStart time.Time
	ScheduledEnd   time.Time
}

type ConflictReport struct {
	HasConflicts      bool                 `json:"hasConflicts"`
	BoxConflicts      []domain.Appointment `json:"boxConflicts"`
	MechanicConflicts []domain.Appointment `json:"mechanicConflicts"`
}

// CheckConflicts lists what a window would collide with without changing
// anything. Mechanic conflicts are only known for an existing appointment
// that has a mechanic assigned.
func (s *Service) CheckConflicts(ctx context.Context, in ConflictInput) (ConflictReport, error) {
	if in.BoxID == uuid.Nil {
		return ConflictReport{}, validationError("boxId is required")
	}
	start, end := in.ScheduledStart.UTC(), in.ScheduledEnd.UTC()
	if err := checkWindow(in.AppointmentID, start, end); err != nil {
		return ConflictReport{}, err
	}

	var exclude []uuid.UUID
	var mechanicID *uuid.UUID
	if in.AppointmentID != uuid.Nil {
		existing, err := s.repo.Get(ctx, in.AppointmentID)
		if err != nil {
			return ConflictReport{}, err
		}
		exclude = []uuid.UUID{in.AppointmentID}
		mechanicID = existing.MechanicID
	}

	report := ConflictReport{
		BoxConflicts:      []domain.Appointment{},
		MechanicConflicts: []domain.Appointment{},
	}

	box, err := s.repo.FindOverlapping(ctx, in.BoxID, start, end, exclude)
	if err != nil {
		return ConflictReport{}, err
	}
	report.BoxConflicts = append(report.BoxConflicts, box...)

	if mechanicID != nil {
		mech, err := s.repo.FindMechanicOverlapping(ctx, *mechanicID, start, end, exclude)
		if err != nil {
			return ConflictReport{}, err
		}
		report.MechanicConflicts = append(report.MechanicConflicts, mech...)
	}

	report.HasConflicts = len(report.BoxConflicts) > 0 || len(report.MechanicConflicts) > 0
	return report, nil
}

type SimulateInput struct {
	AppointmentID  uuid.UUID
	BoxID          uuid.UUID
	ScheduledStart time.Time
	ScheduledEnd   time.Time
}

// SimulateCascade plans the pushes a move would cause without locking or
// writing. AppointmentID may be empty to preview a new booking; BoxID may be
// empty for an existing appointment staying in its box.
func (s *Service) SimulateCascade(ctx context.Context, in SimulateInput) ([]schedule.Move, error) {
	boxID := in.BoxID
	if in.AppointmentID != uuid.Nil {
		existing, err := s.repo.Get(ctx, in.AppointmentID)
		if err != nil {
			return nil, err
		}
		if boxID == uuid.Nil {
			boxID = existing.BoxID
		}
	}
	if boxID == uuid.Nil {
		return nil, validationError("boxId is required")
	}

	start, end := in.ScheduledStart.UTC(), in.ScheduledEnd.UTC()
	if err := checkWindow(in.AppointmentID, start, end); err != nil {
		return nil, err
	}

	moves, err := schedule.Cascade(ctx, s.repo, schedule.Request{
		AppointmentID: in.AppointmentID,
		BoxID:         boxID,
		Start:         start,
		End:           end,
	}, s.limits)
	s.observe(err, metrics.OutcomeSimulated, len(moves))
	if err != nil {
		return nil, err
	}
	if moves == nil {
		moves = []schedule.Move{}
	}
	return moves, nil
}

type BatchMove struct {
	AppointmentID  uuid.UUID
	BoxID          *uuid.UUID
	ScheduledStart time.Time
	ScheduledEnd   time.Time
}

// BatchUpdate applies several explicit moves at once, the way a planner
// board drags a group of cards. Nothing is pushed: the batch must describe a
// conflict-free result by itself or it is refused as a whole.
func (s *Service) BatchUpdate(ctx context.Context, moves []BatchMove) ([]domain.Appointment, error) {
	if len(moves) == 0 {
		return nil, validationError("moves must not be empty")
	}

	seen := make(map[uuid.UUID]struct{}, len(moves))
	for i := range moves {
		m := &moves[i]
		if m.AppointmentID == uuid.Nil {
			return nil, validationError("every move needs an id")
		}
		if _, dup := seen[m.AppointmentID]; dup {
			return nil, validationError("appointment " + m.AppointmentID.String() + " appears twice")
		}
		seen[m.AppointmentID] = struct{}{}
		if m.BoxID != nil && *m.BoxID == uuid.Nil {
			return nil, validationError("boxId must not be empty")
		}
		m.ScheduledStart, m.ScheduledEnd = m.ScheduledStart.UTC(), m.ScheduledEnd.UTC()
		if err := checkWindow(m.AppointmentID, m.ScheduledStart, m.ScheduledEnd); err != nil {
			return nil, err
		}
	}

	snapshotBox := make(map[uuid.UUID]uuid.UUID, len(moves))
	boxes := make([]uuid.UUID, 0, 2*len(moves))
	for _, m := range moves {
		a, err := s.repo.Get(ctx, m.AppointmentID)
		if err != nil {
			return nil, err
		}
		snapshotBox[m.AppointmentID] = a.BoxID
		boxes = append(boxes, a.BoxID)
		if m.BoxID != nil {
			boxes = append(boxes, *m.BoxID)
		}
	}

	var updated []domain.Appointment
	err := s.repo.InBoxTransaction(ctx, boxes, func(ctx context.Context, tx store.BoxTx) error {
		next := make([]domain.Appointment, 0, len(moves))
		for _, m := range moves {
			current, err := tx.GetAppointment(ctx, m.AppointmentID)
			if err != nil {
				return err
			}
			if current.BoxID != snapshotBox[m.AppointmentID] {
				return fmt.Errorf("appointment %s changed box while waiting for the lock: %w", m.AppointmentID, store.ErrConcurrencyConflict)
			}
			next = append(next, applyUpdate(current, UpdateInput{
				BoxID:          m.BoxID,
				ScheduledStart: &m.ScheduledStart,
				ScheduledEnd:   &m.ScheduledEnd,
			}))
		}

		if err := ctx.Err(); err != nil {
			return err
		}
		wctx := context.WithoutCancel(ctx)

		updated = updated[:0]
		for _, a := range next {
			u, err := tx.UpdateAppointment(wctx, a)
			if err != nil {
				return err
			}
			updated = append(updated, u)
		}

		for _, a := range updated {
			if a.Cancelled() {
				continue
			}
			clash, err := tx.FindOverlapping(wctx, a.BoxID, a.ScheduledStart, a.ScheduledEnd, []uuid.UUID{a.ID})
			if err != nil {
				return err
			}
			if len(clash) > 0 {
				return fmt.Errorf("appointment %s would overlap %s: %w", a.ID, clash[0].ID, ErrBoxUnavailable)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	oldBoxes := make([]uuid.UUID, 0, len(snapshotBox))
	for _, b := range snapshotBox {
		oldBoxes = append(oldBoxes, b)
	}
	s.log.InfoContext(ctx, "batch update applied", "appointments", len(updated))
	s.publish(ctx, updated, oldBoxes, nil)
	return updated, nil
}

// publish sends one event per touched box. Boxes an appointment left get an
// event too so their boards drop it. Failures are logged only: the change is
// already committed.
func (s *Service) publish(ctx context.Context, appts []domain.Appointment, leftBoxes []uuid.UUID, moves []schedule.Move) {
	now := s.now()
	events := map[uuid.UUID]*notify.Event{}
	event := func(box uuid.UUID) *notify.Event {
		e, ok := events[box]
		if !ok {
			e = &notify.Event{
				Type:         notify.EventRescheduled,
				BoxID:        box,
				Appointments: []domain.Appointment{},
				Cascade:      []schedule.Move{},
				OccurredAt:   now,
			}
			events[box] = e
		}
		return e
	}

	for _, a := range appts {
		e := event(a.BoxID)
		e.Appointments = append(e.Appointments, a)
	}
	for _, box := range leftBoxes {
		if box != uuid.Nil {
			event(box)
		}
	}
	for _, m := range moves {
		e := event(m.BoxID)
		e.Cascade = append(e.Cascade, m)
	}

	pctx := context.WithoutCancel(ctx)
	for _, box := range store.LockOrder(keys(events)) {
		if err := s.publisher.Publish(pctx, *events[box]); err != nil {
			s.log.WarnContext(ctx, "publish schedule change failed", "box_id", box, "err", err)
		}
	}
}

func keys(m map[uuid.UUID]*notify.Event) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func (s *Service) observe(err error, success string, moves int) {
	s.metrics.ObserveCascade(outcome(err, success), moves)
}

func outcome(err error, success string) string {
	var (
		limitErr   *schedule.LimitError
		overlapErr *schedule.OverlapError
	)
	switch {
	case err == nil:
		return success
	case errors.As(err, &limitErr):
		return metrics.OutcomeLimit
	case errors.As(err, &overlapErr):
		return metrics.OutcomeOverlap
	case errors.Is(err, schedule.ErrInvalidRange):
		return metrics.OutcomeInvalidRange
	case errors.Is(err, store.ErrConcurrencyConflict):
		return metrics.OutcomeConcurrency
	default:
		return metrics.OutcomeError
	}
}

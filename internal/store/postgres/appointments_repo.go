package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uptrace/bun"

	"shopfloor/backend/internal/domain"
	"shopfloor/backend/internal/schedule"
	"shopfloor/backend/internal/store"
)

const boxOverlapConstraint = "appointments_box_no_overlap"

// SQLSTATE codes the repository translates into store errors.
const (
	codeLockNotAvailable    = "55P03"
	codeExclusionViolation  = "23P01"
	codeCheckViolation      = "23514"
	codeUniqueViolation     = "23505"
	codeSerializationFailed = "40001"
)

type AppointmentRepo struct {
	db          *bun.DB
	lockTimeout time.Duration
}

// NewAppointmentRepo returns a repository whose box transactions give up
// waiting for a box lock after lockTimeout. Zero leaves the server default.
func NewAppointmentRepo(db *bun.DB, lockTimeout time.Duration) *AppointmentRepo {
	return &AppointmentRepo{db: db, lockTimeout: lockTimeout}
}

var _ store.AppointmentRepository = (*AppointmentRepo)(nil)

type boxTx struct {
	tx bun.Tx
}

func (r *AppointmentRepo) Get(ctx context.Context, appointmentID uuid.UUID) (domain.Appointment, error) {
	return getAppointment(ctx, r.db, appointmentID, false)
}

func (r *AppointmentRepo) List(ctx context.Context, filter store.AppointmentFilter) ([]domain.Appointment, error) {
	var rows []domain.Appointment
	q := r.db.NewSelect().Model(&rows)
	if filter.WindowStart != nil {
		q = q.Where("scheduled_start >= ?", *filter.WindowStart)
	}
	if filter.WindowEnd != nil {
		q = q.Where("scheduled_start < ?", *filter.WindowEnd)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.CustomerID != uuid.Nil {
		q = q.Where("customer_id = ?", filter.CustomerID)
	}
	if filter.VehicleID != uuid.Nil {
		q = q.Where("vehicle_id = ?", filter.VehicleID)
	}
	if filter.BoxID != uuid.Nil {
		q = q.Where("box_id = ?", filter.BoxID)
	}

	if err := q.OrderExpr("scheduled_start ASC, id ASC").Scan(ctx); err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *AppointmentRepo) FindOverlapping(ctx context.Context, boxID uuid.UUID, start, end time.Time, exclude []uuid.UUID) ([]domain.Appointment, error) {
	return findOverlapping(ctx, r.db, "box_id", boxID, start, end, exclude)
}

func (r *AppointmentRepo) FindMechanicOverlapping(ctx context.Context, mechanicID uuid.UUID, start, end time.Time, exclude []uuid.UUID) ([]domain.Appointment, error) {
	return findOverlapping(ctx, r.db, "mechanic_id", mechanicID, start, end, exclude)
}

func (r *AppointmentRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// InBoxTransaction runs fn holding a transaction-scoped advisory lock per
// box. The transaction is not bound to ctx: a caller that goes away while fn
// is writing cannot roll back half of a cascade. fn still receives ctx so its
// reads stop early on cancellation.
func (r *AppointmentRepo) InBoxTransaction(ctx context.Context, boxIDs []uuid.UUID, fn func(ctx context.Context, tx store.BoxTx) error) error {
	order := store.LockOrder(boxIDs)

	err := r.db.RunInTx(context.WithoutCancel(ctx), nil, func(_ context.Context, tx bun.Tx) error {
		if r.lockTimeout > 0 {
			if err := setLockTimeout(ctx, tx, r.lockTimeout); err != nil {
				return err
			}
		}
		for _, boxID := range order {
			if err := lockBox(ctx, tx, boxID); err != nil {
				return err
			}
		}
		return fn(ctx, boxTx{tx: tx})
	})
	return translateError(err)
}

func setLockTimeout(ctx context.Context, tx bun.Tx, d time.Duration) error {
	_, err := tx.NewRaw("SELECT set_config('lock_timeout', ?, true)", fmt.Sprintf("%dms", d.Milliseconds())).Exec(ctx)
	return err
}

func lockBox(ctx context.Context, tx bun.Tx, boxID uuid.UUID) error {
	_, err := tx.NewRaw("SELECT pg_advisory_xact_lock(hashtext(?))", boxID.String()).Exec(ctx)
	return err
}

// translateError maps Postgres failures onto store errors. Deferred
// constraint violations surface from COMMIT, so this runs on the result of
// the whole transaction.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case codeLockNotAvailable, codeSerializationFailed:
		return fmt.Errorf("%w: %s", store.ErrConcurrencyConflict, pgErr.Message)
	case codeExclusionViolation:
		if pgErr.ConstraintName == boxOverlapConstraint {
			return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.Detail)
		}
	case codeUniqueViolation:
		return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.Message)
	case codeCheckViolation:
		return fmt.Errorf("%w: %s", schedule.ErrInvalidRange, pgErr.Message)
	}
	return err
}

func getAppointment(ctx context.Context, db bun.IDB, appointmentID uuid.UUID, forUpdate bool) (domain.Appointment, error) {
	var a domain.Appointment
	q := db.NewSelect().Model(&a).Where("id = ?", appointmentID)
	if forUpdate {
		q = q.For("UPDATE")
	}
	if err := q.Limit(1).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Appointment{}, store.ErrNotFound
		}
		return domain.Appointment{}, err
	}
	return a, nil
}

func findOverlapping(ctx context.Context, db bun.IDB, column string, value uuid.UUID, start, end time.Time, exclude []uuid.UUID) ([]domain.Appointment, error) {
	var rows []domain.Appointment
	q := db.NewSelect().
		Model(&rows).
		Where("? = ?", bun.Ident(column), value).
		Where("status <> ?", domain.StatusCancelled).
		Where("scheduled_start < ?", end).
		Where("scheduled_end > ?", start)
	if len(exclude) > 0 {
		q = q.Where("id NOT IN (?)", bun.In(exclude))
	}
	if err := q.OrderExpr("scheduled_start ASC, id ASC").Scan(ctx); err != nil {
		return nil, err
	}
	return rows, nil
}

func (t boxTx) GetAppointment(ctx context.Context, appointmentID uuid.UUID) (domain.Appointment, error) {
	return getAppointment(ctx, t.tx, appointmentID, true)
}

func (t boxTx) FindOverlapping(ctx context.Context, boxID uuid.UUID, start, end time.Time, exclude []uuid.UUID) ([]domain.Appointment, error) {
	return findOverlapping(ctx, t.tx, "box_id", boxID, start, end, exclude)
}

func (t boxTx) FindVehicleOverlapping(ctx context.Context, vehicleID uuid.UUID, start, end time.Time, exclude []uuid.UUID) ([]domain.Appointment, error) {
	return findOverlapping(ctx, t.tx, "vehicle_id", vehicleID, start, end, exclude)
}

func (t boxTx) CreateAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	if !appt.ScheduledStart.Before(appt.ScheduledEnd) {
		return domain.Appointment{}, &schedule.InvalidRangeError{AppointmentID: appt.ID, Start: appt.ScheduledStart, End: appt.ScheduledEnd}
	}

	m := appt
	if _, err := t.tx.NewInsert().Model(&m).Exec(ctx); err != nil {
		return domain.Appointment{}, translateError(err)
	}
	return m, nil
}

func (t boxTx) UpdateAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	if !appt.ScheduledStart.Before(appt.ScheduledEnd) {
		return domain.Appointment{}, &schedule.InvalidRangeError{AppointmentID: appt.ID, Start: appt.ScheduledStart, End: appt.ScheduledEnd}
	}

	m := appt
	err := t.tx.NewUpdate().
		Model(&m).
		Column("customer_id", "vehicle_id", "box_id", "mechanic_id", "scheduled_start", "scheduled_end",
			"status", "description", "notes", "updated_at").
		WherePK().
		Returning("*").
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Appointment{}, store.ErrNotFound
		}
		return domain.Appointment{}, translateError(err)
	}
	return m, nil
}

func (t boxTx) UpdateWindow(ctx context.Context, appointmentID uuid.UUID, start, end time.Time) (domain.Appointment, error) {
	if !start.Before(end) {
		return domain.Appointment{}, &schedule.InvalidRangeError{AppointmentID: appointmentID, Start: start, End: end}
	}

	m := domain.Appointment{ID: appointmentID, ScheduledStart: start, ScheduledEnd: end}
	err := t.tx.NewUpdate().
		Model(&m).
		Column("scheduled_start", "scheduled_end", "updated_at").
		WherePK().
		Returning("*").
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Appointment{}, store.ErrNotFound
		}
		return domain.Appointment{}, translateError(err)
	}
	return m, nil
}

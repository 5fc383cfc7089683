package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"shopfloor/backend/internal/domain"
)

// AppointmentFilter narrows List. Zero values mean "no filter"; the window
// bounds match on scheduled_start.
type AppointmentFilter struct {
	WindowStart *time.Time
	WindowEnd   *time.Time
	Status      domain.AppointmentStatus
	CustomerID  uuid.UUID
	VehicleID   uuid.UUID
	BoxID       uuid.UUID
}

type AppointmentRepository interface {
	Get(ctx context.Context, appointmentID uuid.UUID) (domain.Appointment, error)
	List(ctx context.Context, filter AppointmentFilter) ([]domain.Appointment, error)

	// FindOverlapping returns the non-cancelled appointments of boxID whose
	// window intersects [start, end), skipping exclude. Reads outside a box
	// transaction are unlocked snapshots.
	FindOverlapping(ctx context.Context, boxID uuid.UUID, start, end time.Time, exclude []uuid.UUID) ([]domain.Appointment, error)
	FindMechanicOverlapping(ctx context.Context, mechanicID uuid.UUID, start, end time.Time, exclude []uuid.UUID) ([]domain.Appointment, error)

	// InBoxTransaction runs fn in one transaction holding the scheduling lock
	// of every box in boxIDs until it commits or rolls back. It fails with
	// ErrConcurrencyConflict when a lock cannot be taken in time.
	InBoxTransaction(ctx context.Context, boxIDs []uuid.UUID, fn func(ctx context.Context, tx BoxTx) error) error

	Ping(ctx context.Context) error
}

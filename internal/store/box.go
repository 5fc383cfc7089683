package store

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"shopfloor/backend/internal/domain"
)

// BoxTx is the view of the store inside InBoxTransaction. Writes become
// visible to other callers only when the transaction commits.
type BoxTx interface {
	GetAppointment(ctx context.Context, appointmentID uuid.UUID) (domain.Appointment, error)
	FindOverlapping(ctx context.Context, boxID uuid.UUID, start, end time.Time, exclude []uuid.UUID) ([]domain.Appointment, error)
	FindVehicleOverlapping(ctx context.Context, vehicleID uuid.UUID, start, end time.Time, exclude []uuid.UUID) ([]domain.Appointment, error)

	CreateAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error)
	UpdateAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error)
	UpdateWindow(ctx context.Context, appointmentID uuid.UUID, start, end time.Time) (domain.Appointment, error)
}

// LockOrder returns the distinct, non-nil box ids in ascending order. Locks
// are always taken in this order so concurrent multi-box transactions cannot
// deadlock.
func LockOrder(boxIDs []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(boxIDs))
	out := make([]uuid.UUID, 0, len(boxIDs))
	for _, id := range boxIDs {
		if id == uuid.Nil {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].String() < out[j].String()
	})
	return out
}

package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type AppointmentStatus string

const (
	StatusScheduled   AppointmentStatus = "SCHEDULED"
	StatusCheckedIn   AppointmentStatus = "CHECKED_IN"
	StatusInProgress  AppointmentStatus = "IN_PROGRESS"
	StatusCompleted   AppointmentStatus = "COMPLETED"
	StatusCancelled   AppointmentStatus = "CANCELLED"
	StatusRescheduled AppointmentStatus = "RESCHEDULED"
)

// Valid reports whether s is one of the known statuses.
func (s AppointmentStatus) Valid() bool {
	switch s {
	case StatusScheduled, StatusCheckedIn, StatusInProgress, StatusCompleted, StatusCancelled, StatusRescheduled:
		return true
	}
	return false
}

type Appointment struct {
	bun.BaseModel `bun:"table:appointments"`

	ID             uuid.UUID         `bun:"id,pk,type:uuid" json:"id"`
	CustomerID     uuid.UUID         `bun:"customer_id,notnull,type:uuid" json:"customerId"`
	VehicleID      uuid.UUID         `bun:"vehicle_id,notnull,type:uuid" json:"vehicleId"`
	BoxID          uuid.UUID         `bun:"box_id,notnull,type:uuid" json:"boxId"`
	MechanicID     *uuid.UUID        `bun:"mechanic_id,type:uuid" json:"mechanicId,omitempty"`
	ScheduledStart time.Time         `bun:"scheduled_start,notnull" json:"scheduledStart"`
	ScheduledEnd   time.Time         `bun:"scheduled_end,notnull" json:"scheduledEnd"`
	Status         AppointmentStatus `bun:"status,notnull" json:"status"`
	Description    string            `bun:"description,notnull" json:"description"`
	Notes          string            `bun:"notes,notnull" json:"notes"`
	CreatedAt      time.Time         `bun:"created_at,notnull" json:"createdAt"`
	UpdatedAt      time.Time         `bun:"updated_at,notnull" json:"updatedAt"`
}

func (a Appointment) Duration() time.Duration {
	return a.ScheduledEnd.Sub(a.ScheduledStart)
}

func (a Appointment) Cancelled() bool {
	return a.Status == StatusCancelled
}

// Overlaps reports whether a occupies any instant of [start, end).
func (a Appointment) Overlaps(start, end time.Time) bool {
	return Overlaps(a.ScheduledStart, a.ScheduledEnd, start, end)
}

// Overlaps reports whether the half-open intervals [aStart, aEnd) and
// [bStart, bEnd) intersect.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

func (a *Appointment) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if a.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			a.ID = id
		}
		if a.Status == "" {
			a.Status = StatusScheduled
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		if a.UpdatedAt.IsZero() {
			a.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		a.UpdatedAt = now
	}
	return nil
}

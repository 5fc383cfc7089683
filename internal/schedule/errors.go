package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"shopfloor/backend/internal/store"
)

var (
	ErrInvalidRange = errors.New("invalid time range")
	ErrCascadeLimit = errors.New("cascade limit exceeded")
)

// InvalidRangeError reports a window whose start is not before its end,
// either on the requested move or on a push computed from a stored
// appointment with a non-positive duration.
type InvalidRangeError struct {
	AppointmentID uuid.UUID
	Start         time.Time
	End           time.Time
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("appointment %s: start %s is not before end %s",
		e.AppointmentID, e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339))
}

func (e *InvalidRangeError) Is(target error) bool {
	return target == ErrInvalidRange
}

type LimitReason string

const (
	LimitMaxMoves LimitReason = "max_moves"
	LimitMaxDrift LimitReason = "max_drift"
)

// LimitError aborts a run that would push too many appointments or push one
// too far from where it was booked.
type LimitError struct {
	Reason        LimitReason
	AppointmentID uuid.UUID
	Moves         int
	MaxMoves      int
	Drift         time.Duration
	MaxDrift      time.Duration
}

func (e *LimitError) Error() string {
	switch e.Reason {
	case LimitMaxDrift:
		return fmt.Sprintf("cascade would push appointment %s by %s (limit %s)", e.AppointmentID, e.Drift, e.MaxDrift)
	default:
		return fmt.Sprintf("cascade would move %d appointments (limit %d)", e.Moves, e.MaxMoves)
	}
}

func (e *LimitError) Is(target error) bool {
	return target == ErrCascadeLimit
}

// OverlapError reports two placements of the same run that still overlap,
// which happens when one pusher displaces several appointments at once.
type OverlapError struct {
	First  uuid.UUID
	Second uuid.UUID
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("cascade leaves appointments %s and %s overlapping", e.First, e.Second)
}

func (e *OverlapError) Unwrap() error {
	return store.ErrConflict
}

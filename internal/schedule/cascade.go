// Package schedule plans the box rescheduling cascade: when one appointment
// is moved, every appointment it now overlaps in the same box is pushed to
// start when the pusher ends, and those pushes may displace further
// appointments in turn.
//
// The planner only reads. Persisting the plan is the caller's job and must
// happen in the same box-locked transaction the plan was computed in.
package schedule

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"shopfloor/backend/internal/domain"
)

type Origin string

const (
	OriginInitial Origin = "initial"
	OriginCascade Origin = "cascade"
)

// Finder is the read side of the appointment store the cascade needs.
// Implementations must skip cancelled appointments and the excluded ids.
type Finder interface {
	FindOverlapping(ctx context.Context, boxID uuid.UUID, start, end time.Time, exclude []uuid.UUID) ([]domain.Appointment, error)
}

// Request describes the user-driven move. AppointmentID is uuid.Nil when
// simulating the placement of an appointment that does not exist yet.
type Request struct {
	AppointmentID uuid.UUID
	BoxID         uuid.UUID
	Start         time.Time
	End           time.Time
}

// Limits bounds a single run. Zero disables a bound.
type Limits struct {
	MaxMoves int
	MaxDrift time.Duration
}

// Move is one cascade-induced push.
type Move struct {
	AppointmentID uuid.UUID `json:"appointmentId"`
	BoxID         uuid.UUID `json:"boxId"`
	PushedBy      uuid.UUID `json:"pushedBy"`
	OldStart      time.Time `json:"oldStart"`
	OldEnd        time.Time `json:"oldEnd"`
	NewStart      time.Time `json:"newStart"`
	NewEnd        time.Time `json:"newEnd"`
}

type placement struct {
	appointmentID uuid.UUID
	boxID         uuid.UUID
	start         time.Time
	end           time.Time
	origin        Origin
	move          Move
}

// Cascade plans every push needed for req to hold without overlaps in its
// box and returns them in queue order. The initial move is not part of the
// result.
//
// Each appointment is settled the moment it is queued, so it receives exactly
// one placement per run and the store is never asked about it again. That
// bounds a run to one step per appointment in the box.
func Cascade(ctx context.Context, finder Finder, req Request, limits Limits) ([]Move, error) {
	if !req.Start.Before(req.End) {
		return nil, &InvalidRangeError{AppointmentID: req.AppointmentID, Start: req.Start, End: req.End}
	}

	settled := newIDSet()
	if req.AppointmentID != uuid.Nil {
		settled.add(req.AppointmentID)
	}

	queue := []placement{{
		appointmentID: req.AppointmentID,
		boxID:         req.BoxID,
		start:         req.Start,
		end:           req.End,
		origin:        OriginInitial,
	}}
	var moves []Move

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		current := queue[0]
		queue = queue[1:]

		if current.origin == OriginCascade {
			moves = append(moves, current.move)
		}

		conflicts, err := finder.FindOverlapping(ctx, current.boxID, current.start, current.end, settled.list())
		if err != nil {
			return nil, err
		}

		for _, c := range conflicts {
			if c.Cancelled() || settled.has(c.ID) {
				continue
			}

			duration := c.Duration()
			start := current.end
			end := start.Add(duration)
			if duration <= 0 {
				return nil, &InvalidRangeError{AppointmentID: c.ID, Start: start, End: end}
			}

			move := Move{
				AppointmentID: c.ID,
				BoxID:         c.BoxID,
				PushedBy:      current.appointmentID,
				OldStart:      c.ScheduledStart,
				OldEnd:        c.ScheduledEnd,
				NewStart:      start,
				NewEnd:        end,
			}
			if err := limits.check(move, len(moves)+len(queue)+1); err != nil {
				return nil, err
			}

			queue = append(queue, placement{
				appointmentID: c.ID,
				boxID:         c.BoxID,
				start:         start,
				end:           end,
				origin:        OriginCascade,
				move:          move,
			})
			settled.add(c.ID)
		}
	}

	if err := checkPlacements(req, moves); err != nil {
		return nil, err
	}
	return moves, nil
}

func (l Limits) check(m Move, planned int) error {
	if l.MaxMoves > 0 && planned > l.MaxMoves {
		return &LimitError{Reason: LimitMaxMoves, AppointmentID: m.AppointmentID, Moves: planned, MaxMoves: l.MaxMoves}
	}
	if l.MaxDrift > 0 && m.NewStart.Sub(m.OldStart) > l.MaxDrift {
		return &LimitError{Reason: LimitMaxDrift, AppointmentID: m.AppointmentID, Drift: m.NewStart.Sub(m.OldStart), MaxDrift: l.MaxDrift}
	}
	return nil
}

// checkPlacements rejects plans in which two placed appointments overlap
// each other. Appointments left untouched cannot overlap a placement: every
// placement was checked against all of them when it was dequeued.
func checkPlacements(req Request, moves []Move) error {
	type span struct {
		id         uuid.UUID
		start, end time.Time
	}

	byBox := map[uuid.UUID][]span{
		req.BoxID: {{id: req.AppointmentID, start: req.Start, end: req.End}},
	}
	for _, m := range moves {
		byBox[m.BoxID] = append(byBox[m.BoxID], span{id: m.AppointmentID, start: m.NewStart, end: m.NewEnd})
	}

	for _, spans := range byBox {
		sort.SliceStable(spans, func(i, j int) bool {
			return spans[i].start.Before(spans[j].start)
		})
		// Sorted by start, any overlapping pair implies an overlapping
		// neighbour pair.
		for i := 1; i < len(spans); i++ {
			if spans[i].start.Before(spans[i-1].end) {
				return &OverlapError{First: spans[i-1].id, Second: spans[i].id}
			}
		}
	}
	return nil
}

type idSet struct {
	m     map[uuid.UUID]struct{}
	order []uuid.UUID
}

func newIDSet() *idSet {
	return &idSet{m: make(map[uuid.UUID]struct{})}
}

func (s *idSet) add(id uuid.UUID) {
	if _, ok := s.m[id]; ok {
		return
	}
	s.m[id] = struct{}{}
	s.order = append(s.order, id)
}

func (s *idSet) has(id uuid.UUID) bool {
	_, ok := s.m[id]
	return ok
}

func (s *idSet) list() []uuid.UUID {
	return append([]uuid.UUID(nil), s.order...)
}

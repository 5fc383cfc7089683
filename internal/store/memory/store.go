// Package memory is an in-process appointment store. It backs the server's
// "memory" database driver and the service tests, and holds box locks with
// one weighted semaphore per box.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"shopfloor/backend/internal/domain"
	"shopfloor/backend/internal/schedule"
	"shopfloor/backend/internal/store"
)

const defaultLockTimeout = 5 * time.Second

type Store struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]domain.Appointment

	locksMu sync.Mutex
	locks   map[uuid.UUID]*semaphore.Weighted

	lockTimeout time.Duration
	now         func() time.Time
}

type Option func(*Store)

// WithLockTimeout bounds how long InBoxTransaction waits for a box lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		rows:        make(map[uuid.UUID]domain.Appointment),
		locks:       make(map[uuid.UUID]*semaphore.Weighted),
		lockTimeout: defaultLockTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ store.AppointmentRepository = (*Store)(nil)

func (s *Store) Get(ctx context.Context, appointmentID uuid.UUID) (domain.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.rows[appointmentID]
	if !ok {
		return domain.Appointment{}, store.ErrNotFound
	}
	return a, nil
}

func (s *Store) List(ctx context.Context, filter store.AppointmentFilter) ([]domain.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Appointment
	for _, a := range s.rows {
		if matches(a, filter) {
			out = append(out, a)
		}
	}
	sortByStart(out)
	return out, nil
}

func (s *Store) FindOverlapping(ctx context.Context, boxID uuid.UUID, start, end time.Time, exclude []uuid.UUID) ([]domain.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return overlapping(s.rows, nil, func(a domain.Appointment) bool { return a.BoxID == boxID }, start, end, exclude), nil
}

func (s *Store) FindMechanicOverlapping(ctx context.Context, mechanicID uuid.UUID, start, end time.Time, exclude []uuid.UUID) ([]domain.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return overlapping(s.rows, nil, func(a domain.Appointment) bool {
		return a.MechanicID != nil && *a.MechanicID == mechanicID
	}, start, end, exclude), nil
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// InBoxTransaction locks every box in boxIDs, runs fn against a staged view
// and publishes the staged rows only when fn succeeds and the result keeps
// every box free of overlaps.
func (s *Store) InBoxTransaction(ctx context.Context, boxIDs []uuid.UUID, fn func(ctx context.Context, tx store.BoxTx) error) error {
	order := store.LockOrder(boxIDs)

	release, err := s.lockBoxes(ctx, order)
	if err != nil {
		return err
	}
	defer release()

	tx := &boxTx{
		s:      s,
		boxes:  make(map[uuid.UUID]struct{}, len(order)),
		staged: make(map[uuid.UUID]domain.Appointment),
	}
	for _, id := range order {
		tx.boxes[id] = struct{}{}
	}

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return s.commit(tx.staged)
}

func (s *Store) lockBoxes(ctx context.Context, order []uuid.UUID) (func(), error) {
	held := make([]*semaphore.Weighted, 0, len(order))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Release(1)
		}
	}

	for _, id := range order {
		sem := s.boxLock(id)

		lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
		err := sem.Acquire(lockCtx, 1)
		cancel()
		if err != nil {
			release()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("box %s: %w", id, store.ErrConcurrencyConflict)
		}
		held = append(held, sem)
	}
	return release, nil
}

func (s *Store) boxLock(boxID uuid.UUID) *semaphore.Weighted {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	sem, ok := s.locks[boxID]
	if !ok {
		sem = semaphore.NewWeighted(1)
		s.locks[boxID] = sem
	}
	return sem
}

// commit plays the role of the deferred exclusion constraint: the staged
// rows are checked against the merged view before anything becomes visible.
func (s *Store) commit(staged map[uuid.UUID]domain.Appointment) error {
	if len(staged) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, a := range staged {
		if a.Cancelled() {
			continue
		}
		others := overlapping(s.rows, staged, func(o domain.Appointment) bool { return o.BoxID == a.BoxID },
			a.ScheduledStart, a.ScheduledEnd, []uuid.UUID{id})
		if len(others) > 0 {
			return fmt.Errorf("appointment %s overlaps %s in box %s: %w", id, others[0].ID, a.BoxID, store.ErrConflict)
		}
	}

	for id, a := range staged {
		s.rows[id] = a
	}
	return nil
}

type boxTx struct {
	s      *Store
	boxes  map[uuid.UUID]struct{}
	staged map[uuid.UUID]domain.Appointment
}

var errBoxNotLocked = errors.New("box is not locked by this transaction")

func (t *boxTx) lookup(id uuid.UUID) (domain.Appointment, bool) {
	if a, ok := t.staged[id]; ok {
		return a, true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	a, ok := t.s.rows[id]
	return a, ok
}

func (t *boxTx) requireLocked(boxID uuid.UUID) error {
	if _, ok := t.boxes[boxID]; !ok {
		return fmt.Errorf("box %s: %w", boxID, errBoxNotLocked)
	}
	return nil
}

func (t *boxTx) GetAppointment(ctx context.Context, appointmentID uuid.UUID) (domain.Appointment, error) {
	a, ok := t.lookup(appointmentID)
	if !ok {
		return domain.Appointment{}, store.ErrNotFound
	}
	return a, nil
}

func (t *boxTx) FindOverlapping(ctx context.Context, boxID uuid.UUID, start, end time.Time, exclude []uuid.UUID) ([]domain.Appointment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	return overlapping(t.s.rows, t.staged, func(a domain.Appointment) bool { return a.BoxID == boxID }, start, end, exclude), nil
}

func (t *boxTx) FindVehicleOverlapping(ctx context.Context, vehicleID uuid.UUID, start, end time.Time, exclude []uuid.UUID) ([]domain.Appointment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	return overlapping(t.s.rows, t.staged, func(a domain.Appointment) bool { return a.VehicleID == vehicleID }, start, end, exclude), nil
}

func (t *boxTx) CreateAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	if err := t.requireLocked(appt.BoxID); err != nil {
		return domain.Appointment{}, err
	}
	if !appt.ScheduledStart.Before(appt.ScheduledEnd) {
		return domain.Appointment{}, &schedule.InvalidRangeError{AppointmentID: appt.ID, Start: appt.ScheduledStart, End: appt.ScheduledEnd}
	}

	if appt.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return domain.Appointment{}, err
		}
		appt.ID = id
	}
	if _, exists := t.lookup(appt.ID); exists {
		return domain.Appointment{}, fmt.Errorf("appointment %s already exists: %w", appt.ID, store.ErrConflict)
	}
	if appt.Status == "" {
		appt.Status = domain.StatusScheduled
	}
	now := t.s.now()
	appt.CreatedAt = now
	appt.UpdatedAt = now

	t.staged[appt.ID] = appt
	return appt, nil
}

func (t *boxTx) UpdateAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	existing, ok := t.lookup(appt.ID)
	if !ok {
		return domain.Appointment{}, store.ErrNotFound
	}
	if err := t.requireLocked(existing.BoxID); err != nil {
		return domain.Appointment{}, err
	}
	if err := t.requireLocked(appt.BoxID); err != nil {
		return domain.Appointment{}, err
	}
	if !appt.ScheduledStart.Before(appt.ScheduledEnd) {
		return domain.Appointment{}, &schedule.InvalidRangeError{AppointmentID: appt.ID, Start: appt.ScheduledStart, End: appt.ScheduledEnd}
	}

	appt.CreatedAt = existing.CreatedAt
	appt.UpdatedAt = t.s.now()
	t.staged[appt.ID] = appt
	return appt, nil
}

func (t *boxTx) UpdateWindow(ctx context.Context, appointmentID uuid.UUID, start, end time.Time) (domain.Appointment, error) {
	a, ok := t.lookup(appointmentID)
	if !ok {
		return domain.Appointment{}, store.ErrNotFound
	}
	if err := t.requireLocked(a.BoxID); err != nil {
		return domain.Appointment{}, err
	}
	if !start.Before(end) {
		return domain.Appointment{}, &schedule.InvalidRangeError{AppointmentID: appointmentID, Start: start, End: end}
	}

	a.ScheduledStart = start
	a.ScheduledEnd = end
	a.UpdatedAt = t.s.now()
	t.staged[appointmentID] = a
	return a, nil
}

// overlapping scans rows with staged taking precedence, keeping the
// non-cancelled appointments that satisfy keep and intersect [start, end).
func overlapping(rows, staged map[uuid.UUID]domain.Appointment, keep func(domain.Appointment) bool, start, end time.Time, exclude []uuid.UUID) []domain.Appointment {
	skip := make(map[uuid.UUID]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	var out []domain.Appointment
	visit := func(a domain.Appointment) {
		if _, ok := skip[a.ID]; ok {
			return
		}
		if a.Cancelled() || !keep(a) || !a.Overlaps(start, end) {
			return
		}
		out = append(out, a)
	}

	for id, a := range rows {
		if _, ok := staged[id]; ok {
			continue
		}
		visit(a)
	}
	for _, a := range staged {
		visit(a)
	}

	sortByStart(out)
	return out
}

func matches(a domain.Appointment, f store.AppointmentFilter) bool {
	if f.WindowStart != nil && a.ScheduledStart.Before(*f.WindowStart) {
		return false
	}
	if f.WindowEnd != nil && !a.ScheduledStart.Before(*f.WindowEnd) {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.CustomerID != uuid.Nil && a.CustomerID != f.CustomerID {
		return false
	}
	if f.VehicleID != uuid.Nil && a.VehicleID != f.VehicleID {
		return false
	}
	if f.BoxID != uuid.Nil && a.BoxID != f.BoxID {
		return false
	}
	return true
}

func sortByStart(rows []domain.Appointment) {
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].ScheduledStart.Equal(rows[j].ScheduledStart) {
			return rows[i].ScheduledStart.Before(rows[j].ScheduledStart)
		}
		return rows[i].ID.String() < rows[j].ID.String()
	})
}

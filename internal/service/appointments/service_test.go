package appointments

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"shopfloor/backend/internal/domain"
	"shopfloor/backend/internal/metrics"
	"shopfloor/backend/internal/notify"
	"shopfloor/backend/internal/schedule"
	"shopfloor/backend/internal/store"
	"shopfloor/backend/internal/store/memory"
)

var (
	boxX = uuid.MustParse("00000000-0000-0000-0000-0000000000b1")
	boxY = uuid.MustParse("00000000-0000-0000-0000-0000000000b2")
)

func at(hour, minute int) time.Time {
	return time.Date(2026, 3, 4, hour, minute, 0, 0, time.UTC)
}

func book(t *testing.T, svc *Service, box uuid.UUID, start, end time.Time) domain.Appointment {
	t.Helper()
	a, err := svc.Create(context.Background(), CreateInput{
		CustomerID:     uuid.New(),
		VehicleID:      uuid.New(),
		BoxID:          box,
		ScheduledStart: start,
		ScheduledEnd:   end,
	})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	return a
}

func window(t *testing.T, repo store.AppointmentRepository, id uuid.UUID) (time.Time, time.Time) {
	t.Helper()
	a, err := repo.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s) error: %v", id, err)
	}
	return a.ScheduledStart, a.ScheduledEnd
}

func assertWindow(t *testing.T, repo store.AppointmentRepository, id uuid.UUID, start, end time.Time) {
	t.Helper()
	gotStart, gotEnd := window(t, repo, id)
	if !gotStart.Equal(start) || !gotEnd.Equal(end) {
		t.Fatalf("%s window = [%s, %s), want [%s, %s)", id,
			gotStart.Format("15:04"), gotEnd.Format("15:04"), start.Format("15:04"), end.Format("15:04"))
	}
}

func movedIDs(moves []schedule.Move) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(moves))
	for _, m := range moves {
		out = append(out, m.AppointmentID)
	}
	return out
}

func TestReschedule_SinglePush(t *testing.T) {
	repo := memory.New()
	svc := NewService(repo)

	a := book(t, svc, boxX, at(10, 0), at(11, 0))
	b := book(t, svc, boxX, at(11, 0), at(12, 0))

	res, err := svc.Reschedule(context.Background(), a.ID, RescheduleInput{ScheduledStart: at(10, 30), ScheduledEnd: at(11, 30)})
	if err != nil {
		t.Fatalf("Reschedule error: %v", err)
	}

	if diff := cmp.Diff([]uuid.UUID{b.ID}, movedIDs(res.Cascade)); diff != "" {
		t.Fatalf("cascade mismatch (-want +got):\n%s", diff)
	}
	assertWindow(t, repo, a.ID, at(10, 30), at(11, 30))
	assertWindow(t, repo, b.ID, at(11, 30), at(12, 30))
}

func TestReschedule_ChainPushLeavesOtherBoxAlone(t *testing.T) {
	repo := memory.New()
	svc := NewService(repo)

	a := book(t, svc, boxX, at(10, 0), at(11, 0))
	b := book(t, svc, boxX, at(11, 0), at(12, 0))
	c := book(t, svc, boxX, at(12, 0), at(13, 0))
	d := book(t, svc, boxY, at(10, 30), at(11, 30))
	dBefore, _ := repo.Get(context.Background(), d.ID)

	res, err := svc.Reschedule(context.Background(), a.ID, RescheduleInput{ScheduledStart: at(10, 30), ScheduledEnd: at(11, 30)})
	if err != nil {
		t.Fatalf("Reschedule error: %v", err)
	}

	if diff := cmp.Diff([]uuid.UUID{b.ID, c.ID}, movedIDs(res.Cascade)); diff != "" {
		t.Fatalf("cascade mismatch (-want +got):\n%s", diff)
	}
	assertWindow(t, repo, b.ID, at(11, 30), at(12, 30))
	assertWindow(t, repo, c.ID, at(12, 30), at(13, 30))

	dAfter, _ := repo.Get(context.Background(), d.ID)
	if diff := cmp.Diff(dBefore, dAfter); diff != "" {
		t.Fatalf("appointment in other box changed (-before +after):\n%s", diff)
	}
}

func TestReschedule_CancelledAppointmentIsNotPushed(t *testing.T) {
	repo := memory.New()
	svc := NewService(repo)

	a := book(t, svc, boxX, at(10, 0), at(11, 0))
	b := book(t, svc, boxX, at(11, 0), at(12, 0))
	c := book(t, svc, boxX, at(12, 0), at(13, 0))
	if _, err := svc.Cancel(context.Background(), b.ID); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}

	res, err := svc.Reschedule(context.Background(), a.ID, RescheduleInput{ScheduledStart: at(10, 30), ScheduledEnd: at(11, 30)})
	if err != nil {
		t.Fatalf("Reschedule error: %v", err)
	}
	if len(res.Cascade) != 0 {
		t.Fatalf("cascade = %v, want empty", res.Cascade)
	}
	assertWindow(t, repo, b.ID, at(11, 0), at(12, 0))
	assertWindow(t, repo, c.ID, at(12, 0), at(13, 0))
}

func TestReschedule_NoOpMoveHasEmptyCascade(t *testing.T) {
	repo := memory.New()
	svc := NewService(repo)

	a := book(t, svc, boxX, at(10, 0), at(11, 0))
	_ = book(t, svc, boxX, at(11, 0), at(12, 0))

	res, err := svc.Reschedule(context.Background(), a.ID, RescheduleInput{ScheduledStart: at(10, 0), ScheduledEnd: at(11, 0)})
	if err != nil {
		t.Fatalf("Reschedule error: %v", err)
	}
	if res.Cascade == nil || len(res.Cascade) != 0 {
		t.Fatalf("cascade = %#v, want empty non-nil slice", res.Cascade)
	}
}

func TestUpdate_ReactivatingCancelledAppointmentCascades(t *testing.T) {
	repo := memory.New()
	svc := NewService(repo)

	a := book(t, svc, boxX, at(10, 0), at(11, 0))
	if _, err := svc.Cancel(context.Background(), a.ID); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	b := book(t, svc, boxX, at(10, 30), at(11, 30))

	scheduled := domain.StatusScheduled
	res, err := svc.Update(context.Background(), a.ID, UpdateInput{Status: &scheduled})
	if err != nil {
		t.Fatalf("Update error: %v", err)
	}
	if diff := cmp.Diff([]uuid.UUID{b.ID}, movedIDs(res.Cascade)); diff != "" {
		t.Fatalf("cascade mismatch (-want +got):\n%s", diff)
	}
	assertWindow(t, repo, b.ID, at(11, 0), at(12, 0))
}

func TestUpdate_MoveThatCancelsNeverCascades(t *testing.T) {
	repo := memory.New()
	svc := NewService(repo)

	a := book(t, svc, boxX, at(10, 0), at(11, 0))
	b := book(t, svc, boxX, at(11, 0), at(12, 0))

	start, end := at(11, 0), at(12, 0)
	cancelled := domain.StatusCancelled
	res, err := svc.Update(context.Background(), a.ID, UpdateInput{ScheduledStart: &start, ScheduledEnd: &end, Status: &cancelled})
	if err != nil {
		t.Fatalf("Update error: %v", err)
	}
	if len(res.Cascade) != 0 {
		t.Fatalf("cascade = %v, want empty", res.Cascade)
	}
	assertWindow(t, repo, b.ID, at(11, 0), at(12, 0))
}

func TestUpdate_FieldEditWithoutWindowChangeDoesNotCascade(t *testing.T) {
	repo := memory.New()
	svc := NewService(repo)

	a := book(t, svc, boxX, at(10, 0), at(11, 0))
	notes := "customer waits in lounge"
	res, err := svc.Update(context.Background(), a.ID, UpdateInput{Notes: &notes})
	if err != nil {
		t.Fatalf("Update error: %v", err)
	}
	if res.Appointment.Notes != notes {
		t.Fatalf("notes = %q, want %q", res.Appointment.Notes, notes)
	}
	if len(res.Cascade) != 0 {
		t.Fatalf("cascade = %v, want empty", res.Cascade)
	}
}

func TestReschedule_MoveToAnotherBoxPushesThere(t *testing.T) {
	repo := memory.New()
	svc := NewService(repo)

	a := book(t, svc, boxX, at(10, 0), at(11, 0))
	x2 := book(t, svc, boxX, at(11, 0), at(12, 0))
	e := book(t, svc, boxY, at(10, 0), at(11, 0))

	target := boxY
	res, err := svc.Reschedule(context.Background(), a.ID, RescheduleInput{BoxID: &target, ScheduledStart: at(10, 0), ScheduledEnd: at(11, 0)})
	if err != nil {
		t.Fatalf("Reschedule error: %v", err)
	}
	if res.Appointment.BoxID != boxY {
		t.Fatalf("box = %s, want %s", res.Appointment.BoxID, boxY)
	}
	if diff := cmp.Diff([]uuid.UUID{e.ID}, movedIDs(res.Cascade)); diff != "" {
		t.Fatalf("cascade mismatch (-want +got):\n%s", diff)
	}
	assertWindow(t, repo, e.ID, at(11, 0), at(12, 0))
	assertWindow(t, repo, x2.ID, at(11, 0), at(12, 0))
}

func TestReschedule_InvalidRangeChangesNothing(t *testing.T) {
	repo := memory.New()
	svc := NewService(repo)

	a := book(t, svc, boxX, at(10, 0), at(11, 0))

	_, err := svc.Reschedule(context.Background(), a.ID, RescheduleInput{ScheduledStart: at(12, 0), ScheduledEnd: at(12, 0)})
	var rErr *schedule.InvalidRangeError
	if !errors.As(err, &rErr) || rErr.AppointmentID != a.ID {
		t.Fatalf("err = %v, want InvalidRangeError for %s", err, a.ID)
	}
	assertWindow(t, repo, a.ID, at(10, 0), at(11, 0))
}

func TestReschedule_NotFound(t *testing.T) {
	svc := NewService(memory.New())
	_, err := svc.Reschedule(context.Background(), uuid.New(), RescheduleInput{ScheduledStart: at(10, 0), ScheduledEnd: at(11, 0)})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want %v", err, store.ErrNotFound)
	}
}

func TestReschedule_LimitAbortsWithoutWriting(t *testing.T) {
	repo := memory.New()
	svc := NewService(repo, WithLimits(schedule.Limits{MaxMoves: 1}))

	a := book(t, svc, boxX, at(10, 0), at(11, 0))
	b := book(t, svc, boxX, at(11, 0), at(12, 0))
	_ = book(t, svc, boxX, at(12, 0), at(13, 0))

	_, err := svc.Reschedule(context.Background(), a.ID, RescheduleInput{ScheduledStart: at(10, 30), ScheduledEnd: at(11, 30)})
	if !errors.Is(err, schedule.ErrCascadeLimit) {
		t.Fatalf("err = %v, want %v", err, schedule.ErrCascadeLimit)
	}
	assertWindow(t, repo, a.ID, at(10, 0), at(11, 0))
	assertWindow(t, repo, b.ID, at(11, 0), at(12, 0))
}

// faultyRepo wraps the memory store and lets a test intercept box
// transactions.
type faultyRepo struct {
	*memory.Store
	wrapTx func(tx store.BoxTx) store.BoxTx
	getFn  func(ctx context.Context, id uuid.UUID) (domain.Appointment, error)
}

func (r *faultyRepo) Get(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	if r.getFn != nil {
		return r.getFn(ctx, id)
	}
	return r.Store.Get(ctx, id)
}

func (r *faultyRepo) InBoxTransaction(ctx context.Context, boxIDs []uuid.UUID, fn func(ctx context.Context, tx store.BoxTx) error) error {
	return r.Store.InBoxTransaction(ctx, boxIDs, func(ctx context.Context, tx store.BoxTx) error {
		if r.wrapTx != nil {
			tx = r.wrapTx(tx)
		}
		return fn(ctx, tx)
	})
}

type hookTx struct {
	store.BoxTx
	findHook   func(ctx context.Context)
	windowHook func(ctx context.Context, id uuid.UUID) error
}

func (h *hookTx) FindOverlapping(ctx context.Context, boxID uuid.UUID, start, end time.Time, exclude []uuid.UUID) ([]domain.Appointment, error) {
	if h.findHook != nil {
		h.findHook(ctx)
	}
	return h.BoxTx.FindOverlapping(ctx, boxID, start, end, exclude)
}

func (h *hookTx) UpdateWindow(ctx context.Context, id uuid.UUID, start, end time.Time) (domain.Appointment, error) {
	if h.windowHook != nil {
		if err := h.windowHook(ctx, id); err != nil {
			return domain.Appointment{}, err
		}
	}
	return h.BoxTx.UpdateWindow(ctx, id, start, end)
}

func TestReschedule_WriteFailureRollsBackEveryMove(t *testing.T) {
	mem := memory.New()
	repo := &faultyRepo{Store: mem}
	svc := NewService(repo)

	a := book(t, svc, boxX, at(10, 0), at(11, 0))
	b := book(t, svc, boxX, at(11, 0), at(12, 0))
	c := book(t, svc, boxX, at(12, 0), at(13, 0))

	boom := errors.New("disk full")
	repo.wrapTx = func(tx store.BoxTx) store.BoxTx {
		return &hookTx{BoxTx: tx, windowHook: func(ctx context.Context, id uuid.UUID) error {
			if id == c.ID {
				return boom
			}
			return nil
		}}
	}

	_, err := svc.Reschedule(context.Background(), a.ID, RescheduleInput{ScheduledStart: at(10, 30), ScheduledEnd: at(11, 30)})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	assertWindow(t, mem, a.ID, at(10, 0), at(11, 0))
	assertWindow(t, mem, b.ID, at(11, 0), at(12, 0))
	assertWindow(t, mem, c.ID, at(12, 0), at(13, 0))
}

func TestReschedule_CancelledDuringPlanningWritesNothing(t *testing.T) {
	mem := memory.New()
	repo := &faultyRepo{Store: mem}
	svc := NewService(repo)

	a := book(t, svc, boxX, at(10, 0), at(11, 0))
	b := book(t, svc, boxX, at(11, 0), at(12, 0))
	_ = book(t, svc, boxX, at(12, 0), at(13, 0))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	repo.wrapTx = func(tx store.BoxTx) store.BoxTx {
		return &hookTx{BoxTx: tx, findHook: func(context.Context) { cancel() }}
	}

	_, err := svc.Reschedule(ctx, a.ID, RescheduleInput{ScheduledStart: at(10, 30), ScheduledEnd: at(11, 30)})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want %v", err, context.Canceled)
	}
	assertWindow(t, mem, a.ID, at(10, 0), at(11, 0))
	assertWindow(t, mem, b.ID, at(11, 0), at(12, 0))
}

func TestReschedule_WritesIgnoreCallerCancellation(t *testing.T) {
	mem := memory.New()
	repo := &faultyRepo{Store: mem}
	svc := NewService(repo)

	a := book(t, svc, boxX, at(10, 0), at(11, 0))
	b := book(t, svc, boxX, at(11, 0), at(12, 0))
	c := book(t, svc, boxX, at(12, 0), at(13, 0))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var sawCancelled bool
	repo.wrapTx = func(tx store.BoxTx) store.BoxTx {
		return &hookTx{BoxTx: tx, windowHook: func(wctx context.Context, id uuid.UUID) error {
			cancel()
			if wctx.Err() != nil {
				sawCancelled = true
			}
			return nil
		}}
	}

	if _, err := svc.Reschedule(ctx, a.ID, RescheduleInput{ScheduledStart: at(10, 30), ScheduledEnd: at(11, 30)}); err != nil {
		t.Fatalf("Reschedule error: %v", err)
	}
	if sawCancelled {
		t.Fatalf("write phase observed the caller's cancellation")
	}
	assertWindow(t, mem, b.ID, at(11, 30), at(12, 30))
	assertWindow(t, mem, c.ID, at(12, 30), at(13, 30))
}

func TestUpdate_BoxChangedBeforeLockIsConcurrencyConflict(t *testing.T) {
	mem := memory.New()
	repo := &faultyRepo{Store: mem}
	svc := NewService(repo)

	a := book(t, svc, boxX, at(10, 0), at(11, 0))
	repo.getFn = func(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
		stale, err := mem.Get(ctx, id)
		stale.BoxID = boxY
		return stale, err
	}

	_, err := svc.Reschedule(context.Background(), a.ID, RescheduleInput{ScheduledStart: at(10, 30), ScheduledEnd: at(11, 30)})
	if !errors.Is(err, store.ErrConcurrencyConflict) {
		t.Fatalf("err = %v, want %v", err, store.ErrConcurrencyConflict)
	}
}

func TestReschedule_ConcurrentRunsOnOneBoxKeepItConsistent(t *testing.T) {
	repo := memory.New(memory.WithLockTimeout(5 * time.Second))
	svc := NewService(repo)

	var ids []uuid.UUID
	for h := 8; h < 16; h++ {
		ids = append(ids, book(t, svc, boxX, at(h, 0), at(h+1, 0)).ID)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(ids))
	for i, id := range ids[:4] {
		wg.Add(1)
		go func(i int, id uuid.UUID) {
			defer wg.Done()
			start := at(8+i, 30)
			_, err := svc.Reschedule(context.Background(), id, RescheduleInput{ScheduledStart: start, ScheduledEnd: start.Add(time.Hour)})
			errs <- err
		}(i, id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Reschedule error: %v", err)
		}
	}

	all, err := repo.List(context.Background(), store.AppointmentFilter{BoxID: boxX})
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	for i := 1; i < len(all); i++ {
		if all[i].ScheduledStart.Before(all[i-1].ScheduledEnd) {
			t.Fatalf("appointments %s and %s overlap", all[i-1].ID, all[i].ID)
		}
	}
}

func TestCreate_RejectsBusyBoxAndVehicle(t *testing.T) {
	repo := memory.New()
	svc := NewService(repo)
	a := book(t, svc, boxX, at(10, 0), at(11, 0))

	_, err := svc.Create(context.Background(), CreateInput{
		CustomerID: uuid.New(), VehicleID: uuid.New(), BoxID: boxX,
		ScheduledStart: at(10, 30), ScheduledEnd: at(11, 30),
	})
	if !errors.Is(err, ErrBoxUnavailable) || !errors.Is(err, store.ErrConflict) {
		t.Fatalf("err = %v, want %v wrapping %v", err, ErrBoxUnavailable, store.ErrConflict)
	}

	_, err = svc.Create(context.Background(), CreateInput{
		CustomerID: uuid.New(), VehicleID: a.VehicleID, BoxID: boxY,
		ScheduledStart: at(10, 30), ScheduledEnd: at(11, 30),
	})
	if !errors.Is(err, ErrVehicleUnavailable) {
		t.Fatalf("err = %v, want %v", err, ErrVehicleUnavailable)
	}

	touching, err := svc.Create(context.Background(), CreateInput{
		CustomerID: uuid.New(), VehicleID: uuid.New(), BoxID: boxX,
		ScheduledStart: at(11, 0), ScheduledEnd: at(12, 0),
	})
	if err != nil {
		t.Fatalf("touching booking rejected: %v", err)
	}
	if touching.Status != domain.StatusScheduled {
		t.Fatalf("status = %q, want %q", touching.Status, domain.StatusScheduled)
	}
}

func TestCreate_ValidationErrorType(t *testing.T) {
	svc := NewService(memory.New())

	tests := []struct {
		name string
		in   CreateInput
		want string
	}{
		{"missing customer", CreateInput{VehicleID: uuid.New(), BoxID: boxX, ScheduledStart: at(10, 0), ScheduledEnd: at(11, 0)}, "customerId is required"},
		{"missing box", CreateInput{CustomerID: uuid.New(), VehicleID: uuid.New(), ScheduledStart: at(10, 0), ScheduledEnd: at(11, 0)}, "boxId is required"},
		{"too long", CreateInput{CustomerID: uuid.New(), VehicleID: uuid.New(), BoxID: boxX, ScheduledStart: at(10, 0), ScheduledEnd: at(10, 0).Add(25 * time.Hour)}, "duration too long"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(context.Background(), tt.in)
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("error type = %T, want *ValidationError", err)
			}
			if vErr.Error() != tt.want {
				t.Fatalf("error = %q, want %q", vErr.Error(), tt.want)
			}
		})
	}
}

func TestCheckConflicts_ReportsBoxAndMechanic(t *testing.T) {
	repo := memory.New()
	svc := NewService(repo)

	mechanic := uuid.New()
	a, err := svc.Create(context.Background(), CreateInput{
		CustomerID: uuid.New(), VehicleID: uuid.New(), BoxID: boxX, MechanicID: &mechanic,
		ScheduledStart: at(8, 0), ScheduledEnd: at(9, 0),
	})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	b := book(t, svc, boxX, at(10, 0), at(11, 0))
	m, err := svc.Create(context.Background(), CreateInput{
		CustomerID: uuid.New(), VehicleID: uuid.New(), BoxID: boxY, MechanicID: &mechanic,
		ScheduledStart: at(10, 0), ScheduledEnd: at(11, 0),
	})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}

	report, err := svc.CheckConflicts(context.Background(), ConflictInput{
		AppointmentID: a.ID, BoxID: boxX, ScheduledStart: at(10, 30), ScheduledEnd: at(11, 30),
	})
	if err != nil {
		t.Fatalf("CheckConflicts error: %v", err)
	}
	if !report.HasConflicts {
		t.Fatalf("HasConflicts = false, want true")
	}
	if len(report.BoxConflicts) != 1 || report.BoxConflicts[0].ID != b.ID {
		t.Fatalf("box conflicts = %v, want [B]", report.BoxConflicts)
	}
	if len(report.MechanicConflicts) != 1 || report.MechanicConflicts[0].ID != m.ID {
		t.Fatalf("mechanic conflicts = %v, want [M]", report.MechanicConflicts)
	}

	free, err := svc.CheckConflicts(context.Background(), ConflictInput{BoxID: boxX, ScheduledStart: at(12, 0), ScheduledEnd: at(13, 0)})
	if err != nil {
		t.Fatalf("CheckConflicts error: %v", err)
	}
	if free.HasConflicts || free.BoxConflicts == nil || free.MechanicConflicts == nil {
		t.Fatalf("free report = %+v, want no conflicts and empty slices", free)
	}
}

func TestSimulateCascade_DoesNotWrite(t *testing.T) {
	repo := memory.New()
	reg := prometheus.NewRegistry()
	svc := NewService(repo, WithMetrics(metrics.New(reg)))

	a := book(t, svc, boxX, at(10, 0), at(11, 0))
	b := book(t, svc, boxX, at(11, 0), at(12, 0))

	moves, err := svc.SimulateCascade(context.Background(), SimulateInput{AppointmentID: a.ID, ScheduledStart: at(10, 30), ScheduledEnd: at(11, 30)})
	if err != nil {
		t.Fatalf("SimulateCascade error: %v", err)
	}
	if diff := cmp.Diff([]uuid.UUID{b.ID}, movedIDs(moves)); diff != "" {
		t.Fatalf("cascade mismatch (-want +got):\n%s", diff)
	}
	assertWindow(t, repo, a.ID, at(10, 0), at(11, 0))
	assertWindow(t, repo, b.ID, at(11, 0), at(12, 0))

	newBooking, err := svc.SimulateCascade(context.Background(), SimulateInput{BoxID: boxX, ScheduledStart: at(9, 30), ScheduledEnd: at(10, 15)})
	if err != nil {
		t.Fatalf("SimulateCascade (new) error: %v", err)
	}
	if diff := cmp.Diff([]uuid.UUID{a.ID, b.ID}, movedIDs(newBooking)); diff != "" {
		t.Fatalf("new booking cascade mismatch (-want +got):\n%s", diff)
	}

	count, err := testutil.GatherAndCount(reg, "shopfloor_cascade_runs_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if count != 1 {
		t.Fatalf("runs_total series = %d, want 1 (simulated)", count)
	}
}

func TestBatchUpdate_SwapIsAtomic(t *testing.T) {
	repo := memory.New()
	svc := NewService(repo)

	a := book(t, svc, boxX, at(10, 0), at(11, 0))
	b := book(t, svc, boxX, at(11, 0), at(12, 0))

	_, err := svc.BatchUpdate(context.Background(), []BatchMove{
		{AppointmentID: a.ID, ScheduledStart: at(11, 0), ScheduledEnd: at(12, 0)},
		{AppointmentID: b.ID, ScheduledStart: at(10, 0), ScheduledEnd: at(11, 0)},
	})
	if err != nil {
		t.Fatalf("BatchUpdate error: %v", err)
	}
	assertWindow(t, repo, a.ID, at(11, 0), at(12, 0))
	assertWindow(t, repo, b.ID, at(10, 0), at(11, 0))
}

func TestBatchUpdate_RefusesLeftoverOverlap(t *testing.T) {
	repo := memory.New()
	svc := NewService(repo)

	a := book(t, svc, boxX, at(10, 0), at(11, 0))
	b := book(t, svc, boxX, at(11, 0), at(12, 0))
	c := book(t, svc, boxY, at(9, 0), at(10, 0))

	target := boxX
	_, err := svc.BatchUpdate(context.Background(), []BatchMove{
		{AppointmentID: a.ID, ScheduledStart: at(9, 0), ScheduledEnd: at(10, 0)},
		{AppointmentID: c.ID, BoxID: &target, ScheduledStart: at(11, 30), ScheduledEnd: at(12, 30)},
	})
	if !errors.Is(err, ErrBoxUnavailable) {
		t.Fatalf("err = %v, want %v", err, ErrBoxUnavailable)
	}
	assertWindow(t, repo, a.ID, at(10, 0), at(11, 0))
	assertWindow(t, repo, b.ID, at(11, 0), at(12, 0))

	got, _ := repo.Get(context.Background(), c.ID)
	if got.BoxID != boxY {
		t.Fatalf("C box = %s, want unchanged %s", got.BoxID, boxY)
	}
}

func TestBatchUpdate_RejectsDuplicateIDs(t *testing.T) {
	svc := NewService(memory.New())
	id := uuid.New()
	_, err := svc.BatchUpdate(context.Background(), []BatchMove{
		{AppointmentID: id, ScheduledStart: at(10, 0), ScheduledEnd: at(11, 0)},
		{AppointmentID: id, ScheduledStart: at(12, 0), ScheduledEnd: at(13, 0)},
	})
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("err = %v, want *ValidationError", err)
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, e notify.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func TestReschedule_PublishesOneEventPerTouchedBox(t *testing.T) {
	repo := memory.New()
	pub := &recordingPublisher{err: errors.New("redis down")}
	svc := NewService(repo, WithPublisher(pub))

	a := book(t, svc, boxX, at(10, 0), at(11, 0))
	e := book(t, svc, boxY, at(10, 0), at(11, 0))

	target := boxY
	if _, err := svc.Reschedule(context.Background(), a.ID, RescheduleInput{BoxID: &target, ScheduledStart: at(10, 0), ScheduledEnd: at(11, 0)}); err != nil {
		t.Fatalf("Reschedule error despite publish failure: %v", err)
	}

	if len(pub.events) != 2 {
		t.Fatalf("events = %d, want 2 (old and new box)", len(pub.events))
	}
	byBox := map[uuid.UUID]notify.Event{}
	for _, ev := range pub.events {
		if ev.Type != notify.EventRescheduled {
			t.Fatalf("event type = %q", ev.Type)
		}
		byBox[ev.BoxID] = ev
	}
	if got := byBox[boxY]; len(got.Cascade) != 1 || got.Cascade[0].AppointmentID != e.ID {
		t.Fatalf("box Y event = %+v, want cascade of E", got)
	}
	if _, ok := byBox[boxX]; !ok {
		t.Fatalf("no event for the box the appointment left")
	}
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, metrics.OutcomeCommitted},
		{&schedule.LimitError{Reason: schedule.LimitMaxMoves}, metrics.OutcomeLimit},
		{&schedule.OverlapError{}, metrics.OutcomeOverlap},
		{&schedule.InvalidRangeError{}, metrics.OutcomeInvalidRange},
		{store.ErrConcurrencyConflict, metrics.OutcomeConcurrency},
		{errors.New("boom"), metrics.OutcomeError},
	}
	for _, tt := range tests {
		if got := outcome(tt.err, metrics.OutcomeCommitted); got != tt.want {
			t.Fatalf("outcome(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

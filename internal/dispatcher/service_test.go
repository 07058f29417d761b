package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"researchflow/internal/domain"
	"researchflow/internal/store"
)

type fakeStore struct {
	store.Store

	schedules []domain.Schedule
	listErr   error
	leaseHeld bool
	released  bool
}

func (f *fakeStore) ListActiveSchedules(ctx context.Context) ([]domain.Schedule, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.schedules, nil
}

func (f *fakeStore) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	return !f.leaseHeld, nil
}

func (f *fakeStore) ReleaseLease(ctx context.Context, name, holder string) error {
	f.released = true
	return nil
}

type fakeRunner struct {
	mu     sync.Mutex
	ran    []string
	failID string
}

func (f *fakeRunner) Run(ctx context.Context, s domain.Schedule, now time.Time) error {
	f.mu.Lock()
	f.ran = append(f.ran, s.ID)
	f.mu.Unlock()
	if s.ID == f.failID {
		return errors.New("execution blew up")
	}
	return nil
}

func sched(id, expr string, lastRun *time.Time) domain.Schedule {
	return domain.Schedule{
		ID:       id,
		CronExpr: expr,
		Timezone: "UTC",
		LastRun:  lastRun,
		Active:   true,
	}
}

// Monday 09:05 UTC.
var cycleNow = time.Date(2024, 1, 8, 9, 5, 0, 0, time.UTC)

func TestRunCycleExecutesDueSchedules(t *testing.T) {
	ranAt := cycleNow
	st := &fakeStore{schedules: []domain.Schedule{
		sched("due-1", "0 9 * * 1", nil),
		sched("not-due", "0 9 * * 1", &ranAt),
		sched("due-2", "0 9 * * *", nil),
	}}
	r := &fakeRunner{}
	svc := NewService(st, r, time.Minute, 2)

	n := svc.RunCycle(context.Background(), cycleNow)
	if n != 2 {
		t.Fatalf("processed = %d, want 2", n)
	}
	if len(r.ran) != 2 {
		t.Fatalf("ran = %v, want 2 executions", r.ran)
	}
	for _, id := range r.ran {
		if id == "not-due" {
			t.Fatal("not-due schedule was executed")
		}
	}
	if !st.released {
		t.Fatal("lease was not released")
	}
}

func TestRunCycleIsolatesFailures(t *testing.T) {
	st := &fakeStore{schedules: []domain.Schedule{
		sched("boom", "0 9 * * 1", nil),
		sched("fine", "0 9 * * 1", nil),
	}}
	r := &fakeRunner{failID: "boom"}
	svc := NewService(st, r, time.Minute, 1)

	n := svc.RunCycle(context.Background(), cycleNow)
	if n != 2 {
		t.Fatalf("processed = %d, want 2 (failure must not abort the batch)", n)
	}
	if len(r.ran) != 2 {
		t.Fatalf("ran = %v, want both schedules attempted", r.ran)
	}
}

func TestRunCycleSkipsInvalidExpressions(t *testing.T) {
	st := &fakeStore{schedules: []domain.Schedule{
		sched("broken", "not a cron", nil),
		sched("ok", "0 9 * * 1", nil),
	}}
	r := &fakeRunner{}
	svc := NewService(st, r, time.Minute, 1)

	n := svc.RunCycle(context.Background(), cycleNow)
	if n != 1 {
		t.Fatalf("processed = %d, want 1", n)
	}
	if len(r.ran) != 1 || r.ran[0] != "ok" {
		t.Fatalf("ran = %v, want only the valid schedule", r.ran)
	}
}

func TestRunCycleSkipsWhenLeaseHeld(t *testing.T) {
	st := &fakeStore{
		schedules: []domain.Schedule{sched("due-1", "0 9 * * 1", nil)},
		leaseHeld: true,
	}
	r := &fakeRunner{}
	svc := NewService(st, r, time.Minute, 1)

	if n := svc.RunCycle(context.Background(), cycleNow); n != 0 {
		t.Fatalf("processed = %d, want 0 while another cycle holds the lease", n)
	}
	if len(r.ran) != 0 {
		t.Fatal("no schedule may run without the lease")
	}
}

func TestRunCycleListFailure(t *testing.T) {
	st := &fakeStore{listErr: errors.New("db gone")}
	r := &fakeRunner{}
	svc := NewService(st, r, time.Minute, 1)

	if n := svc.RunCycle(context.Background(), cycleNow); n != 0 {
		t.Fatalf("processed = %d, want 0", n)
	}
}

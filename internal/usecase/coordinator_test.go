package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"personakit/internal/domain"
)

func testCoordinator(r *Registry, maxActive int) *Coordinator {
	return NewCoordinator(r, CoordinatorOptions{MaxActive: maxActive}, nil, testLogger())
}

func shortlist(ids ...string) []Candidate {
	out := make([]Candidate, len(ids))
	for i, id := range ids {
		out[i] = Candidate{PersonaID: id, Rank: i + 1}
	}
	return out
}

func TestActivateEmptyShortlist(t *testing.T) {
	c := testCoordinator(NewRegistry(nil, testLogger()), 3)
	_, err := c.Activate(context.Background(), nil, domain.WorkContext{})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestActivateWithinCapacity(t *testing.T) {
	r := NewRegistry(nil, testLogger())
	r.Register(newStub("a", 60))
	r.Register(newStub("b", 60))
	c := testCoordinator(r, 3)

	active, err := c.Activate(context.Background(), shortlist("a", "b"), domain.WorkContext{})
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("active = %v", active)
	}
	if ids := r.ActiveIDs(); len(ids) != 2 {
		t.Errorf("ActiveIDs = %v", ids)
	}
}

func TestActivateCapacityFIFOEviction(t *testing.T) {
	r := NewRegistry(nil, testLogger())
	r.Register(newStub("a", 60))
	r.Register(newStub("b", 60))
	r.Register(newStub("c", 60))
	c := testCoordinator(r, 2)

	ctx := context.Background()
	work := domain.WorkContext{}
	if _, err := c.Activate(ctx, shortlist("a"), work); err != nil {
		t.Fatalf("activate a: %v", err)
	}
	time.Sleep(5 * time.Millisecond) // make activation timestamps ordered
	if _, err := c.Activate(ctx, shortlist("b"), work); err != nil {
		t.Fatalf("activate b: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := c.Activate(ctx, shortlist("c"), work); err != nil {
		t.Fatalf("activate c: %v", err)
	}

	ids := r.ActiveIDs()
	if len(ids) != 2 {
		t.Fatalf("capacity violated: active = %v", ids)
	}
	for _, id := range ids {
		if id == "a" {
			t.Error("oldest activation survived; expected FIFO eviction of a")
		}
	}
	pa, _ := r.Get("a")
	if pa.Status() != domain.StatusIdle {
		t.Errorf("evicted persona status = %s", pa.Status())
	}
}

func TestActivateConflictWithinBatch(t *testing.T) {
	r := NewRegistry(nil, testLogger())
	r.Register(newStub("performance", 60, withConflicts("refactorer")))
	r.Register(newStub("refactorer", 60, withConflicts("performance")))
	c := testCoordinator(r, 3)

	active, err := c.Activate(context.Background(), shortlist("performance", "refactorer"), domain.WorkContext{})
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if len(active) != 1 || active[0] != "performance" {
		t.Errorf("active = %v, want the higher-ranked of the conflicting pair", active)
	}
	ids := r.ActiveIDs()
	if len(ids) != 1 {
		t.Errorf("conflicting personas active together: %v", ids)
	}
}

func TestActivateConflictWithActive(t *testing.T) {
	r := NewRegistry(nil, testLogger())
	r.Register(newStub("performance", 60, withConflicts("refactorer")))
	r.Register(newStub("refactorer", 60, withConflicts("performance")))
	c := testCoordinator(r, 3)

	ctx := context.Background()
	if _, err := c.Activate(ctx, shortlist("refactorer"), domain.WorkContext{}); err != nil {
		t.Fatalf("activate refactorer: %v", err)
	}
	// The conflicting peer must be rejected at admission.
	if _, err := c.Activate(ctx, shortlist("performance"), domain.WorkContext{}); !errors.Is(err, domain.ErrActivationFailed) {
		t.Errorf("expected ErrActivationFailed, got %v", err)
	}
	if ids := r.ActiveIDs(); len(ids) != 1 || ids[0] != "refactorer" {
		t.Errorf("active = %v", ids)
	}
}

func TestActivateAllCandidatesFailed(t *testing.T) {
	r := NewRegistry(nil, testLogger())
	broken := newStub("broken", 60)
	broken.activateErr = errors.New("setup failed")
	r.Register(broken)
	c := testCoordinator(r, 3)

	_, err := c.Activate(context.Background(), shortlist("broken"), domain.WorkContext{})
	if !errors.Is(err, domain.ErrActivationFailed) {
		t.Errorf("expected ErrActivationFailed, got %v", err)
	}
}

func TestActivatePartialFailure(t *testing.T) {
	r := NewRegistry(nil, testLogger())
	broken := newStub("broken", 60)
	broken.activateErr = errors.New("setup failed")
	r.Register(broken)
	r.Register(newStub("fine", 60))
	c := testCoordinator(r, 3)

	active, err := c.Activate(context.Background(), shortlist("broken", "fine"), domain.WorkContext{})
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if len(active) != 1 || active[0] != "fine" {
		t.Errorf("active = %v", active)
	}
}

func TestActivateAlreadyActive(t *testing.T) {
	r := NewRegistry(nil, testLogger())
	r.Register(newStub("a", 60))
	c := testCoordinator(r, 3)

	ctx := context.Background()
	if _, err := c.Activate(ctx, shortlist("a"), domain.WorkContext{}); err != nil {
		t.Fatalf("first Activate: %v", err)
	}
	active, err := c.Activate(ctx, shortlist("a"), domain.WorkContext{})
	if err != nil {
		t.Fatalf("second Activate: %v", err)
	}
	if len(active) != 1 || active[0] != "a" {
		t.Errorf("active = %v", active)
	}
	if ids := r.ActiveIDs(); len(ids) != 1 {
		t.Errorf("ActiveIDs = %v", ids)
	}
}

func TestDeactivate(t *testing.T) {
	r := NewRegistry(nil, testLogger())
	r.Register(newStub("a", 60))
	r.Register(newStub("b", 60))
	c := testCoordinator(r, 3)

	ctx := context.Background()
	c.Activate(ctx, shortlist("a", "b"), domain.WorkContext{})

	if err := c.Deactivate(ctx, "a"); err != nil {
		t.Fatalf("Deactivate(a): %v", err)
	}
	if ids := r.ActiveIDs(); len(ids) != 1 || ids[0] != "b" {
		t.Errorf("ActiveIDs = %v", ids)
	}

	// No ids means everything.
	if err := c.Deactivate(ctx); err != nil {
		t.Fatalf("Deactivate all: %v", err)
	}
	if ids := r.ActiveIDs(); len(ids) != 0 {
		t.Errorf("ActiveIDs = %v", ids)
	}

	// With nothing active the work context is released too.
	if _, err := c.Dispatch(ctx, domain.Command{Name: "x"}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput after full deactivation, got %v", err)
	}
}

func TestDispatchFanOut(t *testing.T) {
	r := NewRegistry(nil, testLogger())
	r.Register(newStub("a", 60))
	failing := newStub("b", 60)
	failing.processFn = func(ctx context.Context, cmd domain.Command) (domain.Response, error) {
		return domain.Response{PersonaID: "b", Success: false, Err: "handler broke", Timestamp: time.Now()}, nil
	}
	r.Register(failing)
	c := testCoordinator(r, 3)

	ctx := context.Background()
	if _, err := c.Activate(ctx, shortlist("a", "b"), domain.WorkContext{}); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	responses, err := c.Dispatch(ctx, domain.Command{Name: "review"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(responses) != 2 {
		t.Fatalf("got %d responses, want 2", len(responses))
	}
	// Responses come back in registration order.
	if responses[0].PersonaID != "a" || !responses[0].Success {
		t.Errorf("responses[0] = %+v", responses[0])
	}
	if responses[1].PersonaID != "b" || responses[1].Success {
		t.Errorf("responses[1] = %+v", responses[1])
	}
	if responses[1].Err != "handler broke" {
		t.Errorf("failure detail lost: %q", responses[1].Err)
	}
}

func TestDispatchNoActivePersonas(t *testing.T) {
	r := NewRegistry(nil, testLogger())
	r.Register(newStub("a", 60))
	c := testCoordinator(r, 3)

	ctx := context.Background()
	if _, err := c.Activate(ctx, shortlist("a"), domain.WorkContext{}); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	// Deactivate the persona behind the coordinator's back: work context
	// is still set, but nothing is active.
	p, _ := r.Get("a")
	p.Deactivate(ctx)

	if _, err := c.Dispatch(ctx, domain.Command{Name: "x"}); !errors.Is(err, domain.ErrNoActivePersonas) {
		t.Errorf("expected ErrNoActivePersonas, got %v", err)
	}
}

func TestDispatchCircuitBreakerOpens(t *testing.T) {
	r := NewRegistry(nil, testLogger())
	flaky := newStub("flaky", 60)
	flaky.processFn = func(ctx context.Context, cmd domain.Command) (domain.Response, error) {
		return domain.Response{PersonaID: "flaky", Success: false, Err: "boom", Timestamp: time.Now()}, nil
	}
	r.Register(flaky)

	c := NewCoordinator(r, CoordinatorOptions{
		MaxActive: 3,
		Breaker:   BreakerSettings{MaxFailures: 2, Timeout: time.Minute, Interval: time.Minute},
	}, nil, testLogger())

	ctx := context.Background()
	if _, err := c.Activate(ctx, shortlist("flaky"), domain.WorkContext{}); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	for i := 0; i < 2; i++ {
		responses, err := c.Dispatch(ctx, domain.Command{Name: "x"})
		if err != nil {
			t.Fatalf("Dispatch %d: %v", i, err)
		}
		if responses[0].Err != "boom" {
			t.Fatalf("Dispatch %d response = %+v", i, responses[0])
		}
	}

	responses, err := c.Dispatch(ctx, domain.Command{Name: "x"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if responses[0].Success || !strings.Contains(responses[0].Err, "circuit open") {
		t.Errorf("expected circuit-open failure, got %+v", responses[0])
	}
}

func TestShutdown(t *testing.T) {
	r := NewRegistry(nil, testLogger())
	r.Register(newStub("a", 60))
	r.Register(newStub("b", 60))
	c := testCoordinator(r, 3)

	ctx := context.Background()
	c.Activate(ctx, shortlist("a", "b"), domain.WorkContext{})

	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if ids := r.ActiveIDs(); len(ids) != 0 {
		t.Errorf("ActiveIDs after shutdown = %v", ids)
	}
}

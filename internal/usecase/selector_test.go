package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"personakit/internal/domain"
	"personakit/internal/usecase/eventbus"
)

func testSelectorOpts() SelectorOptions {
	return SelectorOptions{
		Threshold:    30,
		MaxShortlist: 3,
		Timeout:      time.Second,
		CacheTTL:     time.Minute,
		CacheSize:    16,
	}
}

func TestSelectRankingByScoreThenPriority(t *testing.T) {
	r := NewRegistry(nil, testLogger())
	r.Register(newStub("a", 80, withPriority(5)))
	r.Register(newStub("b", 80, withPriority(7)))
	r.Register(newStub("c", 90, withPriority(1)))

	s := NewSelector(r, testSelectorOpts(), nil, testLogger())
	sel, err := s.Select(context.Background(), Criteria{}, domain.WorkContext{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}

	want := []string{"c", "b", "a"}
	if len(sel.Candidates) != len(want) {
		t.Fatalf("got %d candidates, want %d", len(sel.Candidates), len(want))
	}
	for i, id := range want {
		if sel.Candidates[i].PersonaID != id {
			t.Errorf("rank %d = %s, want %s", i+1, sel.Candidates[i].PersonaID, id)
		}
		if sel.Candidates[i].Rank != i+1 {
			t.Errorf("Rank = %d, want %d", sel.Candidates[i].Rank, i+1)
		}
	}
}

func TestSelectTieBreaksByRegistrationOrder(t *testing.T) {
	r := NewRegistry(nil, testLogger())
	r.Register(newStub("early", 70))
	r.Register(newStub("late", 70))

	s := NewSelector(r, testSelectorOpts(), nil, testLogger())
	sel, err := s.Select(context.Background(), Criteria{}, domain.WorkContext{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Candidates[0].PersonaID != "early" {
		t.Errorf("equal score and priority should keep registration order, got %s first", sel.Candidates[0].PersonaID)
	}
}

func TestSelectThresholdInclusive(t *testing.T) {
	r := NewRegistry(nil, testLogger())
	r.Register(newStub("at", 30))
	r.Register(newStub("below", 29))

	s := NewSelector(r, testSelectorOpts(), nil, testLogger())
	sel, err := s.Select(context.Background(), Criteria{}, domain.WorkContext{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(sel.Candidates) != 1 || sel.Candidates[0].PersonaID != "at" {
		t.Errorf("threshold must be inclusive; got %+v", sel.Candidates)
	}
}

func TestSelectDeterministic(t *testing.T) {
	r := NewRegistry(nil, testLogger())
	r.Register(newStub("a", 60))
	r.Register(newStub("b", 60))
	r.Register(newStub("c", 75))

	opts := testSelectorOpts()
	opts.CacheSize = 0 // force recomputation
	s := NewSelector(r, opts, nil, testLogger())

	work := domain.WorkContext{ProjectType: "service", Trigger: domain.TriggerAnalyze}
	first, err := s.Select(context.Background(), Criteria{}, work)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := s.Select(context.Background(), Criteria{}, work)
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if len(again.Candidates) != len(first.Candidates) {
			t.Fatalf("candidate count changed between runs")
		}
		for j := range first.Candidates {
			if again.Candidates[j].PersonaID != first.Candidates[j].PersonaID {
				t.Fatalf("run %d: rank %d = %s, first run had %s",
					i, j+1, again.Candidates[j].PersonaID, first.Candidates[j].PersonaID)
			}
		}
	}
}

func TestSelectCacheHitSkipsScoring(t *testing.T) {
	r := NewRegistry(nil, testLogger())
	stub := newStub("a", 60)
	r.Register(stub)

	s := NewSelector(r, testSelectorOpts(), nil, testLogger())
	work := domain.WorkContext{ProjectType: "service", Trigger: domain.TriggerAnalyze}

	if _, err := s.Select(context.Background(), Criteria{}, work); err != nil {
		t.Fatalf("Select: %v", err)
	}
	calls := stub.scoreCalls.Load()

	sel, err := s.Select(context.Background(), Criteria{}, work)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if stub.scoreCalls.Load() != calls {
		t.Error("cache hit still re-scored candidates")
	}
	if len(sel.Candidates) != 1 {
		t.Errorf("cached selection = %+v", sel.Candidates)
	}
}

func TestSelectCacheInvalidatedByRegistryChange(t *testing.T) {
	r := NewRegistry(nil, testLogger())
	r.Register(newStub("a", 60))

	s := NewSelector(r, testSelectorOpts(), nil, testLogger())
	work := domain.WorkContext{ProjectType: "service"}

	if _, err := s.Select(context.Background(), Criteria{}, work); err != nil {
		t.Fatalf("Select: %v", err)
	}

	// A structural registry change must invalidate the cached result.
	r.Register(newStub("b", 90))
	sel, err := s.Select(context.Background(), Criteria{}, work)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(sel.Candidates) != 2 || sel.Candidates[0].PersonaID != "b" {
		t.Errorf("stale selection served after registry change: %+v", sel.Candidates)
	}
}

func TestSelectEmptyRegistry(t *testing.T) {
	r := NewRegistry(nil, testLogger())
	s := NewSelector(r, testSelectorOpts(), nil, testLogger())

	_, err := s.Select(context.Background(), Criteria{}, domain.WorkContext{})
	if !errors.Is(err, domain.ErrRegistryEmpty) {
		t.Errorf("expected ErrRegistryEmpty, got %v", err)
	}

	// All-disabled behaves the same as empty.
	r.Register(newStub("a", 60))
	r.SetEnabled(context.Background(), "a", false)
	if _, err := s.Select(context.Background(), Criteria{}, domain.WorkContext{}); !errors.Is(err, domain.ErrRegistryEmpty) {
		t.Errorf("expected ErrRegistryEmpty with all personas disabled, got %v", err)
	}
}

func TestSelectEmptyShortlistIsNotAnError(t *testing.T) {
	r := NewRegistry(nil, testLogger())
	r.Register(newStub("weak", 10))

	opts := testSelectorOpts()
	opts.Threshold = 50
	s := NewSelector(r, opts, nil, testLogger())

	sel, err := s.Select(context.Background(), Criteria{}, domain.WorkContext{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if !sel.Empty() {
		t.Errorf("expected empty selection, got %+v", sel.Candidates)
	}
}

func TestSelectFallback(t *testing.T) {
	r := NewRegistry(nil, testLogger())
	r.Register(newStub("weak", 10))
	r.Register(newStub("safety", 15))

	opts := testSelectorOpts()
	opts.Threshold = 50
	opts.FallbackID = "safety"
	s := NewSelector(r, opts, nil, testLogger())

	sel, err := s.Select(context.Background(), Criteria{}, domain.WorkContext{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if !sel.Fallback || len(sel.Candidates) != 1 || sel.Candidates[0].PersonaID != "safety" {
		t.Errorf("expected fallback selection, got %+v", sel)
	}
	if sel.Candidates[0].Rank != 1 {
		t.Errorf("fallback rank = %d", sel.Candidates[0].Rank)
	}

	// A disabled fallback cannot rescue the selection.
	r.SetEnabled(context.Background(), "safety", false)
	sel, err = s.Select(context.Background(), Criteria{}, domain.WorkContext{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if !sel.Empty() {
		t.Errorf("disabled fallback still selected: %+v", sel.Candidates)
	}
}

func TestSelectTimeout(t *testing.T) {
	r := NewRegistry(nil, testLogger())
	slow := newStub("slow", 60)
	slow.canDelay = 300 * time.Millisecond
	r.Register(slow)

	opts := testSelectorOpts()
	opts.Timeout = 20 * time.Millisecond
	s := NewSelector(r, opts, nil, testLogger())

	_, err := s.Select(context.Background(), Criteria{}, domain.WorkContext{})
	if !errors.Is(err, domain.ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestSelectCriteriaFilters(t *testing.T) {
	r := NewRegistry(nil, testLogger())
	r.Register(newStub("backend", 60, withCategory(domain.CategoryBackend), withCapabilities(domain.CapAPIDesign)))
	r.Register(newStub("qa", 60, withCategory(domain.CategoryQA), withCapabilities(domain.CapTestStrategy)))

	s := NewSelector(r, testSelectorOpts(), nil, testLogger())

	sel, err := s.Select(context.Background(), Criteria{Category: domain.CategoryQA}, domain.WorkContext{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(sel.Candidates) != 1 || sel.Candidates[0].PersonaID != "qa" {
		t.Errorf("category filter: %+v", sel.Candidates)
	}

	sel, err = s.Select(context.Background(), Criteria{Capabilities: []domain.Capability{domain.CapAPIDesign}}, domain.WorkContext{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(sel.Candidates) != 1 || sel.Candidates[0].PersonaID != "backend" {
		t.Errorf("capability filter: %+v", sel.Candidates)
	}
}

func TestSelectShortlistTruncation(t *testing.T) {
	r := NewRegistry(nil, testLogger())
	r.Register(newStub("a", 90))
	r.Register(newStub("b", 80))
	r.Register(newStub("c", 70))
	r.Register(newStub("d", 60))

	s := NewSelector(r, testSelectorOpts(), nil, testLogger())

	sel, err := s.Select(context.Background(), Criteria{}, domain.WorkContext{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(sel.Candidates) != 3 {
		t.Fatalf("got %d candidates, want MaxShortlist=3", len(sel.Candidates))
	}

	sel, err = s.Select(context.Background(), Criteria{Limit: 1}, domain.WorkContext{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(sel.Candidates) != 1 || sel.Candidates[0].PersonaID != "a" {
		t.Errorf("Limit=1 gave %+v", sel.Candidates)
	}
}

func TestSelectSkipsIneligible(t *testing.T) {
	r := NewRegistry(nil, testLogger())
	picky := newStub("picky", 90)
	picky.canFn = func(work domain.WorkContext) bool { return work.ProjectType == "webapp" }
	r.Register(picky)
	r.Register(newStub("easy", 40))

	s := NewSelector(r, testSelectorOpts(), nil, testLogger())
	sel, err := s.Select(context.Background(), Criteria{}, domain.WorkContext{ProjectType: "service"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(sel.Candidates) != 1 || sel.Candidates[0].PersonaID != "easy" {
		t.Errorf("ineligible persona selected: %+v", sel.Candidates)
	}
}

func TestSelectConflictWithActivePersona(t *testing.T) {
	r := NewRegistry(nil, testLogger())
	refactorer := newStub("refactorer", 60)
	r.Register(refactorer)
	r.Register(newStub("performance", 80, withConflicts("refactorer")))

	refactorer.Activate(context.Background(), domain.WorkContext{})

	s := NewSelector(r, testSelectorOpts(), nil, testLogger())
	sel, err := s.Select(context.Background(), Criteria{}, domain.WorkContext{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	for _, c := range sel.Candidates {
		if c.PersonaID == "performance" {
			t.Error("persona conflicting with an active one was selected")
		}
	}
}

func TestSweepCache(t *testing.T) {
	r := NewRegistry(nil, testLogger())
	r.Register(newStub("a", 60))

	opts := testSelectorOpts()
	opts.CacheTTL = time.Nanosecond
	s := NewSelector(r, opts, nil, testLogger())

	if _, err := s.Select(context.Background(), Criteria{}, domain.WorkContext{}); err != nil {
		t.Fatalf("Select: %v", err)
	}
	time.Sleep(time.Millisecond)
	if removed := s.SweepCache(); removed != 1 {
		t.Errorf("SweepCache removed %d, want 1", removed)
	}
	if s.CacheLen() != 0 {
		t.Errorf("CacheLen = %d", s.CacheLen())
	}
}

func TestSelectPublishesSelectionEvents(t *testing.T) {
	r := NewRegistry(nil, testLogger())
	r.Register(newStub("a", 80))

	bus := eventbus.New(testLogger())
	var mu sync.Mutex
	var events []domain.SelectionPayload
	bus.Subscribe(domain.EventSelectionCompleted, func(_ context.Context, ev domain.Event) {
		var p domain.SelectionPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			t.Errorf("unmarshal payload: %v", err)
			return
		}
		mu.Lock()
		events = append(events, p)
		mu.Unlock()
	})

	s := NewSelector(r, testSelectorOpts(), bus, testLogger())
	work := domain.WorkContext{ProjectType: "service"}
	for i := 0; i < 2; i++ {
		if _, err := s.Select(context.Background(), Criteria{}, work); err != nil {
			t.Fatalf("Select #%d: %v", i+1, err)
		}
	}
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	cached := 0
	for _, ev := range events {
		if len(ev.Candidates) != 1 || ev.Candidates[0] != "a" {
			t.Errorf("candidates = %v", ev.Candidates)
		}
		if ev.Fingerprint != work.Fingerprint() {
			t.Errorf("fingerprint = %q, want %q", ev.Fingerprint, work.Fingerprint())
		}
		if ev.FromCache {
			cached++
		}
	}
	if cached != 1 {
		t.Errorf("got %d cached selections, want 1", cached)
	}
}

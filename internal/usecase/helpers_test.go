package usecase

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"personakit/internal/domain"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// stubPersona is a minimal Persona built on the shared Lifecycle, with
// knobs for the behaviors the selector and coordinator tests exercise.
type stubPersona struct {
	lc          *Lifecycle
	score       int
	scoreCalls  atomic.Int64
	canDelay    time.Duration
	canFn       func(work domain.WorkContext) bool
	activateErr error
	processFn   func(ctx context.Context, cmd domain.Command) (domain.Response, error)
}

type stubOption func(*stubPersona)

func withConflicts(ids ...string) stubOption {
	return func(s *stubPersona) {
		spec := s.lc.Spec()
		spec.Conflicts = ids
		s.lc = NewLifecycle(spec, testLogger())
	}
}

func withPriority(p int) stubOption {
	return func(s *stubPersona) {
		spec := s.lc.Spec()
		spec.Priority = p
		s.lc = NewLifecycle(spec, testLogger())
	}
}

func withCategory(c domain.Category) stubOption {
	return func(s *stubPersona) {
		spec := s.lc.Spec()
		spec.Category = c
		s.lc = NewLifecycle(spec, testLogger())
	}
}

func withCapabilities(caps ...domain.Capability) stubOption {
	return func(s *stubPersona) {
		spec := s.lc.Spec()
		spec.Capabilities = caps
		s.lc = NewLifecycle(spec, testLogger())
	}
}

func newStub(id string, score int, opts ...stubOption) *stubPersona {
	s := &stubPersona{
		lc: NewLifecycle(domain.PersonaSpec{
			ID:           id,
			Name:         id,
			Category:     domain.CategoryBackend,
			BaseAffinity: domain.ClampScore(score),
			Priority:     5,
		}, testLogger()),
		score: score,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *stubPersona) Spec() domain.PersonaSpec             { return s.lc.Spec() }
func (s *stubPersona) Status() domain.PersonaStatus         { return s.lc.Status() }
func (s *stubPersona) Observe(obs LifecycleObserver) func() { return s.lc.Observe(obs) }

func (s *stubPersona) CanActivate(ctx context.Context, work domain.WorkContext) bool {
	if s.canDelay > 0 {
		time.Sleep(s.canDelay)
	}
	if s.lc.Eligible(work) != nil {
		return false
	}
	if s.canFn != nil {
		return s.canFn(work)
	}
	return true
}

func (s *stubPersona) Activate(ctx context.Context, work domain.WorkContext) error {
	already, err := s.lc.BeginActivation(work)
	if err != nil || already {
		return err
	}
	if s.activateErr != nil {
		s.lc.RollbackActivation()
		return s.activateErr
	}
	s.lc.CommitActivation()
	return nil
}

func (s *stubPersona) Deactivate(ctx context.Context) error {
	already, err := s.lc.BeginDeactivation()
	if err != nil || already {
		return err
	}
	s.lc.CommitDeactivation()
	return nil
}

func (s *stubPersona) Score(work domain.WorkContext) int {
	s.scoreCalls.Add(1)
	return domain.ClampScore(s.score)
}

func (s *stubPersona) Process(ctx context.Context, cmd domain.Command) (domain.Response, error) {
	if s.Status() != domain.StatusActive {
		return domain.Response{}, domain.NewDomainError("stub.Process", domain.ErrNotActive, s.lc.Spec().ID)
	}
	if s.processFn != nil {
		return s.processFn(ctx, cmd)
	}
	return domain.Response{
		PersonaID:  s.lc.Spec().ID,
		Success:    true,
		Output:     "ok",
		Confidence: s.score,
		Timestamp:  time.Now(),
	}, nil
}

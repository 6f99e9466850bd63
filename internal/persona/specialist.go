// Package persona ships the built-in specialist catalog. Each specialist
// composes the shared lifecycle helper with its own eligibility predicate,
// score bonus and advice delegation.
package persona

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"personakit/internal/domain"
	"personakit/internal/usecase"
)

// Advisor renders the actual advice text for a command, in the voice of
// the given persona. It is an opaque collaborator: the core only cares
// about the returned output and confidence.
type Advisor interface {
	Advise(ctx context.Context, spec domain.PersonaSpec, cmd domain.Command, work domain.WorkContext) (output string, confidence int, err error)
}

// Option customizes a Specialist's capability-specific hooks.
type Option func(*Specialist)

// WithEligibility adds a capability-specific activation predicate on top
// of the shared conflict and context-requirement checks.
func WithEligibility(fn func(work domain.WorkContext) bool) Option {
	return func(s *Specialist) { s.eligible = fn }
}

// WithScoreBonus adds a capability-specific score contribution on top of
// the base affinity and the project/trigger match bonuses.
func WithScoreBonus(fn func(work domain.WorkContext) int) Option {
	return func(s *Specialist) { s.bonus = fn }
}

// WithSetup installs an activation hook (loading persisted state, warming
// caches). Setup failure rolls the lifecycle back to Idle.
func WithSetup(fn func(ctx context.Context, work domain.WorkContext) error) Option {
	return func(s *Specialist) { s.setup = fn }
}

// WithTeardown installs a deactivation hook. Teardown failures are
// reported but never leave the persona stuck in a non-Idle state.
func WithTeardown(fn func(ctx context.Context) error) Option {
	return func(s *Specialist) { s.teardown = fn }
}

// Specialist is the concrete persona implementation used by the built-in
// catalog. It satisfies usecase.Persona.
type Specialist struct {
	lc       *usecase.Lifecycle
	advisor  Advisor
	logger   *slog.Logger
	eligible func(work domain.WorkContext) bool
	bonus    func(work domain.WorkContext) int
	setup    func(ctx context.Context, work domain.WorkContext) error
	teardown func(ctx context.Context) error
}

// New creates a Specialist from its declaration.
func New(spec domain.PersonaSpec, advisor Advisor, logger *slog.Logger, opts ...Option) *Specialist {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Specialist{
		lc:      usecase.NewLifecycle(spec, logger),
		advisor: advisor,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Spec implements usecase.Persona.
func (s *Specialist) Spec() domain.PersonaSpec { return s.lc.Spec() }

// Status implements usecase.Persona.
func (s *Specialist) Status() domain.PersonaStatus { return s.lc.Status() }

// Observe implements usecase.Persona.
func (s *Specialist) Observe(obs usecase.LifecycleObserver) func() { return s.lc.Observe(obs) }

// Reset returns an Error-state specialist to Idle.
func (s *Specialist) Reset() error { return s.lc.Reset() }

// CanActivate implements usecase.Persona. It fails closed: any panic in
// the custom predicate yields false with the cause logged, never an error
// to the caller.
func (s *Specialist) CanActivate(ctx context.Context, work domain.WorkContext) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("eligibility check panicked",
				"persona_id", s.lc.Spec().ID,
				"panic", fmt.Sprint(r),
			)
			ok = false
		}
	}()

	if err := s.lc.Eligible(work); err != nil {
		s.logger.Debug("persona not eligible", "persona_id", s.lc.Spec().ID, "reason", err)
		return false
	}
	if s.eligible != nil && !s.eligible(work) {
		return false
	}
	return true
}

// Activate implements usecase.Persona. Setup failure reverts to Idle and
// surfaces the error; a setup panic parks the persona in the Error state.
func (s *Specialist) Activate(ctx context.Context, work domain.WorkContext) (err error) {
	already, err := s.lc.BeginActivation(work)
	if err != nil || already {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			s.lc.Fail(r)
			err = domain.NewDomainError("Specialist.Activate", domain.ErrInvalidTransition,
				fmt.Sprintf("setup panicked: %v", r))
		}
	}()

	if s.setup != nil {
		if setupErr := s.setup(ctx, work); setupErr != nil {
			s.lc.RollbackActivation()
			return domain.WrapOp("Specialist.Activate", setupErr)
		}
	}
	s.lc.CommitActivation()
	return nil
}

// Deactivate implements usecase.Persona. Teardown errors are returned but
// the lifecycle still completes: a broken teardown hook must not pin the
// persona in a non-Idle state.
func (s *Specialist) Deactivate(ctx context.Context) (err error) {
	already, err := s.lc.BeginDeactivation()
	if err != nil || already {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			s.lc.Fail(r)
			err = domain.NewDomainError("Specialist.Deactivate", domain.ErrInvalidTransition,
				fmt.Sprintf("teardown panicked: %v", r))
		}
	}()

	var teardownErr error
	if s.teardown != nil {
		teardownErr = s.teardown(ctx)
	}
	duration := s.lc.CommitDeactivation()
	s.logger.Debug("persona deactivated", "persona_id", s.lc.Spec().ID, "active_for", duration)
	return domain.WrapOp("Specialist.Deactivate", teardownErr)
}

// Score implements usecase.Persona: base affinity plus project-type and
// trigger bonuses plus the capability-specific bonus, clamped to [0,100].
// It never fails; a panicking bonus hook scores 0.
func (s *Specialist) Score(work domain.WorkContext) (score int) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("score hook panicked", "persona_id", s.lc.Spec().ID, "panic", fmt.Sprint(r))
			score = 0
		}
	}()

	spec := s.lc.Spec()
	score = spec.BaseAffinity
	if spec.MatchesProjectType(work.ProjectType) {
		score += usecase.ProjectTypeBonus
	}
	if spec.MatchesTrigger(work.Trigger) {
		score += usecase.TriggerBonus
	}
	if s.bonus != nil {
		score += s.bonus(work)
	}
	return domain.ClampScore(score)
}

// Process implements usecase.Persona. Precondition violations (not
// active, empty command) return an error; advisor failures come back as a
// failed Response.
func (s *Specialist) Process(ctx context.Context, cmd domain.Command) (domain.Response, error) {
	id := s.lc.Spec().ID
	if s.lc.Status() != domain.StatusActive {
		return domain.Response{}, domain.NewDomainError("Specialist.Process", domain.ErrNotActive, id)
	}
	if cmd.Name == "" {
		return domain.Response{}, domain.NewDomainError("Specialist.Process", domain.ErrInvalidInput, "empty command")
	}

	work, _ := s.lc.Work()
	start := time.Now()
	output, confidence, err := s.advise(ctx, cmd, work)
	resp := domain.Response{
		PersonaID:  id,
		Success:    err == nil,
		Output:     output,
		Confidence: domain.ClampScore(confidence),
		Duration:   time.Since(start),
		Timestamp:  time.Now(),
	}
	if err != nil {
		resp.Err = err.Error()
		resp.Output = ""
		resp.Confidence = 0
	}
	return resp, nil
}

// advise shields Process from a panicking advisor.
func (s *Specialist) advise(ctx context.Context, cmd domain.Command, work domain.WorkContext) (output string, confidence int, err error) {
	defer func() {
		if r := recover(); r != nil {
			output, confidence = "", 0
			err = fmt.Errorf("advisor panicked: %v", r)
		}
	}()
	return s.advisor.Advise(ctx, s.lc.Spec(), cmd, work)
}

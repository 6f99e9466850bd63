package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"personakit/internal/domain"
)

// Persona is the contract every specialist implements. Shared bookkeeping
// (status, timestamps, observers) lives in the composed Lifecycle helper;
// implementations supply only their capability-specific hooks.
type Persona interface {
	// Spec returns the immutable persona declaration.
	Spec() domain.PersonaSpec
	// Status returns the current lifecycle state.
	Status() domain.PersonaStatus
	// CanActivate reports whether the persona is eligible for the given
	// work context. It fails closed: internal errors yield false, never
	// a panic or propagated error.
	CanActivate(ctx context.Context, work domain.WorkContext) bool
	// Activate performs setup and transitions to Active. Calling Activate
	// on an already-active persona is a no-op.
	Activate(ctx context.Context, work domain.WorkContext) error
	// Deactivate performs teardown and returns to Idle. Calling Deactivate
	// on a non-active persona is a no-op.
	Deactivate(ctx context.Context) error
	// Score computes the confidence score (0-100) for the given context.
	// It never fails; internal errors yield 0.
	Score(work domain.WorkContext) int
	// Process handles one command. The returned error covers precondition
	// violations only (not active, empty command); handler failures are
	// reported inside the Response.
	Process(ctx context.Context, cmd domain.Command) (domain.Response, error)
	// Observe attaches a lifecycle observer; the returned function
	// detaches it.
	Observe(obs LifecycleObserver) func()
}

// LifecycleObserver receives persona lifecycle notifications. The registry
// attaches one per persona at registration time to maintain usage
// statistics, and detaches it at unregistration.
type LifecycleObserver interface {
	PersonaActivated(personaID, activationID string, at time.Time, fingerprint string)
	PersonaDeactivated(personaID, activationID string, duration time.Duration)
}

// Lifecycle is the shared bookkeeping helper composed into persona
// implementations: lifecycle status, the owned work context, activation
// timestamps and the observer list, all guarded by one mutex.
type Lifecycle struct {
	mu           sync.Mutex
	spec         domain.PersonaSpec
	status       domain.PersonaStatus
	activationID string
	activatedAt  time.Time
	work         *domain.WorkContext
	observers    map[uint64]LifecycleObserver
	nextObserver uint64
	logger       *slog.Logger
}

// NewLifecycle creates a Lifecycle in the Idle state.
func NewLifecycle(spec domain.PersonaSpec, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{
		spec:      spec,
		status:    domain.StatusIdle,
		observers: make(map[uint64]LifecycleObserver),
		logger:    logger,
	}
}

// Spec returns the persona declaration.
func (l *Lifecycle) Spec() domain.PersonaSpec { return l.spec }

// Status returns the current lifecycle state.
func (l *Lifecycle) Status() domain.PersonaStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// ActivatedAt returns the timestamp of the current activation, or the zero
// time when the persona is not active.
func (l *Lifecycle) ActivatedAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.status != domain.StatusActive {
		return time.Time{}
	}
	return l.activatedAt
}

// Work returns a copy of the work context the persona was activated with.
// The second return is false when the persona is not active; the context
// is owned exclusively while active and released on deactivation.
func (l *Lifecycle) Work() (domain.WorkContext, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.work == nil {
		return domain.WorkContext{}, false
	}
	return *l.work, true
}

// Observe attaches an observer; the returned function detaches it.
func (l *Lifecycle) Observe(obs LifecycleObserver) func() {
	l.mu.Lock()
	l.nextObserver++
	id := l.nextObserver
	l.observers[id] = obs
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.observers, id)
	}
}

// Eligible runs the declaration-level activation checks shared by all
// personas: not in the Error state, no active conflicting persona, and
// context-requirement overlap when requirements are declared. Capability
// specific predicates run on top of this in the implementation.
func (l *Lifecycle) Eligible(work domain.WorkContext) error {
	if l.Status() == domain.StatusError {
		return domain.NewDomainError("Lifecycle.Eligible", domain.ErrDisabled,
			fmt.Sprintf("persona %s is in error state", l.spec.ID))
	}
	for _, id := range l.spec.Conflicts {
		if work.IsActive(id) {
			return domain.NewDomainError("Lifecycle.Eligible", domain.ErrConflict,
				fmt.Sprintf("persona %s conflicts with active %s", l.spec.ID, id))
		}
	}
	if len(l.spec.ContextRequirements) > 0 {
		matched := false
		for _, req := range l.spec.ContextRequirements {
			if work.HasTech(req) {
				matched = true
				break
			}
		}
		if !matched {
			return domain.NewDomainError("Lifecycle.Eligible", domain.ErrInvalidInput,
				fmt.Sprintf("persona %s requires one of %v", l.spec.ID, l.spec.ContextRequirements))
		}
	}
	return nil
}

// BeginActivation transitions Idle -> Activating and records the pending
// work context. It reports already=true (and does nothing) when the
// persona is Active, making Activate idempotent.
func (l *Lifecycle) BeginActivation(work domain.WorkContext) (already bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.status {
	case domain.StatusActive:
		return true, nil
	case domain.StatusIdle:
		l.status = domain.StatusActivating
		w := work
		l.work = &w
		return false, nil
	default:
		return false, domain.NewDomainError("Lifecycle.BeginActivation", domain.ErrInvalidTransition,
			fmt.Sprintf("persona %s is %s", l.spec.ID, l.status))
	}
}

// CommitActivation transitions Activating -> Active, stamps a fresh
// activation ID and notifies observers.
func (l *Lifecycle) CommitActivation() {
	l.mu.Lock()
	l.status = domain.StatusActive
	l.activationID = newActivationID()
	l.activatedAt = time.Now()
	activationID := l.activationID
	at := l.activatedAt
	fingerprint := ""
	if l.work != nil {
		fingerprint = l.work.Fingerprint()
	}
	observers := l.snapshotObservers()
	l.mu.Unlock()

	for _, obs := range observers {
		obs.PersonaActivated(l.spec.ID, activationID, at, fingerprint)
	}
}

// RollbackActivation reverts Activating -> Idle after a failed setup hook
// and releases the pending work context.
func (l *Lifecycle) RollbackActivation() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.status == domain.StatusActivating {
		l.status = domain.StatusIdle
		l.work = nil
	}
}

// BeginDeactivation transitions Active -> Deactivating. It reports
// already=true (and does nothing) when the persona is not Active, making
// Deactivate idempotent.
func (l *Lifecycle) BeginDeactivation() (already bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.status {
	case domain.StatusActive:
		l.status = domain.StatusDeactivating
		return false, nil
	case domain.StatusIdle, domain.StatusError:
		return true, nil
	default:
		return false, domain.NewDomainError("Lifecycle.BeginDeactivation", domain.ErrInvalidTransition,
			fmt.Sprintf("persona %s is %s", l.spec.ID, l.status))
	}
}

// CommitDeactivation transitions Deactivating -> Idle, releases the work
// context, notifies observers and returns the active duration.
func (l *Lifecycle) CommitDeactivation() time.Duration {
	l.mu.Lock()
	duration := time.Since(l.activatedAt)
	activationID := l.activationID
	l.status = domain.StatusIdle
	l.work = nil
	l.activationID = ""
	observers := l.snapshotObservers()
	l.mu.Unlock()

	for _, obs := range observers {
		obs.PersonaDeactivated(l.spec.ID, activationID, duration)
	}
	return duration
}

// Fail moves the persona to the Error state after a hook panic. The
// persona stays activation-ineligible until Reset is called.
func (l *Lifecycle) Fail(cause any) {
	l.mu.Lock()
	l.status = domain.StatusError
	l.work = nil
	l.mu.Unlock()
	l.logger.Error("persona lifecycle hook failed",
		"persona_id", l.spec.ID,
		"cause", fmt.Sprint(cause),
	)
}

// Reset returns an Error-state persona to Idle. Resetting any other state
// is rejected.
func (l *Lifecycle) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.status != domain.StatusError {
		return domain.NewDomainError("Lifecycle.Reset", domain.ErrInvalidTransition,
			fmt.Sprintf("persona %s is %s, not %s", l.spec.ID, l.status, domain.StatusError))
	}
	l.status = domain.StatusIdle
	return nil
}

// snapshotObservers must be called with l.mu held.
func (l *Lifecycle) snapshotObservers() []LifecycleObserver {
	observers := make([]LifecycleObserver, 0, len(l.observers))
	for _, obs := range l.observers {
		observers = append(observers, obs)
	}
	return observers
}

// newActivationID returns a ULID string for correlating activation and
// deactivation events.
func newActivationID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

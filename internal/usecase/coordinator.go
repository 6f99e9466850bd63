package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"personakit/internal/domain"
	"personakit/internal/infra/tracer"
)

// Default circuit breaker settings for persona command processing.
const (
	defaultBreakerMaxFailures uint32        = 5
	defaultBreakerTimeout     time.Duration = 30 * time.Second
	defaultBreakerInterval    time.Duration = 60 * time.Second
)

// BreakerSettings configures the per-persona circuit breaker guarding
// command processing. A persona that fails repeatedly gets its circuit
// opened; dispatches then fail fast for it until the breaker half-opens.
type BreakerSettings struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// CoordinatorOptions configures activation capacity and dispatch behavior.
type CoordinatorOptions struct {
	// MaxActive is the hard cap on concurrently active personas (>= 1).
	MaxActive int
	// DispatchRate throttles persona command processing across the whole
	// coordinator, in calls per second. Zero disables throttling.
	DispatchRate float64
	// DispatchBurst is the limiter burst size when DispatchRate is set.
	DispatchBurst int
	// Breaker configures the per-persona circuit breaker.
	Breaker BreakerSettings
}

// Coordinator drives persona activation and deactivation, enforces the
// capacity invariant with FIFO eviction, and fans incoming commands out to
// every active persona. Batch operations are serialized by one mutex;
// individual persona hooks run concurrently within a batch.
type Coordinator struct {
	mu       sync.Mutex
	registry *Registry
	bus      domain.EventBus
	logger   *slog.Logger
	opts     CoordinatorOptions
	limiter  *rate.Limiter
	work     *domain.WorkContext

	// breakers has its own lock so dispatch goroutines and activation
	// batches never contend on the batch mutex for breaker lookups.
	breakersMu sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker[domain.Response]
}

// NewCoordinator creates a Coordinator over the given registry. The bus is
// optional.
func NewCoordinator(registry *Registry, opts CoordinatorOptions, bus domain.EventBus, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxActive < 1 {
		opts.MaxActive = 1
	}
	var limiter *rate.Limiter
	if opts.DispatchRate > 0 {
		burst := opts.DispatchBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.DispatchRate), burst)
	}
	return &Coordinator{
		registry: registry,
		bus:      bus,
		logger:   logger,
		opts:     opts,
		limiter:  limiter,
		breakers: make(map[string]*gobreaker.CircuitBreaker[domain.Response]),
	}
}

// Activate brings the shortlisted personas into the Active state, within
// capacity. Eligibility is re-checked against the live active set (the
// context may have changed since scoring). When capacity is exceeded the
// active persona with the oldest activation timestamp is evicted, and its
// deactivation completes before the replacement activates. Individual
// activation failures are logged and skipped; the call errors only when
// every candidate failed.
func (c *Coordinator) Activate(ctx context.Context, candidates []Candidate, work domain.WorkContext) ([]string, error) {
	ctx, span := tracer.StartSpan(ctx, "coordinator.activate",
		trace.WithAttributes(tracer.IntAttr("candidates", len(candidates))),
	)
	defer span.End()

	if len(candidates) == 0 {
		err := domain.NewDomainError("Coordinator.Activate", domain.ErrInvalidInput, "empty shortlist")
		tracer.RecordError(span, err)
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	admitted, alreadyActive := c.admit(ctx, candidates, work)

	// Run admitted activations concurrently; hooks may block on their own
	// I/O and a slow persona must not delay its peers.
	var (
		wg        sync.WaitGroup
		resultsMu sync.Mutex
		activated []string
	)
	for _, p := range admitted {
		wg.Add(1)
		go func(p Persona) {
			defer wg.Done()
			id := p.Spec().ID
			if err := p.Activate(ctx, work); err != nil {
				c.logger.Warn("persona activation failed", "persona_id", id, "error", err)
				return
			}
			resultsMu.Lock()
			activated = append(activated, id)
			resultsMu.Unlock()
		}(p)
	}
	wg.Wait()

	if len(activated) == 0 && len(alreadyActive) == 0 {
		err := domain.NewDomainError("Coordinator.Activate", domain.ErrActivationFailed,
			fmt.Sprintf("all %d candidates failed", len(candidates)))
		tracer.RecordError(span, err)
		return nil, err
	}

	w := work
	c.work = &w
	for _, id := range activated {
		c.breakerFor(id)
	}

	active := append(alreadyActive, activated...)
	span.SetAttributes(tracer.IntAttr("activated", len(activated)))
	tracer.SetOK(span)
	c.logger.Info("activation batch complete",
		"requested", len(candidates),
		"activated", len(activated),
		"already_active", len(alreadyActive),
	)
	return active, nil
}

// admit decides, sequentially, which candidates may activate: it re-checks
// CanActivate with the merged view of active plus already-admitted
// personas (so in-batch conflicts resolve deterministically in rank
// order), and performs FIFO evictions to free capacity. Evictions complete
// before the function returns, so the capacity cap holds at every
// observable instant. Must be called with c.mu held.
func (c *Coordinator) admit(ctx context.Context, candidates []Candidate, work domain.WorkContext) (admitted []Persona, alreadyActive []string) {
	activeEntries := c.registry.ActiveEntries()
	activeIDs := make([]string, 0, len(activeEntries))
	for _, a := range activeEntries {
		activeIDs = append(activeIDs, a.ID)
	}

	evictable := make([]ActiveEntry, len(activeEntries))
	copy(evictable, activeEntries)

	admittedIDs := make([]string, 0, len(candidates))
	for _, cand := range candidates {
		p, err := c.registry.Get(cand.PersonaID)
		if err != nil {
			c.logger.Warn("candidate vanished from registry", "persona_id", cand.PersonaID)
			continue
		}
		if p.Status() == domain.StatusActive {
			alreadyActive = append(alreadyActive, cand.PersonaID)
			continue
		}

		checkCtx := work
		checkCtx.Active = append(append([]string{}, activeIDs...), admittedIDs...)
		if !p.CanActivate(ctx, checkCtx) {
			c.logger.Debug("candidate no longer eligible", "persona_id", cand.PersonaID)
			continue
		}

		for len(activeIDs)+len(admittedIDs) >= c.opts.MaxActive {
			if len(evictable) == 0 {
				break
			}
			victim := oldestActive(evictable)
			evictable = removeActive(evictable, victim.ID)
			if !c.evict(ctx, victim) {
				continue // victim stayed active, try the next oldest
			}
			activeIDs = removeID(activeIDs, victim.ID)
		}
		if len(activeIDs)+len(admittedIDs) >= c.opts.MaxActive {
			c.logger.Warn("capacity exhausted, skipping candidate", "persona_id", cand.PersonaID)
			continue
		}

		admitted = append(admitted, p)
		admittedIDs = append(admittedIDs, cand.PersonaID)
	}
	return admitted, alreadyActive
}

// evict deactivates a victim persona to free capacity. Returns false when
// the victim is still active afterwards.
func (c *Coordinator) evict(ctx context.Context, victim ActiveEntry) bool {
	c.logger.Info("evicting persona", "persona_id", victim.ID, "last_activated", victim.LastActivated)
	if err := victim.Persona.Deactivate(ctx); err != nil {
		c.logger.Warn("eviction failed", "persona_id", victim.ID, "error", err)
	}
	if victim.Persona.Status() == domain.StatusActive {
		return false
	}
	c.publish(domain.EventPersonaEvicted, victim.ID, nil)
	return true
}

// Deactivate deactivates the named personas, or every active persona when
// no ids are given. Per-persona teardown failures are logged, never
// propagated, so one broken persona cannot block teardown of the rest.
func (c *Coordinator) Deactivate(ctx context.Context, ids ...string) error {
	ctx, span := tracer.StartSpan(ctx, "coordinator.deactivate")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	var targets []Persona
	if len(ids) == 0 {
		for _, a := range c.registry.ActiveEntries() {
			targets = append(targets, a.Persona)
		}
	} else {
		for _, id := range ids {
			p, err := c.registry.Get(id)
			if err != nil {
				c.logger.Warn("deactivation target unknown", "persona_id", id)
				continue
			}
			targets = append(targets, p)
		}
	}

	var wg sync.WaitGroup
	for _, p := range targets {
		wg.Add(1)
		go func(p Persona) {
			defer wg.Done()
			if err := p.Deactivate(ctx); err != nil {
				c.logger.Warn("persona deactivation failed", "persona_id", p.Spec().ID, "error", err)
			}
		}(p)
	}
	wg.Wait()

	if len(c.registry.ActiveIDs()) == 0 {
		c.work = nil
	}
	tracer.SetOK(span)
	return nil
}

// Dispatch fans the command out to every active persona concurrently and
// returns all responses, in activation (registration) order. Individual
// failures come back as failed Response values; the call itself errors
// only when no persona is active or no work context is set.
func (c *Coordinator) Dispatch(ctx context.Context, cmd domain.Command) ([]domain.Response, error) {
	ctx, span := tracer.StartSpan(ctx, "coordinator.dispatch",
		trace.WithAttributes(tracer.StringAttr("command", cmd.Name)),
	)
	defer span.End()

	c.mu.Lock()
	work := c.work
	active := c.registry.ActiveEntries()
	c.mu.Unlock()

	if work == nil {
		err := domain.NewDomainError("Coordinator.Dispatch", domain.ErrInvalidInput, "no current work context")
		tracer.RecordError(span, err)
		return nil, err
	}
	if len(active) == 0 {
		err := domain.NewDomainError("Coordinator.Dispatch", domain.ErrNoActivePersonas, "")
		tracer.RecordError(span, err)
		return nil, err
	}

	responses := make([]domain.Response, len(active))
	var wg sync.WaitGroup
	for i, a := range active {
		wg.Add(1)
		go func(i int, p Persona) {
			defer wg.Done()
			responses[i] = c.process(ctx, p, cmd)
		}(i, a.Persona)
	}
	wg.Wait()

	succeeded := 0
	for _, r := range responses {
		if r.Success {
			succeeded++
		}
	}
	payload, _ := json.Marshal(domain.DispatchPayload{
		Command:   cmd.Name,
		Personas:  len(responses),
		Succeeded: succeeded,
	})
	c.publish(domain.EventDispatchCompleted, "", payload)

	span.SetAttributes(
		tracer.IntAttr("dispatch.personas", len(responses)),
		tracer.IntAttr("dispatch.succeeded", succeeded),
	)
	tracer.SetOK(span)
	return responses, nil
}

// process runs one persona's command handling through the rate limiter and
// its circuit breaker, degrading every failure into a failed Response.
func (c *Coordinator) process(ctx context.Context, p Persona, cmd domain.Command) domain.Response {
	id := p.Spec().ID

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return domain.FailedResponse(id, domain.WrapOp("dispatch rate limit", err))
		}
	}

	breaker := c.breakerFor(id)
	resp, err := breaker.Execute(func() (domain.Response, error) {
		r, err := p.Process(ctx, cmd)
		if err != nil {
			return r, err
		}
		if !r.Success {
			// Handler-level failures count against the breaker too.
			return r, errors.New(r.Err)
		}
		return r, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.logger.Warn("persona circuit open", "persona_id", id)
			return domain.FailedResponse(id, fmt.Errorf("persona %q circuit open: %w", id, err))
		}
		if resp.PersonaID != "" {
			return resp // handler reported its own failure
		}
		return domain.FailedResponse(id, err)
	}
	return resp
}

// Shutdown force-deactivates every active persona during teardown so no
// activation is left unpaired.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if err := c.Deactivate(ctx); err != nil {
		return domain.NewDomainError("Coordinator.Shutdown", domain.ErrDeactivationFailed, err.Error())
	}
	if stragglers := c.registry.ActiveIDs(); len(stragglers) > 0 {
		return domain.NewDomainError("Coordinator.Shutdown", domain.ErrDeactivationFailed,
			fmt.Sprintf("still active: %v", stragglers))
	}
	return nil
}

// breakerFor returns (lazily creating) the circuit breaker for a persona.
func (c *Coordinator) breakerFor(id string) *gobreaker.CircuitBreaker[domain.Response] {
	c.breakersMu.Lock()
	defer c.breakersMu.Unlock()
	if b, ok := c.breakers[id]; ok {
		return b
	}

	maxFailures := c.opts.Breaker.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerMaxFailures
	}
	timeout := c.opts.Breaker.Timeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}
	interval := c.opts.Breaker.Interval
	if interval == 0 {
		interval = defaultBreakerInterval
	}

	b := gobreaker.NewCircuitBreaker[domain.Response](gobreaker.Settings{
		Name:        "persona:" + id,
		MaxRequests: 1, // one probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	c.breakers[id] = b
	return b
}

func (c *Coordinator) publish(t domain.EventType, personaID string, payload json.RawMessage) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(context.Background(), domain.Event{
		Type:      t,
		Timestamp: time.Now(),
		PersonaID: personaID,
		Payload:   payload,
	})
}

func oldestActive(entries []ActiveEntry) ActiveEntry {
	oldest := entries[0]
	for _, e := range entries[1:] {
		if e.LastActivated.Before(oldest.LastActivated) {
			oldest = e
		}
	}
	return oldest
}

func removeActive(entries []ActiveEntry, id string) []ActiveEntry {
	for i, e := range entries {
		if e.ID == id {
			return append(entries[:i], entries[i+1:]...)
		}
	}
	return entries
}

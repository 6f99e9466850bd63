package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"personakit/internal/domain"
)

// entry wraps a registered persona with registry-owned bookkeeping. The
// persona itself is referenced, never copied; only lifecycle code mutates
// its status.
type entry struct {
	persona       Persona
	enabled       bool
	registeredAt  time.Time
	regIndex      int
	activations   int64
	lastActivated time.Time
	totalActive   time.Duration
	unobserve     func()
}

// EntrySnapshot is a read-only copy of a registry entry handed to callers.
type EntrySnapshot struct {
	Spec              domain.PersonaSpec
	Status            domain.PersonaStatus
	Enabled           bool
	RegisteredAt      time.Time
	Activations       int64
	LastActivated     time.Time
	AvgActiveDuration time.Duration
}

// ActiveEntry pairs a live persona reference with its last activation
// timestamp, used by the coordinator for FIFO eviction decisions.
type ActiveEntry struct {
	ID            string
	Persona       Persona
	LastActivated time.Time
}

// Statistics aggregates registry-wide usage counters.
type Statistics struct {
	Total             int
	Enabled           int
	Active            int
	ByCategory        map[domain.Category]int
	TotalActivations  int64
	AvgActiveDuration time.Duration
}

// Registry is the single source of truth for which personas exist and
// which are enabled. It indexes personas by id, category and capability,
// and maintains usage statistics through lifecycle observers attached at
// registration time. All mutating calls run in a single critical section;
// accessors return independent snapshots.
type Registry struct {
	mu           sync.Mutex
	entries      map[string]*entry
	order        []string
	byCategory   map[domain.Category][]string
	byCapability map[domain.Capability][]string
	generation   uint64
	bus          domain.EventBus
	logger       *slog.Logger
}

// NewRegistry creates an empty Registry. The bus is optional; when nil no
// events are published.
func NewRegistry(bus domain.EventBus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries:      make(map[string]*entry),
		byCategory:   make(map[domain.Category][]string),
		byCapability: make(map[domain.Capability][]string),
		bus:          bus,
		logger:       logger,
	}
}

// Register adds a persona and indexes it by category and capability.
// Returns ErrDuplicate when the id is already present. Registration
// subscribes the registry to the persona's lifecycle events so usage
// statistics stay current.
func (r *Registry) Register(p Persona) error {
	spec := p.Spec()
	if err := spec.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	if _, exists := r.entries[spec.ID]; exists {
		r.mu.Unlock()
		return domain.NewDomainError("Registry.Register", domain.ErrDuplicate, spec.ID)
	}
	e := &entry{
		persona:      p,
		enabled:      true,
		registeredAt: time.Now(),
		regIndex:     len(r.order),
	}
	r.entries[spec.ID] = e
	r.order = append(r.order, spec.ID)
	r.byCategory[spec.Category] = append(r.byCategory[spec.Category], spec.ID)
	for _, c := range spec.Capabilities {
		r.byCapability[c] = append(r.byCapability[c], spec.ID)
	}
	r.generation++
	r.mu.Unlock()

	unobserve := p.Observe(r)
	r.mu.Lock()
	if current, ok := r.entries[spec.ID]; ok && current == e {
		current.unobserve = unobserve
	} else {
		// Lost a race with Unregister; drop the dangling observer.
		unobserve()
	}
	r.mu.Unlock()

	r.logger.Info("persona registered", "persona_id", spec.ID, "category", string(spec.Category))
	r.publish(domain.EventPersonaRegistered, spec.ID, nil)
	return nil
}

// Unregister removes a persona and all its index entries. An active
// persona is deactivated first. Unknown ids are a no-op, not an error.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	// Force Inactive before destruction. Deactivation runs outside the
	// registry lock: the lifecycle observer it triggers needs the lock to
	// record the final duration.
	if e.persona.Status() == domain.StatusActive {
		if err := e.persona.Deactivate(ctx); err != nil {
			r.logger.Warn("deactivate before unregister failed", "persona_id", id, "error", err)
		}
	}

	r.mu.Lock()
	current, ok := r.entries[id]
	if !ok || current != e {
		r.mu.Unlock()
		return nil
	}
	spec := e.persona.Spec()
	delete(r.entries, id)
	r.order = removeID(r.order, id)
	r.byCategory[spec.Category] = removeID(r.byCategory[spec.Category], id)
	for _, c := range spec.Capabilities {
		r.byCapability[c] = removeID(r.byCapability[c], id)
	}
	unobserve := e.unobserve
	r.generation++
	r.mu.Unlock()

	if unobserve != nil {
		unobserve()
	}
	r.logger.Info("persona unregistered", "persona_id", id)
	r.publish(domain.EventPersonaUnregistered, id, nil)
	return nil
}

// SetEnabled flips the enabled flag. Disabling an active persona forces
// its deactivation.
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return domain.NewDomainError("Registry.SetEnabled", domain.ErrNotFound, id)
	}
	changed := e.enabled != enabled
	e.enabled = enabled
	if changed {
		r.generation++
	}
	r.mu.Unlock()

	if !changed {
		return nil
	}
	if !enabled && e.persona.Status() == domain.StatusActive {
		if err := e.persona.Deactivate(ctx); err != nil {
			r.logger.Warn("deactivate on disable failed", "persona_id", id, "error", err)
		}
	}

	eventType := domain.EventPersonaEnabled
	if !enabled {
		eventType = domain.EventPersonaDisabled
	}
	r.logger.Info("persona enabled flag changed", "persona_id", id, "enabled", enabled)
	r.publish(eventType, id, nil)
	return nil
}

// Get returns the live persona reference for id.
func (r *Registry) Get(id string) (Persona, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrNotFound, id)
	}
	return e.persona, nil
}

// Entry returns a snapshot of the registry entry for id.
func (r *Registry) Entry(id string) (EntrySnapshot, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return EntrySnapshot{}, domain.NewDomainError("Registry.Entry", domain.ErrNotFound, id)
	}
	snap := snapshotLocked(e)
	r.mu.Unlock()
	snap.Status = e.persona.Status()
	return snap, nil
}

// ByCategory returns snapshots of all personas in the given category, in
// registration order.
func (r *Registry) ByCategory(c domain.Category) []EntrySnapshot {
	return r.snapshots(func() []string {
		return r.byCategory[c]
	})
}

// ByCapability returns snapshots of all personas declaring the given
// capability, in registration order.
func (r *Registry) ByCapability(c domain.Capability) []EntrySnapshot {
	return r.snapshots(func() []string {
		return r.byCapability[c]
	})
}

// GetEnabled returns snapshots of all enabled personas in registration order.
func (r *Registry) GetEnabled() []EntrySnapshot {
	snaps := r.snapshots(func() []string { return r.order })
	out := snaps[:0]
	for _, s := range snaps {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

// EnabledPersonas returns live references to all enabled personas in
// registration order. The slice is freshly allocated; the personas are
// shared (the registry never copies them).
func (r *Registry) EnabledPersonas() []Persona {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Persona, 0, len(r.order))
	for _, id := range r.order {
		if e := r.entries[id]; e.enabled {
			out = append(out, e.persona)
		}
	}
	return out
}

// ActiveEntries returns the currently active personas with their last
// activation timestamps, in registration order.
func (r *Registry) ActiveEntries() []ActiveEntry {
	r.mu.Lock()
	candidates := make([]ActiveEntry, 0, len(r.order))
	for _, id := range r.order {
		e := r.entries[id]
		candidates = append(candidates, ActiveEntry{ID: id, Persona: e.persona, LastActivated: e.lastActivated})
	}
	r.mu.Unlock()

	// Status reads take each persona's own lock, so they happen outside
	// the registry critical section.
	out := candidates[:0]
	for _, c := range candidates {
		if c.Persona.Status() == domain.StatusActive {
			out = append(out, c)
		}
	}
	return out
}

// ActiveIDs returns the ids of all currently active personas.
func (r *Registry) ActiveIDs() []string {
	active := r.ActiveEntries()
	ids := make([]string, len(active))
	for i, a := range active {
		ids[i] = a.ID
	}
	return ids
}

// Generation returns a counter that increments on every structural
// mutation (register, unregister, enable/disable). The selection cache
// stores it to invalidate results computed against an older registry.
func (r *Registry) Generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation
}

// Statistics returns aggregate usage counters.
func (r *Registry) Statistics() Statistics {
	active := len(r.ActiveIDs())

	r.mu.Lock()
	defer r.mu.Unlock()
	stats := Statistics{
		Total:      len(r.entries),
		Active:     active,
		ByCategory: make(map[domain.Category]int),
	}
	var totalDur time.Duration
	for _, e := range r.entries {
		if e.enabled {
			stats.Enabled++
		}
		stats.ByCategory[e.persona.Spec().Category]++
		stats.TotalActivations += e.activations
		totalDur += e.totalActive
	}
	if stats.TotalActivations > 0 {
		stats.AvgActiveDuration = totalDur / time.Duration(stats.TotalActivations)
	}
	return stats
}

// PersonaActivated implements LifecycleObserver.
func (r *Registry) PersonaActivated(personaID, activationID string, at time.Time, fingerprint string) {
	r.mu.Lock()
	if e, ok := r.entries[personaID]; ok {
		e.activations++
		e.lastActivated = at
	}
	r.mu.Unlock()

	payload, _ := json.Marshal(domain.ActivationPayload{
		PersonaID:    personaID,
		ActivationID: activationID,
		Fingerprint:  fingerprint,
	})
	r.publish(domain.EventPersonaActivated, personaID, payload)
}

// PersonaDeactivated implements LifecycleObserver.
func (r *Registry) PersonaDeactivated(personaID, activationID string, duration time.Duration) {
	r.mu.Lock()
	if e, ok := r.entries[personaID]; ok {
		e.totalActive += duration
	}
	r.mu.Unlock()

	payload, _ := json.Marshal(domain.DeactivationPayload{
		PersonaID:    personaID,
		ActivationID: activationID,
		DurationMs:   duration.Milliseconds(),
	})
	r.publish(domain.EventPersonaDeactivated, personaID, payload)
}

func (r *Registry) publish(t domain.EventType, personaID string, payload json.RawMessage) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(context.Background(), domain.Event{
		Type:      t,
		Timestamp: time.Now(),
		PersonaID: personaID,
		Payload:   payload,
	})
}

// snapshots copies the entries selected by ids() under the lock, then
// fills in live status outside it.
func (r *Registry) snapshots(ids func() []string) []EntrySnapshot {
	r.mu.Lock()
	selected := ids()
	out := make([]EntrySnapshot, 0, len(selected))
	personas := make([]Persona, 0, len(selected))
	for _, id := range selected {
		e, ok := r.entries[id]
		if !ok {
			continue
		}
		out = append(out, snapshotLocked(e))
		personas = append(personas, e.persona)
	}
	r.mu.Unlock()

	for i, p := range personas {
		out[i].Status = p.Status()
	}
	return out
}

// snapshotLocked must be called with r.mu held. Status is filled in by the
// caller outside the lock.
func snapshotLocked(e *entry) EntrySnapshot {
	snap := EntrySnapshot{
		Spec:          e.persona.Spec(),
		Enabled:       e.enabled,
		RegisteredAt:  e.registeredAt,
		Activations:   e.activations,
		LastActivated: e.lastActivated,
	}
	if e.activations > 0 {
		snap.AvgActiveDuration = e.totalActive / time.Duration(e.activations)
	}
	return snap
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// String makes Statistics readable in logs.
func (s Statistics) String() string {
	return fmt.Sprintf("total=%d enabled=%d active=%d activations=%d avg_active=%s",
		s.Total, s.Enabled, s.Active, s.TotalActivations, s.AvgActiveDuration)
}

package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"personakit/internal/domain"
	"personakit/internal/infra/tracer"
)

// Bonus points granted by the scoring reasons the selector reports. Kept
// here so the reasons and the specialist score functions agree.
const (
	ProjectTypeBonus = 15
	TriggerBonus     = 15
)

// Criteria narrows the candidate pool before scoring. Zero values mean no
// filtering.
type Criteria struct {
	// Category restricts candidates to one specialist kind.
	Category domain.Category
	// Capabilities lists tags a candidate must all declare.
	Capabilities []domain.Capability
	// Limit caps the shortlist below the configured maximum when > 0.
	Limit int
}

// fingerprint returns a stable string form of the criteria for cache keys.
func (c Criteria) fingerprint() string {
	caps := make([]string, len(c.Capabilities))
	for i, capability := range c.Capabilities {
		caps[i] = string(capability)
	}
	sort.Strings(caps)
	return fmt.Sprintf("%s|%s|%d", c.Category, strings.Join(caps, ","), c.Limit)
}

// Candidate is one scored persona in a selection result.
type Candidate struct {
	PersonaID string          `json:"persona_id"`
	Name      string          `json:"name"`
	Category  domain.Category `json:"category"`
	Score     int             `json:"score"` // 0-100
	Priority  int             `json:"priority"`
	Reasons   []string        `json:"reasons,omitempty"`
	Rank      int             `json:"rank"` // 1-based
}

// Selection is the ranked, capacity-truncated shortlist for one work
// context.
type Selection struct {
	Candidates []Candidate `json:"candidates"`
	Fallback   bool        `json:"fallback,omitempty"`
	ComputedAt time.Time   `json:"computed_at"`
}

// Empty reports whether no candidate qualified.
func (s Selection) Empty() bool { return len(s.Candidates) == 0 }

// clone returns a deep copy so cached results cannot be mutated by callers.
func (s Selection) clone() Selection {
	out := s
	out.Candidates = make([]Candidate, len(s.Candidates))
	copy(out.Candidates, s.Candidates)
	for i := range out.Candidates {
		reasons := make([]string, len(s.Candidates[i].Reasons))
		copy(reasons, s.Candidates[i].Reasons)
		out.Candidates[i].Reasons = reasons
	}
	return out
}

// SelectorOptions configures selection behavior.
type SelectorOptions struct {
	// Threshold is the minimum qualifying score (0-100, inclusive).
	Threshold int
	// MaxShortlist bounds the shortlist length; normally the same value
	// as the coordinator's activation capacity.
	MaxShortlist int
	// Timeout bounds the whole selection call.
	Timeout time.Duration
	// CacheTTL and CacheSize configure the selection cache.
	CacheTTL  time.Duration
	CacheSize int
	// FallbackID, when set, names the persona returned alone when nothing
	// survives thresholding (if it independently passes CanActivate).
	FallbackID string
}

// Selector turns a work context into a ranked, capacity-aware shortlist of
// personas. It owns the selection cache.
type Selector struct {
	registry *Registry
	cache    *selectionCache
	opts     SelectorOptions
	bus      domain.EventBus
	logger   *slog.Logger
}

// NewSelector creates a Selector over the given registry. The bus is
// optional.
func NewSelector(registry *Registry, opts SelectorOptions, bus domain.EventBus, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		registry: registry,
		cache:    newSelectionCache(opts.CacheTTL, opts.CacheSize),
		opts:     opts,
		bus:      bus,
		logger:   logger,
	}
}

// Select produces the shortlist for the given criteria and work context.
//
// Pipeline: cache lookup, candidate generation (enabled personas passing
// CanActivate), scoring with human-readable reasons, thresholding
// (inclusive), ranking (score desc, priority desc, registration order),
// capacity truncation, cache store. An empty registry is an error; an
// empty shortlist is not, unless a fallback persona rescues it. The whole
// call is bounded by the configured timeout, which surfaces as ErrTimeout,
// distinct from "no candidates".
func (s *Selector) Select(ctx context.Context, criteria Criteria, work domain.WorkContext) (*Selection, error) {
	ctx, span := tracer.StartSpan(ctx, "selector.select",
		trace.WithAttributes(tracer.StringAttr("work.fingerprint", work.Fingerprint())),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	key := cacheKey(criteria.fingerprint(), work.Fingerprint())
	generation := s.registry.Generation()
	if cached, ok := s.cache.get(key, generation, time.Now()); ok {
		s.logger.Debug("selection cache hit", "key", key, "candidates", len(cached.Candidates))
		span.SetAttributes(tracer.IntAttr("selection.candidates", len(cached.Candidates)))
		tracer.SetOK(span)
		s.publishCompleted(work, &cached, true)
		return &cached, nil
	}

	type result struct {
		sel *Selection
		err error
	}
	done := make(chan result, 1)
	go func() {
		sel, err := s.compute(ctx, criteria, work)
		done <- result{sel, err}
	}()

	select {
	case <-ctx.Done():
		err := domain.NewDomainError("Selector.Select", domain.ErrTimeout,
			fmt.Sprintf("selection exceeded %s", s.opts.Timeout))
		tracer.RecordError(span, err)
		return nil, err
	case r := <-done:
		if r.err != nil {
			tracer.RecordError(span, r.err)
			return nil, r.err
		}
		s.cache.put(key, *r.sel, generation, time.Now())
		span.SetAttributes(tracer.IntAttr("selection.candidates", len(r.sel.Candidates)))
		tracer.SetOK(span)
		s.publishCompleted(work, r.sel, false)
		return r.sel, nil
	}
}

func (s *Selector) publishCompleted(work domain.WorkContext, sel *Selection, fromCache bool) {
	if s.bus == nil {
		return
	}
	ids := make([]string, len(sel.Candidates))
	for i, c := range sel.Candidates {
		ids[i] = c.PersonaID
	}
	payload, _ := json.Marshal(domain.SelectionPayload{
		Fingerprint: work.Fingerprint(),
		Candidates:  ids,
		FromCache:   fromCache,
	})
	s.bus.Publish(context.Background(), domain.Event{
		Type:      domain.EventSelectionCompleted,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

// SweepCache removes expired cache entries; the maintenance janitor calls
// this on a schedule. Returns the number of entries removed.
func (s *Selector) SweepCache() int {
	return s.cache.sweep(time.Now())
}

// CacheLen returns the number of cached selections.
func (s *Selector) CacheLen() int {
	return s.cache.len()
}

func (s *Selector) compute(ctx context.Context, criteria Criteria, work domain.WorkContext) (*Selection, error) {
	enabled := s.registry.EnabledPersonas()
	if len(enabled) == 0 {
		return nil, domain.NewDomainError("Selector.Select", domain.ErrRegistryEmpty, "")
	}

	// Conflict checks inside CanActivate need the live active set.
	work.Active = s.registry.ActiveIDs()

	candidates := make([]Candidate, 0, len(enabled))
	for _, p := range enabled {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		spec := p.Spec()
		if !matchesCriteria(spec, criteria) {
			continue
		}
		if !p.CanActivate(ctx, work) {
			continue
		}
		score := p.Score(work)
		if score < s.opts.Threshold {
			continue
		}
		candidates = append(candidates, Candidate{
			PersonaID: spec.ID,
			Name:      spec.Name,
			Category:  spec.Category,
			Score:     score,
			Priority:  spec.Priority,
			Reasons:   scoreReasons(spec, work, criteria),
		})
	}

	if len(candidates) == 0 {
		if fb := s.fallbackCandidate(ctx, work); fb != nil {
			s.logger.Info("selection fell back", "persona_id", fb.PersonaID)
			fb.Rank = 1
			return &Selection{Candidates: []Candidate{*fb}, Fallback: true, ComputedAt: time.Now()}, nil
		}
		s.logger.Debug("no persona above threshold", "threshold", s.opts.Threshold)
		return &Selection{ComputedAt: time.Now()}, nil
	}

	// Enabled personas come back in registration order and the sort is
	// stable, so registration order is the final deterministic tie-break.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Priority > candidates[j].Priority
	})

	limit := s.opts.MaxShortlist
	if criteria.Limit > 0 && criteria.Limit < limit {
		limit = criteria.Limit
	}
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	for i := range candidates {
		candidates[i].Rank = i + 1
	}

	return &Selection{Candidates: candidates, ComputedAt: time.Now()}, nil
}

// fallbackCandidate returns the configured fallback persona as a lone
// candidate when it exists, is enabled and independently passes
// CanActivate.
func (s *Selector) fallbackCandidate(ctx context.Context, work domain.WorkContext) *Candidate {
	if s.opts.FallbackID == "" {
		return nil
	}
	snap, err := s.registry.Entry(s.opts.FallbackID)
	if err != nil || !snap.Enabled {
		return nil
	}
	p, err := s.registry.Get(s.opts.FallbackID)
	if err != nil || !p.CanActivate(ctx, work) {
		return nil
	}
	return &Candidate{
		PersonaID: snap.Spec.ID,
		Name:      snap.Spec.Name,
		Category:  snap.Spec.Category,
		Score:     p.Score(work),
		Priority:  snap.Spec.Priority,
		Reasons:   []string{"configured fallback persona"},
	}
}

func matchesCriteria(spec domain.PersonaSpec, criteria Criteria) bool {
	if criteria.Category != "" && spec.Category != criteria.Category {
		return false
	}
	for _, c := range criteria.Capabilities {
		if !spec.HasCapability(c) {
			return false
		}
	}
	return true
}

// scoreReasons explains what contributed to a candidate's score, for
// observability. The strings are reported verbatim in selection results.
func scoreReasons(spec domain.PersonaSpec, work domain.WorkContext, criteria Criteria) []string {
	reasons := []string{fmt.Sprintf("base affinity %d", spec.BaseAffinity)}
	if spec.MatchesProjectType(work.ProjectType) {
		reasons = append(reasons, fmt.Sprintf("project type match: %s (+%d)", work.ProjectType, ProjectTypeBonus))
	}
	if spec.MatchesTrigger(work.Trigger) {
		reasons = append(reasons, fmt.Sprintf("trigger match: %s (+%d)", work.Trigger, TriggerBonus))
	}
	if len(criteria.Capabilities) > 0 {
		overlap := make([]string, 0, len(criteria.Capabilities))
		for _, c := range criteria.Capabilities {
			if spec.HasCapability(c) {
				overlap = append(overlap, string(c))
			}
		}
		if len(overlap) > 0 {
			reasons = append(reasons, "capability overlap: "+strings.Join(overlap, ","))
		}
	}
	return reasons
}

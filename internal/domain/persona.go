package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Category is the specialist kind a persona belongs to. The set is closed;
// selection indexes and the built-in catalog rely on these values.
type Category string

const (
	CategoryArchitect   Category = "architect"
	CategoryFrontend    Category = "frontend"
	CategoryBackend     Category = "backend"
	CategorySecurity    Category = "security"
	CategoryAnalyzer    Category = "analyzer"
	CategoryQA          Category = "qa"
	CategoryPerformance Category = "performance"
	CategoryRefactorer  Category = "refactorer"
	CategoryDevOps      Category = "devops"
	CategoryScribe      Category = "scribe"
	CategoryMentor      Category = "mentor"
)

// Categories returns all known persona categories.
func Categories() []Category {
	return []Category{
		CategoryArchitect, CategoryFrontend, CategoryBackend,
		CategorySecurity, CategoryAnalyzer, CategoryQA,
		CategoryPerformance, CategoryRefactorer, CategoryDevOps,
		CategoryScribe, CategoryMentor,
	}
}

// Capability is a declared skill tag a persona can be looked up by.
type Capability string

const (
	CapSystemDesign  Capability = "system-design"
	CapAPIDesign     Capability = "api-design"
	CapUIBuild       Capability = "ui-build"
	CapThreatModel   Capability = "threat-modeling"
	CapRootCause     Capability = "root-cause-analysis"
	CapTestStrategy  Capability = "test-strategy"
	CapProfiling     Capability = "profiling"
	CapCodeCleanup   Capability = "code-cleanup"
	CapInfraAutomate Capability = "infra-automation"
	CapDocumentation Capability = "documentation"
	CapTeaching      Capability = "teaching"
)

// TriggerType classifies the intent of an incoming command.
type TriggerType string

const (
	TriggerAnalyze      TriggerType = "analyze"
	TriggerBuild        TriggerType = "build"
	TriggerDesign       TriggerType = "design"
	TriggerDocument     TriggerType = "document"
	TriggerImprove      TriggerType = "improve"
	TriggerTest         TriggerType = "test"
	TriggerTroubleshoot TriggerType = "troubleshoot"
	TriggerDeploy       TriggerType = "deploy"
	TriggerExplain      TriggerType = "explain"
)

// PersonaStatus is the lifecycle state of a persona.
type PersonaStatus string

const (
	StatusIdle         PersonaStatus = "idle"
	StatusActivating   PersonaStatus = "activating"
	StatusActive       PersonaStatus = "active"
	StatusDeactivating PersonaStatus = "deactivating"
	StatusError        PersonaStatus = "error"
)

// validTransitions encodes the lifecycle state machine. Error is reachable
// from every state (a failed hook) and leaves only via an explicit reset.
var validTransitions = map[PersonaStatus][]PersonaStatus{
	StatusIdle:         {StatusActivating, StatusError},
	StatusActivating:   {StatusActive, StatusIdle, StatusError},
	StatusActive:       {StatusDeactivating, StatusError},
	StatusDeactivating: {StatusIdle, StatusError},
	StatusError:        {StatusIdle},
}

// CanTransition reports whether moving from s to next is a legal lifecycle step.
func (s PersonaStatus) CanTransition(next PersonaStatus) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// PersonaSpec is the immutable declaration of a persona: identity, skills
// and the knobs the selector scores against.
type PersonaSpec struct {
	ID           string        `json:"id"            yaml:"id"`
	Name         string        `json:"name"          yaml:"name"`
	Category     Category      `json:"category"      yaml:"category"`
	Capabilities []Capability  `json:"capabilities"  yaml:"capabilities"`
	BaseAffinity int           `json:"base_affinity" yaml:"base_affinity"` // 0-100
	Priority     int           `json:"priority"      yaml:"priority"`      // 1-10, tie-break
	ProjectTypes []string      `json:"project_types,omitempty" yaml:"project_types,omitempty"`
	Triggers     []TriggerType `json:"triggers,omitempty"      yaml:"triggers,omitempty"`
	// ContextRequirements, when non-empty, must overlap the work context's
	// technology tags before the persona can be considered at all.
	ContextRequirements []string `json:"context_requirements,omitempty" yaml:"context_requirements,omitempty"`
	// Conflicts lists persona IDs that must never be active together with
	// this one.
	Conflicts []string `json:"conflicts,omitempty" yaml:"conflicts,omitempty"`
}

// Validate checks the spec for structural correctness.
func (s PersonaSpec) Validate() error {
	if s.ID == "" {
		return NewDomainError("PersonaSpec.Validate", ErrInvalidInput, "id is required")
	}
	if s.Name == "" {
		return NewDomainError("PersonaSpec.Validate", ErrInvalidInput, "name is required")
	}
	if s.BaseAffinity < 0 || s.BaseAffinity > 100 {
		return NewDomainError("PersonaSpec.Validate", ErrInvalidInput,
			fmt.Sprintf("base_affinity %d outside [0,100]", s.BaseAffinity))
	}
	if s.Priority < 1 || s.Priority > 10 {
		return NewDomainError("PersonaSpec.Validate", ErrInvalidInput,
			fmt.Sprintf("priority %d outside [1,10]", s.Priority))
	}
	return nil
}

// ConflictsWith reports whether id is named in this spec's conflict list.
func (s PersonaSpec) ConflictsWith(id string) bool {
	for _, c := range s.Conflicts {
		if c == id {
			return true
		}
	}
	return false
}

// HasCapability reports whether the spec declares the given capability.
func (s PersonaSpec) HasCapability(capability Capability) bool {
	for _, c := range s.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// MatchesProjectType reports whether projectType is one the spec prefers.
func (s PersonaSpec) MatchesProjectType(projectType string) bool {
	for _, pt := range s.ProjectTypes {
		if strings.EqualFold(pt, projectType) {
			return true
		}
	}
	return false
}

// MatchesTrigger reports whether the spec declares the given trigger.
func (s PersonaSpec) MatchesTrigger(t TriggerType) bool {
	for _, tt := range s.Triggers {
		if tt == t {
			return true
		}
	}
	return false
}

// WorkContext carries the signals selection and activation score against:
// the raw command plus what the surrounding context analysis detected.
// Active holds the IDs of currently active personas; it is populated by the
// selector/coordinator immediately before predicate calls so that conflict
// checks stay pure.
type WorkContext struct {
	Command     string      `json:"command"`
	ProjectType string      `json:"project_type"`
	TechTags    []string    `json:"tech_tags,omitempty"`
	Trigger     TriggerType `json:"trigger"`
	Active      []string    `json:"active,omitempty"`
}

// HasTech reports whether tag is among the detected technology tags
// (case-insensitive).
func (c WorkContext) HasTech(tag string) bool {
	for _, t := range c.TechTags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// IsActive reports whether the persona id is currently active.
func (c WorkContext) IsActive(id string) bool {
	for _, a := range c.Active {
		if a == id {
			return true
		}
	}
	return false
}

// Fingerprint returns a coarse, stable summary of the context used as a
// selection cache key component. Deliberately excludes the active set and
// the raw command text: cached selections are keyed by project shape, not
// by transient state.
func (c WorkContext) Fingerprint() string {
	tags := make([]string, len(c.TechTags))
	for i, t := range c.TechTags {
		tags[i] = strings.ToLower(t)
	}
	sort.Strings(tags)
	return strings.ToLower(c.ProjectType) + "|" + string(c.Trigger) + "|" + strings.Join(tags, ",")
}

// Command is a unit of work dispatched to active personas.
type Command struct {
	Name  string   `json:"name"`
	Args  []string `json:"args,omitempty"`
	Input string   `json:"input,omitempty"`
}

// Response is the structured result of one persona processing one command.
// Failures are values, not errors: dispatch collects every persona's
// response so callers can merge partial successes.
type Response struct {
	PersonaID  string        `json:"persona_id"`
	Success    bool          `json:"success"`
	Output     string        `json:"output,omitempty"`
	Err        string        `json:"error,omitempty"`
	Confidence int           `json:"confidence"` // 0-100
	Duration   time.Duration `json:"duration"`
	Timestamp  time.Time     `json:"timestamp"`
}

// FailedResponse builds a failed Response for the given persona and error.
func FailedResponse(personaID string, err error) Response {
	return Response{
		PersonaID: personaID,
		Success:   false,
		Err:       err.Error(),
		Timestamp: time.Now(),
	}
}

// ClampScore bounds a confidence score to the canonical [0,100] scale.
func ClampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// ContextAnalyzer is the outbound collaborator that turns a raw command
// invocation into a WorkContext (project type, technology tags, trigger).
// Implementations live outside the core.
type ContextAnalyzer interface {
	Analyze(command string, args []string) (WorkContext, error)
}

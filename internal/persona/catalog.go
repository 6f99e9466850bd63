package persona

import (
	"log/slog"
	"strings"

	"personakit/internal/domain"
	"personakit/internal/usecase"
)

// Catalog returns the built-in specialist set. All specialists share one
// advisor; callers register the result with a usecase.Registry.
func Catalog(advisor Advisor, logger *slog.Logger) []usecase.Persona {
	return []usecase.Persona{
		NewArchitect(advisor, logger),
		NewFrontend(advisor, logger),
		NewBackend(advisor, logger),
		NewSecurity(advisor, logger),
		NewAnalyzer(advisor, logger),
		NewQA(advisor, logger),
		NewPerformance(advisor, logger),
		NewRefactorer(advisor, logger),
		NewDevOps(advisor, logger),
		NewScribe(advisor, logger),
		NewMentor(advisor, logger),
	}
}

// NewArchitect favors system-level design work. Breadth of the detected
// stack is its capability-specific signal: the more technologies in play,
// the more likely the question is architectural.
func NewArchitect(advisor Advisor, logger *slog.Logger) *Specialist {
	return New(domain.PersonaSpec{
		ID:           "architect",
		Name:         "Systems Architect",
		Category:     domain.CategoryArchitect,
		Capabilities: []domain.Capability{domain.CapSystemDesign, domain.CapAPIDesign},
		BaseAffinity: 55,
		Priority:     8,
		ProjectTypes: []string{"service", "monorepo", "library"},
		Triggers:     []domain.TriggerType{domain.TriggerDesign, domain.TriggerAnalyze},
	}, advisor, logger,
		WithScoreBonus(func(work domain.WorkContext) int {
			if len(work.TechTags) >= 3 {
				return 10
			}
			return 0
		}),
	)
}

// NewFrontend requires a UI technology in the detected stack.
func NewFrontend(advisor Advisor, logger *slog.Logger) *Specialist {
	return New(domain.PersonaSpec{
		ID:                  "frontend",
		Name:                "Frontend Specialist",
		Category:            domain.CategoryFrontend,
		Capabilities:        []domain.Capability{domain.CapUIBuild},
		BaseAffinity:        60,
		Priority:            6,
		ProjectTypes:        []string{"webapp", "spa"},
		Triggers:            []domain.TriggerType{domain.TriggerBuild, domain.TriggerImprove},
		ContextRequirements: []string{"react", "vue", "angular", "svelte", "css", "html"},
	}, advisor, logger)
}

// NewBackend handles service and API work.
func NewBackend(advisor Advisor, logger *slog.Logger) *Specialist {
	return New(domain.PersonaSpec{
		ID:           "backend",
		Name:         "Backend Specialist",
		Category:     domain.CategoryBackend,
		Capabilities: []domain.Capability{domain.CapAPIDesign},
		BaseAffinity: 60,
		Priority:     6,
		ProjectTypes: []string{"service", "api"},
		Triggers:     []domain.TriggerType{domain.TriggerBuild, domain.TriggerDesign},
	}, advisor, logger)
}

// NewSecurity leans in when the command or stack smells of auth, secrets
// or exposure.
func NewSecurity(advisor Advisor, logger *slog.Logger) *Specialist {
	return New(domain.PersonaSpec{
		ID:           "security",
		Name:         "Security Reviewer",
		Category:     domain.CategorySecurity,
		Capabilities: []domain.Capability{domain.CapThreatModel},
		BaseAffinity: 50,
		Priority:     9,
		Triggers:     []domain.TriggerType{domain.TriggerAnalyze, domain.TriggerImprove},
	}, advisor, logger,
		WithScoreBonus(func(work domain.WorkContext) int {
			if work.HasTech("auth") || work.HasTech("oauth") || work.HasTech("tls") ||
				strings.Contains(strings.ToLower(work.Command), "secur") {
				return 20
			}
			return 0
		}),
	)
}

// NewAnalyzer is the debugging and root-cause specialist.
func NewAnalyzer(advisor Advisor, logger *slog.Logger) *Specialist {
	return New(domain.PersonaSpec{
		ID:           "analyzer",
		Name:         "Root Cause Analyzer",
		Category:     domain.CategoryAnalyzer,
		Capabilities: []domain.Capability{domain.CapRootCause},
		BaseAffinity: 50,
		Priority:     7,
		Triggers:     []domain.TriggerType{domain.TriggerTroubleshoot, domain.TriggerAnalyze},
	}, advisor, logger,
		WithScoreBonus(func(work domain.WorkContext) int {
			if work.Trigger == domain.TriggerTroubleshoot {
				return 10
			}
			return 0
		}),
	)
}

// NewQA owns test strategy and coverage questions.
func NewQA(advisor Advisor, logger *slog.Logger) *Specialist {
	return New(domain.PersonaSpec{
		ID:           "qa",
		Name:         "Quality Advocate",
		Category:     domain.CategoryQA,
		Capabilities: []domain.Capability{domain.CapTestStrategy},
		BaseAffinity: 45,
		Priority:     5,
		Triggers:     []domain.TriggerType{domain.TriggerTest},
	}, advisor, logger)
}

// NewPerformance profiles before it optimizes. Conflicts with the
// refactorer: interleaving optimization and structural cleanup advice on
// the same request produces contradictory guidance.
func NewPerformance(advisor Advisor, logger *slog.Logger) *Specialist {
	return New(domain.PersonaSpec{
		ID:           "performance",
		Name:         "Performance Engineer",
		Category:     domain.CategoryPerformance,
		Capabilities: []domain.Capability{domain.CapProfiling},
		BaseAffinity: 45,
		Priority:     6,
		Triggers:     []domain.TriggerType{domain.TriggerImprove, domain.TriggerTroubleshoot},
		Conflicts:    []string{"refactorer"},
	}, advisor, logger)
}

// NewRefactorer is the structural cleanup specialist; see NewPerformance
// for the conflict rationale.
func NewRefactorer(advisor Advisor, logger *slog.Logger) *Specialist {
	return New(domain.PersonaSpec{
		ID:           "refactorer",
		Name:         "Refactoring Specialist",
		Category:     domain.CategoryRefactorer,
		Capabilities: []domain.Capability{domain.CapCodeCleanup},
		BaseAffinity: 45,
		Priority:     4,
		Triggers:     []domain.TriggerType{domain.TriggerImprove},
		Conflicts:    []string{"performance"},
	}, advisor, logger)
}

// NewDevOps requires infrastructure technology in the detected stack.
func NewDevOps(advisor Advisor, logger *slog.Logger) *Specialist {
	return New(domain.PersonaSpec{
		ID:                  "devops",
		Name:                "DevOps Engineer",
		Category:            domain.CategoryDevOps,
		Capabilities:        []domain.Capability{domain.CapInfraAutomate},
		BaseAffinity:        50,
		Priority:            7,
		ProjectTypes:        []string{"service", "infra"},
		Triggers:            []domain.TriggerType{domain.TriggerDeploy},
		ContextRequirements: []string{"docker", "kubernetes", "terraform", "aws", "gcp", "ci"},
	}, advisor, logger)
}

// NewScribe writes documentation. Conflicts with the mentor: one request
// gets either reference prose or a walkthrough, not both voices at once.
func NewScribe(advisor Advisor, logger *slog.Logger) *Specialist {
	return New(domain.PersonaSpec{
		ID:           "scribe",
		Name:         "Documentation Scribe",
		Category:     domain.CategoryScribe,
		Capabilities: []domain.Capability{domain.CapDocumentation},
		BaseAffinity: 40,
		Priority:     3,
		Triggers:     []domain.TriggerType{domain.TriggerDocument},
		Conflicts:    []string{"mentor"},
	}, advisor, logger)
}

// NewMentor explains; see NewScribe for the conflict rationale.
func NewMentor(advisor Advisor, logger *slog.Logger) *Specialist {
	return New(domain.PersonaSpec{
		ID:           "mentor",
		Name:         "Mentor",
		Category:     domain.CategoryMentor,
		Capabilities: []domain.Capability{domain.CapTeaching, domain.CapDocumentation},
		BaseAffinity: 40,
		Priority:     3,
		Triggers:     []domain.TriggerType{domain.TriggerExplain, domain.TriggerDocument},
		Conflicts:    []string{"scribe"},
	}, advisor, logger)
}

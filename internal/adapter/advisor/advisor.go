// Package advisor implements the rendering collaborator personas delegate
// to. The core treats it as opaque: a function from command and context
// to output text plus a confidence figure.
package advisor

import (
	"context"
	"fmt"
	"strings"

	"personakit/internal/domain"
)

// templates maps each specialist category to the skeleton of its advice.
var templates = map[domain.Category]string{
	domain.CategoryArchitect:   "Architecture review of %q: map the component boundaries first, then check coupling across %s.",
	domain.CategoryFrontend:    "Frontend take on %q: start from the component tree and state flow in the %s stack.",
	domain.CategoryBackend:     "Backend take on %q: define the API contract and data ownership before touching handlers (%s).",
	domain.CategorySecurity:    "Security review of %q: enumerate trust boundaries and input paths across %s.",
	domain.CategoryAnalyzer:    "Root-cause pass on %q: reproduce, bisect, then instrument the suspect path (%s).",
	domain.CategoryQA:          "Test strategy for %q: pin current behavior, then add coverage at the seams of %s.",
	domain.CategoryPerformance: "Performance pass on %q: measure before changing anything; profile the hot path in %s.",
	domain.CategoryRefactorer:  "Refactoring plan for %q: small reversible steps, tests green between each (%s).",
	domain.CategoryDevOps:      "Deployment plan for %q: make the pipeline reproduce the failure before fixing it (%s).",
	domain.CategoryScribe:      "Documentation outline for %q: audience first, then reference structure for %s.",
	domain.CategoryMentor:      "Walkthrough of %q: build intuition for how %s fits together before the details.",
}

// Canned renders deterministic template-based advice, voiced by the
// persona's category. It stands in for the real rendering layer in tests
// and the CLI.
type Canned struct{}

// Advise implements the persona.Advisor contract.
func (c Canned) Advise(_ context.Context, spec domain.PersonaSpec, cmd domain.Command, work domain.WorkContext) (string, int, error) {
	tmpl, ok := templates[spec.Category]
	if !ok {
		tmpl = "On %q: considered against %s."
	}

	stack := strings.Join(work.TechTags, ", ")
	if stack == "" {
		stack = "the detected stack"
	}
	output := fmt.Sprintf(tmpl, cmd.Name, stack)
	if cmd.Input != "" {
		output += "\n\nRequest detail: " + cmd.Input
	}

	// Confidence tracks how much context there was to work with.
	confidence := 60
	if work.ProjectType != "" {
		confidence += 10
	}
	confidence += 5 * len(work.TechTags)
	if confidence > 95 {
		confidence = 95
	}
	return output, confidence, nil
}

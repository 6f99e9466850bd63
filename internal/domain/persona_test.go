package domain

import (
	"errors"
	"testing"
)

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to PersonaStatus
		want     bool
	}{
		{StatusIdle, StatusActivating, true},
		{StatusIdle, StatusActive, false},
		{StatusIdle, StatusError, true},
		{StatusActivating, StatusActive, true},
		{StatusActivating, StatusIdle, true},
		{StatusActivating, StatusDeactivating, false},
		{StatusActive, StatusDeactivating, true},
		{StatusActive, StatusActivating, false},
		{StatusActive, StatusIdle, false},
		{StatusDeactivating, StatusIdle, true},
		{StatusDeactivating, StatusActive, false},
		{StatusError, StatusIdle, true},
		{StatusError, StatusActivating, false},
		{StatusError, StatusActive, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.want {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestSpecValidate(t *testing.T) {
	valid := PersonaSpec{ID: "x", Name: "X", Category: CategoryBackend, BaseAffinity: 50, Priority: 5}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	cases := []struct {
		name string
		mut  func(*PersonaSpec)
	}{
		{"missing id", func(s *PersonaSpec) { s.ID = "" }},
		{"missing name", func(s *PersonaSpec) { s.Name = "" }},
		{"affinity too low", func(s *PersonaSpec) { s.BaseAffinity = -1 }},
		{"affinity too high", func(s *PersonaSpec) { s.BaseAffinity = 101 }},
		{"priority too low", func(s *PersonaSpec) { s.Priority = 0 }},
		{"priority too high", func(s *PersonaSpec) { s.Priority = 11 }},
	}
	for _, tc := range cases {
		spec := valid
		tc.mut(&spec)
		if err := spec.Validate(); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("%s: expected ErrInvalidInput, got %v", tc.name, err)
		}
	}
}

func TestSpecMatchers(t *testing.T) {
	spec := PersonaSpec{
		ID:           "backend",
		Capabilities: []Capability{CapAPIDesign},
		ProjectTypes: []string{"service"},
		Triggers:     []TriggerType{TriggerBuild},
		Conflicts:    []string{"frontend"},
	}

	if !spec.HasCapability(CapAPIDesign) {
		t.Error("HasCapability(api-design) = false")
	}
	if spec.HasCapability(CapProfiling) {
		t.Error("HasCapability(profiling) = true")
	}
	if !spec.MatchesProjectType("Service") {
		t.Error("MatchesProjectType should be case-insensitive")
	}
	if spec.MatchesProjectType("webapp") {
		t.Error("MatchesProjectType(webapp) = true")
	}
	if !spec.MatchesTrigger(TriggerBuild) {
		t.Error("MatchesTrigger(build) = false")
	}
	if spec.MatchesTrigger(TriggerDeploy) {
		t.Error("MatchesTrigger(deploy) = true")
	}
	if !spec.ConflictsWith("frontend") {
		t.Error("ConflictsWith(frontend) = false")
	}
	if spec.ConflictsWith("backend") {
		t.Error("ConflictsWith(self) = true")
	}
}

func TestWorkContextFingerprint(t *testing.T) {
	a := WorkContext{ProjectType: "Service", TechTags: []string{"Postgres", "go"}, Trigger: TriggerAnalyze}
	b := WorkContext{ProjectType: "service", TechTags: []string{"go", "postgres"}, Trigger: TriggerAnalyze}
	if a.Fingerprint() != b.Fingerprint() {
		t.Errorf("fingerprints differ: %q vs %q", a.Fingerprint(), b.Fingerprint())
	}

	// The active set and command text are transient and must not affect
	// the fingerprint.
	c := b
	c.Active = []string{"backend"}
	c.Command = "review"
	if c.Fingerprint() != b.Fingerprint() {
		t.Error("fingerprint changed with active set / command")
	}

	d := b
	d.Trigger = TriggerBuild
	if d.Fingerprint() == b.Fingerprint() {
		t.Error("fingerprint ignored trigger")
	}
}

func TestWorkContextHasTech(t *testing.T) {
	w := WorkContext{TechTags: []string{"React", "css"}}
	if !w.HasTech("react") {
		t.Error("HasTech should be case-insensitive")
	}
	if w.HasTech("vue") {
		t.Error("HasTech(vue) = true")
	}
}

func TestClampScore(t *testing.T) {
	cases := []struct{ in, want int }{
		{-5, 0}, {0, 0}, {42, 42}, {100, 100}, {130, 100},
	}
	for _, tc := range cases {
		if got := ClampScore(tc.in); got != tc.want {
			t.Errorf("ClampScore(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestFailedResponse(t *testing.T) {
	r := FailedResponse("backend", errors.New("boom"))
	if r.Success {
		t.Error("Success = true")
	}
	if r.PersonaID != "backend" || r.Err != "boom" {
		t.Errorf("unexpected response: %+v", r)
	}
	if r.Confidence != 0 {
		t.Errorf("Confidence = %d, want 0", r.Confidence)
	}
}

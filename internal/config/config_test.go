package config

import (
	"strings"
	"testing"
)

func TestDefaultWorkflowParses(t *testing.T) {
	cfg := Default()
	if got := len(cfg.Workflow.Phases); got != 5 {
		t.Fatalf("expected 5 default phases, got %d", got)
	}
	if cfg.InitialPhase().ID != "intake" {
		t.Fatalf("expected initial phase intake, got %s", cfg.InitialPhase().ID)
	}
}

func TestPhaseOrder(t *testing.T) {
	cfg := Default()
	order := []string{"intake", "plan", "execute", "verify", "close"}
	cur := cfg.InitialPhase()
	for i := 1; i < len(order); i++ {
		next, ok := cfg.NextPhase(cur.ID)
		if !ok {
			t.Fatalf("no phase after %s", cur.ID)
		}
		if next.ID != order[i] {
			t.Fatalf("expected %s after %s, got %s", order[i], cur.ID, next.ID)
		}
		cur = next
	}
	if _, ok := cfg.NextPhase(cur.ID); ok {
		t.Fatalf("terminal phase %s should have no successor", cur.ID)
	}
}

func TestPhaseByIDUnknown(t *testing.T) {
	cfg := Default()
	if _, _, ok := cfg.PhaseByID("launch"); ok {
		t.Fatal("expected unknown phase to report ok=false")
	}
}

func TestValidateRejectsSinglePhase(t *testing.T) {
	_, err := FromYAML([]byte(`workflow:
  phases:
    - id: only
      goal: "one phase"
`))
	if err == nil || !strings.Contains(err.Error(), "at least") {
		t.Fatalf("expected minimum-phase error, got %v", err)
	}
}

func TestValidateRejectsDuplicateIDs(t *testing.T) {
	_, err := FromYAML([]byte(`workflow:
  phases:
    - id: a
      goal: "first"
    - id: a
      goal: "again"
`))
	if err == nil || !strings.Contains(err.Error(), "duplicate phase id") {
		t.Fatalf("expected duplicate-id error, got %v", err)
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	if err != nil {
		t.Fatalf("generated default does not parse: %v", err)
	}
	if cfg.Workflow.Phases[1].ID != "plan" {
		t.Fatalf("unexpected second phase %s", cfg.Workflow.Phases[1].ID)
	}
	if got := cfg.Workflow.Phases[1].Artifacts.Required; len(got) != 1 || got[0] != "plan" {
		t.Fatalf("plan phase should require the plan artifact, got %v", got)
	}
}

package registry

import (
	"strings"
	"testing"

	"github.com/harborfield/agentengine/agent/contract"
)

func TestBuildCoversEveryRealAgent(t *testing.T) {
	reg, builders := Build(Defaults("test-key", "openrouter/auto"))
	for _, id := range contract.AllAgents {
		rec, ok := reg.Lookup(id)
		if !ok {
			t.Fatalf("missing agent record for %q", id)
		}
		if rec.ModelID == "" {
			t.Fatalf("agent %q has no model id", id)
		}
		if _, ok := builders[rec.ModelID]; !ok {
			t.Fatalf("agent %q's model id %q has no builder", id, rec.ModelID)
		}
		if strings.TrimSpace(rec.SystemPrompt) == "" {
			t.Fatalf("agent %q has an empty system prompt", id)
		}
	}
}

func TestAssistantCanDelegateToEveryOtherRealAgent(t *testing.T) {
	reg, _ := Build(Defaults("test-key", "openrouter/auto"))
	rec, _ := reg.Lookup(contract.Assistant)
	for _, id := range contract.AllAgents {
		if id == contract.Assistant {
			continue
		}
		if !rec.AllowedPeers[id] {
			t.Fatalf("expected assistant to be allowed to delegate to %q", id)
		}
	}
}

func TestPerAgentModelOverrideWins(t *testing.T) {
	cfg := Defaults("test-key", "openrouter/auto")
	cfg.EngineerModel = "anthropic/claude-haiku"
	reg, builders := Build(cfg)
	rec, _ := reg.Lookup(contract.Engineer)
	if rec.ModelID != "anthropic/claude-haiku" {
		t.Fatalf("expected override model id, got %q", rec.ModelID)
	}
	if _, ok := builders["anthropic/claude-haiku"]; !ok {
		t.Fatal("expected a builder registered for the overridden model id")
	}
}

func TestAllReturnsEveryRecord(t *testing.T) {
	reg, _ := Build(Defaults("test-key", "openrouter/auto"))
	if len(reg.All()) != len(contract.AllAgents) {
		t.Fatalf("expected %d records, got %d", len(contract.AllAgents), len(reg.All()))
	}
}

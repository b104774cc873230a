package registry

import (
	"sort"
	"time"

	"github.com/harborfield/agentengine/agent/contract"
	"github.com/harborfield/agentengine/agent/prompt"
	"github.com/harborfield/agentengine/llm"
)

// Registry is an in-memory fixed agent table built once at startup,
// implementing contract.Registry.
type Registry struct {
	records map[contract.AgentID]contract.AgentRecord
}

var _ contract.Registry = (*Registry)(nil)

func (r *Registry) Lookup(id contract.AgentID) (contract.AgentRecord, bool) {
	rec, ok := r.records[id]
	return rec, ok
}

func (r *Registry) All() []contract.AgentRecord {
	out := make([]contract.AgentRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	return out
}

// peerSet builds an allow-list map from a variadic id list.
func peerSet(ids ...contract.AgentID) map[contract.AgentID]bool {
	m := make(map[contract.AgentID]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

// allowLists is the fixed peer allow-list per real agent; Build renders each
// list into that agent's delegation instructions.
var allowLists = map[contract.AgentID]map[contract.AgentID]bool{
	contract.ProductManager:      peerSet(contract.Engineer, contract.FinanceManager, contract.MarketingStrategist),
	contract.FinanceManager:      peerSet(contract.ProductManager, contract.MarketingStrategist),
	contract.MarketingStrategist: peerSet(contract.FinanceManager, contract.OutboundMail, contract.ProductManager),
	contract.Leadgen:             peerSet(contract.OutboundMail),
	contract.OutboundMail:        peerSet(contract.Leadgen, contract.CallPrep, contract.MarketingStrategist),
	contract.CallPrep:            peerSet(contract.OutboundMail, contract.Engineer, contract.ProductManager),
	contract.Engineer:            peerSet(contract.ProductManager, contract.FinanceManager),
	contract.Assistant: peerSet(
		contract.ProductManager, contract.FinanceManager, contract.MarketingStrategist,
		contract.Leadgen, contract.OutboundMail, contract.CallPrep, contract.Engineer,
	),
}

var displayNames = map[contract.AgentID]string{
	contract.ProductManager:      "Alex",
	contract.FinanceManager:      "Marcus",
	contract.MarketingStrategist: "Ryan",
	contract.Leadgen:             "Jake",
	contract.OutboundMail:        "Chris",
	contract.CallPrep:            "Daniel",
	contract.Engineer:            "Kevin",
	contract.Assistant:           "Sophia",
}

// canResearch names the agents whose records carry CanResearch: leadgen for
// prospecting, assistant since it can coordinate any capability.
var canResearch = map[contract.AgentID]bool{
	contract.Leadgen:   true,
	contract.Assistant: true,
}

// longTimeoutAgents run the long, research-shaped timeout class rather
// than the default single-completion timeout.
var longTimeoutAgents = map[contract.AgentID]bool{
	contract.Leadgen: true,
}

// Build constructs the fixed AgentRecord table and a model-id-keyed builder
// map for llm.ModelClient.
func Build(cfg Config) (*Registry, map[string]llm.ChatModelBuilder) {
	prompts := prompt.Load()
	records := make(map[contract.AgentID]contract.AgentRecord, len(contract.AllAgents))
	builders := make(map[string]llm.ChatModelBuilder)

	for _, id := range contract.AllAgents {
		modelID := cfg.modelFor(id)
		temperature := cfg.temperatureFor(id)
		timeout := cfg.Timeout
		if longTimeoutAgents[id] {
			timeout = cfg.LongTimeout
		}

		if _, ok := builders[modelID]; !ok {
			builders[modelID] = cfg.openRouterFor(modelID, temperature, timeout)
		}

		peers := allowLists[id]
		systemPrompt := prompts[id]
		if instructions := prompt.DelegationInstructions(peerList(peers)); instructions != "" {
			systemPrompt = systemPrompt + "\n\n" + instructions
		}

		records[id] = contract.AgentRecord{
			ID:              id,
			DisplayName:     displayNames[id],
			SystemPrompt:    systemPrompt,
			ModelID:         modelID,
			Temperature:     temperature,
			Timeout:         timeout,
			CanDelegate:     len(peers) > 0,
			CanResearch:     canResearch[id],
			AllowedPeers:    peers,
			RequireChildren: false,
		}
	}

	// The compaction and synthesis model ids are registered too so
	// ModelClient can dispatch to them without a dedicated AgentRecord.
	if _, ok := builders[cfg.CompactionModelID()]; !ok {
		builders[cfg.CompactionModelID()] = cfg.openRouterFor(cfg.CompactionModelID(), 0.2, cfg.Timeout)
	}
	if _, ok := builders[cfg.SynthesisModelID()]; !ok {
		builders[cfg.SynthesisModelID()] = cfg.openRouterFor(cfg.SynthesisModelID(), 0.3, cfg.LongTimeout)
	}

	return &Registry{records: records}, builders
}

func peerList(m map[contract.AgentID]bool) []contract.AgentID {
	out := make([]contract.AgentID, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Defaults returns a Config with only the zero-value-required fields unset,
// useful for tests that don't go through envconfig.Process.
func Defaults(apiKey, model string) Config {
	return Config{
		BaseURL:            "https://openrouter.ai/api/v1",
		APIKey:             apiKey,
		Model:              model,
		MaxCompletionToken: 2000,
		Temperature:        0.5,
		Timeout:            30 * time.Second,
		LongTimeout:        90 * time.Second,

		ProductManagerTemperature:      -1,
		FinanceManagerTemperature:      -1,
		MarketingStrategistTemperature: -1,
		LeadgenTemperature:             -1,
		OutboundMailTemperature:        -1,
		CallPrepTemperature:            -1,
		EngineerTemperature:            -1,
		AssistantTemperature:           -1,
	}
}

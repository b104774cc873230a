// Package prompt embeds each agent's system prompt template plus the
// shared delegation-directive instructions and the multi-agent
// consolidation template.
package prompt

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/harborfield/agentengine/agent/contract"
)

var (
	//go:embed template/product_manager.txt
	productManagerRaw string

	//go:embed template/finance_manager.txt
	financeManagerRaw string

	//go:embed template/marketing_strategist.txt
	marketingStrategistRaw string

	//go:embed template/leadgen.txt
	leadgenRaw string

	//go:embed template/outbound_mail.txt
	outboundMailRaw string

	//go:embed template/call_prep.txt
	callPrepRaw string

	//go:embed template/engineer.txt
	engineerRaw string

	//go:embed template/assistant.txt
	assistantRaw string

	//go:embed template/delegation_instructions.txt
	delegationInstructionsRaw string

	//go:embed template/consolidation.txt
	consolidationRaw string
)

// Set holds every agent's trimmed base system prompt, keyed by id.
type Set map[contract.AgentID]string

// Load returns the base (pre-delegation-instructions) system prompt for
// every real agent id.
func Load() Set {
	return Set{
		contract.ProductManager:      strings.TrimSpace(productManagerRaw),
		contract.FinanceManager:      strings.TrimSpace(financeManagerRaw),
		contract.MarketingStrategist: strings.TrimSpace(marketingStrategistRaw),
		contract.Leadgen:             strings.TrimSpace(leadgenRaw),
		contract.OutboundMail:        strings.TrimSpace(outboundMailRaw),
		contract.CallPrep:            strings.TrimSpace(callPrepRaw),
		contract.Engineer:            strings.TrimSpace(engineerRaw),
		contract.Assistant:           strings.TrimSpace(assistantRaw),
	}
}

// DelegationInstructions returns the shared block every delegating agent's
// system prompt is appended with, naming its specific allow-list.
func DelegationInstructions(allowed []contract.AgentID) string {
	if len(allowed) == 0 {
		return ""
	}
	names := make([]string, len(allowed))
	for i, a := range allowed {
		names[i] = string(a)
	}
	return fmt.Sprintf(strings.TrimSpace(delegationInstructionsRaw), strings.Join(names, ", "))
}

// ConsolidationPrompt returns the system prompt used for the final
// multi-child (or multi-agent) consolidation call.
func ConsolidationPrompt() string {
	return strings.TrimSpace(consolidationRaw)
}

// Package router implements the two routing helpers over free text:
// @mention parsing for multi-agent submission and a keyword-based
// "should consult another agent" suggestion, informational only.
package router

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/harborfield/agentengine/agent/contract"
)

// names maps both human display names and role names to an AgentID.
var names = map[string]contract.AgentID{
	"alex":   contract.ProductManager,
	"marcus": contract.FinanceManager,
	"ryan":   contract.MarketingStrategist,
	"jake":   contract.Leadgen,
	"chris":  contract.OutboundMail,
	"daniel": contract.CallPrep,
	"kevin":  contract.Engineer,
	"sophia": contract.Assistant,

	"product_manager":      contract.ProductManager,
	"finance_manager":      contract.FinanceManager,
	"marketing_strategist": contract.MarketingStrategist,
	"leadgen":              contract.Leadgen,
	"outbound_mail":        contract.OutboundMail,
	"call_prep":            contract.CallPrep,
	"engineer":             contract.Engineer,
	"assistant":            contract.Assistant,
}

var mentionPattern = regexp.MustCompile(`@(\w+)`)

// ParseMentions extracts @mentions from text and resolves them to agent
// ids, de-duplicated and in first-seen order.
func ParseMentions(text string) []contract.AgentID {
	matches := mentionPattern.FindAllStringSubmatch(strings.ToLower(text), -1)
	seen := map[contract.AgentID]bool{}
	var out []contract.AgentID
	for _, m := range matches {
		id, ok := names[m[1]]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// expertise is the keyword set per agent used by the suggestion heuristic.
var expertise = map[contract.AgentID][]string{
	contract.ProductManager:      {"product", "roadmap", "features", "market", "trends", "insights", "strategy"},
	contract.FinanceManager:      {"finance", "budget", "revenue", "expenses", "profit", "cost", "pricing"},
	contract.MarketingStrategist: {"marketing", "campaign", "branding", "audience", "content", "ads"},
	contract.Leadgen:             {"leads", "prospects", "scraping", "data", "research", "contacts"},
	contract.OutboundMail:        {"email", "outreach", "communication", "messaging", "follow-up"},
	contract.CallPrep:            {"meetings", "calls", "calendar", "scheduling", "prep", "scripts"},
	contract.Engineer:            {"code", "technical", "programming", "development", "bug", "implementation", "api"},
	contract.Assistant:           {"task", "schedule", "organize", "manage", "assign", "summary"},
}

// suggestionThreshold is the minimum keyword-match score before a
// suggestion is surfaced, avoiding false positives on a single stray word.
const suggestionThreshold = 2

// SuggestAgent scores text against every agent's keyword set (skipping
// current) and returns the best match if its score clears
// suggestionThreshold. The result is informational only: callers must
// never auto-delegate based on it.
func SuggestAgent(text string, current contract.AgentID) (contract.AgentID, bool) {
	lower := strings.ToLower(text)
	var best contract.AgentID
	bestScore := 0
	for _, id := range contract.AllAgents {
		if id == current {
			continue
		}
		score := 0
		for _, kw := range expertise[id] {
			if strings.Contains(lower, kw) {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			best = id
		}
	}
	if bestScore >= suggestionThreshold {
		return best, true
	}
	return "", false
}

// SuggestionNote renders a human-readable annotation for a suggested
// (never forced) delegation, used to populate RunResult.Warning.
func SuggestionNote(suggested contract.AgentID) string {
	return fmt.Sprintf("this response did not delegate, but %q's expertise looks relevant", suggested)
}

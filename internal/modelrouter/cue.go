package modelrouter

import "strings"

// RoutingRule maps a natural-language cue keyword to a model tier, letting
// callers write requests like "quickly summarize this" and have the router
// prefer a fast-tier model without the caller naming one explicitly.
//
// Grounded on the task-router rule table pattern used for routing code
// generation requests by keyword/tag match in the wider example corpus
// (see DESIGN.md).
type RoutingRule struct {
	Cue  string
	Tier string
}

// DefaultRoutingRules is the built-in cue table; a Router built with
// WithRoutingRules uses the given table instead.
var DefaultRoutingRules = []RoutingRule{
	{Cue: "quickly", Tier: TierFast},
	{Cue: "fast", Tier: TierFast},
	{Cue: "simple", Tier: TierFast},
	{Cue: "draft", Tier: TierFast},
	{Cue: "carefully", Tier: TierEscalation},
	{Cue: "thorough", Tier: TierEscalation},
	{Cue: "complex", Tier: TierEscalation},
	{Cue: "critical", Tier: TierGod},
	{Cue: "production", Tier: TierGod},
}

// Tier names, matching config.Model.Tier values.
const (
	TierFast       = "fast"
	TierGeneral    = "general"
	TierEscalation = "escalation"
	TierGod        = "god"
)

// InferTier scans text for the first matching cue and returns its tier, or
// TierGeneral if nothing matches — the router's default tier for
// unclassified requests.
func InferTier(text string, rules []RoutingRule) string {
	lower := strings.ToLower(text)
	for _, rule := range rules {
		if strings.Contains(lower, rule.Cue) {
			return rule.Tier
		}
	}
	return TierGeneral
}

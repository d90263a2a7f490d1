package variety

import (
	"github.com/viable-systems/vsm-mcp-sub004/core"
)

// Critical-area tags.
const (
	AreaOperationalCapabilities = "operational_capabilities"
	AreaEnvironmentalSensing    = "environmental_sensing"
	AreaAdaptiveControl         = "adaptive_control"
	AreaCoordinationPatterns    = "coordination_patterns"
)

// Rule is one critical-area rule: when the named metric satisfies the
// comparison, the area appears in the report. Rules are evaluated in
// declaration order, which fixes the order of the critical-area list.
type Rule struct {
	Area   string
	Metric string
	Op     string // lt, le, gt, ge
	Value  float64
}

// evaluate applies the rule against the metrics map. An unknown metric
// reads as zero.
func (r Rule) evaluate(metrics map[string]float64) bool {
	v := metrics[r.Metric]
	switch r.Op {
	case "lt":
		return v < r.Value
	case "le":
		return v <= r.Value
	case "gt":
		return v > r.Value
	case "ge":
		return v >= r.Value
	default:
		return false
	}
}

// evaluateRules returns the areas of the rules that fire, in declaration
// order, deduplicated.
func evaluateRules(rules []Rule, metrics map[string]float64) []string {
	areas := make([]string, 0, len(rules))
	seen := make(map[string]struct{})
	for _, r := range rules {
		if !r.evaluate(metrics) {
			continue
		}
		if _, dup := seen[r.Area]; dup {
			continue
		}
		seen[r.Area] = struct{}{}
		areas = append(areas, r.Area)
	}
	return areas
}

// DefaultRules is the stock rule list. Declaration order is the report
// order.
func DefaultRules() []Rule {
	return []Rule{
		{Area: AreaOperationalCapabilities, Metric: "ratio", Op: "lt", Value: 0.85},
		{Area: AreaEnvironmentalSensing, Metric: "factor:uncertainty", Op: "gt", Value: 20},
		{Area: AreaAdaptiveControl, Metric: "factor:rate_of_change", Op: "gt", Value: 15},
		{Area: AreaCoordinationPatterns, Metric: "subsystem:coordination", Op: "lt", Value: 1},
	}
}

// RulesFromConfig converts configured rules into the internal form,
// dropping malformed entries.
func RulesFromConfig(configured []core.RuleConfig) []Rule {
	rules := make([]Rule, 0, len(configured))
	for _, rc := range configured {
		if rc.Area == "" || rc.Metric == "" {
			continue
		}
		switch rc.Op {
		case "lt", "le", "gt", "ge":
		default:
			continue
		}
		rules = append(rules, Rule{Area: rc.Area, Metric: rc.Metric, Op: rc.Op, Value: rc.Value})
	}
	return rules
}

// Package variety quantifies the cybernetic variety gap: how much the
// environment demands versus how much the hosting system can currently
// do. The calculator is pure; the Collector gathers the input snapshots
// from collaborators.
package variety

import (
	"fmt"
	"time"

	"github.com/viable-systems/vsm-mcp-sub004/core"
)

// The five VSM sub-systems a system snapshot counts capabilities for.
const (
	SubsystemOperations   = "operations"
	SubsystemCoordination = "coordination"
	SubsystemControl      = "control"
	SubsystemIntelligence = "intelligence"
	SubsystemPolicy       = "policy"
)

// The four environmental factors.
const (
	FactorComplexity        = "complexity"
	FactorUncertainty       = "uncertainty"
	FactorRateOfChange      = "rate_of_change"
	FactorInterdependencies = "interdependencies"
)

// SystemSnapshot is the system side of a variety computation: a
// capability count per VSM sub-system. Missing sub-systems count zero.
type SystemSnapshot struct {
	Subsystems map[string]int `json:"subsystems"`
}

// EnvironmentSnapshot is the environment side: observed factors plus the
// scalar modifiers that amplify them.
type EnvironmentSnapshot struct {
	Factors       []string `json:"factors"`
	Interactions  []string `json:"interactions"`
	Unknowns      []string `json:"unknowns"`
	RecentChanges []string `json:"recent_changes"`
	Dependencies  []string `json:"dependencies"`
	Volatility    float64  `json:"volatility"`
	Trend         float64  `json:"trend"`
	Coupling      float64  `json:"coupling"`
}

// Calculator computes variety reports from snapshots. It owns exactly one
// weights table, one environmental-weights table, one rule list, and one
// projection table; all four are configurable and default to the package
// tables.
type Calculator struct {
	weights    map[string]float64
	envWeights map[string]float64
	rules      []Rule
	projection map[string]core.CapabilityDescriptor
}

// Option customizes a Calculator.
type Option func(*Calculator)

// WithWeights overrides the sub-system weights table.
func WithWeights(w map[string]float64) Option {
	return func(c *Calculator) {
		if len(w) > 0 {
			c.weights = w
		}
	}
}

// WithEnvironmentWeights overrides the environmental factor weights.
func WithEnvironmentWeights(w map[string]float64) Option {
	return func(c *Calculator) {
		if len(w) > 0 {
			c.envWeights = w
		}
	}
}

// WithRules replaces the critical-area rule list.
func WithRules(rules []Rule) Option {
	return func(c *Calculator) {
		if len(rules) > 0 {
			c.rules = rules
		}
	}
}

// WithProjection replaces the critical-area → descriptor table.
func WithProjection(p map[string]core.CapabilityDescriptor) Option {
	return func(c *Calculator) {
		if len(p) > 0 {
			c.projection = p
		}
	}
}

// NewCalculator creates a calculator with the default tables.
func NewCalculator(opts ...Option) *Calculator {
	c := &Calculator{
		weights:    DefaultWeights(),
		envWeights: DefaultEnvironmentWeights(),
		rules:      DefaultRules(),
		projection: DefaultProjection(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DefaultWeights is the stock sub-system weights table.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		SubsystemOperations:   1.0,
		SubsystemCoordination: 1.5,
		SubsystemControl:      2.0,
		SubsystemIntelligence: 2.5,
		SubsystemPolicy:       3.0,
	}
}

// DefaultEnvironmentWeights is the stock factor weights table.
func DefaultEnvironmentWeights() map[string]float64 {
	return map[string]float64{
		FactorComplexity:        1.0,
		FactorUncertainty:       1.5,
		FactorRateOfChange:      1.2,
		FactorInterdependencies: 1.0,
	}
}

// Report computes the variety report for the two snapshots. Pure: equal
// inputs produce equal numbers and identical critical-area ordering.
func (c *Calculator) Report(sys SystemSnapshot, env EnvironmentSnapshot) core.VarietyReport {
	system := c.SystemVariety(sys)
	environmental := c.EnvironmentalVariety(env)

	denom := environmental
	if denom < 1 {
		denom = 1
	}
	report := core.VarietyReport{
		SystemVariety:        system,
		EnvironmentalVariety: environmental,
		Ratio:                system / denom,
		AbsoluteGap:          environmental - system,
		ComputedAt:           time.Now(),
	}

	metrics := c.metrics(report, sys, env)
	report.CriticalAreas = evaluateRules(c.rules, metrics)
	report.Recommendations = recommendations(report)
	return report
}

// SystemVariety is the weighted sum of sub-system capability counts.
func (c *Calculator) SystemVariety(sys SystemSnapshot) float64 {
	var total float64
	for name, count := range sys.Subsystems {
		if count < 0 {
			continue
		}
		total += float64(count) * c.weights[name]
	}
	return total
}

// EnvironmentalVariety aggregates the four factor formulas under their
// weights.
func (c *Calculator) EnvironmentalVariety(env EnvironmentSnapshot) float64 {
	factors := environmentFactors(env)
	var total float64
	for name, value := range factors {
		total += value * c.envWeights[name]
	}
	return total
}

// environmentFactors computes the raw (unweighted) factor values.
func environmentFactors(env EnvironmentSnapshot) map[string]float64 {
	return map[string]float64{
		FactorComplexity:        float64(len(env.Factors)) + 2*float64(len(env.Interactions)),
		FactorUncertainty:       float64(len(env.Unknowns)) * (1 + env.Volatility),
		FactorRateOfChange:      float64(len(env.RecentChanges)) * env.Trend,
		FactorInterdependencies: float64(len(env.Dependencies)) * (1 + env.Coupling),
	}
}

// metrics flattens everything a rule may condition on.
func (c *Calculator) metrics(report core.VarietyReport, sys SystemSnapshot, env EnvironmentSnapshot) map[string]float64 {
	m := map[string]float64{
		"ratio":       report.Ratio,
		"gap":         report.AbsoluteGap,
		"system":      report.SystemVariety,
		"environment": report.EnvironmentalVariety,
	}
	for name, count := range sys.Subsystems {
		m["subsystem:"+name] = float64(count)
	}
	for name, value := range environmentFactors(env) {
		m["factor:"+name] = value
	}
	return m
}

// Project maps the report's critical areas to capability descriptors via
// the projection table, preserving area order. Areas without a projection
// entry are skipped.
func (c *Calculator) Project(report core.VarietyReport) []core.CapabilityDescriptor {
	out := make([]core.CapabilityDescriptor, 0, len(report.CriticalAreas))
	for _, area := range report.CriticalAreas {
		if d, ok := c.projection[area]; ok {
			out = append(out, d)
		}
	}
	return out
}

// DefaultProjection is the stock critical-area → descriptor table.
func DefaultProjection() map[string]core.CapabilityDescriptor {
	return map[string]core.CapabilityDescriptor{
		AreaOperationalCapabilities: {
			Kind:        AreaOperationalCapabilities,
			Priority:    core.PriorityHigh,
			SearchTerms: []string{"filesystem", "file", "server"},
		},
		AreaEnvironmentalSensing: {
			Kind:        AreaEnvironmentalSensing,
			Priority:    core.PriorityHigh,
			SearchTerms: []string{"search", "web", "fetch"},
		},
		AreaAdaptiveControl: {
			Kind:        AreaAdaptiveControl,
			Priority:    core.PriorityMedium,
			SearchTerms: []string{"automation", "control"},
		},
		AreaCoordinationPatterns: {
			Kind:        AreaCoordinationPatterns,
			Priority:    core.PriorityMedium,
			SearchTerms: []string{"workflow", "orchestration"},
		},
	}
}

// recommendations derives the human-readable advice for the report.
func recommendations(r core.VarietyReport) []string {
	if r.Ratio >= 1 {
		return []string{
			"System has requisite variety",
			"Continue monitoring",
		}
	}
	recs := []string{
		fmt.Sprintf("Variety deficit of %.1f against environmental demand", r.AbsoluteGap),
	}
	if len(r.CriticalAreas) > 0 {
		recs = append(recs, fmt.Sprintf("Acquire capabilities for %d critical area(s)", len(r.CriticalAreas)))
	}
	return recs
}

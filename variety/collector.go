package variety

import (
	"context"
	"sync"

	"github.com/viable-systems/vsm-mcp-sub004/core"
)

// SystemProbe reports one sub-system's capability count. Probes are
// collaborators; an unavailable probe degrades to a zero contribution and
// is never fatal.
type SystemProbe interface {
	Subsystem() string
	Count(ctx context.Context) (int, error)
}

// FuncProbe adapts a function into a SystemProbe.
type FuncProbe struct {
	Name string
	Fn   func(ctx context.Context) (int, error)
}

// Subsystem names the sub-system this probe counts for.
func (p FuncProbe) Subsystem() string { return p.Name }

// Count runs the probe.
func (p FuncProbe) Count(ctx context.Context) (int, error) { return p.Fn(ctx) }

// EnvironmentSource supplies the environment snapshot.
type EnvironmentSource interface {
	Snapshot(ctx context.Context) (EnvironmentSnapshot, error)
}

// StaticSource is a mutable EnvironmentSource fed by configuration or by
// the control surface's environment endpoint.
type StaticSource struct {
	mu   sync.RWMutex
	snap EnvironmentSnapshot
}

// NewStaticSource creates a source holding snap.
func NewStaticSource(snap EnvironmentSnapshot) *StaticSource {
	return &StaticSource{snap: snap}
}

// Snapshot returns the current observation.
func (s *StaticSource) Snapshot(ctx context.Context) (EnvironmentSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap, nil
}

// Set replaces the observation.
func (s *StaticSource) Set(snap EnvironmentSnapshot) {
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
}

// Collector gathers the two snapshots from collaborators and runs the
// calculator over them.
type Collector struct {
	calc   *Calculator
	probes []SystemProbe
	env    EnvironmentSource
	logger core.Logger
}

// NewCollector wires a collector. A nil env source yields an empty
// environment snapshot.
func NewCollector(calc *Calculator, probes []SystemProbe, env EnvironmentSource, logger core.Logger) *Collector {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Collector{calc: calc, probes: probes, env: env, logger: logger}
}

// Calculator exposes the underlying calculator (for projection).
func (c *Collector) Calculator() *Calculator { return c.calc }

// Report snapshots the collaborators and computes the variety report.
func (c *Collector) Report(ctx context.Context) core.VarietyReport {
	sys := SystemSnapshot{Subsystems: make(map[string]int, len(c.probes))}
	for _, probe := range c.probes {
		count, err := probe.Count(ctx)
		if err != nil {
			// Degrade to zero, keep going.
			c.logger.Warn("system probe unavailable", map[string]interface{}{
				"subsystem": probe.Subsystem(),
				"code":      core.CodeCollaboratorUnavailable,
				"error":     err.Error(),
			})
			count = 0
		}
		sys.Subsystems[probe.Subsystem()] += count
	}

	var env EnvironmentSnapshot
	if c.env != nil {
		snap, err := c.env.Snapshot(ctx)
		if err != nil {
			c.logger.Warn("environment source unavailable", map[string]interface{}{
				"code":  core.CodeCollaboratorUnavailable,
				"error": err.Error(),
			})
		} else {
			env = snap
		}
	}

	return c.calc.Report(sys, env)
}

// Project maps a report's critical areas to capability descriptors.
func (c *Collector) Project(report core.VarietyReport) []core.CapabilityDescriptor {
	return c.calc.Project(report)
}

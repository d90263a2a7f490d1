package variety

import (
	"context"

	"github.com/viable-systems/vsm-mcp-sub004/core"
)

// serverLister is the slice of the mcp manager the probes read.
type serverLister interface {
	Servers() []core.ServerView
}

// bindingLister is the slice of the capability registry the probes read.
type bindingLister interface {
	List() []core.CapabilityBinding
}

// SelfProbes wires the controller to itself: the default sub-system
// counts come from the controller's own live state. Operations counts the
// declared tools of serving servers, coordination the active bindings,
// control the live servers, intelligence the configured catalogs, and
// policy the configured rules.
func SelfProbes(servers serverLister, bindings bindingLister, catalogCount, ruleCount int) []SystemProbe {
	return []SystemProbe{
		FuncProbe{Name: SubsystemOperations, Fn: func(ctx context.Context) (int, error) {
			total := 0
			for _, v := range servers.Servers() {
				if v.State.Serving() {
					total += len(v.Tools)
				}
			}
			return total, nil
		}},
		FuncProbe{Name: SubsystemCoordination, Fn: func(ctx context.Context) (int, error) {
			return len(bindings.List()), nil
		}},
		FuncProbe{Name: SubsystemControl, Fn: func(ctx context.Context) (int, error) {
			total := 0
			for _, v := range servers.Servers() {
				if v.State != core.StateStopped {
					total++
				}
			}
			return total, nil
		}},
		FuncProbe{Name: SubsystemIntelligence, Fn: func(ctx context.Context) (int, error) {
			return catalogCount, nil
		}},
		FuncProbe{Name: SubsystemPolicy, Fn: func(ctx context.Context) (int, error) {
			return ruleCount, nil
		}},
	}
}

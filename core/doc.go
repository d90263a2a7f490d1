// Package core holds the shared kernel of the capability-acquisition
// controller: the domain types exchanged between components (descriptors,
// candidates, bindings, reports, records), the error taxonomy, the Logger
// and Telemetry interfaces with their no-op defaults, the TTL cache used by
// discovery, the lifecycle event bus, and the three-layer configuration
// (defaults, environment, functional options).
//
// Every other package imports core and nothing else from this module, so
// the dependency graph stays acyclic: mcp, capability, discovery, install,
// acquisition, variety, daemon and httpapi all meet only here.
package core

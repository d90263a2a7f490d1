// Package vsm is the root facade of the capability controller. It
// re-exports the kernel types callers embed in their own code so most
// programs only import this package and the packages whose behavior they
// wire together (see cmd/vsmd for the full composition).
package vsm

import (
	"github.com/viable-systems/vsm-mcp-sub004/core"
)

// Kernel value types.
type (
	CapabilityDescriptor = core.CapabilityDescriptor
	Candidate            = core.Candidate
	Installation         = core.Installation
	ToolSpec             = core.ToolSpec
	ServerConfig         = core.ServerConfig
	ServerView           = core.ServerView
	ServerState          = core.ServerState
	RestartPolicy        = core.RestartPolicy
	CapabilityBinding    = core.CapabilityBinding
	VarietyReport        = core.VarietyReport
	AcquisitionRecord    = core.AcquisitionRecord
	Config               = core.Config
	Event                = core.Event
	Bus                  = core.Bus
)

// Ambient interfaces.
type (
	Logger    = core.Logger
	Telemetry = core.Telemetry
	Cache     = core.Cache
)

// Priorities.
const (
	PriorityHigh   = core.PriorityHigh
	PriorityMedium = core.PriorityMedium
	PriorityLow    = core.PriorityLow
)

// Server lifecycle states.
const (
	StateStarting     = core.StateStarting
	StateInitializing = core.StateInitializing
	StateReady        = core.StateReady
	StateDegraded     = core.StateDegraded
	StateRestarting   = core.StateRestarting
	StateStopping     = core.StateStopping
	StateStopped      = core.StateStopped
)

// NewConfig builds a controller configuration with the three-layer
// precedence (defaults, file, environment, options).
var NewConfig = core.NewConfig

// Configuration options, re-exported for callers of NewConfig.
var (
	WithName          = core.WithName
	WithPort          = core.WithPort
	WithTickInterval  = core.WithTickInterval
	WithThreshold     = core.WithThreshold
	WithInstallRoot   = core.WithInstallRoot
	WithCatalog       = core.WithCatalog
	WithCatalogs      = core.WithCatalogs
	WithConfigFile    = core.WithConfigFile
	WithRestartPolicy = core.WithRestartPolicy
)

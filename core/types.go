package core

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// Priority ranks how urgently a capability gap must be filled.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Source identifies where a discovered candidate package comes from.
type Source string

const (
	SourceRegistry Source = "registry"
	SourceGit      Source = "git"
	SourceLocal    Source = "local"
)

// CapabilityDescriptor describes a capability the system is missing. It is
// produced by the variety calculator (gap analysis) or injected by external
// callers, and consumed by the acquisition pipeline. Immutable value; the
// search terms are treated as a set.
type CapabilityDescriptor struct {
	Kind        string   `json:"kind" yaml:"kind"`
	Priority    Priority `json:"priority" yaml:"priority"`
	SearchTerms []string `json:"search_terms" yaml:"search_terms"`
}

// Key returns a normalized identity for the descriptor: the kind plus the
// sorted, lower-cased search terms. Descriptors that differ only in term
// order or case produce the same key, which is what the discovery cache and
// the in-flight acquisition table key on.
func (d CapabilityDescriptor) Key() string {
	terms := make([]string, 0, len(d.SearchTerms))
	for _, t := range d.SearchTerms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			terms = append(terms, t)
		}
	}
	sort.Strings(terms)
	return strings.ToLower(d.Kind) + "|" + strings.Join(terms, ",")
}

// DescriptorSetKey normalizes a whole descriptor set into one cache key.
func DescriptorSetKey(descriptors []CapabilityDescriptor) string {
	keys := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		keys = append(keys, d.Key())
	}
	sort.Strings(keys)
	return strings.Join(keys, ";")
}

// Candidate is a discovered package that might supply one or more
// descriptors. Produced by discovery, consumed by the pipeline up to the
// install step. Immutable.
type Candidate struct {
	Name           string   `json:"name"`
	Version        string   `json:"version"`
	Source         Source   `json:"source"`
	InstallCommand string   `json:"install_command,omitempty"`
	Capabilities   []string `json:"capabilities,omitempty"`
	RelevanceScore float64  `json:"relevance_score"`
	QualityScore   float64  `json:"quality_score"`
}

// Score is the ranking key: relevance weighted by quality.
func (c Candidate) Score() float64 {
	return c.RelevanceScore * c.QualityScore
}

// RunSpec is everything needed to spawn an installed tool server.
type RunSpec struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`
	Dir     string   `json:"dir,omitempty"`
}

// InstallStatus reports whether an installation is usable.
type InstallStatus string

const (
	InstallReady  InstallStatus = "ready"
	InstallFailed InstallStatus = "failed"
)

// Installation is the on-disk result of installing a candidate.
type Installation struct {
	Candidate   Candidate     `json:"candidate"`
	InstallPath string        `json:"install_path"`
	Status      InstallStatus `json:"status"`
	InstalledAt time.Time     `json:"installed_at"`
	Run         RunSpec       `json:"run"`
}

// ToolSpec is one tool advertised by a tool server in its tools/list
// response. The wire key for the schema is input_schema; some servers emit
// camelCase inputSchema instead, so decoding accepts both.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// UnmarshalJSON accepts both input_schema and inputSchema.
func (t *ToolSpec) UnmarshalJSON(data []byte) error {
	type wire struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		InputSchema json.RawMessage `json:"input_schema"`
		CamelSchema json.RawMessage `json:"inputSchema"`
	}
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	t.Name = w.Name
	t.Description = w.Description
	t.InputSchema = w.InputSchema
	if len(t.InputSchema) == 0 {
		t.InputSchema = w.CamelSchema
	}
	return nil
}

// ServerState is the lifecycle state of a tool-server process.
type ServerState string

const (
	StateStarting     ServerState = "starting"
	StateInitializing ServerState = "initializing"
	StateReady        ServerState = "ready"
	StateDegraded     ServerState = "degraded"
	StateRestarting   ServerState = "restarting"
	StateStopping     ServerState = "stopping"
	StateStopped      ServerState = "stopped"
)

// Terminal reports whether the state is final.
func (s ServerState) Terminal() bool {
	return s == StateStopped
}

// Serving reports whether invocations may be routed to a server in this
// state. Degraded servers keep serving; their tool set no longer matches
// the frozen declaration, which is a health signal, not an outage.
func (s ServerState) Serving() bool {
	return s == StateReady || s == StateDegraded
}

// RestartPolicy bounds how a crashed tool server is brought back: an
// exponential backoff schedule and a restart budget over a rolling window.
type RestartPolicy struct {
	MaxRestarts   int           `json:"max_restarts" yaml:"max_restarts"`
	Window        time.Duration `json:"window" yaml:"window"`
	InitialDelay  time.Duration `json:"initial_delay" yaml:"initial_delay"`
	BackoffFactor float64       `json:"backoff_factor" yaml:"backoff_factor"`
	MaxDelay      time.Duration `json:"max_delay" yaml:"max_delay"`
}

// DefaultRestartPolicy returns the stock policy: at most 5 restarts per
// rolling 60s, delays 1s, 2s, 4s, ... capped at 30s.
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		MaxRestarts:   5,
		Window:        60 * time.Second,
		InitialDelay:  1 * time.Second,
		BackoffFactor: 2.0,
		MaxDelay:      30 * time.Second,
	}
}

// ServerConfig is the spawn configuration for one tool server.
type ServerConfig struct {
	Name    string        `json:"name"`
	Command string        `json:"command"`
	Args    []string      `json:"args,omitempty"`
	Env     []string      `json:"env,omitempty"`
	Dir     string        `json:"dir,omitempty"`
	Restart RestartPolicy `json:"restart"`
}

// ServerView is a read-only snapshot of a live tool server, safe to hand to
// callers outside the manager's lock.
type ServerView struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	State     ServerState `json:"state"`
	Tools     []ToolSpec  `json:"tools,omitempty"`
	StartedAt time.Time   `json:"started_at"`
	ReadyAt   time.Time   `json:"ready_at,omitempty"`
	Restarts  int         `json:"restarts"`
	LastError string      `json:"last_error,omitempty"`
}

// CapabilityBinding maps a capability name to the (server, tool) pair that
// serves it. Exactly one binding exists per capability name; rebinding
// replaces atomically.
type CapabilityBinding struct {
	Capability string    `json:"capability"`
	ServerID   string    `json:"server_id"`
	Tool       string    `json:"tool"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// VarietyReport is the calculator's output: the two variety aggregates,
// their gap and ratio, the ordered critical areas, and human-readable
// recommendations.
type VarietyReport struct {
	SystemVariety        float64   `json:"system_variety"`
	EnvironmentalVariety float64   `json:"environmental_variety"`
	Ratio                float64   `json:"ratio"`
	AbsoluteGap          float64   `json:"absolute_gap"`
	CriticalAreas        []string  `json:"critical_areas"`
	Recommendations      []string  `json:"recommendations"`
	ComputedAt           time.Time `json:"computed_at"`
}

// Stage names the acquisition pipeline step a failure is attributed to.
type Stage string

const (
	StageDiscover  Stage = "discover"
	StageSelect    Stage = "select"
	StageInstall   Stage = "install"
	StageSpawn     Stage = "spawn"
	StageHandshake Stage = "handshake"
	StageBind      Stage = "bind"
	// StageExhausted tags a run in which every selected candidate failed.
	StageExhausted Stage = "pipeline_exhausted"
)

// Outcome is the terminal result of an acquisition.
type Outcome string

const (
	OutcomeOK     Outcome = "ok"
	OutcomeFailed Outcome = "failed"
)

// Attempt records how one candidate fared inside a pipeline run.
type Attempt struct {
	Candidate Candidate `json:"candidate"`
	Stage     Stage     `json:"stage,omitempty"`
	Err       string    `json:"error,omitempty"`
	OK        bool      `json:"ok"`
}

// AcquisitionRecord is the audit entry for one pipeline run. Records live
// in a bounded in-memory ring; the most recent N are retrievable.
type AcquisitionRecord struct {
	ID           string                 `json:"id"`
	Descriptors  []CapabilityDescriptor `json:"descriptors"`
	StartedAt    time.Time              `json:"started_at"`
	FinishedAt   time.Time              `json:"finished_at"`
	Outcome      Outcome                `json:"outcome"`
	FailStage    Stage                  `json:"fail_stage,omitempty"`
	Reason       string                 `json:"reason,omitempty"`
	Attempts     []Attempt              `json:"attempts,omitempty"`
	ServerID     string                 `json:"server_id,omitempty"`
	Capabilities []string               `json:"capabilities,omitempty"`
	Existing     bool                   `json:"existing,omitempty"`
}

// Succeeded reports whether the run ended with a bound capability (or found
// the capabilities already bound).
func (r *AcquisitionRecord) Succeeded() bool {
	return r != nil && r.Outcome == OutcomeOK
}

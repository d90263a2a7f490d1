// Package acquisition runs the end-to-end capability acquisition
// pipeline: discover → select → install → spawn → handshake → bind →
// record, with per-candidate failover and per-kind coalescing of
// concurrent runs.
package acquisition

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/viable-systems/vsm-mcp-sub004/core"
)

// Discoverer produces ranked candidates for a descriptor set.
type Discoverer interface {
	Discover(ctx context.Context, descriptors []core.CapabilityDescriptor) ([]core.Candidate, error)
}

// Installer materializes one candidate on disk.
type Installer interface {
	Install(ctx context.Context, candidate core.Candidate, force bool) (*core.Installation, error)
}

// ServerManager is the slice of the mcp manager the pipeline uses.
type ServerManager interface {
	StartServer(ctx context.Context, cfg core.ServerConfig) (string, error)
	StopServer(ctx context.Context, id string) error
	Tools(id string) ([]core.ToolSpec, error)
}

// Binder is the slice of the capability registry the pipeline uses.
type Binder interface {
	Bind(capability, serverID, tool string) error
	Resolve(capability string) (core.CapabilityBinding, bool)
}

// Options tunes one Acquire call.
type Options struct {
	// Force skips the already-bound shortcut and reinstalls candidates.
	Force bool
}

// Pipeline is the acquisition engine. Concurrent Acquire calls whose
// descriptor kinds overlap coalesce onto one run; disjoint kinds run in
// parallel.
type Pipeline struct {
	discoverer Discoverer
	installer  Installer
	servers    ServerManager
	registry   Binder

	topK    int
	timeout time.Duration
	restart core.RestartPolicy

	logger core.Logger
	tele   core.Telemetry
	bus    *core.Bus

	mu       sync.Mutex
	inflight map[string]*flight
	history  *ring
}

// flight is one running pipeline; attached callers wait on done and read
// the shared record afterwards.
type flight struct {
	id     string
	kinds  []string
	done   chan struct{}
	record *core.AcquisitionRecord
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(l core.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithTelemetry sets the telemetry sink.
func WithTelemetry(t core.Telemetry) Option {
	return func(p *Pipeline) { p.tele = t }
}

// WithBus sets the event bus for acquisition started/finished events.
func WithBus(b *core.Bus) Option {
	return func(p *Pipeline) { p.bus = b }
}

// WithTopK bounds how many ranked candidates one run tries (default 3).
func WithTopK(k int) Option {
	return func(p *Pipeline) {
		if k > 0 {
			p.topK = k
		}
	}
}

// WithTimeout bounds one full pipeline run (default 120s).
func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithHistory sets the record ring size (default 128).
func WithHistory(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.history = newRing(n)
		}
	}
}

// WithRestartPolicy sets the restart policy handed to spawned servers.
func WithRestartPolicy(policy core.RestartPolicy) Option {
	return func(p *Pipeline) { p.restart = policy }
}

// NewPipeline wires the acquisition pipeline.
func NewPipeline(d Discoverer, i Installer, s ServerManager, r Binder, opts ...Option) *Pipeline {
	p := &Pipeline{
		discoverer: d,
		installer:  i,
		servers:    s,
		registry:   r,
		topK:       3,
		timeout:    120 * time.Second,
		restart:    core.DefaultRestartPolicy(),
		logger:     &core.NoOpLogger{},
		tele:       &core.NoOpTelemetry{},
		inflight:   make(map[string]*flight),
		history:    newRing(128),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Acquire runs the pipeline for the descriptor set and returns its
// record. When another run for an overlapping kind is already in flight,
// the call attaches to it and returns that run's record.
func (p *Pipeline) Acquire(ctx context.Context, descriptors []core.CapabilityDescriptor, opts Options) (*core.AcquisitionRecord, error) {
	descriptors = dedupeByKind(descriptors)
	if len(descriptors) == 0 {
		return nil, fmt.Errorf("acquire: no descriptors: %w", core.ErrInvalidConfiguration)
	}
	kinds := kindsOf(descriptors)

	p.mu.Lock()
	if existing := p.overlapLocked(kinds); existing != nil {
		p.mu.Unlock()
		select {
		case <-existing.done:
			return existing.record, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f := &flight{
		id:    "acq-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
		kinds: kinds,
		done:  make(chan struct{}),
	}
	for _, k := range kinds {
		p.inflight[k] = f
	}
	p.mu.Unlock()

	record := p.run(ctx, f.id, descriptors, opts)

	p.mu.Lock()
	f.record = record
	for _, k := range kinds {
		if p.inflight[k] == f {
			delete(p.inflight, k)
		}
	}
	p.history.append(record)
	p.mu.Unlock()
	close(f.done)

	if p.bus != nil {
		p.bus.Publish(core.Event{
			Type:          core.EventAcquisitionFinished,
			AcquisitionID: record.ID,
			ServerID:      record.ServerID,
			Record:        record,
		})
	}
	return record, nil
}

// Recent returns up to n records, newest first.
func (p *Pipeline) Recent(n int) []core.AcquisitionRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.history.recent(n)
}

// InFlight lists the descriptor kinds currently being acquired.
func (p *Pipeline) InFlight() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	seen := make(map[string]struct{})
	var kinds []string
	for _, f := range p.inflight {
		if _, dup := seen[f.id]; dup {
			continue
		}
		seen[f.id] = struct{}{}
		kinds = append(kinds, f.kinds...)
	}
	sort.Strings(kinds)
	return kinds
}

func (p *Pipeline) overlapLocked(kinds []string) *flight {
	for _, k := range kinds {
		if f, ok := p.inflight[k]; ok {
			return f
		}
	}
	return nil
}

// run executes one full pipeline pass and always produces a record.
func (p *Pipeline) run(ctx context.Context, id string, descriptors []core.CapabilityDescriptor, opts Options) *core.AcquisitionRecord {
	record := &core.AcquisitionRecord{
		ID:          id,
		Descriptors: descriptors,
		StartedAt:   time.Now(),
	}
	finish := func() *core.AcquisitionRecord {
		record.FinishedAt = time.Now()
		p.tele.RecordMetric("acquisition.runs", 1, map[string]string{"outcome": string(record.Outcome)})
		return record
	}

	if p.bus != nil {
		p.bus.Publish(core.Event{Type: core.EventAcquisitionStarted, AcquisitionID: id})
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	spanCtx, span := p.tele.StartSpan(ctx, "acquisition.run")
	defer span.End()
	span.SetAttribute("acquisition.id", id)
	ctx = spanCtx

	// Shortcut: every descriptor already satisfied by a live binding.
	if !opts.Force && p.allBound(descriptors, record) {
		record.Outcome = core.OutcomeOK
		record.Existing = true
		p.logger.Info("acquisition satisfied by existing bindings", map[string]interface{}{
			"acquisition_id": id,
			"capabilities":   record.Capabilities,
		})
		return finish()
	}

	// Stage: discover.
	candidates, err := p.discoverer.Discover(ctx, descriptors)
	if err != nil || len(candidates) == 0 {
		record.Outcome = core.OutcomeFailed
		record.FailStage = core.StageDiscover
		record.Reason = "none"
		if err != nil {
			record.Reason = err.Error()
		}
		p.logger.Warn("acquisition found no candidates", map[string]interface{}{
			"acquisition_id": id,
			"descriptors":    len(descriptors),
		})
		return finish()
	}

	// Stage: select, then per-candidate failover.
	if len(candidates) > p.topK {
		candidates = candidates[:p.topK]
	}
	for _, candidate := range candidates {
		if ctx.Err() != nil {
			record.Outcome = core.OutcomeFailed
			record.FailStage = core.StageSelect
			record.Reason = core.CodeAcquireCancelled
			return finish()
		}
		attempt := p.tryCandidate(ctx, candidate, descriptors, opts.Force)
		record.Attempts = append(record.Attempts, attempt.Attempt)
		if attempt.OK {
			record.Outcome = core.OutcomeOK
			record.ServerID = attempt.serverID
			record.Capabilities = attempt.capabilities
			p.logger.Info("acquisition succeeded", map[string]interface{}{
				"acquisition_id": id,
				"candidate":      candidate.Name,
				"server_id":      attempt.serverID,
				"capabilities":   attempt.capabilities,
			})
			return finish()
		}
		p.logger.Warn("candidate failed, trying next", map[string]interface{}{
			"acquisition_id": id,
			"candidate":      candidate.Name,
			"stage":          string(attempt.Stage),
			"error":          attempt.Err,
		})
	}

	// All candidates spent.
	record.Outcome = core.OutcomeFailed
	record.FailStage = core.StageExhausted
	reasons := make([]string, 0, len(record.Attempts))
	for _, a := range record.Attempts {
		reasons = append(reasons, fmt.Sprintf("%s: %s(%s)", a.Candidate.Name, a.Stage, a.Err))
	}
	record.Reason = strings.Join(reasons, "; ")
	if errors.Is(ctx.Err(), context.Canceled) {
		record.Reason = core.CodeAcquireCancelled + ": " + record.Reason
	}
	return finish()
}

// candidateResult is one candidate's fate inside a run.
type candidateResult struct {
	core.Attempt
	serverID     string
	capabilities []string
}

// tryCandidate walks one candidate through install → spawn → handshake →
// bind. A spawned server that ends up with no matching binding is stopped
// before moving on.
func (p *Pipeline) tryCandidate(ctx context.Context, candidate core.Candidate, descriptors []core.CapabilityDescriptor, force bool) candidateResult {
	res := candidateResult{Attempt: core.Attempt{Candidate: candidate}}

	// Stage: install.
	installation, err := p.installer.Install(ctx, candidate, force)
	if err != nil {
		res.Stage = core.StageInstall
		res.Err = err.Error()
		return res
	}

	// Stage: spawn (the handshake runs inside StartServer).
	cfg := core.ServerConfig{
		Name:    candidate.Name,
		Command: installation.Run.Command,
		Args:    installation.Run.Args,
		Env:     installation.Run.Env,
		Dir:     installation.Run.Dir,
		Restart: p.restart,
	}
	serverID, err := p.servers.StartServer(ctx, cfg)
	if err != nil {
		stage := core.StageSpawn
		if code := core.CodeOf(err); code == core.CodeInitFailed || code == core.CodeListFailed {
			stage = core.StageHandshake
		}
		res.Stage = stage
		res.Err = err.Error()
		return res
	}

	// Stage: bind.
	tools, err := p.servers.Tools(serverID)
	if err != nil {
		res.Stage = core.StageBind
		res.Err = err.Error()
		_ = p.servers.StopServer(ctx, serverID)
		return res
	}
	bound := p.bindMatches(serverID, tools, descriptors)
	if len(bound) == 0 {
		res.Stage = core.StageBind
		res.Err = "no declared tool satisfies any descriptor"
		_ = p.servers.StopServer(ctx, serverID)
		return res
	}

	res.OK = true
	res.serverID = serverID
	res.capabilities = bound
	return res
}

// bindMatches binds every declared tool that satisfies a descriptor under
// its own name, and each descriptor's kind to its best-matching tool, so
// both tool-name and kind-driven lookups resolve.
func (p *Pipeline) bindMatches(serverID string, tools []core.ToolSpec, descriptors []core.CapabilityDescriptor) []string {
	var bound []string
	bindOne := func(capability, tool string) {
		if err := p.registry.Bind(capability, serverID, tool); err != nil {
			p.logger.Warn("bind failed", map[string]interface{}{
				"capability": capability,
				"server_id":  serverID,
				"error":      err.Error(),
			})
			return
		}
		bound = append(bound, capability)
	}

	for _, desc := range descriptors {
		bestTool := ""
		bestScore := 0.0
		for _, tool := range tools {
			score := matchScore(tool, desc)
			if score <= 0 {
				continue
			}
			bindOne(tool.Name, tool.Name)
			if score > bestScore {
				bestScore = score
				bestTool = tool.Name
			}
		}
		if bestTool != "" && desc.Kind != "" && desc.Kind != bestTool {
			bindOne(desc.Kind, bestTool)
		}
	}
	sort.Strings(bound)
	return dedupeStrings(bound)
}

// matchScore rates how well one declared tool satisfies a descriptor:
// exact kind match outranks any term overlap.
func matchScore(tool core.ToolSpec, desc core.CapabilityDescriptor) float64 {
	if tool.Name == desc.Kind {
		return 2
	}
	tokens := make(map[string]struct{})
	for _, t := range splitTokens(tool.Name) {
		tokens[t] = struct{}{}
	}
	for _, t := range splitTokens(tool.Description) {
		tokens[t] = struct{}{}
	}
	overlap := 0
	for _, term := range desc.SearchTerms {
		if _, ok := tokens[strings.ToLower(strings.TrimSpace(term))]; ok {
			overlap++
		}
	}
	if overlap == 0 && len(desc.SearchTerms) > 0 {
		return 0
	}
	if len(desc.SearchTerms) == 0 {
		return 0
	}
	return float64(overlap) / float64(len(desc.SearchTerms))
}

// allBound reports whether every descriptor kind already resolves, and
// collects the resolved capability names into the record.
func (p *Pipeline) allBound(descriptors []core.CapabilityDescriptor, record *core.AcquisitionRecord) bool {
	var caps []string
	var serverID string
	for _, d := range descriptors {
		binding, ok := p.registry.Resolve(d.Kind)
		if !ok {
			return false
		}
		caps = append(caps, binding.Capability)
		serverID = binding.ServerID
	}
	record.Capabilities = caps
	record.ServerID = serverID
	return true
}

func splitTokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		switch r {
		case '.', '_', '-', '/', ' ', ',', ':':
			return true
		}
		return false
	})
}

func kindsOf(descriptors []core.CapabilityDescriptor) []string {
	kinds := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		kinds = append(kinds, strings.ToLower(d.Kind))
	}
	sort.Strings(kinds)
	return kinds
}

func dedupeByKind(descriptors []core.CapabilityDescriptor) []core.CapabilityDescriptor {
	seen := make(map[string]struct{})
	out := make([]core.CapabilityDescriptor, 0, len(descriptors))
	for _, d := range descriptors {
		k := strings.ToLower(d.Kind)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, d)
	}
	return out
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]struct{})
	out := in[:0]
	for _, s := range in {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// ring is a bounded record history, newest last.
type ring struct {
	records []core.AcquisitionRecord
	max     int
}

func newRing(max int) *ring {
	return &ring{max: max}
}

func (r *ring) append(rec *core.AcquisitionRecord) {
	r.records = append(r.records, *rec)
	if len(r.records) > r.max {
		r.records = r.records[len(r.records)-r.max:]
	}
}

// recent returns up to n records, newest first.
func (r *ring) recent(n int) []core.AcquisitionRecord {
	if n <= 0 || n > len(r.records) {
		n = len(r.records)
	}
	out := make([]core.AcquisitionRecord, 0, n)
	for i := len(r.records) - 1; i >= len(r.records)-n; i-- {
		out = append(out, r.records[i])
	}
	return out
}

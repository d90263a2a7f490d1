// Package capability maps capability names to the (server, tool) pairs
// that serve them and routes invocations through that mapping.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/viable-systems/vsm-mcp-sub004/core"
)

// ServerSource is what the registry needs from the server manager: a view
// of live servers and a way to route one invocation. *mcp.Manager
// implements it.
type ServerSource interface {
	Server(id string) (core.ServerView, bool)
	Servers() []core.ServerView
	InvokeTool(ctx context.Context, serverID, tool string, args map[string]interface{}) (json.RawMessage, error)
}

// Registry is the capability registry and router. One binding per
// capability name; rebinding replaces atomically. The registry listens to
// the event bus and drops every binding of a server the moment it is gone,
// so no binding ever references a stopped server.
type Registry struct {
	source ServerSource
	bus    *core.Bus
	logger core.Logger
	tele   core.Telemetry

	validateArgs bool
	schemas      *schemaCache

	mu       sync.RWMutex
	bindings map[string]core.CapabilityBinding
	byServer map[string]map[string]struct{}

	cancelWatch func()
}

// Option customizes a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l core.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithTelemetry sets the registry telemetry sink.
func WithTelemetry(t core.Telemetry) Option {
	return func(r *Registry) { r.tele = t }
}

// WithArgValidation turns on JSON-Schema validation of invocation
// arguments against the bound tool's declared input schema. Off by
// default: the stock behavior is verbatim pass-through.
func WithArgValidation(enabled bool) Option {
	return func(r *Registry) { r.validateArgs = enabled }
}

// NewRegistry creates a registry over the given server source. When bus is
// non-nil the registry subscribes for server_gone events; call Close to
// unsubscribe.
func NewRegistry(source ServerSource, bus *core.Bus, opts ...Option) *Registry {
	r := &Registry{
		source:   source,
		bus:      bus,
		logger:   &core.NoOpLogger{},
		tele:     &core.NoOpTelemetry{},
		schemas:  newSchemaCache(),
		bindings: make(map[string]core.CapabilityBinding),
		byServer: make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if bus != nil {
		ch, cancel := bus.Subscribe()
		r.cancelWatch = cancel
		go r.watch(ch)
	}
	return r
}

// Close unsubscribes the registry from the event bus.
func (r *Registry) Close() {
	if r.cancelWatch != nil {
		r.cancelWatch()
	}
}

// Bind maps capability to (serverID, tool), replacing any prior binding
// for the same capability atomically. The server must be live; the prior
// server, if different, keeps running (it may serve other capabilities).
func (r *Registry) Bind(capability, serverID, tool string) error {
	if capability == "" || serverID == "" || tool == "" {
		return fmt.Errorf("bind: capability, server id and tool must not be empty: %w", core.ErrInvalidConfiguration)
	}
	view, ok := r.source.Server(serverID)
	if !ok || view.State == core.StateStopped {
		return fmt.Errorf("bind %s: server %s: %w", capability, serverID, core.ErrServerNotFound)
	}

	binding := core.CapabilityBinding{
		Capability: capability,
		ServerID:   serverID,
		Tool:       tool,
		AcquiredAt: time.Now(),
	}

	r.mu.Lock()
	if old, exists := r.bindings[capability]; exists {
		r.dropIndexLocked(old)
	}
	r.bindings[capability] = binding
	if r.byServer[serverID] == nil {
		r.byServer[serverID] = make(map[string]struct{})
	}
	r.byServer[serverID][capability] = struct{}{}
	r.mu.Unlock()

	r.logger.Info("capability bound", map[string]interface{}{
		"capability": capability,
		"server_id":  serverID,
		"tool":       tool,
	})
	r.tele.RecordMetric("capability.bound", 1, map[string]string{"capability": capability})
	if r.bus != nil {
		r.bus.Publish(core.Event{
			Type:       core.EventCapabilityBound,
			Capability: capability,
			ServerID:   serverID,
			Tool:       tool,
		})
	}
	return nil
}

// Unbind removes the binding for capability, if any.
func (r *Registry) Unbind(capability string) {
	r.mu.Lock()
	binding, ok := r.bindings[capability]
	if ok {
		delete(r.bindings, capability)
		r.dropIndexLocked(binding)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.logger.Info("capability unbound", map[string]interface{}{
		"capability": capability,
		"server_id":  binding.ServerID,
	})
	if r.bus != nil {
		r.bus.Publish(core.Event{
			Type:       core.EventCapabilityUnbound,
			Capability: capability,
			ServerID:   binding.ServerID,
			Tool:       binding.Tool,
		})
	}
}

// Resolve returns the binding for capability.
func (r *Registry) Resolve(capability string) (core.CapabilityBinding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[capability]
	return b, ok
}

// List returns a snapshot of all bindings. Order is unspecified; callers
// that need determinism sort the slice.
func (r *Registry) List() []core.CapabilityBinding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.CapabilityBinding, 0, len(r.bindings))
	for _, b := range r.bindings {
		out = append(out, b)
	}
	return out
}

// Invoke resolves capability and routes the call to its server. The
// binding is captured inside the read critical section, so a concurrent
// unbind cannot strand the call between resolve and dispatch.
func (r *Registry) Invoke(ctx context.Context, capability string, args map[string]interface{}) (json.RawMessage, error) {
	r.mu.RLock()
	binding, ok := r.bindings[capability]
	r.mu.RUnlock()
	if !ok {
		return nil, &core.Error{
			Code:    core.CodeNotBound,
			Op:      "capability.Registry.Invoke",
			ID:      capability,
			Message: fmt.Sprintf("capability %q is not bound", capability),
			Err:     core.ErrNotBound,
		}
	}

	if r.validateArgs {
		if err := r.validate(binding, args); err != nil {
			return nil, err
		}
	}

	result, err := r.source.InvokeTool(ctx, binding.ServerID, binding.Tool, args)
	if err != nil {
		return nil, err
	}
	r.tele.RecordMetric("capability.invocations", 1, map[string]string{"capability": capability})
	return result, nil
}

// Refresh re-derives bindings from the live servers' declared tools: for
// each declared tool T on server S, capability T binds to (S, T). Servers
// are scanned earliest-started first, so the earliest server wins a name
// tie. Returns the number of bindings after the refresh.
func (r *Registry) Refresh() int {
	views := r.source.Servers()

	next := make(map[string]core.CapabilityBinding)
	for _, v := range views {
		if !v.State.Serving() {
			continue
		}
		for _, tool := range v.Tools {
			if _, taken := next[tool.Name]; taken {
				continue
			}
			next[tool.Name] = core.CapabilityBinding{
				Capability: tool.Name,
				ServerID:   v.ID,
				Tool:       tool.Name,
				AcquiredAt: time.Now(),
			}
		}
	}

	r.mu.Lock()
	// Rebinds replace; bindings whose capability no longer maps to any
	// declared tool are kept only if their server is still live (they were
	// created by the pipeline under a descriptor kind, not a tool name).
	for name, b := range r.bindings {
		if _, derived := next[name]; derived {
			continue
		}
		if view, ok := r.source.Server(b.ServerID); ok && view.State != core.StateStopped {
			next[name] = b
		}
	}
	r.bindings = next
	r.byServer = make(map[string]map[string]struct{})
	for name, b := range next {
		if r.byServer[b.ServerID] == nil {
			r.byServer[b.ServerID] = make(map[string]struct{})
		}
		r.byServer[b.ServerID][name] = struct{}{}
	}
	count := len(r.bindings)
	r.mu.Unlock()

	r.logger.Info("capability registry refreshed", map[string]interface{}{
		"bindings": count,
		"servers":  len(views),
	})
	return count
}

// RemoveServer drops every binding that references serverID. Called on
// server_gone; bindings and index go in one critical section so there is
// no window in which a resolve yields the dead server.
func (r *Registry) RemoveServer(serverID string) []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.byServer[serverID]))
	for name := range r.byServer[serverID] {
		delete(r.bindings, name)
		names = append(names, name)
	}
	delete(r.byServer, serverID)
	r.mu.Unlock()

	if len(names) > 0 {
		r.logger.Info("bindings removed for gone server", map[string]interface{}{
			"server_id":    serverID,
			"capabilities": names,
		})
		if r.bus != nil {
			for _, name := range names {
				r.bus.Publish(core.Event{
					Type:       core.EventCapabilityUnbound,
					Capability: name,
					ServerID:   serverID,
				})
			}
		}
	}
	r.schemas.dropServer(serverID)
	return names
}

func (r *Registry) dropIndexLocked(b core.CapabilityBinding) {
	if caps := r.byServer[b.ServerID]; caps != nil {
		delete(caps, b.Capability)
		if len(caps) == 0 {
			delete(r.byServer, b.ServerID)
		}
	}
}

func (r *Registry) watch(ch <-chan core.Event) {
	for e := range ch {
		if e.Type == core.EventServerGone {
			r.RemoveServer(e.ServerID)
		}
	}
}

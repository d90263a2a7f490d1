package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/viable-systems/vsm-mcp-sub004/core"
)

// Manager owns the table of live tool servers. Starts and stops for
// different ids run in parallel; the per-server locking inside ToolServer
// serializes operations on the same id. When a server reaches its terminal
// state the manager drops the entry and broadcasts server_gone, which is
// what keeps the capability registry consistent (no binding may reference
// a stopped server).
type Manager struct {
	runtime core.ServerRuntime
	client  clientInfo
	logger  core.Logger
	tele    core.Telemetry
	bus     *core.Bus

	mu      sync.RWMutex
	servers map[string]*ToolServer
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the manager's logger.
func WithManagerLogger(l core.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithManagerTelemetry sets the manager's telemetry sink.
func WithManagerTelemetry(t core.Telemetry) ManagerOption {
	return func(m *Manager) { m.tele = t }
}

// NewManager creates a server manager. clientName/clientVersion are sent
// to every tool server in the initialize handshake.
func NewManager(runtime core.ServerRuntime, clientName, clientVersion string, bus *core.Bus, opts ...ManagerOption) *Manager {
	m := &Manager{
		runtime: runtime,
		client:  clientInfo{Name: clientName, Version: clientVersion},
		logger:  &core.NoOpLogger{},
		tele:    &core.NoOpTelemetry{},
		bus:     bus,
		servers: make(map[string]*ToolServer),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartServer spawns a tool server from cfg, runs the handshake, and
// returns its id once the server is ready. Start failures are tagged with
// the failing stage (spawn, init, list).
func (m *Manager) StartServer(ctx context.Context, cfg core.ServerConfig) (string, error) {
	if cfg.Command == "" {
		return "", fmt.Errorf("start server: command must not be empty: %w", core.ErrInvalidConfiguration)
	}
	id := "srv-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]

	srv := newToolServer(id, cfg, m.runtime, m.client, m.logger, m.tele, m.bus, m.retire)

	m.mu.Lock()
	m.servers[id] = srv
	m.mu.Unlock()

	if err := srv.start(ctx); err != nil {
		m.mu.Lock()
		delete(m.servers, id)
		m.mu.Unlock()
		m.logger.Error("tool server failed to start", map[string]interface{}{
			"server_id": id,
			"name":      cfg.Name,
			"error":     err.Error(),
		})
		return "", err
	}

	m.logger.Info("tool server started", map[string]interface{}{
		"server_id": id,
		"name":      cfg.Name,
		"command":   cfg.Command,
		"tools":     len(srv.Tools()),
	})
	return id, nil
}

// StopServer gracefully stops one server and removes it from the table.
func (m *Manager) StopServer(ctx context.Context, id string) error {
	m.mu.RLock()
	srv, ok := m.servers[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("stop server %s: %w", id, core.ErrServerNotFound)
	}
	return srv.Stop(ctx, 0)
}

// Get returns the live server for id.
func (m *Manager) Get(id string) (*ToolServer, error) {
	m.mu.RLock()
	srv, ok := m.servers[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("server %s: %w", id, core.ErrServerNotFound)
	}
	return srv, nil
}

// List returns a snapshot of every live server, ordered by start time.
func (m *Manager) List() []core.ServerView {
	m.mu.RLock()
	servers := make([]*ToolServer, 0, len(m.servers))
	for _, s := range m.servers {
		servers = append(servers, s)
	}
	m.mu.RUnlock()

	views := make([]core.ServerView, 0, len(servers))
	for _, s := range servers {
		views = append(views, s.View())
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].StartedAt.Equal(views[j].StartedAt) {
			return views[i].ID < views[j].ID
		}
		return views[i].StartedAt.Before(views[j].StartedAt)
	})
	return views
}

// Servers implements the view side of the capability router's server
// source: a start-time-ordered snapshot.
func (m *Manager) Servers() []core.ServerView {
	return m.List()
}

// Server returns the view for one id.
func (m *Manager) Server(id string) (core.ServerView, bool) {
	m.mu.RLock()
	srv, ok := m.servers[id]
	m.mu.RUnlock()
	if !ok {
		return core.ServerView{}, false
	}
	return srv.View(), true
}

// InvokeTool routes one tool invocation to the server that owns it.
func (m *Manager) InvokeTool(ctx context.Context, serverID, tool string, args map[string]interface{}) (json.RawMessage, error) {
	srv, err := m.Get(serverID)
	if err != nil {
		return nil, err
	}
	return srv.Invoke(ctx, tool, args)
}

// Tools returns the declared tool set of one server.
func (m *Manager) Tools(id string) ([]core.ToolSpec, error) {
	srv, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return srv.Tools(), nil
}

// StopAll stops every server, in parallel, waiting up to grace each.
func (m *Manager) StopAll(ctx context.Context, grace time.Duration) {
	m.mu.RLock()
	servers := make([]*ToolServer, 0, len(m.servers))
	for _, s := range m.servers {
		servers = append(servers, s)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(s *ToolServer) {
			defer wg.Done()
			if err := s.Stop(ctx, grace); err != nil {
				m.logger.Warn("stop failed during shutdown", map[string]interface{}{
					"server_id": s.ID(),
					"error":     err.Error(),
				})
			}
		}(srv)
	}
	wg.Wait()
}

// retire is the terminal callback every server gets: drop the table entry
// and broadcast server_gone so downstream consumers unbind. Ids are never
// reused, so server_gone cannot race a new binding for the same id.
func (m *Manager) retire(id string) {
	m.mu.Lock()
	srv, ok := m.servers[id]
	if ok {
		delete(m.servers, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.logger.Info("tool server gone", map[string]interface{}{
		"server_id": id,
		"name":      srv.cfg.Name,
	})
	if m.bus != nil {
		m.bus.Publish(core.Event{Type: core.EventServerGone, ServerID: id, ServerName: srv.cfg.Name})
	}
}

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/viable-systems/vsm-mcp-sub004/core"
	"github.com/viable-systems/vsm-mcp-sub004/resilience"
)

// ToolServer owns one tool-server child process: spawn, handshake, health
// probing, restart with backoff, graceful stop. The server id survives
// restarts; only a permanent stop retires it.
//
// State machine:
//
//	starting → initializing → ready ⇄ degraded
//	                                      ↘ restarting → initializing (loop)
//	ready, degraded, restarting → stopping → stopped
//	(any) → stopped (on policy-denied restart)
type ToolServer struct {
	id      string
	cfg     core.ServerConfig
	runtime core.ServerRuntime
	client  clientInfo

	logger core.Logger
	tele   core.Telemetry
	bus    *core.Bus

	// onTerminal fires once when the server reaches stopped for good; the
	// manager uses it to drop the entry and broadcast server_gone.
	onTerminal func(id string)

	mu           sync.Mutex
	state        core.ServerState
	proc         process
	tr           *Transport
	stderr       *stderrBuffer
	tools        []core.ToolSpec
	frozen       bool
	startedAt    time.Time
	readyAt      time.Time
	lastHealth   time.Time
	consecFails  int
	restartTimes []time.Time
	totalRestart int
	restarting   bool
	lastErr      string

	stopOnce sync.Once
	stopCh   chan struct{}
	termOnce sync.Once
}

func newToolServer(id string, cfg core.ServerConfig, runtime core.ServerRuntime, client clientInfo, logger core.Logger, tele core.Telemetry, bus *core.Bus, onTerminal func(string)) *ToolServer {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if tele == nil {
		tele = &core.NoOpTelemetry{}
	}
	if cfg.Restart.MaxRestarts == 0 && cfg.Restart.Window == 0 {
		cfg.Restart = runtime.Restart
	}
	return &ToolServer{
		id:         id,
		cfg:        cfg,
		runtime:    runtime,
		client:     client,
		logger:     logger,
		tele:       tele,
		bus:        bus,
		onTerminal: onTerminal,
		state:      core.StateStarting,
		startedAt:  time.Now(),
		stopCh:     make(chan struct{}),
	}
}

// ID returns the server's identity. Ids are never reused.
func (s *ToolServer) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *ToolServer) State() core.ServerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Tools returns a copy of the declared tool set.
func (s *ToolServer) Tools() []core.ToolSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.ToolSpec, len(s.tools))
	copy(out, s.tools)
	return out
}

// View snapshots the server for callers outside the lock.
func (s *ToolServer) View() core.ServerView {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := core.ServerView{
		ID:        s.id,
		Name:      s.cfg.Name,
		State:     s.state,
		Tools:     make([]core.ToolSpec, len(s.tools)),
		StartedAt: s.startedAt,
		ReadyAt:   s.readyAt,
		Restarts:  s.totalRestart,
		LastError: s.lastErr,
	}
	copy(v.Tools, s.tools)
	return v
}

// StderrTail returns the last few kilobytes of the child's stderr.
func (s *ToolServer) StderrTail() string {
	s.mu.Lock()
	buf := s.stderr
	s.mu.Unlock()
	if buf == nil {
		return ""
	}
	return buf.Tail()
}

// start spawns the child and runs the handshake. On any failure the child
// is killed, the state is stopped, and the error names the failing stage.
func (s *ToolServer) start(ctx context.Context) error {
	s.publish(core.EventServerStarted)
	if err := s.launch(ctx); err != nil {
		s.mu.Lock()
		s.state = core.StateStopped
		s.lastErr = err.Error()
		s.mu.Unlock()
		return err
	}
	go s.healthLoop()
	return nil
}

// launch does one spawn → initialize → tools/list cycle. Used for both the
// first start and every restart.
func (s *ToolServer) launch(ctx context.Context) error {
	proc, err := startProc(s.cfg)
	if err != nil {
		return core.NewError(core.CodeSpawnFailed, "mcp.ToolServer.start", err)
	}

	stderr := newStderrBuffer(4 * 1024)
	go stderr.drain(proc.Stderr(), s.logger, s.id)

	tr := NewTransport(proc.Stdin(), proc.Stdout(),
		WithOnClose(s.onTransportClosed),
		WithTransportLogger(s.logger),
	)

	s.mu.Lock()
	s.proc = proc
	s.tr = tr
	s.stderr = stderr
	s.state = core.StateInitializing
	s.mu.Unlock()

	initCtx, cancel := context.WithTimeout(ctx, s.runtime.InitTimeout)
	defer cancel()
	if _, err := tr.Call(initCtx, methodInitialize, initializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      s.client,
	}); err != nil {
		s.teardownChild(proc, tr)
		return core.NewError(core.CodeInitFailed, "mcp.ToolServer.start", err)
	}

	listCtx, cancel2 := context.WithTimeout(ctx, s.runtime.InitTimeout)
	defer cancel2()
	raw, err := tr.Call(listCtx, methodToolsList, nil)
	if err != nil {
		s.teardownChild(proc, tr)
		return core.NewError(core.CodeListFailed, "mcp.ToolServer.start", err)
	}
	var listed toolsListResult
	if err := json.Unmarshal(raw, &listed); err != nil {
		s.teardownChild(proc, tr)
		return core.NewError(core.CodeListFailed, "mcp.ToolServer.start", err)
	}

	s.mu.Lock()
	next := core.StateReady
	if !s.frozen {
		// First successful tools/list freezes the declared set.
		s.tools = listed.Tools
		s.frozen = true
	} else if !sameToolNames(s.tools, listed.Tools) {
		// A restarted server that advertises a different tool set keeps
		// running but is flagged; the frozen declaration stays.
		next = core.StateDegraded
	}
	s.state = next
	s.readyAt = time.Now()
	s.consecFails = 0
	s.mu.Unlock()

	if next == core.StateDegraded {
		s.logger.Warn("tool set changed across restart", map[string]interface{}{
			"server_id": s.id,
			"declared":  len(s.tools),
			"reported":  len(listed.Tools),
		})
		s.publish(core.EventServerDegraded)
	} else {
		s.publish(core.EventServerReady)
	}
	s.tele.RecordMetric("mcp.server.ready", 1, map[string]string{"server": s.cfg.Name})
	return nil
}

func (s *ToolServer) teardownChild(proc process, tr *Transport) {
	tr.Close()
	_ = proc.Kill()
	_ = proc.Wait()
}

// Invoke calls one declared tool. Undeclared tools fail with unknown_tool
// without touching the wire; server-side errors keep their verbatim code
// and payload.
func (s *ToolServer) Invoke(ctx context.Context, tool string, args map[string]interface{}) (json.RawMessage, error) {
	s.mu.Lock()
	state := s.state
	tr := s.tr
	declared := false
	for _, t := range s.tools {
		if t.Name == tool {
			declared = true
			break
		}
	}
	s.mu.Unlock()

	if !state.Serving() || tr == nil {
		return nil, core.NewError(core.CodeServerError, "mcp.ToolServer.Invoke",
			fmt.Errorf("server %s is %s: %w", s.id, state, core.ErrServerStopped))
	}
	if !declared {
		return nil, &core.Error{
			Code:    core.CodeUnknownTool,
			Op:      "mcp.ToolServer.Invoke",
			ID:      s.id,
			Message: fmt.Sprintf("tool %q is not declared by server %s", tool, s.id),
			Err:     core.ErrUnknownTool,
		}
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.runtime.CallTimeout)
		defer cancel()
	}

	result, err := tr.Call(ctx, methodToolsCall, toolCallParams{Name: tool, Arguments: args})
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return nil, &core.Error{
				Code:    core.CodeServerError,
				Op:      "mcp.ToolServer.Invoke",
				ID:      s.id,
				Message: rpcErr.Message,
				Data:    rpcErr.Data,
				Err:     rpcErr,
			}
		}
		return nil, err
	}
	s.tele.RecordMetric("mcp.server.invocations", 1, map[string]string{"server": s.cfg.Name, "tool": tool})
	return result, nil
}

// Health runs one lightweight probe (tools/list) against the server.
func (s *ToolServer) Health(ctx context.Context) error {
	s.mu.Lock()
	tr := s.tr
	state := s.state
	s.mu.Unlock()

	if !state.Serving() || tr == nil {
		return fmt.Errorf("server %s is %s: %w", s.id, state, core.ErrServerStopped)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.runtime.CallTimeout)
		defer cancel()
	}
	raw, err := tr.Call(ctx, methodToolsList, nil)
	if err != nil {
		return err
	}
	var listed toolsListResult
	if err := json.Unmarshal(raw, &listed); err != nil {
		return fmt.Errorf("health probe: %w", core.ErrMalformedMessage)
	}

	s.mu.Lock()
	s.lastHealth = time.Now()
	s.consecFails = 0
	s.mu.Unlock()
	return nil
}

// healthLoop probes the server every HealthInterval. A failed probe kills
// the child, which funnels recovery through the single restart path.
func (s *ToolServer) healthLoop() {
	interval := s.runtime.HealthInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		serving := s.state.Serving()
		proc := s.proc
		tr := s.tr
		s.mu.Unlock()
		if !serving {
			continue
		}

		if err := s.Health(context.Background()); err != nil {
			s.mu.Lock()
			s.consecFails++
			fails := s.consecFails
			s.lastErr = err.Error()
			s.mu.Unlock()
			s.logger.Warn("health probe failed", map[string]interface{}{
				"server_id": s.id,
				"failures":  fails,
				"error":     err.Error(),
			})
			// Kill the child; the transport close drives the restart policy.
			if proc != nil {
				_ = proc.Kill()
			}
			if tr != nil {
				tr.Close()
			}
		}
	}
}

// onTransportClosed fires when stdout hits EOF or a write fails: the child
// crashed or was killed. During a deliberate stop it is a no-op.
func (s *ToolServer) onTransportClosed(cause error) {
	s.mu.Lock()
	// Only a serving server recovers here. Handshake failures are returned
	// synchronously to the caller, and deliberate stops are not crashes.
	if !s.state.Serving() || s.restarting {
		s.mu.Unlock()
		return
	}
	s.restarting = true
	if cause != nil {
		s.lastErr = cause.Error()
	}
	proc := s.proc
	s.mu.Unlock()

	if proc != nil {
		// Reap the dead child so it does not linger as a zombie.
		go func() { _ = proc.Wait() }()
	}
	go s.restartLoop()
}

// restartLoop brings the child back with exponential backoff, bounded by
// the rolling restart window. Exhausting the budget stops the server for
// good and retires its id.
func (s *ToolServer) restartLoop() {
	defer func() {
		s.mu.Lock()
		s.restarting = false
		s.mu.Unlock()
	}()

	for {
		s.mu.Lock()
		if s.state == core.StateStopping || s.state == core.StateStopped {
			s.mu.Unlock()
			return
		}
		now := time.Now()
		kept := s.restartTimes[:0]
		for _, t := range s.restartTimes {
			if now.Sub(t) < s.cfg.Restart.Window {
				kept = append(kept, t)
			}
		}
		s.restartTimes = kept
		if len(s.restartTimes) >= s.cfg.Restart.MaxRestarts {
			s.mu.Unlock()
			s.exhaust()
			return
		}
		s.restartTimes = append(s.restartTimes, now)
		s.totalRestart++
		attempt := len(s.restartTimes)
		s.state = core.StateRestarting
		s.mu.Unlock()

		s.publish(core.EventServerRestarting)
		s.tele.RecordMetric("mcp.server.restarts", 1, map[string]string{"server": s.cfg.Name})

		delay := resilience.Backoff(attempt, s.cfg.Restart.InitialDelay, s.cfg.Restart.BackoffFactor, s.cfg.Restart.MaxDelay)
		select {
		case <-s.stopCh:
			return
		case <-time.After(delay):
		}

		err := s.launch(context.Background())
		if err == nil {
			return
		}
		s.logger.Warn("restart attempt failed", map[string]interface{}{
			"server_id": s.id,
			"attempt":   attempt,
			"error":     err.Error(),
		})
	}
}

// exhaust retires the server after the restart budget is spent.
func (s *ToolServer) exhaust() {
	s.mu.Lock()
	s.state = core.StateStopped
	s.lastErr = core.CodeRestartExhausted
	proc := s.proc
	tr := s.tr
	s.mu.Unlock()

	s.logger.Error("restart budget exhausted, stopping permanently", map[string]interface{}{
		"server_id":    s.id,
		"max_restarts": s.cfg.Restart.MaxRestarts,
		"window":       s.cfg.Restart.Window.String(),
	})
	if tr != nil {
		tr.Close()
	}
	if proc != nil {
		_ = proc.Kill()
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
	if s.bus != nil {
		s.bus.Publish(core.Event{
			Type:       core.EventServerStopped,
			ServerID:   s.id,
			ServerName: s.cfg.Name,
			Err:        core.CodeRestartExhausted,
		})
	}
	s.terminal()
}

// Stop shuts the server down: best-effort shutdown notification, close
// stdin, wait up to grace for the child to exit, then kill. All pending
// invocations fail with transport_closed.
func (s *ToolServer) Stop(ctx context.Context, grace time.Duration) error {
	if grace <= 0 {
		grace = s.runtime.StopGrace
	}

	s.mu.Lock()
	if s.state == core.StateStopped {
		s.mu.Unlock()
		return nil
	}
	s.state = core.StateStopping
	proc := s.proc
	tr := s.tr
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stopCh) })

	if tr != nil && tr.Alive() {
		_ = tr.Notify(methodShutdown, nil)
	}
	if proc != nil {
		_ = proc.Stdin().Close()

		done := make(chan error, 1)
		go func() { done <- proc.Wait() }()
		select {
		case <-done:
		case <-time.After(grace):
			s.logger.Warn("child did not exit in grace period, killing", map[string]interface{}{
				"server_id": s.id,
				"grace":     grace.String(),
			})
			_ = proc.Kill()
			<-done
		case <-ctx.Done():
			_ = proc.Kill()
			<-done
		}
	}
	if tr != nil {
		tr.Close()
	}

	s.mu.Lock()
	s.state = core.StateStopped
	s.mu.Unlock()
	s.publish(core.EventServerStopped)
	s.terminal()
	return nil
}

func (s *ToolServer) terminal() {
	s.termOnce.Do(func() {
		if s.onTerminal != nil {
			s.onTerminal(s.id)
		}
	})
}

func (s *ToolServer) publish(t core.EventType) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(core.Event{Type: t, ServerID: s.id, ServerName: s.cfg.Name})
}

func sameToolNames(a, b []core.ToolSpec) bool {
	if len(a) != len(b) {
		return false
	}
	na := make([]string, len(a))
	nb := make([]string, len(b))
	for i := range a {
		na[i] = a[i].Name
		nb[i] = b[i].Name
	}
	sort.Strings(na)
	sort.Strings(nb)
	return strings.Join(na, ",") == strings.Join(nb, ",")
}

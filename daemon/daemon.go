// Package daemon runs the control loop: tick, measure the variety gap,
// and trigger acquisition when the ratio drops below threshold. External
// callers can inject gaps directly; lifecycle events from the server
// manager are consumed advisorily.
package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/viable-systems/vsm-mcp-sub004/acquisition"
	"github.com/viable-systems/vsm-mcp-sub004/core"
)

// Reporter is the slice of the variety collector the daemon uses.
type Reporter interface {
	Report(ctx context.Context) core.VarietyReport
	Project(report core.VarietyReport) []core.CapabilityDescriptor
}

// Acquirer is the slice of the acquisition pipeline the daemon uses.
type Acquirer interface {
	Acquire(ctx context.Context, descriptors []core.CapabilityDescriptor, opts acquisition.Options) (*core.AcquisitionRecord, error)
	InFlight() []string
}

// ServerLister feeds the status composition.
type ServerLister interface {
	List() []core.ServerView
}

// Config tunes the control loop.
type Config struct {
	Interval      time.Duration
	Threshold     float64
	MaxConcurrent int
	QueueDepth    int
	ShutdownGrace time.Duration
}

// Status is the composed report served by the control surface.
type Status struct {
	Report       core.VarietyReport `json:"report"`
	Servers      []core.ServerView  `json:"servers"`
	InFlight     []string           `json:"in_flight"`
	Degraded     bool               `json:"degraded"`
	TickCount    uint64             `json:"tick_count"`
	LastTickAt   time.Time          `json:"last_tick_at,omitempty"`
	QueueDropped uint64             `json:"queue_dropped"`
}

// Daemon is the variety-gap control loop.
type Daemon struct {
	cfg      Config
	reporter Reporter
	acquirer Acquirer
	servers  ServerLister
	bus      *core.Bus
	logger   core.Logger
	tele     core.Telemetry

	queue chan []core.CapabilityDescriptor
	sem   chan struct{}

	mu           sync.Mutex
	running      bool
	cancel       context.CancelFunc
	lastReport   core.VarietyReport
	tickCount    uint64
	lastTickAt   time.Time
	failStreak   int
	failSince    time.Time
	degraded     bool
	queueDropped uint64
	wg           sync.WaitGroup
	acquireWG    sync.WaitGroup
}

// Option customizes a Daemon.
type Option func(*Daemon)

// WithLogger sets the daemon logger.
func WithLogger(l core.Logger) Option {
	return func(d *Daemon) { d.logger = l }
}

// WithTelemetry sets the telemetry sink.
func WithTelemetry(t core.Telemetry) Option {
	return func(d *Daemon) { d.tele = t }
}

// New wires the control loop. bus may be nil; when present the daemon
// consumes lifecycle events advisorily (logged, nothing more).
func New(cfg Config, reporter Reporter, acquirer Acquirer, servers ServerLister, bus *core.Bus, opts ...Option) *Daemon {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.85
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 16
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 15 * time.Second
	}
	d := &Daemon{
		cfg:      cfg,
		reporter: reporter,
		acquirer: acquirer,
		servers:  servers,
		bus:      bus,
		logger:   &core.NoOpLogger{},
		tele:     &core.NoOpTelemetry{},
		queue:    make(chan []core.CapabilityDescriptor, cfg.QueueDepth),
		sem:      make(chan struct{}, cfg.MaxConcurrent),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the loop. Returns ErrAlreadyStarted when running.
func (d *Daemon) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return core.ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.running = true

	d.wg.Add(2)
	go d.loop(ctx)
	go d.drainQueue(ctx)
	if d.bus != nil {
		events, cancelSub := d.bus.Subscribe()
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer cancelSub()
			for {
				select {
				case <-ctx.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					d.logger.Debug("lifecycle event", map[string]interface{}{
						"type":      string(e.Type),
						"server_id": e.ServerID,
					})
				}
			}
		}()
	}
	d.logger.Info("control loop started", map[string]interface{}{
		"interval":  d.cfg.Interval.String(),
		"threshold": d.cfg.Threshold,
	})
	return nil
}

// Stop shuts the loop down: the ticker stops, new injects are rejected,
// in-flight acquisitions get the shutdown grace, then the call returns.
// Stopping the tool servers is the caller's job (via the manager), after
// Stop returns.
func (d *Daemon) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	cancel := d.cancel
	d.mu.Unlock()

	cancel()
	d.wg.Wait()

	// Give in-flight acquisitions the grace period.
	done := make(chan struct{})
	go func() {
		d.acquireWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d.cfg.ShutdownGrace):
		d.logger.Warn("shutdown grace elapsed with acquisitions in flight", nil)
	}
	d.logger.Info("control loop stopped", nil)
}

// Inject bypasses the calculator and schedules acquisition for the given
// descriptors immediately. Returns false when the daemon is not running
// or the queue is full.
func (d *Daemon) Inject(descriptors []core.CapabilityDescriptor) bool {
	d.mu.Lock()
	running := d.running
	d.mu.Unlock()
	if !running || len(descriptors) == 0 {
		return false
	}
	return d.enqueue(descriptors)
}

// Status composes the variety report, server list, and in-flight kinds.
func (d *Daemon) Status() Status {
	d.mu.Lock()
	report := d.lastReport
	degraded := d.degraded
	ticks := d.tickCount
	lastTick := d.lastTickAt
	dropped := d.queueDropped
	d.mu.Unlock()

	var views []core.ServerView
	if d.servers != nil {
		views = d.servers.List()
	}
	return Status{
		Report:       report,
		Servers:      views,
		InFlight:     d.acquirer.InFlight(),
		Degraded:     degraded,
		TickCount:    ticks,
		LastTickAt:   lastTick,
		QueueDropped: dropped,
	}
}

func (d *Daemon) loop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	// One immediate tick so a fresh controller does not idle a full
	// interval before its first measurement.
	d.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

// tick measures the gap and, below threshold, schedules acquisition for
// the projected descriptors. Never blocks callers and never surfaces a
// failure; repeated failures only raise the advisory degraded flag.
func (d *Daemon) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.noteTickFailure("tick panicked", map[string]interface{}{"panic": r})
		}
	}()

	report := d.reporter.Report(ctx)

	d.mu.Lock()
	d.lastReport = report
	d.tickCount++
	d.lastTickAt = time.Now()
	d.mu.Unlock()

	d.tele.RecordMetric("daemon.variety_ratio", report.Ratio, nil)
	d.tele.RecordMetric("daemon.variety_gap", report.AbsoluteGap, nil)

	if report.Ratio >= d.cfg.Threshold {
		// Requisite variety: metrics only, no side effects.
		d.clearTickFailure()
		d.logger.Debug("variety sufficient", map[string]interface{}{
			"ratio":     report.Ratio,
			"threshold": d.cfg.Threshold,
		})
		return
	}

	descriptors := d.reporter.Project(report)
	if len(descriptors) == 0 {
		d.clearTickFailure()
		return
	}
	d.logger.Info("variety gap detected", map[string]interface{}{
		"ratio":          report.Ratio,
		"gap":            report.AbsoluteGap,
		"critical_areas": report.CriticalAreas,
	})
	if d.bus != nil {
		d.bus.Publish(core.Event{Type: core.EventGapDetected, Report: &report})
	}
	d.enqueue(descriptors)
	d.clearTickFailure()
}

// enqueue hands descriptors to the bounded queue; overflow is dropped
// with a warning rather than growing without bound.
func (d *Daemon) enqueue(descriptors []core.CapabilityDescriptor) bool {
	select {
	case d.queue <- descriptors:
		return true
	default:
		d.mu.Lock()
		d.queueDropped++
		d.mu.Unlock()
		d.logger.Warn("acquisition queue full, dropping request", map[string]interface{}{
			"descriptors": len(descriptors),
			"depth":       cap(d.queue),
		})
		return false
	}
}

// drainQueue moves queued descriptor sets into acquisition runs, bounded
// by MaxConcurrent.
func (d *Daemon) drainQueue(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case descriptors := <-d.queue:
			select {
			case d.sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			d.acquireWG.Add(1)
			go func(ds []core.CapabilityDescriptor) {
				defer d.acquireWG.Done()
				defer func() { <-d.sem }()
				// The run keeps its own timeout; daemon shutdown does not
				// cancel it mid-stage, the grace period covers it.
				record, err := d.acquirer.Acquire(context.Background(), ds, acquisition.Options{})
				if err != nil {
					d.noteTickFailure("acquisition failed", map[string]interface{}{"error": err.Error()})
					return
				}
				if record.Outcome == core.OutcomeFailed {
					d.logger.Warn("acquisition completed with failure", map[string]interface{}{
						"acquisition_id": record.ID,
						"stage":          string(record.FailStage),
						"reason":         record.Reason,
					})
					return
				}
				d.logger.Info("acquisition completed", map[string]interface{}{
					"acquisition_id": record.ID,
					"server_id":      record.ServerID,
					"capabilities":   record.Capabilities,
				})
			}(descriptors)
		}
	}
}

// noteTickFailure counts consecutive failures; a streak older than the
// tick interval raises the advisory degraded flag. The loop never stops.
func (d *Daemon) noteTickFailure(msg string, fields map[string]interface{}) {
	d.mu.Lock()
	d.failStreak++
	if d.failStreak == 1 {
		d.failSince = time.Now()
	}
	if d.failStreak >= 3 && time.Since(d.failSince) >= d.cfg.Interval {
		d.degraded = true
	}
	d.mu.Unlock()
	d.logger.Error(msg, fields)
}

func (d *Daemon) clearTickFailure() {
	d.mu.Lock()
	d.failStreak = 0
	d.degraded = false
	d.mu.Unlock()
}

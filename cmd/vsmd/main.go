// Command vsmd runs the capability controller: the variety control loop,
// the tool-server manager, and the HTTP control surface.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	vsm "github.com/viable-systems/vsm-mcp-sub004"
	"github.com/viable-systems/vsm-mcp-sub004/acquisition"
	"github.com/viable-systems/vsm-mcp-sub004/capability"
	"github.com/viable-systems/vsm-mcp-sub004/core"
	"github.com/viable-systems/vsm-mcp-sub004/daemon"
	"github.com/viable-systems/vsm-mcp-sub004/discovery"
	"github.com/viable-systems/vsm-mcp-sub004/httpapi"
	"github.com/viable-systems/vsm-mcp-sub004/install"
	"github.com/viable-systems/vsm-mcp-sub004/mcp"
	"github.com/viable-systems/vsm-mcp-sub004/telemetry"
	"github.com/viable-systems/vsm-mcp-sub004/variety"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vsmd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := core.NewConfig()
	if err != nil {
		return err
	}

	logger := core.NewStdLogger(os.Stderr, core.ParseLogLevel(cfg.Logging.Level), cfg.Dev.PrettyLogs)
	logger.Info("starting controller", map[string]interface{}{
		"name":    cfg.Name,
		"version": vsm.Version,
		"port":    cfg.Port,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var tele core.Telemetry = &core.NoOpTelemetry{}
	if cfg.Telemetry.Enabled || cfg.Dev.Enabled {
		provider, err := telemetry.NewOTelProvider(ctx, telemetry.Options{
			ServiceName: cfg.Telemetry.ServiceName,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Stdout:      cfg.Dev.Enabled && cfg.Telemetry.Endpoint == "",
		})
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := provider.Shutdown(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown failed", map[string]interface{}{"error": err.Error()})
			}
		}()
		tele = provider
	}

	bus := core.NewBus(64, logger)
	defer bus.Close()

	manager := mcp.NewManager(cfg.Server, cfg.Name, vsm.Version, bus,
		mcp.WithManagerLogger(logger.With(map[string]interface{}{"component": "mcp"})),
		mcp.WithManagerTelemetry(tele),
	)

	registry := capability.NewRegistry(manager, bus,
		capability.WithLogger(logger.With(map[string]interface{}{"component": "capability"})),
		capability.WithTelemetry(tele),
		capability.WithArgValidation(cfg.Capability.ValidateArgs),
	)
	defer registry.Close()

	catalogs := make([]discovery.Catalog, 0, len(cfg.Discovery.Catalogs)+1)
	for _, cat := range cfg.Discovery.Catalogs {
		catalogs = append(catalogs, discovery.NewHTTPCatalog(cat.Name, cat.URL, cfg.Discovery.HTTPTimeout))
	}
	if cfg.Discovery.LLM.Enabled && cfg.Discovery.LLM.APIKey != "" {
		llm, err := discovery.NewLLMCatalog(cfg.Discovery.LLM.APIKey, cfg.Discovery.LLM.Model,
			cfg.Discovery.LLM.MaxTokens, logger.With(map[string]interface{}{"component": "discovery"}))
		if err != nil {
			logger.Warn("llm catalog disabled", map[string]interface{}{"error": err.Error()})
		} else {
			catalogs = append(catalogs, llm)
		}
	}

	discoveryOpts := []discovery.ServiceOption{
		discovery.WithServiceLogger(logger.With(map[string]interface{}{"component": "discovery"})),
		discovery.WithServiceTelemetry(tele),
		discovery.WithMarker(cfg.Discovery.Marker),
		discovery.WithOfficialPrefix(cfg.Discovery.OfficialPrefix),
		discovery.WithMaxParallel(cfg.Discovery.MaxParallel),
		discovery.WithAliases(cfg.Discovery.Aliases),
	}
	if cfg.Discovery.RedisURL != "" {
		cache, err := discovery.NewRedisCache(ctx, cfg.Discovery.RedisURL)
		if err != nil {
			// Fall back to the in-process cache rather than refusing to start.
			logger.Warn("redis cache unavailable, using in-memory cache", map[string]interface{}{"error": err.Error()})
		} else {
			defer cache.Close()
			discoveryOpts = append(discoveryOpts, discovery.WithCache(cache))
		}
	}
	discoverer := discovery.NewService(catalogs, cfg.Discovery.CacheTTL, discoveryOpts...)

	installer := install.New(cfg.Install.Root,
		install.WithCommandTimeout(cfg.Install.CommandTimeout),
		install.WithLogger(logger.With(map[string]interface{}{"component": "install"})),
	)

	pipeline := acquisition.NewPipeline(discoverer, installer, manager, registry,
		acquisition.WithTopK(cfg.Acquire.TopK),
		acquisition.WithTimeout(cfg.Acquire.Timeout),
		acquisition.WithHistory(cfg.Acquire.History),
		acquisition.WithRestartPolicy(cfg.Server.Restart),
		acquisition.WithLogger(logger.With(map[string]interface{}{"component": "acquisition"})),
		acquisition.WithTelemetry(tele),
		acquisition.WithBus(bus),
	)

	rules := variety.DefaultRules()
	if len(cfg.Variety.Rules) > 0 {
		rules = variety.RulesFromConfig(cfg.Variety.Rules)
	}
	calcOpts := []variety.Option{variety.WithRules(rules)}
	if len(cfg.Variety.Weights) > 0 {
		calcOpts = append(calcOpts, variety.WithWeights(cfg.Variety.Weights))
	}
	if len(cfg.Variety.EnvironmentWeights) > 0 {
		calcOpts = append(calcOpts, variety.WithEnvironmentWeights(cfg.Variety.EnvironmentWeights))
	}
	if len(cfg.Variety.Projection) > 0 {
		calcOpts = append(calcOpts, variety.WithProjection(cfg.Variety.Projection))
	}
	calc := variety.NewCalculator(calcOpts...)

	envSource := variety.NewStaticSource(variety.EnvironmentSnapshot{})
	probes := variety.SelfProbes(manager, registry, len(catalogs), len(rules))
	collector := variety.NewCollector(calc, probes, envSource,
		logger.With(map[string]interface{}{"component": "variety"}))

	loop := daemon.New(daemon.Config{
		Interval:      cfg.Daemon.Interval,
		Threshold:     cfg.Daemon.Threshold,
		MaxConcurrent: cfg.Daemon.MaxConcurrent,
		QueueDepth:    cfg.Daemon.QueueDepth,
		ShutdownGrace: cfg.Daemon.ShutdownGrace,
	}, collector, pipeline, manager, bus,
		daemon.WithLogger(logger.With(map[string]interface{}{"component": "daemon"})),
		daemon.WithTelemetry(tele),
	)
	if err := loop.Start(); err != nil {
		return fmt.Errorf("control loop: %w", err)
	}

	api := httpapi.New(registry, manager, pipeline, loop, envSource,
		httpapi.WithLogger(logger.With(map[string]interface{}{"component": "httpapi"})),
	)

	err = api.Start(ctx, fmt.Sprintf(":%d", cfg.Port), cfg.HTTP)

	// Orderly teardown: stop the loop first so nothing schedules new work,
	// then stop the tool servers.
	loop.Stop()
	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.StopGrace+5*time.Second)
	defer cancel()
	manager.StopAll(stopCtx, cfg.Server.StopGrace)

	logger.Info("controller stopped", nil)
	return err
}

package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the controller. It supports
// three-layer priority:
//  1. Default values (lowest priority)
//  2. YAML config file (CONFIG_FILE)
//  3. Environment variables
//  4. Functional options (highest priority)
//
// Example usage:
//
//	cfg, err := core.NewConfig(
//	    core.WithName("vsm-controller"),
//	    core.WithThreshold(0.9),
//	)
type Config struct {
	// Core identity
	Name string `json:"name" yaml:"name"`
	Port int    `json:"port" yaml:"port" env:"PORT" default:"8080"`

	Daemon     DaemonConfig     `json:"daemon" yaml:"daemon"`
	Acquire    AcquireConfig    `json:"acquire" yaml:"acquire"`
	Discovery  DiscoveryConfig  `json:"discovery" yaml:"discovery"`
	Install    InstallConfig    `json:"install" yaml:"install"`
	Server     ServerRuntime    `json:"server" yaml:"server"`
	Capability CapabilityConfig `json:"capability" yaml:"capability"`
	Variety    VarietyConfig    `json:"variety" yaml:"variety"`
	HTTP       HTTPConfig       `json:"http" yaml:"http"`
	Telemetry  TelemetryConfig  `json:"telemetry" yaml:"telemetry"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
	Dev        DevConfig        `json:"development" yaml:"development"`
}

// DaemonConfig drives the control loop.
type DaemonConfig struct {
	Interval      time.Duration `json:"interval" yaml:"interval" env:"ACQUIRE_INTERVAL_MS" default:"30000ms"`
	Threshold     float64       `json:"threshold" yaml:"threshold" env:"VARIETY_THRESHOLD" default:"0.85"`
	MaxConcurrent int           `json:"max_concurrent" yaml:"max_concurrent" env:"MAX_CONCURRENT_ACQUISITIONS" default:"3"`
	QueueDepth    int           `json:"queue_depth" yaml:"queue_depth" default:"16"`
	ShutdownGrace time.Duration `json:"shutdown_grace" yaml:"shutdown_grace" default:"15s"`
}

// AcquireConfig bounds the acquisition pipeline.
type AcquireConfig struct {
	Timeout time.Duration `json:"timeout" yaml:"timeout" env:"ACQUIRE_TIMEOUT_MS" default:"120000ms"`
	TopK    int           `json:"top_k" yaml:"top_k" default:"3"`
	History int           `json:"history" yaml:"history" default:"128"`
}

// CatalogConfig names one package catalog endpoint.
type CatalogConfig struct {
	Name string `json:"name" yaml:"name"`
	URL  string `json:"url" yaml:"url"`
}

// LLMConfig enables the optional model-backed catalog.
type LLMConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	APIKey    string `json:"-" yaml:"-" env:"ANTHROPIC_API_KEY"`
	Model     string `json:"model" yaml:"model" default:"claude-3-5-haiku-latest"`
	MaxTokens int    `json:"max_tokens" yaml:"max_tokens" default:"1024"`
}

// DiscoveryConfig drives candidate discovery.
type DiscoveryConfig struct {
	Catalogs       []CatalogConfig     `json:"catalogs" yaml:"catalogs"`
	HTTPTimeout    time.Duration       `json:"http_timeout" yaml:"http_timeout" env:"HTTP_TIMEOUT_MS" default:"10000ms"`
	CacheTTL       time.Duration       `json:"cache_ttl" yaml:"cache_ttl" env:"DISCOVERY_CACHE_TTL_MS" default:"300000ms"`
	RedisURL       string              `json:"redis_url" yaml:"redis_url" env:"REDIS_URL"`
	Marker         string              `json:"marker" yaml:"marker" default:"mcp"`
	MaxParallel    int                 `json:"max_parallel" yaml:"max_parallel" default:"8"`
	OfficialPrefix string              `json:"official_prefix" yaml:"official_prefix" default:"@modelcontextprotocol/"`
	Aliases        map[string][]string `json:"aliases" yaml:"aliases"`
	LLM            LLMConfig           `json:"llm" yaml:"llm"`
}

// InstallConfig drives candidate installation.
type InstallConfig struct {
	Root           string        `json:"root" yaml:"root" env:"INSTALL_ROOT"`
	CommandTimeout time.Duration `json:"command_timeout" yaml:"command_timeout" default:"90s"`
	Force          bool          `json:"force" yaml:"force"`
}

// ServerRuntime drives tool-server processes.
type ServerRuntime struct {
	InitTimeout    time.Duration `json:"init_timeout" yaml:"init_timeout" default:"10s"`
	CallTimeout    time.Duration `json:"call_timeout" yaml:"call_timeout" default:"30s"`
	HealthInterval time.Duration `json:"health_interval" yaml:"health_interval" default:"30s"`
	StopGrace      time.Duration `json:"stop_grace" yaml:"stop_grace" default:"5s"`
	Restart        RestartPolicy `json:"restart" yaml:"restart"`
}

// CapabilityConfig drives the registry/router.
type CapabilityConfig struct {
	ValidateArgs bool `json:"validate_args" yaml:"validate_args" env:"CAPABILITY_VALIDATE_ARGS"`
}

// RuleConfig is one critical-area rule: when metric <op> value, emit area.
// Metric is one of ratio, gap, system, environment, subsystem:<name>,
// factor:<name>. Op is one of lt, le, gt, ge.
type RuleConfig struct {
	Area   string  `json:"area" yaml:"area"`
	Metric string  `json:"metric" yaml:"metric"`
	Op     string  `json:"op" yaml:"op"`
	Value  float64 `json:"value" yaml:"value"`
}

// VarietyConfig overrides the calculator's built-in tables. Empty maps and
// slices mean "use the package defaults"; the calculator owns exactly one
// weights table and one projection table.
type VarietyConfig struct {
	Weights            map[string]float64              `json:"weights" yaml:"weights"`
	EnvironmentWeights map[string]float64              `json:"environment_weights" yaml:"environment_weights"`
	Rules              []RuleConfig                    `json:"rules" yaml:"rules"`
	Projection         map[string]CapabilityDescriptor `json:"projection" yaml:"projection"`
}

// HTTPConfig tunes the control surface listener.
type HTTPConfig struct {
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout" default:"30s"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout" default:"30s"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" default:"10s"`
	CORS            CORSConfig    `json:"cors" yaml:"cors"`
}

// CORSConfig configures cross-origin access to the control surface.
type CORSConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
	MaxAge         int      `json:"max_age" yaml:"max_age" default:"300"`
}

// TelemetryConfig enables OpenTelemetry export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Endpoint    string `json:"endpoint" yaml:"endpoint" env:"OTEL_ENDPOINT,OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName string `json:"service_name" yaml:"service_name"`
	Insecure    bool   `json:"insecure" yaml:"insecure" default:"true"`
}

// LoggingConfig tunes the process logger.
type LoggingConfig struct {
	Level string `json:"level" yaml:"level" env:"LOG_LEVEL" default:"info"`
}

// DevConfig holds local-development switches.
type DevConfig struct {
	Enabled    bool `json:"enabled" yaml:"enabled" env:"DEV_MODE"`
	PrettyLogs bool `json:"pretty_logs" yaml:"pretty_logs"`
}

// Option is a functional option for configuring the controller. Options are
// applied last and can reject invalid values.
type Option func(*Config) error

// DefaultConfig returns a configuration with the stock defaults. Defaults
// can be overridden by a config file, environment variables, or options.
func DefaultConfig() *Config {
	return &Config{
		Name: "vsm-controller",
		Port: 8080,
		Daemon: DaemonConfig{
			Interval:      30 * time.Second,
			Threshold:     0.85,
			MaxConcurrent: 3,
			QueueDepth:    16,
			ShutdownGrace: 15 * time.Second,
		},
		Acquire: AcquireConfig{
			Timeout: 120 * time.Second,
			TopK:    3,
			History: 128,
		},
		Discovery: DiscoveryConfig{
			Catalogs:       []CatalogConfig{{Name: "npm", URL: "https://registry.npmjs.org"}},
			HTTPTimeout:    10 * time.Second,
			CacheTTL:       5 * time.Minute,
			Marker:         "mcp",
			MaxParallel:    8,
			OfficialPrefix: "@modelcontextprotocol/",
			LLM: LLMConfig{
				Model:     "claude-3-5-haiku-latest",
				MaxTokens: 1024,
			},
		},
		Install: InstallConfig{
			Root:           filepath.Join(os.TempDir(), "vsm-install"),
			CommandTimeout: 90 * time.Second,
		},
		Server: ServerRuntime{
			InitTimeout:    10 * time.Second,
			CallTimeout:    30 * time.Second,
			HealthInterval: 30 * time.Second,
			StopGrace:      5 * time.Second,
			Restart:        DefaultRestartPolicy(),
		},
		HTTP: HTTPConfig{
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			CORS: CORSConfig{
				MaxAge: 300,
			},
		},
		Telemetry: TelemetryConfig{
			Insecure: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// NewConfig builds a Config using the three-layer priority: defaults, then
// the CONFIG_FILE YAML (when present), then environment variables, then the
// given options. The result is validated.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile merges a YAML config file over the current values.
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables. Variables
// take precedence over file values but are overridden by options.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}

	// Daemon
	c.Daemon.Interval = msEnv("ACQUIRE_INTERVAL_MS", c.Daemon.Interval)
	if v := os.Getenv("VARIETY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Daemon.Threshold = f
		}
	}
	if v := os.Getenv("MAX_CONCURRENT_ACQUISITIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Daemon.MaxConcurrent = n
		}
	}

	// Acquisition
	c.Acquire.Timeout = msEnv("ACQUIRE_TIMEOUT_MS", c.Acquire.Timeout)

	// Discovery
	c.Discovery.HTTPTimeout = msEnv("HTTP_TIMEOUT_MS", c.Discovery.HTTPTimeout)
	c.Discovery.CacheTTL = msEnv("DISCOVERY_CACHE_TTL_MS", c.Discovery.CacheTTL)
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Discovery.RedisURL = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.Discovery.LLM.APIKey = v
	}

	// Install
	if v := os.Getenv("INSTALL_ROOT"); v != "" {
		c.Install.Root = v
	}

	// Server restart policy
	if v := os.Getenv("MAX_RESTARTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.Restart.MaxRestarts = n
		}
	}
	c.Server.Restart.Window = msEnv("RESTART_WINDOW_MS", c.Server.Restart.Window)

	// Capability
	if v := os.Getenv("CAPABILITY_VALIDATE_ARGS"); v != "" {
		c.Capability.ValidateArgs = parseBool(v)
	}

	// Telemetry
	if v := os.Getenv("OTEL_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true
	} else if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = c.Name
	}

	// Logging / development
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("DEV_MODE"); v != "" {
		c.Dev.Enabled = parseBool(v)
		if c.Dev.Enabled {
			c.Dev.PrettyLogs = true
		}
	}

	return nil
}

// Validate rejects configurations the controller cannot run with.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name must not be empty", ErrInvalidConfiguration)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfiguration, c.Port)
	}
	if c.Daemon.Interval <= 0 {
		return fmt.Errorf("%w: daemon interval must be positive", ErrInvalidConfiguration)
	}
	if c.Daemon.Threshold <= 0 {
		return fmt.Errorf("%w: variety threshold must be positive", ErrInvalidConfiguration)
	}
	if c.Daemon.MaxConcurrent < 1 {
		return fmt.Errorf("%w: max concurrent acquisitions must be at least 1", ErrInvalidConfiguration)
	}
	if c.Daemon.QueueDepth < 0 {
		return fmt.Errorf("%w: queue depth must not be negative", ErrInvalidConfiguration)
	}
	if c.Acquire.TopK < 1 {
		return fmt.Errorf("%w: acquisition top-k must be at least 1", ErrInvalidConfiguration)
	}
	if c.Acquire.Timeout <= 0 {
		return fmt.Errorf("%w: acquisition timeout must be positive", ErrInvalidConfiguration)
	}
	if c.Install.Root == "" {
		return fmt.Errorf("%w: install root must not be empty", ErrInvalidConfiguration)
	}
	if p := c.Server.Restart; p.MaxRestarts < 0 || p.Window <= 0 || p.InitialDelay <= 0 || p.BackoffFactor < 1 || p.MaxDelay < p.InitialDelay {
		return fmt.Errorf("%w: restart policy is inconsistent", ErrInvalidConfiguration)
	}
	for _, cat := range c.Discovery.Catalogs {
		if cat.URL == "" {
			return fmt.Errorf("%w: catalog %q has no url", ErrInvalidConfiguration, cat.Name)
		}
	}
	return nil
}

// Functional options.

// WithName sets the controller name (also the default telemetry service
// name and the clientInfo name sent to tool servers).
func WithName(name string) Option {
	return func(c *Config) error {
		if name == "" {
			return fmt.Errorf("%w: name must not be empty", ErrInvalidConfiguration)
		}
		c.Name = name
		return nil
	}
}

// WithPort sets the control-surface port.
func WithPort(port int) Option {
	return func(c *Config) error {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%w: port %d out of range", ErrInvalidConfiguration, port)
		}
		c.Port = port
		return nil
	}
}

// WithTickInterval sets the daemon tick interval.
func WithTickInterval(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return fmt.Errorf("%w: tick interval must be positive", ErrInvalidConfiguration)
		}
		c.Daemon.Interval = d
		return nil
	}
}

// WithThreshold sets the variety ratio below which acquisition triggers.
func WithThreshold(ratio float64) Option {
	return func(c *Config) error {
		if ratio <= 0 {
			return fmt.Errorf("%w: threshold must be positive", ErrInvalidConfiguration)
		}
		c.Daemon.Threshold = ratio
		return nil
	}
}

// WithInstallRoot sets where candidate packages are materialized.
func WithInstallRoot(dir string) Option {
	return func(c *Config) error {
		if dir == "" {
			return fmt.Errorf("%w: install root must not be empty", ErrInvalidConfiguration)
		}
		c.Install.Root = dir
		return nil
	}
}

// WithCatalog appends a package catalog endpoint.
func WithCatalog(name, url string) Option {
	return func(c *Config) error {
		if url == "" {
			return fmt.Errorf("%w: catalog url must not be empty", ErrInvalidConfiguration)
		}
		c.Discovery.Catalogs = append(c.Discovery.Catalogs, CatalogConfig{Name: name, URL: url})
		return nil
	}
}

// WithCatalogs replaces the catalog set.
func WithCatalogs(catalogs ...CatalogConfig) Option {
	return func(c *Config) error {
		c.Discovery.Catalogs = catalogs
		return nil
	}
}

// WithConfigFile merges the given YAML file immediately. Later options
// still win over file values.
func WithConfigFile(path string) Option {
	return func(c *Config) error {
		return c.LoadFromFile(path)
	}
}

// WithRestartPolicy replaces the tool-server restart policy.
func WithRestartPolicy(p RestartPolicy) Option {
	return func(c *Config) error {
		c.Server.Restart = p
		return nil
	}
}

func msEnv(name string, cur time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return cur
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return cur
	}
	return time.Duration(ms) * time.Millisecond
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

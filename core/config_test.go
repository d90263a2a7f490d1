package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDefaultConfig verifies that DefaultConfig returns valid defaults
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "vsm-controller", cfg.Name)
	assert.Equal(t, 8080, cfg.Port)

	// Daemon defaults
	assert.Equal(t, 30*time.Second, cfg.Daemon.Interval)
	assert.Equal(t, 0.85, cfg.Daemon.Threshold)
	assert.Equal(t, 3, cfg.Daemon.MaxConcurrent)
	assert.Equal(t, 16, cfg.Daemon.QueueDepth)

	// Acquisition defaults
	assert.Equal(t, 120*time.Second, cfg.Acquire.Timeout)
	assert.Equal(t, 3, cfg.Acquire.TopK)

	// Discovery defaults
	require.Len(t, cfg.Discovery.Catalogs, 1)
	assert.Equal(t, "npm", cfg.Discovery.Catalogs[0].Name)
	assert.Equal(t, 10*time.Second, cfg.Discovery.HTTPTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Discovery.CacheTTL)
	assert.Equal(t, "mcp", cfg.Discovery.Marker)
	assert.Equal(t, 8, cfg.Discovery.MaxParallel)

	// Restart policy defaults
	assert.Equal(t, 5, cfg.Server.Restart.MaxRestarts)
	assert.Equal(t, 60*time.Second, cfg.Server.Restart.Window)
	assert.Equal(t, 1*time.Second, cfg.Server.Restart.InitialDelay)
	assert.Equal(t, 2.0, cfg.Server.Restart.BackoffFactor)
	assert.Equal(t, 30*time.Second, cfg.Server.Restart.MaxDelay)

	assert.NoError(t, cfg.Validate())
}

// TestLoadFromEnv verifies environment variable loading
func TestLoadFromEnv(t *testing.T) {
	testEnv := map[string]string{
		"PORT":                        "9090",
		"ACQUIRE_INTERVAL_MS":         "5000",
		"VARIETY_THRESHOLD":           "0.9",
		"ACQUIRE_TIMEOUT_MS":          "60000",
		"HTTP_TIMEOUT_MS":             "2500",
		"DISCOVERY_CACHE_TTL_MS":      "1000",
		"MAX_CONCURRENT_ACQUISITIONS": "5",
		"MAX_RESTARTS":                "2",
		"RESTART_WINDOW_MS":           "10000",
		"INSTALL_ROOT":                "/tmp/vsm-test-install",
		"REDIS_URL":                   "redis://test-redis:6379",
		"LOG_LEVEL":                   "debug",
		"CAPABILITY_VALIDATE_ARGS":    "true",
	}
	for k, v := range testEnv {
		t.Setenv(k, v)
	}

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromEnv())

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 5*time.Second, cfg.Daemon.Interval)
	assert.Equal(t, 0.9, cfg.Daemon.Threshold)
	assert.Equal(t, 60*time.Second, cfg.Acquire.Timeout)
	assert.Equal(t, 2500*time.Millisecond, cfg.Discovery.HTTPTimeout)
	assert.Equal(t, 1*time.Second, cfg.Discovery.CacheTTL)
	assert.Equal(t, 5, cfg.Daemon.MaxConcurrent)
	assert.Equal(t, 2, cfg.Server.Restart.MaxRestarts)
	assert.Equal(t, 10*time.Second, cfg.Server.Restart.Window)
	assert.Equal(t, "/tmp/vsm-test-install", cfg.Install.Root)
	assert.Equal(t, "redis://test-redis:6379", cfg.Discovery.RedisURL)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Capability.ValidateArgs)
}

// TestLoadFromEnvIgnoresGarbage verifies invalid values keep defaults
func TestLoadFromEnvIgnoresGarbage(t *testing.T) {
	t.Setenv("ACQUIRE_INTERVAL_MS", "not-a-number")
	t.Setenv("VARIETY_THRESHOLD", "also-not")

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromEnv())

	assert.Equal(t, 30*time.Second, cfg.Daemon.Interval)
	assert.Equal(t, 0.85, cfg.Daemon.Threshold)
}

// TestConfigFile verifies YAML file merging
func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
name: custom-controller
daemon:
  threshold: 0.7
discovery:
  marker: toolserver
  catalogs:
    - name: internal
      url: https://npm.internal.example.com
  aliases:
    search:
      - "@modelcontextprotocol/server-brave-search"
variety:
  weights:
    operations: 12
  rules:
    - area: operational_capabilities
      metric: ratio
      op: lt
      value: 0.8
  projection:
    operational_capabilities:
      kind: operations
      priority: high
      search_terms: [tools, operations]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromFile(path))

	assert.Equal(t, "custom-controller", cfg.Name)
	assert.Equal(t, 0.7, cfg.Daemon.Threshold)
	assert.Equal(t, "toolserver", cfg.Discovery.Marker)
	require.Len(t, cfg.Discovery.Catalogs, 1)
	assert.Equal(t, "https://npm.internal.example.com", cfg.Discovery.Catalogs[0].URL)
	assert.Equal(t, []string{"@modelcontextprotocol/server-brave-search"}, cfg.Discovery.Aliases["search"])
	assert.Equal(t, 12.0, cfg.Variety.Weights["operations"])
	require.Len(t, cfg.Variety.Rules, 1)
	assert.Equal(t, "operational_capabilities", cfg.Variety.Rules[0].Area)

	proj, ok := cfg.Variety.Projection["operational_capabilities"]
	require.True(t, ok)
	assert.Equal(t, "operations", proj.Kind)
	assert.Equal(t, PriorityHigh, proj.Priority)
}

// TestNewConfigPriority verifies options win over env, env over file
func TestNewConfigPriority(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 7000\ndaemon:\n  threshold: 0.5\n"), 0o644))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("VARIETY_THRESHOLD", "0.6")

	cfg, err := NewConfig(WithThreshold(0.95))
	require.NoError(t, err)

	// file set 7000, no env/option touched it
	assert.Equal(t, 7000, cfg.Port)
	// option beats env beats file
	assert.Equal(t, 0.95, cfg.Daemon.Threshold)
}

// TestConfigValidate verifies rejection of broken configurations
func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty name", func(c *Config) { c.Name = "" }},
		{"bad port", func(c *Config) { c.Port = 70000 }},
		{"zero interval", func(c *Config) { c.Daemon.Interval = 0 }},
		{"zero threshold", func(c *Config) { c.Daemon.Threshold = 0 }},
		{"zero top-k", func(c *Config) { c.Acquire.TopK = 0 }},
		{"empty install root", func(c *Config) { c.Install.Root = "" }},
		{"broken restart policy", func(c *Config) { c.Server.Restart.BackoffFactor = 0.5 }},
		{"catalog without url", func(c *Config) {
			c.Discovery.Catalogs = append(c.Discovery.Catalogs, CatalogConfig{Name: "broken"})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfiguration)
		})
	}
}

// TestOptionErrors verifies option validation
func TestOptionErrors(t *testing.T) {
	_, err := NewConfig(WithPort(-1))
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	_, err = NewConfig(WithName(""))
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	_, err = NewConfig(WithTickInterval(-time.Second))
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

// Package config loads daemon configuration from an optional YAML
// file with DRONEMESH_* environment overrides on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"sigs.k8s.io/yaml"
)

// Config is the full daemon configuration.
type Config struct {
	// ListenAddr serves /metrics and /healthz.
	ListenAddr string `json:"listenAddr"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"logLevel"`

	// StorePath is the SQLite database file; ":memory:" for ephemeral.
	StorePath string `json:"storePath"`

	// DroneName, when set, makes the daemon heartbeat itself into the
	// registry under that name with sampled host telemetry.
	DroneName string `json:"droneName"`

	// HeartbeatInterval spaces those heartbeats.
	HeartbeatInterval Duration `json:"heartbeatInterval"`

	// StorePoolSize bounds pooled SQLite connections.
	StorePoolSize int `json:"storePoolSize"`

	Gateway  GatewayConfig  `json:"gateway"`
	Registry RegistryConfig `json:"registry"`
	Tasks    TasksConfig    `json:"tasks"`
	Engine   EngineConfig   `json:"engine"`
	Node     NodeConfig     `json:"node"`
}

// GatewayConfig tunes the data gateway's retry and concurrency policy.
type GatewayConfig struct {
	MaxAttempts   int      `json:"maxAttempts"`
	MaxConcurrent int      `json:"maxConcurrent"`
	BaseBackoff   Duration `json:"baseBackoff"`
}

// RegistryConfig tunes the drone registry.
type RegistryConfig struct {
	CacheTTL Duration `json:"cacheTTL"`

	// StatusInterval is how often the fleet status snapshot runs.
	StatusInterval Duration `json:"statusInterval"`
}

// TasksConfig tunes the task store.
type TasksConfig struct {
	CacheTTL Duration `json:"cacheTTL"`

	// Expiry is how long a sub-task may sit InProgress before the
	// reassignment sweep reclaims it.
	Expiry Duration `json:"expiry"`
}

// EngineConfig tunes the assignment engine and its background loops.
type EngineConfig struct {
	ReassignCeiling int `json:"reassignCeiling"`

	// SweepInterval is how often failed/expired assignments are
	// reclaimed.
	SweepInterval Duration `json:"sweepInterval"`

	// CleanupInterval and CleanupMaxAge drive deletion of old
	// completed tasks.
	CleanupInterval Duration `json:"cleanupInterval"`
	CleanupMaxAge   Duration `json:"cleanupMaxAge"`
}

// NodeConfig locates the node cluster backend.
type NodeConfig struct {
	Addr    string   `json:"addr"`
	Timeout Duration `json:"timeout"`
}

// Duration is a time.Duration that marshals as a Go duration string.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(time.Duration(d).String())), nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("config: duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the configuration used when no file or environment
// override says otherwise.
func Default() Config {
	return Config{
		ListenAddr:    ":9090",
		LogLevel:      "info",
		StorePath:         "dronemesh.db",
		StorePoolSize:     4,
		HeartbeatInterval: Duration(10 * time.Second),
		Gateway: GatewayConfig{
			MaxAttempts:   3,
			MaxConcurrent: 16,
			BaseBackoff:   Duration(100 * time.Millisecond),
		},
		Registry: RegistryConfig{
			CacheTTL:       Duration(2 * time.Minute),
			StatusInterval: Duration(time.Minute),
		},
		Tasks: TasksConfig{
			CacheTTL: Duration(5 * time.Minute),
			Expiry:   Duration(30 * time.Minute),
		},
		Engine: EngineConfig{
			ReassignCeiling: 3,
			SweepInterval:   Duration(time.Minute),
			CleanupInterval: Duration(time.Hour),
			CleanupMaxAge:   Duration(7 * 24 * time.Hour),
		},
		Node: NodeConfig{
			Addr:    "127.0.0.1:7000",
			Timeout: Duration(10 * time.Second),
		},
	}
}

// Load reads path (if non-empty) over the defaults, then applies
// DRONEMESH_* environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	str("DRONEMESH_LISTEN_ADDR", &c.ListenAddr)
	str("DRONEMESH_LOG_LEVEL", &c.LogLevel)
	str("DRONEMESH_STORE_PATH", &c.StorePath)
	str("DRONEMESH_NODE_ADDR", &c.Node.Addr)
	str("DRONEMESH_DRONE_NAME", &c.DroneName)

	ints := map[string]*int{
		"DRONEMESH_STORE_POOL_SIZE":        &c.StorePoolSize,
		"DRONEMESH_GATEWAY_MAX_ATTEMPTS":   &c.Gateway.MaxAttempts,
		"DRONEMESH_GATEWAY_MAX_CONCURRENT": &c.Gateway.MaxConcurrent,
		"DRONEMESH_REASSIGN_CEILING":       &c.Engine.ReassignCeiling,
	}
	for key, dst := range ints {
		v, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = n
	}

	durations := map[string]*Duration{
		"DRONEMESH_GATEWAY_BASE_BACKOFF": &c.Gateway.BaseBackoff,
		"DRONEMESH_REGISTRY_CACHE_TTL":   &c.Registry.CacheTTL,
		"DRONEMESH_TASKS_CACHE_TTL":      &c.Tasks.CacheTTL,
		"DRONEMESH_TASKS_EXPIRY":         &c.Tasks.Expiry,
		"DRONEMESH_SWEEP_INTERVAL":       &c.Engine.SweepInterval,
		"DRONEMESH_CLEANUP_MAX_AGE":      &c.Engine.CleanupMaxAge,
		"DRONEMESH_NODE_TIMEOUT":         &c.Node.Timeout,
		"DRONEMESH_HEARTBEAT_INTERVAL":   &c.HeartbeatInterval,
	}
	for key, dst := range durations {
		v, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = Duration(d)
	}
	return nil
}

func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
	if c.StorePath == "" {
		return fmt.Errorf("config: store path is required")
	}
	if c.StorePoolSize <= 0 {
		return fmt.Errorf("config: store pool size must be positive")
	}
	if c.Engine.ReassignCeiling <= 0 {
		return fmt.Errorf("config: reassignment ceiling must be positive")
	}
	return nil
}

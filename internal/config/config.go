// Package config loads Chronos process configuration from file and
// environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete Chronos process configuration.
type Config struct {
	HTTP       HTTPConfig       `mapstructure:"http"`
	Cluster    ClusterConfig    `mapstructure:"cluster"`
	Identity   IdentityConfig   `mapstructure:"identity"`
	Handler    HandlerConfig    `mapstructure:"handler"`
	Timers     TimersConfig     `mapstructure:"timers"`
	Throttling ThrottlingConfig `mapstructure:"throttling"`
	DNS        DNSConfig        `mapstructure:"dns"`
	GR         GRConfig         `mapstructure:"gr"`
	Lock       LockConfig       `mapstructure:"lock"`
	Log        LogConfig        `mapstructure:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Exceptions ExceptionsConfig `mapstructure:"exceptions"`
}

// HTTPConfig holds listener configuration (spec.md §6.3 http.*).
type HTTPConfig struct {
	BindAddress string `mapstructure:"bind_address"`
	BindPort    int    `mapstructure:"bind_port"`
	Threads     int    `mapstructure:"threads"`
}

// ClusterConfig holds local cluster membership configuration
// (spec.md §6.3 cluster.*). Node+Joining is the "new" view of a
// reconfiguration; Node minus Leaving is the "old" view.
type ClusterConfig struct {
	Localhost  string                    `mapstructure:"localhost"`
	Node       []string                  `mapstructure:"node"`
	Joining    []string                  `mapstructure:"joining"`
	Leaving    []string                  `mapstructure:"leaving"`
	Kubernetes KubernetesDiscoveryConfig `mapstructure:"kubernetes"`
}

// KubernetesDiscoveryConfig configures membership discovery via the
// Kubernetes API (see internal/chronosd/cluster.EndpointsWatcher). When
// Enabled, membership is additionally sourced from a headless Service's
// Endpoints instead of only Node/Joining/Leaving.
type KubernetesDiscoveryConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
	Service   string `mapstructure:"service"`
	Port      int    `mapstructure:"port"`
}

// IdentityConfig holds inputs to 64-bit timer ID generation (spec.md §6.3
// identity.*).
type IdentityConfig struct {
	InstanceID   int `mapstructure:"instance_id"`   // 0-127
	DeploymentID int `mapstructure:"deployment_id"` // 0-7
}

// HandlerConfig holds timer handler tunables, including the merge rule's
// NETWORK_DELAY constant (spec.md §9 Open Question, resolved as config
// rather than a hard-coded literal).
type HandlerConfig struct {
	NetworkDelay           time.Duration `mapstructure:"network_delay"`
	ReplicaStaggerMs       int           `mapstructure:"replica_stagger_ms"`
	CallbackWorkers        int           `mapstructure:"callback_workers"`
	LocalReplicatorWorkers int           `mapstructure:"local_replicator_workers"`
	GRReplicatorWorkers    int           `mapstructure:"gr_replicator_workers"`
	DefaultResyncPageSize  int           `mapstructure:"default_resync_page_size"`
}

// TimersConfig controls the timer-id URL encoding format (spec.md §6.3
// timers.id-format).
type TimersConfig struct {
	IDFormat string `mapstructure:"id_format"` // "with_replicas" or "without_replicas"
}

// ThrottlingConfig configures token-bucket admission control
// (spec.md §6.3 throttling.*).
type ThrottlingConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// DNSConfig holds resolver targets (spec.md §6.3 dns.servers).
type DNSConfig struct {
	Servers []string `mapstructure:"servers"`
}

// GRConfig holds geographic-redundancy topology (spec.md §6.3
// local-site-name, remote-site.*).
type GRConfig struct {
	LocalSiteName string            `mapstructure:"local_site_name"`
	RemoteSites   map[string]string `mapstructure:"remote_sites"`
}

// LockConfig configures the distributed resync single-flight lock.
type LockConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	RedisAddr      string        `mapstructure:"redis_addr"`
	TTL            time.Duration `mapstructure:"ttl"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
}

// LogConfig holds logging configuration, see pkg/logger.Config.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Port    int    `mapstructure:"port"`
}

// ExceptionsConfig configures process-lingering behavior after an
// unhandled exception (spec.md §6.3 exceptions.max_ttl).
type ExceptionsConfig struct {
	MaxTTL time.Duration `mapstructure:"max_ttl"`
}

// LoadConfig loads configuration from an optional YAML file, overlaid with
// environment variables (CHRONOS_ prefixed, "." replaced by "_").
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("chronos")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadConfigFromEnv loads configuration from environment variables and
// defaults only, skipping any config file. It is the same as
// LoadConfig(""), which is what cmd/chronosd calls when no --config flag
// is given. Used by tests.
func LoadConfigFromEnv() (*Config, error) {
	return LoadConfig("")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.bind_address", "0.0.0.0")
	v.SetDefault("http.bind_port", 7253)
	v.SetDefault("http.threads", 50)

	v.SetDefault("cluster.localhost", "127.0.0.1:7253")
	v.SetDefault("cluster.node", []string{"127.0.0.1:7253"})
	v.SetDefault("cluster.kubernetes.enabled", false)
	v.SetDefault("cluster.kubernetes.port", 7253)

	v.SetDefault("identity.instance_id", 0)
	v.SetDefault("identity.deployment_id", 0)

	v.SetDefault("handler.network_delay", "200ms")
	v.SetDefault("handler.replica_stagger_ms", 2000)
	v.SetDefault("handler.callback_workers", 50)
	v.SetDefault("handler.local_replicator_workers", 50)
	v.SetDefault("handler.gr_replicator_workers", 20)
	v.SetDefault("handler.default_resync_page_size", 100)

	v.SetDefault("timers.id_format", "without_replicas")

	v.SetDefault("throttling.enabled", true)
	v.SetDefault("throttling.requests_per_second", 1000.0)
	v.SetDefault("throttling.burst", 2000)

	v.SetDefault("dns.servers", []string{})

	v.SetDefault("gr.local_site_name", "")
	v.SetDefault("gr.remote_sites", map[string]string{})

	v.SetDefault("lock.enabled", false)
	v.SetDefault("lock.redis_addr", "localhost:6379")
	v.SetDefault("lock.ttl", "30s")
	v.SetDefault("lock.acquire_timeout", "5s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
	v.SetDefault("log.compress", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.port", 9253)

	v.SetDefault("exceptions.max_ttl", "5s")
}

// Validate checks the configuration for internally inconsistent or
// out-of-range values.
func (c *Config) Validate() error {
	if c.HTTP.BindPort <= 0 || c.HTTP.BindPort > 65535 {
		return fmt.Errorf("invalid http.bind_port: %d", c.HTTP.BindPort)
	}
	if c.Identity.InstanceID < 0 || c.Identity.InstanceID > 127 {
		return fmt.Errorf("identity.instance_id must be 0-127, got %d", c.Identity.InstanceID)
	}
	if c.Identity.DeploymentID < 0 || c.Identity.DeploymentID > 7 {
		return fmt.Errorf("identity.deployment_id must be 0-7, got %d", c.Identity.DeploymentID)
	}
	if c.Timers.IDFormat != "with_replicas" && c.Timers.IDFormat != "without_replicas" {
		return fmt.Errorf("invalid timers.id_format: %q", c.Timers.IDFormat)
	}
	if c.Cluster.Localhost == "" {
		return fmt.Errorf("cluster.localhost cannot be empty")
	}
	if c.Handler.DefaultResyncPageSize <= 0 {
		return fmt.Errorf("handler.default_resync_page_size must be positive")
	}
	if c.Log.Level == "" {
		return fmt.Errorf("log level cannot be empty")
	}
	if c.Lock.Enabled && c.Lock.RedisAddr == "" {
		return fmt.Errorf("lock.redis_addr required when lock.enabled")
	}
	return nil
}

// EffectiveNodes returns the cluster's "new" node list, including any
// in-flight joins, for rendezvous placement during a growing
// reconfiguration (spec.md §4.2).
func (c *Config) EffectiveNodes() []string {
	return append(append([]string{}, c.Cluster.Node...), c.Cluster.Joining...)
}

// PreviousNodes returns the cluster's "old" node list, excluding any
// in-flight leaves, for the pre-reconfiguration placement view that
// resync uses to detect timers that must move (spec.md §4.6).
func (c *Config) PreviousNodes() []string {
	leaving := make(map[string]bool, len(c.Cluster.Leaving))
	for _, n := range c.Cluster.Leaving {
		leaving[n] = true
	}
	prev := make([]string, 0, len(c.Cluster.Node))
	for _, n := range c.Cluster.Node {
		if !leaving[n] {
			prev = append(prev, n)
		}
	}
	return prev
}

// IsReconfiguring reports whether the cluster currently has a join or
// leave in flight.
func (c *Config) IsReconfiguring() bool {
	return len(c.Cluster.Joining) > 0 || len(c.Cluster.Leaving) > 0
}

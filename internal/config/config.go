// Package config holds the mount-time configuration pgfuse assembles from
// CLI flags and an optional YAML side-config (spec.md §6, ambient §1.3).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Mount is the fully resolved configuration for one mount invocation: the
// spec.md §6 CLI surface plus the ambient knobs (§1.3) a YAML file can set.
type Mount struct {
	ConnInfo   string
	Mountpoint string

	Verbose      bool
	Foreground   bool
	SingleThread bool
	ReadOnly     bool
	BlockSize    int64

	Pool           PoolConfig           `yaml:"pool"`
	Logging        LoggingConfig        `yaml:"logging"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Metrics        MetricsConfig        `yaml:"metrics"`
}

// PoolConfig tunes the connection pool (spec.md §4.2).
type PoolConfig struct {
	MaxConnections int           `yaml:"max_connections"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

// LoggingConfig tunes the syslog logger (ambient §1.1).
type LoggingConfig struct {
	Level           string            `yaml:"level"`
	ComponentLevels map[string]string `yaml:"component_levels"`
}

// CircuitBreakerConfig tunes the pool-reconnect breaker (domain stack §2).
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// MetricsConfig controls the optional Prometheus endpoint.
type MetricsConfig struct {
	ListenAddress string `yaml:"listen_address"`
}

// Default returns the baseline configuration, mirroring spec.md §6's
// default block size and a modest fixed pool capacity.
func Default() *Mount {
	return &Mount{
		BlockSize: 4096,
		Pool: PoolConfig{
			MaxConnections: 8,
			AcquireTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:           "INFO",
			ComponentLevels: map[string]string{},
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			OpenTimeout:      60 * time.Second,
		},
	}
}

// overlay is the subset of Mount a YAML side-config may set; CLI flags
// (ConnInfo, Mountpoint, Verbose, Foreground, SingleThread, ReadOnly,
// BlockSize) have no file spelling and always come from the command line.
type overlay struct {
	Pool           PoolConfig           `yaml:"pool"`
	Logging        LoggingConfig        `yaml:"logging"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Metrics        MetricsConfig        `yaml:"metrics"`
}

// MergeFile loads a YAML side-config from path and overlays it onto m.
// Callers must apply CLI flags after MergeFile so flags always win.
func (m *Mount) MergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	var o overlay
	if err := yaml.Unmarshal(data, &o); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	if o.Pool.MaxConnections != 0 {
		m.Pool.MaxConnections = o.Pool.MaxConnections
	}
	if o.Pool.AcquireTimeout != 0 {
		m.Pool.AcquireTimeout = o.Pool.AcquireTimeout
	}
	if o.Logging.Level != "" {
		m.Logging.Level = o.Logging.Level
	}
	for k, v := range o.Logging.ComponentLevels {
		m.Logging.ComponentLevels[k] = v
	}
	if o.CircuitBreaker.FailureThreshold != 0 {
		m.CircuitBreaker.FailureThreshold = o.CircuitBreaker.FailureThreshold
	}
	if o.CircuitBreaker.OpenTimeout != 0 {
		m.CircuitBreaker.OpenTimeout = o.CircuitBreaker.OpenTimeout
	}
	if o.Metrics.ListenAddress != "" {
		m.Metrics.ListenAddress = o.Metrics.ListenAddress
	}
	return nil
}

// Validate rejects configurations that cannot be used to mount.
func (m *Mount) Validate() error {
	if m.ConnInfo == "" {
		return fmt.Errorf("missing PostgreSQL connection string")
	}
	if m.Mountpoint == "" {
		return fmt.Errorf("missing mountpoint")
	}
	if m.BlockSize <= 0 {
		return fmt.Errorf("block size must be greater than 0")
	}
	if m.Pool.MaxConnections <= 0 {
		return fmt.Errorf("pool.max_connections must be greater than 0")
	}
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	ok := false
	for _, l := range validLevels {
		if strings.EqualFold(m.Logging.Level, l) {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("invalid logging.level: %s (must be one of: %s)", m.Logging.Level, strings.Join(validLevels, ", "))
	}
	return nil
}

// Package config loads the orchestrator configuration from a YAML/JSON
// file with environment overrides, producing one typed struct with
// defaults applied.
package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"openskelo/internal/gate"
)

// Config is the full recognized key set.
type Config struct {
	DBPath string `mapstructure:"db_path"`
	Debug  bool   `mapstructure:"debug"`

	Server     Server     `mapstructure:"server"`
	Dispatcher Dispatcher `mapstructure:"dispatcher"`
	Leases     Leases     `mapstructure:"leases"`
	Watchdog   Watchdog   `mapstructure:"watchdog"`

	// WIPLimits caps concurrency per task type; "default" covers the rest.
	WIPLimits map[string]int `mapstructure:"wip_limits"`

	Adapters []Adapter `mapstructure:"adapters"`

	// Webhooks receive best-effort event POSTs.
	Webhooks []string `mapstructure:"webhooks"`

	// Gates maps a task type to default gates, decoded separately because
	// gate specs are JSON-tagged.
	Gates map[string][]gate.Spec `mapstructure:"-"`
}

// Server is the HTTP listener configuration.
type Server struct {
	Host   string `mapstructure:"host"`
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`
}

// Dispatcher tuning.
type Dispatcher struct {
	PollIntervalSeconds   int `mapstructure:"poll_interval_seconds"`
	ExecuteTimeoutSeconds int `mapstructure:"execute_timeout_seconds"`
}

// Leases tuning.
type Leases struct {
	TTLSeconds               int `mapstructure:"ttl_seconds"`
	HeartbeatIntervalSeconds int `mapstructure:"heartbeat_interval_seconds"`
	GracePeriodSeconds       int `mapstructure:"grace_period_seconds"`
}

// Watchdog tuning.
type Watchdog struct {
	IntervalSeconds int    `mapstructure:"interval_seconds"`
	OnLeaseExpire   string `mapstructure:"on_lease_expire"`
}

// Adapter kinds.
const (
	AdapterKindCLI  = "cli"
	AdapterKindHTTP = "http"
)

// Adapter declares one execution backend.
type Adapter struct {
	Name           string            `mapstructure:"name"`
	Kind           string            `mapstructure:"kind"`
	TaskTypes      []string          `mapstructure:"task_types"`
	Command        string            `mapstructure:"command"`
	Args           []string          `mapstructure:"args"`
	Cwd            string            `mapstructure:"cwd"`
	Env            map[string]string `mapstructure:"env"`
	URL            string            `mapstructure:"url"`
	Model          string            `mapstructure:"model"`
	APIKey         string            `mapstructure:"api_key"`
	TimeoutSeconds int               `mapstructure:"timeout_seconds"`
}

// Load reads the config file at path (optional; defaults apply when
// empty) layered under OPENSKELO_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("OPENSKELO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("db_path", "openskelo.db")
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8090)
	v.SetDefault("dispatcher.poll_interval_seconds", 2)
	v.SetDefault("dispatcher.execute_timeout_seconds", 1800)
	v.SetDefault("leases.ttl_seconds", 300)
	v.SetDefault("leases.heartbeat_interval_seconds", 30)
	v.SetDefault("leases.grace_period_seconds", 60)
	v.SetDefault("watchdog.interval_seconds", 60)
	v.SetDefault("watchdog.on_lease_expire", "requeue")
	v.SetDefault("wip_limits", map[string]int{"default": 1})

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if raw := v.Get("gates"); raw != nil {
		encoded, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("decode gates config: %w", err)
		}
		if err := json.Unmarshal(encoded, &cfg.Gates); err != nil {
			return nil, fmt.Errorf("decode gates config: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	seen := make(map[string]bool, len(c.Adapters))
	for i, a := range c.Adapters {
		if a.Name == "" {
			return fmt.Errorf("adapters[%d]: name is required", i)
		}
		if seen[a.Name] {
			return fmt.Errorf("adapters[%d]: duplicate name %q", i, a.Name)
		}
		seen[a.Name] = true
		switch a.Kind {
		case AdapterKindCLI:
			if a.Command == "" {
				return fmt.Errorf("adapter %q: command is required for kind cli", a.Name)
			}
		case AdapterKindHTTP:
			if a.URL == "" {
				return fmt.Errorf("adapter %q: url is required for kind http", a.Name)
			}
		default:
			return fmt.Errorf("adapter %q: unknown kind %q", a.Name, a.Kind)
		}
	}
	if p := c.Watchdog.OnLeaseExpire; p != "" && p != "requeue" && p != "block" {
		return fmt.Errorf("watchdog.on_lease_expire must be requeue or block, got %q", p)
	}
	return nil
}

// Durations derived from the integer-second keys.

func (d Dispatcher) PollInterval() time.Duration {
	return time.Duration(d.PollIntervalSeconds) * time.Second
}

func (d Dispatcher) ExecuteTimeout() time.Duration {
	return time.Duration(d.ExecuteTimeoutSeconds) * time.Second
}

func (l Leases) TTL() time.Duration {
	return time.Duration(l.TTLSeconds) * time.Second
}

func (l Leases) HeartbeatInterval() time.Duration {
	return time.Duration(l.HeartbeatIntervalSeconds) * time.Second
}

func (l Leases) GracePeriod() time.Duration {
	return time.Duration(l.GracePeriodSeconds) * time.Second
}

func (w Watchdog) Interval() time.Duration {
	return time.Duration(w.IntervalSeconds) * time.Second
}

func (a Adapter) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

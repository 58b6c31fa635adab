// Package config loads the appmgr daemon configuration from TOML with
// APPMGR_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/appmgr/internal/bundle"
	"github.com/loykin/appmgr/internal/logger"
	"github.com/loykin/appmgr/internal/orchestrator"
	"github.com/loykin/appmgr/internal/registry"
	"github.com/loykin/appmgr/internal/scheduler"
	apptls "github.com/loykin/appmgr/internal/tls"
)

// EnvPrefix prefixes every environment override, e.g. APPMGR_SCHEDULER_WORKERS.
const EnvPrefix = "APPMGR"

// sanitizerMultiple stretches the disconnect timeout under sanitizer builds.
const sanitizerMultiple = 75

var ErrInvalid = errors.New("config: invalid")

type SchedulerConfig struct {
	Workers    int    `toml:"workers" mapstructure:"workers"`
	DefaultQoS string `toml:"default_qos" mapstructure:"default_qos"`
}

type TimeoutConfig struct {
	AppStart   time.Duration `toml:"app_start" mapstructure:"app_start"`
	Attach     time.Duration `toml:"attach" mapstructure:"attach"`
	Load       time.Duration `toml:"load" mapstructure:"load"`
	Foreground time.Duration `toml:"foreground" mapstructure:"foreground"`
	Connect    time.Duration `toml:"connect" mapstructure:"connect"`
	DelayKill  time.Duration `toml:"delay_kill" mapstructure:"delay_kill"`
	Terminate  time.Duration `toml:"terminate" mapstructure:"terminate"`
	KillGrace  time.Duration `toml:"kill_grace" mapstructure:"kill_grace"`
	Sanitizer  bool          `toml:"sanitizer" mapstructure:"sanitizer"`
	// Ignore disables every timeout handler; meant for debugging hung apps.
	Ignore bool `toml:"ignore" mapstructure:"ignore"`
}

// DisconnectTimeout is the app start timeout, stretched under sanitizer
// builds.
func (t TimeoutConfig) DisconnectTimeout() time.Duration {
	if t.Sanitizer {
		return t.AppStart * sanitizerMultiple
	}
	return t.AppStart
}

// Orchestrator converts the configured values for the orchestrator.
func (t TimeoutConfig) Orchestrator() orchestrator.Timeouts {
	return orchestrator.Timeouts{
		Attach:     t.Attach,
		Load:       t.Load,
		Foreground: t.Foreground,
		DelayKill:  t.DelayKill,
		Terminate:  t.Terminate,
		Connect:    t.Connect,
		Disconnect: t.DisconnectTimeout(),
	}
}

// BackgroundConfig paces color mode updates to background processes.
type BackgroundConfig struct {
	BatchSize     int           `toml:"batch_size" mapstructure:"batch_size"`
	BatchInterval time.Duration `toml:"batch_interval" mapstructure:"batch_interval"`
}

func (b BackgroundConfig) Batch() registry.BatchPolicy {
	return registry.BatchPolicy{MaxCountPerBatch: b.BatchSize, Interval: b.BatchInterval}
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled" mapstructure:"enabled"`
	// UsageInterval is the CPU and memory sampling period of app processes;
	// zero disables sampling.
	UsageInterval time.Duration `toml:"usage_interval" mapstructure:"usage_interval"`
}

type ServerConfig struct {
	Listen   string          `toml:"listen" mapstructure:"listen"`
	BasePath string          `toml:"base_path" mapstructure:"base_path"`
	TLS      apptls.Settings `toml:"tls" mapstructure:"tls"`
}

type HistoryConfig struct {
	// DSNs lists lifecycle event sinks (sqlite, postgres, clickhouse,
	// opensearch); see history/factory.
	DSNs []string `toml:"dsns" mapstructure:"dsns"`
	// RingSize is the number of recent events kept for the dump API.
	RingSize int `toml:"ring_size" mapstructure:"ring_size"`
}

// BundleConfig declares an installed bundle for the listed users, or for
// every user when Users is empty.
type BundleConfig struct {
	Name          string `toml:"name" mapstructure:"name"`
	AppID         string `toml:"app_id" mapstructure:"app_id"`
	AppIdentifier string `toml:"app_identifier" mapstructure:"app_identifier"`
	JointUserID   string `toml:"joint_user_id" mapstructure:"joint_user_id"`
	Type          string `toml:"type" mapstructure:"type"`
	UID           int    `toml:"uid" mapstructure:"uid"`
	Users         []int  `toml:"users" mapstructure:"users"`
	AppIndex      int    `toml:"app_index" mapstructure:"app_index"`
	Singleton     bool   `toml:"singleton" mapstructure:"singleton"`
	KeepAlive     bool   `toml:"keep_alive" mapstructure:"keep_alive"`
	StageModel    bool   `toml:"stage_model" mapstructure:"stage_model"`
	Command       string `toml:"command" mapstructure:"command"`
	WorkDir       string `toml:"work_dir" mapstructure:"work_dir"`
	// Env entries are "K=V" and may reference ${VAR}.
	Env []string `toml:"env" mapstructure:"env"`
}

func (b BundleConfig) Info() bundle.BundleInfo {
	return bundle.BundleInfo{
		Name:          b.Name,
		AppID:         b.AppID,
		AppIdentifier: b.AppIdentifier,
		JointUserID:   b.JointUserID,
		Singleton:     b.Singleton,
		KeepAlive:     b.KeepAlive,
		StageModel:    b.StageModel,
		UID:           b.UID,
		Command:       b.Command,
		WorkDir:       b.WorkDir,
		Env:           b.Env,
		App: bundle.AppInfo{
			Name:       b.Name,
			BundleName: b.Name,
			UID:        b.UID,
			Type:       bundle.ParseType(b.Type),
			AppIndex:   b.AppIndex,
			KeepAlive:  b.KeepAlive,
		},
	}
}

type Config struct {
	Scheduler  SchedulerConfig  `toml:"scheduler" mapstructure:"scheduler"`
	Timeouts   TimeoutConfig    `toml:"timeouts" mapstructure:"timeouts"`
	Background BackgroundConfig `toml:"background" mapstructure:"background"`
	Log        logger.Config    `toml:"log" mapstructure:"log"`
	Metrics    MetricsConfig    `toml:"metrics" mapstructure:"metrics"`
	Server     ServerConfig     `toml:"server" mapstructure:"server"`
	History    HistoryConfig    `toml:"history" mapstructure:"history"`
	// UserID is the user whose bundles are resolved when loading abilities.
	UserID int `toml:"user_id" mapstructure:"user_id"`
	// Env is layered under every bundle's env.
	Env     []string       `toml:"env" mapstructure:"env"`
	Bundles []BundleConfig `toml:"bundles" mapstructure:"bundles"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.default_qos", scheduler.Default.String())

	v.SetDefault("timeouts.app_start", 10*time.Second)
	v.SetDefault("timeouts.attach", 10*time.Second)
	v.SetDefault("timeouts.load", 10*time.Second)
	v.SetDefault("timeouts.foreground", 5*time.Second)
	v.SetDefault("timeouts.connect", 10*time.Second)
	v.SetDefault("timeouts.delay_kill", time.Second)
	v.SetDefault("timeouts.terminate", 3*time.Second)
	v.SetDefault("timeouts.kill_grace", 3*time.Second)
	v.SetDefault("timeouts.sanitizer", false)
	v.SetDefault("timeouts.ignore", false)

	v.SetDefault("background.batch_size", 4)
	v.SetDefault("background.batch_interval", 500*time.Millisecond)

	v.SetDefault("log.slog.level", logger.LevelInfo)
	v.SetDefault("log.slog.format", logger.FormatText)
	v.SetDefault("log.slog.timestamps", true)
	v.SetDefault("log.file.dir", "")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.usage_interval", 15*time.Second)

	v.SetDefault("server.listen", "127.0.0.1:8087")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.tls.enabled", false)

	v.SetDefault("history.ring_size", 256)
	v.SetDefault("user_id", 0)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Default returns the configuration used without a file, with environment
// overrides applied.
func Default() (*Config, error) {
	return decode(newViper())
}

// Load reads the TOML file at path. An empty path yields Default.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return decode(v)
}

// Validate checks value ranges and bundle declarations.
func (c *Config) Validate() error {
	var errs []error
	if c.Scheduler.Workers <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.workers must be positive, got %d", c.Scheduler.Workers))
	}
	if q := scheduler.ParseQoS(c.Scheduler.DefaultQoS); q.String() != c.Scheduler.DefaultQoS {
		errs = append(errs, fmt.Errorf("scheduler.default_qos %q is not a QoS class", c.Scheduler.DefaultQoS))
	}
	if c.Timeouts.AppStart <= 0 {
		errs = append(errs, errors.New("timeouts.app_start must be positive"))
	}
	if c.Timeouts.Attach <= 0 {
		errs = append(errs, errors.New("timeouts.attach must be positive"))
	}
	for _, d := range []time.Duration{c.Timeouts.Load, c.Timeouts.Foreground, c.Timeouts.Connect,
		c.Timeouts.DelayKill, c.Timeouts.Terminate, c.Timeouts.KillGrace} {
		if d < 0 {
			errs = append(errs, errors.New("timeouts must not be negative"))
			break
		}
	}
	if c.Background.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("background.batch_size must be positive, got %d", c.Background.BatchSize))
	}
	if c.Background.BatchInterval < 0 {
		errs = append(errs, errors.New("background.batch_interval must not be negative"))
	}
	seen := make(map[string]bool, len(c.Bundles))
	for i, b := range c.Bundles {
		if b.Name == "" {
			errs = append(errs, fmt.Errorf("bundles[%d] requires name", i))
			continue
		}
		if seen[b.Name] {
			errs = append(errs, fmt.Errorf("bundle %s declared twice", b.Name))
		}
		seen[b.Name] = true
		if b.Command == "" {
			errs = append(errs, fmt.Errorf("bundle %s requires command", b.Name))
		}
	}
	if err := c.Server.TLS.Validate(); err != nil {
		errs = append(errs, err)
	}
	for i, kv := range c.Env {
		if k, _, ok := strings.Cut(kv, "="); !ok || k == "" {
			errs = append(errs, fmt.Errorf("env[%d] %q is not K=V", i, kv))
		}
	}
	for i, dsn := range c.History.DSNs {
		if strings.TrimSpace(dsn) == "" {
			errs = append(errs, fmt.Errorf("history.dsns[%d] is empty", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// BundleProvider builds the static bundle table from the declarations.
func (c *Config) BundleProvider() *bundle.Static {
	s := bundle.NewStatic()
	for _, b := range c.Bundles {
		if len(b.Users) == 0 {
			s.Add(-1, b.Info())
			continue
		}
		for _, u := range b.Users {
			s.Add(u, b.Info())
		}
	}
	return s
}

// DefaultQoS returns the parsed scheduler default class.
func (c *Config) DefaultQoS() scheduler.QoS {
	return scheduler.ParseQoS(c.Scheduler.DefaultQoS)
}

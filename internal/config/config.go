// Package config loads the devdock TOML configuration through viper.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/loykin/devdock/internal/logger"
	"github.com/loykin/devdock/internal/process"
	"github.com/loykin/devdock/internal/project"
)

// EnvPrefix prefixes environment overrides, e.g. DEVDOCK_SERVER_LISTEN.
const EnvPrefix = "DEVDOCK"

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Log        logger.Config    `mapstructure:"log"`
	Logs       LogsConfig       `mapstructure:"logs"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	History    HistoryConfig    `mapstructure:"history"`
	Env        []string         `mapstructure:"env"`
	EnvFiles   []string         `mapstructure:"env_files"`
	UseOSEnv   bool             `mapstructure:"use_os_env"`
	Projects   []ProjectConfig  `mapstructure:"projects"`

	// dir is the directory of the config file; relative project paths are
	// resolved against it.
	dir string
}

type ServerConfig struct {
	Listen   string    `mapstructure:"listen"`
	BasePath string    `mapstructure:"base_path"`
	TLS      TLSConfig `mapstructure:"tls"`
}

// TLSConfig serves the boundary over HTTPS. Either CertFile/KeyFile or Dir is
// used; with AutoGenerate a self-signed pair is written to Dir when missing.
type TLSConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	CertFile     string `mapstructure:"cert_file"`
	KeyFile      string `mapstructure:"key_file"`
	Dir          string `mapstructure:"dir"`
	AutoGenerate bool   `mapstructure:"auto_generate"`
	MinVersion   string `mapstructure:"min_version"` // 1.2 | 1.3
}

type StorageConfig struct {
	DSN string `mapstructure:"dsn"`
}

type LogsConfig struct {
	BufferSize int               `mapstructure:"buffer_size"`
	Mirror     logger.FileConfig `mapstructure:"mirror"`
}

type SupervisorConfig struct {
	GracePeriod time.Duration `mapstructure:"grace_period"`
	SettleDelay time.Duration `mapstructure:"settle_delay"`
	TreeDepth   int           `mapstructure:"tree_depth"`
	Shell       string        `mapstructure:"shell"`
}

type MonitorConfig struct {
	ResourceInterval time.Duration `mapstructure:"resource_interval"`
	PortInterval     time.Duration `mapstructure:"port_interval"`
	HealthInterval   time.Duration `mapstructure:"health_interval"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	DetectTimeout    time.Duration `mapstructure:"detect_timeout"`
	HealthPaths      []string      `mapstructure:"health_paths"`
	HealthHost       string        `mapstructure:"health_host"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type HistoryConfig struct {
	Sinks []string `mapstructure:"sinks"`
}

// ProjectConfig is one [[projects]] entry.
type ProjectConfig struct {
	project.Project `mapstructure:",squash"`
	Group           string `mapstructure:"group"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", "127.0.0.1:3001")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("storage.dsn", "file://~/.devdock/state.json")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.path", "")
	v.SetDefault("logs.buffer_size", 1000)
	v.SetDefault("logs.mirror.dir", "")
	v.SetDefault("supervisor.grace_period", 5*time.Second)
	v.SetDefault("supervisor.settle_delay", time.Second)
	v.SetDefault("supervisor.tree_depth", 3)
	v.SetDefault("supervisor.shell", process.DefaultShell)
	v.SetDefault("monitor.resource_interval", 5*time.Second)
	v.SetDefault("monitor.port_interval", 5*time.Second)
	v.SetDefault("monitor.health_interval", 10*time.Second)
	v.SetDefault("monitor.probe_timeout", 3*time.Second)
	v.SetDefault("monitor.detect_timeout", time.Second)
	v.SetDefault("monitor.health_paths", []string{"/health", "/healthz", "/api/health", "/status", "/ping"})
	v.SetDefault("monitor.health_host", "localhost")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "")
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
	}
	return v
}

// Load reads path and applies defaults and DEVDOCK_* overrides. An empty
// path yields the defaults alone.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return decode(v, path)
}

func decode(v *viper.Viper, path string) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if path != "" {
		if abs, err := filepath.Abs(path); err == nil {
			c.dir = filepath.Dir(abs)
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects non-positive intervals and malformed or duplicated
// projects.
func (c *Config) Validate() error {
	var errs []error
	for name, d := range map[string]time.Duration{
		"monitor.resource_interval": c.Monitor.ResourceInterval,
		"monitor.port_interval":     c.Monitor.PortInterval,
		"monitor.health_interval":   c.Monitor.HealthInterval,
		"monitor.probe_timeout":     c.Monitor.ProbeTimeout,
		"monitor.detect_timeout":    c.Monitor.DetectTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Supervisor.GracePeriod < 0 || c.Supervisor.SettleDelay < 0 {
		errs = append(errs, errors.New("supervisor durations must not be negative"))
	}
	if c.Logs.BufferSize <= 0 {
		errs = append(errs, errors.New("logs.buffer_size must be positive"))
	}
	seen := make(map[string]bool, len(c.Projects))
	for _, p := range c.Projects {
		if err := p.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("duplicate project id %q", p.ID))
		}
		seen[p.ID] = true
	}
	return errors.Join(errs...)
}

// ProjectList returns the resolved project records. Relative paths are taken
// from the config file's directory and a leading ~ is expanded.
func (c *Config) ProjectList() []project.Project {
	out := make([]project.Project, 0, len(c.Projects))
	for _, pc := range c.Projects {
		p := pc.Project
		p.Path = c.resolvePath(p.Path)
		if p.Name == "" {
			p.Name = p.ID
		}
		out = append(out, p)
	}
	return out
}

// ProjectGroups maps project ids to their configured group name.
func (c *Config) ProjectGroups() map[string]string {
	out := make(map[string]string)
	for _, pc := range c.Projects {
		if pc.Group != "" {
			out[pc.ID] = pc.Group
		}
	}
	return out
}

func (c *Config) resolvePath(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	if !filepath.IsAbs(p) && c.dir != "" {
		p = filepath.Join(c.dir, p)
	}
	return filepath.Clean(p)
}

// GlobalEnv merges the configured environment. With use_os_env the OS
// environment forms the base, env_files are applied in order, and the env
// list wins last.
func (c *Config) GlobalEnv() ([]string, error) {
	m := make(map[string]string)
	if c.UseOSEnv {
		for k, v := range splitPairs(os.Environ()) {
			m[k] = v
		}
	}
	for _, f := range c.EnvFiles {
		pairs, err := loadEnvFile(c.resolvePath(f))
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for k, v := range splitPairs(c.Env) {
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

func splitPairs(kvs []string) map[string]string {
	m := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

// loadEnvFile parses a dotenv file. Malformed lines are an error.
func loadEnvFile(path string) (map[string]string, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read env file: %w", err)
	}
	defer func() { _ = f.Close() }()
	vars, err := gotenv.StrictParse(f)
	if err != nil {
		return nil, fmt.Errorf("parse env file %s: %w", path, err)
	}
	return vars, nil
}

// Watch re-reads path whenever it changes on disk and hands every valid
// configuration to onChange. Invalid edits are logged and skipped.
func Watch(path string, log *slog.Logger, onChange func(*Config)) error {
	if path == "" {
		return errors.New("watch: no config file")
	}
	if log == nil {
		log = slog.Default()
	}
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		c, err := decode(v, path)
		if err != nil {
			log.Warn("ignoring invalid config change", "file", e.Name, "err", err)
			return
		}
		log.Info("config reloaded", "file", e.Name)
		onChange(c)
	})
	v.WatchConfig()
	return nil
}

// Package config loads mcpman settings from defaults, an optional YAML file
// and MCPMAN_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ilocn/mcpman/internal/logbuf"
	"github.com/ilocn/mcpman/internal/supervisor"
	"github.com/ilocn/mcpman/internal/tracing"
)

// EnvPrefix is prepended to every environment override, e.g.
// MCPMAN_WORKER_COMMAND for worker.command.
const EnvPrefix = "MCPMAN"

// LocalFile is looked up in the working directory before the user config.
const LocalFile = "mcpman.yaml"

// Config is the full mcpman configuration.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `mapstructure:"addr" yaml:"addr"`
	// Token is the worker API token used by autostart and by API calls
	// that omit one.
	Token     string `mapstructure:"token" yaml:"token"`
	Autostart bool   `mapstructure:"autostart" yaml:"autostart"`
	// LogCapacity bounds the in-memory worker log.
	LogCapacity int `mapstructure:"log_capacity" yaml:"log_capacity"`

	Log     LogConfig      `mapstructure:"log" yaml:"log"`
	Worker  WorkerConfig   `mapstructure:"worker" yaml:"worker"`
	Tracing tracing.Config `mapstructure:"tracing" yaml:"tracing"`
}

// LogConfig selects the process log handler.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// WorkerConfig describes the supervised worker process.
type WorkerConfig struct {
	Command        string            `mapstructure:"command" yaml:"command"`
	Args           []string          `mapstructure:"args" yaml:"args"`
	Dir            string            `mapstructure:"dir" yaml:"dir"`
	// Env keys are upper-cased on load.
	Env            map[string]string `mapstructure:"env" yaml:"env,omitempty"`
	TokenEnv       string            `mapstructure:"token_env" yaml:"token_env"`
	LogLevelEnv    string            `mapstructure:"log_level_env" yaml:"log_level_env"`
	LogLevel       string            `mapstructure:"log_level" yaml:"log_level"`
	Tag            string            `mapstructure:"tag" yaml:"tag"`
	ReadyPhrase    string            `mapstructure:"ready_phrase" yaml:"ready_phrase"`
	GracePeriod    time.Duration     `mapstructure:"grace_period" yaml:"grace_period"`
	RestartDelay   time.Duration     `mapstructure:"restart_delay" yaml:"restart_delay"`
	RequestTimeout time.Duration     `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	sup := supervisor.DefaultConfig()
	return Config{
		Addr:        ":3001",
		LogCapacity: logbuf.DefaultCapacity,
		Log:         LogConfig{Level: "info", Format: "auto"},
		Worker: WorkerConfig{
			Command:        "node",
			Args:           []string{"lifx-api-mcp-server.js"},
			Dir:            "lifx-mcp-server",
			TokenEnv:       sup.TokenEnv,
			LogLevelEnv:    sup.LogLevelEnv,
			LogLevel:       sup.LogLevel,
			Tag:            sup.Tag,
			ReadyPhrase:    sup.ReadyPhrase,
			GracePeriod:    sup.GracePeriod,
			RestartDelay:   sup.RestartDelay,
			RequestTimeout: sup.RequestTimeout,
		},
		Tracing: tracing.DefaultConfig(),
	}
}

// Supervisor converts the worker section into a supervisor.Config.
func (c Config) Supervisor() supervisor.Config {
	w := c.Worker
	return supervisor.Config{
		Command:        w.Command,
		Args:           append([]string(nil), w.Args...),
		Dir:            w.Dir,
		TokenEnv:       w.TokenEnv,
		LogLevelEnv:    w.LogLevelEnv,
		LogLevel:       w.LogLevel,
		ExtraEnv:       w.Env,
		Tag:            w.Tag,
		ReadyPhrase:    w.ReadyPhrase,
		GracePeriod:    w.GracePeriod,
		RestartDelay:   w.RestartDelay,
		RequestTimeout: w.RequestTimeout,
	}
}

// Validate reports settings that cannot work.
func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if c.Worker.Command == "" {
		errs = append(errs, errors.New("worker.command is required"))
	}
	if c.LogCapacity < 0 {
		errs = append(errs, fmt.Errorf("log_capacity must not be negative, got %d", c.LogCapacity))
	}
	for name, d := range map[string]time.Duration{
		"worker.grace_period":    c.Worker.GracePeriod,
		"worker.restart_delay":   c.Worker.RestartDelay,
		"worker.request_timeout": c.Worker.RequestTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", name, d))
		}
	}
	return errors.Join(errs...)
}

// UserConfigPath is ~/.config/mcpman/config.yaml.
func UserConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "mcpman", "config.yaml")
}

// Load reads the configuration. An explicit path must exist; otherwise
// ./mcpman.yaml and then the user config are tried, and if neither exists
// the defaults apply. It returns the file actually used, or "".
func Load(path string) (Config, string, error) {
	v := viper.New()
	setDefaults(v, Defaults())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	file := path
	if file == "" {
		file = findConfig()
	}
	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, "", fmt.Errorf("reading config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, "", fmt.Errorf("decoding config: %w", err)
	}
	cfg.Worker.Env = upperKeys(cfg.Worker.Env)
	if err := cfg.Validate(); err != nil {
		return Config{}, "", fmt.Errorf("invalid config: %w", err)
	}
	return cfg, file, nil
}

// upperKeys restores environment variable names; viper lower-cases every
// key it reads from a file.
func upperKeys(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToUpper(k)] = v
	}
	return out
}

func findConfig() string {
	for _, p := range []string{LocalFile, UserConfigPath()} {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("addr", d.Addr)
	v.SetDefault("token", d.Token)
	v.SetDefault("autostart", d.Autostart)
	v.SetDefault("log_capacity", d.LogCapacity)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("worker.command", d.Worker.Command)
	v.SetDefault("worker.args", d.Worker.Args)
	v.SetDefault("worker.dir", d.Worker.Dir)
	v.SetDefault("worker.token_env", d.Worker.TokenEnv)
	v.SetDefault("worker.log_level_env", d.Worker.LogLevelEnv)
	v.SetDefault("worker.log_level", d.Worker.LogLevel)
	v.SetDefault("worker.tag", d.Worker.Tag)
	v.SetDefault("worker.ready_phrase", d.Worker.ReadyPhrase)
	v.SetDefault("worker.grace_period", d.Worker.GracePeriod)
	v.SetDefault("worker.restart_delay", d.Worker.RestartDelay)
	v.SetDefault("worker.request_timeout", d.Worker.RequestTimeout)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
}

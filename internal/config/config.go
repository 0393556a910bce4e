// Package config loads service configuration from defaults, an optional YAML
// file, a .env file and REPLBOX_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. REPLBOX_REDIS_ADDR.
const EnvPrefix = "REPLBOX"

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type RedisConfig struct {
	Addr string `mapstructure:"addr"`
}

type QueueConfig struct {
	Stream           string        `mapstructure:"stream"`
	Group            string        `mapstructure:"group"`
	ResultsChannel   string        `mapstructure:"results_channel"`
	RecoveryInterval time.Duration `mapstructure:"recovery_interval"`
	RecoveryMaxAge   time.Duration `mapstructure:"recovery_max_age"`
}

type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	// ShutdownGrace is how long running jobs may continue after a shutdown signal.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

type SandboxConfig struct {
	Timeout       time.Duration     `mapstructure:"timeout"`
	MountPath     string            `mapstructure:"mount_path"`
	AutoRemove    bool              `mapstructure:"auto_remove"`
	KillOnTimeout bool              `mapstructure:"kill_on_timeout"`
	FrameBuffer   int               `mapstructure:"frame_buffer"`
	Images        map[string]string `mapstructure:"images"`
}

type WorkspaceConfig struct {
	BaseDir string `mapstructure:"base_dir"`
	HostDir string `mapstructure:"host_dir"`
}

type OutputConfig struct {
	Delimiters string `mapstructure:"delimiters"`
	MaxLength  int    `mapstructure:"max_length"`
	MaxPending int    `mapstructure:"max_pending"`
}

type RelayConfig struct {
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type RateLimitConfig struct {
	Rate  float64 `mapstructure:"rate"`
	Burst float64 `mapstructure:"burst"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Output    OutputConfig    `mapstructure:"output"`
	Relay     RelayConfig     `mapstructure:"relay"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Log       LogConfig       `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("queue.stream", "replbox:jobs")
	v.SetDefault("queue.group", "replbox:workers")
	v.SetDefault("queue.results_channel", "replbox:results")
	v.SetDefault("queue.recovery_interval", time.Minute)
	v.SetDefault("queue.recovery_max_age", 10*time.Minute)

	v.SetDefault("worker.concurrency", 1)
	v.SetDefault("worker.shutdown_grace", 30*time.Second)

	v.SetDefault("sandbox.timeout", 300*time.Second)
	v.SetDefault("sandbox.mount_path", "/workspace")
	v.SetDefault("sandbox.auto_remove", true)
	v.SetDefault("sandbox.kill_on_timeout", false)
	v.SetDefault("sandbox.frame_buffer", 64)
	v.SetDefault("sandbox.images", map[string]string{})

	v.SetDefault("workspace.base_dir", "")
	v.SetDefault("workspace.host_dir", "")

	v.SetDefault("output.delimiters", ":")
	v.SetDefault("output.max_length", 50)
	v.SetDefault("output.max_pending", 1024)

	v.SetDefault("relay.write_timeout", 5*time.Second)

	// 0.5 tokens/sec (1 request every 2s), burst of 5
	v.SetDefault("ratelimit.rate", 0.5)
	v.SetDefault("ratelimit.burst", 5.0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the built-in configuration.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Defaults are static; failing here is a programming error.
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	return &cfg
}

// Load reads configuration. An explicit path must exist; without one,
// replbox.yaml is looked up in the working directory and $HOME/.replbox and
// is optional. A .env file in the working directory is loaded into the
// environment first, without overriding variables that are already set.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err == nil {
		slog.Debug("Loaded .env file")
	}

	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	} else {
		v.SetConfigName("replbox")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.replbox")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Redis.Addr != "", "redis.addr is required")
	check(c.Queue.Stream != "" && c.Queue.Group != "", "queue.stream and queue.group are required")
	check(c.Queue.RecoveryInterval > 0, "queue.recovery_interval must be positive, got %s", c.Queue.RecoveryInterval)
	check(c.Worker.Concurrency >= 1, "worker.concurrency must be at least 1, got %d", c.Worker.Concurrency)
	check(c.Worker.ShutdownGrace > 0, "worker.shutdown_grace must be positive, got %s", c.Worker.ShutdownGrace)
	check(c.Sandbox.Timeout > 0, "sandbox.timeout must be positive, got %s", c.Sandbox.Timeout)
	// Recovery would otherwise acknowledge jobs that are still running.
	check(c.Queue.RecoveryMaxAge > c.Sandbox.Timeout,
		"queue.recovery_max_age (%s) must exceed sandbox.timeout (%s)", c.Queue.RecoveryMaxAge, c.Sandbox.Timeout)
	check(path.IsAbs(c.Sandbox.MountPath), "sandbox.mount_path must be absolute, got %q", c.Sandbox.MountPath)
	check(c.Sandbox.FrameBuffer >= 1, "sandbox.frame_buffer must be at least 1, got %d", c.Sandbox.FrameBuffer)
	check(c.Output.MaxLength >= 0, "output.max_length must not be negative, got %d", c.Output.MaxLength)
	check(c.Output.MaxPending >= 1, "output.max_pending must be at least 1, got %d", c.Output.MaxPending)
	check(c.Relay.WriteTimeout > 0, "relay.write_timeout must be positive, got %s", c.Relay.WriteTimeout)
	check(c.RateLimit.Rate > 0, "ratelimit.rate must be positive, got %v", c.RateLimit.Rate)
	check(c.RateLimit.Burst >= 1, "ratelimit.burst must be at least 1, got %v", c.RateLimit.Burst)
	check(c.Workspace.HostDir == "" || c.Workspace.BaseDir != "", "workspace.host_dir requires workspace.base_dir")

	var level slog.Level
	check(level.UnmarshalText([]byte(c.Log.Level)) == nil, "log.level %q is not a valid level", c.Log.Level)
	check(c.Log.Format == "text" || c.Log.Format == "json", "log.format must be text or json, got %q", c.Log.Format)

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

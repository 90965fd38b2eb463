// Package config loads runtime settings from defaults, an optional
// modhub.yaml and MODHUB_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/caffeineduck/modhub/capability"
)

const (
	// AppName is the application name.
	AppName = "modhub"
	// ConfigFileName is the name of the config file (without extension).
	ConfigFileName = "modhub"
	// EnvPrefix prefixes every environment override, e.g. MODHUB_LOG_LEVEL.
	EnvPrefix = "MODHUB"
)

const (
	PortWorker = "worker"
	PortWasm   = "wasm"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	LogLevel       string        `mapstructure:"log_level"`
	LogFormat      string        `mapstructure:"log_format"`
	PortType       string        `mapstructure:"port_type"`
	ResolveTimeout time.Duration `mapstructure:"resolve_timeout"`
	Wasm           WasmConfig    `mapstructure:"wasm"`
	HTTP           HTTPConfig    `mapstructure:"http"`
	KV             KVConfig      `mapstructure:"kv"`
	FS             FSConfig      `mapstructure:"fs"`
	Serve          ServeConfig   `mapstructure:"serve"`
}

type WasmConfig struct {
	CacheDir         string `mapstructure:"cache_dir"`
	MemoryLimitPages uint32 `mapstructure:"memory_limit_pages"`
}

type HTTPConfig struct {
	AllowedHosts []string `mapstructure:"allowed_hosts"`
	MaxBodySize  int64    `mapstructure:"max_body_size"`
}

type KVConfig struct {
	MaxEntries int `mapstructure:"max_entries"`
}

type FSConfig struct {
	// Mounts are "virtual:host[:ro|rw|rwc]" specs.
	Mounts []string `mapstructure:"mounts"`
}

type ServeConfig struct {
	Addr string `mapstructure:"addr"`
}

// DefaultConfig returns the settings used when nothing overrides them.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:       "info",
		LogFormat:      "console",
		PortType:       PortWorker,
		ResolveTimeout: 30 * time.Second,
		HTTP:           HTTPConfig{MaxBodySize: capability.DefaultMaxBodySize},
		KV:             KVConfig{MaxEntries: capability.DefaultKVMaxEntries},
		Serve:          ServeConfig{Addr: ":8080"},
	}
}

// Load reads the configuration. path names a config file that must exist;
// when empty, modhub.yaml is looked up in the working directory and
// skipped if absent.
func Load(path string) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("log_format", defaults.LogFormat)
	v.SetDefault("port_type", defaults.PortType)
	v.SetDefault("resolve_timeout", defaults.ResolveTimeout)
	v.SetDefault("wasm.cache_dir", defaults.Wasm.CacheDir)
	v.SetDefault("wasm.memory_limit_pages", defaults.Wasm.MemoryLimitPages)
	v.SetDefault("http.allowed_hosts", []string{})
	v.SetDefault("http.max_body_size", defaults.HTTP.MaxBodySize)
	v.SetDefault("kv.max_entries", defaults.KV.MaxEntries)
	v.SetDefault("fs.mounts", []string{})
	v.SetDefault("serve.addr", defaults.Serve.Addr)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file not found: %w", err)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(ConfigFileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level: %v", ErrInvalid, err)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("%w: log_format %q (expected json or console)", ErrInvalid, c.LogFormat)
	}
	switch c.PortType {
	case PortWorker, PortWasm:
	default:
		return fmt.Errorf("%w: port_type %q (expected %s or %s)", ErrInvalid, c.PortType, PortWorker, PortWasm)
	}
	if c.ResolveTimeout < 0 {
		return fmt.Errorf("%w: resolve_timeout must not be negative", ErrInvalid)
	}
	if _, err := c.Mounts(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Mounts parses fs.mounts.
func (c *Config) Mounts() ([]capability.Mount, error) {
	mounts := make([]capability.Mount, 0, len(c.FS.Mounts))
	for _, spec := range c.FS.Mounts {
		m, err := capability.ParseMount(spec)
		if err != nil {
			return nil, err
		}
		mounts = append(mounts, m)
	}
	return mounts, nil
}

// Logger builds the process logger: JSON in production format, colored
// console output otherwise.
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewDevelopmentConfig()
	zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	if c.LogFormat == "json" {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}

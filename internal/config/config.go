// Package config loads relaytree settings from flags, RELAYTREE_* environment
// variables and an optional YAML file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "RELAYTREE"

type Config struct {
	// Server side.
	Addr            string        `mapstructure:"addr"`
	StateDSN        string        `mapstructure:"state_dsn"`
	EventBusDSN     string        `mapstructure:"event_bus_dsn"`
	JWTSecret       string        `mapstructure:"jwt_secret"`
	RateLimitMax    int           `mapstructure:"rate_limit_max"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`

	// Client side.
	BaseURL         string        `mapstructure:"base_url"`
	Token           string        `mapstructure:"token"`
	Workspace       string        `mapstructure:"workspace"`
	SelectionFile   string        `mapstructure:"selection_file"`
	MountPoint      string        `mapstructure:"mount_point"`
	PageSize        int           `mapstructure:"page_size"`
	Timeout         time.Duration `mapstructure:"timeout"`
	ReconnectDelay  time.Duration `mapstructure:"reconnect_delay"`
	ReconnectJitter float64       `mapstructure:"reconnect_jitter"`

	LogLevel string `mapstructure:"log_level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8080")
	v.SetDefault("state_dsn", "")
	v.SetDefault("event_bus_dsn", "memory://")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("rate_limit_max", 0)
	v.SetDefault("rate_limit_window", time.Minute)
	v.SetDefault("max_body_bytes", int64(1<<20))
	v.SetDefault("base_url", "http://127.0.0.1:8080")
	v.SetDefault("token", "")
	v.SetDefault("workspace", "")
	v.SetDefault("selection_file", "")
	v.SetDefault("mount_point", "")
	v.SetDefault("page_size", 10)
	v.SetDefault("timeout", 15*time.Second)
	v.SetDefault("reconnect_delay", time.Second)
	v.SetDefault("reconnect_jitter", 0.2)
	v.SetDefault("log_level", "info")
}

// Load resolves the configuration. An explicit path must exist; without one
// the default file under the user config dir is read when present. Flags
// are bound by name with dashes mapped to underscores.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			if bindErr != nil || f.Name == "config" {
				return
			}
			bindErr = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
		})
		if bindErr != nil {
			return Config{}, fmt.Errorf("bind flags: %w", bindErr)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if dir, err := defaultDir(); err == nil {
		v.AddConfigPath(dir)
		v.SetConfigType("yaml")
		v.SetConfigName("config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	c.Token = strings.TrimSpace(c.Token)
	c.Workspace = strings.TrimSpace(c.Workspace)
	if c.PageSize <= 0 {
		c.PageSize = 10
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.ReconnectJitter < 0 {
		c.ReconnectJitter = 0
	}
	if c.ReconnectJitter > 1 {
		c.ReconnectJitter = 1
	}
}

func defaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "relaytree"), nil
}

// NewLogger builds the stderr logger shared by the binaries.
func NewLogger(level string) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	parsed, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logger.SetLevel(parsed)
	return logger, nil
}

package config

// loader.go - configuration loading with Viper.
//
// Precedence order (highest wins):
//   1. CLI flags  (bound through BindFlags)
//   2. Environment variables  (SSHMUX_ prefix)
//   3. Config file  (sshmux.yaml, .toml or .json)
//   4. Defaults   (defaults.go)

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, so the key
// keepalive_interval is read from SSHMUX_KEEPALIVE_INTERVAL.
const EnvPrefix = "SSHMUX"

// keys maps every config key to the CLI flag that overrides it.
var keys = []struct{ key, flag string }{
	{"host", "host"},
	{"port", "port"},
	{"user", "user"},
	{"password", "password"},
	{"key", "key"},
	{"passphrase", "passphrase"},
	{"agent", "agent"},
	{"strict_host_key", "strict-host-key"},
	{"known_hosts", "known-hosts"},
	{"keepalive_interval", "keepalive-interval"},
	{"keepalive_count_max", "keepalive-count-max"},
	{"ready_timeout", "ready-timeout"},
	{"connect_timeout", "connect-timeout"},
	{"log_format", "log-format"},
	{"verbose", "verbose"},
	{"metrics_addr", "metrics-addr"},
}

// Loader handles configuration loading with Viper.
type Loader struct {
	v          *viper.Viper
	configFile string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{v: viper.New()}
}

// SetConfigFile sets an explicit config file path. A missing explicit
// file is an error; a missing file on the search path is not.
func (l *Loader) SetConfigFile(path string) {
	l.configFile = path
}

// BindFlags lets flags in fs override file and environment values. Only
// flags the user actually set take precedence.
func (l *Loader) BindFlags(fs *pflag.FlagSet) error {
	for _, k := range keys {
		f := fs.Lookup(k.flag)
		if f == nil {
			continue
		}
		if err := l.v.BindPFlag(k.key, f); err != nil {
			return fmt.Errorf("bind flag --%s: %w", k.flag, err)
		}
	}
	return nil
}

// Load resolves the configuration. It does not validate: callers
// overlay the command-line target first and then call Validate.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()
	l.setupViper(cfg)

	if err := l.loadConfigFile(); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Key = expandTilde(cfg.Key)
	cfg.KnownHosts = expandTilde(cfg.KnownHosts)
	return cfg, nil
}

// ConfigFileUsed returns the config file that was loaded, if any.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

func (l *Loader) setupViper(cfg *Config) {
	v := l.v

	v.SetConfigName("sshmux")
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		v.AddConfigPath(filepath.Join(xdg, "sshmux"))
	}
	if home, _ := os.UserHomeDir(); home != "" {
		v.AddConfigPath(filepath.Join(home, ".config", "sshmux"))
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	l.setDefaults(cfg)
	v.AutomaticEnv()
}

// setDefaults registers every key so AutomaticEnv can see it during
// Unmarshal.
func (l *Loader) setDefaults(cfg *Config) {
	v := l.v

	v.SetDefault("host", cfg.Host)
	v.SetDefault("port", cfg.Port)
	v.SetDefault("user", cfg.User)

	v.SetDefault("password", cfg.Password)
	v.SetDefault("key", cfg.Key)
	v.SetDefault("passphrase", cfg.Passphrase)
	v.SetDefault("agent", cfg.Agent)

	v.SetDefault("strict_host_key", cfg.StrictHostKey)
	v.SetDefault("known_hosts", cfg.KnownHosts)

	v.SetDefault("keepalive_interval", cfg.KeepAliveInterval)
	v.SetDefault("keepalive_count_max", cfg.KeepAliveCountMax)
	v.SetDefault("ready_timeout", cfg.ReadyTimeout)
	v.SetDefault("connect_timeout", cfg.ConnectTimeout)

	v.SetDefault("log_format", cfg.LogFormat)
	v.SetDefault("verbose", cfg.Verbose)
	v.SetDefault("metrics_addr", cfg.MetricsAddr)
}

func (l *Loader) loadConfigFile() error {
	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	}
	err := l.v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		return nil
	}
	return err
}

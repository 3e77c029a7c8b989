// Package config loads sequencer settings from file, environment and flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opencode-ai/sequencer/internal/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SEQUENCER_LOG_LEVEL.
const EnvPrefix = "SEQUENCER"

// Config is the full sequencer configuration.
type Config struct {
	Director  DirectorConfig  `mapstructure:"director"`
	Log       LogConfig       `mapstructure:"log"`
	Journal   JournalConfig   `mapstructure:"journal"`
	Scenarios ScenariosConfig `mapstructure:"scenarios"`
	Random    RandomConfig    `mapstructure:"random"`
	Trace     TraceConfig     `mapstructure:"trace"`
}

// DirectorConfig tunes the host loop.
type DirectorConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
	QueueSize    int           `mapstructure:"queue_size"`
}

// LogConfig selects log level and format.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// JournalConfig controls the run journal.
type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// ScenariosConfig adds a scenario search directory.
type ScenariosConfig struct {
	Dir string `mapstructure:"dir"`
}

// RandomConfig seeds random groups. Zero means nondeterministic.
type RandomConfig struct {
	Seed uint64 `mapstructure:"seed"`
}

// TraceConfig turns on span export to stderr.
type TraceConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// configDirFunc is swapped in tests.
var configDirFunc = defaultConfigDir

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Director: DirectorConfig{
			TickInterval: 100 * time.Millisecond,
			QueueSize:    256,
		},
		Log: LogConfig{
			Level:  "info",
			Format: logging.FormatAuto,
		},
		Journal: JournalConfig{
			Path: filepath.Join(defaultDataDir(), "journal.db"),
		},
	}
}

// Load reads configuration. An empty path looks for config.yaml in the
// user config dir; a missing default file is not an error, a missing
// explicit file is.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigType("yaml")
	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(configDirFunc())
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Journal.Path = expandHome(cfg.Journal.Path)
	cfg.Scenarios.Dir = expandHome(cfg.Scenarios.Dir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("director.tick_interval", cfg.Director.TickInterval)
	v.SetDefault("director.queue_size", cfg.Director.QueueSize)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("journal.enabled", cfg.Journal.Enabled)
	v.SetDefault("journal.path", cfg.Journal.Path)
	v.SetDefault("scenarios.dir", cfg.Scenarios.Dir)
	v.SetDefault("random.seed", cfg.Random.Seed)
	v.SetDefault("trace.enabled", cfg.Trace.Enabled)
}

// Validate checks the configuration for values the engine cannot use.
func (c *Config) Validate() error {
	if c.Director.TickInterval <= 0 {
		return fmt.Errorf("director.tick_interval must be positive, got %s", c.Director.TickInterval)
	}
	if c.Director.QueueSize <= 0 {
		return fmt.Errorf("director.queue_size must be positive, got %d", c.Director.QueueSize)
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(c.Log.Level))); err != nil {
		return fmt.Errorf("invalid log.level %q", c.Log.Level)
	}
	switch strings.ToLower(strings.TrimSpace(c.Log.Format)) {
	case logging.FormatAuto, logging.FormatConsole, logging.FormatJSON:
	default:
		return fmt.Errorf("invalid log.format %q", c.Log.Format)
	}
	if c.Journal.Enabled && strings.TrimSpace(c.Journal.Path) == "" {
		return fmt.Errorf("journal.path is required when the journal is enabled")
	}
	return nil
}

// ConfigDir returns where the default config file lives.
func ConfigDir() string {
	return configDirFunc()
}

func defaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "sequencer")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sequencer"
	}
	return filepath.Join(home, ".config", "sequencer")
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "sequencer")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sequencer"
	}
	return filepath.Join(home, ".local", "share", "sequencer")
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

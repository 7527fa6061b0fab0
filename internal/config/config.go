package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/marcelocantos/parapipe/internal/engine"
	"github.com/marcelocantos/parapipe/internal/logging"
	"github.com/marcelocantos/parapipe/internal/pipeline"
)

// EnvPrefix prefixes every environment override, e.g. PARAPIPE_LANES.
const EnvPrefix = "parapipe"

// ErrInvalid marks a configuration that cannot be run.
var ErrInvalid = errors.New("invalid configuration")

// Config holds the global parapipe configuration.
type Config struct {
	Lanes         int           `yaml:"lanes"`
	Shell         string        `yaml:"shell"`
	QueueCapacity int           `yaml:"queue_capacity" split_words:"true"`
	Tag           bool          `yaml:"tag"`
	Rate          float64       `yaml:"rate"`
	MetricsFile   string        `yaml:"metrics_file" split_words:"true"`
	Drain         DrainConfig   `yaml:"drain"`
	Log           LogConfig     `yaml:"log"`
	Journal       JournalConfig `yaml:"journal"`
}

// DrainConfig controls how lanes wait for stage output.
type DrainConfig struct {
	// Wait is "poll" or "backoff".
	Wait string `yaml:"wait"`

	// Backoff is the sleep between reads with "backoff"; PollTimeout bounds
	// each poll(2) with "poll". Both are Go durations such as "5ms".
	Backoff     string `yaml:"backoff"`
	PollTimeout string `yaml:"poll_timeout" split_words:"true"`
}

// LogConfig controls diagnostic logging.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// JournalConfig controls the run journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Lanes: runtime.NumCPU(),
		Shell: pipeline.DefaultShell,
		Drain: DrainConfig{
			Wait:        pipeline.WaitPoll.String(),
			Backoff:     "1ms",
			PollTimeout: "100ms",
		},
		Log: LogConfig{
			Level:       "warn",
			Development: true,
		},
		Journal: JournalConfig{
			Path: filepath.Join(home, ".local", "share", "parapipe", "journal.jsonl"),
		},
	}
}

// Load reads the config from the standard location
// (~/.config/parapipe/config.yaml) and applies environment overrides.
// A missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(ConfigPath())
}

// LoadFrom reads the config from path and applies environment overrides.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	case os.IsNotExist(err) || path == "":
	default:
		return nil, errors.Wrap(err, "read config")
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	cfg.Journal.Path = expandHome(cfg.Journal.Path)
	cfg.MetricsFile = expandHome(cfg.MetricsFile)
	return cfg, nil
}

// ApplyEnv overrides fields from PARAPIPE_* environment variables. Unset
// variables leave the field alone.
func (c *Config) ApplyEnv() error {
	if err := envconfig.Process(EnvPrefix, c); err != nil {
		return errors.Wrap(err, "environment")
	}
	return nil
}

// Validate reports the first setting that cannot be run. The error wraps
// ErrInvalid, or engine.ErrLaneCount for a bad lane count.
func (c *Config) Validate() error {
	if c.Lanes < 1 {
		return errors.Wrapf(engine.ErrLaneCount, "lanes %d", c.Lanes)
	}
	if c.QueueCapacity < 0 {
		return errors.Wrapf(ErrInvalid, "queue_capacity %d is negative", c.QueueCapacity)
	}
	if c.Rate < 0 {
		return errors.Wrapf(ErrInvalid, "rate %g is negative", c.Rate)
	}
	if _, err := c.ChainConfig(); err != nil {
		return err
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrapf(ErrInvalid, "log.level: %v", err)
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		return errors.Wrap(ErrInvalid, "journal.enabled without journal.path")
	}
	return nil
}

// ChainConfig converts the shell and drain settings.
func (c *Config) ChainConfig() (pipeline.ChainConfig, error) {
	cc := pipeline.DefaultChainConfig()
	if c.Shell != "" {
		cc.Shell = c.Shell
	}

	wait, err := pipeline.ParseWaitStrategy(c.Drain.Wait)
	if err != nil {
		return cc, errors.Wrapf(ErrInvalid, "drain.wait: %v", err)
	}
	cc.Wait = wait

	if cc.Backoff, err = parseDuration(c.Drain.Backoff, cc.Backoff); err != nil {
		return cc, errors.Wrapf(ErrInvalid, "drain.backoff: %v", err)
	}
	if cc.PollTimeout, err = parseDuration(c.Drain.PollTimeout, cc.PollTimeout); err != nil {
		return cc, errors.Wrapf(ErrInvalid, "drain.poll_timeout: %v", err)
	}
	return cc, nil
}

// EngineConfig converts the run settings. Call Validate first.
func (c *Config) EngineConfig() (engine.Config, error) {
	cc, err := c.ChainConfig()
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Lanes:         c.Lanes,
		QueueCapacity: c.QueueCapacity,
		Tag:           c.Tag,
		Rate:          c.Rate,
		Chain:         cc,
	}, nil
}

// LoggingConfig converts the log settings.
func (c *Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = c.Log.Level
	cfg.Development = c.Log.Development
	return cfg
}

// ConfigPath returns the standard config file path.
func ConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "parapipe", "config.yaml")
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, errors.Errorf("%s is negative", s)
	}
	return d, nil
}

func expandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, path[1:])
}

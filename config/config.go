// Package config provides the YAML configuration schema and loader for
// the voice equalizer.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cwbudde/algo-voiceeq/eq"
)

// Defaults applied to unset fields.
const (
	DefaultSampleRate      = 48000
	DefaultFrameSize       = 1024
	DefaultChannels        = 1
	DefaultGlitchTolerance = 3
	DefaultPresetDir       = "presets"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to the slog level, defaulting to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration, typically loaded from a YAML file
// using [Load] or [LoadFromReader].
type Config struct {
	Audio   AudioConfig   `yaml:"audio"`
	Presets PresetConfig  `yaml:"presets"`
	Metrics MetricsConfig `yaml:"metrics"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// AudioConfig holds the stream session format and behavior.
type AudioConfig struct {
	// InputDevice and OutputDevice name the endpoints to open; empty
	// selects the backend default.
	InputDevice  string `yaml:"input_device"`
	OutputDevice string `yaml:"output_device"`

	SampleRate int `yaml:"sample_rate"`
	FrameSize  int `yaml:"frame_size"`
	Channels   int `yaml:"channels"`

	// Gate enables the noise gate; GateThresholdDB is its open
	// threshold in dBFS.
	Gate            bool    `yaml:"gate"`
	GateThresholdDB float64 `yaml:"gate_threshold_db"`

	// GlitchTolerance caps consecutive tolerated underruns/overruns
	// before the session terminates.
	GlitchTolerance int `yaml:"glitch_tolerance"`
}

// PresetConfig locates the preset store and the preset loaded at start.
type PresetConfig struct {
	// Dir is the preset store directory.
	Dir string `yaml:"dir"`

	// Name is the preset loaded at session start; empty starts with
	// the built-in voice bands.
	Name string `yaml:"name"`
}

// MetricsConfig controls the Prometheus scrape endpoint. An empty
// listen address disables it.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Audio.SampleRate == 0 {
		c.Audio.SampleRate = DefaultSampleRate
	}
	if c.Audio.FrameSize == 0 {
		c.Audio.FrameSize = DefaultFrameSize
	}
	if c.Audio.Channels == 0 {
		c.Audio.Channels = DefaultChannels
	}
	if c.Audio.GlitchTolerance == 0 {
		c.Audio.GlitchTolerance = DefaultGlitchTolerance
	}
	if c.Audio.Gate && c.Audio.GateThresholdDB == 0 {
		c.Audio.GateThresholdDB = eq.DefaultGateThresholdDB
	}
	if c.Presets.Dir == "" {
		c.Presets.Dir = DefaultPresetDir
	}
	if c.LogLevel == "" {
		c.LogLevel = LogInfo
	}
}

// Load reads the YAML configuration file at path and returns a
// validated config with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Unknown fields are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			// An empty file means all defaults.
			cfg = &Config{}
		} else {
			return nil, fmt.Errorf("config: decode yaml: %w", err)
		}
	}
	cfg.applyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It
// returns a joined error listing all failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	if cfg.Audio.FrameSize <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d must be positive", cfg.Audio.FrameSize))
	}
	if cfg.Audio.Channels < 1 || cfg.Audio.Channels > 8 {
		errs = append(errs, fmt.Errorf("audio.channels %d is out of range [1, 8]", cfg.Audio.Channels))
	}
	if cfg.Audio.Gate && cfg.Audio.GateThresholdDB >= 0 {
		errs = append(errs, fmt.Errorf("audio.gate_threshold_db %.1f must be negative (dBFS)", cfg.Audio.GateThresholdDB))
	}
	if cfg.Audio.GlitchTolerance < 0 {
		errs = append(errs, fmt.Errorf("audio.glitch_tolerance %d must not be negative", cfg.Audio.GlitchTolerance))
	}
	if !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	return errors.Join(errs...)
}

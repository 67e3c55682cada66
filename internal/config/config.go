// Package config loads structgate settings from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/danielpatrickdp/structgate/internal/gate"
	"github.com/danielpatrickdp/structgate/internal/monitor"
	"github.com/danielpatrickdp/structgate/internal/signals"
	"gopkg.in/yaml.v3"
)

// Environment overrides applied after the file is read.
const (
	EnvDBPath     = "STRUCTGATE_DB"
	EnvCodecAddr  = "CODEC_ADDR"
	EnvStreamAddr = "STRUCTGATE_LISTEN"
)

// #region types
// Config is the full structgate configuration file.
type Config struct {
	Probe   ProbeConfig   `yaml:"probe" json:"probe"`
	Gate    GateConfig    `yaml:"gate" json:"gate"`
	Monitor MonitorConfig `yaml:"monitor" json:"monitor"`
	Storage StorageConfig `yaml:"storage" json:"storage"`
	Codec   CodecConfig   `yaml:"codec" json:"codec"`
	Stream  StreamConfig  `yaml:"stream" json:"stream"`
}

// ProbeConfig configures the probe suite.
type ProbeConfig struct {
	WindowSize int     `yaml:"window_size" json:"window_size"`
	MinFill    int     `yaml:"min_fill" json:"min_fill"`
	Center     bool    `yaml:"center" json:"center"`
	Layer      string  `yaml:"layer" json:"layer"`
	PrevLayer  string  `yaml:"prev_layer" json:"prev_layer"`
	DeltaMode  string  `yaml:"delta_mode" json:"delta_mode"`
	Tolerance  float64 `yaml:"tolerance" json:"tolerance"`
}

// GateConfig configures the decision gate.
type GateConfig struct {
	EntropyThreshold float64  `yaml:"entropy_threshold" json:"entropy_threshold"`
	MarginThreshold  float64  `yaml:"margin_threshold" json:"margin_threshold"`
	SVRatioThreshold float64  `yaml:"sv_ratio_threshold" json:"sv_ratio_threshold"`
	SVRatioAction    string   `yaml:"sv_ratio_action" json:"sv_ratio_action"`
	EntropyStreak    int      `yaml:"entropy_streak" json:"entropy_streak"`
	PolicySet        []string `yaml:"policy_set" json:"policy_set"`
	TieBreakOrder    []string `yaml:"tie_break_order" json:"tie_break_order"`
}

// MonitorConfig configures the training monitor.
type MonitorConfig struct {
	WindowSize          int     `yaml:"window_size" json:"window_size"`
	MinFill             int     `yaml:"min_fill" json:"min_fill"`
	CollapseThreshold   float64 `yaml:"collapse_threshold" json:"collapse_threshold"`
	MaxActivationEnergy float64 `yaml:"max_activation_energy" json:"max_activation_energy"`
	EntropyBaseline     float64 `yaml:"entropy_baseline" json:"entropy_baseline"`
}

// StorageConfig locates the SQLite database. An empty path disables persistence.
type StorageConfig struct {
	DBPath string `yaml:"db_path" json:"db_path"`
}

// CodecConfig locates a remote model service.
type CodecConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

// StreamConfig sets the websocket listen address. Empty disables streaming.
type StreamConfig struct {
	Listen string `yaml:"listen" json:"listen"`
}

// #endregion types

// #region defaults
// Default returns the built-in configuration.
func Default() *Config {
	suite := signals.DefaultSuiteConfig()
	settings := gate.DefaultSettings()
	mon := monitor.DefaultMonitorConfig()
	return &Config{
		Probe: ProbeConfig{
			WindowSize: suite.Trajectory.WindowSize,
			MinFill:    suite.Trajectory.MinFill,
			Center:     suite.Trajectory.Center,
			Layer:      suite.Layer,
			PrevLayer:  suite.PrevLayer,
			DeltaMode:  suite.DeltaMode,
			Tolerance:  suite.Tolerance,
		},
		Gate: GateConfig{
			EntropyThreshold: settings.EntropyThreshold,
			MarginThreshold:  settings.MarginThreshold,
			SVRatioThreshold: settings.SVRatioThreshold,
			SVRatioAction:    settings.SVRatioAction,
			EntropyStreak:    settings.EntropyStreak,
			PolicySet:        settings.PolicySet,
			TieBreakOrder:    settings.TieBreakOrder,
		},
		Monitor: MonitorConfig{
			WindowSize:          mon.Trajectory.WindowSize,
			MinFill:             mon.Trajectory.MinFill,
			CollapseThreshold:   mon.CollapseThreshold,
			MaxActivationEnergy: mon.MaxActivationEnergy,
			EntropyBaseline:     mon.EntropyBaseline,
		},
		Storage: StorageConfig{DBPath: "structgate.db"},
		Codec:   CodecConfig{Addr: "localhost:50051"},
	}
}

// #endregion defaults

// #region load-save
// Load reads path over the defaults, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads path, or returns the defaults (with environment
// overrides) when path is empty or missing.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config: %w", err)
		}
	}
	cfg := Default()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Storage.DBPath = envOr(EnvDBPath, c.Storage.DBPath)
	c.Codec.Addr = envOr(EnvCodecAddr, c.Codec.Addr)
	c.Stream.Listen = envOr(EnvStreamAddr, c.Stream.Listen)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// #endregion load-save

// #region convert
// Validate checks every section by building the components it configures.
func (c *Config) Validate() error {
	if _, err := signals.NewSuite(c.SuiteConfig()); err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	if _, err := c.GateSettings().Build(); err != nil {
		return fmt.Errorf("gate: %w", err)
	}
	if _, err := monitor.NewMonitor(c.MonitorConfig()); err != nil {
		return fmt.Errorf("monitor: %w", err)
	}
	return nil
}

// SuiteConfig converts the probe section.
func (c *Config) SuiteConfig() signals.SuiteConfig {
	return signals.SuiteConfig{
		Layer:     c.Probe.Layer,
		PrevLayer: c.Probe.PrevLayer,
		DeltaMode: c.Probe.DeltaMode,
		Tolerance: c.Probe.Tolerance,
		Trajectory: signals.TrajectoryConfig{
			WindowSize: c.Probe.WindowSize,
			MinFill:    c.Probe.MinFill,
			Center:     c.Probe.Center,
		},
	}
}

// GateSettings converts the gate section.
func (c *Config) GateSettings() gate.Settings {
	return gate.Settings{
		EntropyThreshold: c.Gate.EntropyThreshold,
		MarginThreshold:  c.Gate.MarginThreshold,
		SVRatioThreshold: c.Gate.SVRatioThreshold,
		SVRatioAction:    c.Gate.SVRatioAction,
		EntropyStreak:    c.Gate.EntropyStreak,
		PolicySet:        append([]string(nil), c.Gate.PolicySet...),
		TieBreakOrder:    append([]string(nil), c.Gate.TieBreakOrder...),
	}
}

// MonitorConfig converts the monitor section.
func (c *Config) MonitorConfig() monitor.MonitorConfig {
	return monitor.MonitorConfig{
		Trajectory: signals.TrajectoryConfig{
			WindowSize: c.Monitor.WindowSize,
			MinFill:    c.Monitor.MinFill,
		},
		CollapseThreshold:   c.Monitor.CollapseThreshold,
		MaxActivationEnergy: c.Monitor.MaxActivationEnergy,
		EntropyBaseline:     c.Monitor.EntropyBaseline,
	}
}

// #endregion convert

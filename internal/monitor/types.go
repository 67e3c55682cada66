package monitor

import "github.com/danielpatrickdp/structgate/internal/signals"

// #region monitor-config
// MonitorConfig holds thresholds for training-time health checks.
type MonitorConfig struct {
	Trajectory          signals.TrajectoryConfig
	CollapseThreshold   float64 // sv_ratio above this flags representation collapse
	MaxActivationEnergy float64 // L2 norm above this flags numeric explosion
	EntropyBaseline     float64 // informational: warn when output entropy rises above
}

// DefaultMonitorConfig returns a 10-step window with a 0.8 collapse threshold.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Trajectory:          signals.TrajectoryConfig{WindowSize: 10, MinFill: 2},
		CollapseThreshold:   0.8,
		MaxActivationEnergy: 1e4,
		EntropyBaseline:     2.0,
	}
}

// #endregion monitor-config

// #region check
// Check captures a single health check result. Informational checks never
// make a status unhealthy.
type Check struct {
	Name          string  `json:"name"`
	Value         float64 `json:"value"`
	Pass          bool    `json:"pass"`
	Informational bool    `json:"informational,omitempty"`
}

// #endregion check

// #region health-status
// HealthStatus is the monitor's verdict for one training step.
type HealthStatus struct {
	Step      int              `json:"step"`
	SVRatio   signals.Optional `json:"sv_ratio"`
	Collapsed bool             `json:"collapsed"`
	Exploded  bool             `json:"exploded"`
	Checks    []Check          `json:"checks"`
	Reason    string           `json:"reason"`
}

// Healthy reports whether no blocking check failed.
func (s HealthStatus) Healthy() bool { return !s.Collapsed && !s.Exploded }

// Buffering reports whether the trajectory window is still filling.
func (s HealthStatus) Buffering() bool { return !s.SVRatio.Valid() }

// #endregion health-status

package monitor

import (
	"errors"
	"fmt"
	"log"

	"github.com/danielpatrickdp/structgate/internal/signals"
)

// Observation is what a training loop hands the monitor for one step: the
// probed hidden state and, optionally, the output logits.
type Observation struct {
	Step   int
	Hidden []float64
	Logits []float64
}

// #region monitor
// Monitor watches a training run for representation collapse and numeric
// explosion. It only reads activations; stopping the run is the caller's call.
type Monitor struct {
	config     MonitorConfig
	trajectory *signals.TrajectoryProbe
	instant    *signals.InstantProbe
	output     *signals.OutputProbe
}

// NewMonitor creates a monitor with its own trajectory window.
func NewMonitor(config MonitorConfig) (*Monitor, error) {
	traj, err := signals.NewTrajectoryProbe(config.Trajectory)
	if err != nil {
		return nil, fmt.Errorf("monitor: %w", err)
	}
	if config.CollapseThreshold <= 0 || config.CollapseThreshold > 1 {
		return nil, fmt.Errorf("monitor: collapse threshold %.4f outside (0, 1]", config.CollapseThreshold)
	}
	return &Monitor{
		config:     config,
		trajectory: traj,
		instant:    signals.NewInstantProbe(),
		output:     signals.NewOutputProbe(signals.DefaultTolerance),
	}, nil
}

// Analyze runs the health checks for one step. Non-finite activations count
// as an explosion rather than an error; a hidden-state dimension change is
// returned as an error.
func (m *Monitor) Analyze(obs Observation) (HealthStatus, error) {
	status := HealthStatus{Step: obs.Step}
	var failReasons []string

	// 1. Activation energy: blocking
	im, err := m.instant.Observe(obs.Hidden, nil)
	switch {
	case errors.Is(err, signals.ErrNonFinite):
		status.Exploded = true
		status.Checks = append(status.Checks, Check{Name: "activation_energy", Pass: false})
		status.Reason = "explosion: non-finite activations"
		log.Printf("[MONITOR] step=%d %s", obs.Step, status.Reason)
		return status, nil
	case err != nil:
		return status, fmt.Errorf("monitor step %d: %w", obs.Step, err)
	}
	energyPass := im.ActivationEnergy <= m.config.MaxActivationEnergy
	status.Checks = append(status.Checks, Check{Name: "activation_energy", Value: im.ActivationEnergy, Pass: energyPass})
	if !energyPass {
		status.Exploded = true
		failReasons = append(failReasons, fmt.Sprintf("explosion: activation energy %.4g exceeds %.4g", im.ActivationEnergy, m.config.MaxActivationEnergy))
	}

	// 2. Trajectory collapse: blocking once the window is filled
	ratio, err := m.trajectory.Observe(obs.Hidden)
	if err != nil {
		return status, fmt.Errorf("monitor step %d: %w", obs.Step, err)
	}
	status.SVRatio = ratio
	if r, ok := ratio.Get(); ok {
		collapsePass := r <= m.config.CollapseThreshold
		status.Checks = append(status.Checks, Check{Name: "sv_ratio", Value: r, Pass: collapsePass})
		if !collapsePass {
			status.Collapsed = true
			failReasons = append(failReasons, fmt.Sprintf("collapse: sv_ratio %.4f exceeds %.4f", r, m.config.CollapseThreshold))
		}
	}

	// 3. Output entropy: informational only
	if len(obs.Logits) > 0 {
		if om, err := m.output.ObserveLogits(obs.Logits); err == nil {
			status.Checks = append(status.Checks, Check{
				Name:          "entropy",
				Value:         om.Entropy,
				Pass:          om.Entropy <= m.config.EntropyBaseline,
				Informational: true,
			})
		}
	}

	switch {
	case len(failReasons) == 1:
		status.Reason = failReasons[0]
	case len(failReasons) > 1:
		status.Reason = fmt.Sprintf("%d checks failed: %s", len(failReasons), failReasons[0])
	case status.Buffering():
		status.Reason = fmt.Sprintf("buffering %d/%d", m.trajectory.Len(), m.config.Trajectory.MinFill)
	default:
		status.Reason = "all checks passed"
	}
	if !status.Healthy() {
		log.Printf("[MONITOR] step=%d %s", obs.Step, status.Reason)
	}
	return status, nil
}

// Reset clears the trajectory window.
func (m *Monitor) Reset() { m.trajectory.Reset() }

// #endregion monitor

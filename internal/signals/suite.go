package signals

import (
	"fmt"
	"log"
)

// #region config

// Delta modes select what the instant probe compares the traced layer against.
const (
	DeltaModeStep  = "step"  // same layer, previous step
	DeltaModeLayer = "layer" // previous layer, same step
)

// Default layer names exposed by model adapters.
const (
	DefaultLayer     = "last"
	DefaultPrevLayer = "prev"
)

// SuiteConfig holds the knobs for every probe in the suite.
type SuiteConfig struct {
	Layer      string  // layer traced by the instant and trajectory probes
	PrevLayer  string  // comparison layer in DeltaModeLayer
	DeltaMode  string  // DeltaModeStep | DeltaModeLayer
	Tolerance  float64 // distribution normalization tolerance
	Trajectory TrajectoryConfig
}

// DefaultSuiteConfig returns sensible defaults.
func DefaultSuiteConfig() SuiteConfig {
	return SuiteConfig{
		Layer:      DefaultLayer,
		PrevLayer:  DefaultPrevLayer,
		DeltaMode:  DeltaModeStep,
		Tolerance:  DefaultTolerance,
		Trajectory: DefaultTrajectoryConfig(),
	}
}

// #endregion config

// #region suite

// Suite runs the output, instant and trajectory probes for each step and
// fuses their outputs into one MetricsRecord. A failing probe leaves its
// fields absent and is listed in the record's Failures; it never prevents
// the other probes from reporting.
type Suite struct {
	config     SuiteConfig
	output     *OutputProbe
	instant    *InstantProbe
	trajectory *TrajectoryProbe
	previous   []float64 // copy of the traced layer from the last step
}

// NewSuite creates a Suite with its own trajectory window.
func NewSuite(config SuiteConfig) (*Suite, error) {
	if config.Layer == "" {
		config.Layer = DefaultLayer
	}
	if config.PrevLayer == "" {
		config.PrevLayer = DefaultPrevLayer
	}
	switch config.DeltaMode {
	case "":
		config.DeltaMode = DeltaModeStep
	case DeltaModeStep, DeltaModeLayer:
	default:
		return nil, fmt.Errorf("unknown delta mode %q", config.DeltaMode)
	}
	traj, err := NewTrajectoryProbe(config.Trajectory)
	if err != nil {
		return nil, err
	}
	return &Suite{
		config:     config,
		output:     NewOutputProbe(config.Tolerance),
		instant:    NewInstantProbe(),
		trajectory: traj,
	}, nil
}

// Config returns the suite configuration with defaults applied.
func (s *Suite) Config() SuiteConfig { return s.config }

// #endregion suite

// #region observe

// Observe runs output -> instant -> trajectory for one step.
func (s *Suite) Observe(in StepInput) MetricsRecord {
	rec := MetricsRecord{Step: in.Step}

	// 1. Output probe
	if om, err := s.observeOutput(in); err != nil {
		rec.fail(ProbeOutput, err)
	} else {
		rec.Entropy = Some(om.Entropy)
		rec.Margin = Some(om.Margin)
	}

	current, hasLayer := in.Layers[s.config.Layer]

	// 2. Instant internal probe
	if im, err := s.observeInstant(in, current, hasLayer); err != nil {
		rec.fail(ProbeInstant, err)
	} else {
		rec.LayerDelta = im.LayerDelta
		rec.ActivationEnergy = Some(im.ActivationEnergy)
	}

	// 3. Trajectory probe
	if !hasLayer {
		rec.fail(ProbeTrajectory, fmt.Errorf("%w: %q", ErrMissingLayer, s.config.Layer))
	} else if ratio, err := s.trajectory.Observe(current); err != nil {
		rec.fail(ProbeTrajectory, err)
	} else {
		rec.SVRatio = ratio
	}
	rec.WindowLen = s.trajectory.Len()

	if hasLayer {
		s.previous = append(s.previous[:0], current...)
	}

	for _, f := range rec.Failures {
		log.Printf("[SUITE] step=%d probe=%s degraded: %s", rec.Step, f.Probe, f.Err)
	}
	return rec
}

// Reset clears per-session state: the previous vector and the trajectory.
func (s *Suite) Reset() {
	s.previous = nil
	s.trajectory.Reset()
}

func (s *Suite) observeOutput(in StepInput) (OutputMetrics, error) {
	if len(in.Probs) > 0 {
		return s.output.Observe(in.Probs)
	}
	if len(in.Logits) > 0 {
		return s.output.ObserveLogits(in.Logits)
	}
	return OutputMetrics{}, fmt.Errorf("%w: no probabilities or logits", ErrInvalidDistribution)
}

func (s *Suite) observeInstant(in StepInput, current []float64, hasLayer bool) (InstantMetrics, error) {
	if !hasLayer {
		return InstantMetrics{}, fmt.Errorf("%w: %q", ErrMissingLayer, s.config.Layer)
	}
	if s.config.DeltaMode == DeltaModeLayer {
		prev, ok := in.Layers[s.config.PrevLayer]
		if !ok {
			return InstantMetrics{}, fmt.Errorf("%w: %q", ErrMissingLayer, s.config.PrevLayer)
		}
		return s.instant.Observe(current, prev)
	}
	return s.instant.Observe(current, s.previous)
}

// #endregion observe

func (r *MetricsRecord) fail(probe string, err error) {
	r.Failures = append(r.Failures, ProbeFailure{Probe: probe, Err: err.Error()})
}

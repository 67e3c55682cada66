package gate

import (
	"fmt"

	"github.com/danielpatrickdp/structgate/internal/signals"
)

// Policy names accepted by BuildPolicies.
const (
	PolicyEntropyThreshold = "entropy_threshold"
	PolicyEnvelope         = "envelope"
	PolicySVRatio          = "sv_ratio"
	PolicyEntropyStreak    = "entropy_streak"
)

// Policy maps a window of metrics records (oldest first, current last) to an
// action. Policies are read-only consumers: the gate hands them copies.
type Policy interface {
	Name() string
	Decide(window []signals.MetricsRecord) (Action, string, error)
}

// Resetter is implemented by policies that keep internal counters.
type Resetter interface {
	Reset()
}

func current(window []signals.MetricsRecord) signals.MetricsRecord {
	return window[len(window)-1]
}

func requireSignal(o signals.Optional, field string, step int) (float64, error) {
	v, ok := o.Get()
	if !ok {
		return 0, fmt.Errorf("%w: %s at step %d", ErrAbsentSignal, field, step)
	}
	return v, nil
}

// #region entropy-threshold
// EntropyThresholdPolicy refuses when uncertainty exceeds MaxEntropy (nats).
type EntropyThresholdPolicy struct {
	MaxEntropy float64
}

func (p *EntropyThresholdPolicy) Name() string { return PolicyEntropyThreshold }

// Decide refuses if entropy > MaxEntropy, allows otherwise.
func (p *EntropyThresholdPolicy) Decide(window []signals.MetricsRecord) (Action, string, error) {
	rec := current(window)
	h, err := requireSignal(rec.Entropy, "entropy", rec.Step)
	if err != nil {
		return "", "", err
	}
	if h > p.MaxEntropy {
		return ActionRefuse, fmt.Sprintf("entropy %.4f > %.4f", h, p.MaxEntropy), nil
	}
	return ActionAllow, fmt.Sprintf("entropy %.4f <= %.4f", h, p.MaxEntropy), nil
}

// #endregion entropy-threshold

// #region envelope
// EnvelopePolicy allows only when every output constraint holds:
// entropy <= MaxEntropy and margin >= MinMargin.
type EnvelopePolicy struct {
	MaxEntropy float64
	MinMargin  float64
}

func (p *EnvelopePolicy) Name() string { return PolicyEnvelope }

// Decide refuses when either constraint is violated.
func (p *EnvelopePolicy) Decide(window []signals.MetricsRecord) (Action, string, error) {
	rec := current(window)
	h, err := requireSignal(rec.Entropy, "entropy", rec.Step)
	if err != nil {
		return "", "", err
	}
	m, err := requireSignal(rec.Margin, "margin", rec.Step)
	if err != nil {
		return "", "", err
	}

	switch {
	case h > p.MaxEntropy:
		return ActionRefuse, fmt.Sprintf("entropy %.4f > %.4f", h, p.MaxEntropy), nil
	case m < p.MinMargin:
		return ActionRefuse, fmt.Sprintf("margin %.4f < %.4f", m, p.MinMargin), nil
	}
	return ActionAllow, fmt.Sprintf("entropy %.4f, margin %.4f within envelope", h, m), nil
}

// #endregion envelope

// #region sv-ratio
// SVRatioPolicy flags trajectory collapse: sv_ratio above Threshold yields
// OnCollapse. While the trajectory window is still filling the ratio is
// absent and the policy abstains with NOOP; an absent ratio caused by a
// trajectory probe failure is an error.
type SVRatioPolicy struct {
	Threshold  float64
	OnCollapse Action
}

func (p *SVRatioPolicy) Name() string { return PolicySVRatio }

// Decide compares the current sv_ratio against Threshold.
func (p *SVRatioPolicy) Decide(window []signals.MetricsRecord) (Action, string, error) {
	rec := current(window)
	r, ok := rec.SVRatio.Get()
	if !ok {
		if rec.Failed(signals.ProbeTrajectory) {
			return "", "", fmt.Errorf("%w: sv_ratio at step %d (trajectory probe failed)", ErrAbsentSignal, rec.Step)
		}
		return ActionNoop, fmt.Sprintf("sv_ratio warming up (%d buffered)", rec.WindowLen), nil
	}
	if r > p.Threshold {
		action := p.OnCollapse
		if action == "" {
			action = ActionRefuse
		}
		return action, fmt.Sprintf("sv_ratio %.4f > %.4f", r, p.Threshold), nil
	}
	return ActionAllow, fmt.Sprintf("sv_ratio %.4f <= %.4f", r, p.Threshold), nil
}

// #endregion sv-ratio

// #region entropy-streak
// EntropyStreakPolicy delays after Streak consecutive steps with entropy
// above Threshold. The run length is the policy's own counter: it advances
// once per Decide call using the current record only, so call Decide once
// per step.
type EntropyStreakPolicy struct {
	Threshold float64
	Streak    int

	run int
}

func (p *EntropyStreakPolicy) Name() string { return PolicyEntropyStreak }

// Decide updates the run length and delays once it reaches Streak.
func (p *EntropyStreakPolicy) Decide(window []signals.MetricsRecord) (Action, string, error) {
	rec := current(window)
	h, err := requireSignal(rec.Entropy, "entropy", rec.Step)
	if err != nil {
		return "", "", err
	}
	if h > p.Threshold {
		p.run++
	} else {
		p.run = 0
	}
	if p.run >= p.Streak {
		return ActionDelay, fmt.Sprintf("entropy above %.4f for %d consecutive steps", p.Threshold, p.run), nil
	}
	return ActionAllow, fmt.Sprintf("high-entropy run %d/%d", p.run, p.Streak), nil
}

// Run returns the current consecutive high-entropy count.
func (p *EntropyStreakPolicy) Run() int { return p.run }

// Reset clears the run length.
func (p *EntropyStreakPolicy) Reset() { p.run = 0 }

// #endregion entropy-streak

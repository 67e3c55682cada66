package model

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
)

// #region config
// Synthetic modes.
const (
	ModeHealthy   = "healthy"
	ModeCollapse  = "collapse"
	ModeExplosion = "explosion"
)

// SyntheticConfig controls a Synthetic model.
type SyntheticConfig struct {
	Mode          string
	Dim           int
	Steps         int
	Seed          uint64
	CollapseSteps int     // steps over which ModeCollapse squashes all but the first dimension
	GrowthRate    float64 // per-step activation growth factor in ModeExplosion
}

// DefaultSyntheticConfig returns a healthy 64-dimensional run of 60 steps.
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		Mode:          ModeHealthy,
		Dim:           64,
		Steps:         60,
		CollapseSteps: 20,
		GrowthRate:    1.5,
	}
}

// #endregion config

// #region synthetic
// Synthetic emits seeded random hidden states standing in for a training or
// generation run. ModeCollapse scales every dimension but the first by
// (1 - min(1, n/CollapseSteps)), so the representation loses rank over time.
// ModeExplosion multiplies the activations by GrowthRate^n.
type Synthetic struct {
	config SyntheticConfig
	rng    *rand.Rand
	step   int
}

// NewSynthetic validates config and creates the model.
func NewSynthetic(config SyntheticConfig) (*Synthetic, error) {
	switch config.Mode {
	case ModeHealthy, ModeCollapse, ModeExplosion:
	default:
		return nil, fmt.Errorf("unknown synthetic mode %q", config.Mode)
	}
	if config.Dim < 2 {
		return nil, fmt.Errorf("synthetic dim must be >= 2, got %d", config.Dim)
	}
	if err := validateMaxTokens(config.Steps); err != nil {
		return nil, err
	}
	if config.CollapseSteps <= 0 {
		config.CollapseSteps = 20
	}
	if config.GrowthRate <= 1 {
		config.GrowthRate = 1.5
	}
	return &Synthetic{
		config: config,
		rng:    rand.New(rand.NewPCG(config.Seed, config.Seed^0x9e3779b97f4a7c15)),
	}, nil
}

// Next emits the next synthetic step.
func (s *Synthetic) Next(ctx context.Context) (StepTrace, error) {
	if err := ctx.Err(); err != nil {
		return StepTrace{}, err
	}
	if s.step >= s.config.Steps {
		return StepTrace{}, io.EOF
	}

	h := make([]float64, s.config.Dim)
	for i := range h {
		h[i] = s.rng.NormFloat64()
	}
	prev := make([]float64, len(h))
	for i := range h {
		prev[i] = h[i] + 0.5*s.rng.NormFloat64()
	}

	n := float64(s.step + 1)
	switch s.config.Mode {
	case ModeCollapse:
		keep := 1 - math.Min(1, n/float64(s.config.CollapseSteps))
		for i := 1; i < len(h); i++ {
			h[i] *= keep
		}
	case ModeExplosion:
		scale := math.Pow(s.config.GrowthRate, n)
		for i := range h {
			h[i] *= scale
		}
	}

	logits := make([]float64, 4)
	for i := range logits {
		logits[i] = s.rng.NormFloat64()
	}

	tr := StepTrace{
		Index:  s.step,
		Token:  fmt.Sprintf("t%d", s.step),
		Logits: logits,
		Layers: map[string][]float64{LayerPrev: prev, LayerLast: h},
	}
	s.step++
	return tr, nil
}

// #endregion synthetic

package signals

import (
	"fmt"
	"math"
)

// #region instant-probe

// InstantMetrics are the single-step structural signals.
type InstantMetrics struct {
	LayerDelta       Optional // 1 - cos(current, previous), in [0, 2]
	ActivationEnergy float64  // L2 norm of current
}

// InstantProbe compares a hidden state against the one before it.
type InstantProbe struct{}

// NewInstantProbe creates an instant probe.
func NewInstantProbe() *InstantProbe {
	return &InstantProbe{}
}

// Observe computes layer delta and activation energy. previous is nil on the
// first step, in which case LayerDelta is absent rather than zero. A zero
// vector on either side also leaves LayerDelta absent: cosine similarity is
// undefined there.
func (p *InstantProbe) Observe(current, previous []float64) (InstantMetrics, error) {
	if previous != nil && len(previous) != len(current) {
		return InstantMetrics{}, fmt.Errorf("%w: current %d vs previous %d", ErrDimensionMismatch, len(current), len(previous))
	}

	if err := checkFinite(current); err != nil {
		return InstantMetrics{}, err
	}
	if err := checkFinite(previous); err != nil {
		return InstantMetrics{}, fmt.Errorf("previous: %w", err)
	}

	out := InstantMetrics{ActivationEnergy: l2Norm(current)}
	if previous == nil {
		return out, nil
	}
	if sim, ok := cosineSimilarity(current, previous); ok {
		out.LayerDelta = Some(clamp(1-sim, 0, 2))
	}
	return out, nil
}

// #endregion instant-probe

// #region helpers

// cosineSimilarity returns false when either vector has zero norm.
func cosineSimilarity(a, b []float64) (float64, bool) {
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0, false
	}
	return clamp(dot/denom, -1, 1), true
}

func checkFinite(v []float64) error {
	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("%w at index %d", ErrNonFinite, i)
		}
	}
	return nil
}

func l2Norm(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}

// #endregion helpers

package signals

import (
	"fmt"
	"math"
	"sort"
)

// #region output-probe

// DefaultTolerance bounds |sum(p) - 1| for a distribution to be accepted.
const DefaultTolerance = 1e-4

// OutputMetrics are the distributional signals for one step.
type OutputMetrics struct {
	Entropy float64 // Shannon entropy in nats
	Margin  float64 // top-1 minus top-2 probability
}

// OutputProbe computes uncertainty from the final-layer distribution.
// Entropy uses the natural logarithm; 0*ln(0) is taken as 0.
type OutputProbe struct {
	tolerance float64
}

// NewOutputProbe creates an output probe. A non-positive tolerance selects
// DefaultTolerance.
func NewOutputProbe(tolerance float64) *OutputProbe {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &OutputProbe{tolerance: tolerance}
}

// Observe validates probs and returns entropy and margin.
func (p *OutputProbe) Observe(probs []float64) (OutputMetrics, error) {
	if len(probs) < 2 {
		return OutputMetrics{}, fmt.Errorf("%w: length %d < 2", ErrInvalidDistribution, len(probs))
	}
	var sum float64
	for i, v := range probs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return OutputMetrics{}, fmt.Errorf("%w: non-finite value at %d", ErrInvalidDistribution, i)
		}
		if v < 0 {
			return OutputMetrics{}, fmt.Errorf("%w: negative value %g at %d", ErrInvalidDistribution, v, i)
		}
		sum += v
	}
	if math.Abs(sum-1) > p.tolerance {
		return OutputMetrics{}, fmt.Errorf("%w: sum %.6f outside 1±%g", ErrInvalidDistribution, sum, p.tolerance)
	}

	var entropy float64
	for _, v := range probs {
		if v > 0 {
			entropy -= v * math.Log(v)
		}
	}
	if entropy < 0 {
		entropy = 0
	}

	top1, top2 := topTwo(probs)
	margin := clamp(top1-top2, 0, 1)

	return OutputMetrics{Entropy: entropy, Margin: margin}, nil
}

// ObserveLogits applies a numerically stable softmax and observes the result.
func (p *OutputProbe) ObserveLogits(logits []float64) (OutputMetrics, error) {
	probs, err := Softmax(logits)
	if err != nil {
		return OutputMetrics{}, err
	}
	return p.Observe(probs)
}

// #endregion output-probe

// #region helpers

// Softmax converts logits into a probability distribution.
func Softmax(logits []float64) ([]float64, error) {
	if len(logits) == 0 {
		return nil, fmt.Errorf("%w: empty logits", ErrInvalidDistribution)
	}
	maxVal := math.Inf(-1)
	for i, v := range logits {
		if math.IsNaN(v) || math.IsInf(v, 1) {
			return nil, fmt.Errorf("%w: non-finite logit at %d", ErrInvalidDistribution, i)
		}
		if v > maxVal {
			maxVal = v
		}
	}
	if math.IsInf(maxVal, -1) {
		return nil, fmt.Errorf("%w: all logits are -inf", ErrInvalidDistribution)
	}
	probs := make([]float64, len(logits))
	var total float64
	for i, v := range logits {
		probs[i] = math.Exp(v - maxVal)
		total += probs[i]
	}
	for i := range probs {
		probs[i] /= total
	}
	return probs, nil
}

// topTwo returns the two largest values of a slice with at least two elements.
func topTwo(v []float64) (float64, float64) {
	sorted := append([]float64(nil), v...)
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))
	return sorted[0], sorted[1]
}

// clamp restricts v to [lo, hi].
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// #endregion helpers

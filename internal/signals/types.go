package signals

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// #region errors

var (
	// ErrInvalidDistribution is returned by the output probe for negative,
	// non-finite, too-short or unnormalized probability vectors.
	ErrInvalidDistribution = errors.New("invalid distribution")
	// ErrDimensionMismatch is returned when two hidden-state vectors that
	// must share a dimension do not.
	ErrDimensionMismatch = errors.New("dimension mismatch")
	// ErrMissingLayer is returned when a step does not carry the layer a
	// probe is configured to read.
	ErrMissingLayer = errors.New("missing layer activation")
	// ErrNonFinite is returned for activations containing NaN or Inf.
	ErrNonFinite = errors.New("non-finite activation")
)

// #endregion errors

// #region optional

// Optional is a float that may be explicitly absent. Absent values encode
// as JSON null and are never coerced to zero.
type Optional struct {
	value float64
	valid bool
}

// Some returns a present value.
func Some(v float64) Optional { return Optional{value: v, valid: true} }

// None returns an absent value.
func None() Optional { return Optional{} }

// Get returns the value and whether it is present.
func (o Optional) Get() (float64, bool) { return o.value, o.valid }

// Valid reports whether the value is present.
func (o Optional) Valid() bool { return o.valid }

// Float returns the value, or 0 when absent. Callers must check Valid first.
func (o Optional) Float() float64 { return o.value }

// Ptr returns a pointer to a copy of the value, or nil when absent.
func (o Optional) Ptr() *float64 {
	if !o.valid {
		return nil
	}
	v := o.value
	return &v
}

// FromPtr converts a nullable pointer into an Optional.
func FromPtr(p *float64) Optional {
	if p == nil {
		return None()
	}
	return Some(*p)
}

// Format renders the value with the given precision, or placeholder when absent.
func (o Optional) Format(prec int, placeholder string) string {
	if !o.valid {
		return placeholder
	}
	return strconv.FormatFloat(o.value, 'f', prec, 64)
}

func (o Optional) String() string { return o.Format(4, "absent") }

// MarshalJSON encodes absent values as null.
func (o Optional) MarshalJSON() ([]byte, error) {
	if !o.valid {
		return []byte("null"), nil
	}
	return json.Marshal(o.value)
}

// UnmarshalJSON decodes null as absent.
func (o *Optional) UnmarshalJSON(data []byte) error {
	var p *float64
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode optional: %w", err)
	}
	*o = FromPtr(p)
	return nil
}

// #endregion optional

// #region metrics-record

// Probe names used in failure diagnostics.
const (
	ProbeOutput     = "output"
	ProbeInstant    = "instant"
	ProbeTrajectory = "trajectory"
)

// ProbeFailure records a probe that could not contribute to a step.
type ProbeFailure struct {
	Probe string `json:"probe"`
	Err   string `json:"error"`
}

// MetricsRecord is the per-step telemetry unit. It is a value type and is
// never modified after the suite returns it.
type MetricsRecord struct {
	Step             int            `json:"step"`
	Entropy          Optional       `json:"entropy"`
	Margin           Optional       `json:"margin"`
	LayerDelta       Optional       `json:"layer_delta"`
	ActivationEnergy Optional       `json:"activation_energy"`
	SVRatio          Optional       `json:"sv_ratio"`
	WindowLen        int            `json:"window_len"`
	Failures         []ProbeFailure `json:"failures,omitempty"`
}

// Failed reports whether the named probe failed on this step.
func (r MetricsRecord) Failed(probe string) bool {
	for _, f := range r.Failures {
		if f.Probe == probe {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers cannot alias the failure slice.
func (r MetricsRecord) Clone() MetricsRecord {
	if r.Failures != nil {
		r.Failures = append([]ProbeFailure(nil), r.Failures...)
	}
	return r
}

// #endregion metrics-record

// #region step-input

// StepInput bundles everything the suite reads for one step. Layers maps a
// layer name to its activation at this step; vectors are borrowed and
// copied by any probe that keeps them.
type StepInput struct {
	Step   int
	Probs  []float64
	Logits []float64
	Layers map[string][]float64
}

// #endregion step-input

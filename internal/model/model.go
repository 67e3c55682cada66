package model

import (
	"context"
	"fmt"
	"io"
)

// Layer names every adapter in this package exposes. The last entry is the
// deepest layer.
const (
	LayerLast = "last"
	LayerPrev = "prev"
)

// #region types
// StepTrace is everything a model exposes for one generated token: the
// sampled token, its output distribution (probabilities or raw logits) and
// the named intermediate activations that produced it. Slices are owned by
// the model and may be reused on the next call; consumers copy what they keep.
type StepTrace struct {
	Index  int
	Token  string
	Probs  []float64
	Logits []float64
	Layers map[string][]float64
}

// Model is a pull-based token source. Next blocks until the next token is
// available and returns io.EOF after the last one. It takes no decision
// input: telemetry consumers cannot influence what a model emits.
type Model interface {
	Next(ctx context.Context) (StepTrace, error)
}

// #endregion types

// #region scripted
// Scripted replays a fixed sequence of traces. Used by fixtures and tests.
type Scripted struct {
	traces []StepTrace
	pos    int
}

// NewScripted creates a model replaying traces in order.
func NewScripted(traces []StepTrace) *Scripted {
	return &Scripted{traces: traces}
}

// Next returns the next scripted trace.
func (s *Scripted) Next(ctx context.Context) (StepTrace, error) {
	if err := ctx.Err(); err != nil {
		return StepTrace{}, err
	}
	if s.pos >= len(s.traces) {
		return StepTrace{}, io.EOF
	}
	tr := s.traces[s.pos]
	s.pos++
	return tr, nil
}

// Remaining returns the number of traces not yet emitted.
func (s *Scripted) Remaining() int { return len(s.traces) - s.pos }

// #endregion scripted

func validateMaxTokens(n int) error {
	if n <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", n)
	}
	return nil
}

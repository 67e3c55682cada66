package model

import (
	"context"
	"io"
	"math/rand/v2"
)

// #region fake
const (
	fakeDim           = 8
	fakeShortPrompt   = 20 // prompts shorter than this produce confident logits
	fakeStateRetained = 0.9
)

var fakeVocab = []string{"the", "model", "is", "certain", "unsure", "."}

// Fake is a deterministic stand-in for a language model. Short prompts yield
// confident logits and long prompts yield flat ones, so the entropy pattern
// of a run is predictable. Hidden states follow a seeded random walk.
type Fake struct {
	rng       *rand.Rand
	logits    []float64
	maxTokens int
	step      int
	hidden    []float64
}

// NewFake creates a fake model for prompt emitting maxTokens tokens.
func NewFake(prompt string, maxTokens int, seed uint64) (*Fake, error) {
	if err := validateMaxTokens(maxTokens); err != nil {
		return nil, err
	}
	logits := []float64{1.0, 1.0, 1.0}
	if len(prompt) < fakeShortPrompt {
		logits = []float64{10.0, 1.0, 0.5}
	}
	rng := rand.New(rand.NewPCG(seed, uint64(len(prompt))))
	hidden := make([]float64, fakeDim)
	for i := range hidden {
		hidden[i] = rng.NormFloat64()
	}
	return &Fake{rng: rng, logits: logits, maxTokens: maxTokens, hidden: hidden}, nil
}

// Next emits the next fake token.
func (f *Fake) Next(ctx context.Context) (StepTrace, error) {
	if err := ctx.Err(); err != nil {
		return StepTrace{}, err
	}
	if f.step >= f.maxTokens {
		return StepTrace{}, io.EOF
	}

	prev := make([]float64, len(f.hidden))
	last := make([]float64, len(f.hidden))
	for i := range f.hidden {
		f.hidden[i] = fakeStateRetained*f.hidden[i] + (1-fakeStateRetained)*f.rng.NormFloat64()
		prev[i] = f.hidden[i] + 0.1*f.rng.NormFloat64()
		last[i] = f.hidden[i]
	}

	tr := StepTrace{
		Index:  f.step,
		Token:  fakeVocab[f.rng.IntN(len(fakeVocab))],
		Logits: append([]float64(nil), f.logits...),
		Layers: map[string][]float64{LayerPrev: prev, LayerLast: last},
	}
	f.step++
	return tr, nil
}

// #endregion fake

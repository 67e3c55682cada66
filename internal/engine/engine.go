package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/danielpatrickdp/structgate/internal/gate"
	"github.com/danielpatrickdp/structgate/internal/model"
	"github.com/danielpatrickdp/structgate/internal/signals"
)

// #region errors
var (
	// ErrExhausted is returned by ProduceNext once the model has no more tokens.
	ErrExhausted = errors.New("model exhausted")
	// ErrStepOrder is returned when a model emits a step index that is not
	// greater than the last committed one.
	ErrStepOrder = errors.New("step index not increasing")
)

// #endregion errors

// #region types
// Step is one committed history entry. It is appended once and never
// modified afterwards.
type Step struct {
	Index       int                   `json:"step"`
	Token       string                `json:"token"`
	Metrics     signals.MetricsRecord `json:"metrics"`
	Decision    *gate.Decision        `json:"decision,omitempty"`
	DecisionErr string                `json:"decision_error,omitempty"`
}

// Clone returns a deep copy that shares no slices or pointers with s.
func (s Step) Clone() Step {
	s.Metrics = s.Metrics.Clone()
	if s.Decision != nil {
		d := *s.Decision
		if d.Votes != nil {
			d.Votes = append([]gate.Vote(nil), d.Votes...)
		}
		s.Decision = &d
	}
	return s
}

// Evaluator turns a metrics record into a symbolic decision. *gate.Gate
// satisfies it.
type Evaluator interface {
	Evaluate(rec signals.MetricsRecord) (gate.Decision, error)
}

// Sink receives every committed step. Sink errors are logged and never
// interrupt generation.
type Sink interface {
	Record(ctx context.Context, step Step) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithEvaluator gates every step.
func WithEvaluator(ev Evaluator) Option {
	return func(e *Engine) { e.evaluator = ev }
}

// WithSinks adds step sinks, notified in order.
func WithSinks(sinks ...Sink) Option {
	return func(e *Engine) { e.sinks = append(e.sinks, sinks...) }
}

// WithDashboard prints one status line per step to w.
func WithDashboard(w io.Writer) Option {
	return func(e *Engine) { e.dashboard = w }
}

// #endregion types

// #region engine
// Engine pulls tokens from a model, observes each one through the probe
// suite and records the result. Telemetry flows one way: nothing the engine
// computes is ever passed back to the model.
type Engine struct {
	model     model.Model
	suite     *signals.Suite
	evaluator Evaluator
	sinks     []Sink
	dashboard io.Writer
	history   []Step
}

// New creates an engine over m. The suite must not be shared with another engine.
func New(m model.Model, suite *signals.Suite, opts ...Option) *Engine {
	e := &Engine{model: m, suite: suite}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ProduceNext generates, observes and commits exactly one step.
//
// Model failures, exhaustion and cancellation commit nothing. A gate failure
// is recorded on the committed step and also returned, wrapped, so the
// caller cannot mistake it for a permissive decision.
func (e *Engine) ProduceNext(ctx context.Context) (Step, error) {
	if err := ctx.Err(); err != nil {
		return Step{}, err
	}

	tr, err := e.model.Next(ctx)
	if errors.Is(err, io.EOF) {
		return Step{}, ErrExhausted
	}
	if err != nil {
		return Step{}, fmt.Errorf("model next: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Step{}, err
	}
	if n := len(e.history); n > 0 && tr.Index <= e.history[n-1].Index {
		return Step{}, fmt.Errorf("%w: step %d after %d", ErrStepOrder, tr.Index, e.history[n-1].Index)
	}

	rec := e.suite.Observe(signals.StepInput{
		Step:   tr.Index,
		Probs:  tr.Probs,
		Logits: tr.Logits,
		Layers: tr.Layers,
	})
	step := Step{Index: tr.Index, Token: tr.Token, Metrics: rec}

	var gateErr error
	if e.evaluator != nil {
		d, err := e.evaluator.Evaluate(rec.Clone())
		if err != nil {
			gateErr = err
			step.DecisionErr = err.Error()
		} else {
			step.Decision = &d
		}
	}

	e.history = append(e.history, step)
	e.notify(ctx, step)

	if gateErr != nil {
		return step.Clone(), fmt.Errorf("gate step %d: %w", step.Index, gateErr)
	}
	return step.Clone(), nil
}

// Run produces up to maxTokens steps (no limit when maxTokens <= 0) until the
// model is exhausted. Gate failures are logged and generation continues;
// any other error stops the run. The returned slice is a copy of the history.
func (e *Engine) Run(ctx context.Context, maxTokens int) ([]Step, error) {
	log.Printf("[ENGINE] run start max_tokens=%d", maxTokens)
	for produced := 0; maxTokens <= 0 || produced < maxTokens; produced++ {
		_, err := e.ProduceNext(ctx)
		if errors.Is(err, ErrExhausted) {
			break
		}
		if errors.Is(err, gate.ErrPolicyEvaluation) {
			log.Printf("[ENGINE] %v", err)
			continue
		}
		if err != nil {
			log.Printf("[ENGINE] run stopped after %d steps: %v", len(e.history), err)
			return e.History(), err
		}
	}
	log.Printf("[ENGINE] run complete steps=%d", len(e.history))
	return e.History(), nil
}

// History returns a copy of the committed steps in order.
func (e *Engine) History() []Step {
	out := make([]Step, len(e.history))
	for i, s := range e.history {
		out[i] = s.Clone()
	}
	return out
}

// #endregion engine

func (e *Engine) notify(ctx context.Context, step Step) {
	if e.dashboard != nil {
		fmt.Fprintln(e.dashboard, FormatDashboard(step))
	}
	for _, s := range e.sinks {
		if err := s.Record(ctx, step.Clone()); err != nil {
			log.Printf("[ENGINE] sink error step=%d: %v", step.Index, err)
		}
	}
}

package replay

import (
	"context"
	"errors"
	"fmt"

	"github.com/danielpatrickdp/structgate/internal/engine"
	"github.com/danielpatrickdp/structgate/internal/gate"
	"github.com/danielpatrickdp/structgate/internal/model"
	"github.com/danielpatrickdp/structgate/internal/signals"
	"github.com/danielpatrickdp/structgate/internal/store"
)

// #region types
// ReplayConfig bundles the probe suite and gate configuration of a run.
type ReplayConfig struct {
	Suite signals.SuiteConfig
	Gate  gate.Settings
}

// DefaultReplayConfig returns the default suite and gate.
func DefaultReplayConfig() ReplayConfig {
	return ReplayConfig{
		Suite: signals.DefaultSuiteConfig(),
		Gate:  gate.DefaultSettings(),
	}
}

// ReplayResult captures the outcome of one replayed step.
type ReplayResult struct {
	Step     int
	Token    string
	Metrics  signals.MetricsRecord
	Action   string // empty when the gate failed
	Reason   string
	Err      string
	Previous string // action recorded originally, when replaying stored steps
}

// Changed reports whether a stored step now gates differently.
func (r ReplayResult) Changed() bool { return r.Previous != r.Action }

// ReplaySummary provides aggregate stats from a replay run.
type ReplaySummary struct {
	TotalSteps int
	Allows     int
	Refuses    int
	Noops      int
	Delays     int
	Errors     int
	Changed    int
}

// Mismatch is a step whose action differs from the fixture expectation.
type Mismatch struct {
	Step     int
	Expected string
	Actual   string
	Reason   string
}

// #endregion types

// #region replay
// Replay runs raw model traces through a fresh suite and gate, exactly as a
// live engine would.
func Replay(ctx context.Context, traces []model.StepTrace, config ReplayConfig) ([]ReplayResult, error) {
	suite, err := signals.NewSuite(config.Suite)
	if err != nil {
		return nil, fmt.Errorf("replay suite: %w", err)
	}
	g, err := config.Gate.Build()
	if err != nil {
		return nil, fmt.Errorf("replay gate: %w", err)
	}

	e := engine.New(model.NewScripted(traces), suite, engine.WithEvaluator(g))
	steps, err := e.Run(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("replay run: %w", err)
	}

	results := make([]ReplayResult, 0, len(steps))
	for _, s := range steps {
		r := ReplayResult{Step: s.Index, Token: s.Token, Metrics: s.Metrics, Err: s.DecisionErr}
		if s.Decision != nil {
			r.Action = string(s.Decision.Action)
			r.Reason = s.Decision.Justification
		}
		results = append(results, r)
	}
	return results, nil
}

// ReplayRecords re-gates already computed metrics under settings. Probe
// outputs are taken as recorded; only the decision layer is re-run.
func ReplayRecords(records []signals.MetricsRecord, settings gate.Settings) ([]ReplayResult, error) {
	g, err := settings.Build()
	if err != nil {
		return nil, fmt.Errorf("replay gate: %w", err)
	}
	results := make([]ReplayResult, 0, len(records))
	for _, rec := range records {
		r := ReplayResult{Step: rec.Step, Metrics: rec}
		d, err := g.Evaluate(rec)
		switch {
		case err == nil:
			r.Action = string(d.Action)
			r.Reason = d.Justification
		case errors.Is(err, gate.ErrPolicyEvaluation):
			r.Err = err.Error()
		default:
			return nil, fmt.Errorf("replay step %d: %w", rec.Step, err)
		}
		results = append(results, r)
	}
	return results, nil
}

// ReplayStored re-gates a stored session and records what each step
// originally decided.
func ReplayStored(rows []store.StepRow, settings gate.Settings) ([]ReplayResult, error) {
	records := make([]signals.MetricsRecord, len(rows))
	for i, row := range rows {
		records[i] = row.Metrics
	}
	results, err := ReplayRecords(records, settings)
	if err != nil {
		return nil, err
	}
	for i := range results {
		results[i].Token = rows[i].Token
		results[i].Previous = rows[i].Action
	}
	return results, nil
}

// Summarize computes aggregate stats from replay results.
func Summarize(results []ReplayResult) ReplaySummary {
	s := ReplaySummary{TotalSteps: len(results)}
	for _, r := range results {
		switch gate.Action(r.Action) {
		case gate.ActionAllow:
			s.Allows++
		case gate.ActionRefuse:
			s.Refuses++
		case gate.ActionNoop:
			s.Noops++
		case gate.ActionDelay:
			s.Delays++
		default:
			s.Errors++
		}
		if r.Previous != "" && r.Changed() {
			s.Changed++
		}
	}
	return s
}

// Compare matches results against fixture expectations by step. A missing
// result counts as a mismatch with an empty actual action.
func Compare(results []ReplayResult, expected []FixtureExpectedResult) []Mismatch {
	byStep := make(map[int]ReplayResult, len(results))
	for _, r := range results {
		byStep[r.Step] = r
	}
	var out []Mismatch
	for _, exp := range expected {
		r, ok := byStep[exp.Step]
		if ok && r.Action == exp.Action {
			continue
		}
		reason := r.Reason
		if r.Err != "" {
			reason = r.Err
		}
		out = append(out, Mismatch{Step: exp.Step, Expected: exp.Action, Actual: r.Action, Reason: reason})
	}
	return out
}

// #endregion replay

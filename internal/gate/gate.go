package gate

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/danielpatrickdp/structgate/internal/signals"
)

var errEmptyWindow = errors.New("empty record window")

// #region gate
// Gate fuses policy votes into one symbolic Decision. It moves
// IDLE -> EVALUATING -> DECIDED -> IDLE on every evaluation and holds no
// state between calls other than what its policies declare.
type Gate struct {
	config       GateConfig
	policies     []Policy
	rank         map[Action]int
	state        State
	onTransition func(from, to State)
}

// NewGate creates a gate evaluating policies in the given order.
func NewGate(config GateConfig, policies ...Policy) (*Gate, error) {
	rank, err := config.ranks()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(policies))
	for _, p := range policies {
		if seen[p.Name()] {
			return nil, fmt.Errorf("duplicate policy %q", p.Name())
		}
		seen[p.Name()] = true
	}
	return &Gate{
		config:   config,
		policies: policies,
		rank:     rank,
		state:    StateIdle,
	}, nil
}

// OnTransition registers a hook called on every state change.
func (g *Gate) OnTransition(fn func(from, to State)) { g.onTransition = fn }

// State returns the current phase. Outside Evaluate it is always IDLE.
func (g *Gate) State() State { return g.state }

// Policies returns the configured policy names in evaluation order.
func (g *Gate) Policies() []string {
	names := make([]string, len(g.policies))
	for i, p := range g.policies {
		names[i] = p.Name()
	}
	return names
}

// Reset clears the internal counters of every policy that keeps one.
func (g *Gate) Reset() {
	for _, p := range g.policies {
		if r, ok := p.(Resetter); ok {
			r.Reset()
		}
	}
}

// #endregion gate

// #region evaluate
// Evaluate decides on a single record.
func (g *Gate) Evaluate(rec signals.MetricsRecord) (Decision, error) {
	return g.EvaluateWindow([]signals.MetricsRecord{rec})
}

// EvaluateWindow decides on an ordered window of records, current last.
// Every policy votes and the vote ranked first in the tie-break order wins.
// A policy failure fails the evaluation with a *PolicyError for the first
// failing policy; the gate never substitutes a default action for a failed
// policy. Every policy still sees every record, so stateful policies count
// steps even when an earlier policy fails.
func (g *Gate) EvaluateWindow(window []signals.MetricsRecord) (Decision, error) {
	if len(window) == 0 {
		return Decision{}, fmt.Errorf("%w: %w", ErrPolicyEvaluation, errEmptyWindow)
	}
	g.transition(StateEvaluating)

	if len(g.policies) == 0 {
		return g.emit(Decision{Action: ActionNoop, Justification: "no policies configured"}), nil
	}

	step := window[len(window)-1].Step
	votes := make([]Vote, 0, len(g.policies))
	var first *PolicyError
	for _, p := range g.policies {
		action, reason, err := p.Decide(cloneWindow(window))
		if err == nil {
			if _, ok := g.rank[action]; !ok {
				err = fmt.Errorf("returned unknown action %q", action)
			}
		}
		if err != nil {
			perr := &PolicyError{Policy: p.Name(), Err: err}
			log.Printf("[GATE] step=%d %v", step, perr)
			if first == nil {
				first = perr
			}
			continue
		}
		votes = append(votes, Vote{Policy: p.Name(), Action: action, Reason: reason})
	}

	if first != nil {
		g.transition(StateIdle)
		return Decision{}, first
	}
	return g.emit(g.fuse(votes)), nil
}

// fuse picks the highest-ranked action and justifies it with every vote
// that cast it, in policy order.
func (g *Gate) fuse(votes []Vote) Decision {
	winner := votes[0].Action
	for _, v := range votes[1:] {
		if g.rank[v.Action] < g.rank[winner] {
			winner = v.Action
		}
	}
	var reasons []string
	for _, v := range votes {
		if v.Action == winner {
			reasons = append(reasons, v.Policy+": "+v.Reason)
		}
	}
	return Decision{
		Action:        winner,
		Justification: strings.Join(reasons, "; "),
		Votes:         votes,
	}
}

func (g *Gate) emit(d Decision) Decision {
	g.transition(StateDecided)
	g.transition(StateIdle)
	return d
}

func (g *Gate) transition(to State) {
	from := g.state
	g.state = to
	if g.onTransition != nil {
		g.onTransition(from, to)
	}
}

// #endregion evaluate

func cloneWindow(window []signals.MetricsRecord) []signals.MetricsRecord {
	out := make([]signals.MetricsRecord, len(window))
	for i, r := range window {
		out[i] = r.Clone()
	}
	return out
}

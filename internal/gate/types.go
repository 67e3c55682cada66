package gate

import (
	"errors"
	"fmt"
	"strings"
)

// #region action
// Action is a symbolic gate outcome. It has no side effect on the model.
type Action string

const (
	ActionAllow  Action = "ALLOW"
	ActionRefuse Action = "REFUSE"
	ActionNoop   Action = "NOOP"
	ActionDelay  Action = "DELAY"
)

// DefaultTieBreakOrder ranks actions most restrictive first.
var DefaultTieBreakOrder = []Action{ActionRefuse, ActionDelay, ActionNoop, ActionAllow}

// ParseAction accepts an action name in any case.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToUpper(strings.TrimSpace(s)))
	switch a {
	case ActionAllow, ActionRefuse, ActionNoop, ActionDelay:
		return a, nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// #endregion action

// #region state
// State is the gate's evaluation phase.
type State string

const (
	StateIdle       State = "IDLE"
	StateEvaluating State = "EVALUATING"
	StateDecided    State = "DECIDED"
)

// #endregion state

// #region errors
// ErrPolicyEvaluation is matched by every policy failure surfaced by the gate.
var ErrPolicyEvaluation = errors.New("policy evaluation failed")

// ErrAbsentSignal is returned by policies that need a metric the record lacks.
var ErrAbsentSignal = errors.New("required signal absent")

// PolicyError attributes an evaluation failure to one policy.
type PolicyError struct {
	Policy string
	Err    error
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("policy %s: %v", e.Policy, e.Err)
}

func (e *PolicyError) Unwrap() error { return e.Err }

// Is makes every PolicyError match ErrPolicyEvaluation.
func (e *PolicyError) Is(target error) bool { return target == ErrPolicyEvaluation }

// #endregion errors

// #region decision
// Vote is one policy's contribution to a decision.
type Vote struct {
	Policy string `json:"policy"`
	Action Action `json:"action"`
	Reason string `json:"reason"`
}

// Decision is the fused gate output. It is created once per evaluation and
// never modified afterwards.
type Decision struct {
	Action        Action `json:"action"`
	Justification string `json:"justification"`
	Votes         []Vote `json:"votes,omitempty"`
}

// #endregion decision

// #region gate-config
// GateConfig holds the fusion settings.
type GateConfig struct {
	TieBreakOrder []Action // most restrictive first; must rank every action exactly once
}

// DefaultGateConfig returns the most-restrictive-wins ordering.
func DefaultGateConfig() GateConfig {
	return GateConfig{TieBreakOrder: append([]Action(nil), DefaultTieBreakOrder...)}
}

// ranks validates the order and maps each action to its rank (0 wins).
func (c GateConfig) ranks() (map[Action]int, error) {
	order := c.TieBreakOrder
	if len(order) == 0 {
		order = DefaultTieBreakOrder
	}
	rank := make(map[Action]int, len(order))
	for i, raw := range order {
		a, err := ParseAction(string(raw))
		if err != nil {
			return nil, fmt.Errorf("tie-break order: %w", err)
		}
		if _, dup := rank[a]; dup {
			return nil, fmt.Errorf("tie-break order: duplicate action %s", a)
		}
		rank[a] = i
	}
	if len(rank) != len(DefaultTieBreakOrder) {
		return nil, fmt.Errorf("tie-break order must rank all %d actions, got %d", len(DefaultTieBreakOrder), len(rank))
	}
	return rank, nil
}

// #endregion gate-config

package gate

import (
	"fmt"
)

// #region settings
// Settings is the flat, config-file shaped description of a gate.
type Settings struct {
	EntropyThreshold float64  `json:"entropy_threshold"`  // nats; entropy_threshold, envelope, entropy_streak
	MarginThreshold  float64  `json:"margin_threshold"`   // envelope minimum margin
	SVRatioThreshold float64  `json:"sv_ratio_threshold"` // sv_ratio collapse threshold
	SVRatioAction    string   `json:"sv_ratio_action"`    // action emitted on collapse
	EntropyStreak    int      `json:"entropy_streak"`     // consecutive steps for entropy_streak
	PolicySet        []string `json:"policy_set"`         // active policies, evaluation order
	TieBreakOrder    []string `json:"tie_break_order"`    // most restrictive first
}

// DefaultSettings gates on entropy and trajectory collapse.
func DefaultSettings() Settings {
	order := make([]string, len(DefaultTieBreakOrder))
	for i, a := range DefaultTieBreakOrder {
		order[i] = string(a)
	}
	return Settings{
		EntropyThreshold: 1.0,
		MarginThreshold:  0.2,
		SVRatioThreshold: 0.8,
		SVRatioAction:    string(ActionDelay),
		EntropyStreak:    3,
		PolicySet:        []string{PolicyEntropyThreshold, PolicySVRatio},
		TieBreakOrder:    order,
	}
}

// BuildPolicies instantiates PolicySet in order. Each call returns fresh
// policy values, so counters are never shared between gates.
func (s Settings) BuildPolicies() ([]Policy, error) {
	policies := make([]Policy, 0, len(s.PolicySet))
	for _, name := range s.PolicySet {
		switch name {
		case PolicyEntropyThreshold:
			policies = append(policies, &EntropyThresholdPolicy{MaxEntropy: s.EntropyThreshold})
		case PolicyEnvelope:
			policies = append(policies, &EnvelopePolicy{MaxEntropy: s.EntropyThreshold, MinMargin: s.MarginThreshold})
		case PolicySVRatio:
			action := ActionRefuse
			if s.SVRatioAction != "" {
				a, err := ParseAction(s.SVRatioAction)
				if err != nil {
					return nil, fmt.Errorf("sv_ratio_action: %w", err)
				}
				action = a
			}
			if s.SVRatioThreshold <= 0 || s.SVRatioThreshold > 1 {
				return nil, fmt.Errorf("sv_ratio_threshold %.4f outside (0, 1]", s.SVRatioThreshold)
			}
			policies = append(policies, &SVRatioPolicy{Threshold: s.SVRatioThreshold, OnCollapse: action})
		case PolicyEntropyStreak:
			if s.EntropyStreak < 1 {
				return nil, fmt.Errorf("entropy_streak must be >= 1, got %d", s.EntropyStreak)
			}
			policies = append(policies, &EntropyStreakPolicy{Threshold: s.EntropyThreshold, Streak: s.EntropyStreak})
		default:
			return nil, fmt.Errorf("unknown policy %q", name)
		}
	}
	return policies, nil
}

// GateConfig converts the tie-break order.
func (s Settings) GateConfig() (GateConfig, error) {
	if len(s.TieBreakOrder) == 0 {
		return DefaultGateConfig(), nil
	}
	order := make([]Action, len(s.TieBreakOrder))
	for i, name := range s.TieBreakOrder {
		a, err := ParseAction(name)
		if err != nil {
			return GateConfig{}, fmt.Errorf("tie_break_order: %w", err)
		}
		order[i] = a
	}
	return GateConfig{TieBreakOrder: order}, nil
}

// Build creates a gate from the settings.
func (s Settings) Build() (*Gate, error) {
	cfg, err := s.GateConfig()
	if err != nil {
		return nil, err
	}
	policies, err := s.BuildPolicies()
	if err != nil {
		return nil, err
	}
	return NewGate(cfg, policies...)
}

// #endregion settings

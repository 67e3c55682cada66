package replay

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/danielpatrickdp/structgate/internal/gate"
	"github.com/danielpatrickdp/structgate/internal/model"
	"github.com/danielpatrickdp/structgate/internal/signals"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture: raw model
// output per step plus the action the gate is expected to take.
type Fixture struct {
	Description     string                  `json:"description"`
	Config          FixtureConfig           `json:"config"`
	Steps           []FixtureStep           `json:"steps"`
	ExpectedResults []FixtureExpectedResult `json:"expected_results"`
}

// FixtureStep mirrors model.StepTrace with JSON tags.
type FixtureStep struct {
	Step   int                  `json:"step"`
	Token  string               `json:"token"`
	Probs  []float64            `json:"probs,omitempty"`
	Logits []float64            `json:"logits,omitempty"`
	Layers map[string][]float64 `json:"layers"`
}

// FixtureExpectedResult captures the expected action per step.
type FixtureExpectedResult struct {
	Step   int    `json:"step"`
	Action string `json:"action"`
}

// FixtureConfig bundles the probe and gate configuration of a replay run.
type FixtureConfig struct {
	Probe FixtureProbeConfig `json:"probe"`
	Gate  gate.Settings      `json:"gate"`
}

// FixtureProbeConfig mirrors signals.SuiteConfig with JSON tags.
type FixtureProbeConfig struct {
	WindowSize int    `json:"window_size"`
	MinFill    int    `json:"min_fill"`
	Center     bool   `json:"center"`
	Layer      string `json:"layer,omitempty"`
	DeltaMode  string `json:"delta_mode,omitempty"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file. Missing gate fields
// keep their defaults.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	f := Fixture{Config: FixtureConfig{Gate: gate.DefaultSettings()}}
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return &f, nil
}

// SaveFixture writes f as indented JSON.
func SaveFixture(path string, f *Fixture) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal fixture: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write fixture %s: %w", path, err)
	}
	return nil
}

// ToTrace converts a FixtureStep to a model trace.
func (fs *FixtureStep) ToTrace() model.StepTrace {
	return model.StepTrace{
		Index:  fs.Step,
		Token:  fs.Token,
		Probs:  fs.Probs,
		Logits: fs.Logits,
		Layers: fs.Layers,
	}
}

// Traces converts every fixture step.
func (f *Fixture) Traces() []model.StepTrace {
	out := make([]model.StepTrace, len(f.Steps))
	for i := range f.Steps {
		out[i] = f.Steps[i].ToTrace()
	}
	return out
}

// ToReplayConfig converts a FixtureConfig to a domain ReplayConfig.
func (fc *FixtureConfig) ToReplayConfig() ReplayConfig {
	suite := signals.DefaultSuiteConfig()
	suite.Trajectory = signals.TrajectoryConfig{
		WindowSize: fc.Probe.WindowSize,
		MinFill:    fc.Probe.MinFill,
		Center:     fc.Probe.Center,
	}
	if fc.Probe.Layer != "" {
		suite.Layer = fc.Probe.Layer
	}
	if fc.Probe.DeltaMode != "" {
		suite.DeltaMode = fc.Probe.DeltaMode
	}
	return ReplayConfig{Suite: suite, Gate: fc.Gate}
}

// #endregion fixture-loader

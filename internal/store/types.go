package store

import (
	"errors"
	"time"

	"github.com/danielpatrickdp/structgate/internal/signals"
)

// ErrDuplicateStep is returned when a session already holds the step index.
var ErrDuplicateStep = errors.New("duplicate step")

// #region session
// Session is one generation or training run.
type Session struct {
	ID         string
	Source     string // model adapter that produced the run
	Prompt     string
	ConfigJSON string
	CreatedAt  time.Time
}

// #endregion session

// #region step-row
// StepRow is a persisted step: its metrics plus the fused gate outcome.
type StepRow struct {
	SessionID     string
	Step          int
	Token         string
	Metrics       signals.MetricsRecord
	Action        string // empty when ungated or when the gate failed
	Justification string
	DecisionErr   string
	CreatedAt     time.Time
}

// #endregion step-row

package logging

import (
	"time"

	"github.com/danielpatrickdp/structgate/internal/gate"
	"github.com/danielpatrickdp/structgate/internal/signals"
)

// #region decision-entry
// DecisionEntry is a single row in the decision_log table.
type DecisionEntry struct {
	ID            int64
	SessionID     string
	Step          int
	Action        string // empty when the gate failed
	Justification string
	RecordJSON    string // DecisionRecord
	PolicyError   string
	CreatedAt     time.Time
}

// #endregion decision-entry

// #region decision-record
// DecisionRecord captures the complete gate evaluation inputs for one step.
// Serialized as JSON into decision_log.record_json for deterministic replay.
type DecisionRecord struct {
	SessionID string `json:"session_id"`
	Step      int    `json:"step"`
	Token     string `json:"token"`

	// Exact metrics as evaluated at runtime
	Metrics signals.MetricsRecord `json:"metrics"`

	// Gate settings active at decision time
	Thresholds gate.Settings `json:"thresholds"`

	// Gate output
	Votes         []gate.Vote `json:"votes,omitempty"`
	Action        string      `json:"action,omitempty"`
	Justification string      `json:"justification,omitempty"`
	PolicyError   string      `json:"policy_error,omitempty"`
}

// #endregion decision-record

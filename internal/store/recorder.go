package store

import (
	"context"
	"fmt"

	"github.com/danielpatrickdp/structgate/internal/engine"
	"github.com/danielpatrickdp/structgate/internal/gate"
	"github.com/danielpatrickdp/structgate/internal/logging"
)

// Recorder persists every committed engine step of one session. It
// implements engine.Sink.
type Recorder struct {
	store      *Store
	sessionID  string
	thresholds gate.Settings
}

// NewRecorder creates a recorder for sessionID. thresholds are stored with
// every decision so the session can be replayed.
func NewRecorder(s *Store, sessionID string, thresholds gate.Settings) *Recorder {
	return &Recorder{store: s, sessionID: sessionID, thresholds: thresholds}
}

// SessionID returns the recorded session.
func (r *Recorder) SessionID() string { return r.sessionID }

// Record writes the step's metrics row and, when the step was gated, a
// decision_log row.
func (r *Recorder) Record(ctx context.Context, step engine.Step) error {
	row := StepRow{
		SessionID:   r.sessionID,
		Step:        step.Index,
		Token:       step.Token,
		Metrics:     step.Metrics,
		DecisionErr: step.DecisionErr,
	}
	if step.Decision != nil {
		row.Action = string(step.Decision.Action)
		row.Justification = step.Decision.Justification
	}
	if err := r.store.AppendStep(ctx, row); err != nil {
		return fmt.Errorf("record step %d: %w", step.Index, err)
	}

	if step.Decision == nil && step.DecisionErr == "" {
		return nil
	}
	rec := logging.DecisionRecord{
		SessionID:     r.sessionID,
		Step:          step.Index,
		Token:         step.Token,
		Metrics:       step.Metrics,
		Thresholds:    r.thresholds,
		Action:        row.Action,
		Justification: row.Justification,
		PolicyError:   step.DecisionErr,
	}
	if step.Decision != nil {
		rec.Votes = step.Decision.Votes
	}
	if err := logging.LogRecord(r.store.DB(), rec); err != nil {
		return fmt.Errorf("record decision %d: %w", step.Index, err)
	}
	return nil
}

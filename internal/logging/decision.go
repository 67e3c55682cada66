package logging

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// #region log-decision
// LogDecision writes a gate outcome to the decision_log table.
func LogDecision(db *sql.DB, entry DecisionEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := db.Exec(
		`INSERT INTO decision_log (session_id, step, action, justification, record_json, policy_error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.SessionID,
		entry.Step,
		nullIfEmpty(entry.Action),
		nullIfEmpty(entry.Justification),
		nullIfEmpty(entry.RecordJSON),
		nullIfEmpty(entry.PolicyError),
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

// LogRecord marshals rec and writes it as one decision_log row.
func LogRecord(db *sql.DB, rec DecisionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal decision record: %w", err)
	}
	return LogDecision(db, DecisionEntry{
		SessionID:     rec.SessionID,
		Step:          rec.Step,
		Action:        rec.Action,
		Justification: rec.Justification,
		RecordJSON:    string(data),
		PolicyError:   rec.PolicyError,
	})
}

// #endregion log-decision

// #region list-decisions
// ListDecisions returns a session's decision_log rows in step order.
func ListDecisions(db *sql.DB, sessionID string) ([]DecisionEntry, error) {
	rows, err := db.Query(
		`SELECT id, session_id, step, action, justification, record_json, policy_error, created_at
		 FROM decision_log WHERE session_id = ? ORDER BY step, id`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var entries []DecisionEntry
	for rows.Next() {
		var e DecisionEntry
		var action, justification, recordJSON, policyErr sql.NullString
		var createdStr string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Step, &action, &justification, &recordJSON, &policyErr, &createdStr); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		e.Action = action.String
		e.Justification = justification.String
		e.RecordJSON = recordJSON.String
		e.PolicyError = policyErr.String
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DecodeRecord parses an entry's record_json.
func DecodeRecord(e DecisionEntry) (DecisionRecord, error) {
	var rec DecisionRecord
	if e.RecordJSON == "" {
		return rec, fmt.Errorf("decision %d has no record", e.ID)
	}
	if err := json.Unmarshal([]byte(e.RecordJSON), &rec); err != nil {
		return rec, fmt.Errorf("unmarshal decision record %d: %w", e.ID, err)
	}
	return rec, nil
}

// #endregion list-decisions

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/danielpatrickdp/structgate/internal/signals"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id    TEXT PRIMARY KEY,
	source        TEXT NOT NULL,
	prompt        TEXT,
	config_json   TEXT,
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS step_metrics (
	session_id        TEXT NOT NULL,
	step              INTEGER NOT NULL,
	token             TEXT NOT NULL,
	entropy           REAL,
	margin            REAL,
	layer_delta       REAL,
	activation_energy REAL,
	sv_ratio          REAL,
	window_len        INTEGER NOT NULL,
	failures_json     TEXT,
	action            TEXT,
	justification     TEXT,
	decision_error    TEXT,
	created_at        TEXT NOT NULL,
	PRIMARY KEY (session_id, step),
	FOREIGN KEY (session_id) REFERENCES sessions(session_id)
);

CREATE TABLE IF NOT EXISTS decision_log (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id    TEXT NOT NULL,
	step          INTEGER NOT NULL,
	action        TEXT,
	justification TEXT,
	record_json   TEXT,
	policy_error  TEXT,
	created_at    TEXT NOT NULL,
	FOREIGN KEY (session_id) REFERENCES sessions(session_id)
);
`

// #endregion schema

// #region store-struct
// Store persists sessions and their per-step telemetry in SQLite.
type Store struct {
	db *sql.DB
}

// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// PRAGMAs are per connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStoreWithDB wraps an already-migrated database.
func NewStoreWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the schema on db.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// #endregion constructor

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for use by other packages (e.g. logging).
func (s *Store) DB() *sql.DB {
	return s.db
}

// #region sessions
// CreateSession registers a new run and returns it with a fresh ID.
func (s *Store) CreateSession(source, prompt, configJSON string) (Session, error) {
	sess := Session{
		ID:         uuid.New().String(),
		Source:     source,
		Prompt:     prompt,
		ConfigJSON: configJSON,
		CreatedAt:  time.Now().UTC(),
	}
	_, err := s.db.Exec(
		`INSERT INTO sessions (session_id, source, prompt, config_json, created_at) VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.Source, nullIfEmpty(prompt), nullIfEmpty(configJSON), sess.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(id string) (Session, error) {
	sess, err := scanSession(s.db.QueryRow(
		`SELECT session_id, source, prompt, config_json, created_at FROM sessions WHERE session_id = ?`, id,
	))
	if err != nil {
		return Session{}, fmt.Errorf("get session %s: %w", id, err)
	}
	return sess, nil
}

// ListSessions returns the most recent sessions.
func (s *Store) ListSessions(limit int) ([]Session, error) {
	rows, err := s.db.Query(
		`SELECT session_id, source, prompt, config_json, created_at
		 FROM sessions ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (Session, error) {
	var sess Session
	var prompt, cfg sql.NullString
	var createdStr string
	if err := row.Scan(&sess.ID, &sess.Source, &prompt, &cfg, &createdStr); err != nil {
		return Session{}, err
	}
	sess.Prompt = prompt.String
	sess.ConfigJSON = cfg.String
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	return sess, nil
}

// #endregion sessions

// #region steps
// AppendStep persists one step. A step index already stored for the
// session is rejected with ErrDuplicateStep.
func (s *Store) AppendStep(ctx context.Context, row StepRow) error {
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	var failuresJSON string
	if len(row.Metrics.Failures) > 0 {
		data, err := json.Marshal(row.Metrics.Failures)
		if err != nil {
			return fmt.Errorf("marshal failures: %w", err)
		}
		failuresJSON = string(data)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM step_metrics WHERE session_id = ? AND step = ?`, row.SessionID, row.Step,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check step: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("%w: session %s step %d", ErrDuplicateStep, row.SessionID, row.Step)
	}

	m := row.Metrics
	_, err = tx.ExecContext(ctx,
		`INSERT INTO step_metrics (session_id, step, token, entropy, margin, layer_delta, activation_energy,
		   sv_ratio, window_len, failures_json, action, justification, decision_error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.SessionID, row.Step, row.Token,
		m.Entropy.Ptr(), m.Margin.Ptr(), m.LayerDelta.Ptr(), m.ActivationEnergy.Ptr(), m.SVRatio.Ptr(),
		m.WindowLen, nullIfEmpty(failuresJSON),
		nullIfEmpty(row.Action), nullIfEmpty(row.Justification), nullIfEmpty(row.DecisionErr),
		row.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	return tx.Commit()
}

// ListSteps returns every stored step of a session in step order.
func (s *Store) ListSteps(sessionID string) ([]StepRow, error) {
	rows, err := s.db.Query(
		`SELECT session_id, step, token, entropy, margin, layer_delta, activation_energy, sv_ratio,
		   window_len, failures_json, action, justification, decision_error, created_at
		 FROM step_metrics WHERE session_id = ? ORDER BY step`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var out []StepRow
	for rows.Next() {
		var r StepRow
		var entropy, margin, delta, energy, ratio sql.NullFloat64
		var failuresJSON, action, justification, decisionErr sql.NullString
		var createdStr string
		if err := rows.Scan(&r.SessionID, &r.Step, &r.Token, &entropy, &margin, &delta, &energy, &ratio,
			&r.Metrics.WindowLen, &failuresJSON, &action, &justification, &decisionErr, &createdStr); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		r.Metrics.Step = r.Step
		r.Metrics.Entropy = optional(entropy)
		r.Metrics.Margin = optional(margin)
		r.Metrics.LayerDelta = optional(delta)
		r.Metrics.ActivationEnergy = optional(energy)
		r.Metrics.SVRatio = optional(ratio)
		if failuresJSON.Valid {
			if err := json.Unmarshal([]byte(failuresJSON.String), &r.Metrics.Failures); err != nil {
				return nil, fmt.Errorf("unmarshal failures step %d: %w", r.Step, err)
			}
		}
		r.Action = action.String
		r.Justification = justification.String
		r.DecisionErr = decisionErr.String
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		out = append(out, r)
	}
	return out, rows.Err()
}

// #endregion steps

// #region helpers
func optional(n sql.NullFloat64) signals.Optional {
	if !n.Valid {
		return signals.None()
	}
	return signals.Some(n.Float64)
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers

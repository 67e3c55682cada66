package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/danielpatrickdp/structgate/internal/engine"
	"github.com/danielpatrickdp/structgate/internal/gate"
	"github.com/danielpatrickdp/structgate/internal/logging"
	"github.com/danielpatrickdp/structgate/internal/model"
	"github.com/danielpatrickdp/structgate/internal/signals"
)

func tempDB(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// #region session-tests
func TestCreateAndGetSession(t *testing.T) {
	s := tempDB(t)
	sess, err := s.CreateSession("fake", "hello", `{"window_size":16}`)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.ID == "" {
		t.Fatal("expected non-empty session ID")
	}

	got, err := s.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Source != "fake" || got.Prompt != "hello" || got.ConfigJSON != `{"window_size":16}` {
		t.Errorf("unexpected session %+v", got)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s := tempDB(t)
	if _, err := s.GetSession("nonexistent"); err == nil {
		t.Fatal("expected error for nonexistent session")
	}
}

func TestListSessions(t *testing.T) {
	s := tempDB(t)
	s.CreateSession("fake", "a", "")
	s.CreateSession("synthetic", "", "")

	sessions, err := s.ListSessions(10)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
}

func TestNewStoreInvalidPath(t *testing.T) {
	_, err := NewStore(filepath.Join(string(os.PathSeparator), "nonexistent", "deep", "path", "test.db"))
	if err == nil {
		t.Fatal("expected error for invalid path")
	}
}

// #endregion session-tests

// #region step-tests
func TestAppendStep_PreservesAbsence(t *testing.T) {
	s := tempDB(t)
	sess, _ := s.CreateSession("fake", "", "")

	row := StepRow{
		SessionID: sess.ID,
		Step:      0,
		Token:     "hi",
		Metrics: signals.MetricsRecord{
			Step:             0,
			Entropy:          signals.Some(0.7),
			Margin:           signals.Some(0.1),
			ActivationEnergy: signals.Some(5),
			WindowLen:        1,
			Failures:         []signals.ProbeFailure{{Probe: signals.ProbeInstant, Err: "dimension mismatch"}},
		},
		Action:        "NOOP",
		Justification: "sv_ratio: warming up",
	}
	if err := s.AppendStep(context.Background(), row); err != nil {
		t.Fatalf("AppendStep: %v", err)
	}

	steps, err := s.ListSteps(sess.ID)
	if err != nil {
		t.Fatalf("ListSteps: %v", err)
	}
	if len(steps) != 1 {
		t.Fatalf("expected 1 step, got %d", len(steps))
	}
	got := steps[0]
	if got.Metrics.SVRatio.Valid() || got.Metrics.LayerDelta.Valid() {
		t.Errorf("absent metrics must load as absent, got sv=%v delta=%v", got.Metrics.SVRatio, got.Metrics.LayerDelta)
	}
	if v, _ := got.Metrics.Entropy.Get(); v != 0.7 {
		t.Errorf("expected entropy 0.7, got %f", v)
	}
	if len(got.Metrics.Failures) != 1 || got.Metrics.Failures[0].Probe != signals.ProbeInstant {
		t.Errorf("expected failure preserved, got %+v", got.Metrics.Failures)
	}
	if got.Action != "NOOP" || got.DecisionErr != "" {
		t.Errorf("unexpected decision fields %+v", got)
	}
}

func TestAppendStep_RejectsDuplicate(t *testing.T) {
	s := tempDB(t)
	sess, _ := s.CreateSession("fake", "", "")
	row := StepRow{SessionID: sess.ID, Step: 4, Token: "x"}

	if err := s.AppendStep(context.Background(), row); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if err := s.AppendStep(context.Background(), row); !errors.Is(err, ErrDuplicateStep) {
		t.Fatalf("expected ErrDuplicateStep, got %v", err)
	}
}

func TestAppendStep_UnknownSession(t *testing.T) {
	s := tempDB(t)
	err := s.AppendStep(context.Background(), StepRow{SessionID: "ghost", Step: 0, Token: "x"})
	if err == nil {
		t.Fatal("expected foreign key error for unknown session")
	}
}

func TestClosedDB(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewStore(filepath.Join(dir, "test.db"))
	sess, _ := s.CreateSession("fake", "", "")
	s.Close()

	if _, err := s.CreateSession("fake", "", ""); err == nil {
		t.Error("expected CreateSession error on closed DB")
	}
	if err := s.AppendStep(context.Background(), StepRow{SessionID: sess.ID}); err == nil {
		t.Error("expected AppendStep error on closed DB")
	}
	if _, err := s.ListSteps(sess.ID); err == nil {
		t.Error("expected ListSteps error on closed DB")
	}
	if _, err := s.ListSessions(10); err == nil {
		t.Error("expected ListSessions error on closed DB")
	}
}

// #endregion step-tests

// #region recorder-tests
func TestRecorder_PersistsEngineRun(t *testing.T) {
	s := tempDB(t)
	sess, _ := s.CreateSession("scripted", "", "")

	traces := []model.StepTrace{
		{Index: 0, Token: "a", Probs: []float64{0.9, 0.1}, Layers: map[string][]float64{model.LayerLast: {1, 0}}},
		{Index: 1, Token: "b", Probs: []float64{0.5, 0.5}, Layers: map[string][]float64{model.LayerLast: {1, 1}}},
		{Index: 2, Token: "c", Probs: []float64{0.6, 0.4}, Layers: map[string][]float64{model.LayerLast: {0, 1}}},
	}
	suite, err := signals.NewSuite(signals.DefaultSuiteConfig())
	if err != nil {
		t.Fatalf("suite: %v", err)
	}
	settings := gate.DefaultSettings()
	g, err := settings.Build()
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	rec := NewRecorder(s, sess.ID, settings)

	e := engine.New(model.NewScripted(traces), suite, engine.WithEvaluator(g), engine.WithSinks(rec))
	if _, err := e.Run(context.Background(), 0); err != nil {
		t.Fatalf("run: %v", err)
	}

	steps, err := s.ListSteps(sess.ID)
	if err != nil {
		t.Fatalf("ListSteps: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("expected 3 stored steps, got %d", len(steps))
	}
	for i, st := range steps {
		if st.Token != traces[i].Token || st.Action == "" {
			t.Errorf("step %d: unexpected row %+v", i, st)
		}
	}
	if steps[0].Metrics.SVRatio.Valid() || !steps[1].Metrics.SVRatio.Valid() {
		t.Error("expected sv_ratio absent at step 0 and present at step 1")
	}

	decisions, err := logging.ListDecisions(s.DB(), sess.ID)
	if err != nil {
		t.Fatalf("ListDecisions: %v", err)
	}
	if len(decisions) != 3 {
		t.Fatalf("expected 3 decisions, got %d", len(decisions))
	}
	dr, err := logging.DecodeRecord(decisions[2])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dr.Token != "c" || len(dr.Votes) != 2 {
		t.Errorf("unexpected decision record %+v", dr)
	}
}

func TestRecorder_UngatedStepWritesNoDecision(t *testing.T) {
	s := tempDB(t)
	sess, _ := s.CreateSession("scripted", "", "")
	rec := NewRecorder(s, sess.ID, gate.DefaultSettings())

	if err := rec.Record(context.Background(), engine.Step{Index: 0, Token: "x"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	decisions, _ := logging.ListDecisions(s.DB(), sess.ID)
	if len(decisions) != 0 {
		t.Errorf("expected no decision rows, got %d", len(decisions))
	}
}

// #endregion recorder-tests

func TestNewStoreWithDB_InMemory(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	s := NewStoreWithDB(db)
	sess, err := s.CreateSession("fake", "", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := s.AppendStep(context.Background(), StepRow{SessionID: sess.ID, Step: 0, Token: "x"}); err != nil {
		t.Fatalf("AppendStep: %v", err)
	}
}

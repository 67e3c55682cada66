package signals

import (
	"errors"
	"math"
	"testing"
)

func mustTrajectory(t *testing.T, cfg TrajectoryConfig) *TrajectoryProbe {
	t.Helper()
	p, err := NewTrajectoryProbe(cfg)
	if err != nil {
		t.Fatalf("new trajectory probe: %v", err)
	}
	return p
}

// #region config-tests

func TestTrajectoryConfig_Validate(t *testing.T) {
	tests := []struct {
		cfg TrajectoryConfig
		ok  bool
	}{
		{TrajectoryConfig{WindowSize: 8, MinFill: 2}, true},
		{TrajectoryConfig{WindowSize: 2, MinFill: 2}, true},
		{TrajectoryConfig{WindowSize: 1, MinFill: 1}, false},
		{TrajectoryConfig{WindowSize: 8, MinFill: 1}, false},
		{TrajectoryConfig{WindowSize: 8, MinFill: 9}, false},
	}
	for _, tt := range tests {
		err := tt.cfg.Validate()
		if (err == nil) != tt.ok {
			t.Errorf("%+v: expected ok=%v, got err=%v", tt.cfg, tt.ok, err)
		}
	}
}

// #endregion config-tests

// #region window-tests

func TestWindow_NeverExceedsCapacity(t *testing.T) {
	w := NewWindow(4)
	for i := 0; i < 50; i++ {
		if err := w.Push([]float64{float64(i), 1}); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
		if w.Len() > w.Cap() {
			t.Fatalf("after %d pushes window len %d exceeds cap %d", i+1, w.Len(), w.Cap())
		}
	}
	if w.Len() != 4 {
		t.Errorf("expected full window of 4, got %d", w.Len())
	}
}

func TestWindow_EvictsOldestFirst(t *testing.T) {
	w := NewWindow(3)
	for i := 1; i <= 5; i++ {
		w.Push([]float64{float64(i)})
	}
	m := w.Matrix()
	rows, _ := m.Dims()
	if rows != 3 {
		t.Fatalf("expected 3 rows, got %d", rows)
	}
	for i, want := range []float64{3, 4, 5} {
		if got := m.At(i, 0); got != want {
			t.Errorf("row %d: expected %f, got %f", i, want, got)
		}
	}
}

func TestWindow_CopiesInput(t *testing.T) {
	w := NewWindow(2)
	v := []float64{1, 2}
	w.Push(v)
	v[0] = 99
	if got := w.Matrix().At(0, 0); got != 1 {
		t.Errorf("expected window to hold a copy, got %f", got)
	}
}

func TestWindow_DimensionMismatch(t *testing.T) {
	w := NewWindow(3)
	w.Push([]float64{1, 2})
	if err := w.Push([]float64{1, 2, 3}); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
	if w.Len() != 1 {
		t.Errorf("rejected vector must not be buffered, len=%d", w.Len())
	}
}

// #endregion window-tests

// #region ratio-tests

func TestTrajectory_AbsentBelowMinFill(t *testing.T) {
	p := mustTrajectory(t, TrajectoryConfig{WindowSize: 4, MinFill: 3})
	for i := 0; i < 2; i++ {
		r, err := p.Observe([]float64{1, float64(i)})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if r.Valid() {
			t.Errorf("step %d: expected absent sv_ratio below min fill, got %v", i, r)
		}
	}
	r, _ := p.Observe([]float64{1, 2})
	if !r.Valid() {
		t.Error("expected sv_ratio once min fill reached")
	}
}

func TestTrajectory_IdenticalVectorsCollapse(t *testing.T) {
	const w = 6
	p := mustTrajectory(t, TrajectoryConfig{WindowSize: w, MinFill: 2})
	var last Optional
	for i := 0; i < w; i++ {
		r, err := p.Observe([]float64{0.3, -1.2, 2.5, 0.7})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		last = r
	}
	if v, _ := last.Get(); math.Abs(v-1) > 1e-9 {
		t.Errorf("expected sv_ratio 1.0 for identical vectors, got %.12f", v)
	}
}

func TestTrajectory_ZeroWindowIsDegenerate(t *testing.T) {
	p := mustTrajectory(t, TrajectoryConfig{WindowSize: 3, MinFill: 2})
	var last Optional
	for i := 0; i < 3; i++ {
		last, _ = p.Observe([]float64{0, 0, 0})
	}
	if v, ok := last.Get(); !ok || v != 1.0 {
		t.Errorf("expected degenerate convention 1.0, got %v", last)
	}
}

func TestTrajectory_OrthogonalVectorsSpread(t *testing.T) {
	for _, w := range []int{2, 4, 8} {
		p := mustTrajectory(t, TrajectoryConfig{WindowSize: w, MinFill: 2})
		var last Optional
		for i := 0; i < w; i++ {
			v := make([]float64, w+2)
			v[i] = 3
			last, _ = p.Observe(v)
		}
		got, _ := last.Get()
		if math.Abs(got-1/float64(w)) > 1e-9 {
			t.Errorf("W=%d: expected sv_ratio %f, got %f", w, 1/float64(w), got)
		}
	}
}

func TestTrajectory_RatioInUnitInterval(t *testing.T) {
	p := mustTrajectory(t, TrajectoryConfig{WindowSize: 5, MinFill: 2})
	vecs := [][]float64{{1, 2, 0}, {-3, 1, 4}, {0.5, 0.5, 0.5}, {2, -1, 1}, {7, 0, -2}, {1, 1, 1}}
	for i, v := range vecs {
		r, err := p.Observe(v)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if got, ok := r.Get(); ok && (got < 0 || got > 1) {
			t.Errorf("step %d: sv_ratio %f out of [0, 1]", i, got)
		}
	}
}

func TestTrajectory_CenteredIdenticalIsDegenerate(t *testing.T) {
	p := mustTrajectory(t, TrajectoryConfig{WindowSize: 3, MinFill: 2, Center: true})
	var last Optional
	for i := 0; i < 3; i++ {
		last, _ = p.Observe([]float64{4, 5, 6})
	}
	if v, ok := last.Get(); !ok || v != 1.0 {
		t.Errorf("expected centered identical window to report 1.0, got %v", last)
	}
}

func TestTrajectory_CenteredCollinearIsFullCollapse(t *testing.T) {
	// Points on a line through any offset have a rank-1 centered matrix.
	p := mustTrajectory(t, TrajectoryConfig{WindowSize: 4, MinFill: 2, Center: true})
	var last Optional
	for i := 0; i < 4; i++ {
		last, _ = p.Observe([]float64{10 + float64(i), 5 + 2*float64(i)})
	}
	if v, _ := last.Get(); math.Abs(v-1) > 1e-9 {
		t.Errorf("expected centered collinear ratio 1.0, got %f", v)
	}
}

func TestTrajectory_DimensionMismatch(t *testing.T) {
	p := mustTrajectory(t, TrajectoryConfig{WindowSize: 3, MinFill: 2})
	p.Observe([]float64{1, 2})
	_, err := p.Observe([]float64{1, 2, 3})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
	if p.Len() != 1 {
		t.Errorf("expected window len 1 after rejected push, got %d", p.Len())
	}
}

func TestTrajectory_Reset(t *testing.T) {
	p := mustTrajectory(t, TrajectoryConfig{WindowSize: 3, MinFill: 2})
	p.Observe([]float64{1, 2})
	p.Observe([]float64{2, 1})
	p.Reset()
	if p.Len() != 0 {
		t.Fatalf("expected empty window after reset, got %d", p.Len())
	}
	if _, err := p.Observe([]float64{1, 2, 3}); err != nil {
		t.Errorf("expected new dimension accepted after reset, got %v", err)
	}
}

// #endregion ratio-tests

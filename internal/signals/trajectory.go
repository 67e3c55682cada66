package signals

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// #region config

// degenerateSum is the singular value mass below which a window counts as
// fully collapsed.
const degenerateSum = 1e-12

var errSVDFailed = errors.New("svd factorization failed")

// TrajectoryConfig sizes the temporal window.
//
// WindowSize trades detection latency against noise: a larger window smooths
// the ratio but reacts later to the onset of collapse, a smaller one reacts
// within a few steps but jitters with every token. MinFill is the number of
// buffered states required before a ratio is reported. Center subtracts the
// per-column mean before decomposition, which measures the spread of the
// trajectory around its centroid instead of its dominant direction.
type TrajectoryConfig struct {
	WindowSize int
	MinFill    int
	Center     bool
}

// DefaultTrajectoryConfig returns a 16-step window reporting from the second step.
func DefaultTrajectoryConfig() TrajectoryConfig {
	return TrajectoryConfig{
		WindowSize: 16,
		MinFill:    2,
	}
}

// Validate checks the window bounds.
func (c TrajectoryConfig) Validate() error {
	if c.WindowSize < 2 {
		return fmt.Errorf("window_size %d < 2", c.WindowSize)
	}
	if c.MinFill < 2 || c.MinFill > c.WindowSize {
		return fmt.Errorf("min_fill %d outside [2, %d]", c.MinFill, c.WindowSize)
	}
	return nil
}

// #endregion config

// #region window

// Window is a bounded FIFO of hidden-state vectors. It owns copies of every
// vector it holds and evicts the oldest entry once full.
type Window struct {
	rows [][]float64
	head int // index of the oldest row once the buffer is full
	size int
	dim  int
}

// NewWindow creates a window holding at most capacity vectors.
func NewWindow(capacity int) *Window {
	return &Window{rows: make([][]float64, capacity)}
}

// Push copies v into the window, evicting the oldest vector when full.
func (w *Window) Push(v []float64) error {
	if w.size > 0 && len(v) != w.dim {
		return fmt.Errorf("%w: window holds dim %d, got %d", ErrDimensionMismatch, w.dim, len(v))
	}
	w.dim = len(v)

	capacity := len(w.rows)
	if w.size < capacity {
		w.rows[(w.head+w.size)%capacity] = append([]float64(nil), v...)
		w.size++
		return nil
	}
	w.rows[w.head] = append(w.rows[w.head][:0], v...)
	w.head = (w.head + 1) % capacity
	return nil
}

// Len returns the number of buffered vectors.
func (w *Window) Len() int { return w.size }

// Cap returns the window capacity.
func (w *Window) Cap() int { return len(w.rows) }

// Dim returns the dimension of buffered vectors, or 0 when empty.
func (w *Window) Dim() int {
	if w.size == 0 {
		return 0
	}
	return w.dim
}

// Matrix stacks the buffered vectors oldest-first into a Len x Dim matrix.
func (w *Window) Matrix() *mat.Dense {
	data := make([]float64, 0, w.size*w.dim)
	for i := 0; i < w.size; i++ {
		data = append(data, w.rows[(w.head+i)%len(w.rows)]...)
	}
	return mat.NewDense(w.size, w.dim, data)
}

// Reset empties the window.
func (w *Window) Reset() {
	for i := range w.rows {
		w.rows[i] = nil
	}
	w.head, w.size, w.dim = 0, 0, 0
}

// #endregion window

// #region trajectory-probe

// TrajectoryProbe tracks the recent hidden-state trajectory and reports the
// share of its singular value mass carried by the dominant direction.
type TrajectoryProbe struct {
	config TrajectoryConfig
	window *Window
}

// NewTrajectoryProbe creates a trajectory probe. The config must be valid.
func NewTrajectoryProbe(config TrajectoryConfig) (*TrajectoryProbe, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("trajectory config: %w", err)
	}
	return &TrajectoryProbe{config: config, window: NewWindow(config.WindowSize)}, nil
}

// Observe pushes h into the window and returns sv_ratio = s1 / sum(s). The
// ratio is absent until the window holds MinFill vectors. A window whose
// singular values are all ~0 (identical centered rows, or all-zero rows)
// reports 1.0: a fully degenerate trajectory is treated as maximal collapse.
func (p *TrajectoryProbe) Observe(h []float64) (Optional, error) {
	if len(h) == 0 {
		return None(), fmt.Errorf("%w: empty hidden state", ErrDimensionMismatch)
	}
	if err := checkFinite(h); err != nil {
		return None(), err
	}
	if err := p.window.Push(h); err != nil {
		return None(), err
	}
	if p.window.Len() < p.config.MinFill {
		return None(), nil
	}

	ratio, err := spectralRatio(p.window.Matrix(), p.config.Center)
	if err != nil {
		return None(), err
	}
	return Some(ratio), nil
}

// Len returns the current window fill.
func (p *TrajectoryProbe) Len() int { return p.window.Len() }

// Config returns the probe's configuration.
func (p *TrajectoryProbe) Config() TrajectoryConfig { return p.config }

// Reset clears the trajectory, e.g. between independent prompts.
func (p *TrajectoryProbe) Reset() { p.window.Reset() }

// #endregion trajectory-probe

// #region spectral

func spectralRatio(m *mat.Dense, center bool) (float64, error) {
	if center {
		centerColumns(m)
	}

	var svd mat.SVD
	if ok := svd.Factorize(m, mat.SVDNone); !ok {
		return 0, errSVDFailed
	}
	values := svd.Values(nil)

	var total float64
	for _, s := range values {
		total += s
	}
	if len(values) == 0 || total <= degenerateSum {
		return 1.0, nil
	}
	return clamp(values[0]/total, 0, 1), nil
}

func centerColumns(m *mat.Dense) {
	rows, cols := m.Dims()
	for j := 0; j < cols; j++ {
		var mean float64
		for i := 0; i < rows; i++ {
			mean += m.At(i, j)
		}
		mean /= float64(rows)
		for i := 0; i < rows; i++ {
			m.Set(i, j, m.At(i, j)-mean)
		}
	}
}

// #endregion spectral

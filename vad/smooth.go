package vad

import "fmt"

// Smoother damps frame-to-frame jitter in the level signal.
type Smoother interface {
	Add(level float64) float64
	Reset()
}

const (
	SmoothRolling = "rolling"
	SmoothEMA     = "ema"
)

// NewSmoother builds the smoother named by kind. An empty kind means rolling.
func NewSmoother(kind string, window int, alpha float64) (Smoother, error) {
	switch kind {
	case "", SmoothRolling:
		if window < 1 {
			return nil, fmt.Errorf("smoothing window must be >= 1, got %d", window)
		}
		return NewRollingAverage(window), nil
	case SmoothEMA:
		if alpha <= 0 || alpha >= 1 {
			return nil, fmt.Errorf("ema alpha must be in (0,1), got %g", alpha)
		}
		return NewEMA(alpha), nil
	default:
		return nil, fmt.Errorf("unknown smoothing %q", kind)
	}
}

// RollingAverage is the mean of the last W levels. Until W levels have been
// seen it averages whatever it has.
type RollingAverage struct {
	window []float64
	pos    int
	n      int
	sum    float64
}

func NewRollingAverage(w int) *RollingAverage {
	if w < 1 {
		w = 1
	}
	return &RollingAverage{window: make([]float64, w)}
}

func (r *RollingAverage) Add(level float64) float64 {
	if r.n == len(r.window) {
		r.sum -= r.window[r.pos]
	} else {
		r.n++
	}
	r.window[r.pos] = level
	r.sum += level
	r.pos = (r.pos + 1) % len(r.window)
	return r.sum / float64(r.n)
}

func (r *RollingAverage) Reset() {
	clear(r.window)
	r.pos, r.n, r.sum = 0, 0, 0
}

// EMA is an exponential moving average; the first sample seeds it.
type EMA struct {
	alpha  float64
	value  float64
	seeded bool
}

func NewEMA(alpha float64) *EMA {
	return &EMA{alpha: alpha}
}

func (e *EMA) Add(level float64) float64 {
	if !e.seeded {
		e.value = level
		e.seeded = true
		return e.value
	}
	e.value = e.alpha*level + (1-e.alpha)*e.value
	return e.value
}

func (e *EMA) Reset() {
	e.value = 0
	e.seeded = false
}

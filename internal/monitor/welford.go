package monitor

import "math"

// welford accumulates a running mean and variance in one pass.
type welford struct {
	count int
	mean  float64
	m2    float64
}

func (w *welford) add(x float64) {
	w.count++
	delta := x - w.mean
	w.mean += delta / float64(w.count)
	delta2 := x - w.mean
	w.m2 += delta * delta2
}

// stddev is the sample standard deviation, 0 below two samples.
func (w *welford) stddev() float64 {
	if w.count < 2 {
		return 0
	}
	return math.Sqrt(w.m2 / float64(w.count-1))
}

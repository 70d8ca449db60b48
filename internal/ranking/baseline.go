// Package ranking maintains feedback-adjustable total orders over model ids,
// one tracker per quality metric.
package ranking

// Baseline returns the feedback-free value for position p (0-indexed,
// ascending rank) in a list of n models. Values are evenly spaced with
// constant gap 2*base*scale, so relative spacing encodes rank while
// accumulated feedback rides on top as a per-model delta.
func Baseline(base, scale float64, n, p int) float64 {
	return scale * (-base*float64(n) + 2*base*float64(p))
}

// Deltas captures each value's offset from its positional baseline. The
// returned slice is index-aligned with values.
func Deltas(base, scale float64, values []float64) []float64 {
	n := len(values)
	deltas := make([]float64, n)
	for p, v := range values {
		deltas[p] = v - Baseline(base, scale, n, p)
	}
	return deltas
}

// Rebase computes fresh baselines for len(deltas) positions and re-applies
// the preserved deltas. Any constant term the deltas carry is removed by the
// caller's re-centering, so growing or shrinking the list never fabricates
// apparent feedback.
func Rebase(base, scale float64, deltas []float64) []float64 {
	n := len(deltas)
	values := make([]float64, n)
	for p, d := range deltas {
		values[p] = Baseline(base, scale, n, p) + d
	}
	return values
}

// Median returns the statistical median of an ascending-sorted slice: the
// middle element for odd lengths, the midpoint of the two middle elements
// for even lengths.
func Median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

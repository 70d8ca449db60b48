package ranking

import (
	"math"
	"testing"
)

func TestBaseline_SpacingAndSymmetry(t *testing.T) {
	const base, scale = 2.0, 2.0

	for n := 1; n <= 7; n++ {
		values := make([]float64, n)
		for p := 0; p < n; p++ {
			values[p] = Baseline(base, scale, n, p)
		}

		// Even spacing of 2*base*scale between adjacent ranks.
		for p := 1; p < n; p++ {
			gap := values[p] - values[p-1]
			if math.Abs(gap-2*base*scale) > 1e-9 {
				t.Errorf("n=%d gap at %d = %v, want %v", n, p, gap, 2*base*scale)
			}
		}

		// Symmetric around the midpoint, which re-centering moves to zero.
		mid := (values[0] + values[n-1]) / 2
		for p := 0; p < n; p++ {
			mirror := values[n-1-p]
			if math.Abs((values[p]-mid)+(mirror-mid)) > 1e-9 {
				t.Errorf("n=%d values not symmetric: %v", n, values)
			}
		}
	}
}

func TestDeltas_RoundTrip(t *testing.T) {
	const base, scale = 2.0, 2.0
	values := []float64{-9.5, -4, 0, 3.25, 8}

	deltas := Deltas(base, scale, values)
	back := Rebase(base, scale, deltas)

	for i := range values {
		if math.Abs(back[i]-values[i]) > 1e-9 {
			t.Errorf("round trip [%d] = %v, want %v", i, back[i], values[i])
		}
	}
}

func TestDeltas_FeedbackFreeIsConstant(t *testing.T) {
	// A feedback-free list is exactly the centered baselines, so every
	// delta must be the same constant (the centering shift).
	const base, scale = 2.0, 2.0
	n := 4

	values := make([]float64, n)
	for p := range values {
		values[p] = Baseline(base, scale, n, p)
	}
	med := Median(values)
	for p := range values {
		values[p] -= med
	}

	deltas := Deltas(base, scale, values)
	for _, d := range deltas[1:] {
		if math.Abs(d-deltas[0]) > 1e-9 {
			t.Fatalf("feedback-free deltas differ: %v", deltas)
		}
	}
}

func TestMedian(t *testing.T) {
	tests := []struct {
		name   string
		sorted []float64
		want   float64
	}{
		{"empty", nil, 0},
		{"single", []float64{3}, 3},
		{"odd", []float64{-8, 0, 8}, 0},
		{"even", []float64{-8, 0}, -4},
		{"even offset", []float64{1, 2, 3, 10}, 2.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Median(tt.sorted); got != tt.want {
				t.Errorf("Median(%v) = %v, want %v", tt.sorted, got, tt.want)
			}
		})
	}
}

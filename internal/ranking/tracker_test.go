package ranking

import (
	"errors"
	"math"
	"sort"
	"testing"

	"github.com/logoslabs/logos-gateway/internal/domain"
)

// assertZeroMedian checks the tracker invariant after an operation.
func assertZeroMedian(t *testing.T, tr *Tracker) {
	t.Helper()

	values := tr.Values()
	if len(values) == 0 {
		return
	}
	if !sort.Float64sAreSorted(values) {
		t.Fatalf("values not sorted ascending: %v", values)
	}
	if med := Median(values); math.Abs(med) > 1e-9 {
		t.Fatalf("median = %v, want 0 (values %v)", med, values)
	}
}

func rankOf(t *testing.T, tr *Tracker, id string) int {
	t.Helper()

	for i, got := range tr.IDs() {
		if got == id {
			return i
		}
	}
	t.Fatalf("model %s not tracked", id)
	return -1
}

func TestTracker_ZeroMedianAfterEveryOp(t *testing.T) {
	tr := NewTracker(domain.MetricCost)

	ops := []func() error{
		func() error { return tr.Insert("", "m1") },
		func() error { return tr.Insert("m1", "m2") },
		func() error { return tr.Insert("m2", "m3") },
		func() error { return tr.Feedback("m1", 3.5) },
		func() error { return tr.Insert("m1", "m4") },
		func() error { return tr.Feedback("m3", -12) },
		func() error { return tr.Remove("m2") },
		func() error { return tr.Feedback("m4", 0.25) },
		func() error { return tr.Remove("m1") },
		func() error { return tr.Insert("", "m5") },
	}

	for i, op := range ops {
		if err := op(); err != nil {
			t.Fatalf("op %d error = %v", i, err)
		}
		assertZeroMedian(t, tr)
	}
}

func TestTracker_InsertOrdering(t *testing.T) {
	tr := NewTracker(domain.MetricQuality)

	if err := tr.Insert("", "a"); err != nil {
		t.Fatalf("Insert(a) error = %v", err)
	}
	// Feedback on A must not change where a later worse model lands.
	if err := tr.Feedback("a", 7); err != nil {
		t.Fatalf("Feedback(a) error = %v", err)
	}

	// B enters at the very bottom: worse than A.
	if err := tr.Insert("", "b"); err != nil {
		t.Fatalf("Insert(b) error = %v", err)
	}

	if rankOf(t, tr, "a") <= rankOf(t, tr, "b") {
		t.Errorf("a should rank above b: ids = %v", tr.IDs())
	}

	// C enters between B and A.
	if err := tr.Insert("b", "c"); err != nil {
		t.Fatalf("Insert(c) error = %v", err)
	}
	want := []string{"b", "c", "a"}
	got := tr.IDs()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
	assertZeroMedian(t, tr)
}

func TestTracker_InsertErrors(t *testing.T) {
	tr := NewTracker(domain.MetricCost)

	if err := tr.Insert("", "m1"); err != nil {
		t.Fatalf("Insert(m1) error = %v", err)
	}

	err := tr.Insert("", "m1")
	var apiErr *domain.APIError
	if !errors.As(err, &apiErr) || apiErr.Type != domain.ErrorTypeValidation {
		t.Errorf("duplicate insert error = %v, want validation", err)
	}

	err = tr.Insert("ghost", "m2")
	if !errors.As(err, &apiErr) || apiErr.Type != domain.ErrorTypeNotFound {
		t.Errorf("unknown afterID error = %v, want not_found", err)
	}
}

func TestTracker_UnknownIDErrors(t *testing.T) {
	tr := NewTracker(domain.MetricCost)

	var apiErr *domain.APIError
	if err := tr.Remove("ghost"); !errors.As(err, &apiErr) || apiErr.Type != domain.ErrorTypeNotFound {
		t.Errorf("Remove(ghost) error = %v, want not_found", err)
	}
	if err := tr.Feedback("ghost", 1); !errors.As(err, &apiErr) || apiErr.Type != domain.ErrorTypeNotFound {
		t.Errorf("Feedback(ghost) error = %v, want not_found", err)
	}
	if _, err := tr.ThresholdOf("ghost"); !errors.As(err, &apiErr) || apiErr.Type != domain.ErrorTypeNotFound {
		t.Errorf("ThresholdOf(ghost) error = %v, want not_found", err)
	}
}

func TestTracker_InsertThenRemoveRestoresValues(t *testing.T) {
	tr := NewTracker(domain.MetricLatency)

	for _, id := range []string{"a", "b", "c"} {
		prev := ""
		if ids := tr.IDs(); len(ids) > 0 {
			prev = ids[len(ids)-1]
		}
		if err := tr.Insert(prev, id); err != nil {
			t.Fatalf("Insert(%s) error = %v", id, err)
		}
	}
	if err := tr.Feedback("b", 2.5); err != nil {
		t.Fatalf("Feedback(b) error = %v", err)
	}

	before := tr.Values()
	beforeIDs := tr.IDs()

	// A transient model enters at the top and leaves again.
	if err := tr.Insert("c", "transient"); err != nil {
		t.Fatalf("Insert(transient) error = %v", err)
	}
	if err := tr.Remove("transient"); err != nil {
		t.Fatalf("Remove(transient) error = %v", err)
	}

	after := tr.Values()
	afterIDs := tr.IDs()

	for i := range beforeIDs {
		if afterIDs[i] != beforeIDs[i] {
			t.Fatalf("order changed: %v -> %v", beforeIDs, afterIDs)
		}
		if math.Abs(after[i]-before[i]) > 1e-9 {
			t.Errorf("value[%d] = %v, want %v (insert+remove must be neutral)", i, after[i], before[i])
		}
	}
}

func TestTracker_FeedbackReordersWithSwapSettling(t *testing.T) {
	tr := NewTracker(domain.MetricAccuracy)

	for _, id := range []string{"low", "mid", "high"} {
		prev := ""
		if ids := tr.IDs(); len(ids) > 0 {
			prev = ids[len(ids)-1]
		}
		if err := tr.Insert(prev, id); err != nil {
			t.Fatalf("Insert(%s) error = %v", id, err)
		}
	}

	// Push the top model below everyone.
	if err := tr.Feedback("high", -40); err != nil {
		t.Fatalf("Feedback(high) error = %v", err)
	}

	want := []string{"high", "low", "mid"}
	got := tr.IDs()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order after settling = %v, want %v", got, want)
		}
	}
	assertZeroMedian(t, tr)

	// The demotion survives as a large negative offset against the
	// settled baseline order.
	highVal, err := tr.ThresholdOf("high")
	if err != nil {
		t.Fatalf("ThresholdOf(high) error = %v", err)
	}
	lowVal, err := tr.ThresholdOf("low")
	if err != nil {
		t.Fatalf("ThresholdOf(low) error = %v", err)
	}
	if highVal >= lowVal {
		t.Errorf("high (%v) should sit below low (%v)", highVal, lowVal)
	}
	if lowVal-highVal <= 2*defaultBase*defaultScale {
		t.Errorf("demotion flattened to baseline spacing: gap = %v", lowVal-highVal)
	}
}

func TestTracker_GetSpecial(t *testing.T) {
	tr := NewTracker(domain.MetricCost)

	for _, id := range []string{"cheap", "fair", "pricey"} {
		prev := ""
		if ids := tr.IDs(); len(ids) > 0 {
			prev = ids[len(ids)-1]
		}
		if err := tr.Insert(prev, id); err != nil {
			t.Fatalf("Insert(%s) error = %v", id, err)
		}
	}

	best, err := tr.GetSpecial(domain.SentinelBest, nil)
	if err != nil {
		t.Fatalf("GetSpecial(best) error = %v", err)
	}
	worst, err := tr.GetSpecial(domain.SentinelWorst, nil)
	if err != nil {
		t.Fatalf("GetSpecial(worst) error = %v", err)
	}
	if best <= worst {
		t.Errorf("best (%v) should exceed worst (%v)", best, worst)
	}

	priceyVal, _ := tr.ThresholdOf("pricey")
	if best != priceyVal {
		t.Errorf("best = %v, want pricey's value %v", best, priceyVal)
	}

	// Sentinels resolve relative to the allowed subset, not the full set.
	fairVal, _ := tr.ThresholdOf("fair")
	subsetBest, err := tr.GetSpecial(domain.SentinelBest, []string{"cheap", "fair"})
	if err != nil {
		t.Fatalf("GetSpecial(best, subset) error = %v", err)
	}
	if subsetBest != fairVal {
		t.Errorf("subset best = %v, want fair's value %v", subsetBest, fairVal)
	}

	var apiErr *domain.APIError
	if _, err := tr.GetSpecial(domain.SentinelBest, []string{"ghost"}); !errors.As(err, &apiErr) || apiErr.Type != domain.ErrorTypeNotFound {
		t.Errorf("GetSpecial(empty overlap) error = %v, want not_found", err)
	}
}

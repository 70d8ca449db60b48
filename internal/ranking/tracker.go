package ranking

import (
	"fmt"
	"sync"

	"gonum.org/v1/gonum/floats"

	"github.com/logoslabs/logos-gateway/internal/domain"
)

const (
	defaultBase  = 2.0
	defaultScale = 2.0
)

type entry struct {
	value float64
	id    string
}

// Tracker maintains a total order over a dynamic set of model ids for one
// metric category. Entries are kept sorted ascending by value (position =
// rank, best last); after every mutation values are re-centered so their
// median is zero.
type Tracker struct {
	mu     sync.Mutex
	metric domain.Metric
	base   float64
	scale  float64

	entries []entry
	index   map[string]int
}

// NewTracker creates an empty tracker for the given metric.
func NewTracker(metric domain.Metric) *Tracker {
	return &Tracker{
		metric:  metric,
		base:    defaultBase,
		scale:   defaultScale,
		index:   make(map[string]int),
		entries: nil,
	}
}

// Metric returns the metric category this tracker orders.
func (t *Tracker) Metric() domain.Metric { return t.metric }

// Len returns the number of tracked models.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// IDs returns the tracked model ids in ascending rank order (worst first).
func (t *Tracker) IDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, len(t.entries))
	for i, e := range t.entries {
		ids[i] = e.id
	}
	return ids
}

// Values returns the stored values in ascending rank order.
func (t *Tracker) Values() []float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	values := make([]float64, len(t.entries))
	for i, e := range t.entries {
		values[i] = e.value
	}
	return values
}

// Insert places id immediately after afterID, or at the very bottom when
// afterID is empty. Existing models keep their accumulated feedback: deltas
// are captured before the insert, baselines recomputed for the grown list,
// and deltas re-applied before re-centering.
func (t *Tracker) Insert(afterID, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.index[id]; exists {
		return domain.ErrValidation(fmt.Sprintf("model %s already tracked for %s", id, t.metric))
	}

	pos := 0
	if afterID != "" {
		after, ok := t.index[afterID]
		if !ok {
			return domain.ErrNotFound(fmt.Sprintf("model %s not tracked for %s", afterID, t.metric)).
				WithCode(domain.ErrorCodeModelNotFound)
		}
		pos = after + 1
	}

	deltas := Deltas(t.base, t.scale, t.values())

	// Grow the delta slice: the new model enters with delta 0.
	grown := make([]float64, 0, len(deltas)+1)
	grown = append(grown, deltas[:pos]...)
	grown = append(grown, 0)
	grown = append(grown, deltas[pos:]...)

	ids := make([]string, 0, len(t.entries)+1)
	for _, e := range t.entries[:pos] {
		ids = append(ids, e.id)
	}
	ids = append(ids, id)
	for _, e := range t.entries[pos:] {
		ids = append(ids, e.id)
	}

	t.rebuild(ids, Rebase(t.base, t.scale, grown))
	t.settle()
	t.recenter()
	return nil
}

// Remove deletes id, preserving every other model's feedback delta.
func (t *Tracker) Remove(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	pos, ok := t.index[id]
	if !ok {
		return domain.ErrNotFound(fmt.Sprintf("model %s not tracked for %s", id, t.metric)).
			WithCode(domain.ErrorCodeModelNotFound)
	}

	deltas := Deltas(t.base, t.scale, t.values())
	shrunk := append(deltas[:pos:pos], deltas[pos+1:]...)

	ids := make([]string, 0, len(t.entries)-1)
	for i, e := range t.entries {
		if i != pos {
			ids = append(ids, e.id)
		}
	}

	t.rebuild(ids, Rebase(t.base, t.scale, shrunk))
	t.settle()
	t.recenter()
	return nil
}

// Feedback adds delta to id's stored value. If the new value breaks local
// ordering, adjacent entries are swapped one step at a time; each swapped
// entry is recomputed from its post-swap baseline plus its preserved delta
// so feedback differences survive the reorder without drifting.
func (t *Tracker) Feedback(id string, delta float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	pos, ok := t.index[id]
	if !ok {
		return domain.ErrNotFound(fmt.Sprintf("model %s not tracked for %s", id, t.metric)).
			WithCode(domain.ErrorCodeModelNotFound)
	}

	t.entries[pos].value += delta
	t.settle()
	t.recenter()
	return nil
}

// ThresholdOf returns id's current stored value.
func (t *Tracker) ThresholdOf(id string) (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pos, ok := t.index[id]
	if !ok {
		return 0, domain.ErrNotFound(fmt.Sprintf("model %s not tracked for %s", id, t.metric)).
			WithCode(domain.ErrorCodeModelNotFound)
	}
	return t.entries[pos].value, nil
}

// GetSpecial returns the best (highest) or worst (lowest) value among the
// allowed subset. A nil allowed set means every tracked model.
func (t *Tracker) GetSpecial(extreme domain.Sentinel, allowed []string) (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var values []float64
	if allowed == nil {
		values = t.values()
	} else {
		for _, id := range allowed {
			if pos, ok := t.index[id]; ok {
				values = append(values, t.entries[pos].value)
			}
		}
	}
	if len(values) == 0 {
		return 0, domain.ErrNotFound(fmt.Sprintf("no tracked models for %s in allowed set", t.metric)).
			WithCode(domain.ErrorCodeNoCandidates)
	}

	switch extreme {
	case domain.SentinelBest:
		return floats.Max(values), nil
	case domain.SentinelWorst:
		return floats.Min(values), nil
	default:
		return 0, domain.ErrValidation(fmt.Sprintf("unknown extreme %q", extreme))
	}
}

// values returns the stored values ascending. Callers must hold t.mu.
func (t *Tracker) values() []float64 {
	values := make([]float64, len(t.entries))
	for i, e := range t.entries {
		values[i] = e.value
	}
	return values
}

// rebuild replaces the entry list. Callers must hold t.mu.
func (t *Tracker) rebuild(ids []string, values []float64) {
	t.entries = t.entries[:0]
	clear(t.index)
	for i, id := range ids {
		t.entries = append(t.entries, entry{value: values[i], id: id})
		t.index[id] = i
	}
}

// settle restores ascending order by adjacent swaps. A swap recomputes both
// values from their post-swap positional baselines plus preserved deltas,
// keeping each entry's feedback intact. Callers must hold t.mu.
func (t *Tracker) settle() {
	n := len(t.entries)
	for {
		swapped := false
		for i := 0; i+1 < n; i++ {
			if t.entries[i].value <= t.entries[i+1].value {
				continue
			}
			lo, hi := t.entries[i], t.entries[i+1]
			loDelta := lo.value - Baseline(t.base, t.scale, n, i)
			hiDelta := hi.value - Baseline(t.base, t.scale, n, i+1)

			t.entries[i] = entry{id: hi.id, value: Baseline(t.base, t.scale, n, i) + hiDelta}
			t.entries[i+1] = entry{id: lo.id, value: Baseline(t.base, t.scale, n, i+1) + loDelta}
			t.index[hi.id] = i
			t.index[lo.id] = i + 1
			swapped = true
		}
		if !swapped {
			return
		}
	}
}

// recenter shifts all values so their median is zero. Callers must hold t.mu.
func (t *Tracker) recenter() {
	if len(t.entries) == 0 {
		return
	}
	med := Median(t.values())
	if med == 0 {
		return
	}
	for i := range t.entries {
		t.entries[i].value -= med
	}
}

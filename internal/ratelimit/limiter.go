// Package ratelimit admission-gates requests per tenant against independent
// requests-per-minute and tokens-per-minute budgets over a sliding window.
package ratelimit

import (
	"sync"
	"time"
)

// DefaultWindow is the sliding window length when none is configured.
const DefaultWindow = 60 * time.Second

// Decision is the outcome of one admission check. A remaining count of -1
// means that budget is unset and never blocks.
type Decision struct {
	Allowed           bool
	RemainingRequests int
	RemainingTokens   int
	RetryAfter        time.Duration
}

type tokenEntry struct {
	at    time.Time
	count int
}

// tenantWindow holds one tenant's recent activity. Its mutex makes
// check-then-record atomic per tenant without cross-tenant contention.
type tenantWindow struct {
	mu         sync.Mutex
	requests   []time.Time
	tokens     []tokenEntry
	tokenTotal int
}

// Limiter tracks request and token usage per tenant.
type Limiter struct {
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	tenants map[int64]*tenantWindow
}

// New creates a limiter with the given sliding window, defaulting to 60s.
func New(window time.Duration) *Limiter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		window:  window,
		now:     time.Now,
		tenants: make(map[int64]*tenantWindow),
	}
}

// CheckAndRecord atomically checks both budgets and, when both pass, records
// one request. A limit of 0 or below means that budget is unset; with both
// unset the limiter allows immediately and keeps no state. When blocked,
// RetryAfter is the time until the oldest in-window entry expires.
func (l *Limiter) CheckAndRecord(tenantID int64, rpmLimit, tpmLimit int) Decision {
	if rpmLimit <= 0 && tpmLimit <= 0 {
		return Decision{Allowed: true, RemainingRequests: -1, RemainingTokens: -1}
	}

	w := l.tenantWindow(tenantID)
	w.mu.Lock()
	defer w.mu.Unlock()

	now := l.now()
	w.prune(now, l.window)

	reqCount := len(w.requests)
	overRequests := rpmLimit > 0 && reqCount >= rpmLimit
	overTokens := tpmLimit > 0 && w.tokenTotal >= tpmLimit

	if overRequests || overTokens {
		var oldest time.Time
		if overRequests {
			oldest = w.requests[0]
		}
		if overTokens && (oldest.IsZero() || w.tokens[0].at.Before(oldest)) {
			oldest = w.tokens[0].at
		}
		return Decision{
			Allowed:           false,
			RemainingRequests: remaining(rpmLimit, reqCount),
			RemainingTokens:   remaining(tpmLimit, w.tokenTotal),
			RetryAfter:        l.window - now.Sub(oldest),
		}
	}

	w.requests = append(w.requests, now)
	return Decision{
		Allowed:           true,
		RemainingRequests: remaining(rpmLimit, reqCount+1),
		RemainingTokens:   remaining(tpmLimit, w.tokenTotal),
	}
}

// RecordTokens charges token usage after a response completes. Callers skip
// this for tenants without a token budget.
func (l *Limiter) RecordTokens(tenantID int64, count int) {
	if count <= 0 {
		return
	}

	w := l.tenantWindow(tenantID)
	w.mu.Lock()
	defer w.mu.Unlock()

	now := l.now()
	w.prune(now, l.window)
	w.tokens = append(w.tokens, tokenEntry{at: now, count: count})
	w.tokenTotal += count
}

// Sweep prunes expired entries and drops idle tenants. Call it periodically
// from a maintenance loop.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for id, w := range l.tenants {
		w.mu.Lock()
		w.prune(now, l.window)
		idle := len(w.requests) == 0 && len(w.tokens) == 0
		w.mu.Unlock()
		if idle {
			delete(l.tenants, id)
		}
	}
}

func (l *Limiter) tenantWindow(tenantID int64) *tenantWindow {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.tenants[tenantID]
	if !ok {
		w = &tenantWindow{}
		l.tenants[tenantID] = w
	}
	return w
}

// prune drops entries that have aged out of the window. Caller holds w.mu.
func (w *tenantWindow) prune(now time.Time, window time.Duration) {
	keep := 0
	for _, at := range w.requests {
		if now.Sub(at) < window {
			break
		}
		keep++
	}
	if keep > 0 {
		w.requests = append(w.requests[:0], w.requests[keep:]...)
	}

	keep = 0
	for _, e := range w.tokens {
		if now.Sub(e.at) < window {
			break
		}
		w.tokenTotal -= e.count
		keep++
	}
	if keep > 0 {
		w.tokens = append(w.tokens[:0], w.tokens[keep:]...)
	}
}

func remaining(limit, used int) int {
	if limit <= 0 {
		return -1
	}
	if used >= limit {
		return 0
	}
	return limit - used
}

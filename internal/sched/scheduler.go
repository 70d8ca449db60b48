// Package sched bounds concurrent in-flight requests per model. Excess
// requests queue in arrival order and reuse freed slots without an idle gap.
package sched

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/logoslabs/logos-gateway/internal/domain"
)

// State is the per-model gate state: busy means every slot is in flight.
type State string

const (
	StateFree State = "free"
	StateBusy State = "busy"
)

// gate holds one model's admission state. The weighted semaphore gives FIFO
// waiting and removes a waiter when its context is cancelled.
type gate struct {
	cap int64
	sem *semaphore.Weighted

	mu       sync.Mutex
	inflight int
	waiting  int
}

// Scheduler admits requests per model up to the model's max_parallel.
type Scheduler struct {
	defaultCap int
	logger     *slog.Logger

	mu    sync.Mutex
	gates map[string]*gate
}

// New creates a scheduler. defaultMaxParallel applies to models that do not
// declare their own cap.
func New(defaultMaxParallel int, logger *slog.Logger) *Scheduler {
	if defaultMaxParallel <= 0 {
		defaultMaxParallel = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		defaultCap: defaultMaxParallel,
		logger:     logger,
		gates:      make(map[string]*gate),
	}
}

// Admit blocks until the model has a free slot or ctx is cancelled. A
// cancelled waiter leaves the queue with no side effects.
func (s *Scheduler) Admit(ctx context.Context, modelID string, maxParallel int) error {
	g := s.gate(modelID, maxParallel)

	g.mu.Lock()
	g.waiting++
	g.mu.Unlock()

	err := g.sem.Acquire(ctx, 1)

	g.mu.Lock()
	g.waiting--
	if err == nil {
		g.inflight++
	}
	g.mu.Unlock()

	return err
}

// TryAdmit takes a slot without waiting and reports AdmissionRejected when
// the model is at capacity or has queued waiters ahead.
func (s *Scheduler) TryAdmit(modelID string, maxParallel int) error {
	g := s.gate(modelID, maxParallel)

	if !g.sem.TryAcquire(1) {
		return domain.ErrAdmissionRejected(
			fmt.Sprintf("model %s is at capacity", modelID)).WithParam("model")
	}

	g.mu.Lock()
	g.inflight++
	g.mu.Unlock()
	return nil
}

// Release frees one slot; the slot passes straight to the next queued
// waiter. Releasing a model with nothing in flight is a no-op.
func (s *Scheduler) Release(modelID string) {
	s.mu.Lock()
	g, ok := s.gates[modelID]
	s.mu.Unlock()
	if !ok {
		return
	}

	g.mu.Lock()
	if g.inflight == 0 {
		g.mu.Unlock()
		s.logger.Warn("release without matching admit", "model", modelID)
		return
	}
	g.inflight--
	g.mu.Unlock()

	g.sem.Release(1)
}

// State reports free while the model has open slots, busy at capacity.
func (s *Scheduler) State(modelID string) State {
	s.mu.Lock()
	g, ok := s.gates[modelID]
	s.mu.Unlock()
	if !ok {
		return StateFree
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if int64(g.inflight) >= g.cap {
		return StateBusy
	}
	return StateFree
}

// Stats returns the in-flight and queued counts for one model.
func (s *Scheduler) Stats(modelID string) (inflight, waiting int) {
	s.mu.Lock()
	g, ok := s.gates[modelID]
	s.mu.Unlock()
	if !ok {
		return 0, 0
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inflight, g.waiting
}

// gate returns the model's gate, creating it on first use. The capacity is
// fixed at first admission; later calls with a different cap keep the
// original.
func (s *Scheduler) gate(modelID string, maxParallel int) *gate {
	if maxParallel <= 0 {
		maxParallel = s.defaultCap
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.gates[modelID]
	if !ok {
		g = &gate{
			cap: int64(maxParallel),
			sem: semaphore.NewWeighted(int64(maxParallel)),
		}
		s.gates[modelID] = g
	}
	return g
}

// Package reclaim runs cleanup when a script-visible object is garbage
// collected, bounded by the lifetime of the context that owns it.
//
// For every tracked object exactly one of two actions fires: onReclaimed,
// posted to the owning loop after the collector has reclaimed the object, or
// fallback, run when the owning context is invalidated first. onReclaimed
// never runs inside a collection pass and never after invalidation.
package reclaim

import (
	"runtime"

	"github.com/baaaht/portmux/internal/logger"
	"github.com/baaaht/portmux/pkg/loop"
)

// Owner is the context a tracked object belongs to
type Owner interface {
	IsValid() bool
	OnInvalidate(fn func()) int
	RemoveInvalidateHook(id int)
}

// Outcome records which action consumed a handle
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeReclaimed Outcome = "reclaimed"
	OutcomeFallback  Outcome = "fallback"
	OutcomeCanceled  Outcome = "canceled"
)

// Tracker registers collection callbacks for one loop
type Tracker struct {
	loop   *loop.Loop
	logger *logger.Logger
	stats  Stats
}

// Stats contains tracker statistics. Only read them from the loop.
type Stats struct {
	Tracked   int64 `json:"tracked"`
	Reclaimed int64 `json:"reclaimed"`
	Fallbacks int64 `json:"fallbacks"`
	Canceled  int64 `json:"canceled"`
}

// NewTracker creates a tracker posting reclaim callbacks to l
func NewTracker(l *loop.Loop, log *logger.Logger) *Tracker {
	return &Tracker{
		loop:   l,
		logger: logger.OrDefault(log).With("component", "reclaim_tracker"),
	}
}

// Handle is the consumed-once record of one tracked object
type Handle struct {
	tracker     *Tracker
	owner       Owner
	cleanup     runtime.Cleanup
	hookID      int
	onReclaimed func()
	fallback    func()
	outcome     Outcome
}

// Track watches obj. onReclaimed and fallback must not reference obj,
// otherwise it is never collected.
func Track[T any](t *Tracker, owner Owner, obj *T, onReclaimed, fallback func()) *Handle {
	h := &Handle{
		tracker:     t,
		owner:       owner,
		onReclaimed: onReclaimed,
		fallback:    fallback,
		outcome:     OutcomePending,
	}
	t.stats.Tracked++

	h.cleanup = runtime.AddCleanup(obj, func(h *Handle) {
		// runs on the runtime's cleanup goroutine
		if err := h.tracker.loop.Post(h.reclaimed); err != nil {
			h.tracker.logger.Debug("Dropped reclaim callback", "error", err)
		}
	}, h)
	h.hookID = owner.OnInvalidate(h.invalidated)

	return h
}

// Outcome returns which action consumed the handle
func (h *Handle) Outcome() Outcome {
	return h.outcome
}

// Cancel stops tracking without running either action. Used when the object
// was released explicitly.
func (h *Handle) Cancel() {
	if h.outcome != OutcomePending {
		return
	}
	h.outcome = OutcomeCanceled
	h.cleanup.Stop()
	h.owner.RemoveInvalidateHook(h.hookID)
	h.tracker.stats.Canceled++
}

func (h *Handle) reclaimed() {
	if h.outcome != OutcomePending || !h.owner.IsValid() {
		return
	}
	h.outcome = OutcomeReclaimed
	h.owner.RemoveInvalidateHook(h.hookID)
	h.tracker.stats.Reclaimed++
	if h.onReclaimed != nil {
		h.onReclaimed()
	}
}

func (h *Handle) invalidated() {
	if h.outcome != OutcomePending {
		return
	}
	h.outcome = OutcomeFallback
	h.cleanup.Stop()
	h.tracker.stats.Fallbacks++
	if h.fallback != nil {
		h.fallback()
	}
}

// Stats returns tracker statistics
func (t *Tracker) Stats() Stats {
	return t.stats
}

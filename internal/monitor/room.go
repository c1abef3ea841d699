package monitor

import (
	"errors"
	"sync"

	"energymonitor/internal/entry"
	"energymonitor/internal/ha"
	"energymonitor/internal/state"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	_ DerivedSensor = (*RoomAggregate)(nil)
	_ DerivedSensor = (*UntrackedRemainder)(nil)
)

// Lifecycle is the state of a room as seen by the platform
type Lifecycle string

const (
	LifecycleUnconfigured  Lifecycle = "unconfigured"
	LifecycleConfiguring   Lifecycle = "configuring"
	LifecycleActive        Lifecycle = "active"
	LifecycleReconfiguring Lifecycle = "reconfiguring"
	LifecycleRemoved       Lifecycle = "removed"
)

// room is the runtime of one configured room. Triggers are queued and
// processed by a single worker goroutine, so a room never computes
// concurrently with itself and publishes in order.
type room struct {
	entryID    string
	cfg        entry.RoomConfig
	aggregate  *RoomAggregate
	remainder  *UntrackedRemainder
	entries    entry.Store
	states     StateStore
	publishers []Publisher
	observers  []Observer
	logger     *zap.Logger

	// mu guards removal, subscriptions and publishing
	mu         sync.Mutex
	removed    bool
	sourceSubs map[string]state.Subscription
	fixedSubs  []state.Subscription
	cronID     cron.EntryID

	pendingMu  sync.Mutex
	aggTrigger Trigger
	remTrigger Trigger
	barriers   []chan bool
	stopped    bool

	wake   chan struct{}
	done   chan struct{}
	exited chan struct{}
}

func newRoom(e entry.Entry, entries entry.Store, states StateStore, resolver *Resolver, publishers []Publisher, observers []Observer, noneLabel string, logger *zap.Logger) *room {
	cfg := e.Data.Clone()
	roomLogger := logger.With(zap.String("entry_id", e.ID), zap.String("room", cfg.Room))

	r := &room{
		entryID:    e.ID,
		cfg:        cfg,
		entries:    entries,
		states:     states,
		publishers: publishers,
		observers:  observers,
		logger:     roomLogger,
		sourceSubs: make(map[string]state.Subscription),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		exited:     make(chan struct{}),
	}
	r.aggregate = newRoomAggregate(e.ID, cfg, entries, states, resolver, roomLogger)
	if cfg.HasSmartMeter(noneLabel) {
		r.remainder = newUntrackedRemainder(e.ID, cfg, r.aggregate, states, roomLogger)
	}
	return r
}

// sensors returns the derived sensors of the room, aggregate first
func (r *room) sensors() []DerivedSensor {
	if r.remainder == nil {
		return []DerivedSensor{r.aggregate}
	}
	return []DerivedSensor{r.aggregate, r.remainder}
}

// start subscribes to the room's inputs and runs the first computation
func (r *room) start() {
	r.mu.Lock()
	r.reconcileSourcesLocked(r.cfg.Entities)
	if r.remainder != nil {
		r.fixedSubs = append(r.fixedSubs,
			r.states.Watch(r.remainder.MeterEntityID(), func(string, *ha.State, *ha.State) {
				r.enqueueRemainder(TriggerMeter)
			}),
			r.states.Watch(r.aggregate.EntityID(), func(string, *ha.State, *ha.State) {
				r.enqueueRemainder(TriggerAggregate)
			}),
		)
	}
	r.mu.Unlock()

	go r.run()

	r.pendingMu.Lock()
	r.aggTrigger = TriggerSetup
	if r.remainder != nil {
		r.remTrigger = TriggerSetup
	}
	r.pendingMu.Unlock()
	r.signal()
}

// stop marks the room removed and drops its subscriptions. A computation
// still running completes but its result is discarded. With retract the
// derived sensors are withdrawn from the state store and publishers.
func (r *room) stop(retract bool) error {
	r.mu.Lock()
	if r.removed {
		r.mu.Unlock()
		return nil
	}
	r.removed = true
	for id, sub := range r.sourceSubs {
		sub.Unsubscribe()
		delete(r.sourceSubs, id)
	}
	for _, sub := range r.fixedSubs {
		sub.Unsubscribe()
	}
	r.fixedSubs = nil
	var described []DerivedState
	if retract {
		for _, s := range r.sensors() {
			described = append(described, s.Describe())
		}
	}
	r.mu.Unlock()

	r.pendingMu.Lock()
	r.stopped = true
	r.pendingMu.Unlock()
	close(r.done)

	var errs error
	for _, d := range described {
		r.states.Remove(d.EntityID)
		for _, p := range r.publishers {
			errs = multierr.Append(errs, p.Retract(d))
		}
	}
	return errs
}

func (r *room) isRemoved() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removed
}

func (r *room) enqueueAggregate(t Trigger) {
	r.pendingMu.Lock()
	if r.stopped {
		r.pendingMu.Unlock()
		return
	}
	if r.aggTrigger == "" {
		r.aggTrigger = t
	}
	r.pendingMu.Unlock()
	r.signal()
}

func (r *room) enqueueRemainder(t Trigger) {
	if r.remainder == nil {
		return
	}
	r.pendingMu.Lock()
	if r.stopped {
		r.pendingMu.Unlock()
		return
	}
	if r.remTrigger == "" {
		r.remTrigger = t
	}
	r.pendingMu.Unlock()
	r.signal()
}

func (r *room) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// sync waits until the room has no queued work. It reports whether any
// work was processed meanwhile.
func (r *room) sync() bool {
	ch := make(chan bool, 1)
	r.pendingMu.Lock()
	if r.stopped {
		r.pendingMu.Unlock()
		return false
	}
	r.barriers = append(r.barriers, ch)
	r.pendingMu.Unlock()
	r.signal()

	select {
	case worked := <-ch:
		return worked
	case <-r.exited:
		return false
	}
}

func (r *room) run() {
	defer close(r.exited)
	for {
		select {
		case <-r.done:
			return
		case <-r.wake:
		}
		r.drain()
	}
}

func (r *room) drain() {
	worked := false
	for {
		r.pendingMu.Lock()
		agg, rem := r.aggTrigger, r.remTrigger
		r.aggTrigger, r.remTrigger = "", ""
		if agg == "" && rem == "" {
			barriers := r.barriers
			r.barriers = nil
			r.pendingMu.Unlock()
			for _, b := range barriers {
				b <- worked
			}
			return
		}
		r.pendingMu.Unlock()

		worked = true
		if agg != "" {
			r.recomputeAggregate(agg)
		}
		if rem != "" {
			r.recomputeRemainder(rem)
		}
	}
}

func (r *room) recomputeAggregate(trigger Trigger) {
	eval := r.aggregate.evaluate()

	r.mu.Lock()
	if r.removed {
		r.mu.Unlock()
		r.logger.Debug("Discarding aggregate computed after room removal")
		return
	}
	added := r.reconcileSourcesLocked(eval.selected)
	r.publishLocked(r.aggregate.Describe())
	r.mu.Unlock()

	// a source that appeared before its watch existed would go unnoticed
	if added {
		r.enqueueAggregate(TriggerSource)
	}

	r.logger.Debug("Recomputed tracked aggregate",
		zap.String("trigger", string(trigger)),
		zap.Stringer("value", eval.result),
		zap.Int("sources", len(eval.selected)))
	for _, o := range r.observers {
		o.Recomputed(r.cfg.Room, KindTracked, trigger)
	}

	if len(eval.missing) > 0 {
		r.persistPruned(eval.missing)
	}
}

func (r *room) recomputeRemainder(trigger Trigger) {
	if r.remainder == nil {
		return
	}
	result := r.remainder.Compute()

	r.mu.Lock()
	if r.removed {
		r.mu.Unlock()
		r.logger.Debug("Discarding remainder computed after room removal")
		return
	}
	r.publishLocked(r.remainder.Describe())
	r.mu.Unlock()

	r.logger.Debug("Recomputed untracked remainder",
		zap.String("trigger", string(trigger)),
		zap.Stringer("value", result))
	for _, o := range r.observers {
		o.Recomputed(r.cfg.Room, KindRemainder, trigger)
	}
}

func (r *room) publishLocked(d DerivedState) {
	r.states.Publish(d.EntityID, d.State(), d.Attributes)
	for _, p := range r.publishers {
		if err := p.Publish(d); err != nil {
			r.logger.Warn("Failed to publish derived sensor",
				zap.String("entity_id", d.EntityID),
				zap.Error(err))
		}
	}
}

// reconcileSourcesLocked watches exactly the given source entities. It
// reports whether a new watch was added.
func (r *room) reconcileSourcesLocked(entities []string) bool {
	added := false
	want := make(map[string]bool, len(entities))
	for _, id := range entities {
		want[id] = true
		if _, ok := r.sourceSubs[id]; ok {
			continue
		}
		added = true
		r.sourceSubs[id] = r.states.Watch(id, func(string, *ha.State, *ha.State) {
			r.enqueueAggregate(TriggerSource)
		})
	}
	for id, sub := range r.sourceSubs {
		if !want[id] {
			sub.Unsubscribe()
			delete(r.sourceSubs, id)
		}
	}
	return added
}

// persistPruned removes missing sources from the stored record. The record
// is re-read first so a concurrent edit only loses the pruned entries.
func (r *room) persistPruned(missing []string) {
	if r.isRemoved() {
		return
	}
	e, ok := r.entries.Get(r.entryID)
	if !ok {
		return
	}

	drop := make(map[string]bool, len(missing))
	for _, id := range missing {
		drop[id] = true
	}
	cfg := e.Data
	kept := make([]string, 0, len(cfg.Entities))
	for _, id := range cfg.Entities {
		if !drop[id] {
			kept = append(kept, id)
		}
	}
	pruned := len(cfg.Entities) - len(kept)
	if pruned == 0 {
		return
	}
	cfg.Entities = kept

	err := r.entries.Update(r.entryID, cfg)
	switch {
	case errors.Is(err, entry.ErrReadOnly):
		r.logger.Debug("Skipping config prune in read-only mode",
			zap.Strings("missing", missing))
	case err != nil:
		r.logger.Warn("Failed to persist pruned sources", zap.Error(err))
	default:
		r.logger.Info("Pruned missing sources from room config",
			zap.Strings("missing", missing))
		for _, o := range r.observers {
			o.Pruned(r.cfg.Room, pruned)
		}
	}
}

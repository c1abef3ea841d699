package state

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"energymonitor/internal/ha"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
)

// Status classifies what an entity's current state means for aggregation
type Status int

const (
	// StatusMissing means the entity is not known to the host at all
	StatusMissing Status = iota
	// StatusUnavailable means the entity exists but reports no value
	StatusUnavailable
	// StatusNumeric means the state parsed as a finite number
	StatusNumeric
	// StatusInvalid means the state is present but not a number
	StatusInvalid
)

func (s Status) String() string {
	switch s {
	case StatusMissing:
		return "missing"
	case StatusUnavailable:
		return "unavailable"
	case StatusNumeric:
		return "numeric"
	case StatusInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Host state strings that mean "no value right now"
const (
	StateUnknown     = "unknown"
	StateUnavailable = "unavailable"
)

// Reading is a classified entity state
type Reading struct {
	EntityID string
	Status   Status
	Raw      string
	Value    float64
}

// Numeric reports whether the reading carries a usable value
func (r Reading) Numeric() bool {
	return r.Status == StatusNumeric
}

// Classify turns a host state into a Reading. A nil state is missing.
func Classify(entityID string, st *ha.State) Reading {
	if st == nil {
		return Reading{EntityID: entityID, Status: StatusMissing}
	}
	r := Reading{EntityID: entityID, Raw: st.State}
	switch st.State {
	case StateUnknown, StateUnavailable, "":
		r.Status = StatusUnavailable
		return r
	}
	value, ok := parseNumber(st.State)
	if !ok {
		r.Status = StatusInvalid
		return r
	}
	r.Status = StatusNumeric
	r.Value = value
	return r
}

// parseNumber accepts plain decimal notation only; hex floats, NaN and
// infinities are rejected.
func parseNumber(raw string) (float64, bool) {
	s := strings.TrimSpace(raw)
	if s == "" || strings.ContainsAny(s, "xXpP_") {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// ChangeHandler is called after an entity's state changed. newState is nil
// when the entity was removed.
type ChangeHandler func(entityID string, oldState, newState *ha.State)

// Subscription represents an active state change subscription
type Subscription interface {
	Unsubscribe()
}

type watcher struct {
	id      int
	handler ChangeHandler
}

type subscription struct {
	entityID string
	id       int
	store    *Store
}

func (s *subscription) Unsubscribe() {
	s.store.unwatch(s.entityID, s.id)
}

// Store caches every entity state known to Home Assistant and holds the
// states of the sensors this process derives. Handlers run synchronously on
// the goroutine that applied the change, after the store lock is released.
type Store struct {
	client ha.HAClient
	logger *zap.Logger

	mu     sync.RWMutex
	states map[string]*ha.State
	// owned entities are authoritative locally; host echoes are ignored
	owned map[string]bool

	watchMu   sync.RWMutex
	watchers  map[string][]watcher
	nextWatch int

	haSub  ha.Subscription
	synced atomic.Bool
}

// NewStore creates a state store backed by client
func NewStore(client ha.HAClient, logger *zap.Logger) *Store {
	return &Store{
		client:   client,
		logger:   logger.Named("state"),
		states:   make(map[string]*ha.State),
		owned:    make(map[string]bool),
		watchers: make(map[string][]watcher),
	}
}

// SyncFromHA subscribes to every state change and loads the current states.
// The subscription is made first so no change between the two is lost.
// After a reconnect the cache is reloaded the same way.
func (s *Store) SyncFromHA() error {
	s.logger.Info("Syncing state from Home Assistant...")

	if s.haSub == nil {
		sub, err := s.client.SubscribeAllStateChanges(s.handleHAChange)
		if err != nil {
			return fmt.Errorf("failed to subscribe to state changes: %w", err)
		}
		s.haSub = sub
		s.client.OnReconnect(s.resync)
	}

	changed, err := s.load(false)
	if err != nil {
		return err
	}
	s.synced.Store(true)

	s.logger.Info("State sync complete", zap.Int("changed", changed))
	return nil
}

func (s *Store) resync() {
	changed, err := s.load(true)
	if err != nil {
		s.logger.Error("Failed to resync state after reconnect", zap.Error(err))
		return
	}
	s.logger.Info("State resynced after reconnect", zap.Int("changed", changed))
}

// load applies the host's current states. With prune set, host entities
// the cache holds but the host no longer reports are removed, since their
// removal events may have been missed.
func (s *Store) load(prune bool) (int, error) {
	states, err := s.client.GetAllStates()
	if err != nil {
		return 0, fmt.Errorf("failed to get states: %w", err)
	}

	seen := make(map[string]bool, len(states))
	changed := 0
	for _, st := range states {
		if st == nil || st.EntityID == "" {
			continue
		}
		seen[st.EntityID] = true
		if s.apply(st.EntityID, st, false) {
			changed++
		}
	}

	if prune {
		var gone []string
		s.mu.RLock()
		for id := range s.states {
			if !seen[id] && !s.owned[id] {
				gone = append(gone, id)
			}
		}
		s.mu.RUnlock()
		for _, id := range gone {
			if s.apply(id, nil, false) {
				changed++
			}
		}
	}
	return changed, nil
}

// Synced reports whether an initial sync completed. Until then a missing
// entity may simply not have been loaded yet.
func (s *Store) Synced() bool {
	return s.synced.Load()
}

// MarkSynced declares the cache complete without talking to the host.
// Used when the process runs without a Home Assistant connection.
func (s *Store) MarkSynced() {
	s.synced.Store(true)
}

// Close drops the host subscription
func (s *Store) Close() error {
	if s.haSub == nil {
		return nil
	}
	err := s.haSub.Unsubscribe()
	s.haSub = nil
	return err
}

func (s *Store) handleHAChange(entityID string, oldState, newState *ha.State) {
	s.apply(entityID, newState, false)
}

// apply stores newState (nil removes) and notifies watchers when something
// observable changed. local marks a write from this process.
func (s *Store) apply(entityID string, newState *ha.State, local bool) bool {
	s.mu.Lock()
	if !local && s.owned[entityID] {
		s.mu.Unlock()
		return false
	}
	old := s.states[entityID]
	if newState == nil {
		if old == nil {
			s.mu.Unlock()
			return false
		}
		delete(s.states, entityID)
		delete(s.owned, entityID)
	} else {
		if old != nil && old.State == newState.State && cmp.Equal(old.Attributes, newState.Attributes) {
			s.mu.Unlock()
			return false
		}
		s.states[entityID] = newState
		if local {
			s.owned[entityID] = true
		}
	}
	s.mu.Unlock()

	s.notify(entityID, old, newState)
	return true
}

// Get returns the cached state of an entity
func (s *Store) Get(entityID string) (*ha.State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[entityID]
	return st, ok
}

// Lookup returns the classified state of an entity
func (s *Store) Lookup(entityID string) Reading {
	s.mu.RLock()
	st := s.states[entityID]
	s.mu.RUnlock()
	return Classify(entityID, st)
}

// Publish records the state of a sensor derived by this process. It returns
// false, and notifies nobody, when neither the state nor the attributes
// changed.
func (s *Store) Publish(entityID, value string, attributes map[string]interface{}) bool {
	now := time.Now()
	if attributes == nil {
		attributes = map[string]interface{}{}
	}
	return s.apply(entityID, &ha.State{
		EntityID:    entityID,
		State:       value,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}, true)
}

// Remove deletes an entity; watchers receive a nil new state
func (s *Store) Remove(entityID string) {
	s.apply(entityID, nil, true)
}

// EntityIDs lists known entity IDs in domain, sorted. An empty domain lists
// everything.
func (s *Store) EntityIDs(domain string) []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.states))
	for id := range s.states {
		if domain == "" || strings.HasPrefix(id, domain+".") {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Watch registers handler for changes of entityID
func (s *Store) Watch(entityID string, handler ChangeHandler) Subscription {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	id := s.nextWatch
	s.nextWatch++
	s.watchers[entityID] = append(s.watchers[entityID], watcher{id: id, handler: handler})
	return &subscription{entityID: entityID, id: id, store: s}
}

// WatcherCount returns the number of handlers registered for entityID
func (s *Store) WatcherCount(entityID string) int {
	s.watchMu.RLock()
	defer s.watchMu.RUnlock()
	return len(s.watchers[entityID])
}

func (s *Store) unwatch(entityID string, id int) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	list := s.watchers[entityID]
	for i, w := range list {
		if w.id == id {
			s.watchers[entityID] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(s.watchers[entityID]) == 0 {
		delete(s.watchers, entityID)
	}
}

func (s *Store) notify(entityID string, oldState, newState *ha.State) {
	s.watchMu.RLock()
	handlers := make([]ChangeHandler, 0, len(s.watchers[entityID]))
	for _, w := range s.watchers[entityID] {
		handlers = append(handlers, w.handler)
	}
	s.watchMu.RUnlock()

	for _, handler := range handlers {
		handler(entityID, oldState, newState)
	}
}

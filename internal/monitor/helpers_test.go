package monitor

import (
	"context"
	"sync"
	"testing"

	"energymonitor/internal/entry"
	"energymonitor/internal/ha"
	"energymonitor/internal/naming"
	"energymonitor/internal/state"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fixture wires a mock Home Assistant, a synced state store and an
// in-memory entry store
type fixture struct {
	t       *testing.T
	logger  *zap.Logger
	mock    *ha.MockClient
	states  *state.Store
	entries *entry.MemoryStore
}

func newFixture(t *testing.T, initial map[string]string) *fixture {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	mock := ha.NewMockClient()
	for id, value := range initial {
		mock.SetState(id, value, nil)
	}
	require.NoError(t, mock.Connect())

	states := state.NewStore(mock, logger)
	require.NoError(t, states.SyncFromHA())

	return &fixture{
		t:       t,
		logger:  logger,
		mock:    mock,
		states:  states,
		entries: entry.NewMemoryStore(),
	}
}

func (f *fixture) set(entityID, value string) {
	f.mock.SetState(entityID, value, nil)
}

func (f *fixture) add(cfg entry.RoomConfig) entry.Entry {
	f.t.Helper()
	e, err := f.entries.Add(cfg)
	require.NoError(f.t, err)
	return e
}

func (f *fixture) resolver() *Resolver {
	return NewResolver(f.entries, f.states, entry.DefaultNoneLabel, f.logger)
}

// platform starts a platform with a recording publisher and observer
func (f *fixture) platform() (*Platform, *recordingPublisher, *recordingObserver) {
	f.t.Helper()
	pub := newRecordingPublisher()
	obs := newRecordingObserver()
	p := NewPlatform(f.entries, f.states, Options{
		Publishers: []Publisher{pub},
		Observers:  []Observer{obs},
	}, f.logger)
	require.NoError(f.t, p.Start())
	f.t.Cleanup(func() {
		p.Stop(context.Background())
	})
	p.Flush()
	return p, pub, obs
}

func (f *fixture) value(entityID string) state.Reading {
	return f.states.Lookup(entityID)
}

func (f *fixture) config(entryID string) entry.RoomConfig {
	f.t.Helper()
	e, ok := f.entries.Get(entryID)
	require.True(f.t, ok, "entry %s not found", entryID)
	return e.Data
}

func roomConfig(room string, meter string, entities ...string) entry.RoomConfig {
	if meter == "" {
		meter = entry.DefaultNoneLabel
	}
	return entry.RoomConfig{
		Room:             room,
		EntityType:       entry.EntityTypePower,
		Entities:         entities,
		IntegrationRooms: []string{},
		SmartMeterDevice: meter,
	}
}

func tracked(room string) string {
	return naming.TrackedEntityID(room, "power")
}

func untracked(room string) string {
	return naming.UntrackedEntityID(room, "power")
}

type recordingPublisher struct {
	mu        sync.Mutex
	published map[string]DerivedState
	retracted []string
	count     int
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{published: make(map[string]DerivedState)}
}

func (p *recordingPublisher) Publish(s DerivedState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published[s.EntityID] = s
	p.count++
	return nil
}

func (p *recordingPublisher) Retract(s DerivedState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.published, s.EntityID)
	p.retracted = append(p.retracted, s.EntityID)
	return nil
}

func (p *recordingPublisher) last(entityID string) (DerivedState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.published[entityID]
	return s, ok
}

func (p *recordingPublisher) retractedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.retracted...)
}

type recomputeEvent struct {
	room    string
	kind    Kind
	trigger Trigger
}

type recordingObserver struct {
	mu         sync.Mutex
	recomputes []recomputeEvent
	pruned     map[string]int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{pruned: make(map[string]int)}
}

func (o *recordingObserver) Recomputed(room string, kind Kind, trigger Trigger) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recomputes = append(o.recomputes, recomputeEvent{room: room, kind: kind, trigger: trigger})
}

func (o *recordingObserver) Pruned(room string, count int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pruned[room] += count
}

func (o *recordingObserver) triggers(room string, kind Kind) []Trigger {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []Trigger
	for _, e := range o.recomputes {
		if e.room == room && e.kind == kind {
			out = append(out, e.trigger)
		}
	}
	return out
}

func (o *recordingObserver) prunedCount(room string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pruned[room]
}

// countUpdates counts entry store updates per entry
func countUpdates(s entry.Store) func(id string) int {
	var mu sync.Mutex
	counts := map[string]int{}
	s.Listen(func(id string, old, updated *entry.Entry) {
		if old != nil && updated != nil {
			mu.Lock()
			counts[id]++
			mu.Unlock()
		}
	})
	return func(id string) int {
		mu.Lock()
		defer mu.Unlock()
		return counts[id]
	}
}

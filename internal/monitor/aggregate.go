package monitor

import (
	"sync"

	"energymonitor/internal/entry"
	"energymonitor/internal/naming"
	"energymonitor/internal/state"

	"go.uber.org/zap"
)

// RoomAggregate sums the numeric readings of a room's sources.
type RoomAggregate struct {
	entryID  string
	cfg      entry.RoomConfig
	entries  entry.Store
	states   StateStore
	resolver *Resolver
	logger   *zap.Logger

	mu       sync.Mutex
	last     Result
	selected []string
	// non-numeric values already warned about, by entity
	warned map[string]string
	// missing sources already reported; pruning may be skipped in read-only mode
	reported map[string]bool
}

// evaluation is one aggregate computation with its pruning outcome
type evaluation struct {
	result   Result
	selected []string
	missing  []string
}

func newRoomAggregate(entryID string, cfg entry.RoomConfig, entries entry.Store, states StateStore, resolver *Resolver, logger *zap.Logger) *RoomAggregate {
	return &RoomAggregate{
		entryID:  entryID,
		cfg:      cfg,
		entries:  entries,
		states:   states,
		resolver: resolver,
		logger:   logger,
		last:     Available(0),
		selected: append([]string(nil), cfg.Entities...),
		warned:   make(map[string]string),
		reported: make(map[string]bool),
	}
}

func (a *RoomAggregate) EntityID() string {
	return naming.TrackedEntityID(a.cfg.Room, string(a.cfg.EntityType))
}

func (a *RoomAggregate) Kind() Kind { return KindTracked }

func (a *RoomAggregate) Unit() string { return a.cfg.EntityType.Unit() }

func (a *RoomAggregate) DeviceClass() string { return a.cfg.EntityType.DeviceClass() }

// Compute re-reads the room's sources and returns their rounded sum,
// floored at zero. Missing sources are reported for pruning but never
// written back from here.
func (a *RoomAggregate) Compute() Result {
	return a.evaluate().result
}

// Last returns the most recent computed result
func (a *RoomAggregate) Last() Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

// Selected returns the source list the last computation used
func (a *RoomAggregate) Selected() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.selected...)
}

func (a *RoomAggregate) evaluate() evaluation {
	entities := a.cfg.Entities
	if e, ok := a.entries.Get(a.entryID); ok {
		entities = e.Data.Entities
	}

	kept, missing := a.resolver.Prune(entities)
	self := a.resolver.ownReferences(a.cfg)

	a.mu.Lock()
	defer a.mu.Unlock()

	stillMissing := make(map[string]bool, len(missing))
	for _, id := range missing {
		stillMissing[id] = true
		if a.reported[id] {
			continue
		}
		a.reported[id] = true
		a.logger.Warn("Source entity no longer exists, removing it from the room",
			zap.String("room", a.cfg.Room),
			zap.String("entity_id", id))
	}
	for id := range a.reported {
		if !stillMissing[id] {
			delete(a.reported, id)
		}
	}

	total := 0.0
	for _, id := range kept {
		if _, isSelf := self[id]; isSelf {
			continue
		}
		reading := a.states.Lookup(id)
		switch reading.Status {
		case state.StatusNumeric:
			total += reading.Value
			delete(a.warned, id)
		case state.StatusInvalid:
			if a.warned[id] != reading.Raw {
				a.warned[id] = reading.Raw
				a.logger.Warn("Source entity has a non-numeric state",
					zap.String("room", a.cfg.Room),
					zap.String("entity_id", id),
					zap.String("state", reading.Raw))
			}
		default:
			delete(a.warned, id)
		}
	}

	result := Available(floor0(round1(total)))
	a.last = result
	a.selected = kept
	return evaluation{result: result, selected: append([]string(nil), kept...), missing: missing}
}

func (a *RoomAggregate) Describe() DerivedState {
	t := string(a.cfg.EntityType)
	selected := a.Selected()
	if selected == nil {
		selected = []string{}
	}
	return DerivedState{
		EntryID:     a.entryID,
		Room:        a.cfg.Room,
		Kind:        KindTracked,
		EntityType:  a.cfg.EntityType,
		EntityID:    a.EntityID(),
		ObjectID:    naming.TrackedObjectID(a.cfg.Room, t),
		UniqueID:    naming.TrackedObjectID(a.cfg.Room, t),
		Name:        naming.TrackedName(a.cfg.Room, a.cfg.EntityType.Label()),
		Unit:        a.Unit(),
		DeviceClass: a.DeviceClass(),
		Icon:        a.cfg.EntityType.Icon(),
		Result:      a.Last(),
		Attributes:  map[string]interface{}{AttrSelectedEntities: selected},
	}
}

package monitor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"energymonitor/internal/entry"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	// ErrUnknown is returned when applying a reconfiguration failed. The
	// room keeps its previous configuration.
	ErrUnknown = errors.New("unknown error")

	// ErrNotRunning is returned by operations that need a started platform
	ErrNotRunning = errors.New("platform is not running")
)

// DefaultUpdateInterval is the period of the safety-net recompute
const DefaultUpdateInterval = 60 * time.Second

// Options configures a Platform
type Options struct {
	UpdateInterval time.Duration
	// NoneLabel is the localized "no smart meter" choice
	NoneLabel  string
	Publishers []Publisher
	Observers  []Observer
}

// RoomInput is what the selection wizard hands over when a room is created
// or edited.
type RoomInput struct {
	Room             string           `json:"room"`
	EntityType       entry.EntityType `json:"entity_type"`
	Entities         []string         `json:"entities"`
	IntegrationRooms []string         `json:"integration_rooms"`
	SmartMeterDevice string           `json:"smart_meter_device"`
}

// SensorSnapshot is the current state of one derived sensor
type SensorSnapshot struct {
	EntityID   string                 `json:"entity_id"`
	Name       string                 `json:"name"`
	State      string                 `json:"state"`
	Unit       string                 `json:"unit_of_measurement"`
	Attributes map[string]interface{} `json:"attributes"`
}

// RoomSnapshot is the read model of one room
type RoomSnapshot struct {
	EntryID          string          `json:"entry_id"`
	Title            string          `json:"title"`
	Room             string          `json:"room"`
	EntityType       string          `json:"entity_type"`
	Status           Lifecycle       `json:"status"`
	Entities         []string        `json:"entities"`
	IntegrationRooms []string        `json:"integration_rooms"`
	SmartMeterDevice string          `json:"smart_meter_device"`
	Tracked          *SensorSnapshot `json:"tracked,omitempty"`
	Untracked        *SensorSnapshot `json:"untracked,omitempty"`
	NextRecompute    *time.Time      `json:"next_recompute,omitempty"`
}

// Platform owns the runtime of every configured room and applies entry
// store changes to it.
type Platform struct {
	entries   entry.Store
	states    StateStore
	resolver  *Resolver
	scheduler *scheduler
	opts      Options
	logger    *zap.Logger

	mu          sync.Mutex
	rooms       map[string]*room
	transitions map[string]Lifecycle
	entrySub    entry.Subscription
	running     bool
}

// NewPlatform creates a platform over the given stores
func NewPlatform(entries entry.Store, states StateStore, opts Options, logger *zap.Logger) *Platform {
	if opts.UpdateInterval <= 0 {
		opts.UpdateInterval = DefaultUpdateInterval
	}
	if opts.NoneLabel == "" {
		opts.NoneLabel = entry.DefaultNoneLabel
	}
	logger = logger.Named("monitor")

	return &Platform{
		entries:     entries,
		states:      states,
		resolver:    NewResolver(entries, states, opts.NoneLabel, logger),
		scheduler:   newScheduler(opts.UpdateInterval, logger),
		opts:        opts,
		logger:      logger,
		rooms:       make(map[string]*room),
		transitions: make(map[string]Lifecycle),
	}
}

// Resolver returns the platform's reference resolver
func (p *Platform) Resolver() *Resolver {
	return p.resolver
}

// Start sets up every stored room and begins following entry changes.
// Rooms that fail to set up are logged and skipped.
func (p *Platform) Start() error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("platform already running")
	}
	p.running = true
	p.mu.Unlock()

	p.logger.Info("Starting energy and power monitor",
		zap.Duration("update_interval", p.opts.UpdateInterval))

	p.entrySub = p.entries.Listen(p.handleEntryChange)
	p.scheduler.start()

	for _, e := range p.entries.Entries() {
		if err := p.SetupEntry(e.ID); err != nil {
			p.logger.Error("Failed to set up room",
				zap.String("entry_id", e.ID),
				zap.String("room", e.Data.Room),
				zap.Error(err))
		}
	}

	p.logIntegrity()
	p.logger.Info("Energy and power monitor started", zap.Int("rooms", len(p.Rooms())))
	return nil
}

// Stop unloads every room without retracting its sensors. Published
// sensors stay with the host until the next start.
func (p *Platform) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	rooms := p.rooms
	p.rooms = make(map[string]*room)
	p.mu.Unlock()

	p.logger.Info("Stopping energy and power monitor")

	if p.entrySub != nil {
		p.entrySub.Unsubscribe()
		p.entrySub = nil
	}

	var errs error
	for _, r := range rooms {
		p.scheduler.remove(r.cronID)
		errs = multierr.Append(errs, r.stop(false))
	}
	p.scheduler.stop(ctx)

	p.logger.Info("Energy and power monitor stopped")
	return errs
}

// SetupEntry normalizes an entry's sources and brings its room up
func (p *Platform) SetupEntry(entryID string) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrNotRunning
	}
	if _, active := p.rooms[entryID]; active {
		p.mu.Unlock()
		return nil
	}
	if _, busy := p.transitions[entryID]; !busy {
		p.transitions[entryID] = LifecycleConfiguring
		defer p.clearTransition(entryID, LifecycleConfiguring)
	}
	p.mu.Unlock()

	e, ok := p.entries.Get(entryID)
	if !ok {
		return fmt.Errorf("%s: %w", entryID, entry.ErrNotFound)
	}
	if err := e.Data.Validate(); err != nil {
		return err
	}

	normalized := p.resolver.Normalize(e.Data)
	if !slices.Equal(normalized, e.Data.Entities) {
		cfg := e.Data.Clone()
		cfg.Entities = normalized
		err := p.entries.Update(entryID, cfg)
		switch {
		case errors.Is(err, entry.ErrReadOnly):
			p.logger.Debug("Skipping source normalization in read-only mode",
				zap.String("entry_id", entryID))
		case err != nil:
			return fmt.Errorf("failed to store normalized sources: %w", err)
		}
		e.Data = cfg
	}

	r := newRoom(e, p.entries, p.states, p.resolver, p.opts.Publishers, p.opts.Observers, p.opts.NoneLabel, p.logger)

	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrNotRunning
	}
	if _, active := p.rooms[entryID]; active {
		p.mu.Unlock()
		return nil
	}
	p.rooms[entryID] = r
	r.cronID = p.scheduler.every(func() { r.enqueueAggregate(TriggerPeriodic) })
	p.mu.Unlock()

	r.start()

	p.logger.Info("Room set up",
		zap.String("entry_id", entryID),
		zap.String("room", e.Data.Room),
		zap.String("entity_type", string(e.Data.EntityType)),
		zap.Int("sources", len(e.Data.Entities)),
		zap.Bool("untracked", r.remainder != nil))
	return nil
}

// UnloadEntry stops an entry's room, retracting its derived sensors when
// retract is set.
func (p *Platform) UnloadEntry(entryID string, retract bool) error {
	p.mu.Lock()
	r, ok := p.rooms[entryID]
	if ok {
		delete(p.rooms, entryID)
		p.scheduler.remove(r.cronID)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}

	err := r.stop(retract)
	p.logger.Info("Room unloaded",
		zap.String("entry_id", entryID),
		zap.String("room", r.cfg.Room),
		zap.Bool("retracted", retract))
	return err
}

// ReloadEntry rebuilds a room from its current entry. Derived sensors that
// the new configuration no longer has are retracted.
func (p *Platform) ReloadEntry(entryID string) error {
	p.mu.Lock()
	old, ok := p.rooms[entryID]
	p.mu.Unlock()

	if ok {
		var stale []DerivedState
		if e, found := p.entries.Get(entryID); found {
			next := newRoom(e, p.entries, p.states, p.resolver, nil, nil, p.opts.NoneLabel, p.logger)
			keep := map[string]bool{}
			for _, s := range next.sensors() {
				keep[s.EntityID()] = true
			}
			for _, s := range old.sensors() {
				if !keep[s.EntityID()] {
					stale = append(stale, s.Describe())
				}
			}
		}
		if err := p.UnloadEntry(entryID, false); err != nil {
			return err
		}
		for _, d := range stale {
			p.retract(d)
		}
	}
	return p.SetupEntry(entryID)
}

func (p *Platform) retract(d DerivedState) {
	p.states.Remove(d.EntityID)
	for _, pub := range p.opts.Publishers {
		if err := pub.Retract(d); err != nil {
			p.logger.Warn("Failed to retract derived sensor",
				zap.String("entity_id", d.EntityID),
				zap.Error(err))
		}
	}
}

// Create stores a new room from wizard input and sets it up
func (p *Platform) Create(in RoomInput) (entry.Entry, error) {
	cfg := p.configFromInput(in, in.EntityType)
	if err := cfg.Validate(); err != nil {
		return entry.Entry{}, err
	}
	cfg.Entities = p.resolver.Normalize(cfg)

	e, err := p.entries.Add(cfg)
	if err != nil {
		return entry.Entry{}, fmt.Errorf("failed to create room: %w", err)
	}
	p.logger.Info("Room created",
		zap.String("entry_id", e.ID),
		zap.String("room", cfg.Room))

	// the entry listener normally did this already
	if err := p.SetupEntry(e.ID); err != nil && !errors.Is(err, ErrNotRunning) {
		return e, err
	}
	return e, nil
}

// Reconfigure applies edited wizard input to an existing room. The new
// record is stored first, siblings' references follow a rename, then the
// old sensors are torn down and the room is set up again. At every step a
// reference held by a sibling points at a configured room or at a sensor
// that is still published, so nothing gets pruned on the way. Any failure
// restores the previous records and reports ErrUnknown.
func (p *Platform) Reconfigure(entryID string, in RoomInput) error {
	original, ok := p.entries.Get(entryID)
	if !ok {
		return fmt.Errorf("%w: %s: %v", ErrUnknown, entryID, entry.ErrNotFound)
	}

	// the entity type cannot change after creation
	cfg := p.configFromInput(in, original.Data.EntityType)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnknown, err)
	}
	cfg.Entities = p.resolver.Normalize(cfg)

	oldRoom := original.Data.Room
	renamed := false

	p.setTransition(entryID, LifecycleReconfiguring)
	fail := func(err error) error {
		p.logger.Error("Reconfiguration failed, restoring previous configuration",
			zap.String("entry_id", entryID),
			zap.Error(err))
		if renamed {
			if _, rerr := p.resolver.PropagateRename(entryID, cfg.Room, oldRoom, original.Data.EntityType); rerr != nil {
				p.logger.Error("Failed to restore sibling references", zap.Error(rerr))
			}
		}
		if current, found := p.entries.Get(entryID); found && !current.Data.Equal(original.Data) {
			if rerr := p.entries.Update(entryID, original.Data); rerr != nil {
				p.logger.Error("Failed to restore configuration", zap.Error(rerr))
			}
		}
		p.clearTransition(entryID, LifecycleReconfiguring)
		if rerr := p.ReloadEntry(entryID); rerr != nil && !errors.Is(rerr, ErrNotRunning) {
			p.logger.Error("Failed to restore room", zap.Error(rerr))
		}
		return fmt.Errorf("%w: %v", ErrUnknown, err)
	}

	if err := p.entries.Update(entryID, cfg); err != nil {
		return fail(fmt.Errorf("failed to store configuration: %w", err))
	}

	if cfg.Room != oldRoom {
		renamed = true
		n, err := p.resolver.PropagateRename(entryID, oldRoom, cfg.Room, original.Data.EntityType)
		if err != nil {
			return fail(fmt.Errorf("failed to propagate rename: %w", err))
		}
		p.logger.Info("Propagated room rename",
			zap.String("from", oldRoom),
			zap.String("to", cfg.Room),
			zap.Int("updated_entries", n))
	}

	if err := p.UnloadEntry(entryID, true); err != nil {
		p.logger.Warn("Errors while tearing down room", zap.Error(err))
	}

	p.clearTransition(entryID, LifecycleReconfiguring)
	if err := p.SetupEntry(entryID); err != nil && !errors.Is(err, ErrNotRunning) {
		return fail(err)
	}

	p.logger.Info("Room reconfigured",
		zap.String("entry_id", entryID),
		zap.String("room", cfg.Room))
	p.logIntegrity()
	return nil
}

// Remove unloads a room, retracts its sensors and deletes its entry
func (p *Platform) Remove(entryID string) error {
	if _, ok := p.entries.Get(entryID); !ok {
		return fmt.Errorf("%s: %w", entryID, entry.ErrNotFound)
	}

	p.setTransition(entryID, LifecycleRemoved)
	defer p.clearTransition(entryID, LifecycleRemoved)

	var errs error
	if err := p.UnloadEntry(entryID, true); err != nil {
		errs = multierr.Append(errs, err)
	}
	if err := p.entries.Remove(entryID); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("failed to delete entry: %w", err))
	}
	return errs
}

// Flush blocks until no room has queued work, including work that rooms
// trigger in each other.
func (p *Platform) Flush() {
	for {
		p.mu.Lock()
		rooms := make([]*room, 0, len(p.rooms))
		for _, r := range p.rooms {
			rooms = append(rooms, r)
		}
		p.mu.Unlock()

		worked := false
		for _, r := range rooms {
			if r.sync() {
				worked = true
			}
		}
		if !worked {
			return
		}
	}
}

// Rooms returns a snapshot of every stored room
func (p *Platform) Rooms() []RoomSnapshot {
	entries := p.entries.Entries()

	p.mu.Lock()
	rooms := make(map[string]*room, len(p.rooms))
	for id, r := range p.rooms {
		rooms[id] = r
	}
	transitions := make(map[string]Lifecycle, len(p.transitions))
	for id, l := range p.transitions {
		transitions[id] = l
	}
	p.mu.Unlock()

	out := make([]RoomSnapshot, 0, len(entries))
	for _, e := range entries {
		snap := RoomSnapshot{
			EntryID:          e.ID,
			Title:            e.Title,
			Room:             e.Data.Room,
			EntityType:       string(e.Data.EntityType),
			Status:           LifecycleUnconfigured,
			Entities:         e.Data.Entities,
			IntegrationRooms: e.Data.IntegrationRooms,
			SmartMeterDevice: e.Data.SmartMeterDevice,
		}
		if r, ok := rooms[e.ID]; ok {
			snap.Status = LifecycleActive
			snap.Tracked = p.sensorSnapshot(r.aggregate)
			if r.remainder != nil {
				snap.Untracked = p.sensorSnapshot(r.remainder)
			}
			if next := p.scheduler.next(r.cronID); !next.IsZero() {
				snap.NextRecompute = &next
			}
		}
		if l, ok := transitions[e.ID]; ok {
			snap.Status = l
		}
		out = append(out, snap)
	}
	return out
}

// Status returns the lifecycle state of one entry
func (p *Platform) Status(entryID string) Lifecycle {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.transitions[entryID]; ok {
		return l
	}
	if _, ok := p.rooms[entryID]; ok {
		return LifecycleActive
	}
	return LifecycleUnconfigured
}

func (p *Platform) sensorSnapshot(s DerivedSensor) *SensorSnapshot {
	d := s.Describe()
	return &SensorSnapshot{
		EntityID:   d.EntityID,
		Name:       d.Name,
		State:      d.State(),
		Unit:       d.Unit,
		Attributes: d.Attributes,
	}
}

// handleEntryChange applies entry store notifications. Updates of entries
// whose room is not active, or is in the middle of a transition, are
// ignored; whoever drives the transition sets the room up itself.
func (p *Platform) handleEntryChange(id string, old, updated *entry.Entry) {
	switch {
	case old == nil && updated != nil:
		if err := p.SetupEntry(id); err != nil && !errors.Is(err, ErrNotRunning) {
			p.logger.Error("Failed to set up added room",
				zap.String("entry_id", id),
				zap.Error(err))
		}

	case updated == nil:
		if err := p.UnloadEntry(id, true); err != nil {
			p.logger.Warn("Errors while removing room",
				zap.String("entry_id", id),
				zap.Error(err))
		}

	default:
		p.mu.Lock()
		r, active := p.rooms[id]
		_, busy := p.transitions[id]
		p.mu.Unlock()
		if !active || busy {
			return
		}

		if needsReload(old.Data, updated.Data) {
			p.logger.Info("Room identity changed, reloading",
				zap.String("entry_id", id),
				zap.String("room", updated.Data.Room))
			if err := p.ReloadEntry(id); err != nil {
				p.logger.Error("Failed to reload room",
					zap.String("entry_id", id),
					zap.Error(err))
			}
			return
		}
		r.enqueueAggregate(TriggerConfig)
	}
}

func needsReload(old, updated entry.RoomConfig) bool {
	return old.Room != updated.Room ||
		old.EntityType != updated.EntityType ||
		old.SmartMeterDevice != updated.SmartMeterDevice
}

func (p *Platform) configFromInput(in RoomInput, t entry.EntityType) entry.RoomConfig {
	meter := strings.TrimSpace(in.SmartMeterDevice)
	if meter == "" {
		meter = p.opts.NoneLabel
	}
	return entry.RoomConfig{
		Room:             strings.TrimSpace(in.Room),
		EntityType:       t,
		Entities:         append([]string{}, in.Entities...),
		IntegrationRooms: append([]string{}, in.IntegrationRooms...),
		SmartMeterDevice: meter,
	}
}

func (p *Platform) setTransition(entryID string, l Lifecycle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transitions[entryID] = l
}

// clearTransition drops the transition only if it is still l
func (p *Platform) clearTransition(entryID string, l Lifecycle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.transitions[entryID] == l {
		delete(p.transitions, entryID)
	}
}

func (p *Platform) logIntegrity() {
	for _, d := range p.resolver.CheckIntegrity() {
		p.logger.Warn("Room references a derived sensor that matches no configured room",
			zap.String("entry_id", d.EntryID),
			zap.String("room", d.Room),
			zap.String("reference", d.Reference))
	}
}

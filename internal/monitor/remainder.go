package monitor

import (
	"sync"

	"energymonitor/internal/entry"
	"energymonitor/internal/naming"

	"go.uber.org/zap"
)

// UntrackedRemainder is the part of the smart meter reading not covered by
// the room's tracked aggregate. It reads the aggregate it belongs to but
// does not own it.
type UntrackedRemainder struct {
	entryID   string
	cfg       entry.RoomConfig
	aggregate *RoomAggregate
	states    StateStore
	logger    *zap.Logger

	mu   sync.Mutex
	last Result
}

func newUntrackedRemainder(entryID string, cfg entry.RoomConfig, aggregate *RoomAggregate, states StateStore, logger *zap.Logger) *UntrackedRemainder {
	return &UntrackedRemainder{
		entryID:   entryID,
		cfg:       cfg,
		aggregate: aggregate,
		states:    states,
		logger:    logger,
		last:      Unavailable,
	}
}

func (u *UntrackedRemainder) EntityID() string {
	return naming.UntrackedEntityID(u.cfg.Room, string(u.cfg.EntityType))
}

func (u *UntrackedRemainder) Kind() Kind { return KindRemainder }

func (u *UntrackedRemainder) Unit() string { return u.cfg.EntityType.Unit() }

func (u *UntrackedRemainder) DeviceClass() string { return u.cfg.EntityType.DeviceClass() }

// MeterEntityID returns the smart meter the remainder compares against
func (u *UntrackedRemainder) MeterEntityID() string {
	return u.cfg.SmartMeterDevice
}

// Compute returns meter minus aggregate, rounded and floored at zero, or
// Unavailable when either side has no numeric value.
func (u *UntrackedRemainder) Compute() Result {
	tracked := u.aggregate.Last()
	meter := u.states.Lookup(u.cfg.SmartMeterDevice)

	result := Unavailable
	if tracked.Available && meter.Numeric() {
		result = Available(floor0(round1(meter.Value - tracked.Value)))
	} else {
		u.logger.Debug("Untracked remainder has no usable input",
			zap.String("room", u.cfg.Room),
			zap.String("smart_meter", u.cfg.SmartMeterDevice),
			zap.Stringer("meter_status", meter.Status))
	}

	u.mu.Lock()
	u.last = result
	u.mu.Unlock()
	return result
}

// Last returns the most recent computed result
func (u *UntrackedRemainder) Last() Result {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.last
}

func (u *UntrackedRemainder) Describe() DerivedState {
	t := string(u.cfg.EntityType)
	return DerivedState{
		EntryID:     u.entryID,
		Room:        u.cfg.Room,
		Kind:        KindRemainder,
		EntityType:  u.cfg.EntityType,
		EntityID:    u.EntityID(),
		ObjectID:    naming.UntrackedObjectID(u.cfg.Room, t),
		UniqueID:    naming.RemainderUniqueID(u.cfg.Room, u.cfg.SmartMeterDevice),
		Name:        naming.UntrackedName(u.cfg.Room, u.cfg.EntityType.Label()),
		Unit:        u.Unit(),
		DeviceClass: u.DeviceClass(),
		Icon:        u.cfg.EntityType.Icon(),
		Result:      u.Last(),
		Attributes: map[string]interface{}{
			AttrSmartMeter:    u.cfg.SmartMeterDevice,
			AttrTrackedSensor: u.aggregate.EntityID(),
		},
	}
}

// Package monitor turns room configurations into live derived sensors.
//
// Every configured room gets a tracked aggregate summing its source
// entities and, when a smart meter is selected, an untracked remainder
// (meter minus aggregate). The Platform owns the rooms and keeps their
// configuration consistent: references to other rooms are expanded,
// vanished sources are pruned and renames are propagated to siblings.
package monitor

import (
	"math"
	"strconv"

	"energymonitor/internal/entry"
	"energymonitor/internal/ha"
	"energymonitor/internal/state"
)

// Kind tells the two derived sensor variants apart
type Kind int

const (
	KindTracked Kind = iota
	KindRemainder
)

func (k Kind) String() string {
	if k == KindRemainder {
		return "untracked"
	}
	return "tracked"
}

// Trigger names what caused a recompute
type Trigger string

const (
	TriggerSetup     Trigger = "setup"
	TriggerSource    Trigger = "source"
	TriggerConfig    Trigger = "config"
	TriggerPeriodic  Trigger = "periodic"
	TriggerMeter     Trigger = "meter"
	TriggerAggregate Trigger = "aggregate"
)

// StateClass is reported for both sensor kinds; values are recomputed, not
// accumulated.
const StateClass = "measurement"

// Attribute keys published on derived sensors
const (
	AttrSelectedEntities = "selected_entities"
	AttrSmartMeter       = "Selected Smart Meter Device"
	AttrTrackedSensor    = "Energy and Power Monitor"
)

// Device metadata shared by a room's sensors
const (
	DeviceManufacturer = "Custom"
	DeviceModel        = "Energy and Power Monitor"
)

// Result is the outcome of a derived computation. An unavailable result is
// not the same as zero.
type Result struct {
	Value     float64
	Available bool
}

// Unavailable is the result of a computation that lacks an input
var Unavailable = Result{}

// Available wraps a computed value
func Available(v float64) Result {
	return Result{Value: v, Available: true}
}

// String renders the result the way the host expects a sensor state
func (r Result) String() string {
	if !r.Available {
		return state.StateUnavailable
	}
	return strconv.FormatFloat(r.Value, 'f', -1, 64)
}

// round1 rounds half away from zero to one decimal place
func round1(v float64) float64 {
	r := math.Round(v*10) / 10
	if r == 0 {
		return 0
	}
	return r
}

// floor0 clamps negative values to zero
func floor0(v float64) float64 {
	return math.Max(0, v)
}

// DerivedState describes one derived sensor and its latest result. It is
// what publishers receive.
type DerivedState struct {
	EntryID     string
	Room        string
	Kind        Kind
	EntityType  entry.EntityType
	EntityID    string
	ObjectID    string
	UniqueID    string
	Name        string
	Unit        string
	DeviceClass string
	Icon        string
	Result      Result
	Attributes  map[string]interface{}
}

// State renders the sensor state string
func (s DerivedState) State() string {
	return s.Result.String()
}

// DerivedSensor is the shared surface of the tracked aggregate and the
// untracked remainder. They differ only in how Compute works.
type DerivedSensor interface {
	EntityID() string
	Kind() Kind
	Unit() string
	DeviceClass() string
	Compute() Result
	Describe() DerivedState
}

// StateStore is the state access the monitor needs
type StateStore interface {
	Lookup(entityID string) state.Reading
	Get(entityID string) (*ha.State, bool)
	Synced() bool
	Watch(entityID string, handler state.ChangeHandler) state.Subscription
	Publish(entityID, value string, attributes map[string]interface{}) bool
	Remove(entityID string)
}

// Publisher hands derived sensors to an outside consumer
type Publisher interface {
	Publish(s DerivedState) error
	Retract(s DerivedState) error
}

// Observer is told about recomputes and prunes
type Observer interface {
	Recomputed(room string, kind Kind, trigger Trigger)
	Pruned(room string, count int)
}

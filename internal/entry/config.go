// Package entry holds the per-room configuration records and the stores that
// persist them. A record is what the selection wizard produces; the monitor
// reads it, prunes it and rewrites it when sibling rooms are renamed.
package entry

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	// ErrNotFound is returned when an entry ID is unknown to the store.
	ErrNotFound = errors.New("config entry not found")

	// ErrInvalidConfig is returned when a record fails validation.
	ErrInvalidConfig = errors.New("invalid room configuration")

	// ErrReadOnly is returned by writes while the store is read-only.
	ErrReadOnly = errors.New("config entry store is read-only")
)

// DefaultNoneLabel is the untranslated "no smart meter" choice the wizard
// stores in smart_meter_device.
const DefaultNoneLabel = "None"

// EntityType selects what a room measures.
type EntityType string

const (
	EntityTypePower  EntityType = "power"
	EntityTypeEnergy EntityType = "energy"
)

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	return t == EntityTypePower || t == EntityTypeEnergy
}

// Unit returns the unit of measurement derived sensors report in.
func (t EntityType) Unit() string {
	if t == EntityTypeEnergy {
		return "kWh"
	}
	return "W"
}

// DeviceClass returns the sensor device class.
func (t EntityType) DeviceClass() string {
	return string(t)
}

// Icon returns the icon derived sensors are shown with.
func (t EntityType) Icon() string {
	if t == EntityTypeEnergy {
		return "mdi:counter"
	}
	return "mdi:flash"
}

// Label returns the capitalized type name used in titles and friendly names.
func (t EntityType) Label() string {
	if t == EntityTypeEnergy {
		return "Energy"
	}
	return "Power"
}

// RoomConfig is the persisted record of one room. Field keys are part of
// the on-disk format and must not change.
type RoomConfig struct {
	Room             string     `yaml:"room" json:"room"`
	EntityType       EntityType `yaml:"entity_type" json:"entity_type"`
	Entities         []string   `yaml:"entities" json:"entities"`
	IntegrationRooms []string   `yaml:"integration_rooms" json:"integration_rooms"`
	SmartMeterDevice string     `yaml:"smart_meter_device" json:"smart_meter_device"`
}

// Validate checks the fields the monitor cannot work without.
func (c RoomConfig) Validate() error {
	if strings.TrimSpace(c.Room) == "" {
		return fmt.Errorf("%w: room name is empty", ErrInvalidConfig)
	}
	if !c.EntityType.Valid() {
		return fmt.Errorf("%w: unknown entity type %q", ErrInvalidConfig, c.EntityType)
	}
	return nil
}

// HasSmartMeter reports whether a concrete smart meter entity is selected.
// Both the translated none label and the default one count as "no meter".
func (c RoomConfig) HasSmartMeter(noneLabel string) bool {
	meter := strings.TrimSpace(c.SmartMeterDevice)
	return meter != "" && meter != noneLabel && meter != DefaultNoneLabel
}

// Clone returns a deep copy with non-nil slices.
func (c RoomConfig) Clone() RoomConfig {
	out := c
	out.Entities = append(make([]string, 0, len(c.Entities)), c.Entities...)
	out.IntegrationRooms = append(make([]string, 0, len(c.IntegrationRooms)), c.IntegrationRooms...)
	return out
}

// Equal compares two records field by field. A nil and an empty list are
// the same.
func (c RoomConfig) Equal(o RoomConfig) bool {
	return c.Room == o.Room &&
		c.EntityType == o.EntityType &&
		c.SmartMeterDevice == o.SmartMeterDevice &&
		slices.Equal(c.Entities, o.Entities) &&
		slices.Equal(c.IntegrationRooms, o.IntegrationRooms)
}

// Entry is a stored record with its host-assigned identity.
type Entry struct {
	ID    string     `yaml:"entry_id" json:"entry_id"`
	Title string     `yaml:"title" json:"title"`
	Data  RoomConfig `yaml:"data" json:"data"`
}

// Title builds the entry title shown by the host, e.g. "Power - Kitchen".
func Title(c RoomConfig) string {
	return c.EntityType.Label() + " - " + c.Room
}

// Clone returns a deep copy of the entry.
func (e Entry) Clone() Entry {
	e.Data = e.Data.Clone()
	return e
}

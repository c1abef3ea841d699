// Package naming derives the identifiers of the sensors a room publishes.
//
// The identifiers double as references inside other rooms' configuration,
// so they must stay bit-exact with what existing installations stored:
//
//	sensor.energy_power_monitor_<room>_<type>
//	sensor.energy_power_monitor_<room>_untracked_<type>
package naming

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	// Domain prefixes every object ID this integration creates.
	Domain = "energy_power_monitor"

	// SensorPlatform is the entity domain derived sensors live in.
	SensorPlatform = "sensor"

	untrackedInfix = "_untracked_"
)

var nonASCII = runes.Predicate(func(r rune) bool { return r > unicode.MaxASCII })

// asciiOnly decomposes accented characters and drops everything outside
// ASCII, so "Küche" becomes "Kuche". A chain carries state between calls,
// so every caller needs its own.
func asciiOnly() transform.Transformer {
	return transform.Chain(norm.NFKD, runes.Remove(nonASCII))
}

// Sanitize turns a room display name into the identifier fragment used in
// entity IDs: diacritics stripped, lowercase, spaces and hyphens replaced
// by underscores.
func Sanitize(room string) string {
	ascii, _, err := transform.String(asciiOnly(), room)
	if err != nil {
		ascii = room
	}
	ascii = strings.ReplaceAll(ascii, " ", "_")
	ascii = strings.ReplaceAll(ascii, "-", "_")
	return strings.ToLower(ascii)
}

// TrackedObjectID returns the object ID of a room's tracked aggregate.
func TrackedObjectID(room, entityType string) string {
	return Domain + "_" + Sanitize(room) + "_" + entityType
}

// UntrackedObjectID returns the object ID of a room's untracked remainder.
func UntrackedObjectID(room, entityType string) string {
	return Domain + "_" + Sanitize(room) + untrackedInfix + entityType
}

// EntityID qualifies an object ID with the sensor platform.
func EntityID(objectID string) string {
	return SensorPlatform + "." + objectID
}

// ObjectID strips the platform from an entity ID.
func ObjectID(entityID string) string {
	if i := strings.LastIndex(entityID, "."); i >= 0 {
		return entityID[i+1:]
	}
	return entityID
}

// TrackedEntityID returns the entity ID of a room's tracked aggregate.
func TrackedEntityID(room, entityType string) string {
	return EntityID(TrackedObjectID(room, entityType))
}

// UntrackedEntityID returns the entity ID of a room's untracked remainder.
func UntrackedEntityID(room, entityType string) string {
	return EntityID(UntrackedObjectID(room, entityType))
}

// UntrackedPrefix is the entity ID prefix shared by a room's untracked
// sensors of every type.
func UntrackedPrefix(room string) string {
	return EntityID(Domain + "_" + Sanitize(room) + untrackedInfix)
}

// RemainderUniqueID is the registry unique ID of a room's untracked
// remainder, built from the room and the smart meter it compares against.
func RemainderUniqueID(room, smartMeter string) string {
	device := ObjectID(smartMeter)
	switch {
	case strings.HasSuffix(device, "_power"):
		device = strings.TrimSuffix(device, "_power")
	case strings.HasSuffix(device, "_energy"):
		device = strings.TrimSuffix(device, "_energy")
	}
	return "smart_meter_" + Sanitize(room) + "_" + device
}

// IsDerived reports whether entityID looks like a sensor created by this
// integration.
func IsDerived(entityID string) bool {
	return strings.HasPrefix(entityID, EntityID(Domain+"_"))
}

// IsUntracked reports whether entityID looks like an untracked remainder.
func IsUntracked(entityID string) bool {
	return IsDerived(entityID) && strings.Contains(entityID, untrackedInfix)
}

// TrackedName is the friendly name of a room's tracked aggregate.
func TrackedName(room, label string) string {
	return room + " selected entities - " + label
}

// UntrackedName is the friendly name of a room's untracked remainder.
func UntrackedName(room, label string) string {
	return room + " untracked - " + label
}

package monitor

import (
	"fmt"
	"sort"
	"strings"

	"energymonitor/internal/entry"
	"energymonitor/internal/naming"
	"energymonitor/internal/state"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Resolver keeps room configurations self-consistent: it flattens room
// references into source lists, drops sources that vanished and rewrites
// references when a room is renamed.
type Resolver struct {
	entries   entry.Store
	states    StateStore
	noneLabel string
	logger    *zap.Logger
}

// NewResolver creates a resolver over the given stores
func NewResolver(entries entry.Store, states StateStore, noneLabel string, logger *zap.Logger) *Resolver {
	if noneLabel == "" {
		noneLabel = entry.DefaultNoneLabel
	}
	return &Resolver{
		entries:   entries,
		states:    states,
		noneLabel: noneLabel,
		logger:    logger.Named("resolver"),
	}
}

// Dangling is a reference that looks like a derived sensor but matches no
// configured room
type Dangling struct {
	EntryID   string `json:"entry_id"`
	Room      string `json:"room"`
	Reference string `json:"reference"`
}

// Expand merges the sources of every referenced room, plus that room's
// untracked remainder when it has one, into cfg's own entities. The result
// is deduplicated and sorted. References are flattened once; later changes
// of the referenced room are not followed.
func (r *Resolver) Expand(cfg entry.RoomConfig) []string {
	set := make(map[string]struct{}, len(cfg.Entities))
	for _, id := range cfg.Entities {
		if id = strings.TrimSpace(id); id != "" {
			set[id] = struct{}{}
		}
	}

	for _, ref := range cfg.IntegrationRooms {
		sources, untracked, ok := r.referencedRoom(ref, cfg.EntityType)
		if !ok {
			r.logger.Warn("Referenced room not found, skipping expansion",
				zap.String("room", cfg.Room),
				zap.String("reference", ref))
			continue
		}
		for _, id := range sources {
			set[id] = struct{}{}
		}
		if untracked != "" {
			set[untracked] = struct{}{}
		}
	}

	return sortedKeys(set)
}

// referencedRoom looks up a room by its tracked sensor ID. Configured rooms
// are preferred; otherwise the published sensor's selected_entities
// attribute is used.
func (r *Resolver) referencedRoom(ref string, t entry.EntityType) (sources []string, untracked string, ok bool) {
	for _, e := range r.entries.Entries() {
		cfg := e.Data
		if naming.TrackedEntityID(cfg.Room, string(cfg.EntityType)) != ref {
			continue
		}
		untrackedID := naming.UntrackedEntityID(cfg.Room, string(cfg.EntityType))
		if cfg.HasSmartMeter(r.noneLabel) || r.states.Lookup(untrackedID).Status != state.StatusMissing {
			untracked = untrackedID
		}
		return cfg.Entities, untracked, true
	}

	st, found := r.states.Get(ref)
	if !found {
		return nil, "", false
	}
	sources = stringList(st.Attributes[AttrSelectedEntities])

	suffix := "_" + string(t)
	if strings.HasSuffix(ref, suffix) {
		candidate := strings.TrimSuffix(ref, suffix) + "_untracked" + suffix
		if r.states.Lookup(candidate).Status != state.StatusMissing {
			untracked = candidate
		}
	}
	return sources, untracked, true
}

// Normalize expands cfg and removes references to the room's own derived
// sensors and smart meter, which would count the room into itself.
func (r *Resolver) Normalize(cfg entry.RoomConfig) []string {
	own := r.ownReferences(cfg)
	expanded := r.Expand(cfg)
	out := expanded[:0]
	for _, id := range expanded {
		if _, self := own[id]; self {
			r.logger.Warn("Dropping self reference from room sources",
				zap.String("room", cfg.Room),
				zap.String("entity_id", id))
			continue
		}
		out = append(out, id)
	}
	return out
}

func (r *Resolver) ownReferences(cfg entry.RoomConfig) map[string]struct{} {
	own := map[string]struct{}{
		naming.TrackedEntityID(cfg.Room, string(cfg.EntityType)):   {},
		naming.UntrackedEntityID(cfg.Room, string(cfg.EntityType)): {},
	}
	if cfg.HasSmartMeter(r.noneLabel) {
		own[cfg.SmartMeterDevice] = struct{}{}
	}
	return own
}

// Prune splits entities into those to keep and those whose entity no longer
// exists. Derived sensors of configured rooms are always kept; they may
// simply not be published yet. Nothing is pruned before the state store
// finished its initial sync.
func (r *Resolver) Prune(entities []string) (kept, missing []string) {
	if !r.states.Synced() {
		return append([]string(nil), entities...), nil
	}
	for _, id := range entities {
		if r.states.Lookup(id).Status == state.StatusMissing && !r.IsKnownDerived(id) {
			missing = append(missing, id)
			continue
		}
		kept = append(kept, id)
	}
	return kept, missing
}

// IsKnownDerived reports whether entityID is the tracked sensor of a
// configured room, or the untracked sensor of one with a smart meter.
func (r *Resolver) IsKnownDerived(entityID string) bool {
	if !naming.IsDerived(entityID) {
		return false
	}
	for _, e := range r.entries.Entries() {
		cfg := e.Data
		t := string(cfg.EntityType)
		if entityID == naming.TrackedEntityID(cfg.Room, t) {
			return true
		}
		if cfg.HasSmartMeter(r.noneLabel) && entityID == naming.UntrackedEntityID(cfg.Room, t) {
			return true
		}
	}
	return false
}

// PropagateRename rewrites every other room's references from oldRoom's
// derived sensors to newRoom's. The tracked ID is replaced on exact match,
// untracked IDs by prefix; anything else is left untouched. Each sibling is
// updated independently and the last write wins.
func (r *Resolver) PropagateRename(entryID, oldRoom, newRoom string, t entry.EntityType) (int, error) {
	oldMain := naming.TrackedEntityID(oldRoom, string(t))
	newMain := naming.TrackedEntityID(newRoom, string(t))
	oldPrefix := naming.UntrackedPrefix(oldRoom)
	newPrefix := naming.UntrackedPrefix(newRoom)
	if oldMain == newMain && oldPrefix == newPrefix {
		return 0, nil
	}

	var errs error
	updated := 0
	for _, e := range r.entries.Entries() {
		if e.ID == entryID {
			continue
		}
		cfg := e.Data
		changed := false

		for i, ref := range cfg.IntegrationRooms {
			if ref == oldMain {
				cfg.IntegrationRooms[i] = newMain
				changed = true
			}
		}
		for i, ref := range cfg.Entities {
			switch {
			case ref == oldMain:
				cfg.Entities[i] = newMain
				changed = true
			case strings.HasPrefix(ref, oldPrefix):
				cfg.Entities[i] = newPrefix + strings.TrimPrefix(ref, oldPrefix)
				changed = true
			}
		}
		if !changed {
			continue
		}

		r.logger.Info("Updating room references after rename",
			zap.String("entry_id", e.ID),
			zap.String("room", cfg.Room),
			zap.String("from", oldMain),
			zap.String("to", newMain))
		if err := r.entries.Update(e.ID, cfg); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("entry %s: %w", e.ID, err))
			continue
		}
		updated++
	}
	return updated, errs
}

// CheckIntegrity lists references that look like derived sensors but match
// no configured room, e.g. after the entries file was edited by hand.
func (r *Resolver) CheckIntegrity() []Dangling {
	var dangling []Dangling
	for _, e := range r.entries.Entries() {
		refs := append(append([]string(nil), e.Data.IntegrationRooms...), e.Data.Entities...)
		seen := make(map[string]bool, len(refs))
		for _, ref := range refs {
			if seen[ref] || !naming.IsDerived(ref) || r.IsKnownDerived(ref) {
				continue
			}
			seen[ref] = true
			dangling = append(dangling, Dangling{EntryID: e.ID, Room: e.Data.Room, Reference: ref})
		}
	}
	return dangling
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// stringList accepts the shapes a string list attribute takes after a JSON
// round trip.
func stringList(v interface{}) []string {
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...)
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

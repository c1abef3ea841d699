package entry

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Listener is notified after an entry changes. old is nil for additions,
// updated is nil for removals.
type Listener func(id string, old, updated *Entry)

// Subscription represents an active listener registration
type Subscription interface {
	Unsubscribe()
}

// Store is the configuration entry store the monitor reads and rewrites.
// Every write is independent; there are no cross-entry transactions and the
// last write wins.
type Store interface {
	Entries() []Entry
	Get(id string) (Entry, bool)
	Add(cfg RoomConfig) (Entry, error)
	Update(id string, cfg RoomConfig) error
	Remove(id string) error
	Listen(fn Listener) Subscription
}

type listenerSubscription struct {
	id   int
	base *base
}

func (s *listenerSubscription) Unsubscribe() {
	s.base.listenersMu.Lock()
	defer s.base.listenersMu.Unlock()
	delete(s.base.listeners, s.id)
}

type change struct {
	id           string
	old, updated *Entry
}

// base keeps entries in insertion order and fans out change notifications.
// persist, when set, is called with the full snapshot while the write lock
// is held; a persist failure rolls the change back.
type base struct {
	mu       sync.RWMutex
	entries  map[string]Entry
	order    []string
	readOnly bool
	persist  func([]Entry) error

	listenersMu  sync.RWMutex
	listeners    map[int]Listener
	nextListener int
}

func newBase() *base {
	return &base{
		entries:   make(map[string]Entry),
		listeners: make(map[int]Listener),
	}
}

func (b *base) Entries() []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshotLocked()
}

func (b *base) snapshotLocked() []Entry {
	out := make([]Entry, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.entries[id].Clone())
	}
	return out
}

func (b *base) Get(id string) (Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[id]
	if !ok {
		return Entry{}, false
	}
	return e.Clone(), true
}

func (b *base) Add(cfg RoomConfig) (Entry, error) {
	if err := cfg.Validate(); err != nil {
		return Entry{}, err
	}
	e := Entry{ID: uuid.NewString(), Title: Title(cfg), Data: cfg.Clone()}

	b.mu.Lock()
	if b.readOnly {
		b.mu.Unlock()
		return Entry{}, ErrReadOnly
	}
	b.entries[e.ID] = e
	b.order = append(b.order, e.ID)
	if err := b.persistLocked(); err != nil {
		delete(b.entries, e.ID)
		b.order = b.order[:len(b.order)-1]
		b.mu.Unlock()
		return Entry{}, err
	}
	b.mu.Unlock()

	added := e.Clone()
	b.notify(change{id: e.ID, updated: &added})
	return e.Clone(), nil
}

func (b *base) Update(id string, cfg RoomConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	old, ok := b.entries[id]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	updated := Entry{ID: id, Title: Title(cfg), Data: cfg.Clone()}
	if old.Title == updated.Title && old.Data.Equal(updated.Data) {
		b.mu.Unlock()
		return nil
	}
	if b.readOnly {
		b.mu.Unlock()
		return ErrReadOnly
	}
	b.entries[id] = updated
	if err := b.persistLocked(); err != nil {
		b.entries[id] = old
		b.mu.Unlock()
		return err
	}
	b.mu.Unlock()

	oldCopy, updatedCopy := old.Clone(), updated.Clone()
	b.notify(change{id: id, old: &oldCopy, updated: &updatedCopy})
	return nil
}

func (b *base) Remove(id string) error {
	b.mu.Lock()
	old, ok := b.entries[id]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if b.readOnly {
		b.mu.Unlock()
		return ErrReadOnly
	}
	prevOrder := append([]string(nil), b.order...)
	delete(b.entries, id)
	for i, existing := range b.order {
		if existing == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	if err := b.persistLocked(); err != nil {
		b.entries[id] = old
		b.order = prevOrder
		b.mu.Unlock()
		return err
	}
	b.mu.Unlock()

	b.notify(change{id: id, old: &old})
	return nil
}

func (b *base) Listen(fn Listener) Subscription {
	b.listenersMu.Lock()
	defer b.listenersMu.Unlock()
	id := b.nextListener
	b.nextListener++
	b.listeners[id] = fn
	return &listenerSubscription{id: id, base: b}
}

// replace swaps the whole entry set, returning the per-entry differences.
// Used when the backing file changed underneath the store.
func (b *base) replace(entries []Entry) []change {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.replaceLocked(entries)
}

func (b *base) replaceLocked(entries []Entry) []change {
	next := make(map[string]Entry, len(entries))
	order := make([]string, 0, len(entries))
	for _, e := range entries {
		if _, dup := next[e.ID]; dup {
			continue
		}
		next[e.ID] = e.Clone()
		order = append(order, e.ID)
	}

	var changes []change
	for _, id := range b.order {
		old := b.entries[id]
		updated, ok := next[id]
		switch {
		case !ok:
			oldCopy := old.Clone()
			changes = append(changes, change{id: id, old: &oldCopy})
		case old.Title != updated.Title || !old.Data.Equal(updated.Data):
			oldCopy, updatedCopy := old.Clone(), updated.Clone()
			changes = append(changes, change{id: id, old: &oldCopy, updated: &updatedCopy})
		}
	}
	for _, id := range order {
		if _, existed := b.entries[id]; !existed {
			added := next[id].Clone()
			changes = append(changes, change{id: id, updated: &added})
		}
	}

	b.entries = next
	b.order = order
	return changes
}

func (b *base) persistLocked() error {
	if b.persist == nil {
		return nil
	}
	return b.persist(b.snapshotLocked())
}

func (b *base) notify(changes ...change) {
	b.listenersMu.RLock()
	listeners := make([]Listener, 0, len(b.listeners))
	for i := 0; i < b.nextListener; i++ {
		if fn, ok := b.listeners[i]; ok {
			listeners = append(listeners, fn)
		}
	}
	b.listenersMu.RUnlock()

	for _, c := range changes {
		for _, fn := range listeners {
			fn(c.id, c.old, c.updated)
		}
	}
}

// MemoryStore is an in-memory Store. It is what tests and embedders without
// a backing file use.
type MemoryStore struct {
	*base
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{base: newBase()}
}

// Seed inserts entries with predetermined IDs without notifying listeners.
func (s *MemoryStore) Seed(entries ...Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if e.Title == "" {
			e.Title = Title(e.Data)
		}
		if _, exists := s.entries[e.ID]; !exists {
			s.order = append(s.order, e.ID)
		}
		s.entries[e.ID] = e.Clone()
	}
}

// SetReadOnly toggles read-only mode.
func (s *MemoryStore) SetReadOnly(readOnly bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readOnly = readOnly
}

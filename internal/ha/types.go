package ha

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrEntityNotFound is returned by GetState when Home Assistant has no state
// for the requested entity.
var ErrEntityNotFound = errors.New("entity not found")

// Message represents a base WebSocket message to/from Home Assistant
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Event   *Event          `json:"event,omitempty"`
}

// Error represents an error response from Home Assistant
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuthMessage represents authentication request
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

// Event represents an event message from Home Assistant
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

// StateChangedEvent represents a state_changed event. NewState is nil when
// the entity was removed.
type StateChangedEvent struct {
	EntityID string `json:"entity_id"`
	NewState *State `json:"new_state"`
	OldState *State `json:"old_state"`
}

// State represents an entity state
type State struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
}

// GetStatesRequest represents a get_states request
type GetStatesRequest struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
}

// SubscribeEventsRequest represents a subscribe_events request
type SubscribeEventsRequest struct {
	ID        int    `json:"id"`
	Type      string `json:"type"`
	EventType string `json:"event_type,omitempty"`
}

// idSetter is a request whose id is assigned when it is sent
type idSetter interface {
	setID(id int)
}

func (r *GetStatesRequest) setID(id int)       { r.ID = id }
func (r *SubscribeEventsRequest) setID(id int) { r.ID = id }

// StateChangeHandler is called when a state change event is received
type StateChangeHandler func(entityID string, oldState, newState *State)

// Subscription represents an active event subscription
type Subscription interface {
	Unsubscribe() error
}

// allEntities is the subscriber key used for wildcard subscriptions.
const allEntities = "*"

// subscriberEntry holds a handler with its unique subscription ID
type subscriberEntry struct {
	subID   int
	handler StateChangeHandler
}

// subscriberSet keeps handlers per entity ID. It is shared by Client and
// MockClient; callers provide the locking.
type subscriberSet map[string][]subscriberEntry

func (s subscriberSet) add(entityID string, subID int, handler StateChangeHandler) {
	s[entityID] = append(s[entityID], subscriberEntry{subID: subID, handler: handler})
}

func (s subscriberSet) remove(entityID string, subID int) {
	entries, ok := s[entityID]
	if !ok {
		return
	}
	for i, entry := range entries {
		if entry.subID == subID {
			s[entityID] = append(entries[:i:i], entries[i+1:]...)
			if len(s[entityID]) == 0 {
				delete(s, entityID)
			}
			return
		}
	}
}

// handlersFor returns a copy of the handlers interested in entityID,
// wildcard subscribers last.
func (s subscriberSet) handlersFor(entityID string) []StateChangeHandler {
	var handlers []StateChangeHandler
	for _, entry := range s[entityID] {
		handlers = append(handlers, entry.handler)
	}
	for _, entry := range s[allEntities] {
		handlers = append(handlers, entry.handler)
	}
	return handlers
}

type subscription struct {
	entityID string
	subID    int
	remove   func(entityID string, subID int)
}

func (s *subscription) Unsubscribe() error {
	s.remove(s.entityID, s.subID)
	return nil
}

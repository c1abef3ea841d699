package ha

import (
	"fmt"
	"sync"
	"time"
)

// MockClient implements HAClient interface for testing
type MockClient struct {
	states      map[string]*State
	statesMu    sync.RWMutex
	subscribers subscriberSet
	subsMu      sync.RWMutex
	nextSubID   int
	connected   bool
	connMu      sync.RWMutex
	onReconn    []func()

	// GetAllStatesErr, when set, is returned by GetAllStates
	GetAllStatesErr error
}

// NewMockClient creates a new mock HA client
func NewMockClient() *MockClient {
	return &MockClient{
		states:      make(map[string]*State),
		subscribers: make(subscriberSet),
	}
}

// Connect simulates connecting to Home Assistant
func (m *MockClient) Connect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if m.connected {
		return fmt.Errorf("already connected")
	}

	m.connected = true
	return nil
}

// Disconnect simulates disconnecting
func (m *MockClient) Disconnect() error {
	m.connMu.Lock()
	m.connected = false
	m.connMu.Unlock()

	m.subsMu.Lock()
	m.subscribers = make(subscriberSet)
	m.subsMu.Unlock()
	return nil
}

// IsConnected returns connection status
func (m *MockClient) IsConnected() bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.connected
}

// OnReconnect registers a hook run by SimulateReconnect
func (m *MockClient) OnReconnect(fn func()) {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	m.onReconn = append(m.onReconn, fn)
}

// SimulateReconnect runs the reconnect hooks as if the socket had dropped
// and come back.
func (m *MockClient) SimulateReconnect() {
	m.connMu.RLock()
	hooks := append([]func(){}, m.onReconn...)
	m.connMu.RUnlock()
	for _, fn := range hooks {
		fn()
	}
}

// ReplaceStates swaps the states without notifying subscribers, as if the
// changes happened while the client was disconnected.
func (m *MockClient) ReplaceStates(states map[string]string) {
	m.statesMu.Lock()
	defer m.statesMu.Unlock()
	now := time.Now()
	m.states = make(map[string]*State, len(states))
	for id, value := range states {
		m.states[id] = &State{
			EntityID:    id,
			State:       value,
			Attributes:  map[string]interface{}{},
			LastChanged: now,
			LastUpdated: now,
		}
	}
}

// GetState retrieves a mock state
func (m *MockClient) GetState(entityID string) (*State, error) {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	state, ok := m.states[entityID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", entityID, ErrEntityNotFound)
	}

	return state, nil
}

// GetAllStates retrieves all mock states
func (m *MockClient) GetAllStates() ([]*State, error) {
	if m.GetAllStatesErr != nil {
		return nil, m.GetAllStatesErr
	}

	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	states := make([]*State, 0, len(m.states))
	for _, state := range m.states {
		states = append(states, state)
	}

	return states, nil
}

// SubscribeStateChanges subscribes to state changes
func (m *MockClient) SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error) {
	return m.addSubscriber(entityID, handler), nil
}

// SubscribeAllStateChanges subscribes to state changes of every entity
func (m *MockClient) SubscribeAllStateChanges(handler StateChangeHandler) (Subscription, error) {
	return m.addSubscriber(allEntities, handler), nil
}

func (m *MockClient) addSubscriber(key string, handler StateChangeHandler) Subscription {
	m.subsMu.Lock()
	subID := m.nextSubID
	m.nextSubID++
	m.subscribers.add(key, subID, handler)
	m.subsMu.Unlock()

	return &subscription{entityID: key, subID: subID, remove: m.unsubscribe}
}

func (m *MockClient) unsubscribe(entityID string, subID int) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	m.subscribers.remove(entityID, subID)
}

// SetState sets a mock state (for testing) and notifies subscribers
func (m *MockClient) SetState(entityID string, stateValue string, attributes map[string]interface{}) {
	m.statesMu.Lock()
	now := time.Now()
	oldState := m.states[entityID]
	if attributes == nil {
		attributes = make(map[string]interface{})
	}
	newState := &State{
		EntityID:    entityID,
		State:       stateValue,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}
	m.states[entityID] = newState
	m.statesMu.Unlock()

	m.notifySubscribers(entityID, oldState, newState)
}

// SimulateStateChange simulates a state change event keeping attributes
func (m *MockClient) SimulateStateChange(entityID string, newStateValue string) {
	m.statesMu.RLock()
	var attributes map[string]interface{}
	if old := m.states[entityID]; old != nil {
		attributes = old.Attributes
	}
	m.statesMu.RUnlock()

	m.SetState(entityID, newStateValue, attributes)
}

// RemoveState deletes an entity and notifies subscribers with a nil new state
func (m *MockClient) RemoveState(entityID string) {
	m.statesMu.Lock()
	oldState, ok := m.states[entityID]
	delete(m.states, entityID)
	m.statesMu.Unlock()

	if ok {
		m.notifySubscribers(entityID, oldState, nil)
	}
}

// SubscriberCount returns the number of handlers registered for entityID
func (m *MockClient) SubscriberCount(entityID string) int {
	m.subsMu.RLock()
	defer m.subsMu.RUnlock()
	return len(m.subscribers[entityID])
}

func (m *MockClient) notifySubscribers(entityID string, oldState, newState *State) {
	m.subsMu.RLock()
	handlers := m.subscribers.handlersFor(entityID)
	m.subsMu.RUnlock()

	for _, handler := range handlers {
		handler(entityID, oldState, newState)
	}
}

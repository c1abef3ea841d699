package ha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	// ErrNotConnected is returned by requests made while the socket is down
	ErrNotConnected = errors.New("not connected to Home Assistant")
	// ErrAuthFailed is returned when Home Assistant rejects the access token
	ErrAuthFailed = errors.New("authentication failed: invalid token")
)

const (
	handshakeTimeout = 10 * time.Second
	requestTimeout   = 10 * time.Second
	minBackoff       = time.Second
	maxBackoff       = 30 * time.Second
)

// HAClient is the part of the Home Assistant WebSocket API the monitor
// consumes: the current entity states, the state_changed event stream, and
// a signal when a dropped connection has been re-established.
type HAClient interface {
	Connect() error
	Disconnect() error
	IsConnected() bool
	GetState(entityID string) (*State, error)
	GetAllStates() ([]*State, error)
	SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error)
	SubscribeAllStateChanges(handler StateChangeHandler) (Subscription, error)
	OnReconnect(fn func())
}

// session is one authenticated socket. A new one is created per (re)connect
// so a stale reader can never deliver into a newer connection.
type session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
}

func (s *session) write(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// Client talks to Home Assistant over its WebSocket API. Subscriptions
// survive reconnects; state_changed handlers run on the reader goroutine.
type Client struct {
	url    string
	token  string
	logger *zap.Logger
	dialer websocket.Dialer

	mu       sync.RWMutex
	sess     *session
	stopped  bool
	onReconn []func()
	backoff  time.Duration

	lastID    int
	pending   map[int]chan Message
	pendingMu sync.Mutex

	subsMu      sync.RWMutex
	subscribers subscriberSet
	nextSubID   int
}

// NewClient creates a client for the websocket endpoint at url
func NewClient(url, token string, logger *zap.Logger) *Client {
	return &Client{
		url:         url,
		token:       token,
		logger:      logger.Named("ha"),
		dialer:      websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		backoff:     minBackoff,
		pending:     make(map[int]chan Message),
		subscribers: make(subscriberSet),
	}
}

// Connect dials, authenticates and subscribes to state_changed events
func (c *Client) Connect() error {
	c.mu.Lock()
	c.stopped = false
	c.mu.Unlock()
	return c.connect()
}

func (c *Client) connect() error {
	c.mu.RLock()
	connected := c.sess != nil
	c.mu.RUnlock()
	if connected {
		return fmt.Errorf("already connected")
	}

	sess, err := c.dial()
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.stopped || c.sess != nil {
		c.mu.Unlock()
		sess.cancel()
		sess.conn.Close()
		return fmt.Errorf("connection attempt abandoned")
	}
	c.sess = sess
	c.mu.Unlock()
	c.logger.Info("Connected to Home Assistant", zap.String("url", c.url))

	go c.read(sess)

	if _, err := c.request(&SubscribeEventsRequest{Type: "subscribe_events", EventType: "state_changed"}); err != nil {
		c.logger.Warn("Failed to subscribe to state changes", zap.Error(err))
	}
	return nil
}

func (c *Client) dial() (*session, error) {
	conn, _, err := c.dialer.Dial(c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	if err := authenticate(conn, c.token); err != nil {
		conn.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &session{conn: conn, ctx: ctx, cancel: cancel}, nil
}

// authenticate runs the auth_required / auth / auth_ok handshake
func authenticate(conn *websocket.Conn, token string) error {
	var greeting Message
	if err := conn.ReadJSON(&greeting); err != nil {
		return fmt.Errorf("failed to read auth_required: %w", err)
	}
	if greeting.Type != "auth_required" {
		return fmt.Errorf("expected auth_required, got %s", greeting.Type)
	}

	if err := conn.WriteJSON(AuthMessage{Type: "auth", AccessToken: token}); err != nil {
		return fmt.Errorf("failed to send auth: %w", err)
	}

	var reply Message
	if err := conn.ReadJSON(&reply); err != nil {
		return fmt.Errorf("failed to read auth response: %w", err)
	}
	switch reply.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		return ErrAuthFailed
	default:
		return fmt.Errorf("expected auth_ok, got %s", reply.Type)
	}
}

// Disconnect closes the connection and stops reconnect attempts. Handlers
// registered with the client are dropped.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.stopped = true
	sess := c.sess
	c.sess = nil
	c.mu.Unlock()

	if sess == nil {
		return nil
	}
	sess.cancel()
	sess.writeMu.Lock()
	sess.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	sess.writeMu.Unlock()
	sess.conn.Close()

	c.subsMu.Lock()
	c.subscribers = make(subscriberSet)
	c.subsMu.Unlock()

	c.logger.Info("Disconnected from Home Assistant")
	return nil
}

// IsConnected reports whether an authenticated socket is open
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sess != nil
}

// OnReconnect registers fn to run after an automatic reconnect. Events sent
// while the socket was down are lost, so consumers use this to resync.
func (c *Client) OnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconn = append(c.onReconn, fn)
}

// request assigns an id to req, sends it and waits for its result
func (c *Client) request(req idSetter) (*Message, error) {
	c.mu.RLock()
	sess := c.sess
	c.mu.RUnlock()
	if sess == nil {
		return nil, ErrNotConnected
	}

	reply := make(chan Message, 1)
	c.pendingMu.Lock()
	c.lastID++
	id := c.lastID
	c.pending[id] = reply
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	req.setID(id)
	if err := sess.write(req); err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()

	select {
	case msg := <-reply:
		if msg.Success != nil && !*msg.Success {
			if msg.Error != nil {
				return nil, fmt.Errorf("HA error: %s - %s", msg.Error.Code, msg.Error.Message)
			}
			return nil, fmt.Errorf("request failed")
		}
		return &msg, nil
	case <-timer.C:
		return nil, fmt.Errorf("timeout waiting for response")
	case <-sess.ctx.Done():
		return nil, ErrNotConnected
	}
}

// read delivers results to waiting requests and events to subscribers
// until the session ends.
func (c *Client) read(sess *session) {
	for {
		var msg Message
		if err := sess.conn.ReadJSON(&msg); err != nil {
			if sess.ctx.Err() != nil {
				return
			}
			c.logger.Error("Failed to read message", zap.Error(err))
			c.connectionLost(sess)
			return
		}

		switch {
		case msg.Type == "event":
			c.dispatch(&msg)
		case msg.ID > 0:
			c.pendingMu.Lock()
			if ch, ok := c.pending[msg.ID]; ok {
				select {
				case ch <- msg:
				default:
					c.logger.Warn("Response channel full", zap.Int("msg_id", msg.ID))
				}
			}
			c.pendingMu.Unlock()
		}
	}
}

func (c *Client) dispatch(msg *Message) {
	if msg.Event == nil || msg.Event.EventType != "state_changed" {
		return
	}

	var change StateChangedEvent
	if err := json.Unmarshal(msg.Event.Data, &change); err != nil {
		c.logger.Error("Failed to unmarshal state_changed event", zap.Error(err))
		return
	}

	c.subsMu.RLock()
	handlers := c.subscribers.handlersFor(change.EntityID)
	c.subsMu.RUnlock()

	for _, handler := range handlers {
		handler(change.EntityID, change.OldState, change.NewState)
	}
}

func (c *Client) connectionLost(sess *session) {
	sess.cancel()
	sess.conn.Close()

	c.mu.Lock()
	if c.sess == sess {
		c.sess = nil
	}
	stopped := c.stopped
	c.mu.Unlock()

	c.logger.Warn("Connection to Home Assistant lost")
	if !stopped {
		go c.reconnect()
	}
}

// reconnect retries with exponential backoff until connected or stopped
func (c *Client) reconnect() {
	backoff := c.backoff
	for {
		time.Sleep(backoff)

		c.mu.RLock()
		stopped := c.stopped
		c.mu.RUnlock()
		if stopped {
			return
		}

		c.logger.Info("Attempting to reconnect", zap.Duration("backoff", backoff))
		if err := c.connect(); err != nil {
			c.logger.Error("Reconnection failed", zap.Error(err))
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		break
	}

	c.logger.Info("Reconnected to Home Assistant")
	c.mu.RLock()
	hooks := append([]func(){}, c.onReconn...)
	c.mu.RUnlock()
	for _, fn := range hooks {
		fn()
	}
}

// GetState returns the current state of one entity
func (c *Client) GetState(entityID string) (*State, error) {
	states, err := c.GetAllStates()
	if err != nil {
		return nil, err
	}
	for _, st := range states {
		if st.EntityID == entityID {
			return st, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", entityID, ErrEntityNotFound)
}

// GetAllStates returns every entity state Home Assistant knows about
func (c *Client) GetAllStates() ([]*State, error) {
	resp, err := c.request(&GetStatesRequest{Type: "get_states"})
	if err != nil {
		return nil, err
	}

	var states []*State
	if err := json.Unmarshal(resp.Result, &states); err != nil {
		return nil, fmt.Errorf("failed to unmarshal states: %w", err)
	}
	return states, nil
}

// SubscribeStateChanges registers handler for changes of one entity
func (c *Client) SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error) {
	return c.addSubscriber(entityID, handler), nil
}

// SubscribeAllStateChanges registers handler for changes of every entity
func (c *Client) SubscribeAllStateChanges(handler StateChangeHandler) (Subscription, error) {
	return c.addSubscriber(allEntities, handler), nil
}

func (c *Client) addSubscriber(key string, handler StateChangeHandler) Subscription {
	c.subsMu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subscribers.add(key, id, handler)
	c.subsMu.Unlock()

	return &subscription{entityID: key, subID: id, remove: c.unsubscribe}
}

func (c *Client) unsubscribe(entityID string, subID int) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	c.subscribers.remove(entityID, subID)
}

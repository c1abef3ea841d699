package mqtt

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"energymonitor/internal/monitor"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultDiscoveryPrefix is Home Assistant's default discovery root
const DefaultDiscoveryPrefix = "homeassistant"

// Conn is the part of a paho client the publisher needs
type Conn interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

type device struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
}

type availability struct {
	Topic string `json:"topic"`
}

// discoveryConfig is the retained sensor config payload. object_id pins the
// entity id Home Assistant assigns.
type discoveryConfig struct {
	Name                string         `json:"name"`
	ObjectID            string         `json:"object_id"`
	UniqueID            string         `json:"unique_id"`
	StateTopic          string         `json:"state_topic"`
	AttributesTopic     string         `json:"json_attributes_topic"`
	Availability        []availability `json:"availability"`
	AvailabilityMode    string         `json:"availability_mode"`
	PayloadAvailable    string         `json:"payload_available"`
	PayloadNotAvailable string         `json:"payload_not_available"`
	UnitOfMeasurement   string         `json:"unit_of_measurement,omitempty"`
	DeviceClass         string         `json:"device_class,omitempty"`
	StateClass          string         `json:"state_class"`
	Icon                string         `json:"icon,omitempty"`
	Device              device         `json:"device"`
}

// Publisher mirrors derived sensors onto MQTT discovery topics. It
// implements monitor.Publisher.
type Publisher struct {
	conn     Conn
	prefix   string
	readOnly bool
	timeout  time.Duration
	logger   *zap.Logger

	mu        sync.Mutex
	announced map[string][]byte
}

var _ monitor.Publisher = (*Publisher)(nil)

// NewPublisher creates a publisher. In read-only mode nothing is sent.
func NewPublisher(conn Conn, discoveryPrefix string, readOnly bool, logger *zap.Logger) *Publisher {
	if discoveryPrefix == "" {
		discoveryPrefix = DefaultDiscoveryPrefix
	}
	return &Publisher{
		conn:      conn,
		prefix:    discoveryPrefix,
		readOnly:  readOnly,
		timeout:   5 * time.Second,
		logger:    logger.Named("mqtt"),
		announced: make(map[string][]byte),
	}
}

// ConfigTopic returns the discovery topic of a sensor
func (p *Publisher) ConfigTopic(objectID string) string {
	return fmt.Sprintf("%s/sensor/%s/config", p.prefix, objectID)
}

func stateTopic(objectID string) string {
	return fmt.Sprintf("%s/%s/state", BaseTopic, objectID)
}

func attributesTopic(objectID string) string {
	return fmt.Sprintf("%s/%s/attributes", BaseTopic, objectID)
}

func availabilityTopic(objectID string) string {
	return fmt.Sprintf("%s/%s/availability", BaseTopic, objectID)
}

// Publish announces the sensor if its discovery config changed, then sends
// state, attributes and availability.
func (p *Publisher) Publish(s monitor.DerivedState) error {
	if p.readOnly {
		p.logger.Debug("Skipping MQTT publish in read-only mode",
			zap.String("entity_id", s.EntityID),
			zap.String("state", s.State()))
		return nil
	}

	cfg, err := json.Marshal(p.discovery(s))
	if err != nil {
		return fmt.Errorf("failed to encode discovery config: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if string(p.announced[s.EntityID]) != string(cfg) {
		if err := p.send(p.ConfigTopic(s.ObjectID), cfg); err != nil {
			return err
		}
		p.announced[s.EntityID] = cfg
		p.logger.Info("Announced derived sensor",
			zap.String("entity_id", s.EntityID),
			zap.String("topic", p.ConfigTopic(s.ObjectID)))
	}

	attrs, err := json.Marshal(s.Attributes)
	if err != nil {
		return fmt.Errorf("failed to encode attributes: %w", err)
	}

	avail := PayloadOnline
	if !s.Result.Available {
		avail = PayloadOffline
	}

	var errs error
	errs = multierr.Append(errs, p.send(attributesTopic(s.ObjectID), attrs))
	errs = multierr.Append(errs, p.send(availabilityTopic(s.ObjectID), []byte(avail)))
	if s.Result.Available {
		errs = multierr.Append(errs, p.send(stateTopic(s.ObjectID), []byte(s.State())))
	}
	return errs
}

// Retract removes the sensor from Home Assistant with an empty retained
// config. Its state topics are cleared too.
func (p *Publisher) Retract(s monitor.DerivedState) error {
	if p.readOnly {
		p.logger.Debug("Skipping MQTT retract in read-only mode",
			zap.String("entity_id", s.EntityID))
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var errs error
	errs = multierr.Append(errs, p.send(p.ConfigTopic(s.ObjectID), []byte{}))
	for _, topic := range []string{stateTopic(s.ObjectID), attributesTopic(s.ObjectID), availabilityTopic(s.ObjectID)} {
		errs = multierr.Append(errs, p.send(topic, []byte{}))
	}
	delete(p.announced, s.EntityID)

	if errs == nil {
		p.logger.Info("Retracted derived sensor", zap.String("entity_id", s.EntityID))
	}
	return errs
}

// Announced reports whether a discovery config was sent for entityID
func (p *Publisher) Announced(entityID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.announced[entityID]
	return ok
}

func (p *Publisher) discovery(s monitor.DerivedState) discoveryConfig {
	uniqueID := s.UniqueID
	if uniqueID == "" {
		uniqueID = s.ObjectID
	}
	return discoveryConfig{
		Name:     s.Name,
		ObjectID: s.ObjectID,
		UniqueID: uniqueID,

		StateTopic:      stateTopic(s.ObjectID),
		AttributesTopic: attributesTopic(s.ObjectID),
		Availability: []availability{
			{Topic: StatusTopic},
			{Topic: availabilityTopic(s.ObjectID)},
		},
		AvailabilityMode:    "all",
		PayloadAvailable:    PayloadOnline,
		PayloadNotAvailable: PayloadOffline,

		UnitOfMeasurement: s.Unit,
		DeviceClass:       s.DeviceClass,
		StateClass:        monitor.StateClass,
		Icon:              s.Icon,
		Device: device{
			Identifiers:  []string{s.EntryID},
			Name:         s.Room,
			Manufacturer: monitor.DeviceManufacturer,
			Model:        monitor.DeviceModel,
		},
	}
}

func (p *Publisher) send(topic string, payload []byte) error {
	token := p.conn.Publish(topic, 1, true, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("timed out publishing to %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

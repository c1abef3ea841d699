// Package mqtt announces derived sensors to Home Assistant through MQTT
// discovery and keeps their state topics current.
package mqtt

import (
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Topic root for everything this service publishes besides discovery
const BaseTopic = "energy_power_monitor"

// StatusTopic carries the service-wide availability. The broker publishes
// the offline will when the connection drops.
const StatusTopic = BaseTopic + "/status"

const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// ClientConfig holds the broker connection settings
type ClientConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

// Connect opens a paho client with auto-reconnect. The service status is
// announced online on every (re)connect.
func Connect(cfg ClientConfig, logger *zap.Logger) (paho.Client, error) {
	logger = logger.Named("mqtt")

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetWill(StatusTopic, PayloadOffline, 1, true)

	opts.SetOnConnectHandler(func(c paho.Client) {
		logger.Info("Connected to MQTT broker", zap.String("broker", cfg.Broker))
		token := c.Publish(StatusTopic, 1, true, PayloadOnline)
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			logger.Warn("Failed to publish service status", zap.Error(token.Error()))
		}
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Warn("Lost connection to MQTT broker", zap.Error(err))
	})

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return client, nil
}

// Disconnect announces the service offline and closes the client
func Disconnect(client paho.Client) {
	if client.IsConnected() {
		client.Publish(StatusTopic, 1, true, PayloadOffline).WaitTimeout(time.Second)
	}
	client.Disconnect(250)
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ErrMissingSetting is returned when a required setting is empty
var ErrMissingSetting = errors.New("missing required setting")

// Settings holds everything the service needs at startup
type Settings struct {
	HomeAssistant HomeAssistantSettings `mapstructure:"home_assistant"`
	ReadOnly      bool                  `mapstructure:"read_only"`
	EntriesFile   string                `mapstructure:"entries_file"`
	Monitor       MonitorSettings       `mapstructure:"monitor"`
	MQTT          MQTTSettings          `mapstructure:"mqtt"`
	API           APISettings           `mapstructure:"api"`
	Logging       LoggingSettings       `mapstructure:"logging"`
}

type HomeAssistantSettings struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

type MonitorSettings struct {
	UpdateInterval time.Duration `mapstructure:"update_interval"`
	NoneLabel      string        `mapstructure:"none_label"`
}

// MQTTSettings configures discovery publishing. An empty broker disables it.
type MQTTSettings struct {
	Broker          string `mapstructure:"broker"`
	ClientID        string `mapstructure:"client_id"`
	Username        string `mapstructure:"username"`
	Password        string `mapstructure:"password"`
	DiscoveryPrefix string `mapstructure:"discovery_prefix"`
}

// APISettings configures the diagnostics server. Port 0 disables it.
type APISettings struct {
	Port int `mapstructure:"port"`
}

type LoggingSettings struct {
	Level string `mapstructure:"level"`
}

var envBindings = map[string]string{
	"home_assistant.url":      "HA_URL",
	"home_assistant.token":    "HA_TOKEN",
	"read_only":               "READ_ONLY",
	"entries_file":            "ENTRIES_FILE",
	"monitor.update_interval": "UPDATE_INTERVAL",
	"monitor.none_label":      "NONE_LABEL",
	"mqtt.broker":             "MQTT_BROKER",
	"mqtt.client_id":          "MQTT_CLIENT_ID",
	"mqtt.username":           "MQTT_USERNAME",
	"mqtt.password":           "MQTT_PASSWORD",
	"mqtt.discovery_prefix":   "MQTT_DISCOVERY_PREFIX",
	"api.port":                "API_PORT",
	"logging.level":           "LOG_LEVEL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("read_only", false)
	v.SetDefault("entries_file", "./data/entries.yaml")
	v.SetDefault("monitor.update_interval", "60s")
	v.SetDefault("monitor.none_label", "None")
	v.SetDefault("mqtt.client_id", "energy-power-monitor")
	v.SetDefault("mqtt.discovery_prefix", "homeassistant")
	v.SetDefault("api.port", 0)
	v.SetDefault("logging.level", "info")
}

// Load reads settings from defaults, an optional YAML settings file and the
// environment, in increasing precedence. A .env file in envDir is loaded
// into the environment first if present.
func Load(settingsFile, envDir string, logger *zap.Logger) (*Settings, error) {
	envFile := ".env"
	if envDir != "" {
		envFile = strings.TrimSuffix(envDir, "/") + "/.env"
	}
	if err := godotenv.Load(envFile); err != nil {
		logger.Debug("No .env file found, using environment variables", zap.String("path", envFile))
	}

	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if settingsFile != "" {
		v.SetConfigFile(settingsFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read settings file: %w", err)
			}
			logger.Info("Settings file not found, using defaults and environment",
				zap.String("path", settingsFile))
		} else {
			logger.Info("Loaded settings file", zap.String("path", v.ConfigFileUsed()))
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks required settings
func (s *Settings) Validate() error {
	if s.HomeAssistant.URL == "" || s.HomeAssistant.Token == "" {
		return fmt.Errorf("%w: HA_URL and HA_TOKEN must be set", ErrMissingSetting)
	}
	if s.EntriesFile == "" {
		return fmt.Errorf("%w: ENTRIES_FILE", ErrMissingSetting)
	}
	if s.Monitor.UpdateInterval < time.Second {
		return fmt.Errorf("update interval %s is below one second", s.Monitor.UpdateInterval)
	}
	if s.API.Port < 0 || s.API.Port > 65535 {
		return fmt.Errorf("invalid API port %d", s.API.Port)
	}
	if _, err := zapcore.ParseLevel(s.Logging.Level); err != nil {
		return fmt.Errorf("invalid log level %q: %w", s.Logging.Level, err)
	}
	return nil
}

// NewLogger builds the production logger at the configured level
func (s *Settings) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(s.Logging.Level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}

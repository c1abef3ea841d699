package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"energymonitor/internal/api"
	"energymonitor/internal/config"
	"energymonitor/internal/entry"
	"energymonitor/internal/ha"
	"energymonitor/internal/metrics"
	"energymonitor/internal/monitor"
	"energymonitor/internal/mqtt"
	"energymonitor/internal/state"

	"go.uber.org/zap"
)

func main() {
	settingsFile := flag.String("settings", os.Getenv("SETTINGS_FILE"), "optional YAML settings file")
	envDir := flag.String("env-dir", "", "directory holding the .env file")
	flag.Parse()

	bootLogger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	settings, err := config.Load(*settingsFile, *envDir, bootLogger)
	if err != nil {
		bootLogger.Fatal("Invalid settings", zap.Error(err))
	}

	logger, err := settings.NewLogger()
	if err != nil {
		bootLogger.Fatal("Failed to create logger", zap.Error(err))
	}
	defer logger.Sync()

	logger.Info("Starting Energy and Power Monitor",
		zap.String("url", settings.HomeAssistant.URL),
		zap.Bool("read_only", settings.ReadOnly),
		zap.String("entries_file", settings.EntriesFile),
		zap.Duration("update_interval", settings.Monitor.UpdateInterval))

	if err := run(settings, logger); err != nil {
		logger.Fatal("Energy and Power Monitor failed", zap.Error(err))
	}
}

func run(settings *config.Settings, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to Home Assistant
	client := ha.NewClient(settings.HomeAssistant.URL, settings.HomeAssistant.Token, logger)
	if err := client.Connect(); err != nil {
		return fmt.Errorf("failed to connect to Home Assistant: %w", err)
	}
	defer client.Disconnect()
	logger.Info("Connected to Home Assistant")

	states := state.NewStore(client, logger)
	if err := states.SyncFromHA(); err != nil {
		return fmt.Errorf("failed to sync state from HA: %w", err)
	}
	defer states.Close()

	entries, err := entry.NewFileStore(settings.EntriesFile, settings.ReadOnly, logger)
	if err != nil {
		return fmt.Errorf("failed to open entry store: %w", err)
	}
	if err := entries.Watch(ctx); err != nil {
		logger.Warn("Entries file will not be reloaded on external edits", zap.Error(err))
	}

	recorder := metrics.NewRecorder()
	publishers := []monitor.Publisher{recorder}

	if settings.MQTT.Broker != "" {
		mqttClient, err := mqtt.Connect(mqtt.ClientConfig{
			Broker:   settings.MQTT.Broker,
			ClientID: settings.MQTT.ClientID,
			Username: settings.MQTT.Username,
			Password: settings.MQTT.Password,
		}, logger)
		if err != nil {
			return err
		}
		defer mqtt.Disconnect(mqttClient)
		publishers = append(publishers, mqtt.NewPublisher(mqttClient, settings.MQTT.DiscoveryPrefix, settings.ReadOnly, logger))
	} else {
		logger.Info("MQTT broker not configured, derived sensors are not announced")
	}

	if settings.ReadOnly {
		logger.Info("Running in READ-ONLY mode - room configs and discovery topics will not be written")
	}

	platform := monitor.NewPlatform(entries, states, monitor.Options{
		UpdateInterval: settings.Monitor.UpdateInterval,
		NoneLabel:      settings.Monitor.NoneLabel,
		Publishers:     publishers,
		Observers:      []monitor.Observer{recorder},
	}, logger)
	if err := platform.Start(); err != nil {
		return fmt.Errorf("failed to start monitor: %w", err)
	}

	var server *api.Server
	if settings.API.Port > 0 {
		health := func() (bool, bool) { return client.IsConnected(), states.Synced() }
		server = api.NewServer(platform, platform.Resolver(), health, recorder.Handler(), logger, settings.API.Port)
		if err := server.Start(); err != nil {
			logger.Error("Failed to start API server", zap.Error(err))
			server = nil
		}
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Application running. Press Ctrl+C to exit.")
	<-sigChan

	logger.Info("Shutting down gracefully...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if server != nil {
		if err := server.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping API server", zap.Error(err))
		}
	}
	if err := platform.Stop(shutdownCtx); err != nil {
		logger.Error("Errors while stopping monitor", zap.Error(err))
	}

	logger.Info("Shutdown complete")
	return nil
}

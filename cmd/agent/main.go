package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"edge-agent/internal/aggregator"
	"edge-agent/internal/buffer"
	"edge-agent/internal/database"
	"edge-agent/internal/metrics"
	"edge-agent/internal/monitor"
	"edge-agent/internal/mqtt"
	"edge-agent/internal/radio"
	"edge-agent/internal/services"
	"edge-agent/pkg/config"
)

func main() {
	logger := logrus.New()
	logger.Info("Starting edge telemetry agent...")

	// Load configuration
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logger.Fatalf("Invalid configuration: %v", err)
	}
	configureLogger(logger, cfg)

	// Create context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// === Metrics ===
	metrics.Init(logger)
	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, logger); err != nil {
				logger.WithError(err).Error("Metrics server stopped")
			}
		}()
	}

	// === Durable buffer ===
	buf, err := buffer.Open(cfg.BufferPath, logger)
	if err != nil {
		logger.Fatalf("Failed to open buffer: %v", err)
	}
	if pending, err := buf.Count(); err == nil && pending > 0 {
		logger.WithField("records", pending).Info("Buffered records pending from previous run")
		metrics.SetBufferRecords(pending)
	}

	if err := os.MkdirAll(cfg.CaptureDir, 0755); err != nil {
		logger.Fatalf("Failed to create capture directory: %v", err)
	}

	// === Directory monitor ===
	mon := monitor.New(
		monitor.Config{Dir: cfg.CaptureDir, SizeThreshold: cfg.SizeThreshold},
		aggregator.NewWAVDecoder(),
		aggregator.Extract,
		logger,
	)

	// === MQTT relay ===
	relay, err := mqtt.NewRelay(mqtt.ClientConfig{
		ClientID:       cfg.MQTTClientID,
		Username:       cfg.MQTTUsername,
		Password:       cfg.MQTTPassword,
		SecurePort:     cfg.MQTTSecurePort,
		ForceTLS:       cfg.MQTTForceTLS,
		CACertPath:     cfg.MQTTCACert,
		ClientCertPath: cfg.MQTTClientCert,
		ClientKeyPath:  cfg.MQTTClientKey,
		QoS:            byte(cfg.MQTTQoS),
		AckTimeout:     cfg.MQTTAckTimeout,
		PublishTimeout: cfg.MQTTPublishTimeout,
	}, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize MQTT relay: %v", err)
	}

	// === Telemetry service ===
	service := services.NewTelemetryService(services.TelemetryServiceConfig{
		DeviceID: cfg.DeviceID,
		Target: mqtt.Target{
			Host:  cfg.MQTTHost,
			Port:  cfg.MQTTPort,
			Topic: cfg.MQTTTopic,
		},
		TickInterval:    cfg.TickInterval,
		CompressPayload: cfg.CompressPayload,
	}, mon, buf, relay, logger)

	if cfg.RadioInterface != "" {
		service.SetRadio(radio.NewController(cfg.RadioInterface, cfg.RadioUseSudo, logger))
	}

	// === Optional ClickHouse archive ===
	if cfg.ClickHouseAddr != "" {
		archive, err := database.NewClickHouseArchive(ctx, database.ArchiveConfig{
			Addr:     cfg.ClickHouseAddr,
			Database: cfg.ClickHouseDB,
			Username: cfg.ClickHouseUser,
			Password: cfg.ClickHousePass,
		}, logger)
		if err != nil {
			// The archive is a mirror; relaying works without it
			logger.WithError(err).Warn("ClickHouse archive unavailable, continuing without it")
		} else {
			defer archive.Close()
			service.SetArchive(archive)
		}
	}

	// === Log startup info ===
	logger.WithFields(logrus.Fields{
		"device_id":   cfg.DeviceID,
		"capture_dir": cfg.CaptureDir,
		"buffer":      cfg.BufferPath,
		"threshold":   cfg.SizeThreshold,
		"interval":    cfg.TickInterval,
	}).Info("=== Edge telemetry agent is running ===")
	logger.Info("Press Ctrl+C to exit...")

	// Blocks until a signal cancels ctx
	service.Start(ctx)

	logger.Info("Shutdown complete. Goodbye!")
}

// configureLogger applies LOG_LEVEL and LOG_FORMAT
func configureLogger(logger *logrus.Logger, cfg *config.Config) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.WithError(err).Warn("Unknown log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"edge-agent/internal/metrics"
	"edge-agent/internal/models"
	"edge-agent/internal/monitor"
	"edge-agent/internal/mqtt"
)

// DirectoryMonitor decides when captures must be turned into features
type DirectoryMonitor interface {
	Check() (monitor.Decision, error)
	RunExtraction(ctx context.Context, files []models.AudioCapture, buf monitor.Appender) monitor.ExtractionReport
}

// RecordBuffer is the durable feature log between extraction and relay
type RecordBuffer interface {
	Append(v models.FeatureVector) error
	Drain() ([]models.BufferRecord, error)
	Clear() error
	PendingBatchID() (string, error)
}

// Relay delivers one payload to the broker
type Relay interface {
	Attempt(ctx context.Context, target mqtt.Target, payload []byte) models.RelayAttempt
}

// Archive mirrors delivered batches
type Archive interface {
	SaveBatch(ctx context.Context, batch *models.Batch) error
}

// Radio powers the uplink around a relay attempt
type Radio interface {
	Up(ctx context.Context) error
	Down(ctx context.Context) error
}

// TelemetryServiceConfig holds configuration for the telemetry service
type TelemetryServiceConfig struct {
	DeviceID        string
	Target          mqtt.Target // Topic may contain {device_id}
	TickInterval    time.Duration
	CompressPayload bool
}

// DefaultTelemetryServiceConfig returns default configuration
func DefaultTelemetryServiceConfig() TelemetryServiceConfig {
	return TelemetryServiceConfig{
		Target: mqtt.Target{
			Host:  "localhost",
			Port:  1883,
			Topic: "telemetry/{device_id}/features",
		},
		TickInterval: 60 * time.Second,
	}
}

// TickReport summarizes one scheduler tick
type TickReport struct {
	Decision   monitor.Decision
	Extraction monitor.ExtractionReport
	Records    int
	Attempt    *models.RelayAttempt // nil when the buffer was empty
	Cleared    bool
}

// TelemetryService runs the check, extract, drain and relay cycle
type TelemetryService struct {
	config  TelemetryServiceConfig
	monitor DirectoryMonitor
	buffer  RecordBuffer
	relay   Relay
	archive Archive
	radio   Radio
	logger  *logrus.Logger

	clock models.AgentClock
	now   func() time.Time
}

// NewTelemetryService creates the scheduler. Archive and radio are optional.
func NewTelemetryService(
	config TelemetryServiceConfig,
	mon DirectoryMonitor,
	buf RecordBuffer,
	relay Relay,
	logger *logrus.Logger,
) *TelemetryService {
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultTelemetryServiceConfig().TickInterval
	}
	config.Target.Topic = mqtt.FormatTopic(config.Target.Topic, config.DeviceID)

	return &TelemetryService{
		config:  config,
		monitor: mon,
		buffer:  buf,
		relay:   relay,
		logger:  logger,
		now:     time.Now,
	}
}

// SetArchive mirrors delivered batches into archive
func (s *TelemetryService) SetArchive(archive Archive) {
	s.archive = archive
}

// SetRadio switches radio on and off around each relay attempt
func (s *TelemetryService) SetRadio(radio Radio) {
	s.radio = radio
}

// Clock returns the scheduler state
func (s *TelemetryService) Clock() models.AgentClock {
	return s.clock
}

// Start ticks immediately, then every TickInterval until ctx is cancelled
func (s *TelemetryService) Start(ctx context.Context) {
	s.logger.WithFields(logrus.Fields{
		"interval": s.config.TickInterval,
		"broker":   fmt.Sprintf("%s:%d", s.config.Target.Host, s.config.Target.Port),
		"topic":    s.config.Target.Topic,
	}).Info("TelemetryService: Starting...")

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	// Initial tick
	s.runTick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("TelemetryService: Shutdown complete")
			return
		case <-ticker.C:
			s.runTick(ctx)
		}
	}
}

func (s *TelemetryService) runTick(ctx context.Context) {
	if _, err := s.Tick(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.logger.WithError(err).Error("TelemetryService: Tick failed, retrying next interval")
	}
}

// Tick performs one cycle. Errors abort the current tick only; buffered
// records are never cleared unless the relay reports delivery.
func (s *TelemetryService) Tick(ctx context.Context) (report TickReport, err error) {
	metrics.ObserveTick()
	defer func() {
		s.clock.LastCheck = s.now()
	}()

	s.logger.Info("TelemetryService: Checking directory size")
	report.Decision, err = s.monitor.Check()
	if err != nil {
		return report, fmt.Errorf("check capture dir: %w", err)
	}

	var extractErr error
	if report.Decision.Action == monitor.ActionExtract {
		report.Extraction = s.monitor.RunExtraction(ctx, report.Decision.Files, s.buffer)
		s.logger.WithFields(logrus.Fields{
			"processed": len(report.Extraction.Processed),
			"failed":    len(report.Extraction.Failed),
		}).Info("TelemetryService: Extraction pass finished")

		if aborted := report.Extraction.Aborted; aborted != nil {
			if ctx.Err() != nil {
				return report, fmt.Errorf("extraction aborted: %w", aborted)
			}
			// Records buffered before the failed append can still go out
			extractErr = fmt.Errorf("extraction aborted: %w", aborted)
		}
	}

	return report, errors.Join(extractErr, s.relayBuffered(ctx, &report))
}

// relayBuffered sends everything in the buffer as one batch and clears the
// buffer on delivery
func (s *TelemetryService) relayBuffered(ctx context.Context, report *TickReport) error {
	records, err := s.buffer.Drain()
	if err != nil {
		metrics.ObserveStorageError()
		return fmt.Errorf("drain buffer: %w", err)
	}
	report.Records = len(records)
	metrics.SetBufferRecords(len(records))

	if len(records) == 0 {
		s.logger.Debug("TelemetryService: Buffer empty, nothing to relay")
		return nil
	}

	batchID, err := s.buffer.PendingBatchID()
	if err != nil {
		metrics.ObserveStorageError()
		return fmt.Errorf("pending batch id: %w", err)
	}

	batch := s.newBatch(batchID, records)
	payload, err := mqtt.EncodeBatch(batch, s.config.CompressPayload)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	attempt := s.relayWithRadio(ctx, payload)
	report.Attempt = &attempt
	metrics.ObserveRelay(mqtt.Outcome(attempt), attempt.Elapsed, len(records))

	if !attempt.Delivered {
		s.logger.WithFields(logrus.Fields{
			"batch_id": batch.BatchID,
			"records":  len(records),
		}).Warn("TelemetryService: Batch not delivered, keeping buffer")
		return nil
	}

	if err := s.buffer.Clear(); err != nil {
		// The records stay and go out again next tick
		metrics.ObserveStorageError()
		return fmt.Errorf("clear buffer: %w", err)
	}
	report.Cleared = true
	metrics.SetBufferRecords(0)

	s.logger.WithFields(logrus.Fields{
		"batch_id": batch.BatchID,
		"records":  len(records),
	}).Info("TelemetryService: Batch delivered, buffer cleared")

	if s.archive != nil {
		if err := s.archive.SaveBatch(ctx, batch); err != nil {
			s.logger.WithError(err).Warn("TelemetryService: Archive write failed")
		}
	}

	return nil
}

// newBatch keeps record order; a record's index is its sequence number within
// the batch, so (batch_id, index) identifies it across resends
func (s *TelemetryService) newBatch(batchID string, records []models.BufferRecord) *models.Batch {
	vectors := make([]models.FeatureVector, len(records))
	for i, record := range records {
		vectors[i] = record.FeatureVector
	}
	return &models.Batch{
		DeviceID:  s.config.DeviceID,
		BatchID:   batchID,
		CreatedAt: s.now().UTC(),
		Records:   vectors,
	}
}

// relayWithRadio brings the radio up for the duration of one attempt.
// Radio failures are logged; the attempt proceeds over whatever link exists.
func (s *TelemetryService) relayWithRadio(ctx context.Context, payload []byte) models.RelayAttempt {
	if s.radio != nil {
		if err := s.radio.Up(ctx); err != nil {
			s.logger.WithError(err).Warn("TelemetryService: Radio up failed")
		}
		defer func() {
			// Switch off even when the tick was cancelled
			if err := s.radio.Down(context.WithoutCancel(ctx)); err != nil {
				s.logger.WithError(err).Warn("TelemetryService: Radio down failed")
			}
		}()
	}

	return s.relay.Attempt(ctx, s.config.Target, payload)
}

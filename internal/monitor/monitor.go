package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"edge-agent/internal/aggregator"
	"edge-agent/internal/metrics"
	"edge-agent/internal/models"
)

// DefaultSizeThreshold is the aggregate directory size above which extraction runs
const DefaultSizeThreshold int64 = 100_000_000

// Action is the outcome of a directory check
type Action int

const (
	ActionIdle Action = iota
	ActionExtract
)

func (a Action) String() string {
	if a == ActionExtract {
		return "extract"
	}
	return "idle"
}

// Decision is returned by Check
type Decision struct {
	Action    Action
	TotalSize int64
	Files     []models.AudioCapture // set only for ActionExtract
}

// Decoder turns a file on disk into a mono sample sequence
type Decoder interface {
	Decode(path string) (sampleRate int, samples []float64, err error)
}

// ExtractFunc derives features from decoded samples
type ExtractFunc func(samples []float64, sampleRate int) (models.FeatureVector, error)

// Appender is the subset of the durable buffer used during extraction
type Appender interface {
	Append(v models.FeatureVector) error
}

// Failure stages reported in ExtractionReport
const (
	StageDecode  = "decode"
	StageExtract = "extract"
	StageAppend  = "append"
	StageDelete  = "delete"
)

// FileFailure records why one file was not fully processed
type FileFailure struct {
	Path  string
	Stage string
	Err   error
}

// ExtractionReport summarizes one RunExtraction pass
type ExtractionReport struct {
	Processed []string      // files whose features were appended
	Failed    []FileFailure // files left in place, or appended but not deleted
	Aborted   error         // storage failure or cancellation that stopped the batch
}

// Monitor watches a capture directory and drives batch extraction
type Monitor struct {
	dir       string
	threshold int64
	decoder   Decoder
	extract   ExtractFunc
	logger    *logrus.Logger
}

// Config holds configuration for the monitor
type Config struct {
	Dir           string
	SizeThreshold int64 // bytes; DefaultSizeThreshold when zero
}

// New creates a monitor. A nil extract uses aggregator.Extract.
func New(config Config, decoder Decoder, extract ExtractFunc, logger *logrus.Logger) *Monitor {
	if config.SizeThreshold <= 0 {
		config.SizeThreshold = DefaultSizeThreshold
	}
	if extract == nil {
		extract = aggregator.Extract
	}
	return &Monitor{
		dir:       config.Dir,
		threshold: config.SizeThreshold,
		decoder:   decoder,
		extract:   extract,
		logger:    logger,
	}
}

// Check sums the size of every directory entry and asks for extraction of all
// regular files when the total exceeds the threshold. It has no side effects.
func (m *Monitor) Check() (Decision, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return Decision{}, fmt.Errorf("read capture dir %s: %w", m.dir, err)
	}

	var total int64
	files := make([]models.AudioCapture, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			// Removed between ReadDir and Info
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return Decision{}, fmt.Errorf("stat %s: %w", entry.Name(), err)
		}

		total += info.Size()
		if info.Mode().IsRegular() {
			files = append(files, models.AudioCapture{
				Path:    filepath.Join(m.dir, entry.Name()),
				Size:    info.Size(),
				ModTime: info.ModTime(),
			})
		}
	}

	metrics.SetCaptureDirBytes(total)
	m.logger.WithFields(logrus.Fields{
		"dir":       m.dir,
		"size":      total,
		"threshold": m.threshold,
	}).Info("Monitor: Current folder size")

	if total <= m.threshold {
		return Decision{Action: ActionIdle, TotalSize: total}, nil
	}

	// Oldest captures first so the buffer stays chronological
	sort.Slice(files, func(i, j int) bool {
		if files[i].ModTime.Equal(files[j].ModTime) {
			return files[i].Path < files[j].Path
		}
		return files[i].ModTime.Before(files[j].ModTime)
	})

	m.logger.WithField("files", len(files)).Info("Monitor: Size limit detected, extracting data features")
	return Decision{Action: ActionExtract, TotalSize: total, Files: files}, nil
}

// RunExtraction decodes, extracts and appends each file, deleting it only after
// its record is durably buffered. A file that fails to decode or extract stays
// on disk. An append failure stops the batch since the buffer is unusable.
func (m *Monitor) RunExtraction(ctx context.Context, files []models.AudioCapture, buf Appender) ExtractionReport {
	var report ExtractionReport

	for _, file := range files {
		if err := ctx.Err(); err != nil {
			report.Aborted = err
			return report
		}

		logger := m.logger.WithField("file", file.Path)
		start := time.Now()

		sampleRate, samples, err := m.decoder.Decode(file.Path)
		if err != nil {
			logger.WithError(err).Warn("Monitor: Decode failed, leaving file in place")
			report.Failed = append(report.Failed, FileFailure{Path: file.Path, Stage: StageDecode, Err: err})
			metrics.ObserveExtractionFailure(StageDecode)
			continue
		}

		vector, err := m.extract(samples, sampleRate)
		if err != nil {
			logger.WithError(err).Warn("Monitor: Feature extraction failed, leaving file in place")
			report.Failed = append(report.Failed, FileFailure{Path: file.Path, Stage: StageExtract, Err: err})
			metrics.ObserveExtractionFailure(StageExtract)
			continue
		}

		if err := buf.Append(vector); err != nil {
			logger.WithError(err).Error("Monitor: Buffer append failed, stopping extraction")
			report.Failed = append(report.Failed, FileFailure{Path: file.Path, Stage: StageAppend, Err: err})
			report.Aborted = err
			metrics.ObserveExtractionFailure(StageAppend)
			metrics.ObserveStorageError()
			return report
		}
		metrics.ObserveAppend()
		metrics.ObserveExtraction(time.Since(start))
		report.Processed = append(report.Processed, file.Path)

		logger.WithFields(logrus.Fields{
			"zcr":      vector.ZeroCrossingRate,
			"centroid": vector.SpectralCentroid,
			"entropy":  vector.SpectralEntropy,
			"rolloff":  vector.RolloffFactor,
		}).Info("Monitor: Feature extraction complete")

		// The record is already buffered; a leftover file gets re-extracted next
		// time, which duplicates rather than loses data
		if err := os.Remove(file.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.WithError(err).Warn("Monitor: Could not remove processed file")
			report.Failed = append(report.Failed, FileFailure{Path: file.Path, Stage: StageDelete, Err: err})
			metrics.ObserveExtractionFailure(StageDelete)
			continue
		}
		logger.Debug("Monitor: File removed")
	}

	return report
}

// Package buffer implements the durable store-and-forward log of feature vectors.
//
// The on-disk format is one line per record:
//
//	zcr,centroid,entropy,rolloff\n
//
// Each append is a single write followed by fsync. A crash can only tear the
// newest line; a line without its terminating newline is treated as torn, skipped
// on read and cut off before the next append.
//
// The id of the batch the records will be relayed as lives beside the buffer in
// <path>.batch and is removed by Clear.
package buffer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"edge-agent/internal/models"
)

// ErrStorage wraps every failure to read or write the buffer file
var ErrStorage = errors.New("buffer storage error")

const fieldsPerRecord = 4

// FileBuffer is an append-only record log on stable storage.
// All operations are serialized.
type FileBuffer struct {
	path   string
	logger *logrus.Logger
	mu     sync.Mutex
}

// Open opens or creates the buffer at path and repairs a torn trailing line
func Open(path string, logger *logrus.Logger) (*FileBuffer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("%w: create buffer dir: %v", ErrStorage, err)
	}

	b := &FileBuffer{path: path, logger: logger}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStorage, path, err)
	}
	defer f.Close()

	if err := b.repairTail(f); err != nil {
		return nil, err
	}

	return b, nil
}

// Path returns the buffer file location
func (b *FileBuffer) Path() string {
	return b.path
}

// Append adds one record durably
func (b *FileBuffer) Append(v models.FeatureVector) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	f, err := os.OpenFile(b.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrStorage, b.path, err)
	}
	defer f.Close()

	if err := b.repairTail(f); err != nil {
		return err
	}

	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("%w: seek: %v", ErrStorage, err)
	}

	if _, err := f.WriteAt(formatRecord(v), end); err != nil {
		return fmt.Errorf("%w: write record: %v", ErrStorage, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", ErrStorage, err)
	}

	return nil
}

// Drain returns every intact record in append order without removing them
func (b *FileBuffer) Drain() ([]models.BufferRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrStorage, b.path, err)
	}

	records, skipped := parseRecords(data)
	if skipped > 0 {
		b.logger.WithFields(logrus.Fields{
			"path":    b.path,
			"skipped": skipped,
		}).Warn("Buffer: Skipped torn or malformed lines")
	}

	return records, nil
}

// PendingBatchID returns the id under which the current records are relayed.
// It is created on first use and survives restarts, so every resend of the same
// records carries the same id until Clear.
func (b *FileBuffer) PendingBatchID() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := os.ReadFile(b.batchIDPath())
	switch {
	case err == nil:
		if id, parseErr := uuid.Parse(strings.TrimSpace(string(data))); parseErr == nil {
			return id.String(), nil
		}
		b.logger.WithField("path", b.batchIDPath()).Warn("Buffer: Replacing unreadable batch id")
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("%w: read batch id: %v", ErrStorage, err)
	}

	id := uuid.NewString()
	if err := writeFileSync(b.batchIDPath(), []byte(id+"\n")); err != nil {
		return "", fmt.Errorf("%w: write batch id: %v", ErrStorage, err)
	}
	return id, nil
}

func (b *FileBuffer) batchIDPath() string {
	return b.path + ".batch"
}

// Clear removes all records and the pending batch id. Calling it on an empty or
// missing buffer is a no-op.
func (b *FileBuffer) Clear() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	// The id goes first: a crash in between resends the records under a new id,
	// never new records under a delivered id
	if err := os.Remove(b.batchIDPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: remove batch id: %v", ErrStorage, err)
	}

	f, err := os.OpenFile(b.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("%w: truncate %s: %v", ErrStorage, b.path, err)
	}
	defer f.Close()

	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", ErrStorage, err)
	}
	return nil
}

// SizeBytes returns the size of the buffer file
func (b *FileBuffer) SizeBytes() (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	info, err := os.Stat(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: stat %s: %v", ErrStorage, b.path, err)
	}
	return info.Size(), nil
}

// Count returns the number of intact records
func (b *FileBuffer) Count() (int, error) {
	records, err := b.Drain()
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// repairTail truncates f after its last newline so a torn record never
// merges with the next append
func (b *FileBuffer) repairTail(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat: %v", ErrStorage, err)
	}

	size := info.Size()
	if size == 0 {
		return nil
	}

	last := make([]byte, 1)
	if _, err := f.ReadAt(last, size-1); err != nil {
		return fmt.Errorf("%w: read tail: %v", ErrStorage, err)
	}
	if last[0] == '\n' {
		return nil
	}

	keep, err := lastNewlineEnd(f, size)
	if err != nil {
		return err
	}

	if err := f.Truncate(keep); err != nil {
		return fmt.Errorf("%w: truncate torn record: %v", ErrStorage, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", ErrStorage, err)
	}

	b.logger.WithFields(logrus.Fields{
		"path":    b.path,
		"dropped": size - keep,
	}).Warn("Buffer: Repaired torn trailing record")

	return nil
}

// lastNewlineEnd scans backwards and returns the offset just past the last '\n', or 0
func lastNewlineEnd(f *os.File, size int64) (int64, error) {
	const chunk = 4096
	buf := make([]byte, chunk)

	for end := size; end > 0; {
		start := end - chunk
		if start < 0 {
			start = 0
		}
		n, err := f.ReadAt(buf[:end-start], start)
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("%w: scan tail: %v", ErrStorage, err)
		}
		if i := bytes.LastIndexByte(buf[:n], '\n'); i >= 0 {
			return start + int64(i) + 1, nil
		}
		end = start
	}

	return 0, nil
}

func formatRecord(v models.FeatureVector) []byte {
	fields := []float64{v.ZeroCrossingRate, v.SpectralCentroid, v.SpectralEntropy, v.RolloffFactor}

	line := make([]byte, 0, 96)
	for i, value := range fields {
		if i > 0 {
			line = append(line, ',')
		}
		line = strconv.AppendFloat(line, value, 'g', -1, 64)
	}
	return append(line, '\n')
}

// parseRecords returns intact records and the number of lines it had to skip.
// A final line without a newline is torn and always skipped.
func parseRecords(data []byte) ([]models.BufferRecord, int) {
	var records []models.BufferRecord
	skipped := 0

	complete := data
	if i := bytes.LastIndexByte(data, '\n'); i < len(data)-1 {
		complete = data[:i+1]
		skipped++
	}

	// Split by hand: a corrupt line of any length must not hide the lines after it
	line := 0
	for len(complete) > 0 {
		end := bytes.IndexByte(complete, '\n')
		raw := complete[:end]
		complete = complete[end+1:]
		line++

		text := strings.TrimSpace(string(raw))
		if text == "" {
			continue
		}
		v, ok := parseRecord(text)
		if !ok {
			skipped++
			continue
		}
		records = append(records, models.BufferRecord{FeatureVector: v, Line: line})
	}

	return records, skipped
}

func parseRecord(text string) (models.FeatureVector, bool) {
	parts := strings.Split(text, ",")
	if len(parts) != fieldsPerRecord {
		return models.FeatureVector{}, false
	}

	var values [fieldsPerRecord]float64
	for i, p := range parts {
		value, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return models.FeatureVector{}, false
		}
		values[i] = value
	}

	return models.FeatureVector{
		ZeroCrossingRate: values[0],
		SpectralCentroid: values[1],
		SpectralEntropy:  values[2],
		RolloffFactor:    values[3],
	}, true
}

// writeFileSync replaces path atomically with data
func writeFileSync(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

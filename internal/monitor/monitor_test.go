package monitor

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edge-agent/internal/aggregator"
	"edge-agent/internal/buffer"
	"edge-agent/internal/models"
)

const mb = 1024 * 1024

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

// fakeDecoder returns a tone for every file except those listed as silent or broken
type fakeDecoder struct {
	broken map[string]bool
	silent map[string]bool
}

func (d *fakeDecoder) Decode(path string) (int, []float64, error) {
	name := filepath.Base(path)
	if d.broken[name] {
		return 0, nil, aggregator.ErrUnsupportedFormat
	}
	samples := make([]float64, 800)
	if !d.silent[name] {
		for i := range samples {
			samples[i] = math.Sin(float64(i)/3) + 0.1
		}
	}
	return 8000, samples, nil
}

type failingAppender struct {
	okBefore int
	appended int
}

func (a *failingAppender) Append(models.FeatureVector) error {
	if a.appended >= a.okBefore {
		return buffer.ErrStorage
	}
	a.appended++
	return nil
}

// sparseFile creates a file reporting size bytes without writing them
func sparseFile(t *testing.T, dir, name string, size int64, mtime time.Time) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())
	require.NoError(t, os.Chtimes(path, mtime, mtime))
	return path
}

func remaining(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestCheckIdleBelowThreshold(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	sparseFile(t, dir, "a.wav", 40*mb, now)
	sparseFile(t, dir, "b.wav", 40*mb, now)

	m := New(Config{Dir: dir}, &fakeDecoder{}, nil, testLogger())
	decision, err := m.Check()
	require.NoError(t, err)
	assert.Equal(t, ActionIdle, decision.Action)
	assert.Equal(t, int64(80*mb), decision.TotalSize)
	assert.Empty(t, decision.Files)
}

func TestCheckThresholdIsExclusive(t *testing.T) {
	dir := t.TempDir()
	sparseFile(t, dir, "a.wav", 1000, time.Now())

	m := New(Config{Dir: dir, SizeThreshold: 1000}, &fakeDecoder{}, nil, testLogger())
	decision, err := m.Check()
	require.NoError(t, err)
	assert.Equal(t, ActionIdle, decision.Action)

	m = New(Config{Dir: dir, SizeThreshold: 999}, &fakeDecoder{}, nil, testLogger())
	decision, err = m.Check()
	require.NoError(t, err)
	assert.Equal(t, ActionExtract, decision.Action)
}

func TestCheckExtractOrdersOldestFirst(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)
	sparseFile(t, dir, "c.wav", 50*mb, base.Add(2*time.Minute))
	sparseFile(t, dir, "a.wav", 50*mb, base.Add(1*time.Minute))
	sparseFile(t, dir, "b.wav", 50*mb, base)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0755))

	m := New(Config{Dir: dir}, &fakeDecoder{}, nil, testLogger())
	decision, err := m.Check()
	require.NoError(t, err)
	require.Equal(t, ActionExtract, decision.Action)
	require.Len(t, decision.Files, 3)
	assert.Equal(t, "b.wav", filepath.Base(decision.Files[0].Path))
	assert.Equal(t, "a.wav", filepath.Base(decision.Files[1].Path))
	assert.Equal(t, "c.wav", filepath.Base(decision.Files[2].Path))
	assert.Equal(t, int64(50*mb), decision.Files[0].Size)

	// Check is side-effect free
	assert.Len(t, remaining(t, dir), 4)
}

func TestCheckMissingDir(t *testing.T) {
	m := New(Config{Dir: filepath.Join(t.TempDir(), "missing")}, &fakeDecoder{}, nil, testLogger())
	_, err := m.Check()
	assert.Error(t, err)
}

func TestCheckThenRunExtractionEmptiesDirectory(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	for _, name := range []string{"one.wav", "two.wav", "three.wav"} {
		sparseFile(t, dir, name, 50*mb, now)
	}

	buf, err := buffer.Open(filepath.Join(t.TempDir(), "buffer.csv"), testLogger())
	require.NoError(t, err)

	m := New(Config{Dir: dir}, &fakeDecoder{}, nil, testLogger())
	decision, err := m.Check()
	require.NoError(t, err)
	require.Equal(t, ActionExtract, decision.Action)
	require.Len(t, decision.Files, 3)

	report := m.RunExtraction(context.Background(), decision.Files, buf)
	assert.NoError(t, report.Aborted)
	assert.Empty(t, report.Failed)
	assert.Len(t, report.Processed, 3)

	records, err := buf.Drain()
	require.NoError(t, err)
	assert.Len(t, records, 3)
	assert.Empty(t, remaining(t, dir))
}

func TestRunExtractionKeepsFailingFile(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	var files []models.AudioCapture
	for i, name := range []string{"good1.wav", "bad.wav", "good2.wav"} {
		path := sparseFile(t, dir, name, 10, now.Add(time.Duration(i)*time.Second))
		files = append(files, models.AudioCapture{Path: path, Size: 10})
	}

	buf, err := buffer.Open(filepath.Join(t.TempDir(), "buffer.csv"), testLogger())
	require.NoError(t, err)

	m := New(Config{Dir: dir}, &fakeDecoder{broken: map[string]bool{"bad.wav": true}}, nil, testLogger())
	report := m.RunExtraction(context.Background(), files, buf)

	assert.NoError(t, report.Aborted)
	assert.Len(t, report.Processed, 2)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, StageDecode, report.Failed[0].Stage)
	assert.ErrorIs(t, report.Failed[0].Err, aggregator.ErrUnsupportedFormat)

	assert.Equal(t, []string{"bad.wav"}, remaining(t, dir))
	count, err := buf.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRunExtractionKeepsSilentFile(t *testing.T) {
	dir := t.TempDir()
	path := sparseFile(t, dir, "quiet.wav", 10, time.Now())

	buf, err := buffer.Open(filepath.Join(t.TempDir(), "buffer.csv"), testLogger())
	require.NoError(t, err)

	m := New(Config{Dir: dir}, &fakeDecoder{silent: map[string]bool{"quiet.wav": true}}, nil, testLogger())
	report := m.RunExtraction(context.Background(), []models.AudioCapture{{Path: path}}, buf)

	require.Len(t, report.Failed, 1)
	assert.Equal(t, StageExtract, report.Failed[0].Stage)
	assert.ErrorIs(t, report.Failed[0].Err, aggregator.ErrInvalidInput)
	assert.Equal(t, []string{"quiet.wav"}, remaining(t, dir))
}

func TestRunExtractionStopsOnStorageError(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	var files []models.AudioCapture
	for i, name := range []string{"a.wav", "b.wav", "c.wav"} {
		path := sparseFile(t, dir, name, 10, now.Add(time.Duration(i)*time.Second))
		files = append(files, models.AudioCapture{Path: path})
	}

	appender := &failingAppender{okBefore: 1}
	m := New(Config{Dir: dir}, &fakeDecoder{}, nil, testLogger())
	report := m.RunExtraction(context.Background(), files, appender)

	assert.ErrorIs(t, report.Aborted, buffer.ErrStorage)
	assert.Equal(t, []string{files[0].Path}, report.Processed)
	// The file whose append failed and the unvisited one both stay
	assert.ElementsMatch(t, []string{"b.wav", "c.wav"}, remaining(t, dir))
}

func TestRunExtractionHonorsCancellation(t *testing.T) {
	dir := t.TempDir()
	path := sparseFile(t, dir, "a.wav", 10, time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := New(Config{Dir: dir}, &fakeDecoder{}, nil, testLogger())
	report := m.RunExtraction(ctx, []models.AudioCapture{{Path: path}}, &failingAppender{okBefore: 10})

	assert.True(t, errors.Is(report.Aborted, context.Canceled))
	assert.Empty(t, report.Processed)
	assert.Equal(t, []string{"a.wav"}, remaining(t, dir))
}

func TestCustomExtractFunc(t *testing.T) {
	dir := t.TempDir()
	path := sparseFile(t, dir, "a.wav", 10, time.Now())

	want := models.FeatureVector{ZeroCrossingRate: 0.25}
	extract := func([]float64, int) (models.FeatureVector, error) { return want, nil }

	buf, err := buffer.Open(filepath.Join(t.TempDir(), "buffer.csv"), testLogger())
	require.NoError(t, err)

	m := New(Config{Dir: dir}, &fakeDecoder{}, extract, testLogger())
	report := m.RunExtraction(context.Background(), []models.AudioCapture{{Path: path}}, buf)
	require.Len(t, report.Processed, 1)

	records, err := buf.Drain()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, want, records[0].FeatureVector)
}

package buffer

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edge-agent/internal/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

func openTemp(t *testing.T) *FileBuffer {
	t.Helper()
	b, err := Open(filepath.Join(t.TempDir(), "state", "buffer.csv"), testLogger())
	require.NoError(t, err)
	return b
}

func vector(i int) models.FeatureVector {
	f := float64(i)
	return models.FeatureVector{
		ZeroCrossingRate: f / 100,
		SpectralCentroid: 0.1 + f/1000,
		SpectralEntropy:  3.321928094887362,
		RolloffFactor:    1.0 / 3.0,
	}
}

func TestAppendDrainOrder(t *testing.T) {
	b := openTemp(t)

	const n = 25
	for i := 0; i < n; i++ {
		require.NoError(t, b.Append(vector(i)))
	}

	records, err := b.Drain()
	require.NoError(t, err)
	require.Len(t, records, n)
	for i, r := range records {
		assert.Equal(t, vector(i), r.FeatureVector, "record %d", i)
		assert.Equal(t, i+1, r.Line)
	}

	// Drain does not consume
	again, err := b.Drain()
	require.NoError(t, err)
	assert.Len(t, again, n)
}

func TestClear(t *testing.T) {
	b := openTemp(t)
	require.NoError(t, b.Append(vector(1)))
	require.NoError(t, b.Append(vector(2)))

	require.NoError(t, b.Clear())
	records, err := b.Drain()
	require.NoError(t, err)
	assert.Empty(t, records)

	size, err := b.SizeBytes()
	require.NoError(t, err)
	assert.Zero(t, size)

	// Idempotent, including on a missing file
	require.NoError(t, b.Clear())
	require.NoError(t, os.Remove(b.Path()))
	require.NoError(t, b.Clear())

	require.NoError(t, b.Append(vector(3)))
	count, err := b.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSizeBytes(t *testing.T) {
	b := openTemp(t)

	size, err := b.SizeBytes()
	require.NoError(t, err)
	assert.Zero(t, size)

	require.NoError(t, b.Append(vector(1)))
	size, err = b.SizeBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(len(formatRecord(vector(1)))), size)
}

func TestTornTrailingLineSkippedOnRead(t *testing.T) {
	b := openTemp(t)
	require.NoError(t, b.Append(vector(1)))
	require.NoError(t, b.Append(vector(2)))

	// Simulate power loss mid-write
	f, err := os.OpenFile(b.Path(), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("0.5,0.2")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	records, err := b.Drain()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, vector(2), records[1].FeatureVector)
}

func TestTornTrailingLineRepairedOnOpenAndAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buffer.csv")
	torn := string(formatRecord(vector(1))) + "0.9,0.8,0.7"
	require.NoError(t, os.WriteFile(path, []byte(torn), 0644))

	b, err := Open(path, testLogger())
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, string(formatRecord(vector(1))), string(data))

	// A torn tail written after Open is cut before the next append
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("0.1,")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, b.Append(vector(2)))
	records, err := b.Drain()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, vector(1), records[0].FeatureVector)
	assert.Equal(t, vector(2), records[1].FeatureVector)
}

func TestTornFileWithoutAnyNewline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buffer.csv")
	require.NoError(t, os.WriteFile(path, []byte("0.1,0.2,0.3"), 0644))

	b, err := Open(path, testLogger())
	require.NoError(t, err)

	size, err := b.SizeBytes()
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestMalformedInteriorLineSkipped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buffer.csv")
	content := string(formatRecord(vector(1))) + "garbage\n" + "1,2,3\n" + string(formatRecord(vector(2)))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	b, err := Open(path, testLogger())
	require.NoError(t, err)

	records, err := b.Drain()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 1, records[0].Line)
	assert.Equal(t, 4, records[1].Line)
}

func TestOversizedInteriorLineDoesNotHideLaterRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buffer.csv")
	garbage := strings.Repeat("x", 70*1024) + "\n"
	content := string(formatRecord(vector(1))) + garbage + string(formatRecord(vector(2)))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	b, err := Open(path, testLogger())
	require.NoError(t, err)

	records, err := b.Drain()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, vector(2), records[1].FeatureVector)
	assert.Equal(t, 3, records[1].Line)
}

func TestReopenKeepsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buffer.csv")

	b, err := Open(path, testLogger())
	require.NoError(t, err)
	require.NoError(t, b.Append(vector(7)))

	reopened, err := Open(path, testLogger())
	require.NoError(t, err)
	records, err := reopened.Drain()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, vector(7), records[0].FeatureVector)
}

func TestConcurrentAppends(t *testing.T) {
	b := openTemp(t)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				assert.NoError(t, b.Append(vector(w*100+i)))
			}
		}(w)
	}
	wg.Wait()

	count, err := b.Count()
	require.NoError(t, err)
	assert.Equal(t, 160, count)
}

func TestOpenFailsUnderFile(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	_, err := Open(filepath.Join(blocker, "buffer.csv"), testLogger())
	assert.ErrorIs(t, err, ErrStorage)
}

func TestPendingBatchIDStableUntilClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buffer.csv")
	b, err := Open(path, testLogger())
	require.NoError(t, err)
	require.NoError(t, b.Append(vector(1)))

	first, err := b.PendingBatchID()
	require.NoError(t, err)
	require.NotEmpty(t, first)

	// More records join the same pending batch
	require.NoError(t, b.Append(vector(2)))
	again, err := b.PendingBatchID()
	require.NoError(t, err)
	assert.Equal(t, first, again)

	// The id survives a restart
	reopened, err := Open(path, testLogger())
	require.NoError(t, err)
	afterRestart, err := reopened.PendingBatchID()
	require.NoError(t, err)
	assert.Equal(t, first, afterRestart)

	require.NoError(t, reopened.Clear())
	_, err = os.Stat(path + ".batch")
	assert.True(t, os.IsNotExist(err))

	next, err := reopened.PendingBatchID()
	require.NoError(t, err)
	assert.NotEqual(t, first, next)
}

func TestPendingBatchIDReplacesCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buffer.csv")
	b, err := Open(path, testLogger())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path+".batch", []byte("not-an-id"), 0644))

	id, err := b.PendingBatchID()
	require.NoError(t, err)
	assert.NotEqual(t, "not-an-id", id)

	stored, err := os.ReadFile(path + ".batch")
	require.NoError(t, err)
	assert.Equal(t, id, strings.TrimSpace(string(stored)))
}

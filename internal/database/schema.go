package database

// SQL schemas for the archive tables

const (
	// FeatureBatchesTableSQL creates the feature_batches table, one row per relayed record
	FeatureBatchesTableSQL = `
		CREATE TABLE IF NOT EXISTS feature_batches (
			created_at DateTime64(3),
			device_id String,
			batch_id String,
			seq UInt32,
			zcr Float64,
			centroid Float64,
			entropy Float64,
			rolloff Float64
		) ENGINE = ReplacingMergeTree()
		PARTITION BY toYYYYMM(created_at)
		ORDER BY (device_id, batch_id, seq)
	`

	// InsertFeatureBatchSQL is the batch insert statement for feature_batches
	InsertFeatureBatchSQL = `
		INSERT INTO feature_batches (created_at, device_id, batch_id, seq, zcr, centroid, entropy, rolloff)
	`
)

// AllTables returns all table creation SQL statements in order
func AllTables() []string {
	return []string{
		FeatureBatchesTableSQL,
	}
}

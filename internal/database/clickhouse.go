package database

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/sirupsen/logrus"

	"edge-agent/internal/models"
)

// ClickHouseArchive mirrors delivered batches into ClickHouse
type ClickHouseArchive struct {
	conn   driver.Conn
	logger *logrus.Logger
}

// ArchiveConfig holds ClickHouse connection settings
type ArchiveConfig struct {
	Addr     string
	Database string
	Username string
	Password string
}

// NewClickHouseArchive creates a new ClickHouse connection and initializes the schema
func NewClickHouseArchive(ctx context.Context, config ArchiveConfig, logger *logrus.Logger) (*ClickHouseArchive, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{config.Addr},
		Auth: clickhouse.Auth{
			Database: config.Database,
			Username: config.Username,
			Password: config.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	logger.WithField("addr", config.Addr).Info("Archive: Connected to ClickHouse")

	archive := &ClickHouseArchive{conn: conn, logger: logger}
	if err := archive.InitSchema(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return archive, nil
}

// InitSchema creates the necessary tables if they don't exist
func (a *ClickHouseArchive) InitSchema(ctx context.Context) error {
	for _, tableSQL := range AllTables() {
		if err := a.conn.Exec(ctx, tableSQL); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	a.logger.Info("Archive: Database schema initialized successfully")
	return nil
}

// SaveBatch writes every record of a delivered batch in one insert
func (a *ClickHouseArchive) SaveBatch(ctx context.Context, batch *models.Batch) error {
	rows := batchRows(batch)
	if len(rows) == 0 {
		return nil
	}

	prepared, err := a.conn.PrepareBatch(ctx, InsertFeatureBatchSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare feature batch: %w", err)
	}

	for _, row := range rows {
		if err := prepared.Append(row...); err != nil {
			prepared.Abort()
			return fmt.Errorf("failed to append feature row: %w", err)
		}
	}

	if err := prepared.Send(); err != nil {
		return fmt.Errorf("failed to insert feature batch: %w", err)
	}

	a.logger.WithFields(logrus.Fields{
		"batch_id": batch.BatchID,
		"records":  len(rows),
	}).Debug("Archive: Saved feature batch")
	return nil
}

// batchRows flattens a batch into insert rows, in column order
func batchRows(batch *models.Batch) [][]any {
	rows := make([][]any, 0, len(batch.Records))
	for i, record := range batch.Records {
		rows = append(rows, []any{
			batch.CreatedAt,
			batch.DeviceID,
			batch.BatchID,
			uint32(i),
			record.ZeroCrossingRate,
			record.SpectralCentroid,
			record.SpectralEntropy,
			record.RolloffFactor,
		})
	}
	return rows
}

// Close closes the ClickHouse connection
func (a *ClickHouseArchive) Close() error {
	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			return fmt.Errorf("failed to close ClickHouse connection: %w", err)
		}
		a.logger.Info("Archive: ClickHouse connection closed")
	}
	return nil
}

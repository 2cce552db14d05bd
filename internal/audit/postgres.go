package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/gatekeep/llm-gatekeeper/internal/logger"
)

// PostgresConfig contains database configuration for the audit store.
type PostgresConfig struct {
	DatabaseURL  string
	MaxOpenConns int
	MaxIdleConns int
	ConnLifetime time.Duration
}

// PostgresRecorder persists audit records in PostgreSQL for offline
// querying. The findings summary is stored as a JSONB column so the record
// stays value-redacted end to end.
type PostgresRecorder struct {
	db     *sqlx.DB
	logger *logger.Logger
}

const createAuditTable = `
	CREATE TABLE IF NOT EXISTS audit_records (
		id BIGSERIAL PRIMARY KEY,
		request_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		verdict TEXT NOT NULL,
		findings_summary JSONB NOT NULL DEFAULT '{}',
		latency_ms BIGINT NOT NULL,
		degraded BOOLEAN NOT NULL
	)`

// NewPostgresRecorder connects to the database and ensures the audit table
// exists.
func NewPostgresRecorder(cfg PostgresConfig, log *logger.Logger) (*PostgresRecorder, error) {
	db, err := sqlx.Connect("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	if _, err := db.ExecContext(ctx, createAuditTable); err != nil {
		return nil, fmt.Errorf("failed to ensure audit table: %w", err)
	}

	log.Info("Audit postgres recorder initialized",
		zap.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		zap.Int("max_open_conns", cfg.MaxOpenConns),
	)

	return &PostgresRecorder{db: db, logger: log}, nil
}

// Record inserts one audit record.
func (r *PostgresRecorder) Record(ctx context.Context, record Record) error {
	summary, err := json.Marshal(record.FindingsSummary)
	if err != nil {
		return fmt.Errorf("failed to marshal findings summary: %w", err)
	}

	query := `
		INSERT INTO audit_records (request_id, created_at, verdict, findings_summary, latency_ms, degraded)
		VALUES ($1, $2, $3, $4, $5, $6)`

	if _, err := r.db.ExecContext(ctx, query,
		record.RequestID,
		record.Timestamp,
		record.Verdict,
		summary,
		record.LatencyMS,
		record.Degraded,
	); err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

// BatchInsert inserts many records in a single statement; used by the
// auditctl import path.
func (r *PostgresRecorder) BatchInsert(ctx context.Context, records []Record) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	valueStrings := make([]string, 0, len(records))
	valueArgs := make([]interface{}, 0, len(records)*6)

	for i, record := range records {
		summary, err := json.Marshal(record.FindingsSummary)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal findings summary: %w", err)
		}
		valueStrings = append(valueStrings, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d)",
			i*6+1, i*6+2, i*6+3, i*6+4, i*6+5, i*6+6))
		valueArgs = append(valueArgs,
			record.RequestID, record.Timestamp, record.Verdict, summary, record.LatencyMS, record.Degraded)
	}

	query := fmt.Sprintf(`
		INSERT INTO audit_records (request_id, created_at, verdict, findings_summary, latency_ms, degraded)
		VALUES %s`, strings.Join(valueStrings, ","))

	res, err := r.db.ExecContext(ctx, query, valueArgs...)
	if err != nil {
		return 0, fmt.Errorf("batch insert failed: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		inserted = int64(len(records))
	}
	return inserted, nil
}

// List returns records in insertion order, newest last; used by auditctl
// export.
func (r *PostgresRecorder) List(ctx context.Context, limit int) ([]Record, error) {
	query := `
		SELECT request_id, created_at, verdict, findings_summary, latency_ms, degraded
		FROM audit_records
		ORDER BY id
		LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var record Record
		var summary []byte
		if err := rows.Scan(&record.RequestID, &record.Timestamp, &record.Verdict,
			&summary, &record.LatencyMS, &record.Degraded); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		if err := json.Unmarshal(summary, &record.FindingsSummary); err != nil {
			return nil, fmt.Errorf("failed to unmarshal findings summary: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// Close closes the database connection.
func (r *PostgresRecorder) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// maskDatabaseURL masks the password portion of a DSN for logging.
func maskDatabaseURL(url string) string {
	if !strings.Contains(url, "@") {
		return url
	}
	parts := strings.SplitN(url, "@", 2)
	userParts := strings.Split(parts[0], ":")
	if len(userParts) >= 3 {
		userParts[len(userParts)-1] = "***"
		parts[0] = strings.Join(userParts, ":")
	}
	return strings.Join(parts, "@")
}

var _ Recorder = (*PostgresRecorder)(nil)

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/segmentio/parquet-go"
	"go.uber.org/zap"

	"github.com/gatekeep/llm-gatekeeper/internal/audit"
	"github.com/gatekeep/llm-gatekeeper/internal/config"
	"github.com/gatekeep/llm-gatekeeper/internal/logger"
)

// parquetRecord is the flat row shape written to parquet exports. The
// findings summary stays a JSON string so the export remains value-free.
type parquetRecord struct {
	RequestID       string `parquet:"request_id"`
	Timestamp       int64  `parquet:"timestamp_ms"`
	Verdict         string `parquet:"verdict"`
	FindingsSummary string `parquet:"findings_summary"`
	LatencyMS       int64  `parquet:"latency_ms"`
	Degraded        bool   `parquet:"degraded"`
}

func main() {
	var (
		configPath = flag.String("config", "configs/default.yaml", "Configuration file path")
		importFile = flag.String("import", "", "JSONL audit file to import into Postgres")
		exportFile = flag.String("export", "", "Parquet file to export audit records to")
		batchSize  = flag.Int("batch-size", 500, "Batch size for database inserts")
		limit      = flag.Int("limit", 100000, "Maximum records to export")
	)
	flag.Parse()

	if *importFile == "" && *exportFile == "" {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s --import logs/audit.jsonl\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --export audit-snapshot.parquet\n", os.Args[0])
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if cfg.Audit.Postgres.DatabaseURL == "" {
		log.Fatal("audit.postgres.database_url must be configured for auditctl")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Received shutdown signal, cancelling")
		cancel()
	}()

	store, err := audit.NewPostgresRecorder(audit.PostgresConfig{
		DatabaseURL:  cfg.Audit.Postgres.DatabaseURL,
		MaxOpenConns: cfg.Audit.Postgres.MaxOpenConns,
		MaxIdleConns: cfg.Audit.Postgres.MaxIdleConns,
		ConnLifetime: cfg.Audit.Postgres.ConnLifetime,
	}, log.WithComponent("audit"))
	if err != nil {
		log.Fatal("Failed to connect to audit store", zap.Error(err))
	}
	defer store.Close()

	switch {
	case *importFile != "":
		if err := importJSONL(ctx, store, *importFile, *batchSize, log); err != nil {
			log.Fatal("Import failed", zap.Error(err))
		}
	case *exportFile != "":
		if err := exportParquet(ctx, store, *exportFile, *limit, log); err != nil {
			log.Fatal("Export failed", zap.Error(err))
		}
	}
}

// importJSONL streams a newline-delimited audit file into Postgres in
// batches.
func importJSONL(ctx context.Context, store *audit.PostgresRecorder, path string, batchSize int, log *logger.Logger) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open audit file: %w", err)
	}
	defer file.Close()

	var (
		batch    []audit.Record
		imported int64
		skipped  int64
		line     int64
	)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := store.BatchInsert(ctx, batch)
		if err != nil {
			return err
		}
		imported += n
		batch = batch[:0]
		return nil
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return err
		}

		var record audit.Record
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			log.Warn("Skipping malformed audit line",
				zap.Int64("line", line), zap.Error(err))
			skipped++
			continue
		}

		batch = append(batch, record)
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read audit file: %w", err)
	}
	if err := flush(); err != nil {
		return err
	}

	log.Info("Import completed",
		zap.Int64("imported", imported),
		zap.Int64("skipped", skipped))
	return nil
}

// exportParquet writes a snapshot of the audit table to a parquet file.
func exportParquet(ctx context.Context, store *audit.PostgresRecorder, path string, limit int, log *logger.Logger) error {
	records, err := store.List(ctx, limit)
	if err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create parquet file: %w", err)
	}
	defer file.Close()

	writer := parquet.NewWriter(file)

	for _, record := range records {
		summary, err := json.Marshal(record.FindingsSummary)
		if err != nil {
			return fmt.Errorf("failed to marshal findings summary: %w", err)
		}
		row := parquetRecord{
			RequestID:       record.RequestID,
			Timestamp:       record.Timestamp.UnixMilli(),
			Verdict:         string(record.Verdict),
			FindingsSummary: string(summary),
			LatencyMS:       record.LatencyMS,
			Degraded:        record.Degraded,
		}
		if err := writer.Write(&row); err != nil {
			return fmt.Errorf("failed to write parquet row: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize parquet file: %w", err)
	}

	log.Info("Export completed",
		zap.Int("records", len(records)),
		zap.String("file", path))
	return nil
}

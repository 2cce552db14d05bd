package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gatekeep/llm-gatekeeper/internal/detect"
	"github.com/gatekeep/llm-gatekeeper/internal/logger"
)

func sampleRecord(id string) Record {
	return Record{
		RequestID: id,
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Verdict:   detect.VerdictBlocked,
		FindingsSummary: map[detect.EntityType]int{
			detect.EntityAPIKey: 1,
			detect.EntityEmail:  2,
		},
		LatencyMS: 4,
		Degraded:  false,
	}
}

func TestFileRecorderAppendsJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	r, err := NewFileRecorder(path, logger.NewNop())
	if err != nil {
		t.Fatalf("NewFileRecorder() error = %v", err)
	}
	defer r.Close()

	for _, id := range []string{"req-1", "req-2", "req-3"} {
		if err := r.Record(context.Background(), sampleRecord(id)); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open audit file: %v", err)
	}
	defer file.Close()

	var lines int
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines++
		var record Record
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", lines, err)
		}
		if record.Verdict != detect.VerdictBlocked {
			t.Errorf("line %d verdict = %v, want BLOCKED", lines, record.Verdict)
		}
		if record.FindingsSummary[detect.EntityAPIKey] != 1 {
			t.Errorf("line %d summary = %v", lines, record.FindingsSummary)
		}
	}
	if lines != 3 {
		t.Errorf("audit lines = %d, want 3", lines)
	}
}

func TestFileRecorderCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "logs", "audit.jsonl")
	r, err := NewFileRecorder(path, logger.NewNop())
	if err != nil {
		t.Fatalf("NewFileRecorder() error = %v", err)
	}
	defer r.Close()

	if err := r.Record(context.Background(), sampleRecord("req-1")); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("audit file missing: %v", err)
	}
}

func TestFileRecorderConcurrentWritesDoNotInterleave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	r, err := NewFileRecorder(path, logger.NewNop())
	if err != nil {
		t.Fatalf("NewFileRecorder() error = %v", err)
	}
	defer r.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Record(context.Background(), sampleRecord("req"))
		}()
	}
	wg.Wait()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 20 {
		t.Fatalf("lines = %d, want 20", len(lines))
	}
	for i, line := range lines {
		if !json.Valid([]byte(line)) {
			t.Errorf("line %d corrupted: %q", i, line)
		}
	}
}

func TestRecordNeverSerializesRawValues(t *testing.T) {
	// The record shape carries types and counts only; a serialized record
	// must not contain anything resembling matched text.
	data, err := json.Marshal(sampleRecord("req-1"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	serialized := string(data)
	for _, field := range []string{"request_id", "timestamp", "verdict", "findings_summary", "latency_ms", "degraded"} {
		if !strings.Contains(serialized, field) {
			t.Errorf("serialized record missing %q: %s", field, serialized)
		}
	}
	for _, forbidden := range []string{"value", "excerpt", "span", "text"} {
		if strings.Contains(serialized, forbidden) {
			t.Errorf("serialized record contains %q: %s", forbidden, serialized)
		}
	}
}

func TestAsyncRecorderDeliversAll(t *testing.T) {
	sink := &captureRecorder{}
	async := NewAsyncRecorder(sink, 64, logger.NewNop())

	for i := 0; i < 50; i++ {
		if err := async.Record(context.Background(), sampleRecord("req")); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}
	if err := async.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if got := sink.count(); got != 50 {
		t.Errorf("delivered = %d, want 50", got)
	}
}

func TestAsyncRecorderFallsBackWhenQueueFull(t *testing.T) {
	sink := &captureRecorder{}
	async := NewAsyncRecorder(sink, 1, logger.NewNop())
	defer async.Close()

	// Many more records than the queue holds; the full-queue path writes
	// synchronously instead of dropping.
	for i := 0; i < 30; i++ {
		async.Record(context.Background(), sampleRecord("req"))
	}
	async.Close()

	if got := sink.count(); got != 30 {
		t.Errorf("delivered = %d, want 30 with no drops", got)
	}
}

func TestMultiRecorderFansOut(t *testing.T) {
	a, b := &captureRecorder{}, &captureRecorder{}
	multi := NewMultiRecorder(a, b)

	if err := multi.Record(context.Background(), sampleRecord("req-1")); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if a.count() != 1 || b.count() != 1 {
		t.Errorf("sink counts = %d/%d, want 1/1", a.count(), b.count())
	}
}

type captureRecorder struct {
	mu      sync.Mutex
	records []Record
	closed  bool
}

func (c *captureRecorder) Record(_ context.Context, record Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, record)
	return nil
}

func (c *captureRecorder) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *captureRecorder) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

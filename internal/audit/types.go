package audit

import (
	"context"
	"time"

	"github.com/gatekeep/llm-gatekeeper/internal/detect"
)

// Record is the durable, value-redacted summary of one scan outcome. It
// carries entity types and counts only, never matched text, so the audit
// trail cannot itself become a leak vector.
type Record struct {
	RequestID       string                    `json:"request_id" db:"request_id"`
	Timestamp       time.Time                 `json:"timestamp" db:"created_at"`
	Verdict         detect.Verdict            `json:"verdict" db:"verdict"`
	FindingsSummary map[detect.EntityType]int `json:"findings_summary" db:"-"`
	LatencyMS       int64                     `json:"latency_ms" db:"latency_ms"`
	Degraded        bool                      `json:"degraded" db:"degraded"`
}

// Recorder persists audit records. Implementations must be safe for
// concurrent use; write ordering across concurrent scans is not guaranteed,
// but each record's timestamp reflects the completion time of its scan.
type Recorder interface {
	Record(ctx context.Context, record Record) error
	Close() error
}

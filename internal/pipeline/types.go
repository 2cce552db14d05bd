package pipeline

import (
	"time"

	"github.com/gatekeep/llm-gatekeeper/internal/detect"
	"github.com/gatekeep/llm-gatekeeper/internal/provider"
)

// Refusal is the structured payload returned for a blocked request. It
// carries the detected categories, never the matched text.
type Refusal struct {
	Error         string              `json:"error"`
	DetectedTypes []detect.EntityType `json:"detected_types"`
	Message       string              `json:"message"`
}

// NewRefusal builds the standard security-violation refusal from a scan
// result.
func NewRefusal(result detect.ScanResult) *Refusal {
	return &Refusal{
		Error:         "security_violation",
		DetectedTypes: result.DetectedTypes(),
		Message:       "Request blocked: sensitive content detected.",
	}
}

// Result is the outcome of handling one request. Exactly one of Refusal
// and Response is set on success paths; both are nil when the provider
// call failed.
type Result struct {
	RequestID string
	Scan      detect.ScanResult
	Refusal   *Refusal
	Response  *provider.ChatResponse
}

// Blocked reports whether the request was refused.
func (r *Result) Blocked() bool {
	return r.Refusal != nil
}

// ScanEvent is the value-redacted event broadcast to dashboard
// subscribers after each handled request.
type ScanEvent struct {
	RequestID     string              `json:"request_id"`
	Timestamp     time.Time           `json:"timestamp"`
	Verdict       detect.Verdict      `json:"verdict"`
	DetectedTypes []detect.EntityType `json:"detected_types"`
	Degraded      bool                `json:"degraded"`
	LatencyMS     int64               `json:"latency_ms"`
}

// EventSink receives scan events. The websocket hub implements it; a nil
// sink disables broadcasting.
type EventSink interface {
	PublishScan(event ScanEvent)
}

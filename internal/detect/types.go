package detect

import (
	"context"
	"strings"
)

// EntityType identifies what kind of sensitive content a finding covers.
// The taxonomy is closed except for custom pattern types, which are
// namespaced under the CUSTOM: prefix.
type EntityType string

const (
	EntityEmail            EntityType = "EMAIL"
	EntityPhone            EntityType = "PHONE"
	EntitySSN              EntityType = "SSN"
	EntityCreditCard       EntityType = "CREDIT_CARD"
	EntityIPAddress        EntityType = "IP_ADDRESS"
	EntityPersonName       EntityType = "PERSON_NAME"
	EntityLocation         EntityType = "LOCATION"
	EntityAPIKey           EntityType = "API_KEY"
	EntityPassword         EntityType = "PASSWORD"
	EntityToken            EntityType = "TOKEN"
	EntityPrivateKey       EntityType = "PRIVATE_KEY"
	EntityConnectionString EntityType = "CONNECTION_STRING"
)

const customPrefix = "CUSTOM:"

// CustomType builds the entity type for a user-registered pattern.
func CustomType(name string) EntityType {
	return EntityType(customPrefix + name)
}

// IsCustom reports whether the type comes from a registered custom pattern.
func (t EntityType) IsCustom() bool {
	return strings.HasPrefix(string(t), customPrefix)
}

// Severity partitions findings for verdict purposes. Secret-class findings
// block unconditionally; PII-class findings block only under policy.
type Severity int

const (
	SeverityPII Severity = iota
	SeveritySecret
)

func (s Severity) String() string {
	if s == SeveritySecret {
		return "secret"
	}
	return "pii"
}

// Class returns the severity class of a built-in entity type. Custom types
// carry their severity from registration and must not be resolved here.
func (t EntityType) Class() Severity {
	switch t {
	case EntityAPIKey, EntityPassword, EntityToken, EntityPrivateKey, EntityConnectionString:
		return SeveritySecret
	default:
		return SeverityPII
	}
}

// Source identifies which detection engine produced a finding.
type Source string

const (
	SourcePattern Source = "PATTERN"
	SourceModel   Source = "MODEL"
)

// Span is a half-open [Start, End) byte range into the scanned text.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Finding is one detected span of interest. ValueExcerpt holds a truncated
// copy of the matched text for in-process use only; it is never serialized
// so that findings cannot leak through logs or API responses.
type Finding struct {
	EntityType   EntityType `json:"entity_type"`
	Span         Span       `json:"span"`
	ValueExcerpt string     `json:"-"`
	Confidence   float64    `json:"confidence"`
	Source       Source     `json:"source"`
	Severity     Severity   `json:"-"`

	// RuleOrder is the registration index of the originating rule, used as
	// the final deterministic tie-break when merging overlapping findings.
	// Model findings carry the highest order so pattern rules win only on
	// the explicit tie-break path.
	RuleOrder int `json:"-"`
}

// Overlaps reports whether two spans share at least one byte.
func (s Span) Overlaps(other Span) bool {
	return s.Start < other.End && other.Start < s.End
}

// Len returns the span length in bytes.
func (s Span) Len() int { return s.End - s.Start }

// Verdict is the binary outcome of a scan.
type Verdict string

const (
	VerdictApproved Verdict = "APPROVED"
	VerdictBlocked  Verdict = "BLOCKED"
)

// ScanResult is the merged, decided outcome of one scan. Degraded is set
// when the entity recognizer did not contribute (unavailable or timed out).
type ScanResult struct {
	Findings []Finding `json:"findings"`
	Verdict  Verdict   `json:"verdict"`
	Degraded bool      `json:"degraded"`
}

// DetectedTypes returns the distinct entity types present, in first-seen
// order, for refusal payloads and audit summaries.
func (r ScanResult) DetectedTypes() []EntityType {
	seen := make(map[EntityType]bool, len(r.Findings))
	var types []EntityType
	for _, f := range r.Findings {
		if !seen[f.EntityType] {
			seen[f.EntityType] = true
			types = append(types, f.EntityType)
		}
	}
	return types
}

// Summary returns entity type -> occurrence count, the value-redacted shape
// recorded in the audit trail.
func (r ScanResult) Summary() map[EntityType]int {
	summary := make(map[EntityType]int, len(r.Findings))
	for _, f := range r.Findings {
		summary[f.EntityType]++
	}
	return summary
}

// Detector is the single capability shared by the pattern matcher and the
// entity recognizer. Implementations must be safe for concurrent use and
// must honor context cancellation on any blocking path.
type Detector interface {
	Scan(ctx context.Context, text string) ([]Finding, error)
}

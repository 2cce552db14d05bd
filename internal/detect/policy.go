package detect

// DefaultBlockThreshold is the PII confidence above which a finding can
// block when BlockOnDetection is set.
const DefaultBlockThreshold = 0.5

// CustomPattern is the definition of a user-supplied detection rule before
// compilation. Severity decides whether matches block unconditionally
// (secret) or under policy (pii).
type CustomPattern struct {
	Name       string   `json:"name" yaml:"name" mapstructure:"name"`
	Regex      string   `json:"regex" yaml:"regex" mapstructure:"regex"`
	EntityType string   `json:"entity_type" yaml:"entity_type" mapstructure:"entity_type"`
	Severity   Severity `json:"-" yaml:"-" mapstructure:"-"`

	// SeverityName is the wire form of Severity ("secret" or "pii").
	SeverityName string `json:"severity" yaml:"severity" mapstructure:"severity"`
}

// Policy is the per-request scanning policy. It is immutable for the
// duration of a request; hot reload swaps in a new value between requests.
type Policy struct {
	EnablePII        bool
	EnableSecrets    bool
	BlockOnDetection bool

	// BlockThreshold is the minimum confidence for a PII finding to force a
	// block when BlockOnDetection is set. Zero means DefaultBlockThreshold.
	BlockThreshold float64

	// ScanResponses gates the optional provider-response re-scan.
	ScanResponses bool
}

// EffectiveThreshold resolves the configured threshold, falling back to the
// default for the zero value.
func (p Policy) EffectiveThreshold() float64 {
	if p.BlockThreshold <= 0 {
		return DefaultBlockThreshold
	}
	return p.BlockThreshold
}

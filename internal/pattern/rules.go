package pattern

import (
	"regexp"
	"strings"

	"github.com/gatekeep/llm-gatekeeper/internal/detect"
)

// builtinRules returns the default detection rule set. Secret rules cover
// well-known credential formats; PII rules cover common identifier shapes.
// Confidences reflect how unambiguous each format is.
func builtinRules() []Rule {
	return []Rule{
		// Secrets
		{
			Name:       "openai_api_key",
			EntityType: detect.EntityAPIKey,
			Pattern:    regexp.MustCompile(`sk-[a-zA-Z0-9]{32,}`),
			Severity:   detect.SeveritySecret,
			Confidence: 0.98,
		},
		{
			Name:       "anthropic_api_key",
			EntityType: detect.EntityAPIKey,
			Pattern:    regexp.MustCompile(`sk-ant-[a-zA-Z0-9\-_]{95}`),
			Severity:   detect.SeveritySecret,
			Confidence: 0.98,
		},
		{
			Name:       "aws_access_key",
			EntityType: detect.EntityAPIKey,
			Pattern:    regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
			Severity:   detect.SeveritySecret,
			Confidence: 0.95,
		},
		{
			Name:       "github_token",
			EntityType: detect.EntityToken,
			Pattern:    regexp.MustCompile(`gh[po]_[a-zA-Z0-9]{36}`),
			Severity:   detect.SeveritySecret,
			Confidence: 0.95,
		},
		{
			Name:       "google_api_key",
			EntityType: detect.EntityAPIKey,
			Pattern:    regexp.MustCompile(`AIza[0-9A-Za-z\-_]{35}`),
			Severity:   detect.SeveritySecret,
			Confidence: 0.9,
		},
		{
			Name:       "slack_token",
			EntityType: detect.EntityToken,
			Pattern:    regexp.MustCompile(`xox[baprs]-[a-zA-Z0-9\-]{10,72}`),
			Severity:   detect.SeveritySecret,
			Confidence: 0.9,
		},
		{
			Name:       "jwt_token",
			EntityType: detect.EntityToken,
			Pattern:    regexp.MustCompile(`eyJ[a-zA-Z0-9\-_]+\.[a-zA-Z0-9\-_]+\.[a-zA-Z0-9\-_]+`),
			Severity:   detect.SeveritySecret,
			Confidence: 0.85,
		},
		{
			Name:       "private_key",
			EntityType: detect.EntityPrivateKey,
			Pattern:    regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
			Severity:   detect.SeveritySecret,
			Confidence: 0.99,
		},
		{
			Name:       "database_url",
			EntityType: detect.EntityConnectionString,
			Pattern:    regexp.MustCompile(`(?i)(postgresql|postgres|mysql|mongodb(\+srv)?)://[^:\s]+:[^@\s]+@[^\s]+`),
			Severity:   detect.SeveritySecret,
			Confidence: 0.9,
		},
		{
			Name:       "connection_string",
			EntityType: detect.EntityConnectionString,
			Pattern:    regexp.MustCompile(`(?i)(Server|Host|Data Source)\s*=\s*[^;]+;\s*(Database|Initial Catalog)\s*=\s*[^;]+`),
			Severity:   detect.SeveritySecret,
			Confidence: 0.8,
		},
		{
			Name:       "password_assignment",
			EntityType: detect.EntityPassword,
			Pattern:    regexp.MustCompile(`(?i)password["']?\s*[:=]\s*["']?[^\s"']{8,}`),
			Severity:   detect.SeveritySecret,
			Confidence: 0.7,
		},

		// PII
		{
			Name:       "email_address",
			EntityType: detect.EntityEmail,
			Pattern:    regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
			Severity:   detect.SeverityPII,
			Confidence: 0.85,
		},
		{
			Name:       "phone_us",
			EntityType: detect.EntityPhone,
			Pattern:    regexp.MustCompile(`\b(\+?1[-.\s]?)?\(?[0-9]{3}\)?[-.\s]?[0-9]{3}[-.\s][0-9]{4}\b`),
			Severity:   detect.SeverityPII,
			Confidence: 0.8,
		},
		{
			Name:       "ssn",
			EntityType: detect.EntitySSN,
			Pattern:    regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			Severity:   detect.SeverityPII,
			Confidence: 0.9,
		},
		{
			Name:       "credit_card",
			EntityType: detect.EntityCreditCard,
			Pattern:    regexp.MustCompile(`\b(\d{4}[-\s]?){3}\d{4}\b`),
			Severity:   detect.SeverityPII,
			Confidence: 0.7,
			Validate:   validLuhn,
		},
		{
			Name:       "ipv4_address",
			EntityType: detect.EntityIPAddress,
			Pattern:    regexp.MustCompile(`\b(\d{1,3}\.){3}\d{1,3}\b`),
			Severity:   detect.SeverityPII,
			Confidence: 0.75,
			Validate:   validIPv4,
		},
	}
}

// validLuhn reports whether a candidate card number passes the Luhn check.
func validLuhn(match string) bool {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, match)

	if len(digits) < 13 {
		return false
	}

	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		n := int(digits[i] - '0')
		if double {
			n *= 2
			if n > 9 {
				n -= 9
			}
		}
		sum += n
		double = !double
	}
	return sum%10 == 0
}

// validIPv4 rejects dotted quads with out-of-range octets.
func validIPv4(match string) bool {
	for _, part := range strings.Split(match, ".") {
		if len(part) > 1 && part[0] == '0' {
			return false
		}
		n := 0
		for _, c := range part {
			n = n*10 + int(c-'0')
		}
		if n > 255 {
			return false
		}
	}
	return true
}

package pattern

import (
	"fmt"
	"regexp"

	"github.com/gatekeep/llm-gatekeeper/internal/detect"
)

// Rule is a single compiled detection rule. Validate, when set, filters
// raw regex matches that fail a structural check (e.g. Luhn for cards).
type Rule struct {
	Name       string
	EntityType detect.EntityType
	Pattern    *regexp.Regexp
	Severity   detect.Severity
	Confidence float64
	Validate   func(match string) bool

	order int
}

// CompileError reports a custom pattern that failed to compile. The
// registry is left unchanged when it is returned.
type CompileError struct {
	Name string
	Expr string
	Err  error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("pattern %q: failed to compile %q: %v", e.Name, e.Expr, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// excerptLimit bounds how much matched text a finding carries in memory.
const excerptLimit = 20

func excerpt(match string) string {
	if len(match) > excerptLimit {
		return match[:excerptLimit] + "..."
	}
	return match
}

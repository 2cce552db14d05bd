package pattern

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/gatekeep/llm-gatekeeper/internal/detect"
	"github.com/gatekeep/llm-gatekeeper/internal/logger"
)

// Matcher is the regex-based detection engine. The rule registry is shared
// read-mostly across all scans; registration takes the write lock and is
// rare relative to scan traffic.
type Matcher struct {
	mu      sync.RWMutex
	rules   []Rule
	byName  map[string]int
	enabled map[string]bool
	version uint64
	logger  *logger.Logger
}

// New creates a matcher loaded with the built-in rule set.
func New(log *logger.Logger) *Matcher {
	m := &Matcher{
		byName:  make(map[string]int),
		enabled: make(map[string]bool),
		logger:  log,
	}

	for _, rule := range builtinRules() {
		rule.order = len(m.rules)
		m.byName[rule.Name] = len(m.rules)
		m.rules = append(m.rules, rule)
		m.enabled[rule.Name] = true
	}

	log.Info("Pattern matcher initialized",
		zap.Int("total_rules", len(m.rules)),
	)

	return m
}

// Register compiles and adds a custom rule. On compile failure the registry
// is left unchanged and a *CompileError is returned.
func (m *Matcher) Register(name, expr string, entityType detect.EntityType, severity detect.Severity) error {
	compiled, err := regexp.Compile(expr)
	if err != nil {
		return &CompileError{Name: name, Expr: expr, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if idx, exists := m.byName[name]; exists {
		// Re-registration replaces the rule in place, keeping its order.
		m.rules[idx].Pattern = compiled
		m.rules[idx].EntityType = entityType
		m.rules[idx].Severity = severity
		m.version++
		m.logger.Info("Detection rule replaced", zap.String("rule", name))
		return nil
	}

	confidence := 0.9
	if severity == detect.SeverityPII {
		confidence = 0.8
	}

	rule := Rule{
		Name:       name,
		EntityType: entityType,
		Pattern:    compiled,
		Severity:   severity,
		Confidence: confidence,
		order:      len(m.rules),
	}
	m.byName[name] = len(m.rules)
	m.rules = append(m.rules, rule)
	m.enabled[name] = true
	m.version++

	m.logger.Info("Detection rule registered",
		zap.String("rule", name),
		zap.String("entity_type", string(entityType)),
		zap.String("severity", severity.String()),
	)

	return nil
}

// Unregister disables and removes a custom rule by name.
func (m *Matcher) Unregister(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, exists := m.byName[name]
	if !exists {
		return fmt.Errorf("unknown rule: %s", name)
	}

	m.rules = append(m.rules[:idx], m.rules[idx+1:]...)
	delete(m.byName, name)
	delete(m.enabled, name)
	for i := idx; i < len(m.rules); i++ {
		m.byName[m.rules[i].Name] = i
	}
	m.version++

	m.logger.Info("Detection rule removed", zap.String("rule", name))
	return nil
}

// EnableRule enables a specific detection rule.
func (m *Matcher) EnableRule(name string) error {
	return m.setEnabled(name, true)
}

// DisableRule disables a specific detection rule.
func (m *Matcher) DisableRule(name string) error {
	return m.setEnabled(name, false)
}

func (m *Matcher) setEnabled(name string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byName[name]; !exists {
		return fmt.Errorf("unknown rule: %s", name)
	}
	m.enabled[name] = enabled
	m.version++
	m.logger.Info("Detection rule toggled",
		zap.String("rule", name),
		zap.Bool("enabled", enabled),
	)
	return nil
}

// Version returns the registry mutation counter. It changes on every
// register, unregister, enable, and disable, so verdicts cached under one
// version never survive a rule change.
func (m *Matcher) Version() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// Rules returns the names of all registered rules and their enabled state.
func (m *Matcher) Rules() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]bool, len(m.rules))
	for name, enabled := range m.enabled {
		out[name] = enabled
	}
	return out
}

// Scan runs every enabled rule against the text. It is pure with respect to
// the registry snapshot taken under the read lock, and safe for unlimited
// concurrent invocation.
func (m *Matcher) Scan(_ context.Context, text string) ([]detect.Finding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var findings []detect.Finding
	for i := range m.rules {
		rule := &m.rules[i]
		if !m.enabled[rule.Name] {
			continue
		}

		for _, loc := range rule.Pattern.FindAllStringIndex(text, -1) {
			match := text[loc[0]:loc[1]]
			if rule.Validate != nil && !rule.Validate(match) {
				continue
			}
			findings = append(findings, detect.Finding{
				EntityType:   rule.EntityType,
				Span:         detect.Span{Start: loc[0], End: loc[1]},
				ValueExcerpt: excerpt(match),
				Confidence:   rule.Confidence,
				Source:       detect.SourcePattern,
				Severity:     rule.Severity,
				RuleOrder:    rule.order,
			})
		}
	}

	return resolveOverlaps(findings), nil
}

// resolveOverlaps deduplicates findings within this matcher: on overlap the
// higher severity wins, then the longer span, then the first-registered rule.
func resolveOverlaps(findings []detect.Finding) []detect.Finding {
	if len(findings) < 2 {
		return findings
	}

	sort.SliceStable(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.Severity != b.Severity {
			return a.Severity > b.Severity
		}
		if a.Span.Len() != b.Span.Len() {
			return a.Span.Len() > b.Span.Len()
		}
		return a.RuleOrder < b.RuleOrder
	})

	var kept []detect.Finding
	for _, candidate := range findings {
		overlaps := false
		for _, existing := range kept {
			if candidate.Span.Overlaps(existing.Span) {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, candidate)
		}
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Span.Start < kept[j].Span.Start
	})
	return kept
}

var _ detect.Detector = (*Matcher)(nil)

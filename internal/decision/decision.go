// Package decision merges findings from the pattern matcher and the entity
// recognizer into a verdict. Decide is deterministic and total: identical
// inputs always yield an identical ScanResult, with no I/O and no clock.
package decision

import (
	"sort"

	"github.com/gatekeep/llm-gatekeeper/internal/detect"
)

// Decide merges both detectors' findings under the policy and computes the
// verdict. degraded records that the entity recognizer did not contribute
// to this scan; it never influences the verdict itself.
func Decide(patternFindings, modelFindings []detect.Finding, policy detect.Policy, degraded bool) detect.ScanResult {
	combined := make([]detect.Finding, 0, len(patternFindings)+len(modelFindings))
	for _, f := range patternFindings {
		if enabledByPolicy(f, policy) {
			combined = append(combined, f)
		}
	}
	for _, f := range modelFindings {
		if enabledByPolicy(f, policy) {
			combined = append(combined, f)
		}
	}

	sort.SliceStable(combined, func(i, j int) bool {
		return combined[i].Span.Start < combined[j].Span.Start
	})

	merged := mergeOverlaps(combined)

	return detect.ScanResult{
		Findings: merged,
		Verdict:  verdict(merged, policy),
		Degraded: degraded,
	}
}

// enabledByPolicy drops findings whose severity class the policy disables.
func enabledByPolicy(f detect.Finding, policy detect.Policy) bool {
	if severityOf(f) == detect.SeveritySecret {
		return policy.EnableSecrets
	}
	return policy.EnablePII
}

// severityOf resolves a finding's class: custom types carry the severity
// from their registration, built-in types resolve from the taxonomy.
func severityOf(f detect.Finding) detect.Severity {
	if f.EntityType.IsCustom() {
		return f.Severity
	}
	return f.EntityType.Class()
}

// mergeOverlaps deduplicates overlapping spans across detectors: higher
// confidence wins; on a confidence tie the model finding wins (model scores
// are assumed better-calibrated when they tie); a further tie keeps the
// earlier-registered rule.
func mergeOverlaps(findings []detect.Finding) []detect.Finding {
	if len(findings) < 2 {
		return findings
	}

	var merged []detect.Finding
	for _, candidate := range findings {
		overlapped := false
		for i := range merged {
			if merged[i].Span.Overlaps(candidate.Span) {
				overlapped = true
				if wins(candidate, merged[i]) {
					merged[i] = candidate
				}
				break
			}
		}
		if !overlapped {
			merged = append(merged, candidate)
		}
	}
	return merged
}

func wins(a, b detect.Finding) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if (a.Source == detect.SourceModel) != (b.Source == detect.SourceModel) {
		return a.Source == detect.SourceModel
	}
	return a.RuleOrder < b.RuleOrder
}

// verdict applies the fail-closed rule: any secret-class finding blocks
// regardless of BlockOnDetection; PII blocks only under policy and above
// the acceptance threshold. PII findings below the bar stay attached to the
// result as warnings.
func verdict(findings []detect.Finding, policy detect.Policy) detect.Verdict {
	for _, f := range findings {
		if severityOf(f) == detect.SeveritySecret {
			return detect.VerdictBlocked
		}
	}

	if !policy.BlockOnDetection {
		return detect.VerdictApproved
	}

	threshold := policy.EffectiveThreshold()
	for _, f := range findings {
		if f.Confidence > threshold {
			return detect.VerdictBlocked
		}
	}

	return detect.VerdictApproved
}

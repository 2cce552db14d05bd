package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gatekeep/llm-gatekeeper/internal/audit"
	"github.com/gatekeep/llm-gatekeeper/internal/decision"
	"github.com/gatekeep/llm-gatekeeper/internal/detect"
	"github.com/gatekeep/llm-gatekeeper/internal/logger"
	"github.com/gatekeep/llm-gatekeeper/internal/provider"
)

// ChatForwarder sends an approved request to the upstream provider. The
// provider client implements it; tests substitute fakes.
type ChatForwarder interface {
	ChatCompletion(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error)
}

// VerdictStore caches decided scan results keyed by content, policy, and
// rule-registry version. The Redis verdict cache implements it; tests
// substitute in-memory fakes.
type VerdictStore interface {
	Key(content string, policy detect.Policy, registryVersion uint64) string
	Get(ctx context.Context, key string) (detect.ScanResult, bool)
	Put(ctx context.Context, key string, result detect.ScanResult)
}

// Orchestrator sequences scanning, decision, forwarding, optional
// response re-scan, and audit emission for each request.
type Orchestrator struct {
	matcher           detect.Detector
	recognizer        detect.Detector
	engineUnavailable bool
	forwarder         ChatForwarder
	recorder          audit.Recorder
	verdicts          VerdictStore
	registryVersion   func() uint64
	events            EventSink
	stats             *Stats
	logger            *logger.Logger

	mu     sync.RWMutex
	policy detect.Policy
}

// Options collects the orchestrator's injected collaborators. Recognizer,
// Verdicts, RegistryVersion, and Events may be nil; Matcher, Forwarder,
// and Recorder are required. EngineUnavailable marks a recognizer that was
// configured but failed to initialize: every scan in such a process runs
// degraded, unlike a recognizer that was deliberately left disabled.
type Options struct {
	Matcher           detect.Detector
	Recognizer        detect.Detector
	EngineUnavailable bool
	Forwarder         ChatForwarder
	Recorder          audit.Recorder
	Verdicts          VerdictStore
	RegistryVersion   func() uint64
	Events            EventSink
	Policy            detect.Policy
	Logger            *logger.Logger
}

// New builds an orchestrator from its collaborators.
func New(opts Options) *Orchestrator {
	return &Orchestrator{
		matcher:           opts.Matcher,
		recognizer:        opts.Recognizer,
		engineUnavailable: opts.EngineUnavailable,
		forwarder:         opts.Forwarder,
		recorder:          opts.Recorder,
		verdicts:          opts.Verdicts,
		registryVersion:   opts.RegistryVersion,
		events:            opts.Events,
		stats:             &Stats{},
		logger:            opts.Logger,
		policy:            opts.Policy,
	}
}

// Policy returns the active scanning policy.
func (o *Orchestrator) Policy() detect.Policy {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.policy
}

// SetPolicy replaces the active policy. In-flight requests keep the
// policy they started with.
func (o *Orchestrator) SetPolicy(policy detect.Policy) {
	o.mu.Lock()
	o.policy = policy
	o.mu.Unlock()
}

// Stats returns the pipeline counters.
func (o *Orchestrator) Stats() Snapshot {
	return o.stats.Snapshot()
}

// RecognizerReady reports whether model-based recognition is active.
func (o *Orchestrator) RecognizerReady() bool {
	return o.recognizer != nil
}

// Handle runs one request through the pipeline. Exactly one audit record
// is emitted per call, on every path including provider failure. A non-nil
// error means the upstream provider failed after the request was approved.
func (o *Orchestrator) Handle(ctx context.Context, requestID string, req *provider.ChatRequest) (*Result, error) {
	start := time.Now()
	policy := o.Policy()
	content := req.ScannableText()

	result := &Result{RequestID: requestID}

	// The audit record and dashboard event always reflect the final
	// outcome, whichever path produced it.
	defer func() {
		latency := time.Since(start)
		o.emitAudit(requestID, result.Scan, latency)
		o.emitEvent(requestID, result.Scan, latency)
	}()

	result.Scan = o.scan(ctx, content, policy)
	scanDuration := time.Since(start)

	if result.Scan.Verdict == detect.VerdictBlocked {
		result.Refusal = NewRefusal(result.Scan)
		o.stats.record(true, result.Scan.Degraded, int64(scanDuration))
		o.logger.Info("Request blocked",
			zap.String("request_id", requestID),
			zap.Any("detected_types", result.Scan.DetectedTypes()),
			zap.Bool("degraded", result.Scan.Degraded))
		return result, nil
	}

	o.stats.record(false, result.Scan.Degraded, int64(scanDuration))

	resp, err := o.forwarder.ChatCompletion(ctx, req)
	if err != nil {
		o.stats.recordProviderFailure()
		o.logger.Error("Upstream provider call failed",
			zap.String("request_id", requestID),
			zap.Error(err))
		return result, err
	}

	if policy.ScanResponses {
		if leak := o.scanResponse(ctx, resp, policy); leak != nil {
			// The response is discarded; the caller gets the same
			// refusal shape as an inbound block.
			result.Scan = *leak
			result.Refusal = NewRefusal(*leak)
			o.logger.Warn("Provider response blocked",
				zap.String("request_id", requestID),
				zap.Any("detected_types", leak.DetectedTypes()))
			return result, nil
		}
	}

	result.Response = resp
	return result, nil
}

// scan runs both detectors over the content and merges their findings
// into a verdict. The recognizer is best effort; its failure degrades
// recall, never availability.
func (o *Orchestrator) scan(ctx context.Context, content string, policy detect.Policy) detect.ScanResult {
	var cacheKey string
	if o.verdicts != nil {
		var version uint64
		if o.registryVersion != nil {
			version = o.registryVersion()
		}
		cacheKey = o.verdicts.Key(content, policy, version)
		if cached, ok := o.verdicts.Get(ctx, cacheKey); ok {
			return cached
		}
	}

	var (
		modelFindings []detect.Finding
		wg            sync.WaitGroup
	)

	// A recognizer that was configured but never initialized leaves every
	// PII-enabled scan with less coverage than configured.
	modelDegraded := o.engineUnavailable && policy.EnablePII

	if o.recognizer != nil && policy.EnablePII {
		wg.Add(1)
		go func() {
			defer wg.Done()
			findings, err := o.recognizer.Scan(ctx, content)
			if err != nil {
				modelDegraded = true
				o.logger.Warn("Entity recognizer unavailable for scan", zap.Error(err))
				return
			}
			modelFindings = findings
		}()
	}

	patternFindings, err := o.matcher.Scan(ctx, content)
	patternDegraded := err != nil
	if err != nil {
		// The matcher is pure and should not fail; treat a failure
		// like a degraded detector rather than dropping the request.
		o.logger.Error("Pattern scan failed", zap.Error(err))
	}

	wg.Wait()

	result := decision.Decide(patternFindings, modelFindings, policy, modelDegraded || patternDegraded)

	if o.verdicts != nil {
		o.verdicts.Put(ctx, cacheKey, result)
	}
	return result
}

// scanResponse pattern-scans the provider's completion for secret-class
// leaks. PII in model output does not block; leaked credentials do, unless
// the policy disables secret detection entirely.
func (o *Orchestrator) scanResponse(ctx context.Context, resp *provider.ChatResponse, policy detect.Policy) *detect.ScanResult {
	if !policy.EnableSecrets {
		return nil
	}

	secretsOnly := detect.Policy{
		EnableSecrets:    true,
		BlockOnDetection: true,
	}

	findings, err := o.matcher.Scan(ctx, resp.ScannableText())
	if err != nil {
		o.logger.Error("Response scan failed", zap.Error(err))
		return nil
	}

	result := decision.Decide(findings, nil, secretsOnly, false)
	if result.Verdict == detect.VerdictBlocked {
		return &result
	}
	return nil
}

func (o *Orchestrator) emitAudit(requestID string, scan detect.ScanResult, latency time.Duration) {
	record := audit.Record{
		RequestID:       requestID,
		Timestamp:       time.Now().UTC(),
		Verdict:         scan.Verdict,
		FindingsSummary: scan.Summary(),
		LatencyMS:       latency.Milliseconds(),
		Degraded:        scan.Degraded,
	}
	// The async recorder never returns an error; a direct sink might.
	if err := o.recorder.Record(context.Background(), record); err != nil {
		o.logger.Error("Audit record emission failed",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}

func (o *Orchestrator) emitEvent(requestID string, scan detect.ScanResult, latency time.Duration) {
	if o.events == nil {
		return
	}
	o.events.PublishScan(ScanEvent{
		RequestID:     requestID,
		Timestamp:     time.Now().UTC(),
		Verdict:       scan.Verdict,
		DetectedTypes: scan.DetectedTypes(),
		Degraded:      scan.Degraded,
		LatencyMS:     latency.Milliseconds(),
	})
}

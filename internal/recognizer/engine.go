package recognizer

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/gatekeep/llm-gatekeeper/internal/detect"
	"github.com/gatekeep/llm-gatekeeper/internal/logger"
)

// Engine adapts the NER backend to the Detector capability. It bounds each
// call with a timeout, propagates request cancellation, and caps concurrent
// inferences with a semaphore; queuing for a slot counts against the
// per-call timeout.
type Engine struct {
	backend NERBackend
	sem     chan struct{}
	timeout time.Duration
	logger  *logger.Logger
}

// Config contains the engine's runtime limits.
type Config struct {
	ModelPath     string
	VocabPath     string
	ScanTimeout   time.Duration
	MaxConcurrent int
}

// NewEngine constructs the recognizer. Construction failure (missing or
// unloadable model assets) is not fatal to the process: the caller records
// ErrEngineUnavailable and runs in degraded mode without retrying.
func NewEngine(cfg Config, log *logger.Logger) (*Engine, error) {
	backend := NewNERBackend(log.Logger, cfg.ModelPath, cfg.VocabPath)
	if backend == nil || !backend.IsReady() {
		return nil, fmt.Errorf("ner backend failed to initialize: %w", ErrEngineUnavailable)
	}

	timeout := cfg.ScanTimeout
	if timeout <= 0 {
		timeout = 300 * time.Millisecond
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}

	log.Info("Entity recognizer initialized",
		zap.String("model", cfg.ModelPath),
		zap.Duration("scan_timeout", timeout),
		zap.Int("max_concurrent", maxConcurrent),
	)

	return &Engine{
		backend: backend,
		sem:     make(chan struct{}, maxConcurrent),
		timeout: timeout,
		logger:  log,
	}, nil
}

// NewEngineWithBackend wires a caller-supplied backend; used by tests to
// substitute fakes without process-global state.
func NewEngineWithBackend(backend NERBackend, timeout time.Duration, maxConcurrent int, log *logger.Logger) *Engine {
	if timeout <= 0 {
		timeout = 300 * time.Millisecond
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Engine{
		backend: backend,
		sem:     make(chan struct{}, maxConcurrent),
		timeout: timeout,
		logger:  log,
	}
}

// Scan runs entity recognition bounded by the per-call timeout. A timeout
// yields ErrScanTimeout for this scan only; cancellation of the enclosing
// request aborts the call promptly.
func (e *Engine) Scan(ctx context.Context, text string) ([]detect.Finding, error) {
	if e.backend == nil || !e.backend.IsReady() {
		return nil, ErrEngineUnavailable
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	// Bounded queuing at the backend's concurrency cap.
	select {
	case e.sem <- struct{}{}:
	case <-callCtx.Done():
		return nil, e.callError(ctx, callCtx)
	}

	type result struct {
		findings []detect.Finding
		err      error
	}
	resCh := make(chan result, 1)

	go func() {
		defer func() { <-e.sem }()
		findings, err := e.backend.Recognize(callCtx, text)
		resCh <- result{findings: findings, err: err}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			e.logger.Warn("Recognizer scan failed", zap.Error(res.err))
			return nil, fmt.Errorf("recognizer scan failed: %w", ErrEngineUnavailable)
		}
		return markModelFindings(res.findings), nil
	case <-callCtx.Done():
		return nil, e.callError(ctx, callCtx)
	}
}

// callError distinguishes a per-call timeout from cancellation of the
// enclosing request.
func (e *Engine) callError(parent, call context.Context) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if call.Err() == context.DeadlineExceeded {
		e.logger.Warn("Recognizer scan timed out", zap.Duration("timeout", e.timeout))
		return ErrScanTimeout
	}
	return call.Err()
}

// Close releases the backend's native resources.
func (e *Engine) Close() error {
	if e.backend != nil {
		return e.backend.Close()
	}
	return nil
}

// markModelFindings stamps model findings with the sentinel rule order so
// the decision engine's earlier-registered tie-break never prefers them
// over an explicit pattern rule on that final tie path.
func markModelFindings(findings []detect.Finding) []detect.Finding {
	for i := range findings {
		findings[i].Source = detect.SourceModel
		findings[i].RuleOrder = math.MaxInt32
	}
	return findings
}

var _ detect.Detector = (*Engine)(nil)

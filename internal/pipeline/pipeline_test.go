package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/gatekeep/llm-gatekeeper/internal/audit"
	"github.com/gatekeep/llm-gatekeeper/internal/detect"
	"github.com/gatekeep/llm-gatekeeper/internal/logger"
	"github.com/gatekeep/llm-gatekeeper/internal/pattern"
	"github.com/gatekeep/llm-gatekeeper/internal/provider"
	"github.com/gatekeep/llm-gatekeeper/internal/recognizer"
)

// memoryRecorder captures audit records for assertions.
type memoryRecorder struct {
	mu      sync.Mutex
	records []audit.Record
}

func (m *memoryRecorder) Record(_ context.Context, record audit.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	return nil
}

func (m *memoryRecorder) Close() error { return nil }

func (m *memoryRecorder) all() []audit.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]audit.Record, len(m.records))
	copy(out, m.records)
	return out
}

// fakeForwarder returns a canned completion or error.
type fakeForwarder struct {
	response *provider.ChatResponse
	err      error
	calls    int
}

func (f *fakeForwarder) ChatCompletion(_ context.Context, _ *provider.ChatRequest) (*provider.ChatResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

// unavailableDetector simulates a recognizer that always fails.
type unavailableDetector struct{}

func (unavailableDetector) Scan(context.Context, string) ([]detect.Finding, error) {
	return nil, recognizer.ErrEngineUnavailable
}

func completion(text string) *provider.ChatResponse {
	return &provider.ChatResponse{
		ID:     "cmpl-1",
		Object: "chat.completion",
		Model:  "test-model",
		Choices: []provider.Choice{
			{Message: provider.Message{Role: "assistant", Content: text}, FinishReason: "stop"},
		},
	}
}

func chatRequest(content string) *provider.ChatRequest {
	return &provider.ChatRequest{
		Model:    "test-model",
		Messages: []provider.Message{{Role: "user", Content: content}},
	}
}

func newTestOrchestrator(t *testing.T, forwarder ChatForwarder, recorder audit.Recorder, policy detect.Policy) *Orchestrator {
	t.Helper()
	return New(Options{
		Matcher:   pattern.New(logger.NewNop()),
		Forwarder: forwarder,
		Recorder:  recorder,
		Policy:    policy,
		Logger:    logger.NewNop(),
	})
}

func defaultPolicy() detect.Policy {
	return detect.Policy{EnablePII: true, EnableSecrets: true, BlockOnDetection: true}
}

func TestHandleBlocksSecret(t *testing.T) {
	recorder := &memoryRecorder{}
	forwarder := &fakeForwarder{response: completion("hello")}
	o := newTestOrchestrator(t, forwarder, recorder, defaultPolicy())

	result, err := o.Handle(context.Background(), "req-1",
		chatRequest("use key sk-abcdefghijklmnopqrstuvwxyz0123456789"))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if !result.Blocked() {
		t.Fatal("secret-bearing request was not blocked")
	}
	if forwarder.calls != 0 {
		t.Errorf("provider called %d times for a blocked request", forwarder.calls)
	}
	if result.Refusal.Error != "security_violation" {
		t.Errorf("refusal error = %q, want security_violation", result.Refusal.Error)
	}
	found := false
	for _, typ := range result.Refusal.DetectedTypes {
		if typ == detect.EntityAPIKey {
			found = true
		}
	}
	if !found {
		t.Errorf("refusal detected_types = %v, missing API_KEY", result.Refusal.DetectedTypes)
	}
}

func TestHandleApprovesCleanRequest(t *testing.T) {
	recorder := &memoryRecorder{}
	forwarder := &fakeForwarder{response: completion("the capital of France is Paris")}
	o := newTestOrchestrator(t, forwarder, recorder, defaultPolicy())

	result, err := o.Handle(context.Background(), "req-1", chatRequest("what is the capital of France"))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if result.Blocked() {
		t.Fatalf("clean request blocked: %+v", result.Refusal)
	}
	if result.Response == nil || result.Response.ID != "cmpl-1" {
		t.Errorf("response = %+v, want the forwarded completion", result.Response)
	}
}

func TestAuditRecordPerInvocation(t *testing.T) {
	recorder := &memoryRecorder{}
	forwarder := &fakeForwarder{response: completion("fine")}
	o := newTestOrchestrator(t, forwarder, recorder, defaultPolicy())

	// Approved.
	if _, err := o.Handle(context.Background(), "req-1", chatRequest("hello there")); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	// Blocked.
	if _, err := o.Handle(context.Background(), "req-2",
		chatRequest("sk-abcdefghijklmnopqrstuvwxyz0123456789")); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	// Provider failure after approval.
	forwarder.err = &provider.Error{StatusCode: 503, Message: "upstream down"}
	if _, err := o.Handle(context.Background(), "req-3", chatRequest("hello again")); err == nil {
		t.Fatal("Handle() with failing provider returned nil error")
	}

	records := recorder.all()
	if len(records) != 3 {
		t.Fatalf("audit records = %d, want one per Handle invocation (3)", len(records))
	}

	byID := map[string]audit.Record{}
	for _, r := range records {
		byID[r.RequestID] = r
	}
	if byID["req-1"].Verdict != detect.VerdictApproved {
		t.Errorf("req-1 verdict = %v, want APPROVED", byID["req-1"].Verdict)
	}
	if byID["req-2"].Verdict != detect.VerdictBlocked {
		t.Errorf("req-2 verdict = %v, want BLOCKED", byID["req-2"].Verdict)
	}
	if byID["req-2"].FindingsSummary[detect.EntityAPIKey] == 0 {
		t.Errorf("req-2 summary = %v, missing API_KEY count", byID["req-2"].FindingsSummary)
	}
	// The provider-failure path still audits the scan outcome.
	if _, ok := byID["req-3"]; !ok {
		t.Error("no audit record for the provider-failure request")
	}
}

func TestAuditRecordsAreValueRedacted(t *testing.T) {
	recorder := &memoryRecorder{}
	o := newTestOrchestrator(t, &fakeForwarder{response: completion("x")}, recorder, defaultPolicy())

	secret := "sk-abcdefghijklmnopqrstuvwxyz0123456789"
	if _, err := o.Handle(context.Background(), "req-1", chatRequest("key "+secret)); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	records := recorder.all()
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	// Only type and count survive into the record.
	if count := records[0].FindingsSummary[detect.EntityAPIKey]; count != 1 {
		t.Errorf("API_KEY count = %d, want 1", count)
	}
}

func TestDegradedRecognizerStillBlocksSecrets(t *testing.T) {
	recorder := &memoryRecorder{}
	o := New(Options{
		Matcher:    pattern.New(logger.NewNop()),
		Recognizer: unavailableDetector{},
		Forwarder:  &fakeForwarder{response: completion("x")},
		Recorder:   recorder,
		Policy:     defaultPolicy(),
		Logger:     logger.NewNop(),
	})

	result, err := o.Handle(context.Background(), "req-1",
		chatRequest("sk-abcdefghijklmnopqrstuvwxyz0123456789"))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if !result.Blocked() {
		t.Fatal("secret not blocked while recognizer degraded")
	}
	if !result.Scan.Degraded {
		t.Error("degraded flag not set with an unavailable recognizer")
	}

	records := recorder.all()
	if len(records) != 1 || !records[0].Degraded {
		t.Errorf("audit records = %+v, want one degraded record", records)
	}
}

func TestResponseRescanBlocksLeakedSecret(t *testing.T) {
	recorder := &memoryRecorder{}
	forwarder := &fakeForwarder{
		response: completion("sure, the key is sk-abcdefghijklmnopqrstuvwxyz0123456789"),
	}
	policy := defaultPolicy()
	policy.ScanResponses = true
	o := newTestOrchestrator(t, forwarder, recorder, policy)

	result, err := o.Handle(context.Background(), "req-1", chatRequest("tell me the key"))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if !result.Blocked() {
		t.Fatal("leaked secret in the response was not blocked")
	}
	if result.Response != nil {
		t.Error("leaked response returned to the caller")
	}
	if result.Refusal.Error != "security_violation" {
		t.Errorf("refusal error = %q, want the same shape as an inbound block", result.Refusal.Error)
	}
	if len(recorder.all()) != 1 {
		t.Errorf("audit records = %d, want exactly one", len(recorder.all()))
	}
}

func TestResponseRescanAllowsPII(t *testing.T) {
	recorder := &memoryRecorder{}
	forwarder := &fakeForwarder{
		response: completion("you can reach support at help@example.com"),
	}
	policy := defaultPolicy()
	policy.ScanResponses = true
	o := newTestOrchestrator(t, forwarder, recorder, policy)

	result, err := o.Handle(context.Background(), "req-1", chatRequest("how do I contact support"))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if result.Blocked() {
		t.Fatal("PII in the provider response should not trigger the leak block")
	}
	if result.Response == nil {
		t.Fatal("response dropped without a leak")
	}
}

func TestResponseRescanDisabledByPolicy(t *testing.T) {
	recorder := &memoryRecorder{}
	forwarder := &fakeForwarder{
		response: completion("sk-abcdefghijklmnopqrstuvwxyz0123456789"),
	}
	o := newTestOrchestrator(t, forwarder, recorder, defaultPolicy())

	result, err := o.Handle(context.Background(), "req-1", chatRequest("hi"))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if result.Blocked() {
		t.Fatal("response scanned despite scan_responses=false")
	}
}

func TestSetPolicyAffectsLaterRequests(t *testing.T) {
	recorder := &memoryRecorder{}
	forwarder := &fakeForwarder{response: completion("x")}
	o := newTestOrchestrator(t, forwarder, recorder, defaultPolicy())

	email := chatRequest("My email is test@example.com")

	result, _ := o.Handle(context.Background(), "req-1", email)
	if !result.Blocked() {
		t.Fatal("email not blocked under block_on_detection")
	}

	relaxed := defaultPolicy()
	relaxed.BlockOnDetection = false
	o.SetPolicy(relaxed)

	result, _ = o.Handle(context.Background(), "req-2", email)
	if result.Blocked() {
		t.Fatal("email blocked after policy relaxed")
	}
}

func TestStatsCounters(t *testing.T) {
	recorder := &memoryRecorder{}
	forwarder := &fakeForwarder{response: completion("x")}
	o := newTestOrchestrator(t, forwarder, recorder, defaultPolicy())

	o.Handle(context.Background(), "req-1", chatRequest("hello"))
	o.Handle(context.Background(), "req-2", chatRequest("sk-abcdefghijklmnopqrstuvwxyz0123456789"))

	snap := o.Stats()
	if snap.TotalRequests != 2 {
		t.Errorf("total = %d, want 2", snap.TotalRequests)
	}
	if snap.Blocked != 1 {
		t.Errorf("blocked = %d, want 1", snap.Blocked)
	}
	if snap.Approved != 1 {
		t.Errorf("approved = %d, want 1", snap.Approved)
	}
}

func TestProviderErrorDistinctFromBlock(t *testing.T) {
	recorder := &memoryRecorder{}
	forwarder := &fakeForwarder{err: &provider.Error{StatusCode: 500, Message: "boom"}}
	o := newTestOrchestrator(t, forwarder, recorder, defaultPolicy())

	result, err := o.Handle(context.Background(), "req-1", chatRequest("hello"))
	if err == nil {
		t.Fatal("Handle() returned nil error on provider failure")
	}
	var provErr *provider.Error
	if !errors.As(err, &provErr) {
		t.Errorf("error type = %T, want *provider.Error", err)
	}
	if result.Blocked() {
		t.Error("provider failure surfaced as a security block")
	}
}

// memoryVerdicts is an in-memory VerdictStore for exercising the cache path.
type memoryVerdicts struct {
	entries map[string]detect.ScanResult
	hits    int
}

func newMemoryVerdicts() *memoryVerdicts {
	return &memoryVerdicts{entries: make(map[string]detect.ScanResult)}
}

func (m *memoryVerdicts) Key(content string, policy detect.Policy, registryVersion uint64) string {
	return fmt.Sprintf("%s|%+v|%d", content, policy, registryVersion)
}

func (m *memoryVerdicts) Get(_ context.Context, key string) (detect.ScanResult, bool) {
	result, ok := m.entries[key]
	if ok {
		m.hits++
	}
	return result, ok
}

func (m *memoryVerdicts) Put(_ context.Context, key string, result detect.ScanResult) {
	if result.Degraded {
		return
	}
	m.entries[key] = result
}

func TestConstructionFailureMarksScansDegraded(t *testing.T) {
	t.Run("failed construction degrades every scan", func(t *testing.T) {
		recorder := &memoryRecorder{}
		o := New(Options{
			Matcher:           pattern.New(logger.NewNop()),
			EngineUnavailable: true,
			Forwarder:         &fakeForwarder{response: completion("x")},
			Recorder:          recorder,
			Policy:            defaultPolicy(),
			Logger:            logger.NewNop(),
		})

		result, err := o.Handle(context.Background(), "req-1", chatRequest("what is the capital of France"))
		if err != nil {
			t.Fatalf("Handle() error = %v", err)
		}
		if result.Blocked() {
			t.Fatal("clean request blocked")
		}
		if !result.Scan.Degraded {
			t.Error("scan not degraded with a recognizer that failed to initialize")
		}

		records := recorder.all()
		if len(records) != 1 || !records[0].Degraded {
			t.Errorf("audit records = %+v, want one degraded record", records)
		}
	})

	t.Run("deliberately disabled recognizer is not degraded", func(t *testing.T) {
		recorder := &memoryRecorder{}
		o := newTestOrchestrator(t, &fakeForwarder{response: completion("x")}, recorder, defaultPolicy())

		result, err := o.Handle(context.Background(), "req-1", chatRequest("what is the capital of France"))
		if err != nil {
			t.Fatalf("Handle() error = %v", err)
		}
		if result.Scan.Degraded {
			t.Error("scan degraded with the recognizer deliberately off")
		}
	})
}

func TestRegisteredPatternInvalidatesCachedVerdict(t *testing.T) {
	matcher := pattern.New(logger.NewNop())
	verdicts := newMemoryVerdicts()
	recorder := &memoryRecorder{}
	o := New(Options{
		Matcher:         matcher,
		Forwarder:       &fakeForwarder{response: completion("x")},
		Recorder:        recorder,
		Verdicts:        verdicts,
		RegistryVersion: matcher.Version,
		Policy:          defaultPolicy(),
		Logger:          logger.NewNop(),
	})

	req := chatRequest("trace ct_0123456789abcdef0123456789abcdef")

	result, err := o.Handle(context.Background(), "req-1", req)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if result.Blocked() {
		t.Fatal("request blocked before the matching rule exists")
	}

	// The approved verdict is now cached and a repeat request hits it.
	if _, err := o.Handle(context.Background(), "req-2", req); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if verdicts.hits != 1 {
		t.Fatalf("cache hits = %d, want 1 before registration", verdicts.hits)
	}

	if err := matcher.Register("internal_token", `ct_[A-Za-z0-9]{32}`,
		detect.CustomType("internal_token"), detect.SeveritySecret); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	result, err = o.Handle(context.Background(), "req-3", req)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if !result.Blocked() {
		t.Fatal("cached approval served after the blocking rule was registered")
	}
	if verdicts.hits != 1 {
		t.Errorf("cache hits = %d, want the post-registration scan to miss", verdicts.hits)
	}
}

func TestResponseRescanRespectsSecretToggle(t *testing.T) {
	recorder := &memoryRecorder{}
	forwarder := &fakeForwarder{
		response: completion("the key is sk-abcdefghijklmnopqrstuvwxyz0123456789"),
	}
	policy := defaultPolicy()
	policy.ScanResponses = true
	policy.EnableSecrets = false
	o := newTestOrchestrator(t, forwarder, recorder, policy)

	result, err := o.Handle(context.Background(), "req-1", chatRequest("tell me the key"))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if result.Blocked() {
		t.Fatal("response blocked with secret detection disabled")
	}
	if result.Response == nil {
		t.Fatal("response dropped without a leak block")
	}
}

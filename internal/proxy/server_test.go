package proxy

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gatekeep/llm-gatekeeper/internal/config"
	"github.com/gatekeep/llm-gatekeeper/internal/logger"
	"github.com/gatekeep/llm-gatekeeper/internal/provider"
)

// newTestServer wires a full server against a fake upstream.
func newTestServer(t *testing.T, upstream http.HandlerFunc) *Server {
	t.Helper()

	fake := httptest.NewServer(upstream)
	t.Cleanup(fake.Close)

	cfg := config.GetDefaults()
	cfg.Recognizer.Enabled = false
	cfg.Cache.Enabled = false
	cfg.Audit.File.Path = filepath.Join(t.TempDir(), "audit.jsonl")
	cfg.Upstream.BaseURL = fake.URL
	cfg.Upstream.APIKey = "test-key"

	server, err := New(cfg, logger.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { server.recorder.Close() })
	return server
}

func okUpstream() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(provider.ChatResponse{
			ID:    "cmpl-1",
			Model: "test-model",
			Choices: []provider.Choice{
				{Message: provider.Message{Role: "assistant", Content: "hello"}, FinishReason: "stop"},
			},
		})
	}
}

func postJSON(t *testing.T, s *Server, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func chatBody(content string) map[string]interface{} {
	return map[string]interface{}{
		"model":    "test-model",
		"messages": []map[string]string{{"role": "user", "content": content}},
	}
}

func TestChatCompletionsApproved(t *testing.T) {
	s := newTestServer(t, okUpstream())

	rec := postJSON(t, s, "/v1/chat/completions", chatBody("what is the capital of France"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body: %s)", rec.Code, rec.Body.String())
	}

	var resp provider.ChatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "cmpl-1" {
		t.Errorf("response id = %q, want the forwarded completion", resp.ID)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header missing")
	}
}

func TestChatCompletionsBlocked(t *testing.T) {
	s := newTestServer(t, okUpstream())

	rec := postJSON(t, s, "/v1/chat/completions",
		chatBody("my key is sk-abcdefghijklmnopqrstuvwxyz0123456789"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	var refusal struct {
		Error         string   `json:"error"`
		DetectedTypes []string `json:"detected_types"`
		Message       string   `json:"message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &refusal); err != nil {
		t.Fatalf("decode refusal: %v", err)
	}
	if refusal.Error != "security_violation" {
		t.Errorf("error = %q, want security_violation", refusal.Error)
	}
	if len(refusal.DetectedTypes) == 0 {
		t.Error("detected_types empty")
	}
	// The refusal must never echo the offending value.
	if bytes.Contains(rec.Body.Bytes(), []byte("sk-abcdefghijklmnopqrstuvwxyz")) {
		t.Error("refusal payload contains the matched secret")
	}
}

func TestChatCompletionsProviderFailure(t *testing.T) {
	s := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
	})

	rec := postJSON(t, s, "/v1/chat/completions", chatBody("hello"))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("security_violation")) {
		t.Error("provider failure surfaced as a security block")
	}
}

func TestChatCompletionsRejectsEmptyBody(t *testing.T) {
	s := newTestServer(t, okUpstream())

	rec := postJSON(t, s, "/v1/chat/completions", map[string]interface{}{"model": "m"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for empty messages", rec.Code)
	}
}

func TestPatternRegistrationEndpoint(t *testing.T) {
	s := newTestServer(t, okUpstream())

	rec := postJSON(t, s, "/v1/patterns", map[string]string{
		"name":     "internal_token",
		"regex":    "ct_[A-Za-z0-9]{32}",
		"severity": "secret",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (body: %s)", rec.Code, rec.Body.String())
	}

	// The new rule takes effect immediately.
	rec = postJSON(t, s, "/v1/chat/completions",
		chatBody("trace ct_0123456789abcdef0123456789abcdef"))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 after registering the pattern", rec.Code)
	}
}

func TestPatternRegistrationCompileError(t *testing.T) {
	s := newTestServer(t, okUpstream())

	before := len(s.matcher.Rules())
	rec := postJSON(t, s, "/v1/patterns", map[string]string{
		"name":  "broken",
		"regex": "ct_[unclosed",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for an invalid regex", rec.Code)
	}
	if got := len(s.matcher.Rules()); got != before {
		t.Errorf("registry size changed on rejected registration: %d -> %d", before, got)
	}
}

func TestPatternToggleEndpoints(t *testing.T) {
	s := newTestServer(t, okUpstream())

	req := httptest.NewRequest(http.MethodPost, "/v1/patterns/email_address/disable", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("disable status = %d, want 200", rec.Code)
	}

	// Email no longer blocks with its rule off.
	rec = postJSON(t, s, "/v1/chat/completions", chatBody("My email is test@example.com"))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 with the email rule disabled", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/patterns/email_address/enable", nil)
	rec2 := httptest.NewRecorder()
	s.router.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusOK {
		t.Fatalf("enable status = %d, want 200", rec2.Code)
	}

	rec = postJSON(t, s, "/v1/chat/completions", chatBody("My email is test@example.com"))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 with the email rule back on", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, okUpstream())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var health struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "healthy" {
		t.Errorf("status = %q, want healthy", health.Status)
	}
	if health.Components["pattern_matcher"] != "ready" {
		t.Errorf("pattern_matcher = %q, want ready", health.Components["pattern_matcher"])
	}
	// The recognizer is disabled in this wiring.
	if health.Components["entity_recognizer"] != "unavailable" {
		t.Errorf("entity_recognizer = %q, want unavailable", health.Components["entity_recognizer"])
	}
}

func TestStatsEndpoint(t *testing.T) {
	s := newTestServer(t, okUpstream())

	postJSON(t, s, "/v1/chat/completions", chatBody("hello"))
	postJSON(t, s, "/v1/chat/completions", chatBody("sk-abcdefghijklmnopqrstuvwxyz0123456789"))

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var stats struct {
		Pipeline struct {
			TotalRequests int64 `json:"total_requests"`
			Blocked       int64 `json:"blocked"`
		} `json:"pipeline"`
		Rules int `json:"rules"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Pipeline.TotalRequests != 2 || stats.Pipeline.Blocked != 1 {
		t.Errorf("pipeline stats = %+v, want 2 total / 1 blocked", stats.Pipeline)
	}
	if stats.Rules == 0 {
		t.Error("rules count missing from stats")
	}
}

func TestApplyConfigHotReload(t *testing.T) {
	s := newTestServer(t, okUpstream())

	cfg := config.GetDefaults()
	cfg.Security.BlockOnDetection = false
	s.ApplyConfig(cfg)

	rec := postJSON(t, s, "/v1/chat/completions", chatBody("My email is test@example.com"))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 after relaxing the policy", rec.Code)
	}
}

package proxy

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/gatekeep/llm-gatekeeper/internal/detect"
	"github.com/gatekeep/llm-gatekeeper/internal/pattern"
	"github.com/gatekeep/llm-gatekeeper/internal/provider"
)

// handleChatCompletions scans the request, and either refuses it or
// forwards it upstream.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r.Context())
	log := s.logger.WithRequestID(requestID)

	var req provider.ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 10<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid request body",
		})
		return
	}
	if len(req.Messages) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "messages must not be empty",
		})
		return
	}

	result, err := s.orchestrator.Handle(r.Context(), requestID, &req)
	if err != nil {
		var provErr *provider.Error
		if errors.As(err, &provErr) && provErr.StatusCode > 0 {
			log.Warn("Upstream rejected request", zap.Int("status", provErr.StatusCode))
		}
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error": "upstream provider request failed",
		})
		return
	}

	if result.Blocked() {
		writeJSON(w, http.StatusBadRequest, result.Refusal)
		return
	}

	writeJSON(w, http.StatusOK, result.Response)
}

// patternRequest is the body of POST /v1/patterns.
type patternRequest struct {
	Name       string `json:"name"`
	Regex      string `json:"regex"`
	EntityType string `json:"entity_type"`
	Severity   string `json:"severity"`
}

// handleRegisterPattern adds a custom detection rule at runtime.
func (s *Server) handleRegisterPattern(w http.ResponseWriter, r *http.Request) {
	var req patternRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Name == "" || req.Regex == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name and regex are required"})
		return
	}

	severity := detect.SeverityPII
	if req.Severity == "secret" {
		severity = detect.SeveritySecret
	}

	entityType := detect.CustomType(req.Name)
	if req.EntityType != "" {
		entityType = detect.EntityType(req.EntityType)
	}

	if err := s.matcher.Register(req.Name, req.Regex, entityType, severity); err != nil {
		var compileErr *pattern.CompileError
		if errors.As(err, &compileErr) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": compileErr.Error(),
			})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"name":        req.Name,
		"entity_type": string(entityType),
		"severity":    severity.String(),
	})
}

// handleListPatterns returns all rule names with their enabled state.
func (s *Server) handleListPatterns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": s.matcher.Rules(),
	})
}

// handleUnregisterPattern removes a rule by name.
func (s *Server) handleUnregisterPattern(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.matcher.Unregister(name); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEnablePattern re-enables a rule.
func (s *Server) handleEnablePattern(w http.ResponseWriter, r *http.Request) {
	s.togglePattern(w, r, true)
}

// handleDisablePattern disables a rule without removing it.
func (s *Server) handleDisablePattern(w http.ResponseWriter, r *http.Request) {
	s.togglePattern(w, r, false)
}

func (s *Server) togglePattern(w http.ResponseWriter, r *http.Request, enable bool) {
	name := mux.Vars(r)["name"]
	var err error
	if enable {
		err = s.matcher.EnableRule(name)
	} else {
		err = s.matcher.DisableRule(name)
	}
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"name": name, "enabled": enable})
}

// handleHealth reports the availability of each pipeline component.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	recognizerStatus := "unavailable"
	if s.engine != nil {
		recognizerStatus = "ready"
	}
	cacheStatus := "disabled"
	if s.verdicts != nil {
		cacheStatus = "ready"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"components": map[string]string{
			"pattern_matcher":   "ready",
			"entity_recognizer": recognizerStatus,
			"verdict_cache":     cacheStatus,
			"audit_recorder":    "ready",
		},
	})
}

// handleStats serves pipeline, cache, and hub counters.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"pipeline":  s.orchestrator.Stats(),
		"websocket": s.wsHub.Stats(),
		"rules":     len(s.matcher.Rules()),
	}
	if s.verdicts != nil {
		stats["cache"] = s.verdicts.Stats()
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are already written; nothing to do but note it.
		_ = err
	}
}

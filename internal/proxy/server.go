package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/gatekeep/llm-gatekeeper/internal/audit"
	"github.com/gatekeep/llm-gatekeeper/internal/cache"
	"github.com/gatekeep/llm-gatekeeper/internal/config"
	"github.com/gatekeep/llm-gatekeeper/internal/detect"
	"github.com/gatekeep/llm-gatekeeper/internal/logger"
	"github.com/gatekeep/llm-gatekeeper/internal/pattern"
	"github.com/gatekeep/llm-gatekeeper/internal/pipeline"
	"github.com/gatekeep/llm-gatekeeper/internal/provider"
	"github.com/gatekeep/llm-gatekeeper/internal/recognizer"
	"github.com/gatekeep/llm-gatekeeper/internal/web"
	"github.com/gatekeep/llm-gatekeeper/internal/websocket"
)

// Server is the gateway's HTTP front end. It owns the detector stack and
// the orchestrator, and exposes them over the OpenAI-compatible surface.
type Server struct {
	config       *config.Config
	logger       *logger.Logger
	matcher      *pattern.Matcher
	engine       *recognizer.Engine
	orchestrator *pipeline.Orchestrator
	verdicts     *cache.VerdictCache
	recorder     audit.Recorder
	router       *mux.Router
	server       *http.Server
	wsHub        *websocket.Hub
}

// New wires the full pipeline from configuration.
func New(cfg *config.Config, log *logger.Logger) (*Server, error) {
	matcher := pattern.New(log.WithComponent("pattern"))

	for _, cp := range cfg.Security.CustomPatterns {
		if err := matcher.Register(cp.Name, cp.Regex, customEntityType(cp), cp.Severity); err != nil {
			return nil, fmt.Errorf("failed to register custom pattern %q: %w", cp.Name, err)
		}
	}

	// Recognizer construction failure is not fatal; the pipeline runs
	// degraded on pattern coverage alone for the lifetime of the process.
	var engine *recognizer.Engine
	var engineUnavailable bool
	if cfg.Recognizer.Enabled {
		var err error
		engine, err = recognizer.NewEngine(recognizer.Config{
			ModelPath:     cfg.Recognizer.ModelPath,
			VocabPath:     cfg.Recognizer.VocabPath,
			ScanTimeout:   cfg.Recognizer.ScanTimeout,
			MaxConcurrent: cfg.Recognizer.MaxConcurrent,
		}, log.WithComponent("recognizer"))
		if err != nil {
			log.Warn("Entity recognizer unavailable, running degraded",
				zap.Error(err))
			engine = nil
			engineUnavailable = true
		}
	}

	recorder, err := buildRecorder(cfg, log)
	if err != nil {
		return nil, err
	}

	var verdicts *cache.VerdictCache
	if cfg.Cache.Enabled {
		verdicts, err = cache.NewVerdictCache(&cache.Config{
			RedisURL:       cfg.Cache.RedisURL,
			KeyPrefix:      cfg.Cache.KeyPrefix,
			MaxConnections: cfg.Cache.MaxConnections,
			MinIdleConns:   cfg.Cache.MinIdleConns,
			DefaultTTL:     cfg.Cache.DefaultTTL,
		}, log.WithComponent("cache"))
		if err != nil {
			return nil, fmt.Errorf("failed to create verdict cache: %w", err)
		}
	}

	wsHub := websocket.NewHub(&websocket.HubConfig{
		BroadcastScans:  cfg.Dashboard.BroadcastScans,
		BroadcastSystem: cfg.Dashboard.BroadcastSystem,
	}, log)

	client := provider.NewClient(provider.Config{
		BaseURL:        cfg.Upstream.BaseURL,
		APIKey:         cfg.Upstream.APIKey,
		Timeout:        cfg.Upstream.Timeout,
		RequestsPerMin: cfg.Upstream.RequestsPerMin,
	}, log.WithComponent("provider"))

	var events pipeline.EventSink
	if cfg.Dashboard.Enabled {
		events = wsHub
	}

	var recognizerDetector detect.Detector
	if engine != nil {
		recognizerDetector = engine
	}

	pipelineOpts := pipeline.Options{
		Matcher:           matcher,
		Recognizer:        recognizerDetector,
		EngineUnavailable: engineUnavailable,
		Forwarder:         client,
		Recorder:          recorder,
		RegistryVersion:   matcher.Version,
		Events:            events,
		Policy:            cfg.Security.Policy(),
		Logger:            log.WithComponent("pipeline"),
	}
	if verdicts != nil {
		pipelineOpts.Verdicts = verdicts
	}
	orchestrator := pipeline.New(pipelineOpts)

	router := mux.NewRouter()

	server := &Server{
		config:       cfg,
		logger:       log.WithComponent("proxy"),
		matcher:      matcher,
		engine:       engine,
		orchestrator: orchestrator,
		verdicts:     verdicts,
		recorder:     recorder,
		router:       router,
		wsHub:        wsHub,
	}

	server.setupRoutes()

	server.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return server, nil
}

// customEntityType resolves a pattern definition's entity type, defaulting
// to the CUSTOM:<name> namespace.
func customEntityType(cp detect.CustomPattern) detect.EntityType {
	if cp.EntityType != "" {
		return detect.EntityType(cp.EntityType)
	}
	return detect.CustomType(cp.Name)
}

// buildRecorder assembles the configured audit sinks behind the async
// writer.
func buildRecorder(cfg *config.Config, log *logger.Logger) (audit.Recorder, error) {
	var sinks []audit.Recorder

	if cfg.Audit.File.Enabled {
		file, err := audit.NewFileRecorder(cfg.Audit.File.Path, log.WithComponent("audit"))
		if err != nil {
			return nil, fmt.Errorf("failed to open audit file: %w", err)
		}
		sinks = append(sinks, file)
	}
	if cfg.Audit.Postgres.Enabled {
		pg, err := audit.NewPostgresRecorder(audit.PostgresConfig{
			DatabaseURL:  cfg.Audit.Postgres.DatabaseURL,
			MaxOpenConns: cfg.Audit.Postgres.MaxOpenConns,
			MaxIdleConns: cfg.Audit.Postgres.MaxIdleConns,
			ConnLifetime: cfg.Audit.Postgres.ConnLifetime,
		}, log.WithComponent("audit"))
		if err != nil {
			return nil, fmt.Errorf("failed to create audit store: %w", err)
		}
		sinks = append(sinks, pg)
	}

	if len(sinks) == 0 {
		return nil, errors.New("no audit sink enabled; every request must be auditable")
	}

	var sink audit.Recorder = sinks[0]
	if len(sinks) > 1 {
		sink = audit.NewMultiRecorder(sinks...)
	}
	return audit.NewAsyncRecorder(sink, cfg.Audit.QueueSize, log.WithComponent("audit")), nil
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/stats", s.handleStats).Methods("GET")

	api := s.router.PathPrefix("/v1").Subrouter()
	api.Use(s.loggingMiddleware)
	api.HandleFunc("/chat/completions", s.handleChatCompletions).Methods("POST")
	api.HandleFunc("/patterns", s.handleListPatterns).Methods("GET")
	api.HandleFunc("/patterns", s.handleRegisterPattern).Methods("POST")
	api.HandleFunc("/patterns/{name}", s.handleUnregisterPattern).Methods("DELETE")
	api.HandleFunc("/patterns/{name}/enable", s.handleEnablePattern).Methods("POST")
	api.HandleFunc("/patterns/{name}/disable", s.handleDisablePattern).Methods("POST")

	if s.config.Dashboard.Enabled {
		s.router.HandleFunc(s.config.Dashboard.Path, s.wsHub.HandleWebSocket).Methods("GET")
		s.router.HandleFunc("/", web.ServeDashboard).Methods("GET")
		s.router.HandleFunc("/dashboard", web.ServeDashboard).Methods("GET")
	}
}

// ApplyConfig installs a hot-reloaded policy on the running pipeline.
func (s *Server) ApplyConfig(cfg *config.Config) {
	s.orchestrator.SetPolicy(cfg.Security.Policy())
	s.logger.Info("Scanning policy reloaded",
		zap.Bool("enable_pii", cfg.Security.EnablePII),
		zap.Bool("enable_secrets", cfg.Security.EnableSecrets),
		zap.Bool("block_on_detection", cfg.Security.BlockOnDetection))
}

// Start starts the HTTP server and the dashboard hub.
func (s *Server) Start() error {
	s.logger.Info("Starting LLM Gatekeeper",
		zap.Int("port", s.config.Server.Port),
		zap.String("upstream", s.config.Upstream.BaseURL),
		zap.Bool("recognizer_ready", s.engine != nil),
	)

	go s.wsHub.Run()

	return s.server.ListenAndServe()
}

// Stop gracefully stops the server and flushes the audit queue.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping LLM Gatekeeper")

	err := s.server.Shutdown(ctx)

	if closeErr := s.recorder.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if s.verdicts != nil {
		s.verdicts.Close()
	}
	if s.engine != nil {
		s.engine.Close()
	}
	return err
}

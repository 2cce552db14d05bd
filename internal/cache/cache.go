package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/gatekeep/llm-gatekeeper/internal/detect"
	"github.com/gatekeep/llm-gatekeeper/internal/logger"
)

// Config contains Redis connection settings for the verdict cache.
type Config struct {
	RedisURL       string
	KeyPrefix      string
	MaxConnections int
	MinIdleConns   int
	DefaultTTL     time.Duration
}

// Stats reports cache performance counters.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// VerdictCache caches scan results keyed by content and policy so repeated
// identical prompts skip the detector stack. Degraded results are never
// stored; a later scan with the recognizer healthy must not be answered
// from a degraded entry.
type VerdictCache struct {
	client *redis.Client
	config *Config
	logger *logger.Logger

	hits   int64
	misses int64
}

// cachedFinding is the persisted form of a finding. It keeps severity,
// source, and rule order so a cache hit is field-wise identical to a fresh
// scan; the value excerpt is never persisted.
type cachedFinding struct {
	EntityType detect.EntityType `json:"entity_type"`
	Span       detect.Span       `json:"span"`
	Confidence float64           `json:"confidence"`
	Source     detect.Source     `json:"source"`
	Severity   detect.Severity   `json:"severity"`
	RuleOrder  int               `json:"rule_order"`
}

type cachedVerdict struct {
	Verdict  detect.Verdict  `json:"verdict"`
	Degraded bool            `json:"degraded"`
	Findings []cachedFinding `json:"findings,omitempty"`
	CachedAt time.Time       `json:"cached_at"`
}

func toCached(result detect.ScanResult) cachedVerdict {
	cached := cachedVerdict{
		Verdict:  result.Verdict,
		Degraded: result.Degraded,
		CachedAt: time.Now().UTC(),
	}
	for _, f := range result.Findings {
		cached.Findings = append(cached.Findings, cachedFinding{
			EntityType: f.EntityType,
			Span:       f.Span,
			Confidence: f.Confidence,
			Source:     f.Source,
			Severity:   f.Severity,
			RuleOrder:  f.RuleOrder,
		})
	}
	return cached
}

func (c cachedVerdict) result() detect.ScanResult {
	result := detect.ScanResult{Verdict: c.Verdict, Degraded: c.Degraded}
	for _, f := range c.Findings {
		result.Findings = append(result.Findings, detect.Finding{
			EntityType: f.EntityType,
			Span:       f.Span,
			Confidence: f.Confidence,
			Source:     f.Source,
			Severity:   f.Severity,
			RuleOrder:  f.RuleOrder,
		})
	}
	return result
}

// NewVerdictCache connects to Redis and verifies the connection.
func NewVerdictCache(config *Config, log *logger.Logger) (*VerdictCache, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opts.PoolSize = config.MaxConnections
	opts.MinIdleConns = config.MinIdleConns

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info("Verdict cache initialized",
		zap.Int("max_connections", config.MaxConnections),
		zap.Duration("default_ttl", config.DefaultTTL))

	return &VerdictCache{client: client, config: config, logger: log}, nil
}

// Key derives a cache key from the scanned content, the active policy, and
// the rule-registry version. Any policy change or registry mutation
// invalidates prior entries because both are part of the hash input.
func (c *VerdictCache) Key(content string, policy detect.Policy, registryVersion uint64) string {
	h := sha256.New()
	h.Write([]byte(content))
	fmt.Fprintf(h, "|pii=%t|secrets=%t|block=%t|threshold=%.4f|responses=%t|rules=%d",
		policy.EnablePII, policy.EnableSecrets, policy.BlockOnDetection,
		policy.EffectiveThreshold(), policy.ScanResponses, registryVersion)
	prefix := c.config.KeyPrefix
	if prefix == "" {
		prefix = "gatekeeper"
	}
	return prefix + ":verdict:" + hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached result for the key, or ok=false on a miss. Redis
// errors are treated as misses so cache trouble never blocks a scan.
func (c *VerdictCache) Get(ctx context.Context, key string) (detect.ScanResult, bool) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("Verdict cache read failed", zap.Error(err))
		}
		atomic.AddInt64(&c.misses, 1)
		return detect.ScanResult{}, false
	}

	var cached cachedVerdict
	if err := json.Unmarshal(data, &cached); err != nil {
		c.logger.Warn("Verdict cache entry corrupt, evicting", zap.Error(err))
		c.client.Del(ctx, key)
		atomic.AddInt64(&c.misses, 1)
		return detect.ScanResult{}, false
	}

	atomic.AddInt64(&c.hits, 1)
	return cached.result(), true
}

// Put stores a scan result. Degraded results are skipped.
func (c *VerdictCache) Put(ctx context.Context, key string, result detect.ScanResult) {
	if result.Degraded {
		return
	}

	data, err := json.Marshal(toCached(result))
	if err != nil {
		c.logger.Warn("Verdict cache marshal failed", zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, key, data, c.config.DefaultTTL).Err(); err != nil {
		c.logger.Warn("Verdict cache write failed", zap.Error(err))
	}
}

// Stats returns hit and miss counters.
func (c *VerdictCache) Stats() Stats {
	hits := atomic.LoadInt64(&c.hits)
	misses := atomic.LoadInt64(&c.misses)
	total := hits + misses
	s := Stats{Hits: hits, Misses: misses}
	if total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}

// Close releases the Redis connection pool.
func (c *VerdictCache) Close() error {
	return c.client.Close()
}

package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/kortexai/kortex/internal/telemetry"
)

// CachedService wraps a backend Service with a SHA-256-keyed cache so that
// re-embedding identical artifact content (a common case: the Deduplication
// Gate re-checks a request against its own prior plan) is a cache hit
// instead of a backend round trip. Falls back to an in-process sync.Map
// when no redis.Client is configured, so the cache degrades gracefully in
// tests and single-process deployments.
type CachedService struct {
	backend Service
	redis   *redis.Client
	local   sync.Map // string (hash) -> []float32

	log telemetry.Logger
}

// CacheOption configures a CachedService.
type CacheOption func(*CachedService)

// WithRedis backs the cache with a redis.Client instead of the in-process map.
func WithRedis(c *redis.Client) CacheOption { return func(s *CachedService) { s.redis = c } }

// WithCacheLogger overrides the cache's logger.
func WithCacheLogger(l telemetry.Logger) CacheOption { return func(s *CachedService) { s.log = l } }

// NewCachedService wraps backend with content-addressed caching.
func NewCachedService(backend Service, opts ...CacheOption) *CachedService {
	s := &CachedService{backend: backend, log: telemetry.NewNoopLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "kortex:embed:" + hex.EncodeToString(sum[:])
}

// Embed returns the cached vector for text if present, otherwise computes it
// via the backend and stores the result before returning.
func (s *CachedService) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(text)

	if v, ok := s.lookup(ctx, key); ok {
		return v, nil
	}

	vec, err := s.backend.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	s.store(ctx, key, vec)
	return vec, nil
}

// Cosine delegates to the backend's similarity scorer.
func (s *CachedService) Cosine(a, b []float32) float64 { return s.backend.Cosine(a, b) }

func (s *CachedService) lookup(ctx context.Context, key string) ([]float32, bool) {
	if s.redis != nil {
		b, err := s.redis.Get(ctx, key).Bytes()
		if err == nil {
			return decodeVector(b), true
		}
		if err != redis.Nil {
			s.log.Warn(ctx, "embedding cache read failed, falling back to backend", "err", err.Error())
		}
		return nil, false
	}
	if v, ok := s.local.Load(key); ok {
		return v.([]float32), true
	}
	return nil, false
}

func (s *CachedService) store(ctx context.Context, key string, vec []float32) {
	if s.redis != nil {
		if err := s.redis.Set(ctx, key, encodeVector(vec), 0).Err(); err != nil {
			s.log.Warn(ctx, "embedding cache write failed", "err", err.Error())
		}
		return
	}
	s.local.Store(key, vec)
}

func encodeVector(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

func decodeVector(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4 : i*4+4]))
	}
	return out
}

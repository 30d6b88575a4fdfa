package drain

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// FingerprintCache tracks fingerprint repeat counts and the stopped
// fingerprint/run sets across a drain session. A shared-quota deployment
// running more than one drain session concurrently backs this with Redis
// so sessions see each other's counts; a lone session degrades to an
// in-process map, never fatally.
type FingerprintCache interface {
	Incr(ctx context.Context, fingerprint string) (int64, error)
	StopFingerprint(ctx context.Context, fingerprint string) error
	IsStoppedFingerprint(ctx context.Context, fingerprint string) (bool, error)
	StopRun(ctx context.Context, runID string) error
	IsStoppedRun(ctx context.Context, runID string) (bool, error)
	StoppedFingerprints(ctx context.Context) ([]string, error)
	StoppedRuns(ctx context.Context) ([]string, error)
}

// memoryCache is the graceful-degrade default: a mutex-protected map, used
// whenever no Redis client is configured.
type memoryCache struct {
	mu                  sync.Mutex
	counts              map[string]int64
	stoppedFingerprints map[string]bool
	stoppedRuns         map[string]bool
}

// NewMemoryCache builds an in-process FingerprintCache.
func NewMemoryCache() FingerprintCache {
	return &memoryCache{
		counts:              map[string]int64{},
		stoppedFingerprints: map[string]bool{},
		stoppedRuns:         map[string]bool{},
	}
}

func (c *memoryCache) Incr(ctx context.Context, fingerprint string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[fingerprint]++
	return c.counts[fingerprint], nil
}

func (c *memoryCache) StopFingerprint(ctx context.Context, fingerprint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stoppedFingerprints[fingerprint] = true
	return nil
}

func (c *memoryCache) IsStoppedFingerprint(ctx context.Context, fingerprint string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stoppedFingerprints[fingerprint], nil
}

func (c *memoryCache) StopRun(ctx context.Context, runID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stoppedRuns[runID] = true
	return nil
}

func (c *memoryCache) IsStoppedRun(ctx context.Context, runID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stoppedRuns[runID], nil
}

func (c *memoryCache) StoppedFingerprints(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.stoppedFingerprints))
	for fp := range c.stoppedFingerprints {
		out = append(out, fp)
	}
	return out, nil
}

func (c *memoryCache) StoppedRuns(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.stoppedRuns))
	for id := range c.stoppedRuns {
		out = append(out, id)
	}
	return out, nil
}

// redisCache backs FingerprintCache with a shared redis.Client (the same
// client type pkg/router's quota checker uses), so multiple drain sessions
// against the same deployment see each other's fingerprint counts and
// stop decisions instead of duplicating work the other session already
// gave up on.
type redisCache struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisCache builds a FingerprintCache backed by client, namespacing
// all keys under keyPrefix (both entrypoints pass the fixed prefix
// "autopack:drain").
func NewRedisCache(client *redis.Client, keyPrefix string) FingerprintCache {
	return &redisCache{client: client, keyPrefix: keyPrefix}
}

func (c *redisCache) key(parts ...string) string {
	k := c.keyPrefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (c *redisCache) Incr(ctx context.Context, fingerprint string) (int64, error) {
	return c.client.Incr(ctx, c.key("fp", fingerprint)).Result()
}

func (c *redisCache) StopFingerprint(ctx context.Context, fingerprint string) error {
	return c.client.SAdd(ctx, c.key("stopped_fingerprints"), fingerprint).Err()
}

func (c *redisCache) IsStoppedFingerprint(ctx context.Context, fingerprint string) (bool, error) {
	return c.client.SIsMember(ctx, c.key("stopped_fingerprints"), fingerprint).Result()
}

func (c *redisCache) StopRun(ctx context.Context, runID string) error {
	return c.client.SAdd(ctx, c.key("stopped_runs"), runID).Err()
}

func (c *redisCache) IsStoppedRun(ctx context.Context, runID string) (bool, error) {
	return c.client.SIsMember(ctx, c.key("stopped_runs"), runID).Result()
}

func (c *redisCache) StoppedFingerprints(ctx context.Context) ([]string, error) {
	return c.client.SMembers(ctx, c.key("stopped_fingerprints")).Result()
}

func (c *redisCache) StoppedRuns(ctx context.Context) ([]string, error) {
	return c.client.SMembers(ctx, c.key("stopped_runs")).Result()
}

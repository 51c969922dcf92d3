// Package cache provides a Redis-backed cache of grouped report records keyed
// by document content.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/savegress/auditascan/internal/config"
	"github.com/savegress/auditascan/pkg/models"
)

// Cache provides Redis-based caching operations
type Cache struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	enabled   bool

	hits   atomic.Int64
	misses atomic.Int64
}

// Stats reports cache effectiveness since start
type Stats struct {
	Enabled bool  `json:"enabled"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// New creates a new Cache instance. A disabled cache never touches Redis and
// misses on every lookup.
func New(cfg *config.CacheConfig) (*Cache, error) {
	if !cfg.Enabled {
		return &Cache{enabled: false}, nil
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "auditascan"
	}

	return &Cache{
		client:    client,
		keyPrefix: prefix,
		ttl:       cfg.TTL,
		enabled:   true,
	}, nil
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// IsEnabled returns whether caching is enabled
func (c *Cache) IsEnabled() bool {
	return c.enabled
}

// key generates a cache key with prefix
func (c *Cache) key(parts ...string) string {
	key := c.keyPrefix
	for _, part := range parts {
		key += ":" + part
	}
	return key
}

// Get retrieves a value from cache. Misses return redis.Nil.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) error {
	if !c.enabled {
		return redis.Nil
	}

	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		return err
	}

	return json.Unmarshal(data, dest)
}

// Set stores a value in cache with TTL
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if !c.enabled {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	return c.client.Set(ctx, c.key(key), data, ttl).Err()
}

// Digest identifies a document by the SHA-256 of its page texts. Page
// boundaries are length-prefixed so that moving text across pages changes it.
func Digest(doc models.Document) string {
	h := sha256.New()
	var size [8]byte
	for _, page := range doc.Pages {
		binary.BigEndian.PutUint64(size[:], uint64(len(page)))
		h.Write(size[:])
		h.Write([]byte(page))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// GetReports returns the grouped records cached for a document digest
func (c *Cache) GetReports(ctx context.Context, digest string) ([]*models.GroupedReportRecord, bool, error) {
	var records []*models.GroupedReportRecord
	err := c.Get(ctx, "reports:"+digest, &records)
	if errors.Is(err, redis.Nil) {
		c.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		c.misses.Add(1)
		return nil, false, err
	}
	c.hits.Add(1)
	return records, true, nil
}

// SetReports caches the grouped records of a document digest
func (c *Cache) SetReports(ctx context.Context, digest string, records []*models.GroupedReportRecord) error {
	return c.Set(ctx, "reports:"+digest, records, c.ttl)
}

// Stats returns hit and miss counters
func (c *Cache) Stats() Stats {
	return Stats{
		Enabled: c.enabled,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}
}

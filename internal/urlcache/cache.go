// Package urlcache caches previously issued signed download URLs. Signed
// URLs are reusable capabilities until they expire, so serving a cached one
// avoids needless provider-side signing. The cache is a pure optimization:
// when Redis is unreachable every call falls through to a fresh signature.
package urlcache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"arcbase/api/internal/objstore"
)

const (
	DefaultExpiry = 5 * time.Minute
	DefaultSkew   = 10 * time.Second

	minExpiry = 30 * time.Second
	minSkew   = 5 * time.Second
)

// Signer mints a signed GET capability for one object.
type Signer interface {
	PresignGet(ctx context.Context, storageKey string, opts objstore.DownloadOptions, expiry time.Duration) (string, error)
}

type Entry struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type Cache struct {
	client *redis.Client
	signer Signer
	prefix string
	expiry time.Duration
	skew   time.Duration
}

// New creates a cache in front of the signer. client may be nil, in which
// case every call mints a fresh URL.
func New(client *redis.Client, signer Signer, expiry, skew time.Duration) *Cache {
	if expiry < minExpiry {
		expiry = minExpiry
	}
	if skew < minSkew {
		skew = minSkew
	}
	return &Cache{
		client: client,
		signer: signer,
		prefix: "download:url:",
		expiry: expiry,
		skew:   skew,
	}
}

// key includes every rendering option: different options produce different
// signed URLs and must never collide on one cache entry.
func (c *Cache) key(storageKey string, opts objstore.DownloadOptions) string {
	return c.prefix + storageKey +
		"|fn=" + opts.Filename +
		"|mime=" + opts.MimeType +
		"|inline=" + strconv.FormatBool(opts.Inline)
}

// GetOrIssue returns a cached signed URL when its remaining lifetime exceeds
// the skew buffer, otherwise mints and caches a fresh one.
func (c *Cache) GetOrIssue(ctx context.Context, storageKey string, opts objstore.DownloadOptions) (Entry, error) {
	now := time.Now()
	cacheKey := c.key(storageKey, opts)

	if c.client != nil {
		raw, err := c.client.Get(ctx, cacheKey).Result()
		if err == nil {
			var cached Entry
			if json.Unmarshal([]byte(raw), &cached) == nil && cached.ExpiresAt.Sub(now) > c.skew {
				return cached, nil
			}
		}
		// Cache miss, near-expiry hit, or Redis failure: mint fresh.
	}

	url, err := c.signer.PresignGet(ctx, storageKey, opts, c.expiry)
	if err != nil {
		return Entry{}, fmt.Errorf("issue download url: %w", err)
	}

	entry := Entry{URL: url, ExpiresAt: now.Add(c.expiry)}

	if c.client != nil {
		jsonData, err := json.Marshal(entry)
		if err == nil {
			// Store failures are ignored; the caller already has its URL.
			_ = c.client.Set(ctx, cacheKey, jsonData, c.expiry-c.skew).Err()
		}
	}

	return entry, nil
}

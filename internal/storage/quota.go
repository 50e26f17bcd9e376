package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// BucketQuota is the in-memory, periodically-flushed quota/usage cache for
// one bucket (§4.I). Quota enforcement is advisory: a write is admitted while
// usage is still below MaxBytes, even if it carries usage past the limit;
// once usage has reached MaxBytes, further writes are refused.
type BucketQuota struct {
	MaxBytes    int64 `json:"max_bytes"`
	CurrentBytes int64 `json:"current_bytes"`
	ObjectCount int64 `json:"object_count"`
	dirty       bool
	lastFlush   time.Time
}

// QuotaCache holds one BucketQuota per bucket, guarded by a single mutex
// since flush/rebuild frequency is low (1 Hz) relative to request volume.
type QuotaCache struct {
	store *Store
	mu    sync.Mutex
	quota map[string]*BucketQuota
}

// NewQuotaCache creates a quota cache backed by store.
func NewQuotaCache(store *Store) *QuotaCache {
	return &QuotaCache{store: store, quota: make(map[string]*BucketQuota)}
}

func (s *Store) quotaPath(bucket string) string {
	return filepath.Join(s.bucketDir(bucket), ".quota")
}

// get returns the cached quota for bucket, loading from disk or rebuilding
// by directory scan if no cache entry or file exists yet.
func (c *QuotaCache) get(bucket string) (*BucketQuota, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if q, ok := c.quota[bucket]; ok {
		return q, nil
	}

	data, err := os.ReadFile(c.store.quotaPath(bucket))
	if err == nil {
		var q BucketQuota
		if json.Unmarshal(data, &q) == nil {
			c.quota[bucket] = &q
			return &q, nil
		}
	}

	q, err := c.rebuild(bucket)
	if err != nil {
		return nil, err
	}
	c.quota[bucket] = q
	return q, nil
}

// rebuild walks the bucket directory to recompute usage from scratch; this
// is the recovery path when .quota is missing after a crash.
func (c *QuotaCache) rebuild(bucket string) (*BucketQuota, error) {
	res, err := c.store.ListObjects(context.Background(), bucket, ListObjectsOptions{MaxKeys: 1 << 30})
	if err != nil {
		return &BucketQuota{}, nil
	}
	q := &BucketQuota{}
	for _, obj := range res.Objects {
		q.CurrentBytes += obj.Size
		q.ObjectCount++
	}
	q.dirty = true
	return q, nil
}

// Reserve checks (and, if allowed, accounts for) an incoming write of size
// bytes against the bucket's quota. Returns false once current usage has
// reached MaxBytes (0 means unlimited); a write that starts below the limit
// is admitted even if it ends above it.
func (c *QuotaCache) Reserve(bucket string, size int64) (bool, error) {
	q, err := c.get(bucket)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if q.MaxBytes > 0 && q.CurrentBytes >= q.MaxBytes {
		return false, nil
	}
	q.CurrentBytes += size
	q.ObjectCount++
	q.dirty = true
	return true, nil
}

// Release accounts for a deleted object of size bytes.
func (c *QuotaCache) Release(bucket string, size int64) error {
	if _, err := c.get(bucket); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.quota[bucket]
	q.CurrentBytes -= size
	if q.CurrentBytes < 0 {
		q.CurrentBytes = 0
	}
	q.ObjectCount--
	if q.ObjectCount < 0 {
		q.ObjectCount = 0
	}
	q.dirty = true
	return nil
}

// SetMaxBytes configures the bucket's quota ceiling (0 = unlimited).
func (c *QuotaCache) SetMaxBytes(bucket string, maxBytes int64) error {
	q, err := c.get(bucket)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	q.MaxBytes = maxBytes
	q.dirty = true
	return nil
}

// FlushLoop runs a 1 Hz loop that persists dirty quotas to disk until ctx is
// canceled. Intended to run in its own goroutine.
func (c *QuotaCache) FlushLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.flushAll()
			return
		case <-ticker.C:
			c.flushAll()
		}
	}
}

func (c *QuotaCache) flushAll() {
	c.mu.Lock()
	dirty := make(map[string]BucketQuota, len(c.quota))
	for name, q := range c.quota {
		if q.dirty {
			dirty[name] = *q
			q.dirty = false
			q.lastFlush = time.Now()
		}
	}
	c.mu.Unlock()

	for name, q := range dirty {
		data, err := json.Marshal(q)
		if err != nil {
			continue
		}
		c.store.writeAtomic(c.store.quotaPath(name), data)
	}
}

// Package cache memoizes tag extraction per file, keyed by a change
// signature of the file on disk.
package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/phobologic/repomap/internal/metrics"
	"github.com/phobologic/repomap/internal/model"
)

// Extractor produces the tags of one file.
type Extractor interface {
	Extract(ctx context.Context, absPath, relPath string) []model.Tag
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, absPath, relPath string) []model.Tag

// Extract implements Extractor.
func (f ExtractorFunc) Extract(ctx context.Context, absPath, relPath string) []model.Tag {
	return f(ctx, absPath, relPath)
}

// Signature identifies a version of a file. Two stats of an unchanged file
// produce equal signatures.
type Signature struct {
	Size    int64
	ModTime int64 // nanoseconds since the Unix epoch
}

// SignatureOf stats path and returns its current signature.
func SignatureOf(path string) (Signature, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Signature{}, err
	}
	return Signature{Size: info.Size(), ModTime: info.ModTime().UnixNano()}, nil
}

// Entry is a cached extraction result.
type Entry struct {
	Signature Signature
	RelPath   string
	Tags      []model.Tag
}

// Stats counts cache activity since creation.
type Stats struct {
	Hits        int64
	Misses      int64
	Extractions int64
}

type store interface {
	get(key string) (Entry, bool)
	put(key string, e Entry)
	remove(key string)
	len() int
}

type mapStore map[string]Entry

func (m mapStore) get(k string) (Entry, bool) {
	e, ok := m[k]
	return e, ok
}

func (m mapStore) put(k string, e Entry) { m[k] = e }
func (m mapStore) remove(k string)       { delete(m, k) }
func (m mapStore) len() int              { return len(m) }

type lruStore struct{ c *lru.Cache[string, Entry] }

func (s lruStore) get(k string) (Entry, bool) { return s.c.Get(k) }
func (s lruStore) put(k string, e Entry)      { s.c.Add(k, e) }
func (s lruStore) remove(k string)            { s.c.Remove(k) }
func (s lruStore) len() int                   { return s.c.Len() }

// Cache is a concurrency-safe parse cache. Concurrent misses for the same
// path share a single extraction.
type Cache struct {
	extractor Extractor

	mu    sync.RWMutex
	store store
	group singleflight.Group

	hits        atomic.Int64
	misses      atomic.Int64
	extractions atomic.Int64
}

// Option configures a Cache.
type Option func(*Cache) error

// WithMaxEntries bounds the cache to n entries, evicting the least recently
// used. n <= 0 leaves the cache unbounded.
func WithMaxEntries(n int) Option {
	return func(c *Cache) error {
		if n <= 0 {
			return nil
		}
		l, err := lru.New[string, Entry](n)
		if err != nil {
			return err
		}
		c.store = lruStore{c: l}
		return nil
	}
}

// New returns a Cache backed by extractor.
func New(extractor Extractor, opts ...Option) (*Cache, error) {
	c := &Cache{
		extractor: extractor,
		store:     mapStore{},
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Get returns the tags of absPath, extracting them only when the file's
// signature differs from the cached one or forceRefresh is set. A file that
// cannot be stat'ed yields no tags and drops any stale entry.
func (c *Cache) Get(ctx context.Context, absPath, relPath string, forceRefresh bool) []model.Tag {
	sig, err := SignatureOf(absPath)
	if err != nil {
		c.Invalidate(absPath)
		return nil
	}

	if !forceRefresh {
		c.mu.RLock()
		e, ok := c.store.get(absPath)
		c.mu.RUnlock()
		if ok && e.Signature == sig && e.RelPath == relPath {
			c.hits.Add(1)
			metrics.CacheHitsTotal.Inc()
			return e.Tags
		}
	}
	c.misses.Add(1)
	metrics.CacheMissesTotal.Inc()

	v, _, _ := c.group.Do(flightKey(absPath, relPath, sig, forceRefresh), func() (any, error) {
		if !forceRefresh {
			c.mu.RLock()
			e, ok := c.store.get(absPath)
			c.mu.RUnlock()
			if ok && e.Signature == sig && e.RelPath == relPath {
				return e.Tags, nil
			}
		}

		// Callers joining this flight may outlive the one that started it.
		start := time.Now()
		tags := c.extractor.Extract(context.WithoutCancel(ctx), absPath, relPath)
		c.extractions.Add(1)
		metrics.ParsingDuration.WithLabelValues(languageLabel(absPath)).Observe(time.Since(start).Seconds())

		c.mu.Lock()
		if cur, ok := c.store.get(absPath); !ok || cur.Signature.ModTime <= sig.ModTime {
			c.store.put(absPath, Entry{Signature: sig, RelPath: relPath, Tags: tags})
		}
		metrics.CacheEntries.Set(float64(c.store.len()))
		c.mu.Unlock()
		return tags, nil
	})
	return v.([]model.Tag)
}

// flightKey identifies one extraction of one version of a file. A forced
// refresh never joins a regular extraction, which may have read the file
// before the caller's change.
func flightKey(absPath, relPath string, sig Signature, force bool) string {
	key := fmt.Sprintf("%s\x00%s\x00%d:%d", absPath, relPath, sig.Size, sig.ModTime)
	if force {
		key = "!" + key
	}
	return key
}

// Lookup returns the cached entry for absPath without touching the disk.
func (c *Cache) Lookup(absPath string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.get(absPath)
}

// Invalidate drops the entry for absPath.
func (c *Cache) Invalidate(absPath string) {
	c.mu.Lock()
	c.store.remove(absPath)
	metrics.CacheEntries.Set(float64(c.store.len()))
	c.mu.Unlock()
}

// Len returns the number of cached files.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.len()
}

// Stats returns a snapshot of the activity counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Extractions: c.extractions.Load(),
	}
}

func languageLabel(path string) string {
	if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext != "" {
		return ext
	}
	return "none"
}

// Package cache provides the per-path download cache. A photo is downloaded
// in full on its first read and served from a memory-mapped temp file after
// that.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/exp/mmap"
	"golang.org/x/sync/singleflight"

	"github.com/grfs/grfs/internal/logging"
	"github.com/grfs/grfs/internal/metrics"
	"github.com/grfs/grfs/pkg/models"
	"github.com/grfs/grfs/pkg/tree"
)

// ErrNotCached is returned by View for paths without a backing store.
var ErrNotCached = errors.New("not cached")

// ErrClosed is returned once the cache has been closed.
var ErrClosed = errors.New("cache closed")

// Resolver maps a filesystem path to its fetch URL.
type Resolver interface {
	URLFor(path string) (string, error)
}

// Fetcher downloads a photo body.
type Fetcher interface {
	FetchPhoto(ctx context.Context, url string) (io.ReadCloser, int64, error)
}

// Options configures a Cache.
type Options struct {
	Dir      string // parent of the private cache directory, os.TempDir() if empty
	MaxSize  int64  // bytes, 0 = unbounded
	Resolver Resolver
	Fetcher  Fetcher
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Entries int
	Bytes   int64
	MaxSize int64
	Hits    int64
	Misses  int64
	Fetches int64
	Evicted int64
}

// entry is one backing store. mu is held for reading while its bytes are in
// use; release takes it for writing before unmapping.
type entry struct {
	path       string
	file       string
	data       *mmap.ReaderAt
	size       int64
	lastAccess atomic.Int64
	reads      atomic.Int64 // calls to Cache.Read served from this entry

	mu sync.RWMutex
}

func (e *entry) touch() {
	e.lastAccess.Store(time.Now().UnixNano())
}

func (e *entry) readAt(size int, offset int64) ([]byte, error) {
	if offset >= e.size || size <= 0 {
		return []byte{}, nil
	}
	n := e.size - offset
	if int64(size) < n {
		n = int64(size)
	}
	buf := make([]byte, n)
	if _, err := e.data.ReadAt(buf, offset); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read backing store for %s: %w", e.path, err)
	}
	return buf, nil
}

func (e *entry) release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.data != nil {
		e.data.Close()
		e.data = nil
	}
	if err := os.Remove(e.file); err != nil && !os.IsNotExist(err) {
		logging.Warn("remove backing store", logging.String("file", e.file), logging.Err(err))
	}
}

// Cache holds one backing store per filesystem path.
type Cache struct {
	dir      string
	maxSize  int64
	resolver Resolver
	fetcher  Fetcher
	group    singleflight.Group

	mu      sync.RWMutex
	entries map[string]*entry
	size    int64
	closed  bool

	hits    atomic.Int64
	misses  atomic.Int64
	fetches atomic.Int64
	evicted atomic.Int64
}

// New creates a cache with a private directory under opts.Dir.
func New(opts Options) (*Cache, error) {
	if opts.Resolver == nil || opts.Fetcher == nil {
		return nil, fmt.Errorf("cache needs a resolver and a fetcher")
	}
	if opts.MaxSize < 0 {
		return nil, fmt.Errorf("negative cache size %d", opts.MaxSize)
	}
	dir, err := os.MkdirTemp(opts.Dir, "grfs-cache-")
	if err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Cache{
		dir:      dir,
		maxSize:  opts.MaxSize,
		resolver: opts.Resolver,
		fetcher:  opts.Fetcher,
		entries:  make(map[string]*entry),
	}, nil
}

// Dir returns the private cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

// canonical returns the cache key for path. Spellings that resolve to the
// same tree node share one key.
func canonical(path string) string {
	return strings.Join(tree.SplitPath(path), "/")
}

// acquire returns the entry for path with its read lock held. countRead
// marks the entry as served to a reader, under c.mu so EvictUnread sees it.
func (c *Cache) acquire(path string, countRead bool) (*entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[path]
	if !ok {
		return nil, false
	}
	e.mu.RLock()
	e.touch()
	if countRead {
		e.reads.Add(1)
	}
	return e, true
}

// Read returns up to size bytes of path's content starting at offset,
// downloading the whole photo first if it is not cached. Reads at or past
// the end return an empty slice.
func (c *Cache) Read(ctx context.Context, path string, size int, offset int64) ([]byte, error) {
	path = canonical(path)
	if offset < 0 {
		return nil, fmt.Errorf("read %s at offset %d: %w", path, offset, models.ErrInvalidArgument)
	}

	if e, ok := c.acquire(path, true); ok {
		defer e.mu.RUnlock()
		c.hits.Add(1)
		metrics.RecordCacheHit()
		return e.readAt(size, offset)
	}

	c.misses.Add(1)
	metrics.RecordCacheMiss()

	// The capacity bound can release a fresh entry before we get to it.
	for attempt := 0; attempt < 3; attempt++ {
		if err := c.ensure(ctx, path); err != nil {
			return nil, err
		}
		if e, ok := c.acquire(path, true); ok {
			defer e.mu.RUnlock()
			return e.readAt(size, offset)
		}
	}
	return nil, fmt.Errorf("read %s: backing store released before use", path)
}

// Fill makes sure path is cached and returns its content length.
func (c *Cache) Fill(ctx context.Context, path string) (int64, error) {
	path = canonical(path)
	if e, ok := c.acquire(path, false); ok {
		defer e.mu.RUnlock()
		return e.size, nil
	}
	if err := c.ensure(ctx, path); err != nil {
		return 0, err
	}
	e, ok := c.acquire(path, false)
	if !ok {
		return 0, fmt.Errorf("fill %s: backing store released before use", path)
	}
	defer e.mu.RUnlock()
	return e.size, nil
}

// ensure downloads path unless it is cached. Concurrent callers for the same
// path share one download, which is not cancelled when a caller gives up.
func (c *Cache) ensure(ctx context.Context, path string) error {
	ch := c.group.DoChan(path, func() (interface{}, error) {
		if c.IsCached(path) {
			return nil, nil
		}
		return nil, c.fetch(context.WithoutCancel(ctx), path)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cache) fetch(ctx context.Context, path string) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	url, err := c.resolver.URLFor(path)
	if err != nil {
		return err
	}

	start := time.Now()
	body, length, err := c.fetcher.FetchPhoto(ctx, url)
	if err != nil {
		metrics.RecordPhotoFetch(0, false)
		return err
	}
	defer body.Close()

	f, err := os.CreateTemp(c.dir, "GRFS_")
	if err != nil {
		return fmt.Errorf("create backing store: %w", err)
	}
	written, err := io.Copy(f, body)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("write backing store: %w", cerr)
	}
	if err == nil && length >= 0 && written != length {
		err = &models.TransportError{Op: "fetch", URL: url,
			Err: fmt.Errorf("got %d of %d bytes: %w", written, length, io.ErrUnexpectedEOF)}
	} else if err != nil {
		if _, ok := models.AsTransport(err); !ok {
			err = &models.TransportError{Op: "fetch", URL: url, Err: err}
		}
	}
	if err != nil {
		os.Remove(f.Name())
		metrics.RecordPhotoFetch(written, false)
		return err
	}

	data, err := mmap.Open(f.Name())
	if err != nil {
		os.Remove(f.Name())
		return fmt.Errorf("map backing store: %w", err)
	}

	e := &entry{path: path, file: f.Name(), data: data, size: written}
	e.touch()
	c.fetches.Add(1)
	metrics.RecordPhotoFetch(written, true)
	logging.Debug("photo downloaded",
		logging.String("path", path),
		logging.Int64("bytes", written),
		logging.Duration("duration", time.Since(start)),
	)

	return c.insert(e)
}

func (c *Cache) insert(e *entry) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		e.release()
		return ErrClosed
	}

	var victims []*entry
	if old, ok := c.entries[e.path]; ok {
		delete(c.entries, old.path)
		c.size -= old.size
		victims = append(victims, old)
	}
	if c.maxSize > 0 {
		for c.size+e.size > c.maxSize {
			v := c.removeOldest()
			if v == nil {
				break
			}
			victims = append(victims, v)
			c.evicted.Add(1)
			metrics.RecordCacheEviction()
		}
	}
	c.entries[e.path] = e
	c.size += e.size
	metrics.SetCacheUsage(len(c.entries), c.size)
	c.mu.Unlock()

	for _, v := range victims {
		v.release()
	}
	return nil
}

// removeOldest unlinks the least recently read entry.
// Must be called with lock held.
func (c *Cache) removeOldest() *entry {
	var oldest *entry
	for _, e := range c.entries {
		if oldest == nil || e.lastAccess.Load() < oldest.lastAccess.Load() {
			oldest = e
		}
	}
	if oldest == nil {
		return nil
	}
	delete(c.entries, oldest.path)
	c.size -= oldest.size
	return oldest
}

// Evict releases the backing store for path. It reports whether one existed.
func (c *Cache) Evict(path string) bool {
	path = canonical(path)
	c.mu.Lock()
	e, ok := c.entries[path]
	if ok {
		delete(c.entries, path)
		c.size -= e.size
		metrics.SetCacheUsage(len(c.entries), c.size)
	}
	c.mu.Unlock()

	if ok {
		e.release()
	}
	return ok
}

// EvictUnread releases the backing store for path unless Read has served it
// since it was downloaded. It reports whether the store was released.
func (c *Cache) EvictUnread(path string) bool {
	path = canonical(path)
	c.mu.Lock()
	e, ok := c.entries[path]
	if ok && e.reads.Load() > 0 {
		ok = false
	}
	if ok {
		delete(c.entries, path)
		c.size -= e.size
		metrics.SetCacheUsage(len(c.entries), c.size)
	}
	c.mu.Unlock()

	if ok {
		e.release()
	}
	return ok
}

// Clear releases every backing store and returns how many were released.
func (c *Cache) Clear() int {
	c.mu.Lock()
	victims := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		victims = append(victims, e)
	}
	c.entries = make(map[string]*entry)
	c.size = 0
	metrics.SetCacheUsage(0, 0)
	c.mu.Unlock()

	for _, e := range victims {
		e.release()
	}
	return len(victims)
}

// Close clears the cache and removes its directory.
func (c *Cache) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.Clear()
	return os.RemoveAll(c.dir)
}

// IsCached reports whether path has a backing store.
func (c *Cache) IsCached(path string) bool {
	path = canonical(path)
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[path]
	return ok
}

// View calls fn with the cached content of path. The backing store stays
// valid until fn returns.
func (c *Cache) View(path string, fn func(r io.ReaderAt, size int64) error) error {
	path = canonical(path)
	e, ok := c.acquire(path, false)
	if !ok {
		return fmt.Errorf("%s: %w", path, ErrNotCached)
	}
	defer e.mu.RUnlock()
	return fn(e.data, e.size)
}

// Stats returns cache statistics.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Entries: len(c.entries),
		Bytes:   c.size,
		MaxSize: c.maxSize,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Fetches: c.fetches.Load(),
		Evicted: c.evicted.Load(),
	}
}

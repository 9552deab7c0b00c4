// Package vfs implements the read-only filesystem operations shared by every
// host binding: list, stat and read, backed by the tree and download cache.
package vfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/grfs/grfs/internal/events"
	"github.com/grfs/grfs/internal/exif"
	"github.com/grfs/grfs/internal/logging"
	"github.com/grfs/grfs/internal/metrics"
	"github.com/grfs/grfs/pkg/cache"
	"github.com/grfs/grfs/pkg/models"
	"github.com/grfs/grfs/pkg/tree"
)

// Remote is everything the filesystem needs from the camera.
type Remote interface {
	tree.Remote
	cache.Fetcher
}

// Pinger reports camera reachability for the health check.
type Pinger interface {
	Ping(ctx context.Context) error
	IsOnline() bool
}

// State is the lifecycle state of the filesystem.
type State int

const (
	StateUnloaded State = iota
	StateLoaded
)

func (s State) String() string {
	if s == StateLoaded {
		return "loaded"
	}
	return "unloaded"
}

// Config holds filesystem configuration.
type Config struct {
	CacheDir          string
	MaxCacheSize      int64 // 0 = unbounded
	RefreshInterval   time.Duration
	HealthCheckPeriod time.Duration
	Location          *time.Location // for listing timestamps, time.Local if nil
}

// Stats holds session counters.
type Stats struct {
	Reloads        atomic.Int64
	FailedReloads  atomic.Int64
	Getattrs       atomic.Int64
	Listings       atomic.Int64
	Reads          atomic.Int64
	BytesRead      atomic.Int64
	ReadErrors     atomic.Int64
	RejectedWrites atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Reloads        int64
	FailedReloads  int64
	Getattrs       int64
	Listings       int64
	Reads          int64
	BytesRead      int64
	ReadErrors     int64
	RejectedWrites int64
	Cache          cache.Stats
}

// FS is the filesystem adapter. It is safe for concurrent use.
type FS struct {
	tree   *tree.Builder
	cache  *cache.Cache
	events *events.Broadcaster
	cfg    Config

	loopMu        sync.Mutex
	refreshCancel context.CancelFunc
	healthCancel  context.CancelFunc
	loops         sync.WaitGroup

	stats Stats
}

// New creates an unloaded filesystem. Call Reload before serving it.
func New(remote Remote, cfg Config) (*FS, error) {
	b := tree.New(remote, tree.Options{Location: cfg.Location})
	c, err := cache.New(cache.Options{
		Dir:      cfg.CacheDir,
		MaxSize:  cfg.MaxCacheSize,
		Resolver: b,
		Fetcher:  remote,
	})
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &FS{
		tree:   b,
		cache:  c,
		events: events.NewBroadcaster(),
		cfg:    cfg,
	}, nil
}

// Tree returns the tree builder.
func (f *FS) Tree() *tree.Builder {
	return f.tree
}

// Cache returns the download cache.
func (f *FS) Cache() *cache.Cache {
	return f.cache
}

// Events returns the broadcaster for reload and connectivity events.
func (f *FS) Events() *events.Broadcaster {
	return f.events
}

// State returns the lifecycle state.
func (f *FS) State() State {
	if f.tree.Loaded() {
		return StateLoaded
	}
	return StateUnloaded
}

// Reload replaces the tree with a fresh listing from the camera. A failed
// reload leaves the current tree in place.
func (f *FS) Reload(ctx context.Context) (*tree.Tree, error) {
	t, err := f.tree.Reload(ctx)
	if err != nil {
		f.stats.FailedReloads.Add(1)
		logging.Error("reload failed", logging.Err(err), logging.String("state", f.State().String()))
		f.events.Publish(events.Event{Type: events.EventReloadFailed, Error: err.Error()})
		return nil, err
	}
	f.stats.Reloads.Add(1)
	f.events.Publish(events.Event{Type: events.EventReload, Generation: t.Generation, Photos: t.Photos})
	return t, nil
}

// ListDirectory returns ".", ".." and the sorted entries of the directory at path.
func (f *FS) ListDirectory(ctx context.Context, path string) ([]string, error) {
	f.stats.Listings.Add(1)
	node, err := f.tree.Resolve(path)
	if err == nil {
		dir, ok := node.(*models.Directory)
		if !ok {
			err = fmt.Errorf("%s: %w", path, models.ErrNotADirectory)
		} else {
			metrics.RecordFSOp("readdir", nil)
			return append([]string{".", ".."}, tree.ChildNames(dir)...), nil
		}
	}
	metrics.RecordFSOp("readdir", err)
	return nil, err
}

// GetAttributes returns the attributes of path, probing the photo size on
// first use.
func (f *FS) GetAttributes(ctx context.Context, path string) (models.Attrs, error) {
	f.stats.Getattrs.Add(1)
	a, err := f.tree.GetAttributes(ctx, path)
	metrics.RecordFSOp("getattr", err)
	return a, err
}

// Read returns up to size bytes of the photo at path starting at offset.
func (f *FS) Read(ctx context.Context, path string, size int, offset int64) ([]byte, error) {
	f.stats.Reads.Add(1)
	data, err := f.cache.Read(ctx, path, size, offset)
	metrics.RecordFSOp("read", err)
	if err != nil {
		f.stats.ReadErrors.Add(1)
		logging.Warn("read failed", logging.String("path", path), logging.Int64("offset", offset), logging.Err(err))
		return nil, err
	}
	f.stats.BytesRead.Add(int64(len(data)))
	return data, nil
}

// Exif returns the EXIF fields of a photo that is already cached. It never
// triggers a download.
func (f *FS) Exif(path string) (map[string]string, error) {
	var fields map[string]string
	err := f.cache.View(path, func(r io.ReaderAt, size int64) error {
		d, err := exif.Extract(io.NewSectionReader(r, 0, size))
		if err != nil {
			return err
		}
		fields = d.Fields()
		return nil
	})
	return fields, err
}

// IsCached reports whether the photo at path has been downloaded.
func (f *FS) IsCached(path string) bool {
	return f.cache.IsCached(path)
}

// ClearCache releases every downloaded photo.
func (f *FS) ClearCache() int {
	n := f.cache.Clear()
	f.events.Publish(events.Event{Type: events.EventCacheCleared})
	logging.Info("download cache cleared", logging.Int("entries", n))
	return n
}

// Close stops background loops and removes the download cache.
func (f *FS) Close() error {
	f.StopRefreshLoop()
	f.StopHealthCheck()
	f.loops.Wait()
	return f.cache.Close()
}

// StartRefreshLoop reloads the tree every RefreshInterval until stopped.
func (f *FS) StartRefreshLoop(ctx context.Context) {
	if f.cfg.RefreshInterval <= 0 {
		return
	}

	f.loopMu.Lock()
	defer f.loopMu.Unlock()
	if f.refreshCancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	f.refreshCancel = cancel

	f.loops.Add(1)
	go func() {
		defer f.loops.Done()
		ticker := time.NewTicker(f.cfg.RefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				f.Reload(loopCtx)
			case <-loopCtx.Done():
				return
			}
		}
	}()

	logging.Info("tree refresh enabled", logging.Duration("interval", f.cfg.RefreshInterval))
}

// StopRefreshLoop stops the refresh loop.
func (f *FS) StopRefreshLoop() {
	f.loopMu.Lock()
	defer f.loopMu.Unlock()
	if f.refreshCancel != nil {
		f.refreshCancel()
		f.refreshCancel = nil
	}
}

// StartHealthCheck pings the camera every HealthCheckPeriod and reloads the
// tree when it comes back online.
func (f *FS) StartHealthCheck(ctx context.Context, p Pinger) {
	if f.cfg.HealthCheckPeriod <= 0 {
		return
	}

	f.loopMu.Lock()
	defer f.loopMu.Unlock()
	if f.healthCancel != nil {
		return
	}
	healthCtx, cancel := context.WithCancel(ctx)
	f.healthCancel = cancel

	f.loops.Add(1)
	go func() {
		defer f.loops.Done()
		ticker := time.NewTicker(f.cfg.HealthCheckPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				f.checkHealth(healthCtx, p)
			case <-healthCtx.Done():
				return
			}
		}
	}()

	logging.Info("health check enabled", logging.Duration("interval", f.cfg.HealthCheckPeriod))
}

func (f *FS) checkHealth(ctx context.Context, p Pinger) {
	wasOnline := p.IsOnline()
	err := p.Ping(ctx)
	switch {
	case err == nil && !wasOnline:
		f.events.Publish(events.Event{Type: events.EventOnline})
		logging.Info("camera is back online, reloading tree")
		f.Reload(ctx)
	case err != nil && wasOnline && ctx.Err() == nil:
		f.events.Publish(events.Event{Type: events.EventOffline, Error: err.Error()})
	}
}

// StopHealthCheck stops the health check loop.
func (f *FS) StopHealthCheck() {
	f.loopMu.Lock()
	defer f.loopMu.Unlock()
	if f.healthCancel != nil {
		f.healthCancel()
		f.healthCancel = nil
	}
}

// GetStats returns a snapshot of the session counters.
func (f *FS) GetStats() StatsSnapshot {
	return StatsSnapshot{
		Reloads:        f.stats.Reloads.Load(),
		FailedReloads:  f.stats.FailedReloads.Load(),
		Getattrs:       f.stats.Getattrs.Load(),
		Listings:       f.stats.Listings.Load(),
		Reads:          f.stats.Reads.Load(),
		BytesRead:      f.stats.BytesRead.Load(),
		ReadErrors:     f.stats.ReadErrors.Load(),
		RejectedWrites: f.stats.RejectedWrites.Load(),
		Cache:          f.cache.Stats(),
	}
}

// Errno maps an error to the POSIX errno reported to the host.
func Errno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, models.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, models.ErrNotADirectory):
		return syscall.ENOTDIR
	case errors.Is(err, models.ErrIsDirectory):
		return syscall.EISDIR
	case errors.Is(err, models.ErrReadOnly):
		return syscall.EROFS
	case errors.Is(err, models.ErrInvalidArgument):
		return syscall.EINVAL
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return syscall.EINTR
	default:
		return syscall.EIO
	}
}

package vfs

import (
	"context"
	"fmt"
	"time"

	"github.com/grfs/grfs/internal/logging"
	"github.com/grfs/grfs/internal/metrics"
	"github.com/grfs/grfs/pkg/models"
)

// Every mutating operation fails with models.ErrReadOnly without touching
// the tree, the cache or the camera.

func (f *FS) reject(op, path string) error {
	f.stats.RejectedWrites.Add(1)
	err := fmt.Errorf("%s %s: %w", op, path, models.ErrReadOnly)
	metrics.RecordFSOp(op, err)
	logging.Debug("rejected write operation", logging.String("op", op), logging.String("path", path))
	return err
}

func (f *FS) Write(ctx context.Context, path string, data []byte, offset int64) error {
	return f.reject("write", path)
}

func (f *FS) Create(ctx context.Context, path string, mode uint32) error {
	return f.reject("create", path)
}

func (f *FS) Mkdir(ctx context.Context, path string, mode uint32) error {
	return f.reject("mkdir", path)
}

func (f *FS) Unlink(ctx context.Context, path string) error {
	return f.reject("unlink", path)
}

func (f *FS) Rmdir(ctx context.Context, path string) error {
	return f.reject("rmdir", path)
}

func (f *FS) Rename(ctx context.Context, oldPath, newPath string) error {
	return f.reject("rename", oldPath)
}

func (f *FS) Chmod(ctx context.Context, path string, mode uint32) error {
	return f.reject("chmod", path)
}

func (f *FS) Chown(ctx context.Context, path string, uid, gid uint32) error {
	return f.reject("chown", path)
}

func (f *FS) Truncate(ctx context.Context, path string, size int64) error {
	return f.reject("truncate", path)
}

func (f *FS) Utimens(ctx context.Context, path string, atime, mtime time.Time) error {
	return f.reject("utimens", path)
}

func (f *FS) Symlink(ctx context.Context, target, link string) error {
	return f.reject("symlink", link)
}

func (f *FS) Link(ctx context.Context, oldPath, newPath string) error {
	return f.reject("link", newPath)
}

func (f *FS) Setxattr(ctx context.Context, path, name string, value []byte) error {
	return f.reject("setxattr", path)
}

func (f *FS) Removexattr(ctx context.Context, path, name string) error {
	return f.reject("removexattr", path)
}

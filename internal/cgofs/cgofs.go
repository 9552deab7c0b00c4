//go:build cgo

// Package cgofs exposes the camera filesystem through cgofuse's path-based
// API, for hosts where go-fuse is not available (WinFsp, macFUSE).
package cgofs

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/winfsp/cgofuse/fuse"

	"github.com/grfs/grfs/internal/logging"
	"github.com/grfs/grfs/pkg/vfs"
)

// FS implements fuse.FileSystemInterface on top of the filesystem adapter.
// Operations it does not override fall back to FileSystemBase (-ENOSYS).
type FS struct {
	fuse.FileSystemBase

	fsys   *vfs.FS
	host   *fuse.FileSystemHost
	ctx    context.Context
	cancel context.CancelFunc

	initOnce sync.Once
	mounted  chan struct{} // closed by Init
	done     chan struct{} // closed when Mount returns
}

// New creates a cgofuse filesystem for fsys.
func New(fsys *vfs.FS) *FS {
	ctx, cancel := context.WithCancel(context.Background())
	f := &FS{
		fsys:    fsys,
		ctx:     ctx,
		cancel:  cancel,
		mounted: make(chan struct{}),
		done:    make(chan struct{}),
	}
	f.host = fuse.NewFileSystemHost(f)
	f.host.SetCapReaddirPlus(false)
	return f
}

// Supported reports whether this build can mount through cgofuse.
func Supported() bool { return true }

// Mount mounts the filesystem read-only and blocks until it is unmounted.
// It must be called at most once.
func (f *FS) Mount(mountPoint string, opts []string) error {
	defer close(f.done)

	logging.Info("mounting cgofuse filesystem", logging.String("mountpoint", mountPoint))
	if !f.host.Mount(mountPoint, append([]string{"-o", "ro,fsname=grfs"}, opts...)) {
		return errors.New("cgofuse mount failed")
	}
	return nil
}

// Unmount unmounts the filesystem. If the mount is still starting it waits
// for the host to come up first; it returns without unmounting when Mount
// has already returned. Unmount blocks until one of the two happens.
func (f *FS) Unmount() {
	select {
	case <-f.mounted:
	case <-f.done:
		return
	}
	for !f.host.Unmount() {
		logging.Debug("cgofuse: unmount not ready, retrying")
		select {
		case <-f.done:
			return
		case <-time.After(unmountRetry):
		}
	}
}

const unmountRetry = 100 * time.Millisecond

// clean converts a host path ("/thumb/...") to a tree path.
func clean(path string) string {
	return strings.Trim(path, "/")
}

// errno translates an adapter error to a negated cgofuse error code.
func errno(err error) int {
	switch vfs.Errno(err) {
	case 0:
		return 0
	case syscall.ENOENT:
		return -fuse.ENOENT
	case syscall.ENOTDIR:
		return -fuse.ENOTDIR
	case syscall.EISDIR:
		return -fuse.EISDIR
	case syscall.EROFS:
		return -fuse.EROFS
	case syscall.EINVAL:
		return -fuse.EINVAL
	case syscall.EINTR:
		return -fuse.EINTR
	default:
		return -fuse.EIO
	}
}

func (f *FS) Init() {
	logging.Debug("cgofuse: init")
	f.initOnce.Do(func() { close(f.mounted) })
}

func (f *FS) Destroy() {
	logging.Debug("cgofuse: destroy")
	f.cancel()
}

func (f *FS) Statfs(path string, stat *fuse.Statfs_t) int {
	stat.Bsize = 4096
	stat.Frsize = 4096
	stat.Namemax = 255
	stat.Flag = 1 // ST_RDONLY
	return 0
}

func (f *FS) Getattr(path string, stat *fuse.Stat_t, fh uint64) int {
	a, err := f.fsys.GetAttributes(f.ctx, clean(path))
	if err != nil {
		return errno(err)
	}
	stat.Mode = a.Mode
	stat.Nlink = a.Nlink
	if a.HasSize {
		stat.Size = a.Size
		stat.Blocks = (a.Size + 511) / 512
	}
	if a.Mtime > 0 {
		mt := fuse.NewTimespec(time.Unix(a.Mtime, 0))
		stat.Mtim = mt
		stat.Atim = mt
	}
	if a.Ctime > 0 {
		stat.Ctim = fuse.NewTimespec(time.Unix(a.Ctime, 0))
	}
	stat.Uid = uint32(os.Getuid())
	stat.Gid = uint32(os.Getgid())
	return 0
}

func (f *FS) Opendir(path string) (int, uint64) {
	if _, err := f.fsys.ListDirectory(f.ctx, clean(path)); err != nil {
		return errno(err), ^uint64(0)
	}
	return 0, 0
}

// Readdir fills every name including "." and "..". Stats are left to
// Getattr so listing a folder never probes photo sizes.
func (f *FS) Readdir(path string, fill func(name string, stat *fuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	names, err := f.fsys.ListDirectory(f.ctx, clean(path))
	if err != nil {
		return errno(err)
	}
	for _, name := range names {
		if !fill(name, nil, 0) {
			break
		}
	}
	return 0
}

func (f *FS) Open(path string, flags int) (int, uint64) {
	p := clean(path)
	if flags&(fuse.O_WRONLY|fuse.O_RDWR|fuse.O_APPEND|fuse.O_TRUNC|fuse.O_CREAT) != 0 {
		return errno(f.fsys.Write(f.ctx, p, nil, 0)), ^uint64(0)
	}
	if _, err := f.fsys.Tree().URLFor(p); err != nil {
		return errno(err), ^uint64(0)
	}
	return 0, 0
}

func (f *FS) Read(path string, buff []byte, ofst int64, fh uint64) int {
	data, err := f.fsys.Read(f.ctx, clean(path), len(buff), ofst)
	if err != nil {
		return errno(err)
	}
	return copy(buff, data)
}

func (f *FS) Write(path string, buff []byte, ofst int64, fh uint64) int {
	return errno(f.fsys.Write(f.ctx, clean(path), buff, ofst))
}

func (f *FS) Create(path string, flags int, mode uint32) (int, uint64) {
	return errno(f.fsys.Create(f.ctx, clean(path), mode)), ^uint64(0)
}

func (f *FS) Mkdir(path string, mode uint32) int {
	return errno(f.fsys.Mkdir(f.ctx, clean(path), mode))
}

func (f *FS) Unlink(path string) int {
	return errno(f.fsys.Unlink(f.ctx, clean(path)))
}

func (f *FS) Rmdir(path string) int {
	return errno(f.fsys.Rmdir(f.ctx, clean(path)))
}

func (f *FS) Rename(oldpath string, newpath string) int {
	return errno(f.fsys.Rename(f.ctx, clean(oldpath), clean(newpath)))
}

func (f *FS) Chmod(path string, mode uint32) int {
	return errno(f.fsys.Chmod(f.ctx, clean(path), mode))
}

func (f *FS) Chown(path string, uid uint32, gid uint32) int {
	return errno(f.fsys.Chown(f.ctx, clean(path), uid, gid))
}

func (f *FS) Truncate(path string, size int64, fh uint64) int {
	return errno(f.fsys.Truncate(f.ctx, clean(path), size))
}

func (f *FS) Utimens(path string, tmsp []fuse.Timespec) int {
	var atime, mtime time.Time
	if len(tmsp) >= 2 {
		atime = tmsp[0].Time()
		mtime = tmsp[1].Time()
	}
	return errno(f.fsys.Utimens(f.ctx, clean(path), atime, mtime))
}

func (f *FS) Symlink(target string, newpath string) int {
	return errno(f.fsys.Symlink(f.ctx, target, clean(newpath)))
}

func (f *FS) Link(oldpath string, newpath string) int {
	return errno(f.fsys.Link(f.ctx, clean(oldpath), clean(newpath)))
}

func (f *FS) Setxattr(path string, name string, value []byte, flags int) int {
	return errno(f.fsys.Setxattr(f.ctx, clean(path), name, value))
}

func (f *FS) Removexattr(path string, name string) int {
	return errno(f.fsys.Removexattr(f.ctx, clean(path), name))
}

// Package webdav serves the camera filesystem over WebDAV.
package webdav

import (
	"context"
	"errors"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"golang.org/x/net/webdav"

	"github.com/grfs/grfs/pkg/models"
	"github.com/grfs/grfs/pkg/vfs"
)

// CameraFS implements webdav.FileSystem over the filesystem adapter. It is
// read-only: every mutation fails with os.ErrPermission.
type CameraFS struct {
	fsys *vfs.FS
}

var _ webdav.FileSystem = (*CameraFS)(nil)

// NewFileSystem wraps fsys for the WebDAV handler.
func NewFileSystem(fsys *vfs.FS) *CameraFS {
	return &CameraFS{fsys: fsys}
}

// treePath converts a WebDAV name to a tree path.
func treePath(name string) string {
	return strings.Trim(path.Clean("/"+name), "/")
}

// osError maps adapter errors to the os errors the WebDAV handler checks for.
func osError(op, name string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, models.ErrNotFound):
		return &os.PathError{Op: op, Path: name, Err: os.ErrNotExist}
	case errors.Is(err, models.ErrReadOnly):
		return &os.PathError{Op: op, Path: name, Err: os.ErrPermission}
	case errors.Is(err, models.ErrInvalidArgument):
		return &os.PathError{Op: op, Path: name, Err: os.ErrInvalid}
	default:
		return err
	}
}

func (fs *CameraFS) Mkdir(ctx context.Context, name string, perm os.FileMode) error {
	return osError("mkdir", name, fs.fsys.Mkdir(ctx, treePath(name), uint32(perm)))
}

func (fs *CameraFS) RemoveAll(ctx context.Context, name string) error {
	return osError("remove", name, fs.fsys.Unlink(ctx, treePath(name)))
}

func (fs *CameraFS) Rename(ctx context.Context, oldName, newName string) error {
	return osError("rename", oldName, fs.fsys.Rename(ctx, treePath(oldName), treePath(newName)))
}

// Stat returns file info for name. Photos report their probed size.
func (fs *CameraFS) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	p := treePath(name)
	a, err := fs.fsys.GetAttributes(ctx, p)
	if err != nil {
		return nil, osError("stat", name, err)
	}
	return newFileInfo(p, a), nil
}

// OpenFile opens name for reading. Any write, create or truncate flag is
// rejected.
func (fs *CameraFS) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	p := treePath(name)
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
		return nil, osError("open", name, fs.fsys.Create(ctx, p, uint32(perm)))
	}

	a, err := fs.fsys.GetAttributes(ctx, p)
	if err != nil {
		return nil, osError("open", name, err)
	}
	return &File{fs: fs, ctx: ctx, path: p, info: newFileInfo(p, a)}, nil
}

// File implements webdav.File. Reads go through the download cache.
type File struct {
	fs   *CameraFS
	ctx  context.Context
	path string
	info *fileInfo

	offset  int64
	listing []os.FileInfo
	listed  bool
}

var _ webdav.File = (*File)(nil)

func (f *File) Close() error {
	return nil
}

func (f *File) Read(p []byte) (int, error) {
	if f.info.isDir {
		return 0, &os.PathError{Op: "read", Path: f.path, Err: errors.New("is a directory")}
	}
	if len(p) == 0 {
		return 0, nil
	}
	data, err := f.fs.fsys.Read(f.ctx, f.path, len(p), f.offset)
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, io.EOF
	}
	n := copy(p, data)
	f.offset += int64(n)
	return n, nil
}

func (f *File) Write(p []byte) (int, error) {
	return 0, osError("write", f.path, f.fs.fsys.Write(f.ctx, f.path, p, f.offset))
}

func (f *File) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = f.offset + offset
	case io.SeekEnd:
		next = f.info.size + offset
	default:
		return 0, &os.PathError{Op: "seek", Path: f.path, Err: os.ErrInvalid}
	}
	if next < 0 {
		return 0, &os.PathError{Op: "seek", Path: f.path, Err: os.ErrInvalid}
	}
	f.offset = next
	return next, nil
}

// Readdir returns the directory's children with the semantics of
// os.File.Readdir: count <= 0 returns everything that is left, count > 0
// returns at most count entries and io.EOF once exhausted.
func (f *File) Readdir(count int) ([]os.FileInfo, error) {
	if !f.info.isDir {
		return nil, &os.PathError{Op: "readdir", Path: f.path, Err: errors.New("not a directory")}
	}
	if !f.listed {
		names, err := f.fs.fsys.ListDirectory(f.ctx, f.path)
		if err != nil {
			return nil, osError("readdir", f.path, err)
		}
		for _, name := range names {
			if name == "." || name == ".." {
				continue
			}
			child := path.Join(f.path, name)
			a, err := f.fs.fsys.GetAttributes(f.ctx, child)
			if err != nil {
				return nil, osError("readdir", child, err)
			}
			f.listing = append(f.listing, newFileInfo(child, a))
		}
		f.listed = true
	}

	if count <= 0 {
		out := f.listing
		f.listing = nil
		return out, nil
	}
	if len(f.listing) == 0 {
		return nil, io.EOF
	}
	if count > len(f.listing) {
		count = len(f.listing)
	}
	out := f.listing[:count]
	f.listing = f.listing[count:]
	return out, nil
}

func (f *File) Stat() (os.FileInfo, error) {
	return f.info, nil
}

// fileInfo implements os.FileInfo.
type fileInfo struct {
	name    string
	size    int64
	isDir   bool
	perm    os.FileMode
	modTime time.Time
}

func newFileInfo(p string, a models.Attrs) *fileInfo {
	fi := &fileInfo{
		name:  path.Base("/" + p),
		size:  a.Size,
		isDir: a.IsDir(),
		perm:  os.FileMode(a.Mode) & os.ModePerm,
	}
	if a.Mtime > 0 {
		fi.modTime = time.Unix(a.Mtime, 0)
	}
	return fi
}

func (fi *fileInfo) Name() string       { return fi.name }
func (fi *fileInfo) Size() int64        { return fi.size }
func (fi *fileInfo) IsDir() bool        { return fi.isDir }
func (fi *fileInfo) ModTime() time.Time { return fi.modTime }
func (fi *fileInfo) Sys() interface{}   { return nil }

func (fi *fileInfo) Mode() os.FileMode {
	if fi.isDir {
		return os.ModeDir | fi.perm
	}
	return fi.perm
}

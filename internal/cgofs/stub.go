//go:build !cgo

package cgofs

import (
	"errors"

	"github.com/grfs/grfs/pkg/vfs"
)

// ErrUnsupported is returned by Mount in builds without cgo.
var ErrUnsupported = errors.New("cgofuse requires a cgo build")

// FS is a placeholder for builds without cgo.
type FS struct {
	fsys *vfs.FS
}

// New creates a placeholder filesystem.
func New(fsys *vfs.FS) *FS {
	return &FS{fsys: fsys}
}

// Supported reports whether this build can mount through cgofuse.
func Supported() bool { return false }

// Mount always fails without cgo.
func (f *FS) Mount(mountPoint string, opts []string) error {
	return ErrUnsupported
}

// Unmount does nothing.
func (f *FS) Unmount() {}

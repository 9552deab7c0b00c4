// Package fuse mounts the camera filesystem with go-fuse.
package fuse

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/grfs/grfs/internal/events"
	"github.com/grfs/grfs/internal/logging"
	"github.com/grfs/grfs/pkg/models"
	"github.com/grfs/grfs/pkg/tree"
	"github.com/grfs/grfs/pkg/vfs"
)

const xattrPrefix = "user.grfs."

// Node is a file or directory, identified by its path in the tree. Nodes
// resolve against whichever tree is active, so they stay valid across reloads.
type Node struct {
	fs.Inode

	fsys *vfs.FS
	path string
}

// NewRoot returns the root node for fsys.
func NewRoot(fsys *vfs.FS) *Node {
	return &Node{fsys: fsys}
}

// TreePath returns the node's path in the tree ("" for the root).
func (n *Node) TreePath() string {
	return n.path
}

func (n *Node) child(name string) string {
	if n.path == "" {
		return name
	}
	return n.path + "/" + name
}

func (n *Node) isDir() bool {
	node, err := n.fsys.Tree().Resolve(n.path)
	if err != nil {
		return false
	}
	_, ok := node.(*models.Directory)
	return ok
}

var _ fs.InodeEmbedder = (*Node)(nil)
var _ fs.NodeGetattrer = (*Node)(nil)
var _ fs.NodeLookuper = (*Node)(nil)
var _ fs.NodeReaddirer = (*Node)(nil)
var _ fs.NodeOpener = (*Node)(nil)
var _ fs.NodeReader = (*Node)(nil)
var _ fs.NodeGetxattrer = (*Node)(nil)
var _ fs.NodeListxattrer = (*Node)(nil)
var _ fs.NodeWriter = (*Node)(nil)
var _ fs.NodeCreater = (*Node)(nil)
var _ fs.NodeMkdirer = (*Node)(nil)
var _ fs.NodeUnlinker = (*Node)(nil)
var _ fs.NodeRmdirer = (*Node)(nil)
var _ fs.NodeRenamer = (*Node)(nil)
var _ fs.NodeSetattrer = (*Node)(nil)
var _ fs.NodeSymlinker = (*Node)(nil)
var _ fs.NodeLinker = (*Node)(nil)
var _ fs.NodeSetxattrer = (*Node)(nil)
var _ fs.NodeRemovexattrer = (*Node)(nil)

func fillAttr(a models.Attrs, out *gofuse.Attr) {
	out.Mode = a.Mode
	out.Nlink = a.Nlink
	if a.HasSize {
		out.Size = uint64(a.Size)
		out.Blocks = (out.Size + 511) / 512
	}
	if a.Mtime > 0 {
		out.Mtime = uint64(a.Mtime)
		out.Atime = out.Mtime
	}
	if a.Ctime > 0 {
		out.Ctime = uint64(a.Ctime)
	}
	out.Uid = uint32(os.Getuid())
	out.Gid = uint32(os.Getgid())
}

// Getattr returns the node's attributes. The first call on a photo probes
// its size.
func (n *Node) Getattr(ctx context.Context, fh fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	a, err := n.fsys.GetAttributes(ctx, n.path)
	if err != nil {
		return vfs.Errno(err)
	}
	fillAttr(a, &out.Attr)
	return 0
}

// Lookup finds a child by name.
func (n *Node) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	path := n.child(name)
	a, err := n.fsys.GetAttributes(ctx, path)
	if err != nil {
		return nil, vfs.Errno(err)
	}
	fillAttr(a, &out.Attr)

	child := &Node{fsys: n.fsys, path: path}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: a.Mode & syscall.S_IFMT}), 0
}

// Readdir lists directory contents.
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	names, err := n.fsys.ListDirectory(ctx, n.path)
	if err != nil {
		return nil, vfs.Errno(err)
	}

	entries := make([]gofuse.DirEntry, 0, len(names))
	for _, name := range names {
		if name == "." || name == ".." {
			continue
		}
		mode := uint32(syscall.S_IFREG)
		if node, err := n.fsys.Tree().Resolve(n.child(name)); err == nil {
			if _, ok := node.(*models.Directory); ok {
				mode = syscall.S_IFDIR
			}
		}
		entries = append(entries, gofuse.DirEntry{Name: name, Mode: mode})
	}
	return fs.NewListDirStream(entries), 0
}

// Open opens a photo for reading. Content is fetched on the first Read.
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_TRUNC|syscall.O_APPEND) != 0 {
		return nil, 0, vfs.Errno(n.fsys.Write(ctx, n.path, nil, 0))
	}
	if _, err := n.fsys.Tree().Resolve(n.path); err != nil {
		return nil, 0, vfs.Errno(err)
	}
	if n.isDir() {
		return nil, 0, syscall.EISDIR
	}
	logging.Debug("open", logging.String("path", n.path), logging.Bool("cached", n.fsys.IsCached(n.path)))
	return nil, gofuse.FOPEN_KEEP_CACHE, 0
}

// Read reads photo content through the download cache.
func (n *Node) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	data, err := n.fsys.Read(ctx, n.path, len(dest), off)
	if err != nil {
		return nil, vfs.Errno(err)
	}
	return gofuse.ReadResultData(data), 0
}

// xattrs returns the extended attributes of the node.
func (n *Node) xattrs() map[string]string {
	parts := tree.SplitPath(n.path)
	if len(parts) == 0 {
		return nil
	}
	attrs := map[string]string{xattrPrefix + "variant": parts[0]}
	if n.isDir() {
		return attrs
	}

	if url, err := n.fsys.Tree().URLFor(n.path); err == nil {
		attrs[xattrPrefix+"url"] = url
	}
	cached := n.fsys.IsCached(n.path)
	attrs[xattrPrefix+"cached"] = strconv.FormatBool(cached)
	if cached {
		if fields, err := n.fsys.Exif(n.path); err == nil {
			for k, v := range fields {
				attrs[xattrPrefix+"exif."+k] = v
			}
		}
	}
	return attrs
}

// Getxattr returns an extended attribute value.
func (n *Node) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	if !strings.HasPrefix(attr, xattrPrefix) {
		return 0, syscall.ENODATA
	}
	value, ok := n.xattrs()[attr]
	if !ok {
		return 0, syscall.ENODATA
	}

	if len(dest) == 0 {
		return uint32(len(value)), 0
	}
	if len(dest) < len(value) {
		return 0, syscall.ERANGE
	}
	copy(dest, value)
	return uint32(len(value)), 0
}

// Listxattr lists extended attributes.
func (n *Node) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	attrs := n.xattrs()
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)

	var total int
	for _, name := range names {
		total += len(name) + 1
	}
	if len(dest) == 0 {
		return uint32(total), 0
	}
	if len(dest) < total {
		return 0, syscall.ERANGE
	}

	offset := 0
	for _, name := range names {
		copy(dest[offset:], name)
		offset += len(name)
		dest[offset] = 0
		offset++
	}
	return uint32(total), 0
}

// Write-family operations are all rejected by the adapter.

func (n *Node) Write(ctx context.Context, fh fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	return 0, vfs.Errno(n.fsys.Write(ctx, n.path, data, off))
}

func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *gofuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	return nil, nil, 0, vfs.Errno(n.fsys.Create(ctx, n.child(name), mode))
}

func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	return nil, vfs.Errno(n.fsys.Mkdir(ctx, n.child(name), mode))
}

func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	return vfs.Errno(n.fsys.Unlink(ctx, n.child(name)))
}

func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return vfs.Errno(n.fsys.Rmdir(ctx, n.child(name)))
}

func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	newPath := newName
	if p, ok := newParent.(*Node); ok {
		newPath = p.child(newName)
	}
	return vfs.Errno(n.fsys.Rename(ctx, n.child(name), newPath))
}

func (n *Node) Setattr(ctx context.Context, fh fs.FileHandle, in *gofuse.SetAttrIn, out *gofuse.AttrOut) syscall.Errno {
	if sz, ok := in.GetSize(); ok {
		return vfs.Errno(n.fsys.Truncate(ctx, n.path, int64(sz)))
	}
	if mode, ok := in.GetMode(); ok {
		return vfs.Errno(n.fsys.Chmod(ctx, n.path, mode))
	}
	uid, uok := in.GetUID()
	gid, gok := in.GetGID()
	if uok || gok {
		return vfs.Errno(n.fsys.Chown(ctx, n.path, uid, gid))
	}
	atime, _ := in.GetATime()
	mtime, _ := in.GetMTime()
	return vfs.Errno(n.fsys.Utimens(ctx, n.path, atime, mtime))
}

func (n *Node) Symlink(ctx context.Context, target, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	return nil, vfs.Errno(n.fsys.Symlink(ctx, target, n.child(name)))
}

func (n *Node) Link(ctx context.Context, target fs.InodeEmbedder, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	oldPath := ""
	if t, ok := target.(*Node); ok {
		oldPath = t.path
	}
	return nil, vfs.Errno(n.fsys.Link(ctx, oldPath, n.child(name)))
}

func (n *Node) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	return vfs.Errno(n.fsys.Setxattr(ctx, n.path, attr, data))
}

func (n *Node) Removexattr(ctx context.Context, attr string) syscall.Errno {
	return vfs.Errno(n.fsys.Removexattr(ctx, n.path, attr))
}

// Config holds mount configuration.
type Config struct {
	AllowOther   bool
	Debug        bool
	EntryTimeout time.Duration // kernel entry and attribute cache, 1s if zero
}

// Server is a mounted filesystem.
type Server struct {
	server *gofuse.Server
	root   *Node
	sub    chan events.Event
	done   chan struct{}
	once   sync.Once
}

// Mount mounts fsys read-only at mountPoint.
func Mount(mountPoint string, fsys *vfs.FS, cfg Config) (*Server, error) {
	if err := os.MkdirAll(mountPoint, 0755); err != nil {
		return nil, fmt.Errorf("create mount point: %w", err)
	}
	if cfg.EntryTimeout <= 0 {
		cfg.EntryTimeout = time.Second
	}
	negativeTimeout := 100 * time.Millisecond

	root := NewRoot(fsys)
	opts := &fs.Options{
		EntryTimeout:    &cfg.EntryTimeout,
		AttrTimeout:     &cfg.EntryTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: gofuse.MountOptions{
			AllowOther: cfg.AllowOther,
			Debug:      cfg.Debug,
			FsName:     "grfs",
			Name:       "grfs",
			Options:    []string{"ro"},
		},
		UID: uint32(os.Getuid()),
		GID: uint32(os.Getgid()),
	}

	server, err := fs.Mount(mountPoint, root, opts)
	if err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}

	s := &Server{
		server: server,
		root:   root,
		sub:    fsys.Events().Subscribe(),
		done:   make(chan struct{}),
	}
	go s.watch(fsys)

	logging.Info("filesystem mounted", logging.String("mountpoint", mountPoint))
	return s, nil
}

// watch drops the kernel's cached variant entries after each reload.
func (s *Server) watch(fsys *vfs.FS) {
	defer fsys.Events().Unsubscribe(s.sub)
	for {
		select {
		case ev, ok := <-s.sub:
			if !ok {
				return
			}
			if ev.Type != events.EventReload {
				continue
			}
			for _, v := range models.Variants {
				if errno := s.root.NotifyEntry(string(v)); errno != 0 && errno != syscall.ENOENT {
					logging.Debug("entry invalidation failed",
						logging.String("variant", string(v)), logging.String("errno", errno.Error()))
				}
			}
		case <-s.done:
			return
		}
	}
}

// Wait blocks until the filesystem is unmounted.
func (s *Server) Wait() {
	s.server.Wait()
}

// Unmount unmounts the filesystem.
func (s *Server) Unmount() error {
	s.once.Do(func() { close(s.done) })
	return s.server.Unmount()
}

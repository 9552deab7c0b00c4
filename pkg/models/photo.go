// Package models contains the data types shared by the tree, cache and filesystem layers.
package models

import (
	"sync"
	"syscall"
)

// Variant is one of the fixed resolutions every photo is exposed under.
type Variant string

const (
	VariantThumb Variant = "thumb"
	VariantView  Variant = "view"
	VariantFull  Variant = "full"
)

// Variants lists the size variants in the order they appear at the tree root.
var Variants = []Variant{VariantThumb, VariantView, VariantFull}

// IsVariant reports whether name is one of the fixed size variants.
func IsVariant(name string) bool {
	for _, v := range Variants {
		if string(v) == name {
			return true
		}
	}
	return false
}

// Default modes, matching what the camera filesystem has always reported.
const (
	DirMode  = syscall.S_IFDIR | 0755
	FileMode = syscall.S_IFREG | 0755
)

// Attrs holds the stat-like attributes of a node.
// Size is only meaningful when HasSize is set.
type Attrs struct {
	Mode    uint32
	Nlink   uint32
	Mtime   int64
	Ctime   int64
	Size    int64
	HasSize bool
}

// IsDir reports whether the attributes describe a directory.
func (a Attrs) IsDir() bool {
	return a.Mode&syscall.S_IFMT == syscall.S_IFDIR
}

// DirAttrs returns the synthetic attributes reported for every directory.
func DirAttrs() Attrs {
	return Attrs{Mode: DirMode, Nlink: 2}
}

// Folder is one directory of the camera listing.
type Folder struct {
	Name  string `json:"name"`
	Files []File `json:"files"`
}

// File is one photo of the camera listing. Timestamp uses TimestampLayout.
type File struct {
	Name      string `json:"n"`
	Timestamp string `json:"d"`
}

// TimestampLayout is the format of File.Timestamp.
const TimestampLayout = "2006-01-02T15:04:05"

// Node is either a *Directory or a *PhotoEntry.
type Node interface {
	node()
}

// Directory is an internal node of the tree.
type Directory struct {
	Children map[string]Node
}

func (*Directory) node() {}

// NewDirectory returns an empty directory.
func NewDirectory() *Directory {
	return &Directory{Children: make(map[string]Node)}
}

// PhotoEntry is a leaf: a single photo for one size variant.
type PhotoEntry struct {
	Path string
	URL  string

	mu    sync.Mutex
	attrs Attrs
}

func (*PhotoEntry) node() {}

// NewPhotoEntry creates a leaf with provisional attributes (no size).
func NewPhotoEntry(path, url string, timestamp int64) *PhotoEntry {
	return &PhotoEntry{
		Path: path,
		URL:  url,
		attrs: Attrs{
			Mode:  FileMode,
			Nlink: 2,
			Mtime: timestamp,
			Ctime: timestamp,
		},
	}
}

// Attrs returns a copy of the entry's current attributes.
func (p *PhotoEntry) Attrs() Attrs {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attrs
}

// Size returns the cached size, if it has been resolved.
func (p *PhotoEntry) Size() (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attrs.Size, p.attrs.HasSize
}

// ResolveSize returns the cached size, calling probe to fill it on first use.
// Concurrent callers wait for the one in-flight probe. A failed probe is not
// remembered, so the next call probes again.
func (p *PhotoEntry) ResolveSize(probe func() (int64, error)) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attrs.HasSize {
		return p.attrs.Size, nil
	}
	size, err := probe()
	if err != nil {
		return 0, err
	}
	p.attrs.Size = size
	p.attrs.HasSize = true
	return size, nil
}

// Clone returns an independent copy of the entry with the given URL.
// The copy shares no mutable state with p.
func (p *PhotoEntry) Clone(url string) *PhotoEntry {
	return &PhotoEntry{
		Path:  p.Path,
		URL:   url,
		attrs: p.Attrs(),
	}
}

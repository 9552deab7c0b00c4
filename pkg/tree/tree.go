// Package tree builds the multi-resolution namespace from the camera listing
// and resolves filesystem paths against it.
package tree

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grfs/grfs/internal/logging"
	"github.com/grfs/grfs/internal/metrics"
	"github.com/grfs/grfs/pkg/models"
)

// Remote is the part of the camera client the builder uses.
type Remote interface {
	ListDirectories(ctx context.Context) ([]models.Folder, error)
	PhotoURL(path string) string
	PhotoSize(ctx context.Context, url string) (int64, error)
}

// Catalog maps folder name to file name to the untagged photo entry.
type Catalog map[string]map[string]*models.PhotoEntry

// Photos returns the number of entries in the catalog.
func (c Catalog) Photos() int {
	n := 0
	for _, files := range c {
		n += len(files)
	}
	return n
}

// Tree is one published generation of the namespace.
type Tree struct {
	Root       *models.Directory
	Generation uint64
	LoadedAt   time.Time
	Photos     int // per variant
}

// Resolve walks path through the tree.
func (t *Tree) Resolve(path string) (models.Node, error) {
	var node models.Node = t.Root
	for _, part := range SplitPath(path) {
		dir, ok := node.(*models.Directory)
		if !ok {
			return nil, fmt.Errorf("%s: %w", path, models.ErrNotFound)
		}
		child, ok := dir.Children[part]
		if !ok {
			return nil, fmt.Errorf("%s: %w", path, models.ErrNotFound)
		}
		node = child
	}
	return node, nil
}

// Options configures a Builder.
type Options struct {
	// Location interprets listing timestamps. Defaults to time.Local.
	Location *time.Location
}

// Builder owns the active tree. Reloads are serialized; resolves read an
// atomic snapshot and never wait for a reload.
type Builder struct {
	remote Remote
	loc    *time.Location

	reloadMu sync.Mutex
	current  atomic.Pointer[Tree]
}

// New creates a builder holding the empty generation-0 tree.
func New(remote Remote, opts Options) *Builder {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	b := &Builder{remote: remote, loc: opts.Location}
	b.current.Store(&Tree{Root: models.NewDirectory()})
	return b
}

// Current returns the active tree.
func (b *Builder) Current() *Tree {
	return b.current.Load()
}

// Generation returns the active tree's generation (0 before the first load).
func (b *Builder) Generation() uint64 {
	return b.Current().Generation
}

// Loaded reports whether a reload has ever succeeded.
func (b *Builder) Loaded() bool {
	return b.Generation() > 0
}

// LoadListing fetches the listing and turns it into untagged photo entries.
// A malformed timestamp fails the whole listing.
func (b *Builder) LoadListing(ctx context.Context) (Catalog, error) {
	folders, err := b.remote.ListDirectories(ctx)
	if err != nil {
		return nil, fmt.Errorf("load listing: %w", err)
	}

	catalog := make(Catalog, len(folders))
	for _, folder := range folders {
		if !validName(folder.Name) {
			logging.Warn("skipping folder with unusable name", logging.String("folder", folder.Name))
			continue
		}
		files := make(map[string]*models.PhotoEntry, len(folder.Files))
		for _, f := range folder.Files {
			if !validName(f.Name) {
				logging.Warn("skipping file with unusable name",
					logging.String("folder", folder.Name), logging.String("file", f.Name))
				continue
			}
			ts, err := time.ParseInLocation(models.TimestampLayout, f.Timestamp, b.loc)
			if err != nil {
				return nil, &models.MalformedDataError{Folder: folder.Name, File: f.Name, Value: f.Timestamp, Err: err}
			}
			path := folder.Name + "/" + f.Name
			files[f.Name] = models.NewPhotoEntry(path, b.remote.PhotoURL(path), ts.Unix())
		}
		catalog[folder.Name] = files
	}
	return catalog, nil
}

func validName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.Contains(name, "/")
}

// BuildTree produces the three variant roots from catalog. Every leaf is an
// independent clone whose URL carries its variant tag.
func BuildTree(catalog Catalog) *models.Directory {
	root := models.NewDirectory()
	for _, variant := range models.Variants {
		vdir := models.NewDirectory()
		for folderName, files := range catalog {
			fdir := models.NewDirectory()
			for fileName, photo := range files {
				fdir.Children[fileName] = photo.Clone(TagURL(photo.URL, variant))
			}
			vdir.Children[folderName] = fdir
		}
		root.Children[string(variant)] = vdir
	}
	return root
}

// TagURL appends the size variant query parameter to url.
func TagURL(url string, variant models.Variant) string {
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	return url + sep + "size=" + string(variant)
}

// Reload fetches the listing, builds a new tree and publishes it. On error
// the active tree is left untouched.
func (b *Builder) Reload(ctx context.Context) (*Tree, error) {
	b.reloadMu.Lock()
	defer b.reloadMu.Unlock()

	start := time.Now()
	catalog, err := b.LoadListing(ctx)
	if err != nil {
		metrics.RecordReload(time.Since(start), false)
		return nil, err
	}

	t := &Tree{
		Root:       BuildTree(catalog),
		Generation: b.Current().Generation + 1,
		LoadedAt:   time.Now(),
		Photos:     catalog.Photos(),
	}
	b.current.Store(t)

	metrics.RecordReload(time.Since(start), true)
	metrics.SetTree(t.Photos, t.Generation)
	logging.Info("tree reloaded",
		logging.Uint64("generation", t.Generation),
		logging.Int("folders", len(catalog)),
		logging.Int("photos", t.Photos),
		logging.Duration("duration", time.Since(start)),
	)
	return t, nil
}

// Resolve walks path through the active tree.
func (b *Builder) Resolve(path string) (models.Node, error) {
	return b.Current().Resolve(path)
}

// GetAttributes returns the attributes of path, probing and caching the
// photo size on first use.
func (b *Builder) GetAttributes(ctx context.Context, path string) (models.Attrs, error) {
	node, err := b.Resolve(path)
	if err != nil {
		return models.Attrs{}, err
	}
	switch n := node.(type) {
	case *models.Directory:
		return models.DirAttrs(), nil
	case *models.PhotoEntry:
		if _, err := n.ResolveSize(func() (int64, error) {
			return b.remote.PhotoSize(ctx, n.URL)
		}); err != nil {
			return models.Attrs{}, fmt.Errorf("size of %s: %w", path, err)
		}
		return n.Attrs(), nil
	default:
		return models.Attrs{}, fmt.Errorf("%s: unexpected node %T", path, node)
	}
}

// URLFor returns the fetch URL of the photo at path.
func (b *Builder) URLFor(path string) (string, error) {
	node, err := b.Resolve(path)
	if err != nil {
		return "", err
	}
	photo, ok := node.(*models.PhotoEntry)
	if !ok {
		return "", fmt.Errorf("%s: %w", path, models.ErrIsDirectory)
	}
	return photo.URL, nil
}

// SplitPath splits a slash-separated path into its segments, ignoring
// leading, trailing and repeated separators.
func SplitPath(path string) []string {
	return strings.FieldsFunc(path, func(r rune) bool { return r == '/' })
}

// ChildNames returns the sorted names of a directory's children.
func ChildNames(d *models.Directory) []string {
	names := make([]string, 0, len(d.Children))
	for name := range d.Children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CountNodes counts all nodes below and including n.
func CountNodes(n models.Node) int {
	if n == nil {
		return 0
	}
	count := 1
	if d, ok := n.(*models.Directory); ok {
		for _, child := range d.Children {
			count += CountNodes(child)
		}
	}
	return count
}

// Leaves returns the photo entries below n, ordered by path.
func Leaves(n models.Node) []*models.PhotoEntry {
	var out []*models.PhotoEntry
	collectLeaves(n, &out)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func collectLeaves(n models.Node, out *[]*models.PhotoEntry) {
	switch n := n.(type) {
	case *models.PhotoEntry:
		*out = append(*out, n)
	case *models.Directory:
		for _, child := range n.Children {
			collectLeaves(child, out)
		}
	}
}

package vfs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/grfs/grfs/internal/events"
	"github.com/grfs/grfs/pkg/cache"
	"github.com/grfs/grfs/pkg/models"
)

type fakeCamera struct {
	mu      sync.Mutex
	folders []models.Folder
	listErr error

	bodies     map[string][]byte // by photo path, any variant
	fetchCalls atomic.Int32
	sizeCalls  atomic.Int32
	fetchURLs  []string
}

func (f *fakeCamera) ListDirectories(ctx context.Context) ([]models.Folder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.folders, f.listErr
}

func (f *fakeCamera) PhotoURL(path string) string {
	return "http://cam/v1/photos/" + path
}

func (f *fakeCamera) body(url string) []byte {
	path := strings.TrimPrefix(url, "http://cam/v1/photos/")
	path, variant, _ := strings.Cut(path, "?size=")
	return append([]byte(variant+":"), f.bodies[path]...)
}

func (f *fakeCamera) PhotoSize(ctx context.Context, url string) (int64, error) {
	f.sizeCalls.Add(1)
	return int64(len(f.body(url))), nil
}

func (f *fakeCamera) FetchPhoto(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	f.fetchCalls.Add(1)
	f.mu.Lock()
	f.fetchURLs = append(f.fetchURLs, url)
	f.mu.Unlock()
	b := f.body(url)
	return io.NopCloser(bytes.NewReader(b)), int64(len(b)), nil
}

func (f *fakeCamera) setListErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

func newCamera() *fakeCamera {
	return &fakeCamera{
		folders: []models.Folder{
			{Name: "2023-01-01", Files: []models.File{{Name: "R001.JPG", Timestamp: "2023-01-01T10:00:00"}}},
		},
		bodies: map[string][]byte{"2023-01-01/R001.JPG": []byte("0123456789ABCDEF")},
	}
}

func newFS(t *testing.T, cam *fakeCamera, cfg Config) *FS {
	t.Helper()
	cfg.CacheDir = t.TempDir()
	cfg.Location = time.UTC
	f, err := New(cam, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func loadedFS(t *testing.T, cam *fakeCamera) *FS {
	t.Helper()
	f := newFS(t, cam, Config{})
	if _, err := f.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	return f
}

func TestStateMachine(t *testing.T) {
	cam := newCamera()
	f := newFS(t, cam, Config{})
	if f.State() != StateUnloaded {
		t.Fatalf("State = %v", f.State())
	}

	cam.setListErr(errors.New("offline"))
	if _, err := f.Reload(context.Background()); err == nil {
		t.Fatal("expected reload failure")
	}
	if f.State() != StateUnloaded {
		t.Error("failed reload should leave the filesystem unloaded")
	}

	cam.setListErr(nil)
	if _, err := f.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.State() != StateLoaded {
		t.Errorf("State = %v, want loaded", f.State())
	}

	cam.setListErr(errors.New("offline"))
	f.Reload(context.Background())
	if f.State() != StateLoaded {
		t.Error("failed reload should keep the filesystem loaded")
	}
	if s := f.GetStats(); s.Reloads != 1 || s.FailedReloads != 2 {
		t.Errorf("stats = %+v", s)
	}
}

func TestListDirectory(t *testing.T) {
	f := loadedFS(t, newCamera())
	ctx := context.Background()

	tests := []struct {
		path string
		want string
		err  error
	}{
		{"/", ".,..,full,thumb,view", nil},
		{"/thumb", ".,..,2023-01-01", nil},
		{"/thumb/2023-01-01", ".,..,R001.JPG", nil},
		{"/thumb/2023-01-01/R001.JPG", "", models.ErrNotADirectory},
		{"/nope", "", models.ErrNotFound},
	}
	for _, tt := range tests {
		names, err := f.ListDirectory(ctx, tt.path)
		if tt.err != nil {
			if !errors.Is(err, tt.err) {
				t.Errorf("ListDirectory(%q) err = %v, want %v", tt.path, err, tt.err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ListDirectory(%q): %v", tt.path, err)
			continue
		}
		if got := strings.Join(names, ","); got != tt.want {
			t.Errorf("ListDirectory(%q) = %s, want %s", tt.path, got, tt.want)
		}
	}
}

func TestGetAttributes(t *testing.T) {
	cam := newCamera()
	f := loadedFS(t, cam)
	ctx := context.Background()

	dir, err := f.GetAttributes(ctx, "/view")
	if err != nil || !dir.IsDir() || dir.Nlink != 2 || dir.HasSize {
		t.Errorf("dir attrs = %+v, %v", dir, err)
	}

	for i := 0; i < 3; i++ {
		a, err := f.GetAttributes(ctx, "/thumb/2023-01-01/R001.JPG")
		if err != nil {
			t.Fatal(err)
		}
		if a.Size != int64(len("thumb:0123456789ABCDEF")) {
			t.Errorf("size = %d", a.Size)
		}
		if a.Mtime != time.Date(2023, 1, 1, 10, 0, 0, 0, time.UTC).Unix() {
			t.Errorf("mtime = %d", a.Mtime)
		}
	}
	if cam.sizeCalls.Load() != 1 {
		t.Errorf("size probed %d times, want 1", cam.sizeCalls.Load())
	}

	if _, err := f.GetAttributes(ctx, "/thumb/none"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestRead_Scenario(t *testing.T) {
	cam := newCamera()
	f := loadedFS(t, cam)
	ctx := context.Background()

	data, err := f.Read(ctx, "/thumb/2023-01-01/R001.JPG", 10, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != "thumb:0123" {
		t.Errorf("Read = %q", data)
	}
	if cam.fetchCalls.Load() != 1 || cam.fetchURLs[0] != "http://cam/v1/photos/2023-01-01/R001.JPG?size=thumb" {
		t.Errorf("fetches = %d %v", cam.fetchCalls.Load(), cam.fetchURLs)
	}

	rest, _ := f.Read(ctx, "/thumb/2023-01-01/R001.JPG", 100, 10)
	if string(rest) != "456789ABCDEF" {
		t.Errorf("tail = %q", rest)
	}
	past, err := f.Read(ctx, "/thumb/2023-01-01/R001.JPG", 10, 1000)
	if err != nil || len(past) != 0 {
		t.Errorf("read past end = %q, %v", past, err)
	}

	view, _ := f.Read(ctx, "/view/2023-01-01/R001.JPG", 5, 0)
	if string(view) != "view:" {
		t.Errorf("view = %q", view)
	}
	if cam.fetchCalls.Load() != 2 {
		t.Errorf("fetches = %d, want 2 (one per variant path)", cam.fetchCalls.Load())
	}

	if !f.IsCached("/thumb/2023-01-01/R001.JPG") {
		t.Error("thumb should be cached")
	}
	if n := f.ClearCache(); n != 2 {
		t.Errorf("ClearCache = %d", n)
	}
	f.Read(ctx, "/thumb/2023-01-01/R001.JPG", 10, 0)
	if cam.fetchCalls.Load() != 3 {
		t.Errorf("fetches after clear = %d, want 3", cam.fetchCalls.Load())
	}
}

func TestRead_Errors(t *testing.T) {
	f := loadedFS(t, newCamera())
	ctx := context.Background()

	if _, err := f.Read(ctx, "/thumb/2023-01-01", 10, 0); !errors.Is(err, models.ErrIsDirectory) {
		t.Errorf("directory read err = %v", err)
	}
	if _, err := f.Read(ctx, "/thumb/2023-01-01/nope.JPG", 10, 0); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("missing read err = %v", err)
	}
	if _, err := f.Read(ctx, "/thumb/2023-01-01/R001.JPG", 10, -5); !errors.Is(err, models.ErrInvalidArgument) {
		t.Errorf("negative offset err = %v", err)
	}
	if s := f.GetStats(); s.ReadErrors != 3 {
		t.Errorf("ReadErrors = %d", s.ReadErrors)
	}
}

func TestWriteFamilyRejected(t *testing.T) {
	f := loadedFS(t, newCamera())
	ctx := context.Background()
	p := "/thumb/2023-01-01/R001.JPG"

	ops := map[string]func() error{
		"write":       func() error { return f.Write(ctx, p, []byte("x"), 0) },
		"create":      func() error { return f.Create(ctx, "/thumb/new.JPG", 0644) },
		"mkdir":       func() error { return f.Mkdir(ctx, "/thumb/new", 0755) },
		"unlink":      func() error { return f.Unlink(ctx, p) },
		"rmdir":       func() error { return f.Rmdir(ctx, "/thumb/2023-01-01") },
		"rename":      func() error { return f.Rename(ctx, p, p+".bak") },
		"chmod":       func() error { return f.Chmod(ctx, p, 0600) },
		"chown":       func() error { return f.Chown(ctx, p, 0, 0) },
		"truncate":    func() error { return f.Truncate(ctx, p, 0) },
		"utimens":     func() error { return f.Utimens(ctx, p, time.Now(), time.Now()) },
		"symlink":     func() error { return f.Symlink(ctx, p, "/thumb/link") },
		"link":        func() error { return f.Link(ctx, p, "/thumb/link") },
		"setxattr":    func() error { return f.Setxattr(ctx, p, "user.x", []byte("1")) },
		"removexattr": func() error { return f.Removexattr(ctx, p, "user.x") },
	}
	for name, op := range ops {
		err := op()
		if !errors.Is(err, models.ErrReadOnly) {
			t.Errorf("%s err = %v, want ErrReadOnly", name, err)
		}
		if Errno(err) != syscall.EROFS {
			t.Errorf("%s errno = %v", name, Errno(err))
		}
	}
	if s := f.GetStats(); s.RejectedWrites != int64(len(ops)) {
		t.Errorf("RejectedWrites = %d", s.RejectedWrites)
	}

	names, _ := f.ListDirectory(ctx, "/thumb")
	if strings.Join(names, ",") != ".,..,2023-01-01" {
		t.Errorf("tree changed after rejected writes: %v", names)
	}
}

func TestReloadPublishesEvent(t *testing.T) {
	f := newFS(t, newCamera(), Config{})
	ch := f.Events().Subscribe()
	defer f.Events().Unsubscribe(ch)

	f.Reload(context.Background())
	select {
	case ev := <-ch:
		if ev.Type != events.EventReload || ev.Generation != 1 || ev.Photos != 1 {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no reload event")
	}
}

func TestExif_OnlyWhenCached(t *testing.T) {
	f := loadedFS(t, newCamera())
	p := "/full/2023-01-01/R001.JPG"

	if _, err := f.Exif(p); !errors.Is(err, cache.ErrNotCached) {
		t.Errorf("Exif before read err = %v", err)
	}
	f.Read(context.Background(), p, 1, 0)
	fields, err := f.Exif(p)
	if err != nil {
		t.Fatalf("Exif: %v", err)
	}
	if len(fields) != 0 {
		t.Errorf("fake body has no EXIF, got %v", fields)
	}
}

type fakePinger struct {
	online atomic.Bool
	fail   atomic.Bool
	pings  atomic.Int32
}

func (p *fakePinger) IsOnline() bool { return p.online.Load() }

func (p *fakePinger) Ping(ctx context.Context) error {
	p.pings.Add(1)
	if p.fail.Load() {
		p.online.Store(false)
		return errors.New("unreachable")
	}
	p.online.Store(true)
	return nil
}

func TestHealthCheckReloadsWhenBackOnline(t *testing.T) {
	cam := newCamera()
	f := newFS(t, cam, Config{HealthCheckPeriod: 5 * time.Millisecond})
	p := &fakePinger{}

	ch := f.Events().Subscribe()
	defer f.Events().Unsubscribe(ch)

	f.StartHealthCheck(context.Background(), p)
	defer f.StopHealthCheck()

	deadline := time.After(2 * time.Second)
	for f.State() != StateLoaded {
		select {
		case <-deadline:
			t.Fatal("health check never reloaded the tree")
		case <-time.After(5 * time.Millisecond):
		}
	}

	var sawOnline bool
	for !sawOnline {
		select {
		case ev := <-ch:
			sawOnline = ev.Type == events.EventOnline
		case <-time.After(time.Second):
			t.Fatal("no online event")
		}
	}
}

func TestRefreshLoop(t *testing.T) {
	f := newFS(t, newCamera(), Config{RefreshInterval: 5 * time.Millisecond})
	f.StartRefreshLoop(context.Background())

	deadline := time.After(2 * time.Second)
	for f.Tree().Generation() < 2 {
		select {
		case <-deadline:
			t.Fatal("refresh loop did not reload")
		case <-time.After(5 * time.Millisecond):
		}
	}
	f.StopRefreshLoop()
	f.StopRefreshLoop()
}

func TestErrno(t *testing.T) {
	tests := []struct {
		err  error
		want syscall.Errno
	}{
		{nil, 0},
		{models.ErrNotFound, syscall.ENOENT},
		{models.ErrNotADirectory, syscall.ENOTDIR},
		{models.ErrIsDirectory, syscall.EISDIR},
		{models.ErrReadOnly, syscall.EROFS},
		{models.ErrInvalidArgument, syscall.EINVAL},
		{&models.TransportError{Op: "fetch", Err: io.ErrUnexpectedEOF}, syscall.EIO},
		{&models.MalformedDataError{Err: errors.New("bad")}, syscall.EIO},
		{context.Canceled, syscall.EINTR},
	}
	for _, tt := range tests {
		if got := Errno(tt.err); got != tt.want {
			t.Errorf("Errno(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestRead_PathSpellingsShareOneFetch(t *testing.T) {
	cam := newCamera()
	f := loadedFS(t, cam)
	ctx := context.Background()

	for _, p := range []string{
		"thumb/2023-01-01/R001.JPG",
		"/thumb/2023-01-01/R001.JPG",
		"/thumb/2023-01-01/R001.JPG/",
		"thumb//2023-01-01//R001.JPG",
	} {
		data, err := f.Read(ctx, p, 6, 0)
		if err != nil || string(data) != "thumb:" {
			t.Errorf("Read(%q) = %q, %v", p, data, err)
		}
		if !f.IsCached(p) {
			t.Errorf("IsCached(%q) = false", p)
		}
	}
	if n := cam.fetchCalls.Load(); n != 1 {
		t.Errorf("fetches = %d, want 1", n)
	}
	if s := f.Cache().Stats(); s.Entries != 1 {
		t.Errorf("cache entries = %d, want 1", s.Entries)
	}
}

func TestConcurrentReadClearReload(t *testing.T) {
	cam := newCamera()
	f := loadedFS(t, cam)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				data, err := f.Read(ctx, "/full/2023-01-01/R001.JPG", 5, 0)
				if err != nil || string(data) != "full:" {
					t.Errorf("Read = %q, %v", data, err)
					return
				}
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				f.ClearCache()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				if _, err := f.Reload(ctx); err != nil {
					t.Errorf("Reload: %v", err)
					return
				}
				names, err := f.ListDirectory(ctx, "/")
				if err != nil || strings.Join(names, ",") != ".,..,full,thumb,view" {
					t.Errorf("ListDirectory(/) = %v, %v", names, err)
					return
				}
				if _, err := f.GetAttributes(ctx, "/view/2023-01-01/R001.JPG"); err != nil {
					t.Errorf("GetAttributes: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if s := f.GetStats(); s.Reloads != 41 {
		t.Errorf("reloads = %d, want 41", s.Reloads)
	}
}

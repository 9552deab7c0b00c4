//go:build cgo

package cgofs

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/winfsp/cgofuse/fuse"

	"github.com/grfs/grfs/pkg/models"
	"github.com/grfs/grfs/pkg/vfs"
)

type fakeCamera struct{}

func (fakeCamera) ListDirectories(ctx context.Context) ([]models.Folder, error) {
	return []models.Folder{
		{Name: "100RICOH", Files: []models.File{{Name: "R0000001.JPG", Timestamp: "2023-01-01T10:00:00"}}},
	}, nil
}

func (fakeCamera) PhotoURL(path string) string {
	return "http://cam/v1/photos/" + path
}

func body(url string) []byte {
	_, variant, _ := strings.Cut(url, "?size=")
	return []byte("photo-" + variant)
}

func (fakeCamera) PhotoSize(ctx context.Context, url string) (int64, error) {
	return int64(len(body(url))), nil
}

func (fakeCamera) FetchPhoto(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	b := body(url)
	return io.NopCloser(bytes.NewReader(b)), int64(len(b)), nil
}

func testFS(t *testing.T) *FS {
	t.Helper()
	fsys, err := vfs.New(fakeCamera{}, vfs.Config{CacheDir: t.TempDir(), Location: time.UTC})
	if err != nil {
		t.Fatalf("vfs.New: %v", err)
	}
	t.Cleanup(func() { fsys.Close() })
	if _, err := fsys.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	return New(fsys)
}

func TestGetattr(t *testing.T) {
	f := testFS(t)

	tests := []struct {
		path  string
		code  int
		mode  uint32
		nlink uint32
		size  int64
	}{
		{"/", 0, models.DirMode, 2, 0},
		{"/thumb/100RICOH", 0, models.DirMode, 2, 0},
		{"/full/100RICOH/R0000001.JPG", 0, models.FileMode, 1, int64(len("photo-full"))},
		{"/full/missing", -fuse.ENOENT, 0, 0, 0},
	}
	for _, tt := range tests {
		var st fuse.Stat_t
		code := f.Getattr(tt.path, &st, ^uint64(0))
		if code != tt.code {
			t.Errorf("Getattr(%q) = %d, want %d", tt.path, code, tt.code)
			continue
		}
		if code != 0 {
			continue
		}
		if st.Mode != tt.mode || st.Nlink != tt.nlink || st.Size != tt.size {
			t.Errorf("Getattr(%q) = mode %o nlink %d size %d", tt.path, st.Mode, st.Nlink, st.Size)
		}
	}
}

func TestReaddir(t *testing.T) {
	f := testFS(t)

	var names []string
	fill := func(name string, stat *fuse.Stat_t, ofst int64) bool {
		names = append(names, name)
		return true
	}
	if code := f.Readdir("/", fill, 0, 0); code != 0 {
		t.Fatalf("Readdir = %d", code)
	}
	if got := strings.Join(names, ","); got != ".,..,full,thumb,view" {
		t.Errorf("Readdir = %s", got)
	}

	if code := f.Readdir("/view/100RICOH/R0000001.JPG", fill, 0, 0); code != -fuse.ENOTDIR {
		t.Errorf("Readdir on file = %d", code)
	}
}

func TestOpenRead(t *testing.T) {
	f := testFS(t)

	if code, _ := f.Open("/view/100RICOH/R0000001.JPG", fuse.O_RDONLY); code != 0 {
		t.Fatalf("Open = %d", code)
	}
	if code, _ := f.Open("/view/100RICOH/R0000001.JPG", fuse.O_RDWR); code != -fuse.EROFS {
		t.Errorf("Open for write = %d", code)
	}
	if code, _ := f.Open("/view", fuse.O_RDONLY); code != -fuse.EISDIR {
		t.Errorf("Open dir = %d", code)
	}

	buf := make([]byte, 64)
	n := f.Read("/view/100RICOH/R0000001.JPG", buf, 6, 0)
	if string(buf[:n]) != "view" {
		t.Errorf("Read = %q", buf[:n])
	}
	if n := f.Read("/view/100RICOH/R0000001.JPG", buf, 100, 0); n != 0 {
		t.Errorf("Read past end = %d", n)
	}
	if n := f.Read("/view/100RICOH/R0000001.JPG", buf, -1, 0); n != -fuse.EINVAL {
		t.Errorf("Read negative offset = %d", n)
	}
}

func TestWritesReturnEROFS(t *testing.T) {
	f := testFS(t)
	file := "/full/100RICOH/R0000001.JPG"

	codes := map[string]int{
		"write":       f.Write(file, []byte("x"), 0, 0),
		"mkdir":       f.Mkdir("/full/new", 0755),
		"unlink":      f.Unlink(file),
		"rmdir":       f.Rmdir("/full/100RICOH"),
		"rename":      f.Rename(file, "/full/100RICOH/x.JPG"),
		"chmod":       f.Chmod(file, 0600),
		"chown":       f.Chown(file, 0, 0),
		"truncate":    f.Truncate(file, 0, ^uint64(0)),
		"utimens":     f.Utimens(file, []fuse.Timespec{fuse.Now(), fuse.Now()}),
		"symlink":     f.Symlink("x", "/full/link"),
		"link":        f.Link(file, "/full/hard"),
		"setxattr":    f.Setxattr(file, "user.x", []byte("1"), 0),
		"removexattr": f.Removexattr(file, "user.x"),
	}
	code, _ := f.Create("/full/100RICOH/new.JPG", fuse.O_CREAT|fuse.O_WRONLY, 0644)
	codes["create"] = code

	for op, code := range codes {
		if code != -fuse.EROFS {
			t.Errorf("%s = %d, want %d", op, code, -fuse.EROFS)
		}
	}
}

func TestUnmountWaitsForMount(t *testing.T) {
	f := testFS(t)

	returned := make(chan struct{})
	go func() {
		f.Unmount()
		close(returned)
	}()

	select {
	case <-returned:
		t.Fatal("Unmount returned before the mount finished starting")
	case <-time.After(50 * time.Millisecond):
	}

	// A mount that fails never calls Init; Unmount must not hang.
	close(f.done)
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Unmount still blocked after Mount returned")
	}
}

func TestUnmountRetriesUntilMountReturns(t *testing.T) {
	f := testFS(t)
	f.Init()
	f.Init()

	// The host is not mounted, so host.Unmount keeps failing until Mount
	// returns.
	returned := make(chan struct{})
	go func() {
		f.Unmount()
		close(returned)
	}()
	time.Sleep(2 * unmountRetry)
	close(f.done)
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Unmount did not stop retrying after Mount returned")
	}
}

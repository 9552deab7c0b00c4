package logging

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitLevel(t *testing.T) {
	out := filepath.Join(t.TempDir(), "grfs.log")
	if err := Init(Config{Level: "warn", Format: "json", OutputPath: out}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if Level() != "warn" {
		t.Errorf("Level() = %q, want warn", Level())
	}

	Info("dropped")
	Warn("kept", String("path", "thumb/100RICOH"), Bool("cached", true))
	Sync()

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "dropped") {
		t.Error("info message written at warn level")
	}
	for _, want := range []string{`"msg":"kept"`, `"path":"thumb/100RICOH"`, `"cached":true`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("log output missing %s: %s", want, data)
		}
	}

	if err := Init(Config{Level: "nonsense", Format: "json", OutputPath: out}); err != nil {
		t.Fatal(err)
	}
	if Level() != "info" {
		t.Errorf("unknown level gave %q, want info", Level())
	}
}

func TestResolveFormat(t *testing.T) {
	if got := ResolveFormat("console"); got != "console" {
		t.Errorf("ResolveFormat(console) = %q", got)
	}
	if got := ResolveFormat("json"); got != "json" {
		t.Errorf("ResolveFormat(json) = %q", got)
	}
	if got := ResolveFormat("auto"); got != "console" && got != "json" {
		t.Errorf("ResolveFormat(auto) = %q", got)
	}
}

func TestMiddlewareRequestID(t *testing.T) {
	out := filepath.Join(t.TempDir(), "grfs.log")
	if err := Init(Config{Level: "debug", Format: "json", OutputPath: out}); err != nil {
		t.Fatal(err)
	}

	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if WithContext(r.Context()) == L() {
			t.Error("request context carries no request logger")
		}
		WithContext(r.Context()).Info("inside handler")
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/thumb", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Header().Get("X-Request-ID") != "abc" {
		t.Errorf("response header = %q", rec.Header().Get("X-Request-ID"))
	}
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d", rec.Code)
	}
	Sync()
	data, _ := os.ReadFile(out)
	if n := strings.Count(string(data), `"request_id":"abc"`); n != 2 {
		t.Errorf("request id logged %d times, want 2: %s", n, data)
	}
	if !strings.Contains(string(data), `"status":418`) {
		t.Errorf("request log missing status: %s", data)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	first := rec.Header().Get("X-Request-ID")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if first == "" || first == rec.Header().Get("X-Request-ID") {
		t.Errorf("generated ids should be unique, got %q twice", first)
	}
}

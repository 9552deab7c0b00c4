package webdav

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/net/webdav"

	"github.com/grfs/grfs/internal/events"
	"github.com/grfs/grfs/internal/logging"
	"github.com/grfs/grfs/internal/metrics"
	"github.com/grfs/grfs/pkg/vfs"
)

// Options configures the HTTP handler.
type Options struct {
	// Prefix is the URL path the WebDAV tree is served under ("/" if empty).
	Prefix string
	// Pinger reports camera reachability on /health. Optional.
	Pinger vfs.Pinger
}

// NewHandler serves fsys over WebDAV, plus /health, /stats, /events,
// /metrics and the /reload and /cache/clear admin endpoints.
func NewHandler(fsys *vfs.FS, opts Options) http.Handler {
	prefix := "/" + strings.Trim(opts.Prefix, "/")
	s := &server{fsys: fsys, pinger: opts.Pinger}

	dav := &webdav.Handler{
		FileSystem: NewFileSystem(fsys),
		LockSystem: webdav.NewMemLS(),
		Prefix:     strings.TrimSuffix(prefix, "/"),
		Logger: func(r *http.Request, err error) {
			if err != nil {
				logging.WithContext(r.Context()).Debug("webdav request failed",
					logging.String("method", r.Method),
					logging.String("path", r.URL.Path),
					logging.Err(err))
			}
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("POST /reload", s.handleReload)
	mux.HandleFunc("POST /cache/clear", s.handleClearCache)
	mux.Handle("GET /metrics", metrics.Handler())
	if prefix == "/" {
		mux.Handle("/", dav)
	} else {
		mux.Handle(prefix+"/", dav)
	}

	return logging.Middleware(metrics.Middleware(mux))
}

type server struct {
	fsys   *vfs.FS
	pinger vfs.Pinger
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	t := s.fsys.Tree().Current()
	resp := map[string]any{
		"status":     "ok",
		"state":      s.fsys.State().String(),
		"generation": t.Generation,
		"photos":     t.Photos,
	}
	if s.pinger != nil {
		resp["camera_online"] = s.pinger.IsOnline()
	}
	status := http.StatusOK
	if s.fsys.State() != vfs.StateLoaded {
		resp["status"] = "unavailable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.fsys.GetStats())
}

func (s *server) handleReload(w http.ResponseWriter, r *http.Request) {
	t, err := s.fsys.Reload(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"generation": t.Generation, "photos": t.Photos})
}

func (s *server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	n := s.fsys.ClearCache()
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

// handleEvents streams reload and connectivity events as server-sent events.
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	b := s.fsys.Events()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		logging.WithContext(r.Context()).Warn("streaming not supported", logging.Err(err))
		return
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			rc.Flush()
		}
	}
}

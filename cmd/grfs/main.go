// grfs mounts a Ricoh GR camera's photo roll as a read-only filesystem.
//
// Every photo appears three times, once per size variant:
//
//	<mount>/thumb/<folder>/<file>
//	<mount>/view/<folder>/<file>
//	<mount>/full/<folder>/<file>
//
// Sub-commands:
//
//	grfs mount [flags] <mountpoint>   Mount the filesystem (default)
//	grfs serve [flags]                Serve the filesystem over WebDAV
//	grfs ls [flags] [path]            List a directory without mounting
//	grfs info [flags]                 Show camera and listing details
//	grfs export [flags]               Copy one variant to an S3 bucket
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/grfs/grfs/internal/cgofs"
	"github.com/grfs/grfs/internal/config"
	"github.com/grfs/grfs/internal/export"
	"github.com/grfs/grfs/internal/logging"
	"github.com/grfs/grfs/internal/metrics"
	"github.com/grfs/grfs/internal/webdav"
	"github.com/grfs/grfs/pkg/camera"
	"github.com/grfs/grfs/pkg/fuse"
	"github.com/grfs/grfs/pkg/models"
	"github.com/grfs/grfs/pkg/retry"
	"github.com/grfs/grfs/pkg/tree"
	"github.com/grfs/grfs/pkg/vfs"
)

func main() {
	args := os.Args[1:]
	cmd := "mount"
	if len(args) > 0 {
		switch args[0] {
		case "mount", "serve", "ls", "info", "export":
			cmd, args = args[0], args[1:]
		case "help", "-h", "-help", "--help":
			usage()
			return
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	switch cmd {
	case "mount":
		cmdMount(cfg, args)
	case "serve":
		cmdServe(cfg, args)
	case "ls":
		cmdLs(cfg, args)
	case "info":
		cmdInfo(cfg, args)
	case "export":
		cmdExport(cfg, args)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:
  grfs mount [flags] <mountpoint>   Mount the filesystem (default)
  grfs serve [flags]                Serve the filesystem over WebDAV
  grfs ls [flags] [path]            List a directory without mounting
  grfs info [flags]                 Show camera and listing details
  grfs export [flags]               Copy one variant to an S3 bucket

Run "grfs <command> -h" for the flags of a command.
`)
}

// bindFlags registers the flags shared by every command. Defaults come from
// the environment, so flags override environment variables.
func bindFlags(fs *flag.FlagSet, cfg *config.Config) {
	fs.StringVar(&cfg.CameraURL, "camera", cfg.CameraURL, "Camera base URL")
	fs.DurationVar(&cfg.HTTPTimeout, "http-timeout", cfg.HTTPTimeout, "Timeout for a camera request, body included")
	fs.DurationVar(&cfg.SizeTimeout, "size-timeout", cfg.SizeTimeout, "Timeout for a photo size probe")
	fs.IntVar(&cfg.MaxAttempts, "attempts", cfg.MaxAttempts, "Attempts per camera request")
	fs.BoolVar(&cfg.RequireCamera, "require-camera", cfg.RequireCamera, "Exit if the camera does not answer the device probe")
	fs.StringVar(&cfg.CacheDir, "cache", cfg.CacheDir, "Parent directory for the download cache")
	fs.Int64Var(&cfg.MaxCache, "max-cache", cfg.MaxCache, "Maximum download cache size in bytes (0 = unbounded)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: json, console, auto")
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Address for the Prometheus /metrics listener (empty to disable)")
}

func bindLoopFlags(fs *flag.FlagSet, cfg *config.Config) {
	fs.DurationVar(&cfg.Refresh, "refresh", cfg.Refresh, "Listing refresh interval (0 to disable)")
	fs.DurationVar(&cfg.HealthCheck, "health-check", cfg.HealthCheck, "Camera health check interval (0 to disable)")
}

func parse(fs *flag.FlagSet, cfg *config.Config, args []string) {
	fs.Parse(args)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: init logging: %v\n", err)
		os.Exit(1)
	}
	logging.Debug("logging initialized", logging.String("level", logging.Level()), logging.String("command", fs.Name()))
}

func newClient(cfg *config.Config) *camera.Client {
	rc := retry.DefaultConfig()
	rc.MaxAttempts = cfg.MaxAttempts
	return camera.New(camera.Config{
		BaseURL:     cfg.CameraURL,
		Timeout:     cfg.HTTPTimeout,
		SizeTimeout: cfg.SizeTimeout,
		RetryConfig: rc,
	})
}

// probeDevice logs the camera's device info. A failure is only fatal with
// -require-camera.
func probeDevice(ctx context.Context, client *camera.Client, cfg *config.Config) map[string]any {
	dev, err := client.Device(ctx)
	if err != nil {
		if cfg.RequireCamera {
			logging.Fatal("camera did not answer the device probe", logging.String("camera", cfg.CameraURL), logging.Err(err))
		}
		logging.Warn("device probe failed, continuing", logging.String("camera", cfg.CameraURL), logging.Err(err))
		return nil
	}
	logging.Info("camera found",
		logging.String("camera", cfg.CameraURL),
		logging.Any("model", dev["model"]),
		logging.Any("firmware", dev["firmwareVersion"]))
	return dev
}

// open builds the filesystem and loads the first listing. Without a listing
// there is nothing to serve, so a failure here is fatal.
func open(ctx context.Context, client *camera.Client, cfg *config.Config) *vfs.FS {
	fsys, err := vfs.New(client, vfs.Config{
		CacheDir:          cfg.CacheDir,
		MaxCacheSize:      cfg.MaxCache,
		RefreshInterval:   cfg.Refresh,
		HealthCheckPeriod: cfg.HealthCheck,
	})
	if err != nil {
		logging.Fatal("failed to create filesystem", logging.Err(err))
	}

	logging.Info("fetching listing", logging.String("camera", cfg.CameraURL))
	if _, err := fsys.Reload(ctx); err != nil {
		fsys.Close()
		logging.Fatal("failed to load the camera listing", logging.Err(err))
	}
	return fsys
}

func startMetrics(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("metrics listener failed", logging.String("addr", addr), logging.Err(err))
		}
	}()
	logging.Info("metrics listener started", logging.String("addr", addr))
}

// shutdown stops the loops, drops every downloaded photo and prints the
// session counters.
func shutdown(fsys *vfs.FS) {
	fsys.StopRefreshLoop()
	fsys.StopHealthCheck()
	n := fsys.ClearCache()
	printStats(fsys.GetStats(), n)
	if err := fsys.Close(); err != nil {
		logging.Warn("failed to remove download cache", logging.Err(err))
	}
	logging.Sync()
}

func printStats(s vfs.StatsSnapshot, cleared int) {
	w := tabwriter.NewWriter(os.Stderr, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Reloads:\t%d (%d failed)\n", s.Reloads, s.FailedReloads)
	fmt.Fprintf(w, "Lookups:\t%d getattr, %d readdir\n", s.Getattrs, s.Listings)
	fmt.Fprintf(w, "Reads:\t%d (%d bytes, %d errors)\n", s.Reads, s.BytesRead, s.ReadErrors)
	fmt.Fprintf(w, "Downloads:\t%d (%d hits, %d misses, %d evicted)\n",
		s.Cache.Fetches, s.Cache.Hits, s.Cache.Misses, s.Cache.Evicted)
	fmt.Fprintf(w, "Rejected writes:\t%d\n", s.RejectedWrites)
	fmt.Fprintf(w, "Cache cleared:\t%d photos\n", cleared)
	w.Flush()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func cmdMount(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("mount", flag.ExitOnError)
	bindFlags(fs, cfg)
	bindLoopFlags(fs, cfg)
	backend := fs.String("backend", "go-fuse", "FUSE binding: go-fuse or cgofuse")
	allowOther := fs.Bool("allow-other", false, "Allow other users to access the mount")
	debug := fs.Bool("debug", false, "Log every FUSE request")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: grfs mount [flags] <mountpoint>\n")
		fs.PrintDefaults()
	}
	parse(fs, cfg, args)

	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(2)
	}
	mountPoint := fs.Arg(0)

	ctx, stop := signalContext()
	defer stop()

	logging.Info("grfs starting",
		logging.String("camera", cfg.CameraURL),
		logging.String("mountpoint", mountPoint),
		logging.String("backend", *backend),
		logging.Int64("max_cache", cfg.MaxCache))

	startMetrics(cfg.MetricsAddr)
	client := newClient(cfg)
	probeDevice(ctx, client, cfg)
	fsys := open(ctx, client, cfg)

	fsys.StartRefreshLoop(ctx)
	fsys.StartHealthCheck(ctx, client)

	switch *backend {
	case "go-fuse":
		server, err := fuse.Mount(mountPoint, fsys, fuse.Config{AllowOther: *allowOther, Debug: *debug})
		if err != nil {
			fsys.Close()
			logging.Fatal("mount failed", logging.Err(err))
		}
		unmounted := make(chan struct{})
		go func() {
			server.Wait()
			close(unmounted)
		}()

		logging.Info("press Ctrl+C to unmount and exit")
		select {
		case <-ctx.Done():
			logging.Info("unmounting")
			if err := server.Unmount(); err != nil {
				logging.Error("unmount failed", logging.Err(err))
			}
		case <-unmounted:
			logging.Info("filesystem unmounted externally")
		}

	case "cgofuse":
		if !cgofs.Supported() {
			fsys.Close()
			logging.Fatal("cgofuse backend not available in this build")
		}
		cfs := cgofs.New(fsys)
		var opts []string
		if *allowOther {
			opts = append(opts, "-o", "allow_other")
		}
		if *debug {
			opts = append(opts, "-d")
		}
		errCh := make(chan error, 1)
		go func() { errCh <- cfs.Mount(mountPoint, opts) }()

		select {
		case <-ctx.Done():
			logging.Info("unmounting")
			cfs.Unmount()
			<-errCh
		case err := <-errCh:
			if err != nil {
				logging.Error("mount failed", logging.Err(err))
			}
		}

	default:
		fsys.Close()
		logging.Fatal("unknown backend", logging.String("backend", *backend))
	}

	shutdown(fsys)
}

func cmdServe(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	bindFlags(fs, cfg)
	bindLoopFlags(fs, cfg)
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "WebDAV listen address")
	prefix := fs.String("prefix", "/", "URL path to serve the WebDAV tree under")
	parse(fs, cfg, args)

	ctx, stop := signalContext()
	defer stop()

	if cfg.MetricsAddr != cfg.ListenAddr {
		startMetrics(cfg.MetricsAddr)
	}
	client := newClient(cfg)
	probeDevice(ctx, client, cfg)
	fsys := open(ctx, client, cfg)

	fsys.StartRefreshLoop(ctx)
	fsys.StartHealthCheck(ctx, client)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           webdav.NewHandler(fsys, webdav.Options{Prefix: *prefix, Pinger: client}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logging.Info("webdav server started", logging.String("addr", cfg.ListenAddr), logging.String("prefix", *prefix))

	select {
	case <-ctx.Done():
		logging.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Error("server shutdown failed", logging.Err(err))
		}
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logging.Error("webdav server failed", logging.Err(err))
		}
	}

	shutdown(fsys)
}

func cmdLs(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("ls", flag.ExitOnError)
	bindFlags(fs, cfg)
	long := fs.Bool("l", false, "Show size and modification time (probes photo sizes)")
	parse(fs, cfg, args)

	path := fs.Arg(0)
	ctx, stop := signalContext()
	defer stop()

	fsys := open(ctx, newClient(cfg), cfg)
	defer fsys.Close()

	names, err := fsys.ListDirectory(ctx, path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, name := range names {
		if name == "." || name == ".." {
			continue
		}
		if !*long {
			fmt.Fprintln(w, name)
			continue
		}
		a, err := fsys.GetAttributes(ctx, joinPath(path, name))
		if err != nil {
			fmt.Fprintf(w, "?\t?\t?\t%s\n", name)
			continue
		}
		mtime := "-"
		if a.Mtime > 0 {
			mtime = time.Unix(a.Mtime, 0).Format("2006-01-02 15:04:05")
		}
		kind := "-"
		if a.IsDir() {
			kind = "d"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", kind, a.Size, mtime, name)
	}
	w.Flush()
}

func joinPath(dir, name string) string {
	if dir == "" || dir == "/" {
		return name
	}
	return dir + "/" + name
}

func cmdInfo(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	bindFlags(fs, cfg)
	parse(fs, cfg, args)

	ctx, stop := signalContext()
	defer stop()

	client := newClient(cfg)
	cfg.RequireCamera = true
	dev := probeDevice(ctx, client, cfg)
	fsys := open(ctx, client, cfg)
	defer fsys.Close()

	t := fsys.Tree().Current()
	folders := 0
	if root, err := t.Resolve(string(models.VariantFull)); err == nil {
		if d, ok := root.(*models.Directory); ok {
			folders = len(d.Children)
		}
	}

	out := map[string]any{
		"camera":  cfg.CameraURL,
		"device":  dev,
		"folders": folders,
		"photos":  t.Photos,
		"nodes":   tree.CountNodes(t.Root),
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(out)
}

func cmdExport(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	bindFlags(fs, cfg)
	fs.StringVar(&cfg.S3Endpoint, "endpoint", cfg.S3Endpoint, "S3 endpoint (empty for AWS)")
	fs.StringVar(&cfg.S3Bucket, "bucket", cfg.S3Bucket, "Destination bucket")
	fs.StringVar(&cfg.S3Region, "region", cfg.S3Region, "S3 region")
	fs.StringVar(&cfg.S3Prefix, "prefix", cfg.S3Prefix, "Key prefix")
	fs.StringVar(&cfg.S3Variant, "variant", cfg.S3Variant, "Size variant to export: thumb, view or full")
	parse(fs, cfg, args)

	if err := cfg.ValidateExport(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signalContext()
	defer stop()

	ecfg := export.Config{
		Endpoint:  cfg.S3Endpoint,
		Bucket:    cfg.S3Bucket,
		Region:    cfg.S3Region,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Prefix:    cfg.S3Prefix,
		Variant:   models.Variant(cfg.S3Variant),
	}
	store, err := export.NewClient(ctx, ecfg)
	if err != nil {
		logging.Fatal("failed to create S3 client", logging.Err(err))
	}

	startMetrics(cfg.MetricsAddr)
	fsys := open(ctx, newClient(cfg), cfg)

	res, err := export.New(fsys, store, ecfg).Run(ctx)
	fmt.Fprintf(os.Stderr, "Uploaded %d, skipped %d, failed %d (%d bytes)\n", res.Uploaded, res.Skipped, res.Failed, res.Bytes)
	fsys.Close()
	logging.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// Package logging provides structured logging with zap.
package logging

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

type ctxLogger struct{}

var (
	global atomic.Pointer[zap.Logger]
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Config holds logging configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console, auto
	OutputPath string // stderr if empty; stdout or a file path otherwise
}

// ResolveFormat maps "auto" (or empty) to console when stderr is a terminal
// and json otherwise.
func ResolveFormat(format string) string {
	if format == "" || format == "auto" {
		if term.IsTerminal(int(os.Stderr.Fd())) {
			return "console"
		}
		return "json"
	}
	return format
}

func encoder(format string) zapcore.Encoder {
	if format == "console" {
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		ec.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		return zapcore.NewConsoleEncoder(ec)
	}
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapcore.NewJSONEncoder(ec)
}

// Init replaces the global logger. An unknown level falls back to info.
func Init(cfg Config) error {
	lvl, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	level.SetLevel(lvl)

	out := cfg.OutputPath
	if out == "" {
		out = "stderr"
	}
	sink, _, err := zap.Open(out)
	if err != nil {
		return fmt.Errorf("open log output %s: %w", out, err)
	}

	core := zapcore.NewCore(encoder(ResolveFormat(cfg.Format)), sink, level)
	global.Store(zap.New(core,
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
	))
	return nil
}

// Sync flushes any buffered log entries.
func Sync() error {
	if l := global.Load(); l != nil {
		return l.Sync()
	}
	return nil
}

// Level returns the current global log level.
func Level() string {
	return level.Level().String()
}

// L returns the global logger, creating a json logger on stderr if Init has
// not run.
func L() *zap.Logger {
	if l := global.Load(); l != nil {
		return l
	}
	l := zap.New(zapcore.NewCore(encoder("json"), zapcore.Lock(os.Stderr), level), zap.AddCallerSkip(1))
	if global.CompareAndSwap(nil, l) {
		return l
	}
	return global.Load()
}

// WithContext returns the request logger stored in ctx, or the global logger.
func WithContext(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(ctxLogger{}).(*zap.Logger); ok {
		return l
	}
	return L()
}

// Debug logs a debug message.
func Debug(msg string, fields ...zap.Field) {
	L().Debug(msg, fields...)
}

// Info logs an info message.
func Info(msg string, fields ...zap.Field) {
	L().Info(msg, fields...)
}

// Warn logs a warning message.
func Warn(msg string, fields ...zap.Field) {
	L().Warn(msg, fields...)
}

// Error logs an error message.
func Error(msg string, fields ...zap.Field) {
	L().Error(msg, fields...)
}

// Fatal logs a fatal message and exits.
func Fatal(msg string, fields ...zap.Field) {
	L().Fatal(msg, fields...)
}

var requestSeq atomic.Uint64

func newRequestID() string {
	return fmt.Sprintf("grfs-%x-%d", time.Now().Unix(), requestSeq.Add(1))
}

// statusRecorder captures the status and body size of a response.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += int64(n)
	return n, err
}

func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware tags each request with an X-Request-ID (taken from the request
// or generated), stores a logger carrying it in the request context and logs
// the outcome. Server errors log at warn, everything else at debug.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = newRequestID()
		}
		w.Header().Set("X-Request-ID", id)

		logger := WithContext(r.Context()).With(zap.String("request_id", id))
		r = r.WithContext(context.WithValue(r.Context(), ctxLogger{}, logger))

		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		log := logger.Debug
		if rw.status >= http.StatusInternalServerError {
			log = logger.Warn
		}
		log("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Int("status", rw.status),
			zap.Int64("bytes", rw.bytes),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// Field helpers so callers need not import zap.
func String(key, val string) zap.Field                 { return zap.String(key, val) }
func Int(key string, val int) zap.Field                { return zap.Int(key, val) }
func Int64(key string, val int64) zap.Field            { return zap.Int64(key, val) }
func Uint64(key string, val uint64) zap.Field          { return zap.Uint64(key, val) }
func Bool(key string, val bool) zap.Field              { return zap.Bool(key, val) }
func Err(err error) zap.Field                          { return zap.Error(err) }
func Duration(key string, val time.Duration) zap.Field { return zap.Duration(key, val) }
func Any(key string, val interface{}) zap.Field        { return zap.Any(key, val) }

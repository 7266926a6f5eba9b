// Package logging holds the process-wide zap logger and the HTTP request
// logging middleware.
package logging

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// RequestIDHeader carries the request id in and out of the API.
const RequestIDHeader = "X-Request-ID"

type ctxKey int

const (
	loggerKey ctxKey = iota
	requestIDKey
)

var (
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)

	// base is handed out by L; skipped backs the package-level helpers so
	// the caller annotation points past this file.
	base    atomic.Pointer[zap.Logger]
	skipped atomic.Pointer[zap.Logger]
)

// Config holds logging configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	OutputPath string // stdout, stderr, or file path
}

// Init builds the global logger from cfg. Unknown levels fall back to info.
func Init(cfg Config) error {
	lvl, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	level.SetLevel(lvl)

	zc := zap.NewProductionConfig()
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zc.Level = level
	if cfg.OutputPath != "" {
		zc.OutputPaths = []string{cfg.OutputPath}
	}

	logger, err := zc.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return err
	}
	Replace(logger)
	return nil
}

// Replace swaps the global logger. Tests use it with zap.NewNop or an observer core.
func Replace(logger *zap.Logger) {
	base.Store(logger)
	skipped.Store(logger.WithOptions(zap.AddCallerSkip(1)))
}

// Sync flushes buffered entries.
func Sync() error {
	return L().Sync()
}

// L returns the global logger. Before Init it is a production logger.
func L() *zap.Logger {
	if l := base.Load(); l != nil {
		return l
	}
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	if base.CompareAndSwap(nil, l) {
		skipped.Store(l.WithOptions(zap.AddCallerSkip(1)))
	}
	return base.Load()
}

func helper() *zap.Logger {
	if l := skipped.Load(); l != nil {
		return l
	}
	L()
	return skipped.Load()
}

// FromContext returns the request-scoped logger, or the global logger.
func FromContext(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(loggerKey).(*zap.Logger); ok {
		return l
	}
	return L()
}

// WithRequestID stores requestID and a logger tagged with it in ctx.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	l := FromContext(ctx).With(zap.String("request_id", requestID))
	ctx = context.WithValue(ctx, loggerKey, l)
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID returns the request id stored in ctx, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func Debug(msg string, fields ...zap.Field) { helper().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field) { helper().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field) { helper().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { helper().Error(msg, fields...) }

// Fatal logs and exits the process.
func Fatal(msg string, fields ...zap.Field) { helper().Fatal(msg, fields...) }

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

// Flush keeps SSE streams working through the middleware.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware tags each request with an id (taken from X-Request-ID when the
// client sent one) and logs its outcome. 5xx responses log at error, 4xx at
// warn and health checks at debug.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		ctx := WithRequestID(r.Context(), id)
		w.Header().Set(RequestIDHeader, id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		lvl := zapcore.InfoLevel
		switch {
		case rec.status >= 500:
			lvl = zapcore.ErrorLevel
		case rec.status >= 400:
			lvl = zapcore.WarnLevel
		case r.URL.Path == "/health":
			lvl = zapcore.DebugLevel
		}
		if ce := FromContext(ctx).Check(lvl, "request completed"); ce != nil {
			ce.Write(
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Int64("bytes", rec.bytes),
				zap.Duration("duration", time.Since(start)),
			)
		}
	})
}

// Field helpers for the ids that show up on most storage log lines.

func StorageID(id int) zap.Field { return zap.Int("storage_id", id) }
func VideoFileID(id int64) zap.Field { return zap.Int64("video_file_id", id) }
func MigrationID(id string) zap.Field { return zap.String("migration_id", id) }
func RemotePath(p string) zap.Field { return zap.String("remote_path", p) }
func LocalPath(p string) zap.Field { return zap.String("local_path", p) }

package webserver

import (
	"compress/gzip"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

type compressResponseWriter struct {
	http.ResponseWriter
	writer io.Writer
}

func (w *compressResponseWriter) Write(b []byte) (int, error) {
	return w.writer.Write(b)
}

var zstdOptions = []zstd.EOption{
	zstd.WithEncoderLevel(zstd.SpeedDefault),
	zstd.WithWindowSize(1 << 20),
}

// CompressionMiddleware compresses JSON responses. Downloads skip it: JPEG
// does not shrink and the Content-Length must stay exact.
func CompressionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Check Accept-Encoding header
		acceptEncoding := r.Header.Get("Accept-Encoding")
		w.Header().Add("Vary", "Accept-Encoding")

		var writer io.Writer
		var encoding string

		if strings.Contains(acceptEncoding, "zstd") {
			encoder, err := zstd.NewWriter(w, zstdOptions...)
			if err == nil {
				w.Header().Set("Content-Encoding", "zstd")
				defer encoder.Close()
				writer = encoder
				encoding = "zstd"
			}
		}

		if encoding == "" && strings.Contains(acceptEncoding, "gzip") {
			w.Header().Set("Content-Encoding", "gzip")
			gz := gzip.NewWriter(w)
			defer gz.Close()
			writer = gz
			encoding = "gzip"
		}

		if encoding != "" {
			w.Header().Del("Content-Length") // Can't know compressed size
			cw := &compressResponseWriter{ResponseWriter: w, writer: writer}
			next.ServeHTTP(cw, r)
		} else {
			next.ServeHTTP(w, r)
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// AccessLogMiddleware logs one line per request.
func AccessLogMiddleware(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(rec, r)

			if rec.status == 0 {
				rec.status = http.StatusOK
			}

			log.Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"bytes", rec.bytes,
				"duration", time.Since(start),
				"remote_addr", r.RemoteAddr,
				"user_agent", r.UserAgent(),
			)
		})
	}
}

// RecoverMiddleware turns a panic into a 500 and counts it as a failed attempt.
func (s *Server) RecoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}

			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			s.log.Error("Server error", "panic", rec, "path", r.URL.Path, "stack", string(debug.Stack()))
			s.orch.RecordFailure()

			writeJSON(w, http.StatusInternalServerError, ErrorResponse{
				Error: "Internal server error",
				Type:  ErrorTypeInternal,
				Code:  "panic",
			})
		}()

		next.ServeHTTP(w, r)
	})
}

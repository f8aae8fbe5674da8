// Package webserver exposes the converter over HTTP.
package webserver

import (
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"heic2jpg/internal/orchestrator"
)

// UploadField is the multipart field carrying the image.
const UploadField = "heicFile"

// Options configures a Server.
type Options struct {
	// APIPrefix is prepended to every JSON route, e.g. "/api". Empty mounts at the root.
	APIPrefix string
	// StaticDir holds the client application; its index.html is the fallback document.
	StaticDir string
	// Port is reported by /health.
	Port           string
	MaxUploadBytes int64
	// RedactDirs are stripped from error messages sent to clients.
	RedactDirs []string
}

// Server holds the HTTP handlers and their dependencies.
type Server struct {
	orch    *orchestrator.Orchestrator
	opts    Options
	log     *slog.Logger
	redact  func(string) string
	started time.Time
}

func New(orch *orchestrator.Orchestrator, opts Options, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}

	opts.APIPrefix = strings.TrimSuffix(opts.APIPrefix, "/")

	return &Server{
		orch:    orch,
		opts:    opts,
		log:     log,
		redact:  newRedactor(append(opts.RedactDirs, os.TempDir())...),
		started: time.Now(),
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(s.RecoverMiddleware)
	r.Use(AccessLogMiddleware(s.log))
	r.Use(SecurityHeadersMiddleware)
	r.Use(CORSMiddleware)

	r.NotFound(s.FallbackHandler)

	api := func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(CompressionMiddleware)
			// recover again inside the encoder so a 500 is still compressed
			// and the encoder is not flushed as a 200 first
			r.Use(s.RecoverMiddleware)
			r.Get("/health", s.HealthHandler)
			r.Get("/analytics", s.AnalyticsHandler)
			r.Post("/convert", s.ConvertHandler)
		})
		r.Get("/download/{artifactID}", s.DownloadHandler)
	}

	if s.opts.APIPrefix == "" {
		api(r)
	} else {
		r.Route(s.opts.APIPrefix, api)
	}

	return r
}

// DownloadPath is the URL clients use to fetch an artifact.
func (s *Server) DownloadPath(artifactID string) string {
	return s.opts.APIPrefix + "/download/" + artifactID
}

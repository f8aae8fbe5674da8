package webserver

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"heic2jpg/internal/artifact"
	"heic2jpg/internal/intake"
)

// HealthResponse is returned by /health
type HealthResponse struct {
	Status        string  `json:"status"`
	Timestamp     string  `json:"timestamp"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
	Port          string  `json:"port,omitempty"`
}

// ConvertResponse is returned by a successful /convert
type ConvertResponse struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	Filename     string `json:"filename"`
	DownloadPath string `json:"downloadPath"`
	FileSize     int64  `json:"fileSize"`
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:        "OK",
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		UptimeSeconds: time.Since(s.started).Seconds(),
		Port:          s.opts.Port,
	})
}

func (s *Server) AnalyticsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Analytics())
}

func (s *Server) ConvertHandler(w http.ResponseWriter, r *http.Request) {
	log := s.log.With("handler", "ConvertHandler")
	log.Info("Received convert request", "remote_addr", r.RemoteAddr)

	limit := uploadLimit(s.opts.MaxUploadBytes)

	if r.ContentLength > limit {
		s.orch.RecordFailure()
		log.Error("Upload rejected", "content_length", r.ContentLength)
		s.WriteErrorResponse(w, intake.ErrFileTooLarge(s.opts.MaxUploadBytes))

		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, limit)

	// the part must stay open while it is consumed, so the whole
	// conversion runs inside the callback
	var handled bool

	err := receiveUpload(r, func(up *intake.FileUpload) error {
		handled = true

		res, err := s.orch.Convert(r.Context(), up)
		if err != nil {
			return err
		}

		log.Info("Request processed", "filename", res.Filename, "artifact_id", res.ArtifactID)

		writeJSON(w, http.StatusOK, ConvertResponse{
			Success:      true,
			Message:      "File converted successfully",
			Filename:     res.Filename,
			DownloadPath: s.DownloadPath(res.ArtifactID),
			FileSize:     res.Size,
		})

		return nil
	})

	if err == nil {
		return
	}

	if !handled {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.orch.RecordFailure()
			err = intake.ErrFileTooLarge(s.opts.MaxUploadBytes)
		} else {
			// malformed or non-multipart bodies carry no file
			log.Warn("Form parsing error", "error", err)
			_, err = s.orch.Convert(r.Context(), nil)
		}
	}

	log.Error("Request processing failed", "error", err)
	s.WriteErrorResponse(w, err)
}

// receiveUpload streams the multipart body and calls fn with the first file
// in the UploadField. fn receives nil when the body has no such file.
func receiveUpload(r *http.Request, fn func(*intake.FileUpload) error) error {
	mr, err := r.MultipartReader()
	if err != nil {
		return fmt.Errorf("form parsing error: %w", err)
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return fn(nil)
		}

		if err != nil {
			return fmt.Errorf("form parsing error: %w", err)
		}

		if part.FormName() != UploadField || part.FileName() == "" {
			part.Close()
			continue
		}

		err = fn(&intake.FileUpload{
			Name:     part.FileName(),
			MimeType: part.Header.Get("Content-Type"),
			Size:     partSize(part),
			Body:     part,
		})
		part.Close()

		return err
	}
}

// partSize reads an explicit per-part Content-Length, which few clients send.
func partSize(part *multipart.Part) int64 {
	n, err := strconv.ParseInt(part.Header.Get("Content-Length"), 10, 64)
	if err != nil || n < 0 {
		return -1
	}

	return n
}

func (s *Server) DownloadHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "artifactID")
	log := s.log.With("handler", "DownloadHandler", "artifact_id", id)

	var started bool

	err := s.orch.Download(r.Context(), id, w, func(a artifact.Artifact) {
		started = true

		h := w.Header()
		h.Set("Content-Type", "image/jpeg")
		h.Set("Content-Disposition", contentDisposition(a.Filename))
		h.Set("Content-Length", strconv.FormatInt(a.Size, 10))
		h.Set("Cache-Control", "no-store")
	})

	if err == nil {
		return
	}

	if started {
		// the status line is gone; nothing left to tell the client
		log.Error("Download error", "error", err)
		return
	}

	if !errors.Is(err, artifact.ErrNotFound) {
		log.Error("File access error", "error", err)
	}

	s.WriteErrorResponse(w, err)
}

// contentDisposition marks the response as a download. Non-ASCII names are
// sent as an RFC 2231 filename* parameter.
func contentDisposition(filename string) string {
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": filename}); v != "" {
		return v
	}

	return "attachment"
}

// FallbackHandler serves the client application for every unmatched GET:
// existing files under StaticDir as-is, anything else as index.html.
func (s *Server) FallbackHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "Not found", Type: ErrorTypeNotFound})
		return
	}

	if s.opts.StaticDir == "" {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "Not found", Type: ErrorTypeNotFound})
		return
	}

	name := path.Clean("/" + r.URL.Path)
	if name != "/" {
		file := filepath.Join(s.opts.StaticDir, filepath.FromSlash(strings.TrimPrefix(name, "/")))
		if info, err := os.Stat(file); err == nil && !info.IsDir() {
			http.ServeFile(w, r, file)
			return
		}
	}

	index := filepath.Join(s.opts.StaticDir, "index.html")
	if _, err := os.Stat(index); err != nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "Not found", Type: ErrorTypeNotFound})
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	http.ServeFile(w, r, index)
}

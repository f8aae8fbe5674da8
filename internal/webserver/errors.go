package webserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"strings"

	"heic2jpg/internal/artifact"
	"heic2jpg/internal/converter"
	"heic2jpg/internal/intake"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeConversion ErrorType = "conversion"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeInternal   ErrorType = "internal"
)

// ErrorResponse represents a structured error response
type ErrorResponse struct {
	Error   string    `json:"error"`
	Message string    `json:"message,omitempty"`
	Type    ErrorType `json:"type"`
	Code    string    `json:"code,omitempty"`
}

// CategorizeError maps an error onto a status code and response body.
// Messages pass through redact so server paths never reach the client.
func CategorizeError(err error, redact func(string) string) (int, ErrorResponse) {
	if redact == nil {
		redact = func(s string) string { return s }
	}

	if err == nil {
		return http.StatusInternalServerError, ErrorResponse{
			Error: "Internal server error",
			Type:  ErrorTypeInternal,
			Code:  "unknown_error",
		}
	}

	var vErr *intake.ValidationError
	if errors.As(err, &vErr) {
		return http.StatusBadRequest, ErrorResponse{
			Error: vErr.Message,
			Type:  ErrorTypeValidation,
			Code:  string(vErr.Code),
		}
	}

	var convErr *converter.ConversionError
	if errors.As(err, &convErr) {
		return http.StatusInternalServerError, ErrorResponse{
			Error:   "Conversion failed",
			Message: redact(convErr.Message),
			Type:    ErrorTypeConversion,
			Code:    "codec_error",
		}
	}

	if errors.Is(err, artifact.ErrNotFound) {
		return http.StatusNotFound, ErrorResponse{
			Error: "File not found",
			Type:  ErrorTypeNotFound,
			Code:  "artifact_not_found",
		}
	}

	// Default fallback for unrecognized errors
	return http.StatusInternalServerError, ErrorResponse{
		Error:   "Internal server error",
		Message: redact(err.Error()),
		Type:    ErrorTypeInternal,
		Code:    "processing_error",
	}
}

// WriteErrorResponse writes a structured error response as JSON
func (s *Server) WriteErrorResponse(w http.ResponseWriter, err error) {
	status, resp := CategorizeError(err, s.redact)
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)

	if jsonErr := json.NewEncoder(w).Encode(v); jsonErr != nil {
		// Headers are gone by now; all we can do is append text
		fmt.Fprintf(w, "Error: %v", jsonErr)
	}
}

// newRedactor returns a function that strips the given directories from
// messages. Relative directories are only removed as path prefixes.
func newRedactor(dirs ...string) func(string) string {
	var prefixes []string

	for _, d := range dirs {
		if d == "" {
			continue
		}

		d = filepath.Clean(d)
		prefixes = append(prefixes, d+string(filepath.Separator))

		if abs, err := filepath.Abs(d); err == nil {
			prefixes = append(prefixes, abs+string(filepath.Separator))
		}
	}

	// longest first so absolute paths are not half-replaced by relative ones
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })

	return func(msg string) string {
		for _, p := range prefixes {
			msg = strings.ReplaceAll(msg, p, "")
		}

		return msg
	}
}

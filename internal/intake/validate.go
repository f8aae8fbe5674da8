package intake

import (
	"fmt"
	"path/filepath"
	"strings"

	"heic2jpg/internal/fileutil"
)

const (
	// MaxFileSize limits uploaded file size to 50MB
	MaxFileSize = 50 * 1024 * 1024

	// MaxNameBytes leaves room for the "{uuid}-" prefix of stored uploads.
	MaxNameBytes = fileutil.MaxNameBytes - len("00000000-0000-0000-0000-000000000000-")
)

// AllowedFileExtensions defines the allowed file extensions for uploads
var AllowedFileExtensions = map[string]bool{
	".heic": true,
	".heif": true,
}

// AllowedMimeTypes is checked when the extension alone does not qualify.
var AllowedMimeTypes = map[string]bool{
	"image/heic": true,
	"image/heif": true,
}

// ValidationCode tells clients which rule rejected the upload
type ValidationCode string

const (
	CodeMissingFile     ValidationCode = "missing_file"
	CodeUnsupportedType ValidationCode = "unsupported_type"
	CodeFileTooLarge    ValidationCode = "file_too_large"
)

// ValidationError is a client-fixable rejection of an upload.
type ValidationError struct {
	Code    ValidationCode
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func ErrMissingFile() *ValidationError {
	return &ValidationError{Code: CodeMissingFile, Message: "No file uploaded"}
}

func ErrUnsupportedType() *ValidationError {
	return &ValidationError{Code: CodeUnsupportedType, Message: "Only HEIC/HEIF files are allowed"}
}

func ErrFileTooLarge(limit int64) *ValidationError {
	size := fmt.Sprintf("%d bytes", limit)
	if limit%(1024*1024) == 0 {
		size = fmt.Sprintf("%dMB", limit/(1024*1024))
	}

	return &ValidationError{
		Code:    CodeFileTooLarge,
		Message: fmt.Sprintf("File too large. Maximum size is %s.", size),
	}
}

// isAllowedType accepts a file when either its extension or its declared
// media type is on the allow-list.
func isAllowedType(name, mimeType string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	if AllowedFileExtensions[ext] {
		return true
	}

	mediaType, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(mimeType)), ";")

	return AllowedMimeTypes[strings.TrimSpace(mediaType)]
}

// SanitizeFilename sanitizes filenames to prevent issues
func SanitizeFilename(filename string) string {
	// Browsers on Windows may send the full client path
	filename = filename[strings.LastIndexAny(filename, `/\`)+1:]

	filename = strings.ReplaceAll(filename, "..", "")
	filename = strings.ReplaceAll(filename, ":", "")
	filename = strings.ReplaceAll(filename, "*", "")
	filename = strings.ReplaceAll(filename, "?", "")
	filename = strings.ReplaceAll(filename, "<", "")
	filename = strings.ReplaceAll(filename, ">", "")
	filename = strings.ReplaceAll(filename, "|", "")
	filename = strings.ReplaceAll(filename, "\"", "")
	filename = strings.ReplaceAll(filename, "\x00", "")
	filename = strings.TrimSpace(filename)
	filename = fileutil.TruncateName(filename, MaxNameBytes)

	// Ensure filename is not empty after sanitization
	if filename == "" || filename == "." {
		filename = "upload"
	}

	return filename
}

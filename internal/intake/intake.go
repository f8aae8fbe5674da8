// Package intake validates incoming uploads and persists them to temporary
// storage.
package intake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"heic2jpg/internal/fileutil"
)

// FileUpload is a file as received from a client.
type FileUpload struct {
	Name     string
	MimeType string
	// Size is the declared size, or -1 when unknown.
	Size int64
	Body io.Reader
}

// UploadedInput is an accepted upload stored on disk
type UploadedInput struct {
	ID           string
	OriginalName string
	Path         string
	Size         int64
	MimeType     string
}

// Intake accepts uploads into a directory.
type Intake struct {
	dir     string
	maxSize int64
	log     *slog.Logger
}

// New creates dir if needed. maxSize <= 0 means MaxFileSize.
func New(dir string, maxSize int64, log *slog.Logger) (*Intake, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}

	if maxSize <= 0 {
		maxSize = MaxFileSize
	}

	if log == nil {
		log = slog.Default()
	}

	return &Intake{dir: dir, maxSize: maxSize, log: log.With("component", "intake")}, nil
}

func (in *Intake) Dir() string {
	return in.dir
}

func (in *Intake) MaxSize() int64 {
	return in.maxSize
}

// Accept validates the upload and writes it to {token}-{name}. Type and
// declared size are checked before anything touches the disk; a body that
// turns out larger than the limit is removed again.
func (in *Intake) Accept(ctx context.Context, up FileUpload) (UploadedInput, error) {
	if up.Body == nil {
		return UploadedInput{}, ErrMissingFile()
	}

	name := SanitizeFilename(up.Name)

	if !isAllowedType(name, up.MimeType) {
		return UploadedInput{}, ErrUnsupportedType()
	}

	if up.Size > in.maxSize {
		return UploadedInput{}, ErrFileTooLarge(in.maxSize)
	}

	id := uuid.NewString()
	path := filepath.Join(in.dir, id+"-"+name)

	dst, err := os.Create(path)
	if err != nil {
		return UploadedInput{}, fmt.Errorf("file creation failed: %w", err)
	}

	n, err := io.Copy(dst, io.LimitReader(fileutil.ContextReader{Ctx: ctx, R: up.Body}, in.maxSize+1))
	closeErr := dst.Close()

	if err == nil && n > in.maxSize {
		err = ErrFileTooLarge(in.maxSize)
	}

	if err == nil && closeErr != nil {
		err = fmt.Errorf("file saving error: %w", closeErr)
	}

	if err != nil {
		in.remove(path)

		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return UploadedInput{}, ErrFileTooLarge(in.maxSize)
		}

		var vErr *ValidationError
		if errors.As(err, &vErr) {
			return UploadedInput{}, vErr
		}

		return UploadedInput{}, fmt.Errorf("file saving error: %w", err)
	}

	in.log.Info("Upload accepted", "input_id", id, "filename", name, "size", n)

	return UploadedInput{
		ID:           id,
		OriginalName: name,
		Path:         path,
		Size:         n,
		MimeType:     up.MimeType,
	}, nil
}

// Discard removes a stored input. It is best-effort: a missing file is fine
// and any other failure is only logged.
func (in *Intake) Discard(ctx context.Context, input UploadedInput) {
	in.remove(input.Path)
}

func (in *Intake) remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		in.log.Error("Cleanup error", "file", filepath.Base(path), "error", err)
	}
}

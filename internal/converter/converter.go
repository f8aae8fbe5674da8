// Package converter drives the codec over an accepted upload and stores the
// result as a downloadable artifact.
package converter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"heic2jpg/internal/artifact"
	"heic2jpg/internal/codec"
	"heic2jpg/internal/intake"
)

// OutputExtension is appended to the input's base name.
const OutputExtension = ".jpg"

// ConversionError reports that the codec rejected the input.
type ConversionError struct {
	Message string
	Err     error
}

func (e *ConversionError) Error() string {
	return "conversion failed: " + e.Message
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}

// Worker converts inputs one call at a time; it holds no per-request state
// and is safe for concurrent use.
type Worker struct {
	codec   codec.Codec
	store   *artifact.Store
	quality float64
	log     *slog.Logger
}

func NewWorker(c codec.Codec, store *artifact.Store, quality float64, log *slog.Logger) *Worker {
	if quality <= 0 || quality > 1 {
		quality = codec.DefaultQuality
	}

	if log == nil {
		log = slog.Default()
	}

	return &Worker{
		codec:   c,
		store:   store,
		quality: quality,
		log:     log.With("component", "converter"),
	}
}

// Convert reads the stored input, converts it to JPEG and stores the output.
// The input file is left in place; removing it is the caller's job.
func (w *Worker) Convert(ctx context.Context, in intake.UploadedInput) (artifact.Artifact, error) {
	data, err := os.ReadFile(in.Path)
	if err != nil {
		return artifact.Artifact{}, fmt.Errorf("failed to read input %s: %w", in.OriginalName, err)
	}

	out, err := w.codec.Convert(ctx, data, codec.JPEG, w.quality)
	if err != nil {
		var codecErr *codec.CodecError
		if errors.As(err, &codecErr) {
			return artifact.Artifact{}, &ConversionError{Message: codecErr.Message, Err: err}
		}

		return artifact.Artifact{}, fmt.Errorf("codec failure: %w", err)
	}

	a, err := w.store.Put(ctx, OutputFilename(in.OriginalName), out)
	if err != nil {
		return artifact.Artifact{}, err
	}

	w.log.Info("Conversion successful", "input_id", in.ID, "artifact_id", a.ID, "filename", a.Filename, "size", a.Size)

	return a, nil
}

// OutputFilename derives the artifact name from the uploaded name.
func OutputFilename(name string) string {
	base := filepath.Base(name)
	base = strings.TrimSuffix(base, filepath.Ext(base))

	if base == "" || base == "." {
		base = "converted"
	}

	return base + OutputExtension
}

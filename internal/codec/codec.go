// Package codec defines the image conversion capability and its implementations.
package codec

import (
	"context"
	"fmt"
)

// Format is an output image format
type Format string

const (
	JPEG Format = "JPEG"
)

// DefaultQuality is the JPEG quality used by the converter, in the 0..1 range.
const DefaultQuality = 0.9

// Codec turns encoded image bytes into another format.
type Codec interface {
	Convert(ctx context.Context, input []byte, format Format, quality float64) ([]byte, error)
}

// Func adapts an ordinary function to the Codec interface.
type Func func(ctx context.Context, input []byte, format Format, quality float64) ([]byte, error)

func (f Func) Convert(ctx context.Context, input []byte, format Format, quality float64) ([]byte, error) {
	return f(ctx, input, format, quality)
}

// CodecError reports malformed or unsupported input. Message is meant to be
// shown to the user.
type CodecError struct {
	Message string
	Err     error
}

func (e *CodecError) Error() string {
	return e.Message
}

func (e *CodecError) Unwrap() error {
	return e.Err
}

// Errorf builds a CodecError with a formatted message.
func Errorf(format string, args ...any) *CodecError {
	return &CodecError{Message: fmt.Sprintf(format, args...)}
}

// Package fileutil holds small helpers shared by the packages that write
// uploads and artifacts to disk.
package fileutil

import (
	"context"
	"io"
	"path/filepath"
	"unicode/utf8"
)

// MaxNameBytes is the file name limit of common filesystems (ext4, APFS, NTFS).
const MaxNameBytes = 255

// TruncateName shortens name to at most max bytes. The extension is kept and
// the base is cut on a rune boundary.
func TruncateName(name string, max int) string {
	if max <= 0 {
		return ""
	}

	if len(name) <= max {
		return name
	}

	ext := filepath.Ext(name)
	if len(ext) >= max {
		ext = ""
	}

	base := name[:len(name)-len(ext)]
	n := max - len(ext)

	for n > 0 && !utf8.RuneStart(base[n]) {
		n--
	}

	return base[:n] + ext
}

// ContextReader stops reading once ctx is done.
type ContextReader struct {
	Ctx context.Context
	R   io.Reader
}

func (c ContextReader) Read(p []byte) (int, error) {
	if err := c.Ctx.Err(); err != nil {
		return 0, err
	}

	return c.R.Read(p)
}

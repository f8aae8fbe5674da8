package codec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultCommand converts with libheif's command line tool.
var DefaultCommand = []string{"heif-convert", "-q", "{quality}", "{input}", "{output}"}

// Exec runs an external converter for every call. Command is an argv with the
// placeholders {input}, {output} and {quality} (an integer 0..100).
type Exec struct {
	Command []string
	// WorkDir holds the scratch directories. Empty means os.TempDir().
	WorkDir string
}

func NewExec(command []string, workDir string) *Exec {
	if len(command) == 0 {
		command = DefaultCommand
	}

	return &Exec{Command: command, WorkDir: workDir}
}

func (e *Exec) Convert(ctx context.Context, input []byte, format Format, quality float64) ([]byte, error) {
	if format != JPEG {
		return nil, Errorf("unsupported output format %q", format)
	}

	if len(input) == 0 {
		return nil, Errorf("input is empty")
	}

	scratch, err := os.MkdirTemp(e.WorkDir, "codec-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(scratch)

	inPath := filepath.Join(scratch, "input.heic")
	outPath := filepath.Join(scratch, "output.jpg")

	if err := os.WriteFile(inPath, input, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write codec input: %w", err)
	}

	argv := e.expand(inPath, outPath, quality)

	var stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = scratch
	cmd.Stdout = &stderr
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to run %s: %w", argv[0], err)
		}

		msg := redact(strings.TrimSpace(stderr.String()), scratch)
		if msg == "" {
			msg = fmt.Sprintf("%s exited with code %d", filepath.Base(argv[0]), exitErr.ExitCode())
		}

		return nil, &CodecError{Message: msg, Err: err}
	}

	out, err := os.ReadFile(outPath)
	if err != nil || len(out) == 0 {
		return nil, &CodecError{Message: "converter produced no output", Err: err}
	}

	return out, nil
}

func (e *Exec) expand(inPath, outPath string, quality float64) []string {
	q := strconv.Itoa(int(quality*100 + 0.5))

	argv := make([]string, len(e.Command))
	for i, arg := range e.Command {
		arg = strings.ReplaceAll(arg, "{input}", inPath)
		arg = strings.ReplaceAll(arg, "{output}", outPath)
		arg = strings.ReplaceAll(arg, "{quality}", q)
		argv[i] = arg
	}

	return argv
}

// redact strips the scratch directory from tool output so clients never see
// server paths.
func redact(msg, dir string) string {
	msg = strings.ReplaceAll(msg, dir+string(filepath.Separator), "")
	return strings.ReplaceAll(msg, dir, "")
}

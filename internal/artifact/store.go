// Package artifact keeps converted files on temporary storage until they are
// downloaded, then expires them after a grace period.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"heic2jpg/internal/fileutil"
)

// DefaultGracePeriod is the delay between a finished download and deletion.
const DefaultGracePeriod = 5 * time.Second

// maxFilenameBytes keeps "{uuid}-{filename}.tmp" within one path element.
const maxFilenameBytes = fileutil.MaxNameBytes - len("00000000-0000-0000-0000-000000000000-") - len(".tmp")

// ErrNotFound is returned for unknown, malformed or already deleted artifact ids.
var ErrNotFound = errors.New("artifact not found")

// Artifact describes a converted file waiting for download
type Artifact struct {
	ID        string
	Filename  string
	Path      string
	Size      int64
	CreatedAt time.Time
}

// Store maps artifact ids to files under a single directory. Registered
// artifacts and pending expiries live in memory only; files left behind by a
// restart are not tracked.
type Store struct {
	dir   string
	grace time.Duration
	log   *slog.Logger

	mu        sync.Mutex
	artifacts map[string]Artifact

	reaper *reaper
}

// Option configures a Store
type Option func(*Store)

func WithGracePeriod(d time.Duration) Option {
	return func(s *Store) {
		s.grace = d
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// NewStore creates dir if needed and returns an empty store.
func NewStore(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	s := &Store{
		dir:       dir,
		grace:     DefaultGracePeriod,
		log:       slog.Default(),
		artifacts: make(map[string]Artifact),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.log = s.log.With("component", "artifact_store")
	s.reaper = newReaper(s.grace, s.expire)

	return s, nil
}

// Dir returns the directory backing the store.
func (s *Store) Dir() string {
	return s.dir
}

// GracePeriod is how long a streamed artifact survives.
func (s *Store) GracePeriod() time.Duration {
	return s.grace
}

// Put writes data as a new artifact named filename and registers it. Names
// too long for the filesystem are shortened, keeping the extension.
func (s *Store) Put(ctx context.Context, filename string, data []byte) (Artifact, error) {
	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}

	filename = fileutil.TruncateName(filename, maxFilenameBytes)

	id := s.newID()
	path := filepath.Join(s.dir, id+"-"+filename)
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return Artifact{}, fmt.Errorf("failed to write artifact: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return Artifact{}, fmt.Errorf("failed to commit artifact: %w", err)
	}

	a := Artifact{
		ID:        id,
		Filename:  filename,
		Path:      path,
		Size:      int64(len(data)),
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	s.artifacts[id] = a
	s.mu.Unlock()

	s.log.Debug("Artifact stored", "artifact_id", id, "filename", filename, "size", a.Size)

	return a, nil
}

// newID returns a UUID not currently registered. Ids are never reused because
// deleted artifacts stay unknown and v4 collisions are negligible.
func (s *Store) newID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		id := uuid.NewString()
		if _, taken := s.artifacts[id]; !taken {
			return id
		}
	}
}

// Resolve looks up a registered artifact whose file still exists.
func (s *Store) Resolve(id string) (Artifact, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Artifact{}, ErrNotFound
	}

	s.mu.Lock()
	a, ok := s.artifacts[id]
	s.mu.Unlock()

	if !ok {
		return Artifact{}, ErrNotFound
	}

	if _, err := os.Stat(a.Path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Artifact{}, ErrNotFound
		}

		return Artifact{}, fmt.Errorf("failed to stat artifact: %w", err)
	}

	return a, nil
}

// StreamAndExpire copies the artifact to w and then schedules its deletion,
// whether the copy finished or the client went away. prepare, when not nil,
// runs after the artifact is resolved and before the first byte is written.
func (s *Store) StreamAndExpire(ctx context.Context, id string, w io.Writer, prepare func(Artifact)) (int64, error) {
	a, err := s.Resolve(id)
	if err != nil {
		return 0, err
	}

	f, err := os.Open(a.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, ErrNotFound
		}

		return 0, fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()

	// an open handle survives unlink, so a deletion never cuts this stream
	defer s.reaper.schedule(id)

	if prepare != nil {
		prepare(a)
	}

	n, err := io.Copy(w, fileutil.ContextReader{Ctx: ctx, R: f})
	if err != nil {
		s.log.Warn("Artifact stream interrupted", "artifact_id", id, "written", n, "error", err)
		return n, fmt.Errorf("failed streaming artifact: %w", err)
	}

	s.log.Info("Artifact streamed", "artifact_id", id, "bytes", n)

	return n, nil
}

// Delete removes the artifact file and forgets the id. Deleting an unknown
// or already deleted artifact is a no-op.
func (s *Store) Delete(id string) error {
	s.reaper.cancel(id)

	return s.remove(id)
}

func (s *Store) remove(id string) error {
	s.mu.Lock()
	a, ok := s.artifacts[id]
	delete(s.artifacts, id)
	s.mu.Unlock()

	if !ok {
		return nil
	}

	if err := os.Remove(a.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove artifact %s: %w", id, err)
	}

	return nil
}

// expire is the reaper callback. Cleanup failures are logged, never returned
// to a client.
func (s *Store) expire(id string) error {
	if err := s.remove(id); err != nil {
		s.log.Error("Artifact cleanup failed", "artifact_id", id, "error", err)
		return err
	}

	s.log.Info("Artifact expired", "artifact_id", id)

	return nil
}

// Pending lists artifact ids waiting for their grace period to elapse.
func (s *Store) Pending() []string {
	return s.reaper.pending()
}

// Undownloaded lists registered artifacts with no expiry armed, i.e. the ones
// nobody has streamed yet.
func (s *Store) Undownloaded() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.artifacts))
	for id := range s.artifacts {
		if !s.reaper.armed(id) {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	sort.Strings(ids)

	return ids
}

// Cancel stops a scheduled expiry. It reports whether one was pending.
func (s *Store) Cancel(id string) bool {
	return s.reaper.cancel(id)
}

// Drain expires every pending artifact now and waits for running expiries.
// Artifacts that were never streamed are left alone.
func (s *Store) Drain(ctx context.Context) error {
	return s.reaper.drain(ctx)
}

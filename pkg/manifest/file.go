package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

const (
	fileExt = ".json"
	revExt  = ".rev"
)

// FileStore keeps one <version>.json file per manifest in a directory. The
// file holds the bare manifest document so other tools can read it directly.
// The revision lives in a <version>.rev sidecar; a document without one is
// at revision 1.
//
// Writes go to a temporary file in the same directory which is then renamed
// (update) or hard-linked (create) into place, so readers never observe a
// partial document and concurrent creates of one version cannot both win.
// The mutex serializes read-compare-write within a process only.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates a store rooted at dir, creating dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating manifest directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the store directory.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path(version string) (string, error) {
	if version == "" || strings.ContainsAny(version, `/\`) || strings.HasPrefix(version, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidVersion, version)
	}
	return filepath.Join(s.dir, version+fileExt), nil
}

func revPath(path string) string {
	return strings.TrimSuffix(path, fileExt) + revExt
}

// Create implements Store.
func (s *FileStore) Create(ctx context.Context, m *Manifest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(m.Version)
	if err != nil {
		return err
	}
	data, err := encodeManifest(m)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := s.writeTemp(data)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp) }()

	if err := os.Link(tmp, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrVersionExists, m.Version)
		}
		return fmt.Errorf("writing manifest %s: %w", m.Version, err)
	}
	return s.writeRevision(path, 1)
}

// Get implements Store.
func (s *FileStore) Get(ctx context.Context, version string) (*Manifest, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	path, err := s.path(version)
	if err != nil {
		return nil, 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := readManifest(path, version)
	if err != nil {
		return nil, 0, err
	}
	rev, err := readRevision(path)
	if err != nil {
		return nil, 0, err
	}
	return m, rev, nil
}

// Update implements Store.
func (s *FileStore) Update(ctx context.Context, m *Manifest, expectedRevision int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(m.Version)
	if err != nil {
		return err
	}
	data, err := encodeManifest(m)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := readManifest(path, m.Version); err != nil {
		return err
	}
	current, err := readRevision(path)
	if err != nil {
		return err
	}
	if current != expectedRevision {
		return fmt.Errorf("%w: %s at revision %d, expected %d", ErrConflict, m.Version, current, expectedRevision)
	}

	if err := s.replace(path, data); err != nil {
		return fmt.Errorf("replacing manifest %s: %w", m.Version, err)
	}
	return s.writeRevision(path, expectedRevision+1)
}

// List implements Store.
func (s *FileStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading manifest directory: %w", err)
	}

	var versions []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileExt) || strings.HasPrefix(name, ".") {
			continue
		}
		versions = append(versions, strings.TrimSuffix(name, fileExt))
	}
	return versions, nil
}

func (s *FileStore) writeRevision(path string, rev int64) error {
	if err := s.replace(revPath(path), []byte(strconv.FormatInt(rev, 10)+"\n")); err != nil {
		return fmt.Errorf("writing revision for %s: %w", filepath.Base(path), err)
	}
	return nil
}

// replace atomically swaps the content of path.
func (s *FileStore) replace(path string, data []byte) error {
	tmp, err := s.writeTemp(data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func (s *FileStore) writeTemp(data []byte) (string, error) {
	f, err := os.CreateTemp(s.dir, ".manifest-*.tmp")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	tmp := f.Name()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("writing temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("syncing temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("closing temp file: %w", err)
	}
	return tmp, nil
}

func encodeManifest(m *Manifest) ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	return append(data, '\n'), nil
}

func readManifest(path, version string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, version)
	}
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	if m.Version != version {
		return nil, fmt.Errorf("decoding %s: %w: version %q does not match file name", path, ErrInvalidManifest, m.Version)
	}
	return &m, nil
}

func readRevision(path string) (int64, error) {
	data, err := os.ReadFile(revPath(path))
	if errors.Is(err, fs.ErrNotExist) {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading revision: %w", err)
	}
	rev, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing revision %s: %w", revPath(path), err)
	}
	return rev, nil
}

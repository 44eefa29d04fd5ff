// Package blob stores raw paste content as flat files named by identifier
// under a single root directory.
package blob

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when a blob is missing or empty.
	ErrNotFound = errors.New("blob not found")
	// ErrExists is returned by Write when the identifier is already occupied.
	ErrExists = errors.New("blob already exists")
	// ErrInvalidID is returned for identifiers that cannot name a flat file.
	ErrInvalidID = errors.New("invalid blob id")
)

const tempPrefix = ".tmp-"

// Entry describes a stored blob.
type Entry struct {
	ID      string
	Size    int64
	ModTime time.Time
}

// Store keeps blobs on the local filesystem.
type Store struct {
	root string
}

// New creates a Store rooted at root. Call EnsureDir before use.
func New(root string) *Store {
	return &Store{root: filepath.Clean(root)}
}

// Root returns the storage root directory.
func (s *Store) Root() string {
	return s.root
}

// EnsureDir creates the storage directory if it doesn't exist.
func (s *Store) EnsureDir() error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return errors.Wrapf(err, "create storage directory %s", s.root)
	}
	return nil
}

// PathFor derives the blob location for id. It performs no I/O.
func (s *Store) PathFor(id string) string {
	return filepath.Join(s.root, id)
}

// Exists reports whether a file occupies the path derived from id.
func (s *Store) Exists(id string) (bool, error) {
	if !validID(id) {
		return false, ErrInvalidID
	}
	_, err := os.Lstat(s.PathFor(id))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "stat blob %s", id)
}

// Write stores data under id. The content is staged in a temporary file and
// hard-linked into place, so readers never observe a partial blob and an
// occupied id yields ErrExists instead of being overwritten.
func (s *Store) Write(id string, data []byte) error {
	if !validID(id) {
		return ErrInvalidID
	}
	tmp, err := os.CreateTemp(s.root, tempPrefix+"*")
	if err != nil {
		return errors.Wrap(err, "create temp blob")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "write blob %s", id)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "sync blob %s", id)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "close blob %s", id)
	}

	err = os.Link(tmpName, s.PathFor(id))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrExist):
		return ErrExists
	default:
		// Some filesystems refuse hard links; fall back to an exclusive create.
		return s.writeExclusive(id, data)
	}
}

func (s *Store) writeExclusive(id string, data []byte) error {
	path := s.PathFor(id)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrExists
		}
		return errors.Wrapf(err, "create blob %s", id)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return errors.Wrapf(err, "write blob %s", id)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return errors.Wrapf(err, "close blob %s", id)
	}
	return nil
}

// Read returns the blob content. Missing and zero-length blobs both yield
// ErrNotFound.
func (s *Store) Read(id string) ([]byte, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(s.PathFor(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "read blob %s", id)
	}
	if len(data) == 0 {
		return nil, ErrNotFound
	}
	return data, nil
}

// Delete removes the blob and reports whether a file was actually removed.
// A blob that is already gone is not an error.
func (s *Store) Delete(id string) (bool, error) {
	if !validID(id) {
		return false, nil
	}
	if err := os.Remove(s.PathFor(id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, errors.Wrapf(err, "delete blob %s", id)
	}
	return true, nil
}

// List returns every stored blob, skipping in-flight temporary files.
func (s *Store) List() ([]Entry, error) {
	dirEntries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, errors.Wrapf(err, "list storage directory %s", s.root)
	}
	out := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() || strings.HasPrefix(de.Name(), ".") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, errors.Wrapf(err, "stat blob %s", de.Name())
		}
		out = append(out, Entry{ID: de.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}
	return out, nil
}

func validID(id string) bool {
	if id == "" || strings.HasPrefix(id, ".") {
		return false
	}
	return !strings.ContainsAny(id, `/\`)
}

package blob

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "pastes"))
	if err := s.EnsureDir(); err != nil {
		t.Fatalf("ensure dir: %v", err)
	}
	return s
}

func TestEnsureDirIsIdempotent(t *testing.T) {
	s := newStore(t)
	if err := s.EnsureDir(); err != nil {
		t.Fatalf("second ensure dir: %v", err)
	}
	info, err := os.Stat(s.Root())
	if err != nil {
		t.Fatalf("stat root: %v", err)
	}
	if !info.IsDir() {
		t.Fatalf("expected %s to be a directory", s.Root())
	}
}

func TestPathForIsPure(t *testing.T) {
	s := New("/srv/pastes")
	if got := s.PathFor("abc"); got != filepath.Join("/srv/pastes", "abc") {
		t.Fatalf("unexpected path %q", got)
	}
	if got := s.PathFor("abc"); got != s.PathFor("abc") {
		t.Fatalf("path derivation must be stable")
	}
}

func TestWriteReadDelete(t *testing.T) {
	s := newStore(t)

	t.Run("write and read", func(t *testing.T) {
		if err := s.Write("hello", []byte("hello world")); err != nil {
			t.Fatalf("write: %v", err)
		}
		got, err := s.Read("hello")
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(got) != "hello world" {
			t.Fatalf("unexpected content %q", got)
		}
	})

	t.Run("write refuses occupied id", func(t *testing.T) {
		err := s.Write("hello", []byte("other"))
		if !errors.Is(err, ErrExists) {
			t.Fatalf("expected ErrExists, got %v", err)
		}
		got, _ := s.Read("hello")
		if string(got) != "hello world" {
			t.Fatalf("existing blob was overwritten: %q", got)
		}
	})

	t.Run("delete", func(t *testing.T) {
		removed, err := s.Delete("hello")
		if err != nil {
			t.Fatalf("delete: %v", err)
		}
		if !removed {
			t.Fatalf("expected removal")
		}
		if _, err := s.Read("hello"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
	})

	t.Run("delete missing is not an error", func(t *testing.T) {
		removed, err := s.Delete("hello")
		if err != nil {
			t.Fatalf("delete missing: %v", err)
		}
		if removed {
			t.Fatalf("expected no removal for missing blob")
		}
	})
}

func TestReadTreatsEmptyBlobAsMissing(t *testing.T) {
	s := newStore(t)
	if err := os.WriteFile(s.PathFor("empty"), nil, 0o600); err != nil {
		t.Fatalf("seed empty blob: %v", err)
	}
	if _, err := s.Read("empty"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for empty blob, got %v", err)
	}
	exists, err := s.Exists("empty")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if !exists {
		t.Fatalf("empty blob still occupies its id")
	}
}

func TestWriteRejectsUnsafeIDs(t *testing.T) {
	s := newStore(t)
	for _, id := range []string{"", ".hidden", "../escape", `a\b`, "a/b"} {
		if err := s.Write(id, []byte("x")); !errors.Is(err, ErrInvalidID) {
			t.Fatalf("id %q: expected ErrInvalidID, got %v", id, err)
		}
	}
}

func TestConcurrentWritersSameID(t *testing.T) {
	s := newStore(t)
	const writers = 16

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		won     int
		existed int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Write("contested", []byte("payload"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			case errors.Is(err, ErrExists):
				existed++
			default:
				t.Errorf("unexpected write error: %v", err)
			}
		}()
	}
	wg.Wait()

	if won != 1 || existed != writers-1 {
		t.Fatalf("expected exactly one winner, got won=%d existed=%d", won, existed)
	}
}

func TestListSkipsTempFiles(t *testing.T) {
	s := newStore(t)
	for _, id := range []string{"one", "two"} {
		if err := s.Write(id, []byte(id)); err != nil {
			t.Fatalf("write %s: %v", id, err)
		}
	}
	if err := os.WriteFile(filepath.Join(s.Root(), tempPrefix+"stray"), []byte("x"), 0o600); err != nil {
		t.Fatalf("seed temp file: %v", err)
	}

	entries, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d: %+v", len(entries), entries)
	}
	for _, e := range entries {
		if e.ID != "one" && e.ID != "two" {
			t.Fatalf("unexpected entry %q", e.ID)
		}
	}
}

package reaper

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"shortpaste/internal/blob"
	"shortpaste/internal/storage"
	"shortpaste/internal/storage/boltstore"
	"shortpaste/internal/storage/storagetest"
)

type fixture struct {
	clock *storagetest.Clock
	meta  storage.Store
	blobs *blob.Store
	logs  *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	clock := &storagetest.Clock{T: time.Now().Truncate(time.Second)}
	meta, err := boltstore.Open(filepath.Join(dir, "meta.db"), storage.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("open meta: %v", err)
	}
	t.Cleanup(func() { meta.Close() })
	blobs := blob.New(filepath.Join(dir, "pastes"))
	if err := blobs.EnsureDir(); err != nil {
		t.Fatalf("ensure dir: %v", err)
	}
	return &fixture{clock: clock, meta: meta, blobs: blobs, logs: &bytes.Buffer{}}
}

func (f *fixture) reaper(blobs Blobs, opts ...Option) *Reaper {
	if blobs == nil {
		blobs = f.blobs
	}
	opts = append([]Option{WithLogger(zerolog.New(f.logs)), WithClock(f.clock.Now)}, opts...)
	return New(f.meta, blobs, opts...)
}

func (f *fixture) seed(t *testing.T, id string, hold int64) {
	t.Helper()
	if err := f.blobs.Write(id, []byte("content of "+id)); err != nil {
		t.Fatalf("write blob %s: %v", id, err)
	}
	if err := f.meta.Insert(context.Background(), &storage.Paste{ID: id, HoldSeconds: hold, StoragePath: f.blobs.PathFor(id)}); err != nil {
		t.Fatalf("insert %s: %v", id, err)
	}
}

func (f *fixture) has(t *testing.T, id string) (row, file bool) {
	t.Helper()
	row, err := f.meta.Exists(context.Background(), id)
	if err != nil {
		t.Fatalf("exists row: %v", err)
	}
	file, err = f.blobs.Exists(id)
	if err != nil {
		t.Fatalf("exists blob: %v", err)
	}
	return row, file
}

func TestRunOnceNothingToReap(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "alive", 3600)

	res, err := f.reaper(nil).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if res != (Result{}) {
		t.Fatalf("expected empty result, got %+v", res)
	}
	if row, file := f.has(t, "alive"); !row || !file {
		t.Fatalf("live paste touched: row=%v file=%v", row, file)
	}
	if !strings.Contains(f.logs.String(), "nothing to reap") {
		t.Fatalf("expected nothing-to-reap log, got %s", f.logs.String())
	}
}

func TestRunOnceReapsExpiredExactlyOnce(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "brief", 1)
	f.seed(t, "alive", 3600)
	f.clock.Advance(2 * time.Second)

	r := f.reaper(nil)
	res, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if res.Candidates != 1 || res.Reaped != 1 || res.Failed != 0 {
		t.Fatalf("unexpected first result %+v", res)
	}
	if row, file := f.has(t, "brief"); row || file {
		t.Fatalf("expired paste survived: row=%v file=%v", row, file)
	}
	if row, file := f.has(t, "alive"); !row || !file {
		t.Fatalf("live paste touched: row=%v file=%v", row, file)
	}

	res, err = r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if res != (Result{}) {
		t.Fatalf("second cycle should be a no-op, got %+v", res)
	}
}

func TestRunOnceTreatsMissingBlobAsDeleted(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "ghost", 0)
	if _, err := f.blobs.Delete("ghost"); err != nil {
		t.Fatalf("remove blob: %v", err)
	}

	res, err := f.reaper(nil).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if res.Reaped != 1 {
		t.Fatalf("expected the stale row to be reaped, got %+v", res)
	}
}

type flakyBlobs struct {
	*blob.Store
	fail string
}

func (b flakyBlobs) Delete(id string) (bool, error) {
	if id == b.fail {
		return false, errors.New("permission denied")
	}
	return b.Store.Delete(id)
}

func TestRunOnceKeepsRowWhenBlobDeleteFails(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "stuck", 0)
	f.seed(t, "done", 0)

	res, err := f.reaper(flakyBlobs{Store: f.blobs, fail: "stuck"}).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if res.Candidates != 2 || res.Reaped != 1 || res.Failed != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if row, _ := f.has(t, "stuck"); !row {
		t.Fatalf("row removed although its blob was not")
	}
	if row, file := f.has(t, "done"); row || file {
		t.Fatalf("healthy candidate not reaped: row=%v file=%v", row, file)
	}

	res, err = f.reaper(nil).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("retry cycle: %v", err)
	}
	if res.Reaped != 1 {
		t.Fatalf("expected the retried row to be reaped, got %+v", res)
	}
}

func TestSweepOrphans(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "owned", 3600)
	for _, id := range []string{"stale", "fresh"} {
		if err := f.blobs.Write(id, []byte(id)); err != nil {
			t.Fatalf("write %s: %v", id, err)
		}
	}
	old := f.clock.Now().Add(-2 * time.Hour)
	for _, id := range []string{"owned", "stale"} {
		if err := os.Chtimes(f.blobs.PathFor(id), old, old); err != nil {
			t.Fatalf("age %s: %v", id, err)
		}
	}

	swept, err := f.reaper(nil).SweepOrphans(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 1 {
		t.Fatalf("expected 1 orphan swept, got %d", swept)
	}
	for id, want := range map[string]bool{"owned": true, "stale": false, "fresh": true} {
		if _, file := f.has(t, id); file != want {
			t.Fatalf("blob %s present=%v, want %v", id, file, want)
		}
	}
}

func TestStartRunsImmediatelyUntilCancelled(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "brief", 0)

	ctx, cancel := context.WithCancel(context.Background())
	r := f.reaper(nil, WithInterval(time.Hour))
	r.Start(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for {
		row, _ := f.has(t, "brief")
		if !row {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("reaper did not run on start")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	done := make(chan struct{})
	go func() {
		r.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("reaper did not stop after cancel")
	}
}

func TestStartTwiceRunsOneLoop(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	r := f.reaper(nil, WithInterval(time.Hour))
	r.Start(ctx)
	r.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		r.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("reaper did not stop after cancel")
	}
	if n := strings.Count(f.logs.String(), "reaper started"); n != 1 {
		t.Fatalf("expected one reaper loop, got %d starts:\n%s", n, f.logs.String())
	}
}

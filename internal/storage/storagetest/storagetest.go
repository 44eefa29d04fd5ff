// Package storagetest holds behaviour checks shared by every metadata backend.
package storagetest

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"shortpaste/internal/storage"
)

// Clock is a settable time source for backends under test.
type Clock struct {
	T time.Time
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time { return c.T }

// Advance moves the fake time forward.
func (c *Clock) Advance(d time.Duration) { c.T = c.T.Add(d) }

// OpenFunc opens a fresh, empty backend that reads time from clock.
type OpenFunc func(t *testing.T, clock *Clock) storage.Store

// Run exercises the storage.Store contract against a backend.
func Run(t *testing.T, open OpenFunc) {
	t.Run("insert and get", func(t *testing.T) { testInsertGet(t, open) })
	t.Run("get missing", func(t *testing.T) { testGetMissing(t, open) })
	t.Run("delete", func(t *testing.T) { testDelete(t, open) })
	t.Run("delete many", func(t *testing.T) { testDeleteMany(t, open) })
	t.Run("list order", func(t *testing.T) { testListOrder(t, open) })
	t.Run("list expired", func(t *testing.T) { testListExpired(t, open) })
	t.Run("huge hold", func(t *testing.T) { testHugeHold(t, open) })
}

func newClock() *Clock {
	return &Clock{T: time.Unix(1_700_000_000, 0).UTC()}
}

func row(id string, hold int64) *storage.Paste {
	return &storage.Paste{
		ID:          id,
		Title:       "title " + id,
		Author:      "author " + id,
		ContentType: "text/plain; charset=utf-8",
		StoragePath: "/data/" + id,
		HoldSeconds: hold,
	}
}

func testInsertGet(t *testing.T, open OpenFunc) {
	clock := newClock()
	store := open(t, clock)
	ctx := context.Background()

	in := row("abc123", 60)
	if err := store.Insert(ctx, in); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if in.RowID == 0 {
		t.Fatalf("expected row id to be assigned")
	}

	clock.Advance(25 * time.Second)
	out, err := store.Get(ctx, "abc123")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if out.Title != in.Title || out.Author != in.Author || out.ContentType != in.ContentType || out.StoragePath != in.StoragePath {
		t.Fatalf("round trip mismatch: %+v vs %+v", out, in)
	}
	if out.HoldSeconds != 60 {
		t.Fatalf("expected hold 60, got %d", out.HoldSeconds)
	}
	if out.ElapsedSeconds != 25 {
		t.Fatalf("expected 25 elapsed seconds, got %d", out.ElapsedSeconds)
	}
	want := time.Unix(1_700_000_060, 0)
	if !out.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %s, got %s", want, out.ExpiresAt)
	}

	ok, err := store.Exists(ctx, "abc123")
	if err != nil || !ok {
		t.Fatalf("exists: %v %v", ok, err)
	}
}

func testGetMissing(t *testing.T, open OpenFunc) {
	store := open(t, newClock())
	if _, err := store.Get(context.Background(), "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	ok, err := store.Exists(context.Background(), "nope")
	if err != nil || ok {
		t.Fatalf("exists on missing row: %v %v", ok, err)
	}
}

func testDelete(t *testing.T, open OpenFunc) {
	store := open(t, newClock())
	ctx := context.Background()
	if err := store.Insert(ctx, row("gone", 60)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	removed, err := store.Delete(ctx, "gone")
	if err != nil || !removed {
		t.Fatalf("delete: removed=%v err=%v", removed, err)
	}
	removed, err = store.Delete(ctx, "gone")
	if err != nil || removed {
		t.Fatalf("second delete should be a no-op: removed=%v err=%v", removed, err)
	}
	if _, err := store.Get(ctx, "gone"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func testDeleteMany(t *testing.T, open OpenFunc) {
	store := open(t, newClock())
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := store.Insert(ctx, row(id, 60)); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	n, err := store.DeleteMany(ctx, []string{"a", "c", "missing"})
	if err != nil {
		t.Fatalf("delete many: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 removals, got %d", n)
	}
	left, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(left) != 1 || left[0].ID != "b" {
		t.Fatalf("expected only b to remain, got %+v", left)
	}

	if n, err := store.DeleteMany(ctx, nil); err != nil || n != 0 {
		t.Fatalf("empty batch: n=%d err=%v", n, err)
	}
}

func testListOrder(t *testing.T, open OpenFunc) {
	clock := newClock()
	store := open(t, clock)
	ctx := context.Background()
	for _, id := range []string{"old", "mid", "new"} {
		if err := store.Insert(ctx, row(id, 3600)); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
		clock.Advance(time.Minute)
	}

	all, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(all))
	}
	for i, want := range []string{"new", "mid", "old"} {
		if all[i].ID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, all[i].ID)
		}
	}
	if all[2].ExpiresAt.IsZero() {
		t.Fatalf("expected derived expiry on listed rows")
	}
}

func testListExpired(t *testing.T, open OpenFunc) {
	clock := newClock()
	store := open(t, clock)
	ctx := context.Background()

	if err := store.Insert(ctx, row("short", 1)); err != nil {
		t.Fatalf("insert short: %v", err)
	}
	if err := store.Insert(ctx, row("long", 3600)); err != nil {
		t.Fatalf("insert long: %v", err)
	}
	if err := store.Insert(ctx, row("zero", 0)); err != nil {
		t.Fatalf("insert zero: %v", err)
	}

	expired, err := store.ListExpired(ctx)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "zero" {
		t.Fatalf("expected only the zero-hold row at t0, got %+v", expired)
	}

	clock.Advance(time.Second)
	expired, err = store.ListExpired(ctx)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	ids := map[string]bool{}
	for _, p := range expired {
		ids[p.ID] = true
		if p.ElapsedSeconds < p.HoldSeconds {
			t.Fatalf("row %s listed before its hold elapsed", p.ID)
		}
	}
	if len(ids) != 2 || !ids["short"] || !ids["zero"] {
		t.Fatalf("expected short and zero expired, got %+v", expired)
	}
}

func testHugeHold(t *testing.T, open OpenFunc) {
	clock := newClock()
	store := open(t, clock)
	ctx := context.Background()

	if err := store.Insert(ctx, row("decades", 10_000_000_000)); err != nil {
		t.Fatalf("insert decades: %v", err)
	}
	if err := store.Insert(ctx, row("forever", math.MaxInt64)); err != nil {
		t.Fatalf("insert forever: %v", err)
	}

	decades, err := store.Get(ctx, "decades")
	if err != nil {
		t.Fatalf("get decades: %v", err)
	}
	if want := time.Unix(1_700_000_000+10_000_000_000, 0); !decades.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %s, got %s", want, decades.ExpiresAt)
	}
	forever, err := store.Get(ctx, "forever")
	if err != nil {
		t.Fatalf("get forever: %v", err)
	}
	if want := time.Unix(storage.MaxExpiryUnix, 0); !forever.ExpiresAt.Equal(want) {
		t.Fatalf("expected saturated expiry %s, got %s", want, forever.ExpiresAt)
	}

	clock.Advance(24 * time.Hour)
	expired, err := store.ListExpired(ctx)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(expired) != 0 {
		t.Fatalf("rows with huge holds listed as expired: %+v", expired)
	}
	all, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected both rows listed, got %d", len(all))
	}
}

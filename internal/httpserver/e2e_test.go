package httpserver

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"shortpaste/internal/blob"
	"shortpaste/internal/id"
	"shortpaste/internal/paste"
	"shortpaste/internal/reaper"
	"shortpaste/internal/storage/boltstore"
)

func TestEndToEndCreateViewReap(t *testing.T) {
	dir := t.TempDir()
	meta, err := boltstore.Open(filepath.Join(dir, "meta.db"))
	if err != nil {
		t.Fatalf("open meta: %v", err)
	}
	defer meta.Close()
	blobs := blob.New(filepath.Join(dir, "pastes"))
	if err := blobs.EnsureDir(); err != nil {
		t.Fatalf("ensure dir: %v", err)
	}

	svc := paste.NewService(meta, blobs, id.New(id.DefaultLength), paste.Options{DefaultHoldSeconds: 3600, MaxUploadBytes: 1024}, zerolog.Nop())
	srv, err := New(Config{Service: svc, MaxUploadBytes: 1024, HistoryEnabled: true, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	client := &http.Client{Timeout: 5 * time.Second, CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}}

	create := func(content, hold string) string {
		t.Helper()
		resp, err := client.PostForm(ts.URL+"/pastes", url.Values{"content": {content}, "hold": {hold}})
		if err != nil {
			t.Fatalf("post form: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusSeeOther {
			t.Fatalf("expected 303 got %d", resp.StatusCode)
		}
		loc := resp.Header.Get("Location")
		if loc == "" {
			t.Fatalf("missing location header")
		}
		return loc
	}
	get := func(path string) (int, string) {
		t.Helper()
		resp, err := client.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		return resp.StatusCode, string(body)
	}

	keep := create("hello world", "3600")
	doomed := create("short lived", "0")

	if status, body := get(keep + "/raw"); status != http.StatusOK || body != "hello world" {
		t.Fatalf("raw: status %d body %q", status, body)
	}

	res, err := reaper.New(meta, blobs).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if res.Reaped != 1 {
		t.Fatalf("expected one paste reaped, got %+v", res)
	}

	if status, _ := get(doomed); status != http.StatusNotFound {
		t.Fatalf("reaped paste still served with %d", status)
	}
	if status, _ := get(keep); status != http.StatusOK {
		t.Fatalf("live paste gone: %d", status)
	}
}

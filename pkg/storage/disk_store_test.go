package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestDiskStoreListAndRemove(t *testing.T) {
	s, err := NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatalf("new disk store: %v", err)
	}
	ctx := context.Background()
	for _, key := range []string{"projects/p1/b.txt", "projects/p1/a.txt", "projects/p2/c.txt"} {
		if err := s.Put(ctx, key, strings.NewReader("data-"+key), -1, "text/plain"); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}

	files, err := s.List(ctx, "projects/p1/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 2 || files[0].Key != "projects/p1/a.txt" || files[0].Name != "a.txt" {
		t.Fatalf("unexpected files: %+v", files)
	}

	if err := s.Remove(ctx, []string{"projects/p1/a.txt", "projects/p1/missing.txt"}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	files, _ = s.List(ctx, "projects/p1/")
	if len(files) != 1 || files[0].Name != "b.txt" {
		t.Fatalf("expected only b.txt left, got %+v", files)
	}

	rc, err := s.Get(ctx, "projects/p2/c.txt")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	if string(body) != "data-projects/p2/c.txt" {
		t.Fatalf("body = %q", body)
	}
}

func TestDiskStoreMissingNamespace(t *testing.T) {
	s, _ := NewDiskStore(t.TempDir())
	files, err := s.List(context.Background(), "projects/none/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("expected empty listing, got %+v", files)
	}
	if _, err := s.Get(context.Background(), "projects/none/x"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestDiskStoreRejectsEscapingKeys(t *testing.T) {
	s, _ := NewDiskStore(t.TempDir())
	if err := s.Put(context.Background(), "../escape.txt", strings.NewReader("x"), 1, ""); err == nil {
		t.Fatalf("expected traversal key to be rejected")
	}
}

func TestSafeFilename(t *testing.T) {
	cases := map[string]string{
		"report.pdf":        "report.pdf",
		"../../etc/passwd":  "passwd",
		"  ":                "file",
		"dir/sub/notes.txt": "notes.txt",
	}
	for in, want := range cases {
		if got := SafeFilename(in); got != want {
			t.Fatalf("SafeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}

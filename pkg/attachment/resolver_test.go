package attachment

import (
	"context"
	"errors"
	"strings"
	"testing"

	"grokchat/pkg/domain"
	"grokchat/pkg/storage"
)

func newDisk(t *testing.T) *storage.DiskStore {
	t.Helper()
	d, err := storage.NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatalf("new disk store: %v", err)
	}
	return d
}

func TestResolverInlineContent(t *testing.T) {
	r := NewResolver(nil, 0)
	got, err := r.Text(context.Background(), "", domain.Attachment{Name: "a.txt", Content: "  hello \n world "})
	if err != nil {
		t.Fatalf("text: %v", err)
	}
	if got != "hello world" {
		t.Fatalf("got %q", got)
	}
}

func TestResolverStoredHTML(t *testing.T) {
	disk := newDisk(t)
	ctx := context.Background()
	page := `<html><head><title>x</title><style>p{}</style></head><body><p>Day one:</p><p>Beach</p><script>evil()</script></body></html>`
	if err := disk.Put(ctx, "projects/p1/plan.html", strings.NewReader(page), int64(len(page)), "text/html"); err != nil {
		t.Fatalf("put: %v", err)
	}
	r := NewResolver(disk, 0)
	got, err := r.Text(ctx, "projects/p1/", domain.Attachment{Name: "plan.html", StorageKey: "projects/p1/plan.html"})
	if err != nil {
		t.Fatalf("text: %v", err)
	}
	if got != "Day one: Beach" {
		t.Fatalf("got %q", got)
	}
}

func TestResolverRejectsForeignNamespace(t *testing.T) {
	r := NewResolver(newDisk(t), 0)
	_, err := r.Text(context.Background(), "projects/p1/", domain.Attachment{StorageKey: "projects/p2/secret.txt"})
	if err == nil {
		t.Fatalf("expected key outside namespace to fail")
	}
}

func TestResolverEnforcesLimit(t *testing.T) {
	disk := newDisk(t)
	ctx := context.Background()
	body := strings.Repeat("a", 64)
	_ = disk.Put(ctx, "projects/p1/big.txt", strings.NewReader(body), 64, "text/plain")
	r := NewResolver(disk, 16)
	if _, err := r.Text(ctx, "projects/p1/", domain.Attachment{StorageKey: "projects/p1/big.txt"}); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestExpandSkipsFailures(t *testing.T) {
	r := NewResolver(nil, 0)
	out, errs := r.Expand(context.Background(), "projects/p1/", "Summarize", []domain.Attachment{
		{Name: "notes.txt", Content: "alpha"},
		{Name: "missing.pdf", StorageKey: "projects/p1/missing.pdf"},
	})
	if len(errs) != 1 {
		t.Fatalf("expected one error, got %v", errs)
	}
	want := "Summarize\n\n[Attachment: notes.txt]\nalpha"
	if out != want {
		t.Fatalf("out = %q, want %q", out, want)
	}
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		att  domain.Attachment
		want string
	}{
		{domain.Attachment{Name: "a.PDF"}, "pdf"},
		{domain.Attachment{Name: "x", ContentType: "text/html; charset=utf-8"}, "html"},
		{domain.Attachment{Name: "notes.md"}, "text"},
	}
	for _, tc := range cases {
		if got := kindOf(tc.att); got != tc.want {
			t.Fatalf("kindOf(%+v) = %q, want %q", tc.att, got, tc.want)
		}
	}
}

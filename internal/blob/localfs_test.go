package blob

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestLocalFSRoundTrip(t *testing.T) {
	ctx := context.Background()
	fs := LocalFS{Root: t.TempDir()}

	body := `{"commands": []}`
	if err := fs.Put(ctx, "p1/main.json", strings.NewReader(body), int64(len(body))); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !fs.Exists("p1/main.json") {
		t.Fatal("Exists() = false after Put")
	}

	got, err := fs.Get(ctx, "p1/main.json")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != body {
		t.Fatalf("Get = %q, want %q", got, body)
	}

	if err := fs.Delete(ctx, "p1/main.json"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := fs.Delete(ctx, "p1/main.json"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if _, err := fs.Get(ctx, "p1/main.json"); !errors.Is(err, ErrNotExist) {
		t.Fatalf("Get after Delete: got %v, want ErrNotExist", err)
	}
}

func TestLocalFSRejectsEscapingKeys(t *testing.T) {
	fs := LocalFS{Root: t.TempDir()}
	for _, key := range []string{"../secret", "/etc/passwd", "a/../../b"} {
		if err := fs.Put(context.Background(), key, strings.NewReader("x"), 1); err == nil {
			t.Errorf("Put(%q) succeeded", key)
		}
	}
}

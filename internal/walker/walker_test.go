package walker_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sbhd/sbhd/internal/walker"
)

func mustWrite(t *testing.T, path string, data string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestWalk_FindsRegularFiles(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "a.tmp"), "x")
	mustWrite(t, filepath.Join(root, "sub", "b.log"), "y")

	w := walker.New(walker.Options{Roots: []string{root}})
	candidates, err := w.Walk(context.Background())
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d: %v", len(candidates), candidates)
	}
}

func TestWalk_PrunesProtectMarkerSubtree(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "protected", ".sbh-protect"), "")
	mustWrite(t, filepath.Join(root, "protected", "secret.txt"), "z")
	mustWrite(t, filepath.Join(root, "open", "ok.txt"), "z")

	w := walker.New(walker.Options{Roots: []string{root}})
	candidates, err := w.Walk(context.Background())
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	for _, c := range candidates {
		if filepath.Dir(c.Path) == filepath.Join(root, "protected") {
			t.Errorf("found candidate inside protected subtree: %v", c.Path)
		}
	}
	found := false
	for _, c := range candidates {
		if c.Path == filepath.Join(root, "open", "ok.txt") {
			found = true
		}
	}
	if !found {
		t.Error("expected unprotected file to still be found")
	}
}

func TestWalk_HonorsProtectedGlobs(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "keep.txt"), "a")
	mustWrite(t, filepath.Join(root, "secret.key"), "b")

	w := walker.New(walker.Options{Roots: []string{root}, ProtectedGlobs: []string{"*.key"}})
	candidates, err := w.Walk(context.Background())
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	for _, c := range candidates {
		if filepath.Base(c.Path) == "secret.key" {
			t.Error("protected glob match should not be emitted")
		}
	}
}

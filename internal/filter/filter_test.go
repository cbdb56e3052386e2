package filter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/yourorg/vidlens/pkg/types"
)

func writeFiles(t *testing.T, root string, names ...string) {
	t.Helper()
	for _, n := range names {
		p := filepath.Join(root, filepath.FromSlash(n))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestMediaFilesFiltersBasic(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root,
		"b.mp4",
		"a.MOV",
		"notes.txt",
		"slides/deck.pdf",
		"shots/frame.gif",
		".git/objects/pack.mp4",
		"node_modules/pkg/demo.webm",
	)
	cfg := BatchConfig{
		Extensions:   []string{".mp4", ".mov", ".pdf"},
		ContentTypes: []string{"image/*"},
		IgnorePaths:  []string{".git/", "node_modules/"},
	}

	got, err := MediaFiles(root, cfg)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		filepath.Join(root, "a.MOV"),
		filepath.Join(root, "b.mp4"),
		filepath.Join(root, "shots", "frame.gif"),
		filepath.Join(root, "slides", "deck.pdf"),
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d files, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("file %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestMediaFilesMissingDir(t *testing.T) {
	if _, err := MediaFiles(filepath.Join(t.TempDir(), "missing"), BatchConfig{}); err == nil {
		t.Fatalf("expected error for missing dir")
	}
}

func TestSourcesExpandsAndDedups(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, "one.mp4", "two.mp4", "skip.txt")
	cfg := BatchConfig{Extensions: []string{".mp4"}}

	inputs := []string{
		"https://example.com/remote.mp4",
		root,
		filepath.Join(root, "one.mp4"),
		"https://example.com/remote.mp4",
		"  ",
	}
	got, err := Sources(inputs, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 sources, got %d: %+v", len(got), got)
	}
	if got[0].Kind != types.SourceRemote {
		t.Fatalf("expected remote first, got %+v", got[0])
	}
	if got[1].ContentID != filepath.Join(root, "one.mp4") || got[2].ContentID != filepath.Join(root, "two.mp4") {
		t.Fatalf("unexpected local sources: %+v", got[1:])
	}
}

func TestSourcesMissingFile(t *testing.T) {
	if _, err := Sources([]string{filepath.Join(t.TempDir(), "nope.mp4")}, BatchConfig{}); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

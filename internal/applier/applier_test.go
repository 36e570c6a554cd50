package applier

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/fentz26/autopatch/internal/config"
	"github.com/fentz26/autopatch/internal/executor"
	"github.com/fentz26/autopatch/internal/logging"
	"github.com/fentz26/autopatch/internal/models"
	"github.com/fentz26/autopatch/internal/tree"
)

func newTestTree(t *testing.T, files map[string]string) *tree.Tree {
	t.Helper()
	root := t.TempDir()
	for p, content := range files {
		full := filepath.Join(root, filepath.FromSlash(p))
		os.MkdirAll(filepath.Dir(full), 0o755)
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	tr, err := tree.New(root, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	return tr
}

func TestOrder(t *testing.T) {
	changes := []models.FileChange{
		{Path: "z.go", Kind: models.ChangeAdd},
		{Path: "b.go", Kind: models.ChangeModify},
		{Path: "a.go", Kind: models.ChangeAdd},
		{Path: "y.go", Kind: models.ChangeDelete},
		{Path: "a.go", Kind: models.ChangeModify},
	}
	got := Order(changes)
	want := []string{"delete y.go", "modify a.go", "modify b.go", "add a.go", "add z.go"}
	for i, ch := range got {
		if s := string(ch.Kind) + " " + ch.Path; s != want[i] {
			t.Errorf("Order[%d] = %s, want %s", i, s, want[i])
		}
	}
	if changes[0].Path != "z.go" {
		t.Error("Order must not reorder the input slice")
	}
}

func TestApply(t *testing.T) {
	tr := newTestTree(t, map[string]string{"main.go": "old", "gone.go": "bye"})
	a := New(tr, nil, logging.NewNop())

	c := &models.Candidate{ID: "c1", Changes: []models.FileChange{
		{Path: "main.go", Kind: models.ChangeModify, Content: []byte("new")},
		{Path: "gone.go", Kind: models.ChangeDelete},
		{Path: "pkg/added.go", Kind: models.ChangeAdd, Content: []byte("added")},
	}}
	if err := a.Apply(context.Background(), c); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	files, _ := tr.Files()
	if string(files["main.go"]) != "new" || string(files["pkg/added.go"]) != "added" {
		t.Errorf("unexpected files: %v", tree.SortedPaths(files))
	}
	if _, ok := files["gone.go"]; ok {
		t.Error("gone.go should be deleted")
	}
}

func TestApplyPartialFailure(t *testing.T) {
	// "blocker" is a file, so nothing can be created beneath it
	tr := newTestTree(t, map[string]string{"main.go": "old", "blocker": "x"})
	a := New(tr, nil, logging.NewNop())

	c := &models.Candidate{ID: "c2", Changes: []models.FileChange{
		{Path: "blocker/inner.go", Kind: models.ChangeAdd, Content: []byte("x")},
		{Path: "main.go", Kind: models.ChangeModify, Content: []byte("new")},
	}}
	err := a.Apply(context.Background(), c)
	if !errors.Is(err, ErrApplyIO) {
		t.Fatalf("expected ErrApplyIO, got %v", err)
	}
	// MODIFY ran before the failing ADD; no partial-success guarantee is made
	data, _ := tr.Read("main.go")
	if string(data) != "new" {
		t.Errorf("main.go = %q; expected the modify to have been written", data)
	}
}

type failingReloader struct{ called []string }

func (f *failingReloader) Reload(_ context.Context, paths []string) error {
	f.called = paths
	return errors.New("module refused to load")
}

func TestApplyReloadFailure(t *testing.T) {
	tr := newTestTree(t, nil)
	r := &failingReloader{}
	a := New(tr, r, logging.NewNop())

	c := &models.Candidate{ID: "c3", Changes: []models.FileChange{{Path: "x.go", Kind: models.ChangeAdd, Content: []byte("x")}}}
	err := a.Apply(context.Background(), c)
	if !errors.Is(err, ErrReload) {
		t.Fatalf("expected ErrReload, got %v", err)
	}
	if len(r.called) != 1 || r.called[0] != "x.go" {
		t.Errorf("reloader got %v", r.called)
	}
}

func TestCommandReloader(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	cfg := config.DefaultConfig().Exec
	ex := executor.New(cfg, nil, logging.NewNop())
	dir := t.TempDir()

	ok := &CommandReloader{Runner: ex, Command: []string{"sh", "-c", "echo $AUTOPATCH_CHANGED > reloaded"}, Dir: dir, Timeout: 5 * time.Second}
	if err := ok.Reload(context.Background(), []string{"a", "b"}); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "reloaded"))
	if string(data) != "2\n" {
		t.Errorf("reload hook output = %q", data)
	}

	bad := &CommandReloader{Runner: ex, Command: []string{"sh", "-c", "exit 1"}, Dir: dir, Timeout: 5 * time.Second}
	if err := bad.Reload(context.Background(), nil); !errors.Is(err, ErrReload) {
		t.Errorf("expected ErrReload, got %v", err)
	}
}

package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/fentz26/autopatch/internal/logging"
	"github.com/fentz26/autopatch/internal/store"
	"github.com/fentz26/autopatch/internal/tree"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// propFixture builds a throwaway tree + snapshot store for one generated case.
func propFixture(files map[string]string) (*tree.Tree, *Store, func(), error) {
	base, err := os.MkdirTemp("", "autopatch-prop-*")
	if err != nil {
		return nil, nil, nil, err
	}
	cleanup := func() { os.RemoveAll(base) }

	root := filepath.Join(base, "tree")
	for p, content := range files {
		full := filepath.Join(root, p)
		os.MkdirAll(filepath.Dir(full), 0o755)
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			cleanup()
			return nil, nil, nil, err
		}
	}
	os.MkdirAll(root, 0o755)

	tr, err := tree.New(root, nil, nil)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	idx, err := store.New(filepath.Join(base, "index.db"))
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	s, err := New(filepath.Join(base, "snapshots"), tr, idx, logging.NewNop())
	if err != nil {
		idx.Close()
		cleanup()
		return nil, nil, nil, err
	}
	return tr, s, func() { idx.Close(); cleanup() }, nil
}

func genFileSet() gopter.Gen {
	return gen.MapOf(
		gen.Identifier().Map(func(s string) string { return fmt.Sprintf("d%d/%s.txt", len(s)%3, s) }),
		gen.AlphaString(),
	)
}

// restore(create()) on an unchanged tree leaves it byte-identical.
func TestRestoreIdempotent_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25

	properties := gopter.NewProperties(parameters)

	properties.Property("restoring a fresh snapshot is a no-op", prop.ForAll(
		func(files map[string]string) bool {
			tr, s, cleanup, err := propFixture(files)
			if err != nil {
				t.Logf("setup failed: %v", err)
				return false
			}
			defer cleanup()

			before, err := tr.Files()
			if err != nil {
				return false
			}
			snap, err := s.Create(context.Background())
			if err != nil {
				t.Logf("Create failed: %v", err)
				return false
			}
			if err := s.Restore(context.Background(), snap.ID); err != nil {
				t.Logf("Restore failed: %v", err)
				return false
			}
			after, err := tr.Files()
			if err != nil || len(after) != len(before) {
				return false
			}
			for p, b := range before {
				if string(after[p]) != string(b) {
					return false
				}
			}
			return true
		},
		genFileSet(),
	))

	properties.TestingRun(t)
}

// Whatever happens to the tree after a snapshot, restoring it yields the captured bytes.
func TestRestoreAfterMutation_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25

	properties := gopter.NewProperties(parameters)

	properties.Property("restore undoes arbitrary writes and deletes", prop.ForAll(
		func(files map[string]string, overwrite map[string]string, deleteFirst bool) bool {
			tr, s, cleanup, err := propFixture(files)
			if err != nil {
				return false
			}
			defer cleanup()

			before, _ := tr.Files()
			snap, err := s.Create(context.Background())
			if err != nil {
				return false
			}

			for p, content := range overwrite {
				tr.Write(p, []byte(content))
			}
			if deleteFirst {
				for _, p := range tree.SortedPaths(before) {
					tr.Remove(p)
					break
				}
			}

			if err := s.Restore(context.Background(), snap.ID); err != nil {
				t.Logf("Restore failed: %v", err)
				return false
			}
			after, _ := tr.Files()
			if len(after) != len(before) {
				return false
			}
			for p, b := range before {
				if string(after[p]) != string(b) {
					return false
				}
			}
			return true
		},
		genFileSet(),
		genFileSet(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

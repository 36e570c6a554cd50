package validator

import (
	"bytes"
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/fentz26/autopatch/internal/models"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// For any candidate that fails validation, the live tree is byte-identical before and after.
func TestValidateLeavesTreeUntouched_Property(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("dry-run uses sh")
	}
	tr := newTestTree(t, map[string]string{
		"main.go":                   "package main\n\nfunc main() {}\n",
		"internal/engine/engine.go": "package engine\n",
		"conf/app.yaml":             "name: agent\n",
	})
	// the dry-run scribbles over its scratch copy and then fails
	v := newTestValidator(t, tr, Config{
		DryRun:        true,
		DryRunCommand: []string{"sh", "-c", "echo clobbered > main.go; rm -f conf/app.yaml; exit 1"},
		DryRunTimeout: 5 * time.Second,
	})
	before, err := tr.Files()
	if err != nil {
		t.Fatal(err)
	}

	paths := []string{"main.go", "internal/engine/engine.go", "conf/app.yaml", "../escape.go", "new/file.go", "missing.txt"}
	contents := []string{"package main\n", "package", "{", "key: [", "plain text"}
	kinds := []models.ChangeKind{models.ChangeAdd, models.ChangeModify, models.ChangeDelete}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30

	properties := gopter.NewProperties(parameters)

	properties.Property("failed validation never mutates the live tree", prop.ForAll(
		func(pathIdx, contentIdx, kindIdx []int) bool {
			if len(contentIdx) == 0 || len(kindIdx) == 0 {
				return true
			}
			var changes []models.FileChange
			for i := range pathIdx {
				ch := models.FileChange{Path: paths[pathIdx[i]], Kind: kinds[kindIdx[i%len(kindIdx)]]}
				if ch.Kind != models.ChangeDelete {
					ch.Content = []byte(contents[contentIdx[i%len(contentIdx)]])
				}
				changes = append(changes, ch)
			}
			r := v.Validate(context.Background(), &models.Candidate{ID: "prop", Changes: changes})
			if r.Passed {
				t.Logf("unexpected pass: %+v", changes)
				return false
			}

			after, err := tr.Files()
			if err != nil || len(after) != len(before) {
				return false
			}
			for p, b := range before {
				if !bytes.Equal(after[p], b) {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(3, gen.IntRange(0, len(paths)-1)),
		gen.SliceOfN(3, gen.IntRange(0, len(contents)-1)),
		gen.SliceOfN(3, gen.IntRange(0, len(kinds)-1)),
	))

	properties.TestingRun(t)
}

package fetch

import (
	"fmt"
	"strings"

	"github.com/fentz26/autopatch/internal/models"
	"github.com/fentz26/autopatch/internal/tree"
	"gopkg.in/yaml.v3"
)

// manifest is the inline change format, YAML or JSON:
//
//	changes:
//	  - path: cmd/agent/main.go
//	    kind: modify          # optional: add or modify inferred from the tree
//	    content: |
//	      package main
//	  - path: old.go
//	    kind: delete
type manifest struct {
	Changes []manifestChange `yaml:"changes"`
}

type manifestChange struct {
	Path    string  `yaml:"path"`
	Kind    string  `yaml:"kind"`
	Content *string `yaml:"content"`
}

// ParseManifest decodes a change manifest. A missing kind becomes MODIFY when
// the file exists in base and ADD otherwise.
func ParseManifest(data []byte, base *tree.Tree) ([]models.FileChange, error) {
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSource, err)
	}
	if len(m.Changes) == 0 {
		return nil, fmt.Errorf("%w: manifest lists no changes", ErrMalformedSource)
	}

	changes := make([]models.FileChange, 0, len(m.Changes))
	for i, mc := range m.Changes {
		if strings.TrimSpace(mc.Path) == "" {
			return nil, fmt.Errorf("%w: change %d has no path", ErrMalformedSource, i)
		}
		ch := models.FileChange{Path: mc.Path}
		switch models.ChangeKind(strings.ToLower(mc.Kind)) {
		case "":
			if base != nil && base.Exists(mc.Path) {
				ch.Kind = models.ChangeModify
			} else {
				ch.Kind = models.ChangeAdd
			}
		case models.ChangeAdd:
			ch.Kind = models.ChangeAdd
		case models.ChangeModify:
			ch.Kind = models.ChangeModify
		case models.ChangeDelete:
			ch.Kind = models.ChangeDelete
		default:
			return nil, fmt.Errorf("%w: change %d has unknown kind %q", ErrMalformedSource, i, mc.Kind)
		}
		if ch.Kind != models.ChangeDelete {
			if mc.Content == nil {
				return nil, fmt.Errorf("%w: change %d (%s) has no content", ErrMalformedSource, i, mc.Path)
			}
			ch.Content = []byte(*mc.Content)
		}
		changes = append(changes, ch)
	}
	return changes, nil
}

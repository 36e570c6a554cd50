package fetch

import (
	"fmt"
	"strings"

	"github.com/fentz26/autopatch/internal/models"
)

// ParseDescriptor reads the descriptor syntax used by the CLI and chat:
//
//	local:<path>        directory or manifest file
//	mirror:<path>       directory that also deletes files it lacks
//	git:<url>[#ref]     shallow clone
//	archive:<url>       http(s) .tar.gz
//	inline:<yaml>       manifest text
//	snippet:<code>      Go code placed into the best matching file
//
// A string without a known prefix is a local path.
func ParseDescriptor(s string) (models.SourceDescriptor, error) {
	if strings.TrimSpace(s) == "" {
		return models.SourceDescriptor{}, fmt.Errorf("empty source descriptor")
	}
	scheme, rest, ok := strings.Cut(s, ":")
	if !ok {
		return models.SourceDescriptor{Kind: models.SourceLocal, Locator: strings.TrimSpace(s)}, nil
	}

	switch scheme {
	case "local":
		return local(rest, false)
	case "mirror":
		return local(rest, true)
	case "git":
		url, ref, _ := strings.Cut(strings.TrimSpace(rest), "#")
		if url == "" {
			return models.SourceDescriptor{}, fmt.Errorf("git descriptor needs a url")
		}
		return models.SourceDescriptor{Kind: models.SourceRemote, Locator: url, Ref: ref}, nil
	case "archive":
		url := strings.TrimSpace(rest)
		if !IsArchive(url) {
			return models.SourceDescriptor{}, fmt.Errorf("archive descriptor needs an http(s) .tar.gz url, got %q", url)
		}
		return models.SourceDescriptor{Kind: models.SourceRemote, Locator: url}, nil
	case "inline":
		if strings.TrimSpace(rest) == "" {
			return models.SourceDescriptor{}, fmt.Errorf("inline descriptor is empty")
		}
		return models.SourceDescriptor{Kind: models.SourceInline, Locator: rest}, nil
	case "snippet":
		if strings.TrimSpace(rest) == "" {
			return models.SourceDescriptor{}, fmt.Errorf("snippet descriptor is empty")
		}
		return models.SourceDescriptor{Kind: models.SourceSnippet, Locator: rest}, nil
	}
	// "C:\dir" and other paths that merely contain a colon
	return models.SourceDescriptor{Kind: models.SourceLocal, Locator: strings.TrimSpace(s)}, nil
}

func local(p string, mirror bool) (models.SourceDescriptor, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return models.SourceDescriptor{}, fmt.Errorf("local descriptor needs a path")
	}
	return models.SourceDescriptor{Kind: models.SourceLocal, Locator: p, Mirror: mirror}, nil
}

// FormatDescriptor renders d in ParseDescriptor syntax. Inline and snippet
// bodies are elided.
func FormatDescriptor(d models.SourceDescriptor) string {
	switch d.Kind {
	case models.SourceLocal:
		if d.Mirror {
			return "mirror:" + d.Locator
		}
		return "local:" + d.Locator
	case models.SourceRemote:
		if IsArchive(d.Locator) {
			return "archive:" + d.Locator
		}
		if d.Ref != "" {
			return "git:" + d.Locator + "#" + d.Ref
		}
		return "git:" + d.Locator
	case models.SourceInline:
		return "inline:…"
	case models.SourceSnippet:
		return "snippet:…"
	}
	return string(d.Kind) + ":" + d.Locator
}

// Package placement finds where a Go code snippet best fits in existing files
// and splices it in with matching indentation.
package placement

import (
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"sort"
	"strings"
)

// Threshold is the minimum confidence for a placement to be reported.
const Threshold = 0.3

var (
	// ErrInvalidSnippet means the snippet is empty or not parseable Go.
	ErrInvalidSnippet = errors.New("invalid snippet")
	// ErrNoPlacement means no file scored above Threshold.
	ErrNoPlacement = errors.New("no placement found")
)

// Scores are the individual similarity measures between a snippet and a file.
type Scores struct {
	FirstLine float64
	String    float64
	AST       float64
	Keyword   float64
	EndLine   float64
}

// Confidence weights the scores, favouring first and last line matches.
func (s Scores) Confidence() float64 {
	return 0.3*s.FirstLine + 0.2*s.String + 0.2*s.AST + 0.1*s.Keyword + 0.2*s.EndLine
}

// Placement is a candidate location for a snippet. Lines are 1-based and inclusive.
type Placement struct {
	Path       string
	Confidence float64
	Matched    string
	StartLine  int
	EndLine    int
}

// Find scores every file against snippet and returns placements above
// Threshold, best first.
func Find(files map[string][]byte, snippet string) ([]Placement, error) {
	snippet = trimBlankLines(snippet)
	if snippet == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidSnippet)
	}
	snip, err := parseFragment(snippet)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnippet, err)
	}

	var out []Placement
	for path, data := range files {
		target := string(data)
		if strings.TrimSpace(target) == "" {
			continue
		}
		scores := score(target, snippet, snip)
		conf := scores.Confidence()
		if conf <= Threshold {
			continue
		}

		start, end := bestMatch(target, snippet)
		if start == -1 {
			continue
		}
		snippetLines := splitLines(snippet)
		tail := snippetLines
		if len(tail) > 5 {
			tail = tail[len(tail)-5:]
		}
		if _, tailEnd := bestMatch(target, strings.Join(tail, "\n")); tailEnd > end {
			end = tailEnd
		}
		lines := splitLines(target)
		if end > len(lines) {
			end = len(lines)
		}
		out = append(out, Placement{
			Path:       path,
			Confidence: conf,
			Matched:    strings.Join(lines[start-1:end], "\n"),
			StartLine:  start,
			EndLine:    end,
		})
	}
	if len(out) == 0 {
		return nil, ErrNoPlacement
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Path < out[j].Path
	})
	return out, nil
}

// Splice replaces lines start..end of existing with snippet, re-indented so its
// first line lines up with the block it replaces. Relative indentation inside
// the snippet is kept.
func Splice(existing, snippet string, start, end int) string {
	lines := splitLines(existing)
	if start < 1 {
		start = 1
	}
	if end > len(lines) {
		end = len(lines)
	}

	target := ""
	if start-1 < len(lines) {
		target = leadingSpace(lines[start-1])
	}
	snippetLines := splitLines(trimBlankLines(snippet))
	from := ""
	if len(snippetLines) > 0 {
		from = leadingSpace(snippetLines[0])
	}

	adjusted := make([]string, 0, len(snippetLines))
	for _, l := range snippetLines {
		if strings.TrimSpace(l) == "" {
			adjusted = append(adjusted, "")
			continue
		}
		stripped := strings.TrimLeft(l, " \t")
		if strings.HasPrefix(l, from) {
			stripped = l[len(from):]
		}
		adjusted = append(adjusted, target+stripped)
	}

	out := make([]string, 0, len(lines)-(end-start+1)+len(adjusted))
	out = append(out, lines[:start-1]...)
	out = append(out, adjusted...)
	out = append(out, lines[end:]...)

	result := strings.Join(out, "\n")
	if strings.HasSuffix(existing, "\n") {
		result += "\n"
	}
	return result
}

// fragment is a parsed snippet: declarations or statements.
type fragment struct {
	nodes  int
	idents map[string]bool
}

// parseFragment accepts a whole file, top-level declarations, or statements.
func parseFragment(src string) (*fragment, error) {
	fset := token.NewFileSet()
	attempts := []string{
		src,
		"package snippet\n" + src,
		"package snippet\nfunc _() {\n" + src + "\n}",
	}
	var lastErr error
	for _, a := range attempts {
		f, err := parser.ParseFile(fset, "snippet.go", a, parser.SkipObjectResolution)
		if err == nil {
			return inspect(f), nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func inspect(n ast.Node) *fragment {
	fr := &fragment{idents: make(map[string]bool)}
	ast.Inspect(n, func(n ast.Node) bool {
		if n == nil {
			return false
		}
		fr.nodes++
		if id, ok := n.(*ast.Ident); ok && id.Name != "_" {
			fr.idents[id.Name] = true
		}
		return true
	})
	return fr
}

func score(target, snippet string, snip *fragment) Scores {
	snippetLines := splitLines(snippet)
	last := snippetLines
	if len(last) > 3 {
		last = last[len(last)-3:]
	}
	s := Scores{
		FirstLine: firstLineMatch(target, strings.TrimSpace(snippetLines[0])),
		String:    stringSimilarity(target, snippet),
		EndLine:   endLineMatch(splitLines(target), last),
	}
	if tgt, err := parseFragment(target); err == nil && tgt.nodes > 0 {
		s.AST = float64(snip.nodes) / float64(tgt.nodes)
		if s.AST > 1 {
			s.AST = 1
		}
		if len(snip.idents) > 0 {
			shared := 0
			for id := range snip.idents {
				if tgt.idents[id] {
					shared++
				}
			}
			s.Keyword = float64(shared) / float64(len(snip.idents))
		}
	}
	return s
}

func firstLineMatch(target, first string) float64 {
	best := 0.0
	for _, l := range splitLines(target) {
		l = strings.TrimSpace(l)
		if l == first {
			return 1
		}
		if strings.Contains(l, first) {
			best = 0.8
		}
	}
	return best
}

func endLineMatch(targetLines, last []string) float64 {
	best := 0.0
	for i := 0; i+len(last) <= len(targetLines); i++ {
		all, some := true, false
		for j, l := range last {
			if strings.Contains(strings.TrimSpace(targetLines[i+j]), strings.TrimSpace(l)) {
				some = true
			} else {
				all = false
			}
		}
		if all {
			return 1
		}
		if some {
			best = 0.8
		}
	}
	return best
}

func stringSimilarity(target, snippet string) float64 {
	if strings.Contains(target, snippet) {
		return 1
	}
	words := make(map[string]bool)
	for _, w := range strings.Fields(snippet) {
		words[w] = true
	}
	if len(words) == 0 {
		return 0
	}
	targetWords := make(map[string]bool)
	for _, w := range strings.Fields(target) {
		targetWords[w] = true
	}
	shared := 0
	for w := range words {
		if targetWords[w] {
			shared++
		}
	}
	return float64(shared) / float64(len(words))
}

// bestMatch returns the 1-based line span in target that best lines up with
// snippet, anchored on the snippet's first line. (-1, -1) when it never occurs.
func bestMatch(target, snippet string) (int, int) {
	lines := splitLines(target)
	snippetLines := splitLines(snippet)
	if len(snippetLines) == 0 {
		return -1, -1
	}
	first := strings.TrimSpace(snippetLines[0])
	last := snippetLines
	if len(last) > 3 {
		last = last[len(last)-3:]
	}
	endScore := endLineMatch(lines, last)

	bestScore, bestStart, bestEnd := 0.0, -1, -1
	for i, l := range lines {
		if !strings.Contains(strings.TrimSpace(l), first) {
			continue
		}
		score := 1.0
		for j := 1; j < len(snippetLines) && i+j < len(lines); j++ {
			if strings.Contains(strings.TrimSpace(lines[i+j]), strings.TrimSpace(snippetLines[j])) {
				score++
			}
		}
		score += endScore
		if score > bestScore {
			bestScore = score
			bestStart = i + 1
			bestEnd = i + len(snippetLines)
		}
	}
	return bestStart, bestEnd
}

func splitLines(s string) []string {
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

func trimBlankLines(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	for len(lines) > 0 && strings.TrimSpace(lines[0]) == "" {
		lines = lines[1:]
	}
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

func leadingSpace(s string) string {
	return s[:len(s)-len(strings.TrimLeft(s, " \t"))]
}

package validator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"go/parser"
	"go/scanner"
	"go/token"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/autopatch/internal/executor"
	"github.com/fentz26/autopatch/internal/models"
	"gopkg.in/yaml.v3"
)

// ErrNoParser is returned by ParseCheck for extensions it cannot parse.
var ErrNoParser = errors.New("no parser for extension")

// ParseCheck parses content according to the file extension. Errors carry a
// line and column. Python is checked by the validator through its runner.
func ParseCheck(p string, content []byte) error {
	switch ext := strings.ToLower(path.Ext(p)); ext {
	case ".go":
		return checkGo(p, content)
	case ".yaml", ".yml":
		return checkYAML(content)
	case ".json":
		return checkJSON(content)
	default:
		return fmt.Errorf("%w %q", ErrNoParser, ext)
	}
}

// pythonParse exits 3 with "line N, column M: msg" on a syntax error.
const pythonParse = `import ast, sys
try:
    ast.parse(open(sys.argv[1], "rb").read(), sys.argv[2])
except SyntaxError as e:
    print("line %d, column %d: %s" % (e.lineno or 0, e.offset or 0, e.msg))
    sys.exit(3)
`

const (
	pythonSyntaxExit   = 3
	pythonCheckTimeout = 10 * time.Second
)

// checkPython parses content with the host python3 and returns the syntax
// error message, if any. checked is false when no verdict could be reached,
// for example because python3 is missing.
func checkPython(ctx context.Context, runner Runner, p string, content []byte) (msg string, checked bool) {
	if runner == nil {
		return "", false
	}
	dir, err := os.MkdirTemp("", "autopatch-syntax-*")
	if err != nil {
		return "", false
	}
	defer os.RemoveAll(dir)
	file := filepath.Join(dir, "candidate.py")
	if err := os.WriteFile(file, content, 0o600); err != nil {
		return "", false
	}

	res := runner.Execute(ctx, executor.Request{
		Command: []string{"python3", "-c", pythonParse, file, p},
		Dir:     dir,
		Timeout: pythonCheckTimeout,
		Mode:    models.ExecNormal,
	})
	switch {
	case res.OK():
		return "", true
	case res.Error.Kind == models.ErrKindExit && res.Error.ExitCode == pythonSyntaxExit:
		return strings.TrimSpace(res.Stdout), true
	}
	return "", false
}

func checkGo(p string, content []byte) error {
	fset := token.NewFileSet()
	_, err := parser.ParseFile(fset, p, content, parser.SkipObjectResolution)
	if err == nil {
		return nil
	}
	var list scanner.ErrorList
	if errors.As(err, &list) && len(list) > 0 {
		e := list[0]
		return fmt.Errorf("line %d, column %d: %s", e.Pos.Line, e.Pos.Column, e.Msg)
	}
	return err
}

func checkYAML(content []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(content))
	for {
		var node yaml.Node
		err := dec.Decode(&node)
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		// yaml.v3 messages already read "yaml: line N: ..."
		return errors.New(strings.TrimPrefix(err.Error(), "yaml: "))
	}
}

func checkJSON(content []byte) error {
	var v any
	err := json.Unmarshal(content, &v)
	if err == nil {
		return nil
	}
	var syn *json.SyntaxError
	if errors.As(err, &syn) {
		// Offset counts the offending byte
		line, col := lineCol(content, int(syn.Offset)-1)
		return fmt.Errorf("line %d, column %d: %s", line, col, syn.Error())
	}
	return err
}

// lineCol converts a byte offset to a 1-based line and column.
func lineCol(content []byte, offset int) (int, int) {
	if offset > len(content) {
		offset = len(content)
	}
	if offset < 0 {
		offset = 0
	}
	before := content[:offset]
	line := bytes.Count(before, []byte("\n")) + 1
	col := offset - bytes.LastIndexByte(before, '\n')
	return line, col
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

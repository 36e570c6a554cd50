package executor

import (
	"fmt"
	"go/parser"
	"go/token"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// denyPatterns are shell fragments refused in restricted mode regardless of configuration.
var denyPatterns = []string{
	"rm -rf /",
	"rm -rf /*",
	"rm -rf ~",
	"rm -rf .",
	"mkfs.",
	"dd if=",
	":(){:|:&};:",
	":(){ :|:& };:",
	"> /dev/sda",
	"chmod -R 777 /",
	"chown -R",
	"/dev/tcp/",
}

// containsDenyPattern checks if text matches any deny pattern.
func containsDenyPattern(text string) (bool, string) {
	lower := strings.ToLower(text)
	for _, pattern := range denyPatterns {
		if strings.Contains(lower, strings.ToLower(pattern)) {
			return true, pattern
		}
	}
	return false, ""
}

var pythonImport = regexp.MustCompile(`(?m)^\s*(?:import\s+([\w\.]+(?:\s*,\s*[\w\.]+)*)|from\s+([\w\.]+)\s+import)`)

// pythonDynamic matches builtins that turn strings into code or reach modules
// without an import statement. Method calls such as re.compile are not matched.
var pythonDynamic = regexp.MustCompile(`(?:^|[^\w.])(eval|exec|compile|__import__|getattr|globals|vars)\s*\(`)

// pythonDunder matches dunder attribute access and the builtins mapping,
// the usual route from any object back to arbitrary classes.
var pythonDunder = regexp.MustCompile(`\.\s*(__\w+)|(?:^|\W)(__builtins__)\b`)

// shellWordSplit breaks a script into words on whitespace and shell operators.
var shellWordSplit = regexp.MustCompile("[\\s;|&()<>`$\"'{}]+")

// checkSource returns a non-empty reason when code uses a forbidden operation.
// The checker is picked from the snippet file name.
func checkSource(file, code string, forbidden []string) string {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".go":
		return checkGo(code, forbidden)
	case ".py":
		return checkPython(code, forbidden)
	default:
		return checkShell(code, forbidden)
	}
}

// checkCommand vets an argv. "sh -c script" style invocations are checked as shell.
func checkCommand(argv []string, forbidden []string) string {
	if len(argv) == 0 {
		return "empty command"
	}
	name := filepath.Base(argv[0])
	if isForbidden(name, forbidden) {
		return fmt.Sprintf("command %q is forbidden in restricted mode", name)
	}
	if (name == "sh" || name == "bash") && len(argv) >= 3 && argv[1] == "-c" {
		return checkShell(argv[2], forbidden)
	}
	return ""
}

func checkGo(code string, forbidden []string) string {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "snippet.go", code, parser.ImportsOnly)
	if err != nil {
		// compile errors surface when the snippet runs
		return ""
	}
	for _, imp := range f.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			continue
		}
		for _, f := range forbidden {
			if path == f || strings.HasPrefix(path, f+"/") {
				return fmt.Sprintf("import %q is forbidden in restricted mode", path)
			}
		}
	}
	return ""
}

func checkPython(code string, forbidden []string) string {
	for _, m := range pythonImport.FindAllStringSubmatch(code, -1) {
		mods := m[2]
		if mods == "" {
			mods = m[1]
		}
		for _, mod := range strings.Split(mods, ",") {
			mod = strings.TrimSpace(mod)
			root := strings.SplitN(mod, ".", 2)[0]
			if isForbidden(mod, forbidden) || isForbidden(root, forbidden) {
				return fmt.Sprintf("import %q is forbidden in restricted mode", mod)
			}
		}
	}
	if m := pythonDynamic.FindStringSubmatch(code); m != nil {
		return fmt.Sprintf("call to %s() is forbidden in restricted mode", m[1])
	}
	if m := pythonDunder.FindStringSubmatch(code); m != nil {
		name := m[1]
		if name == "" {
			name = m[2]
		}
		return fmt.Sprintf("access to %s is forbidden in restricted mode", name)
	}
	return ""
}

func checkShell(script string, forbidden []string) string {
	if denied, pattern := containsDenyPattern(script); denied {
		return fmt.Sprintf("script matches dangerous pattern %q", pattern)
	}
	for _, word := range shellWordSplit.Split(script, -1) {
		if word == "" {
			continue
		}
		if isForbidden(filepath.Base(word), forbidden) {
			return fmt.Sprintf("command %q is forbidden in restricted mode", word)
		}
	}
	return ""
}

func isForbidden(name string, forbidden []string) bool {
	for _, f := range forbidden {
		if name == f {
			return true
		}
	}
	return false
}

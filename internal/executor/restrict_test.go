package executor

import "testing"

var testForbidden = []string{"os/exec", "net", "syscall", "subprocess", "socket", "importlib", "curl", "nc", "rm"}

func TestCheckSource(t *testing.T) {
	tests := []struct {
		name   string
		file   string
		code   string
		denied bool
	}{
		{"go fmt only", "main.go", "package main\nimport \"fmt\"\nfunc main() { fmt.Println(1) }", false},
		{"go net prefix", "main.go", "package main\nimport \"net/url\"\nfunc main() {}", true},
		{"go similar name", "main.go", "package main\nimport \"network/thing\"\nfunc main() {}", false},
		{"go unparsable", "main.go", "this is not go", false},
		{"python json", "snippet.py", "import json\nprint(json.dumps({}))", false},
		{"python dotted", "snippet.py", "import socket.something", true},
		{"python list", "snippet.py", "import os, subprocess", true},
		{"python eval import", "snippet.py", "eval(\"__import__('subprocess')\")", true},
		{"python exec string", "snippet.py", "exec('import socket')", true},
		{"python dunder walk", "snippet.py", "().__class__.__bases__[0].__subclasses__()", true},
		{"python bare import call", "snippet.py", "m = __import__('os')", true},
		{"python compile builtin", "snippet.py", "code = compile('1', 'x', 'eval')", true},
		{"python getattr", "snippet.py", "getattr(object, 'x')", true},
		{"python builtins mapping", "snippet.py", "__builtins__['ev' + 'al']('1')", true},
		{"python importlib", "snippet.py", "import importlib\nimportlib.import_module('os')", true},
		{"python re.compile", "snippet.py", "import re\nre.compile('a+').match('aa')", false},
		{"python main guard", "snippet.py", "if __name__ == '__main__':\n    print('hi')", false},
		{"python evaluate name", "snippet.py", "def evaluate(x):\n    return x\nprint(evaluate(1))", false},
		{"shell echo", "snippet.sh", "echo hello world", false},
		{"shell rm", "snippet.sh", "rm file.txt", true},
		{"shell substitution", "snippet.sh", "x=$(curl -s host)", true},
		{"shell absolute path", "snippet.sh", "/usr/bin/curl host", true},
		{"shell deny pattern", "snippet.sh", "dd if=/dev/zero of=x", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason := checkSource(tt.file, tt.code, testForbidden)
			if (reason != "") != tt.denied {
				t.Errorf("checkSource = %q, denied want %v", reason, tt.denied)
			}
		})
	}
}

func TestCheckCommand(t *testing.T) {
	tests := []struct {
		argv   []string
		denied bool
	}{
		{[]string{"go", "build", "./..."}, false},
		{[]string{"/usr/bin/curl", "x"}, true},
		{[]string{"sh", "-c", "echo ok"}, false},
		{[]string{"sh", "-c", "echo ok | nc host 1"}, true},
		{nil, true},
	}
	for _, tt := range tests {
		reason := checkCommand(tt.argv, testForbidden)
		if (reason != "") != tt.denied {
			t.Errorf("checkCommand(%v) = %q, denied want %v", tt.argv, reason, tt.denied)
		}
	}
}

func TestCappedBuffer(t *testing.T) {
	b := newCappedBuffer(5)
	n, err := b.Write([]byte("abc"))
	if n != 3 || err != nil {
		t.Fatalf("Write = %d, %v", n, err)
	}
	n, _ = b.Write([]byte("defgh"))
	if n != 5 {
		t.Errorf("overflowing write should report full length, got %d", n)
	}
	if b.String() != "abcde" || !b.Truncated() {
		t.Errorf("buffer = %q truncated=%v", b.String(), b.Truncated())
	}
}

// Package sdk locates and invokes the language SDK binary that emits a
// task graph as JSON (spec §6.1): the engine shells out to the SDK's own
// source file with the language's run command, captures stdout, and
// parses it as the wire-format document.
package sdk

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// ErrNotFound means no recognized pipeline file exists at dir (spec §6.2
// exit code 3, "no SDK file found").
var ErrNotFound = fmt.Errorf("sdk: no recognized pipeline file found")

// InvokeError wraps a failure to run or parse the SDK binary's output
// (spec §6.2 exit code 4, "SDK invocation failed").
type InvokeError struct {
	Path   string
	Reason string
}

func (e *InvokeError) Error() string {
	return fmt.Sprintf("sdk: invoke %s: %s", e.Path, e.Reason)
}

// candidate pairs a filename the engine looks for with the command that
// emits its JSON graph via --emit (spec §6.1).
type candidate struct {
	file string
	cmd  func(path string) *exec.Cmd
}

var candidates = []candidate{
	{"sykli.go", func(p string) *exec.Cmd { return exec.Command("go", "run", p, "--emit") }},
	{"sykli.rs", func(p string) *exec.Cmd { return exec.Command("cargo", "run", "--manifest-path", p, "--", "--emit") }},
	{"sykli.ts", func(p string) *exec.Cmd { return exec.Command("npx", "tsx", p, "--emit") }},
	{"sykli.py", func(p string) *exec.Cmd { return exec.Command("python", p, "--emit") }},
	{"sykli.exs", func(p string) *exec.Cmd { return exec.Command("elixir", p, "--emit") }},
}

// Detect returns the path to the first recognized pipeline source file in
// dir, or ErrNotFound.
func Detect(dir string) (string, error) {
	for _, c := range candidates {
		p := filepath.Join(dir, c.file)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", ErrNotFound
}

// Emit invokes the SDK binary for path and returns its stdout with any
// warning lines printed before or after the JSON document removed (spec
// §6.1). The document is taken to begin at the first line starting with
// '{' or '[' and to end at the last line ending with '}' or ']'; Emit
// fails with an invocation error when no such lines remain (spec §6.2
// exit code 4).
func Emit(ctx context.Context, path string) ([]byte, error) {
	var c *exec.Cmd
	for _, cand := range candidates {
		if filepath.Base(path) == cand.file {
			c = cand.cmd(path)
			break
		}
	}
	if c == nil {
		return nil, &InvokeError{Path: path, Reason: "unrecognized pipeline file"}
	}
	c.Dir = filepath.Dir(path)

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	if err := c.Run(); err != nil {
		return nil, &InvokeError{Path: path, Reason: fmt.Sprintf("%v: %s", err, stderr.String())}
	}

	lines := bytes.Split(bytes.TrimSpace(stdout.Bytes()), []byte("\n"))
	for len(lines) > 0 {
		if l := bytes.TrimSpace(lines[0]); len(l) > 0 && (l[0] == '{' || l[0] == '[') {
			break
		}
		lines = lines[1:]
	}
	for len(lines) > 0 {
		if l := bytes.TrimSpace(lines[len(lines)-1]); len(l) > 0 && (l[len(l)-1] == '}' || l[len(l)-1] == ']') {
			break
		}
		lines = lines[:len(lines)-1]
	}
	out := bytes.TrimSpace(bytes.Join(lines, []byte("\n")))
	if len(out) == 0 {
		return nil, &InvokeError{Path: path, Reason: "did not emit a JSON document"}
	}
	return out, nil
}

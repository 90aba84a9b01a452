// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tool

import (
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// checkError reports that a command was blocked before it ran. It is a UX
// guardrail against common mistakes, not a security boundary: a determined
// command can always route around it (e.g. through a nested interpreter),
// so it is applied once, up front, against the literal script text.
type checkError struct {
	message string
}

func (e *checkError) Error() string { return e.message }

// checkCommand parses script as a shell program and blocks a short list of
// commands that are easy for a model to issue by mistake and hard to
// recover from: blind `git add`, `git push --force`, and an `rm -rf`
// whose target looks like home, `.git`, or the filesystem root. A script
// that fails to parse is let through unchecked — bash itself will report
// the syntax error.
func checkCommand(script string) error {
	parser := syntax.NewParser()
	file, err := parser.Parse(strings.NewReader(script), "")
	if err != nil {
		return nil
	}

	var blocked error
	syntax.Walk(file, func(node syntax.Node) bool {
		if blocked != nil {
			return false
		}
		if call, ok := node.(*syntax.CallExpr); ok {
			if err := checkCall(script, call); err != nil {
				blocked = err
				return false
			}
		}
		return true
	})
	return blocked
}

// checkCall inspects one command invocation's argument words, skipping a
// leading `sudo`.
func checkCall(script string, call *syntax.CallExpr) error {
	args := callArgs(script, call)
	if len(args) == 0 {
		return nil
	}
	if args[0] == "sudo" {
		args = args[1:]
	}
	if len(args) == 0 {
		return nil
	}

	switch args[0] {
	case "git":
		return checkGit(args)
	case "rm":
		return checkRm(args)
	}
	return nil
}

// callArgs returns the raw source text of each argument word, exactly as
// written (quotes trimmed), not its expanded value — `$HOME` must be
// recognized as written, not resolved against this process's environment.
func callArgs(script string, call *syntax.CallExpr) []string {
	args := make([]string, 0, len(call.Args))
	for _, w := range call.Args {
		args = append(args, unquoteOuter(wordText(script, w)))
	}
	return args
}

func wordText(script string, w *syntax.Word) string {
	start, end := w.Pos().Offset(), w.End().Offset()
	if end > uint(len(script)) || start > end {
		return ""
	}
	return script[start:end]
}

func unquoteOuter(s string) string {
	s = strings.Trim(s, `"`)
	s = strings.Trim(s, `'`)
	return s
}

// checkGit blocks blind `git add` and forced `git push`, mirroring the
// original tool's tree-sitter-based safety check.
func checkGit(args []string) error {
	if len(args) < 2 {
		return nil
	}
	switch args[1] {
	case "add":
		return checkGitAdd(args[2:])
	case "push":
		return checkGitPush(args[2:])
	}
	return nil
}

func checkGitAdd(args []string) error {
	for _, a := range args {
		switch a {
		case "-A", "--all", ".", "*":
			return &checkError{message: "permission denied: blind git add commands (git add -A, git add ., git add --all, git add *) are not allowed, specify files explicitly"}
		}
	}
	return nil
}

func checkGitPush(args []string) error {
	for _, a := range args {
		if strings.HasPrefix(a, "--force-with-lease") {
			continue
		}
		if a == "--force" || a == "-f" {
			return &checkError{message: "permission denied: git push --force is not allowed. Use --force-with-lease for safer force pushes, or push without force"}
		}
	}
	return nil
}

// checkRm blocks `rm -rf` (recursive and forced, combined or separate
// flags) whose target looks like it could delete the home directory,
// `.git`, or the filesystem root.
func checkRm(args []string) error {
	recursive, force := false, false
	var paths []string

	for _, a := range args[1:] {
		if !strings.HasPrefix(a, "-") {
			paths = append(paths, a)
			continue
		}
		if a == "-r" || a == "-R" || a == "--recursive" {
			recursive = true
		} else if a == "-f" || a == "--force" {
			force = true
		} else if !strings.HasPrefix(a, "--") {
			if strings.ContainsAny(a, "rR") {
				recursive = true
			}
			if strings.Contains(a, "f") {
				force = true
			}
		}
	}

	if !recursive || !force {
		return nil
	}

	for _, p := range paths {
		if isDangerousRmPath(p) {
			return &checkError{message: "permission denied: this rm command could delete critical data (.git, home directory, or root). Specify the full path explicitly (no wildcards, ~, or $HOME)"}
		}
	}
	return nil
}

func isDangerousRmPath(path string) bool {
	switch {
	case path == "/":
		return true
	case path == "~" || path == "~/" || strings.HasPrefix(path, "~/"):
		return true
	case path == "$HOME" || strings.HasPrefix(path, "$HOME/") || strings.HasPrefix(path, "${HOME}"):
		return true
	case path == ".git" || strings.HasSuffix(path, "/.git"):
		return true
	case path == "*" || path == "/*" || path == ".*" || strings.HasSuffix(path, "/.*"):
		return true
	}
	return false
}

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

import "testing"

func TestCheckCommandGitAdd(t *testing.T) {
	cases := []struct {
		name    string
		script  string
		blocked bool
	}{
		{"explicit path", "git add foo.go", false},
		{"explicit paths", "git add foo.go bar.go", false},
		{"dash A", "git add -A", true},
		{"long all", "git add --all", true},
		{"dot", "git add .", true},
		{"star", "git add *", true},
		{"sudo prefixed", "sudo git add -A", true},
		{"unrelated git command", "git status", false},
		{"add then dash A after files", "git add foo.go -A", true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := checkCommand(c.script)
			if c.blocked && err == nil {
				t.Fatalf("expected %q to be blocked", c.script)
			}
			if !c.blocked && err != nil {
				t.Fatalf("expected %q to be allowed, got %v", c.script, err)
			}
		})
	}
}

func TestCheckCommandGitPush(t *testing.T) {
	cases := []struct {
		name    string
		script  string
		blocked bool
	}{
		{"plain push", "git push", false},
		{"push with remote and branch", "git push origin main", false},
		{"force with lease", "git push --force-with-lease", false},
		{"force with lease and ref", "git push --force-with-lease=origin/main", false},
		{"force", "git push --force", true},
		{"short force", "git push -f", true},
		{"force with remote", "git push origin main --force", true},
		{"sudo prefixed force", "sudo git push --force", true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := checkCommand(c.script)
			if c.blocked && err == nil {
				t.Fatalf("expected %q to be blocked", c.script)
			}
			if !c.blocked && err != nil {
				t.Fatalf("expected %q to be allowed, got %v", c.script, err)
			}
		})
	}
}

func TestCheckCommandRmRf(t *testing.T) {
	cases := []struct {
		name    string
		script  string
		blocked bool
	}{
		{"scoped build dir", "rm -rf ./build", false},
		{"scoped relative path", "rm -rf node_modules", false},
		{"not recursive", "rm -f important-file", false},
		{"not forced", "rm -r some-dir", false},
		{"root", "rm -rf /", true},
		{"tilde", "rm -rf ~", true},
		{"tilde slash", "rm -rf ~/", true},
		{"tilde subpath", "rm -rf ~/projects", true},
		{"home var", "rm -rf $HOME", true},
		{"home var subpath", "rm -rf $HOME/code", true},
		{"braced home var", "rm -rf ${HOME}", true},
		{"dot git", "rm -rf .git", true},
		{"nested dot git", "rm -rf foo/.git", true},
		{"bare star", "rm -rf *", true},
		{"root star", "rm -rf /*", true},
		{"dot star", "rm -rf .*", true},
		{"combined short flags", "rm -fr /", true},
		{"single combined flag", "rm -rf /", true},
		{"sudo prefixed", "sudo rm -rf ~", true},
		{"separate scoped flags", "rm -r -f ./build", false},
		{"separate dangerous flags", "rm -r -f /", true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := checkCommand(c.script)
			if c.blocked && err == nil {
				t.Fatalf("expected %q to be blocked", c.script)
			}
			if !c.blocked && err != nil {
				t.Fatalf("expected %q to be allowed, got %v", c.script, err)
			}
		})
	}
}

func TestCheckCommandUnrelated(t *testing.T) {
	cases := []string{
		"echo hello",
		"ls -la",
		"go test ./...",
		"",
		"# just a comment",
	}
	for _, script := range cases {
		if err := checkCommand(script); err != nil {
			t.Errorf("checkCommand(%q) unexpectedly blocked: %v", script, err)
		}
	}
}

func TestCheckCommandUnparseableLetsBashReportIt(t *testing.T) {
	if err := checkCommand("if [ foo"); err != nil {
		t.Fatalf("unparseable script should pass through unchecked, got %v", err)
	}
}

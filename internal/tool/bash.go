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
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
)

const (
	// BashModeDefault is a bounded foreground command, the common case.
	BashModeDefault = "default"
	// BashModeSlow is a bounded foreground command allowed to run far
	// longer, for builds, test suites, and similar.
	BashModeSlow = "slow"
	// BashModeBackground detaches the command to a log file and returns
	// immediately with its pid and log path.
	BashModeBackground = "background"
)

const (
	defaultTimeout    = 30 * time.Second
	slowTimeout       = 15 * time.Minute
	backgroundTimeout = 24 * time.Hour

	// maxOutputBytes bounds the combined stdout+stderr kept in the result;
	// beyond this, the middle is dropped in favor of both ends.
	maxOutputBytes = 64 * 1024
	snipHalf       = maxOutputBytes / 2
)

// BashTool executes a shell command in one of three modes. Every mode runs
// the command in its own process group so that a timeout or cancellation
// can SIGKILL the whole group, not just the immediate child — a plain
// Process.Kill leaves grandchildren (e.g. a shell's own children) running.
type BashTool struct {
	// LogDir is where background-mode command output is written.
	LogDir string
}

func NewBashTool(logDir string) *BashTool {
	return &BashTool{LogDir: logDir}
}

type bashInput struct {
	Command string `json:"command"`
	Mode    string `json:"mode"`
}

func (t *BashTool) Definition() Definition {
	return Definition{
		Name:        "bash",
		Description: "Run a shell command. mode is default (~30s), slow (~15min), or background (detached, returns a pid and log path).",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{"type": "string"},
				"mode":    map[string]any{"type": "string", "enum": []string{BashModeDefault, BashModeSlow, BashModeBackground}},
			},
			"required": []string{"command"},
		},
	}
}

func (t *BashTool) Execute(ctx Context, input string) (Output, error) {
	var in bashInput
	if err := json.Unmarshal([]byte(input), &in); err != nil {
		return Output{Success: false, Output: fmt.Sprintf("bash: invalid input: %v", err)}, nil
	}
	if in.Command == "" {
		return Output{Success: false, Output: "bash: command is required"}, nil
	}
	mode := in.Mode
	if mode == "" {
		mode = BashModeDefault
	}

	if err := checkCommand(in.Command); err != nil {
		return Output{Success: false, Output: "bash: " + err.Error()}, nil
	}

	switch mode {
	case BashModeBackground:
		return t.runBackground(ctx, in.Command)
	case BashModeSlow:
		return t.runForeground(ctx, in.Command, slowTimeout)
	case BashModeDefault:
		return t.runForeground(ctx, in.Command, defaultTimeout)
	default:
		return Output{Success: false, Output: fmt.Sprintf("bash: unknown mode %q", mode)}, nil
	}
}

// runForeground races command completion against timeout and against the
// caller's cancellation token. On either non-success path it SIGKILLs the
// command's process group and reports why.
func (t *BashTool) runForeground(ctx Context, command string, timeout time.Duration) (Output, error) {
	cmd := exec.Command("bash", "-c", command)
	cmd.Dir = ctx.WorkingDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Output{Success: false, Output: fmt.Sprintf("bash: failed to start: %v", err)}, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	reason := ""

	select {
	case waitErr = <-done:
	case <-timer.C:
		reason = fmt.Sprintf("timed out after %s", timeout)
		killGroup(cmd)
		waitErr = <-done
	case <-ctx.Cancel.Done():
		reason = "cancelled"
		killGroup(cmd)
		waitErr = <-done
	}

	combined := combineOutput(stdout.String(), stderr.String())

	if reason != "" {
		return Output{
			Success: false,
			Output:  fmt.Sprintf("bash: %s\n%s", reason, combined),
			Display: map[string]any{"reason": reason},
		}, nil
	}

	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			return Output{
				Success: false,
				Output:  combined,
				Display: map[string]any{"exit_code": exitErr.ExitCode()},
			}, nil
		}
		return Output{Success: false, Output: fmt.Sprintf("bash: %v\n%s", waitErr, combined)}, nil
	}

	return Output{Success: true, Output: combined, Display: map[string]any{"exit_code": 0}}, nil
}

// runBackground detaches the command to a log file and returns immediately.
// The process is left in its own group so a future cancellation (tracked
// out of band by pid, since the engine does not hold this tool call open)
// can still reach its descendants.
func (t *BashTool) runBackground(ctx Context, command string) (Output, error) {
	logDir := t.LogDir
	if logDir == "" {
		logDir = os.TempDir()
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return Output{Success: false, Output: fmt.Sprintf("bash: cannot create log dir: %v", err)}, nil
	}
	logPath := filepath.Join(logDir, fmt.Sprintf("bash-%s.log", uuid.NewString()))

	logFile, err := os.Create(logPath)
	if err != nil {
		return Output{Success: false, Output: fmt.Sprintf("bash: cannot create log file: %v", err)}, nil
	}

	cmd := exec.Command("bash", "-c", command)
	cmd.Dir = ctx.WorkingDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return Output{Success: false, Output: fmt.Sprintf("bash: failed to start: %v", err)}, nil
	}

	// The background command outlives this call. Release our handle to its
	// process so it is not left as a zombie once it exits, and close the
	// log file descriptor in our own process (the child keeps its own).
	// A command still running after backgroundTimeout is SIGKILLed as a
	// group, same as a foreground timeout, so a detached process cannot
	// outlive the server indefinitely.
	waited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		logFile.Close()
		close(waited)
	}()
	go func() {
		select {
		case <-waited:
		case <-time.After(backgroundTimeout):
			killGroup(cmd)
		}
	}()

	return Output{
		Success: true,
		Output:  fmt.Sprintf("started pid=%d, logging to %s", cmd.Process.Pid, logPath),
		Display: map[string]any{"pid": cmd.Process.Pid, "log_path": logPath},
	}, nil
}

// killGroup sends SIGKILL to cmd's entire process group so descendants
// started by the shell (e.g. a child it forked) die too.
func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

// combineOutput concatenates stdout and stderr and truncates the result to
// maxOutputBytes by keeping the first and last snipHalf bytes and inserting
// a visible marker for what was dropped.
func combineOutput(stdout, stderr string) string {
	combined := stdout
	if stderr != "" {
		if combined != "" {
			combined += "\n"
		}
		combined += stderr
	}
	if len(combined) <= maxOutputBytes {
		return combined
	}
	dropped := len(combined) - 2*snipHalf
	return fmt.Sprintf("%s\n--- %d bytes snipped ---\n%s", combined[:snipHalf], dropped, combined[len(combined)-snipHalf:])
}

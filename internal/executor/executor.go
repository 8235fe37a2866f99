// Package executor runs check and action commands through the shell,
// enforcing a timeout and capturing stdout/stderr separately. It also
// resolves bare script names against a scripts_root directory before
// handing the command to the shell, grounded on
// original_source/kicker/daemon_runtime.py's _resolve_command/_script_name/
// _execute_command, adapted from colebrumley-srvrmgr/internal/executor's
// exec.CommandContext + CombinedOutput pattern.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Result is the outcome of running a command: its exit code and the
// stdout/stderr it produced, kept separate (unlike the teacher's
// CombinedOutput) so the log sink can tag each stream.
type Result struct {
	ReturnCode int
	Stdout     string
	Stderr     string
}

// tokenize splits command into shell words for the limited purpose of
// script-name resolution: spaces and tabs separate words, single and
// double quotes group them, and backslash escapes are not interpreted. It
// reports false for an unmatched quote; callers then use the command
// unresolved, exactly as written.
func tokenize(command string) ([]string, bool) {
	var tokens []string
	var cur strings.Builder
	inSingle, inDouble, has := false, false, false
	flush := func() {
		if has {
			tokens = append(tokens, cur.String())
			cur.Reset()
			has = false
		}
	}
	for i := 0; i < len(command); i++ {
		c := command[i]
		switch {
		case inSingle:
			if c == '\'' {
				inSingle = false
			} else {
				cur.WriteByte(c)
			}
		case inDouble:
			if c == '"' {
				inDouble = false
			} else {
				cur.WriteByte(c)
			}
		case c == '\'':
			inSingle, has = true, true
		case c == '"':
			inDouble, has = true, true
		case c == ' ' || c == '\t':
			flush()
		default:
			cur.WriteByte(c)
			has = true
		}
	}
	if inSingle || inDouble {
		return nil, false
	}
	flush()
	return tokens, true
}

// shellSafeUnquoted matches the characters shlex.quote (and this
// function) treats as safe to leave bare in a POSIX shell word.
var shellSafeUnquoted = regexp.MustCompile(`^[\w@%+=:,./-]+$`)

// shellQuote quotes s for safe use as a single POSIX shell word, mirroring
// Python's shlex.quote: a word made up only of shell-safe characters is
// returned unchanged; anything else is wrapped in single quotes, with any
// embedded single quote escaped as '\''.
func shellQuote(s string) string {
	if s != "" && shellSafeUnquoted.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// shellJoin re-quotes and joins words into a single shell command line,
// the Go equivalent of Python's shlex.join.
func shellJoin(words []string) string {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = shellQuote(w)
	}
	return strings.Join(quoted, " ")
}

// ResolveCommand rewrites command's first token to an absolute path if it
// names a file directly under scriptsRoot and carries no path separator of
// its own. Commands that already name a path, or whose first token isn't
// found under scriptsRoot, are returned unchanged.
func ResolveCommand(command, scriptsRoot string) string {
	parts, ok := tokenize(command)
	if !ok || len(parts) == 0 {
		return command
	}
	first := parts[0]
	if strings.ContainsRune(first, '/') {
		return command
	}
	candidate := filepath.Join(scriptsRoot, first)
	if _, err := os.Stat(candidate); err != nil {
		return command
	}
	parts[0] = candidate
	return shellJoin(parts)
}

// ScriptName returns the base name of command's first token, used to tag
// log records with a short, human-readable label instead of the full
// command line.
func ScriptName(command string) string {
	parts, ok := tokenize(command)
	if !ok || len(parts) == 0 {
		return command
	}
	return filepath.Base(parts[0])
}

// Run executes command through "sh -c", capturing stdout and stderr
// separately and enforcing timeoutSeconds. A timeout yields return code
// 124 and an appended message on stderr, matching the original
// subprocess.TimeoutExpired handling; it is never reported as a Go error,
// since a timed-out or failing command is a normal, expected outcome the
// caller logs and evaluates like any other exit code.
func Run(ctx context.Context, command string, timeoutSeconds float64, cwd string) (Result, error) {
	timeout := time.Duration(timeoutSeconds * float64(time.Second))
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = cwd

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	if runCtx.Err() == context.DeadlineExceeded {
		msg := stderr.String()
		if msg != "" {
			msg += "\n"
		}
		msg += fmt.Sprintf("Command timed out after %.2fs.", timeoutSeconds)
		return Result{ReturnCode: 124, Stdout: stdout.String(), Stderr: msg}, nil
	}

	if err == nil {
		return Result{ReturnCode: 0, Stdout: stdout.String(), Stderr: stderr.String()}, nil
	}

	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		return Result{ReturnCode: exitErr.ExitCode(), Stdout: stdout.String(), Stderr: stderr.String()}, nil
	}

	return Result{}, fmt.Errorf("running command %q: %w", command, err)
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
)

func captureStdout(t *testing.T, f func() error) (string, error) {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("creating pipe: %v", err)
	}
	os.Stdout = w

	runErr := f()

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String(), runErr
}

func readConfigRules(t *testing.T, home string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(home, ".config", "kicker", "config.yaml"))
	if err != nil {
		t.Fatalf("reading config: %v", err)
	}
	var payload struct {
		Rules []map[string]any `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &payload); err != nil {
		t.Fatalf("parsing config: %v", err)
	}
	return payload.Rules
}

func TestAddListRemove(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	home := os.Getenv("HOME")

	out, err := captureStdout(t, func() error {
		return cmdAdd([]string{"run_this.sh", "--if", "check_this.sh"})
	})
	if err != nil {
		t.Fatalf("cmdAdd() error = %v", err)
	}
	if out != "Added rule #1\n" {
		t.Errorf("unexpected add output %q", out)
	}

	out, err = captureStdout(t, cmdList)
	if err != nil {
		t.Fatalf("cmdList() error = %v", err)
	}
	if !bytes.Contains([]byte(out), []byte("#1")) || !bytes.Contains([]byte(out), []byte("run_this.sh")) {
		t.Errorf("expected listing to mention rule #1 and run_this.sh, got %q", out)
	}

	rules := readConfigRules(t, home)
	if len(rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(rules))
	}
	if rules[0]["trigger_mode"] != "on_zero" {
		t.Errorf("expected on_zero trigger mode, got %v", rules[0]["trigger_mode"])
	}
	if once, present := rules[0]["once"]; present && once != false {
		t.Errorf("expected once=false by default, got %v", once)
	}

	out, err = captureStdout(t, func() error { return cmdRemove([]string{"1"}) })
	if err != nil {
		t.Fatalf("cmdRemove() error = %v", err)
	}
	if out != "Removed rule #1\n" {
		t.Errorf("unexpected remove output %q", out)
	}

	out, err = captureStdout(t, cmdList)
	if err != nil {
		t.Fatalf("cmdList() error = %v", err)
	}
	if out != "No rules configured.\n" {
		t.Errorf("expected empty listing message, got %q", out)
	}
}

func TestAddIfCodeRequiresCheck(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	err := cmdAdd([]string{"action.sh", "--if-code", "5"})
	if err == nil {
		t.Fatal("expected an error when --if-code is given without --check")
	}
	if err.Error() != "--check is required with --if-code" {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestAddIfPassAliasAndIfFail(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	home := os.Getenv("HOME")

	if _, err := captureStdout(t, func() error {
		return cmdAdd([]string{"act-pass.sh", "--if-pass", "chk-pass.sh"})
	}); err != nil {
		t.Fatalf("cmdAdd() error = %v", err)
	}
	if _, err := captureStdout(t, func() error {
		return cmdAdd([]string{"act-fail.sh", "--if-fail", "chk-fail.sh"})
	}); err != nil {
		t.Fatalf("cmdAdd() error = %v", err)
	}

	rules := readConfigRules(t, home)
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(rules))
	}
	if rules[0]["trigger_mode"] != "on_zero" {
		t.Errorf("expected rule 1 trigger_mode on_zero, got %v", rules[0]["trigger_mode"])
	}
	if rules[1]["trigger_mode"] != "on_nonzero" {
		t.Errorf("expected rule 2 trigger_mode on_nonzero, got %v", rules[1]["trigger_mode"])
	}
}

func TestAddOnceFlag(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	home := os.Getenv("HOME")

	if _, err := captureStdout(t, func() error {
		return cmdAdd([]string{"act.sh", "--if", "chk.sh", "--once"})
	}); err != nil {
		t.Fatalf("cmdAdd() error = %v", err)
	}

	rules := readConfigRules(t, home)
	if len(rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(rules))
	}
	if rules[0]["once"] != true {
		t.Errorf("expected once=true, got %v", rules[0]["once"])
	}
}

func TestAddRejectsMultipleTriggerFlags(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	err := cmdAdd([]string{"act.sh", "--if", "chk.sh", "--if-fail", "chk2.sh"})
	if err == nil {
		t.Fatal("expected an error when more than one trigger flag is given")
	}
}

func TestStatsReportsActionExecutionCounts(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	home := os.Getenv("HOME")

	stateDir := filepath.Join(home, ".local", "state", "kicker")
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		t.Fatalf("creating state dir: %v", err)
	}
	runtimeJSON := `{"rules":{"1":{"action_executions":3,"action_timestamps_24h":[]},"2":{"action_executions":0,"action_timestamps_24h":[]}}}`
	if err := os.WriteFile(filepath.Join(stateDir, "runtime_state.json"), []byte(runtimeJSON), 0o644); err != nil {
		t.Fatalf("writing runtime state: %v", err)
	}

	out, err := captureStdout(t, cmdStats)
	if err != nil {
		t.Fatalf("cmdStats() error = %v", err)
	}
	if !bytes.Contains([]byte(out), []byte("rule_id  action_executions  action_executions_24h")) {
		t.Errorf("unexpected stats header: %q", out)
	}
	if !bytes.Contains([]byte(out), []byte("1        3                  0")) {
		t.Errorf("unexpected stats row for rule 1: %q", out)
	}
}

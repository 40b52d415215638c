package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zalando/go-keyring"

	"todocal/backend"
	"todocal/internal/views"
)

// =============================================================================
// Core CLI Tests
// These tests verify basic CLI functionality: help, version, flags, and errors.
// Workflow tests are co-located with the backend they run on:
// - List/Task/Watch commands: backend/sqlite/integration_test.go
// =============================================================================

// newTestConfig isolates a command run in a temp directory with a local
// database and an in-memory keyring
func newTestConfig(t *testing.T) *Config {
	t.Helper()
	keyring.MockInit()

	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	content := "backend: sqlite\nsqlite:\n  watch: false\nlogging:\n  background_enabled: false\n"
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return &Config{
		NoPrompt:   true,
		ConfigPath: configPath,
		DBPath:     filepath.Join(dir, "todocal.db"),
		Today:      "2024-06-12",
	}
}

func run(cfg *Config, args ...string) (stdout, stderr string, code int) {
	var out, errOut bytes.Buffer
	code = Execute(args, &out, &errOut, cfg)
	return out.String(), errOut.String(), code
}

// --- Help and Version Tests ---

func TestHelpFlagCoreCLI(t *testing.T) {
	stdout, stderr, code := run(nil, "--help")
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d: %s", code, stderr)
	}
	for _, want := range []string{"todocal", "Usage:", "month", "list", "task", "watch", "tui"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("help output should contain %q, got: %s", want, stdout)
		}
	}
}

func TestVersionFlagCoreCLI(t *testing.T) {
	stdout, stderr, code := run(nil, "--version")
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d: %s", code, stderr)
	}
	if !strings.Contains(stdout, "todocal version "+Version) {
		t.Errorf("version output = %q", stdout)
	}
}

func TestGroupHelpMentionsReferences(t *testing.T) {
	stdout, _, code := run(nil, "list")
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(stdout, "DATE/TITLE") {
		t.Errorf("list help should explain list references, got: %s", stdout)
	}

	stdout, _, _ = run(nil, "task", "--help")
	if !strings.Contains(stdout, "1-based position") {
		t.Errorf("task help should explain task references, got: %s", stdout)
	}
}

func TestCompletionBash(t *testing.T) {
	stdout, stderr, code := run(nil, "completion", "bash")
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d: %s", code, stderr)
	}
	if !strings.Contains(stdout, "todocal") {
		t.Errorf("completion script should mention todocal")
	}
}

// --- Flags and exit codes ---

func TestUnknownCommandCoreCLI(t *testing.T) {
	_, stderr, code := run(nil, "frobnicate")
	if code != 1 {
		t.Errorf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(stderr, "unknown command") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestArgumentCountCoreCLI(t *testing.T) {
	cfg := newTestConfig(t)
	_, stderr, code := run(cfg, "list", "create", "today")
	if code != 1 {
		t.Errorf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(stderr, "accepts 2 arg(s)") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestNoPromptPrintsResultCodeCoreCLI(t *testing.T) {
	cfg := newTestConfig(t)

	stdout, _, code := run(cfg, "auth", "whoami")
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.HasSuffix(strings.TrimSpace(stdout), ResultInfoOnly) {
		t.Errorf("stdout should end with %s, got: %s", ResultInfoOnly, stdout)
	}

	stdout, stderr, code := run(cfg, "month", "2024-13")
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(stderr, "Error:") || !strings.Contains(stderr, "2024-13") {
		t.Errorf("stderr = %q", stderr)
	}
	if strings.TrimSpace(stdout) != ResultError {
		t.Errorf("stdout = %q, want %s", stdout, ResultError)
	}
}

func TestPromptModeOmitsResultCodeCoreCLI(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.NoPrompt = false

	stdout, _, _ := run(cfg, "auth", "whoami")
	if strings.Contains(stdout, ResultInfoOnly) {
		t.Errorf("result code printed without --no-prompt: %s", stdout)
	}
}

func TestJSONErrorCoreCLI(t *testing.T) {
	cfg := newTestConfig(t)

	stdout, stderr, code := run(cfg, "month", "2024-13", "--json")
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if stderr != "" {
		t.Errorf("JSON errors should not print to stderr, got %q", stderr)
	}
	var resp views.ErrorJSON
	if err := json.Unmarshal([]byte(stdout), &resp); err != nil {
		t.Fatalf("invalid JSON %q: %v", stdout, err)
	}
	if resp.Result != ResultError || resp.Code != 1 {
		t.Errorf("response = %+v", resp)
	}
	if !strings.Contains(resp.Error, "2024-13") || resp.Suggestion == "" {
		t.Errorf("response should carry the message and a suggestion: %+v", resp)
	}
}

func TestVerboseFlagCoreCLI(t *testing.T) {
	cfg := newTestConfig(t)

	_, stderr, code := run(cfg, "-V", "auth", "whoami")
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(stderr, "opened sqlite backend") {
		t.Errorf("verbose run should log debug lines, got: %q", stderr)
	}

	_, stderr, _ = run(newTestConfig(t), "auth", "whoami")
	if strings.Contains(stderr, "opened sqlite backend") {
		t.Errorf("debug lines printed without --verbose: %q", stderr)
	}
}

func TestConfigCreatedOnFirstRunCoreCLI(t *testing.T) {
	keyring.MockInit()
	dir := t.TempDir()
	cfg := &Config{
		NoPrompt:   true,
		ConfigPath: filepath.Join(dir, "nested", "config.yaml"),
		DBPath:     filepath.Join(dir, "todocal.db"),
	}

	if _, stderr, code := run(cfg, "auth", "whoami"); code != 0 {
		t.Fatalf("expected exit code 0, got %d: %s", code, stderr)
	}
	if _, err := os.Stat(cfg.ConfigPath); err != nil {
		t.Errorf("config file not created: %v", err)
	}
}

func TestContainsJSONFlag(t *testing.T) {
	tests := []struct {
		args []string
		want bool
	}{
		{[]string{"month", "--json"}, true},
		{[]string{"--json"}, true},
		{[]string{"list", "show", "json"}, false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := containsJSONFlag(tt.args); got != tt.want {
			t.Errorf("containsJSONFlag(%v) = %v, want %v", tt.args, got, tt.want)
		}
	}
}

// --- Live commands ---

func TestTUIRequiresSignInCoreCLI(t *testing.T) {
	cfg := newTestConfig(t)

	_, stderr, code := run(cfg, "tui")
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(stderr, "todocal auth login") {
		t.Errorf("stderr should suggest signing in, got: %q", stderr)
	}
}

func TestDescribeEvent(t *testing.T) {
	list := &backend.List{ID: "l1", Title: "Groceries", Date: "2024-06-03"}
	task := &backend.Task{ID: "t1", Title: "Milk", Completed: true, ListID: "l1"}

	tests := []struct {
		name string
		ev   backend.ChangeEvent
		want string
	}{
		{
			name: "list added",
			ev:   backend.ChangeEvent{Table: backend.TableLists, Type: backend.EventInsert, NewList: list},
			want: "list Groceries on 2024-06-03 added",
		},
		{
			name: "list removed",
			ev:   backend.ChangeEvent{Table: backend.TableLists, Type: backend.EventDelete, OldList: &backend.List{ID: "l1"}},
			want: "list l1 removed",
		},
		{
			name: "task changed",
			ev:   backend.ChangeEvent{Table: backend.TableTasks, Type: backend.EventUpdate, NewTask: task},
			want: "task Milk (done) changed",
		},
		{
			name: "task removed",
			ev:   backend.ChangeEvent{Table: backend.TableTasks, Type: backend.EventDelete, OldTask: &backend.Task{ID: "t1"}},
			want: "task t1 removed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := describeEvent(tt.ev); got != tt.want {
				t.Errorf("describeEvent() = %q, want %q", got, tt.want)
			}
		})
	}
}

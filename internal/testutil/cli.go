// Package testutil provides shared test utilities for CLI testing across packages.
// This enables co-located CLI tests while maintaining consistent test infrastructure.
package testutil

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zalando/go-keyring"

	"todocal/cmd/todocal/cmd"
)

// TestToday is the date every CLI test runs on
const TestToday = "2024-06-12"

// Test account
const (
	TestEmail    = "ada@example.com"
	TestPassword = "correct-horse"
)

// defaultTestConfig keeps tests on a local database and out of the user's log directory.
const defaultTestConfig = `# test config
backend: sqlite
sqlite:
  watch: false
logging:
  background_enabled: false
`

// CLITest provides a test helper for running CLI commands in isolation.
type CLITest struct {
	t          *testing.T
	cfg        *cmd.Config
	tmpDir     string
	configPath string
	stdin      string
}

// NewCLITest creates a new CLI test helper with an isolated database and an
// in-memory keyring.
func NewCLITest(t *testing.T) *CLITest {
	t.Helper()
	keyring.MockInit()

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	// Write a minimal default config to ensure isolation
	if err := os.WriteFile(configPath, []byte(defaultTestConfig), 0644); err != nil {
		t.Fatalf("failed to create config file: %v", err)
	}

	cfg := &cmd.Config{
		NoPrompt:   true,
		DBPath:     filepath.Join(tmpDir, "test.db"),
		ConfigPath: configPath,
		Today:      TestToday,
	}

	return &CLITest{
		t:          t,
		cfg:        cfg,
		tmpDir:     tmpDir,
		configPath: configPath,
	}
}

// NewSignedInCLITest is NewCLITest with the test account signed up.
func NewSignedInCLITest(t *testing.T) *CLITest {
	t.Helper()
	c := NewCLITest(t)
	c.SetStdin(TestPassword + "\n")
	c.MustExecute("auth", "signup", TestEmail)
	c.SetStdin("")
	return c
}

// Config returns the test configuration.
func (c *CLITest) Config() *cmd.Config {
	return c.cfg
}

// TmpDir returns the temporary directory for the test.
func (c *CLITest) TmpDir() string {
	return c.tmpDir
}

// DBPath returns the database file the commands use.
func (c *CLITest) DBPath() string {
	return c.cfg.DBPath
}

// ConfigPath returns the path to the config file.
func (c *CLITest) ConfigPath() string {
	return c.configPath
}

// SetStdin sets the input of the following commands.
func (c *CLITest) SetStdin(input string) {
	c.stdin = input
}

// SetPrompting turns interactive prompts on or off (off by default).
func (c *CLITest) SetPrompting(enabled bool) {
	c.cfg.NoPrompt = !enabled
}

// SetFullConfig replaces the entire config file with the given YAML content.
func (c *CLITest) SetFullConfig(yamlContent string) {
	c.t.Helper()
	if err := os.WriteFile(c.configPath, []byte(yamlContent), 0644); err != nil {
		c.t.Fatalf("failed to write config file: %v", err)
	}
}

// Execute runs a CLI command with the given arguments and returns stdout, stderr, and exit code.
func (c *CLITest) Execute(args ...string) (stdout, stderr string, exitCode int) {
	c.t.Helper()

	// Each run starts from the harness settings; commands write merged flags back
	cfg := *c.cfg
	cfg.Stdin = strings.NewReader(c.stdin)

	var stdoutBuf, stderrBuf bytes.Buffer
	exitCode = cmd.Execute(args, &stdoutBuf, &stderrBuf, &cfg)
	return stdoutBuf.String(), stderrBuf.String(), exitCode
}

// MustExecute runs a CLI command and fails the test if exit code is non-zero.
func (c *CLITest) MustExecute(args ...string) string {
	c.t.Helper()

	stdout, stderr, exitCode := c.Execute(args...)
	if exitCode != 0 {
		c.t.Fatalf("expected exit code 0, got %d: stdout=%s stderr=%s", exitCode, stdout, stderr)
	}
	return stdout
}

// ExecuteAndFail runs a CLI command and fails the test if exit code is zero.
func (c *CLITest) ExecuteAndFail(args ...string) (stdout, stderr string) {
	c.t.Helper()

	stdout, stderr, exitCode := c.Execute(args...)
	if exitCode == 0 {
		c.t.Fatalf("expected non-zero exit code, got 0: stdout=%s", stdout)
	}
	return stdout, stderr
}

// ExecuteJSON runs a command with --json and decodes its output into v.
func (c *CLITest) ExecuteJSON(v any, args ...string) {
	c.t.Helper()

	stdout := c.MustExecute(append(args, "--json")...)
	if err := json.Unmarshal([]byte(stdout), v); err != nil {
		c.t.Fatalf("invalid JSON from %v: %v\n%s", args, err, stdout)
	}
}

// AssertContains fails the test if output doesn't contain expected string.
func AssertContains(t *testing.T, output, expected string) {
	t.Helper()
	if !strings.Contains(output, expected) {
		t.Errorf("expected output to contain %q, got:\n%s", expected, output)
	}
}

// AssertNotContains fails the test if output contains unexpected string.
func AssertNotContains(t *testing.T, output, unexpected string) {
	t.Helper()
	if strings.Contains(output, unexpected) {
		t.Errorf("expected output NOT to contain %q, got:\n%s", unexpected, output)
	}
}

// AssertExitCode fails the test if exit code doesn't match expected.
func AssertExitCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("expected exit code %d, got %d", want, got)
	}
}

// AssertResultCode verifies that the output ends with the expected result code.
func AssertResultCode(t *testing.T, output, expectedCode string) {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) == 0 {
		t.Errorf("expected result code %q but output is empty", expectedCode)
		return
	}
	lastLine := strings.TrimSpace(lines[len(lines)-1])
	if lastLine != expectedCode {
		t.Errorf("expected result code %q, got %q\nFull output:\n%s", expectedCode, lastLine, output)
	}
}

// Result code constants for convenience.
const (
	ResultActionCompleted = cmd.ResultActionCompleted
	ResultInfoOnly        = cmd.ResultInfoOnly
	ResultError           = cmd.ResultError
)

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test Setup ---

var (
	binaryName  = "shelfseeker"
	binaryPath  string
	projectRoot string
)

// TestMain builds the binary once before all tests in the package
func TestMain(m *testing.M) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		fmt.Println("Could not get caller information")
		os.Exit(1)
	}
	// Navigate up from cmd/shelfseeker
	projectRoot = filepath.Join(filepath.Dir(filename), "..", "..")

	buildDir, err := os.MkdirTemp("", "shelfseeker-it-")
	if err != nil {
		fmt.Printf("Failed to create build dir: %v\n", err)
		os.Exit(1)
	}
	if runtime.GOOS == "windows" {
		binaryName += ".exe"
	}
	binaryPath = filepath.Join(buildDir, binaryName)
	fmt.Println("Building binary for integration tests...")
	buildCmd := exec.Command("go", "build", "-o", binaryPath, ".")
	buildCmd.Dir = filepath.Join(projectRoot, "cmd", "shelfseeker")
	buildOutput, err := buildCmd.CombinedOutput()
	if err != nil {
		fmt.Printf("Failed to build binary: %v\nOutput:\n%s\n", err, string(buildOutput))
		os.Exit(1)
	}

	exitCode := m.Run()
	_ = os.RemoveAll(buildDir)
	os.Exit(exitCode)
}

// --- Helper Functions ---

// runCommand executes the binary with given arguments
func runCommand(t *testing.T, args ...string) (string, string, error) {
	cmd := exec.Command(binaryPath, args...)
	cmd.Dir = t.TempDir()

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		t.Logf("Command failed with error: %v\nStderr:\n%s", err, stderr.String())
	}
	return stdout.String(), stderr.String(), err
}

// createTempConfig creates a temporary TOML config file
func createTempConfig(t *testing.T, content string) string {
	t.Helper()
	tempFile := filepath.Join(t.TempDir(), "temp_config.toml")
	err := os.WriteFile(tempFile, []byte(content), 0644)
	require.NoError(t, err, "Failed to write temporary config file")
	return tempFile
}

// parsedConfigOutput holds the parsed JSON from --show-config
type parsedConfigOutput struct {
	GlobalConfig map[string]interface{}
	SearchParams map[string]interface{}
}

// parseShowConfigOutput extracts the two JSON sections from the command output
func parseShowConfigOutput(t *testing.T, output string) parsedConfigOutput {
	t.Helper()
	const globalMarker = "--- Global Config Settings ---"
	const paramsMarker = "--- Search Parameters ---"

	gi := strings.Index(output, globalMarker)
	pi := strings.Index(output, paramsMarker)
	require.True(t, gi >= 0 && pi > gi, "show-config markers missing:\n%s", output)

	var parsed parsedConfigOutput
	globalJSON := output[gi+len(globalMarker) : pi]
	require.NoError(t, json.Unmarshal([]byte(globalJSON), &parsed.GlobalConfig), "global section:\n%s", globalJSON)
	paramsJSON := output[pi+len(paramsMarker):]
	require.NoError(t, json.Unmarshal([]byte(paramsJSON), &parsed.SearchParams), "params section:\n%s", paramsJSON)
	return parsed
}

// --- Test Cases ---

func TestSearchShowConfig_Defaults(t *testing.T) {
	tempCfgPath := createTempConfig(t, "")

	stdout, _, err := runCommand(t, "--config", tempCfgPath, "search", "--show-config")
	require.NoError(t, err, "Command execution failed")

	parsed := parseShowConfigOutput(t, stdout)
	assert.Equal(t, float64(60), parsed.SearchParams["timeoutSec"], "Default search timeout")
	assert.Equal(t, []interface{}{"nzb"}, parsed.SearchParams["sources"], "IRC is off unless enabled")
	assert.Equal(t, float64(2), parsed.GlobalConfig["Concurrency"], "Default concurrency")

	ircSection, ok := parsed.GlobalConfig["IRC"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(6667), ircSection["port"])
	assert.Equal(t, "@search", ircSection["searchCommand"])
}

func TestSearchShowConfig_ConfigLoad(t *testing.T) {
	configContent := `
SavePath = "/srv/books"

[irc]
Enabled = true
Server = "irc.irchighway.net"
Nick = "reader"
Channel = "ebooks"
SearchTimeoutSec = 45

[[providers]]
ID = "alpha"
URL = "https://alpha.test"
ApiKey = "supersecret"
Enabled = true
`
	tempCfgPath := createTempConfig(t, configContent)

	stdout, _, err := runCommand(t, "--config", tempCfgPath, "search", "--show-config", "dune")
	require.NoError(t, err, "Command execution failed")
	assert.NotContains(t, stdout, "supersecret", "API keys are never printed")

	parsed := parseShowConfigOutput(t, stdout)
	assert.Equal(t, "dune", parsed.SearchParams["query"])
	assert.Equal(t, float64(45), parsed.SearchParams["timeoutSec"], "Timeout from config file")
	assert.Equal(t, []interface{}{"irc", "nzb"}, parsed.SearchParams["sources"])

	ircSection := parsed.GlobalConfig["IRC"].(map[string]interface{})
	assert.Equal(t, "#ebooks", ircSection["channel"], "Channel gets its prefix")
	assert.Equal(t, "reader", ircSection["username"], "Username falls back to the nick")
	assert.Equal(t, filepath.Join("/srv/books", "shelfseeker.db"), parsed.GlobalConfig["DatabasePath"])
}

func TestSearchShowConfig_FlagOverride(t *testing.T) {
	configContent := `
SavePath = "/srv/books"
Concurrency = 3

[irc]
Enabled = true
Server = "irc.irchighway.net"
Nick = "reader"
Channel = "#ebooks"
SearchTimeoutSec = 45
`
	tempCfgPath := createTempConfig(t, configContent)
	savePath := t.TempDir()

	stdout, _, err := runCommand(t, "--config", tempCfgPath, "--save-path", savePath, "--nick", "other",
		"search", "--show-config", "--timeout", "10", "--no-irc")
	require.NoError(t, err, "Command execution failed")

	parsed := parseShowConfigOutput(t, stdout)
	assert.Equal(t, float64(10), parsed.SearchParams["timeoutSec"], "Timeout from flag")
	assert.Equal(t, []interface{}{"nzb"}, parsed.SearchParams["sources"], "--no-irc drops IRC")
	assert.Equal(t, savePath, parsed.GlobalConfig["SavePath"])
	assert.Equal(t, filepath.Join(savePath, "shelfseeker.db"), parsed.GlobalConfig["DatabasePath"], "Derived paths follow --save-path")
	assert.Equal(t, float64(3), parsed.GlobalConfig["Concurrency"], "Not overridden")

	ircSection := parsed.GlobalConfig["IRC"].(map[string]interface{})
	assert.Equal(t, "other", ircSection["nick"])
	assert.Equal(t, "other", ircSection["username"])
}

func TestProvidersAddAndList(t *testing.T) {
	tempCfgPath := createTempConfig(t, "")
	savePath := t.TempDir()
	base := []string{"--config", tempCfgPath, "--save-path", savePath}

	_, _, err := runCommand(t, append(base, "providers", "add", "--id", "alpha", "--name", "Alpha", "--url", "https://alpha.test", "--limit", "5", "--priority", "10")...)
	require.NoError(t, err)
	_, _, err = runCommand(t, append(base, "providers", "disable", "alpha")...)
	require.NoError(t, err)

	stdout, _, err := runCommand(t, append(base, "providers", "list")...)
	require.NoError(t, err)
	assert.Contains(t, stdout, "alpha")
	assert.Contains(t, stdout, "https://alpha.test")
	assert.Contains(t, stdout, "0 / 5")
	assert.Contains(t, stdout, "disabled")
}

func TestProvidersImportYAML(t *testing.T) {
	tempCfgPath := createTempConfig(t, "")
	savePath := t.TempDir()
	base := []string{"--config", tempCfgPath, "--save-path", savePath}

	importPath := filepath.Join(t.TempDir(), "sources.yaml")
	require.NoError(t, os.WriteFile(importPath, []byte(`
providers:
  - id: beta
    name: Beta
    url: https://beta.test
    apiKey: k
    priority: 5
    enabled: true
downloaders:
  - id: home
    type: SABnzbd
    host: http://localhost:8080
    apiKey: k
    enabled: true
`), 0644))

	_, _, err := runCommand(t, append(base, "providers", "import", importPath)...)
	require.NoError(t, err)

	stdout, _, err := runCommand(t, append(base, "providers", "list")...)
	require.NoError(t, err)
	assert.Contains(t, stdout, "beta")

	stdout, _, err = runCommand(t, append(base, "downloaders", "list")...)
	require.NoError(t, err)
	assert.Contains(t, stdout, "home")
	assert.Contains(t, stdout, "sabnzbd")
	assert.Contains(t, stdout, "active")
}

func TestDownloadersActivateIsExclusive(t *testing.T) {
	tempCfgPath := createTempConfig(t, "")
	savePath := t.TempDir()
	base := []string{"--config", tempCfgPath, "--save-path", savePath}

	_, _, err := runCommand(t, append(base, "downloaders", "add", "--id", "one", "--type", "nzbget", "--host", "http://localhost:6789", "--activate")...)
	require.NoError(t, err)
	_, _, err = runCommand(t, append(base, "downloaders", "add", "--id", "two", "--type", "sabnzbd", "--host", "http://localhost:8080")...)
	require.NoError(t, err)
	_, _, err = runCommand(t, append(base, "downloaders", "activate", "two")...)
	require.NoError(t, err)

	stdout, _, err := runCommand(t, append(base, "downloaders", "list")...)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(stdout, "active"), "exactly one downloader is active:\n%s", stdout)
	for _, line := range strings.Split(stdout, "\n") {
		if strings.Contains(line, "active") {
			assert.True(t, strings.HasPrefix(strings.TrimSpace(line), "two"), "expected two to be active, got %q", line)
		}
	}
}

func TestDownloadUnknownResultFails(t *testing.T) {
	tempCfgPath := createTempConfig(t, "")
	savePath := t.TempDir()

	_, stderr, err := runCommand(t, "--config", tempCfgPath, "--save-path", savePath, "download", "--yes", "nzb-missing-0000")
	require.Error(t, err)
	assert.Contains(t, stderr, "nzb-missing-0000")
}

func TestCleanRemovesPartialFiles(t *testing.T) {
	tempCfgPath := createTempConfig(t, "")
	savePath := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(savePath, "Dune.epub.123.part"), []byte("x"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(savePath, "Dune.nzb.456.tmp"), []byte("x"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(savePath, "Dune.epub"), []byte("x"), 0600))

	_, _, err := runCommand(t, "--config", tempCfgPath, "--save-path", savePath, "clean")
	require.NoError(t, err)

	entries, err := os.ReadDir(savePath)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"Dune.epub"}, names)
}

package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const harnessScenarios = "../harness/testdata/scenarios"

const passingScenario = `name: quick
description: "A single scanned and bagged item reaches payment"
steps:
  - op: begin
    tx: tx-1
  - op: scan
    tx: tx-1
    product: milk
    price: 129
    grams: 1030
  - op: bag
    tx: tx-1
    product: milk
  - op: weigh
    tx: tx-1
    grams: 1030
  - op: pay
    tx: tx-1
    expect:
      phase: PAID
`

const failingScenario = `name: broken
description: "Expects payment to be refused although nothing is wrong"
steps:
  - op: begin
    tx: tx-1
    expect:
      code: TRANSACTION_LOCKED
`

func newScenarioCmd(t *testing.T, format string, args ...string) (*bytes.Buffer, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewScenarioCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"test"}, args...))
	return buf, cmd.Execute()
}

func writeScenario(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name+".yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestScenarioCommand_MissingArgs(t *testing.T) {
	_, err := newScenarioCmd(t, "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestScenarioCommand_NonExistentDir(t *testing.T) {
	_, err := newScenarioCmd(t, "text", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "scenarios directory not found")
}

func TestScenarioCommand_EmptyDir(t *testing.T) {
	buf, err := newScenarioCmd(t, "text", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "No scenarios found")
}

func TestScenarioCommand_HarnessScenariosMatchGoldens(t *testing.T) {
	buf, err := newScenarioCmd(t, "text", harnessScenarios)
	require.NoError(t, err, buf.String())
	assert.Contains(t, buf.String(), "✓ lockdown")
	assert.Contains(t, buf.String(), "✓ All scenarios passed")
}

func TestScenarioCommand_Filter(t *testing.T) {
	buf, err := newScenarioCmd(t, "json", harnessScenarios, "--filter", "happy*")
	require.NoError(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data.Scenarios, 1)
	assert.Equal(t, "happy_path", resp.Data.Scenarios[0].Name)
	assert.Equal(t, 1, resp.Data.Passed)
}

func TestScenarioCommand_InvalidFilter(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "quick", passingScenario)

	_, err := newScenarioCmd(t, "text", dir, "--filter", "[")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestScenarioCommand_FailingScenario(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "broken", failingScenario)

	buf, err := newScenarioCmd(t, "json", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E_SCENARIO_FAILED", resp.Error.Code)
}

func TestScenarioCommand_LoadError(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "bad", "name: bad\nsteps: []\n")

	buf, err := newScenarioCmd(t, "text", dir)
	require.Error(t, err)
	assert.Contains(t, buf.String(), "✗ bad.yaml")
	assert.Contains(t, buf.String(), "failed to load scenario")
}

func TestScenarioCommand_UpdateThenCompare(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "scenarios")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	writeScenario(t, dir, "quick", passingScenario)

	_, err := newScenarioCmd(t, "text", dir, "--update")
	require.NoError(t, err)

	golden := filepath.Join(root, "golden", "quick.golden")
	data, err := os.ReadFile(golden)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"scenario": "quick"`)

	_, err = newScenarioCmd(t, "text", dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(golden, []byte("{}\n"), 0o644))
	buf, err := newScenarioCmd(t, "text", dir)
	require.Error(t, err)
	assert.Contains(t, buf.String(), "does not match golden file")
}

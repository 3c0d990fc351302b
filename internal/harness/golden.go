package harness

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// MarshalTrace renders a trace the way golden files store it: indented JSON
// with a trailing newline. StepResult carries no maps, so field order is
// fixed by the struct and the output is byte-stable.
func MarshalTrace(trace Trace) ([]byte, error) {
	data, err := json.MarshalIndent(trace, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// GoldenDir returns the golden directory that sits next to a scenario
// directory: testdata/scenarios/x.yaml pairs with testdata/golden/.
func GoldenDir(scenarioFile string) string {
	return filepath.Join(filepath.Dir(filepath.Dir(scenarioFile)), "golden")
}

// RunWithGolden executes a scenario and compares its trace against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result's trace against its golden file
// without re-running the scenario.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	data, err := MarshalTrace(result.Trace)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}

package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestScenarios runs every scenario in testdata/scenarios against its
// golden trace. Regenerate with:
//
//	go test ./internal/harness -run TestScenarios -update
func TestScenarios(t *testing.T) {
	files, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, f := range files {
		name := strings.TrimSuffix(filepath.Base(f), ".yaml")
		t.Run(name, func(t *testing.T) {
			s, err := LoadScenario(f)
			require.NoError(t, err)

			result, err := RunWithGolden(t, s)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestMarshalTrace_Format(t *testing.T) {
	data, err := MarshalTrace(Trace{
		Scenario: "fmt",
		Steps:    []StepResult{{Op: OpSweep}},
	})
	require.NoError(t, err)

	want := "{\n  \"scenario\": \"fmt\",\n  \"steps\": [\n    {\n      \"op\": \"sweep\"\n    }\n  ]\n}\n"
	assert.Equal(t, want, string(data))
}

func TestMarshalTrace_EmptySteps(t *testing.T) {
	data, err := MarshalTrace(NewResult("empty").Trace)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"steps": []`)
}

func TestGoldenDir(t *testing.T) {
	assert.Equal(t, filepath.Join("testdata", "golden"), GoldenDir(filepath.Join("testdata", "scenarios", "x.yaml")))
}

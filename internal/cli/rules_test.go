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

const plankRules = `
exercise: plank
angles:
  - name: hip
    joints: [shoulder, hip, ankle]
    side: both
rep:
  angle: hip
  direction: decreasing
  start: 170
  hysteresis: 5
  phases:
    - name: hold
      threshold: 160
violations:
  - id: hips_sagging
    severity: medium
    message: "Lift your hips"
    angle: hip
    min: 150
`

func TestRulesValidateEmbeddedDefaults(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewRulesCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"validate", filepath.Join("..", "rules", "defaults")})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "(squat)")
	assert.Contains(t, buf.String(), "rule files valid")
}

func TestRulesValidateReportsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plank.yaml"), []byte(plankRules), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("exercise: broken\nrep: 3\n"), 0o644))

	buf := &bytes.Buffer{}
	cmd := NewRulesCommand(&RootOptions{Format: "json"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"validate", dir})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string           `json:"status"`
		Data   []RuleFileResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.Len(t, resp.Data, 2)
	// Files are sorted.
	assert.False(t, resp.Data[0].Valid)
	assert.True(t, resp.Data[1].Valid)
	assert.Equal(t, "plank", resp.Data[1].Exercise)
}

func TestRulesValidateMissingDirectory(t *testing.T) {
	cmd := NewRulesCommand(&RootOptions{Format: "text"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"validate", filepath.Join(t.TempDir(), "missing")})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRulesListIncludesOverrides(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plank.yaml"), []byte(plankRules), 0o644))

	buf := &bytes.Buffer{}
	cmd := NewRulesCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"list", "--rules", dir})

	require.NoError(t, cmd.Execute())
	out := buf.String()
	assert.Contains(t, out, "plank\n")
	assert.Contains(t, out, "squat\n")
	assert.Contains(t, out, "generic\n")
}

package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampleConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config", "formcoach.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "gstcam", cfg.Camera.Source)
	assert.Equal(t, "pyworker", cfg.Estimator.Backend)
	assert.Equal(t, 2, cfg.Recorder.SampleEvery)
	assert.False(t, cfg.MQTTEnabled())
}

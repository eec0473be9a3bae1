package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "formcoach.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "formcoach", cfg.InstanceID)
	assert.Equal(t, "synthetic", cfg.Camera.Source)
	assert.Equal(t, "synthetic", cfg.Estimator.Backend)
	assert.Equal(t, 2, cfg.Detection.DwellPoses)
	assert.Equal(t, 0.7, cfg.Detection.MinConfidence)
	assert.Equal(t, 3000, cfg.Detection.RepTimeoutMS)
	assert.Equal(t, 3, cfg.Detection.ActivateAfter)
	assert.Equal(t, 3, cfg.Detection.ClearAfter)
	assert.Equal(t, 1000, cfg.Detection.EmitIntervalMS)
	assert.Equal(t, 0, cfg.Estimator.FrameSkipCount)
	assert.Equal(t, "formcoach/control/formcoach", cfg.MQTT.Topics.Control)
	assert.False(t, cfg.MQTTEnabled())
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout())
}

func TestSessionConfigMapping(t *testing.T) {
	cfg := Default()
	sc := cfg.SessionConfig()

	assert.Equal(t, 2, sc.RepPhase.DwellPoses)
	assert.Equal(t, 3*time.Second, sc.RepPhase.Timeout)
	assert.Equal(t, time.Second, sc.Violation.EmitInterval)
	assert.Equal(t, 2*time.Second, sc.Estimator.InferenceTimeout)
	assert.Equal(t, 250*time.Millisecond, sc.TickInterval)
	assert.Equal(t, 64, sc.PoseBuffer)

	assert.Equal(t, 5*time.Second, cfg.AnnouncerConfig().ViolationCooldown)
	assert.Equal(t, "jpeg", cfg.RecorderConfig().Format)
	assert.Equal(t, 1.0, cfg.Voice().Volume)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
instance_id: gym-3
camera:
  source: gstcam
  device: /dev/video2
estimator:
  backend: pyworker
  command: models/run_pose_worker.sh
  frame_skip_count: 3
detection:
  dwell_poses: 4
  emit_interval_ms: -1
mqtt:
  broker: tcp://localhost:1883
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "gstcam", cfg.Camera.Source)
	assert.Equal(t, "/dev/video2", cfg.Camera.Device)
	assert.Equal(t, 3, cfg.Estimator.FrameSkipCount)
	assert.Equal(t, 4, cfg.Detection.DwellPoses)
	assert.Equal(t, 0, cfg.Detection.EmitIntervalMS)
	assert.True(t, cfg.MQTTEnabled())
	assert.Equal(t, "formcoach/speech/gym-3", cfg.MQTT.Topics.Speech)
	assert.Equal(t, byte(1), cfg.MQTT.QoS["control"])
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad instance id", "instance_id: Gym_3\n"},
		{"frame skip one", "estimator:\n  frame_skip_count: 1\n"},
		{"pyworker without command", "estimator:\n  backend: pyworker\n"},
		{"unknown backend", "estimator:\n  backend: onnx\n"},
		{"unknown source", "camera:\n  source: rtsp\n"},
		{"confidence out of range", "detection:\n  min_confidence: 1.5\n"},
		{"bad recorder format", "recorder:\n  format: gif\n"},
		{"voice rate", "audio:\n  rate: 9\n"},
		{"log level", "log:\n  level: verbose\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FORMCOACH_HTTP_ADDR", ":9090")
	t.Setenv("FORMCOACH_MIN_CONFIDENCE", "0.8")
	t.Setenv("FORMCOACH_FRAME_SKIP", "4")
	t.Setenv("FORMCOACH_RECORDER_ENABLED", "true")
	t.Setenv("FORMCOACH_LOG_LEVEL", "debug")

	cfg, err := Load(writeConfig(t, "http:\n  addr: \":8081\"\n"))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, 0.8, cfg.Estimator.MinConfidence)
	assert.Equal(t, 4, cfg.Estimator.FrameSkipCount)
	assert.True(t, cfg.Recorder.Enabled)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("FORMCOACH_TEST_INT", "12")
	t.Setenv("FORMCOACH_TEST_BAD", "twelve")
	t.Setenv("FORMCOACH_TEST_FLOAT", "0.25")

	assert.Equal(t, 12, GetEnvInt("FORMCOACH_TEST_INT", 1))
	assert.Equal(t, 1, GetEnvInt("FORMCOACH_TEST_BAD", 1))
	assert.Equal(t, 0.25, GetEnvFloat("FORMCOACH_TEST_FLOAT", 1))
	assert.Equal(t, "x", GetEnv("FORMCOACH_TEST_UNSET", "x"))
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("FORMCOACH_STORE_PATH=/tmp/coach.db\n"), 0o644))
	t.Setenv("FORMCOACH_STORE_PATH", "")
	os.Unsetenv("FORMCOACH_STORE_PATH")

	require.NoError(t, LoadEnv(path))
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/coach.db", cfg.Store.Path)
}

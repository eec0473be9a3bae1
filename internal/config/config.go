package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/e7canasta/orion-form-coach/internal/audio"
	"github.com/e7canasta/orion-form-coach/internal/estimator"
	"github.com/e7canasta/orion-form-coach/internal/recorder"
	"github.com/e7canasta/orion-form-coach/internal/repphase"
	"github.com/e7canasta/orion-form-coach/internal/session"
	"github.com/e7canasta/orion-form-coach/internal/violation"
)

// Config represents the complete form coach configuration
type Config struct {
	InstanceID       string          `yaml:"instance_id"`
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Camera           CameraConfig    `yaml:"camera"`
	Estimator        EstimatorConfig `yaml:"estimator"`
	Detection        DetectionConfig `yaml:"detection"`
	Rules            RulesConfig     `yaml:"rules"`
	Recorder         RecorderConfig  `yaml:"recorder"`
	Audio            AudioConfig     `yaml:"audio"`
	MQTT             MQTTConfig      `yaml:"mqtt"`
	HTTP             HTTPConfig      `yaml:"http"`
	Store            StoreConfig     `yaml:"store"`
	Log              LogConfig       `yaml:"log"`
}

// CameraConfig contains camera settings
type CameraConfig struct {
	Source string `yaml:"source"` // synthetic, gstcam
	Device string `yaml:"device"` // e.g. /dev/video0
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
	FPS    int    `yaml:"fps"`
}

// EstimatorConfig contains pose backend settings
type EstimatorConfig struct {
	Backend            string   `yaml:"backend"` // synthetic, pyworker
	Command            string   `yaml:"command"` // worker launcher (pyworker only)
	ModelPath          string   `yaml:"model_path"`
	Args               []string `yaml:"args"`
	MinConfidence      float64  `yaml:"min_confidence"`
	FrameSkipCount     int      `yaml:"frame_skip_count"` // 0 disables, N>=2 skips every Nth frame
	InferenceTimeoutMS int      `yaml:"inference_timeout_ms"`
}

// DetectionConfig contains rep phase and violation tuning
type DetectionConfig struct {
	DwellPoses         int     `yaml:"dwell_poses"`
	DwellMS            int     `yaml:"dwell_ms"`
	MinConfidence      float64 `yaml:"min_confidence"`
	MinJointConfidence float64 `yaml:"min_joint_confidence"`
	RepTimeoutMS       int     `yaml:"rep_timeout_ms"`
	ActivateAfter      int     `yaml:"activate_after"`
	ClearAfter         int     `yaml:"clear_after"`
	EmitIntervalMS     int     `yaml:"emit_interval_ms"`
	TickIntervalMS     int     `yaml:"tick_interval_ms"`
	PoseBuffer         int     `yaml:"pose_buffer"`
}

// RulesConfig points at an optional directory of rule files overriding the embedded defaults
type RulesConfig struct {
	Dir string `yaml:"dir"`
}

// RecorderConfig contains session recording settings
type RecorderConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Dir         string `yaml:"dir"`
	Format      string `yaml:"format"` // png, jpeg
	JPEGQuality int    `yaml:"jpeg_quality"`
	SampleEvery int    `yaml:"sample_every"`
}

// AudioConfig contains voice and announcement pacing
type AudioConfig struct {
	Volume              float64 `yaml:"volume"`
	Rate                float64 `yaml:"rate"`
	Pitch               float64 `yaml:"pitch"`
	ViolationCooldownMS int     `yaml:"violation_cooldown_ms"`
	MinGapMS            int     `yaml:"min_gap_ms"`
}

// MQTTConfig contains MQTT broker settings. An empty broker disables MQTT.
type MQTTConfig struct {
	Broker string          `yaml:"broker"`
	Topics MQTTTopics      `yaml:"topics"`
	QoS    map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Control string `yaml:"control"`
	Events  string `yaml:"events"`
	Health  string `yaml:"health"`
	Speech  string `yaml:"speech"`
}

// HTTPConfig contains the API listener
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// StoreConfig contains session persistence settings
type StoreConfig struct {
	Path string `yaml:"path"`
}

// LogConfig contains logger settings
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load reads and parses a YAML configuration file, applies FORMCOACH_*
// environment overrides and validates the result. An empty path uses defaults only.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	ApplyEnv(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a validated configuration with every default filled in.
func Default() *Config {
	var cfg Config
	// Validate cannot fail on an empty config.
	_ = Validate(&cfg)
	return &cfg
}

// ShutdownTimeout returns the graceful shutdown budget.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// SessionConfig maps detection and estimator settings onto orchestrator tuning.
func (c *Config) SessionConfig() session.Config {
	d := c.Detection
	return session.Config{
		RepPhase: repphase.Config{
			DwellPoses:         d.DwellPoses,
			DwellDuration:      ms(d.DwellMS),
			MinConfidence:      d.MinConfidence,
			MinJointConfidence: d.MinJointConfidence,
			Timeout:            ms(d.RepTimeoutMS),
		},
		Violation: violation.Config{
			ActivateAfter:      d.ActivateAfter,
			ClearAfter:         d.ClearAfter,
			EmitInterval:       ms(d.EmitIntervalMS),
			MinConfidence:      d.MinConfidence,
			MinJointConfidence: d.MinJointConfidence,
		},
		Estimator: estimator.Config{
			FrameSkipCount:   c.Estimator.FrameSkipCount,
			MinConfidence:    c.Estimator.MinConfidence,
			InferenceTimeout: ms(c.Estimator.InferenceTimeoutMS),
		},
		PoseBuffer:   d.PoseBuffer,
		TickInterval: ms(d.TickIntervalMS),
		FPSWindow:    c.Camera.FPS,
	}
}

// RecorderConfig returns the frame recorder settings.
func (c *Config) RecorderConfig() recorder.Config {
	return recorder.Config{
		Dir:         c.Recorder.Dir,
		Format:      c.Recorder.Format,
		JPEGQuality: c.Recorder.JPEGQuality,
		SampleEvery: c.Recorder.SampleEvery,
	}
}

// AnnouncerConfig returns the announcement pacing.
func (c *Config) AnnouncerConfig() audio.Config {
	return audio.Config{
		ViolationCooldown: ms(c.Audio.ViolationCooldownMS),
		MinGap:            ms(c.Audio.MinGapMS),
	}
}

// Voice returns the configured speech voice.
func (c *Config) Voice() audio.Voice {
	return audio.Voice{Volume: c.Audio.Volume, Rate: c.Audio.Rate, Pitch: c.Audio.Pitch}
}

// MQTTEnabled reports whether a broker is configured.
func (c *Config) MQTTEnabled() bool {
	return c.MQTT.Broker != ""
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

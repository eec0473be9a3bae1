package config

import (
	"fmt"
	"regexp"
	"strings"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks the configuration and fills defaults for unset fields.
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		cfg.InstanceID = "formcoach"
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	if err := validateCamera(&cfg.Camera); err != nil {
		return err
	}
	if err := validateEstimator(&cfg.Estimator); err != nil {
		return err
	}
	if err := validateDetection(&cfg.Detection); err != nil {
		return err
	}
	if err := validateRecorder(&cfg.Recorder); err != nil {
		return err
	}
	if err := validateAudio(&cfg.Audio); err != nil {
		return err
	}
	validateMQTT(&cfg.MQTT, cfg.InstanceID)

	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "formcoach.db"
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "":
		cfg.Log.Level = "info"
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", cfg.Log.Level)
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "":
		cfg.Log.Format = "json"
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", cfg.Log.Format)
	}

	return nil
}

func validateCamera(c *CameraConfig) error {
	switch c.Source {
	case "":
		c.Source = "synthetic"
	case "synthetic", "gstcam":
	default:
		return fmt.Errorf("camera.source must be synthetic or gstcam, got %q", c.Source)
	}
	if c.Device == "" {
		c.Device = "/dev/video0"
	}
	if c.Width <= 0 {
		c.Width = 640
	}
	if c.Height <= 0 {
		c.Height = 480
	}
	if c.FPS <= 0 {
		c.FPS = 30
	}
	return nil
}

func validateEstimator(e *EstimatorConfig) error {
	switch e.Backend {
	case "":
		e.Backend = "synthetic"
	case "synthetic":
	case "pyworker":
		if e.Command == "" {
			return fmt.Errorf("estimator.command is required for the pyworker backend")
		}
	default:
		return fmt.Errorf("estimator.backend must be synthetic or pyworker, got %q", e.Backend)
	}
	if e.MinConfidence == 0 {
		e.MinConfidence = 0.7
	}
	if e.MinConfidence < 0 || e.MinConfidence > 1 {
		return fmt.Errorf("estimator.min_confidence must be in [0,1], got %v", e.MinConfidence)
	}
	if e.FrameSkipCount < 0 || e.FrameSkipCount == 1 {
		return fmt.Errorf("estimator.frame_skip_count must be 0 or >= 2, got %d", e.FrameSkipCount)
	}
	if e.InferenceTimeoutMS == 0 {
		e.InferenceTimeoutMS = 2000
	}
	if e.InferenceTimeoutMS < 0 {
		return fmt.Errorf("estimator.inference_timeout_ms must be > 0, got %d", e.InferenceTimeoutMS)
	}
	return nil
}

func validateDetection(d *DetectionConfig) error {
	if d.DwellPoses <= 0 {
		d.DwellPoses = 2
	}
	if d.DwellMS < 0 {
		return fmt.Errorf("detection.dwell_ms must be >= 0, got %d", d.DwellMS)
	}
	if d.MinConfidence == 0 {
		d.MinConfidence = 0.7
	}
	if d.MinConfidence < 0 || d.MinConfidence > 1 {
		return fmt.Errorf("detection.min_confidence must be in [0,1], got %v", d.MinConfidence)
	}
	if d.MinJointConfidence == 0 {
		d.MinJointConfidence = 0.5
	}
	if d.MinJointConfidence < 0 || d.MinJointConfidence > 1 {
		return fmt.Errorf("detection.min_joint_confidence must be in [0,1], got %v", d.MinJointConfidence)
	}
	if d.RepTimeoutMS <= 0 {
		d.RepTimeoutMS = 3000
	}
	if d.ActivateAfter <= 0 {
		d.ActivateAfter = 3
	}
	if d.ClearAfter <= 0 {
		d.ClearAfter = 3
	}
	// Negative disables periodic re-emission.
	switch {
	case d.EmitIntervalMS == 0:
		d.EmitIntervalMS = 1000
	case d.EmitIntervalMS < 0:
		d.EmitIntervalMS = 0
	}
	if d.TickIntervalMS <= 0 {
		d.TickIntervalMS = 250
	}
	if d.PoseBuffer <= 0 {
		d.PoseBuffer = 64
	}
	return nil
}

func validateRecorder(r *RecorderConfig) error {
	if r.Dir == "" {
		r.Dir = "recordings"
	}
	switch r.Format {
	case "":
		r.Format = "jpeg"
	case "jpeg", "png":
	default:
		return fmt.Errorf("recorder.format must be jpeg or png, got %q", r.Format)
	}
	if r.JPEGQuality == 0 {
		r.JPEGQuality = 85
	}
	if r.JPEGQuality < 1 || r.JPEGQuality > 100 {
		return fmt.Errorf("recorder.jpeg_quality must be in [1,100], got %d", r.JPEGQuality)
	}
	if r.SampleEvery <= 0 {
		r.SampleEvery = 1
	}
	return nil
}

// validateAudio treats zero voice fields as unset.
func validateAudio(a *AudioConfig) error {
	if a.Volume == 0 {
		a.Volume = 1
	}
	if a.Rate == 0 {
		a.Rate = 1
	}
	if a.Pitch == 0 {
		a.Pitch = 1
	}
	if a.ViolationCooldownMS <= 0 {
		a.ViolationCooldownMS = 5000
	}
	if a.MinGapMS <= 0 {
		a.MinGapMS = 1500
	}
	v := (&Config{Audio: *a}).Voice()
	if err := v.Validate(); err != nil {
		return fmt.Errorf("audio: %w", err)
	}
	return nil
}

func validateMQTT(m *MQTTConfig, instanceID string) {
	if m.Topics.Control == "" {
		m.Topics.Control = fmt.Sprintf("formcoach/control/%s", instanceID)
	}
	if m.Topics.Events == "" {
		m.Topics.Events = fmt.Sprintf("formcoach/events/%s", instanceID)
	}
	if m.Topics.Health == "" {
		m.Topics.Health = fmt.Sprintf("formcoach/health/%s", instanceID)
	}
	if m.Topics.Speech == "" {
		m.Topics.Speech = fmt.Sprintf("formcoach/speech/%s", instanceID)
	}

	if m.QoS == nil {
		m.QoS = map[string]byte{
			"control": 1,
			"events":  1,
			"health":  0,
			"speech":  1,
		}
	}
}

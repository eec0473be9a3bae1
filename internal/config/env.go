package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FORMCOACH_"

// LoadEnv reads .env files into the process environment. With no paths,
// ".env" is used. A missing file returns an error that callers may ignore.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvFloat is GetEnvInt for floats.
func GetEnvFloat(key string, fallback float64) float64 {
	if s := os.Getenv(key); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return fallback
}

// ApplyEnv overrides file values with FORMCOACH_* environment variables.
func ApplyEnv(cfg *Config) {
	cfg.InstanceID = GetEnv(EnvPrefix+"INSTANCE_ID", cfg.InstanceID)

	cfg.Camera.Source = GetEnv(EnvPrefix+"CAMERA_SOURCE", cfg.Camera.Source)
	cfg.Camera.Device = GetEnv(EnvPrefix+"CAMERA_DEVICE", cfg.Camera.Device)
	cfg.Camera.FPS = GetEnvInt(EnvPrefix+"CAMERA_FPS", cfg.Camera.FPS)

	cfg.Estimator.Backend = GetEnv(EnvPrefix+"ESTIMATOR_BACKEND", cfg.Estimator.Backend)
	cfg.Estimator.Command = GetEnv(EnvPrefix+"ESTIMATOR_COMMAND", cfg.Estimator.Command)
	cfg.Estimator.ModelPath = GetEnv(EnvPrefix+"ESTIMATOR_MODEL", cfg.Estimator.ModelPath)
	cfg.Estimator.MinConfidence = GetEnvFloat(EnvPrefix+"MIN_CONFIDENCE", cfg.Estimator.MinConfidence)
	cfg.Estimator.FrameSkipCount = GetEnvInt(EnvPrefix+"FRAME_SKIP", cfg.Estimator.FrameSkipCount)

	cfg.Rules.Dir = GetEnv(EnvPrefix+"RULES_DIR", cfg.Rules.Dir)
	cfg.Recorder.Dir = GetEnv(EnvPrefix+"RECORDER_DIR", cfg.Recorder.Dir)
	if s := os.Getenv(EnvPrefix + "RECORDER_ENABLED"); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			cfg.Recorder.Enabled = b
		}
	}

	cfg.MQTT.Broker = GetEnv(EnvPrefix+"MQTT_BROKER", cfg.MQTT.Broker)
	cfg.HTTP.Addr = GetEnv(EnvPrefix+"HTTP_ADDR", cfg.HTTP.Addr)
	cfg.Store.Path = GetEnv(EnvPrefix+"STORE_PATH", cfg.Store.Path)
	cfg.Log.Level = GetEnv(EnvPrefix+"LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = GetEnv(EnvPrefix+"LOG_FORMAT", cfg.Log.Format)
}

package cli

import (
	"errors"
	"io/fs"
	"log/slog"

	"github.com/e7canasta/orion-form-coach/internal/config"
)

// loadConfig loads the dotenv file, then the configuration file with
// FORMCOACH_* overrides. A missing dotenv file is not an error.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	if opts.EnvFile != "" {
		if err := config.LoadEnv(opts.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("cli: env file not loaded", "path", opts.EnvFile, "error", err)
		}
	}
	return config.Load(opts.ConfigPath)
}

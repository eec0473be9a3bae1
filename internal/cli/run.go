package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/e7canasta/orion-form-coach/internal/core"
	"github.com/e7canasta/orion-form-coach/internal/logger"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Exercise string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the form coach service",
		Long: `Run the form coach service: camera capture, pose estimation, rep counting
and form feedback, with the HTTP API and optional MQTT control.

The service runs until SIGINT or SIGTERM, then finishes the active session
and shuts down within the configured timeout.`,
		Example: `  formcoach run --config config/formcoach.yaml
  formcoach run --exercise squat`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(opts)
		},
	}

	cmd.Flags().StringVar(&opts.Exercise, "exercise", "", "start a session for this exercise immediately")

	return cmd
}

func runService(opts *RunOptions) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load configuration", err)
	}

	level := cfg.Log.Level
	if opts.Verbose {
		level = "debug"
	}
	log := logger.New(level, cfg.Log.Format)
	slog.SetDefault(log)

	slog.Info("starting form coach",
		"config", opts.ConfigPath,
		"instance_id", cfg.InstanceID,
		"http", cfg.HTTP.Addr,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sources := core.SyntheticSources
	if cfg.Camera.Source == "gstcam" {
		if opts.Cameras == nil {
			return NewExitError(ExitCommandError, "camera source gstcam is not available in this build")
		}
		sources = opts.Cameras
	}

	coach, err := core.NewCoach(cfg, core.Options{
		Sources:  sources,
		Exercise: opts.Exercise,
		Logger:   log,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create form coach", err)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- coach.Run(ctx)
	}()

	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	case runErr = <-errChan:
		if runErr != nil {
			slog.Error("service error", "error", runErr)
		}
	}

	shutdownTimeout := cfg.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := coach.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitFailure, "shutdown failed", err)
	}
	if runErr != nil {
		return WrapExitError(ExitFailure, "service error", runErr)
	}

	slog.Info("form coach stopped")
	return nil
}

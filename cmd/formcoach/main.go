package main

import (
	"fmt"
	"os"

	"github.com/e7canasta/orion-form-coach/internal/cli"
	"github.com/e7canasta/orion-form-coach/internal/config"
	"github.com/e7canasta/orion-form-coach/internal/framesource"
	"github.com/e7canasta/orion-form-coach/internal/framesource/gstcam"
)

func main() {
	if err := cli.NewRootCommand(openCamera).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}

// openCamera opens a V4L2 camera through GStreamer.
func openCamera(cam config.CameraConfig) (framesource.FrameSource, error) {
	return gstcam.New(gstcam.Config{
		Device:    cam.Device,
		Width:     cam.Width,
		Height:    cam.Height,
		TargetFPS: float64(cam.FPS),
	})
}

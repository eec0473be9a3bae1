package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// commandTimeout bounds lifecycle operations triggered from the control plane.
const commandTimeout = 10 * time.Second

func (c *Coach) commandContext() (context.Context, context.CancelFunc) {
	c.mu.RLock()
	parent := c.runCtx
	c.mu.RUnlock()
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, commandTimeout)
}

// getStatus returns the current service status
func (c *Coach) getStatus() map[string]interface{} {
	c.mu.RLock()
	started, running := c.started, c.isRunning
	c.mu.RUnlock()

	snap := c.orchestrator.Snapshot()
	est := c.orchestrator.EstimatorStats()
	ann := c.announcer.Stats()

	status := map[string]interface{}{
		"instance_id": c.cfg.InstanceID,
		"uptime_s":    time.Since(started).Seconds(),
		"running":     running,
		"session": map[string]interface{}{
			"state":        snap.State,
			"session_id":   snap.SessionID,
			"exercise":     snap.Exercise,
			"rep_count":    snap.RepCount,
			"phase":        snap.Phase,
			"is_detecting": snap.IsDetecting,
			"camera_fps":   snap.CameraFPS,
			"error":        snap.Err,
		},
		"estimator": map[string]interface{}{
			"received":       est.Received,
			"emitted":        est.Emitted,
			"dropped_busy":   est.DroppedBusy,
			"skipped":        est.Skipped,
			"failures":       est.Failures,
			"low_confidence": est.LowConfidence,
			"generation":     est.Generation,
		},
		"audio": map[string]interface{}{
			"spoken":     ann.Spoken,
			"suppressed": ann.Suppressed,
			"failed":     ann.Failed,
		},
	}
	if c.emitter != nil {
		es := c.emitter.Stats()
		status["emitter"] = map[string]interface{}{
			"connected": es.Connected,
			"published": es.Published,
			"dropped":   es.Dropped,
			"errors":    es.Errors,
		}
	}
	return status
}

func (c *Coach) startSession(exercise string) error {
	ctx, cancel := c.commandContext()
	defer cancel()
	return c.orchestrator.StartSession(ctx, exercise)
}

func (c *Coach) finishSession() (map[string]interface{}, error) {
	ctx, cancel := c.commandContext()
	defer cancel()

	s, err := c.orchestrator.FinishSession(ctx)
	if s == nil {
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("no session")
	}
	data := map[string]interface{}{
		"session_id":         s.ID,
		"exercise":           s.Exercise,
		"rep_count":          s.RepCount,
		"average_form_score": s.AverageFormScore,
		"violations":         s.ViolationFrequency,
	}
	return data, err
}

func (c *Coach) pauseSession() error {
	ctx, cancel := c.commandContext()
	defer cancel()
	return c.orchestrator.Pause(ctx)
}

func (c *Coach) resumeSession() error {
	ctx, cancel := c.commandContext()
	defer cancel()
	return c.orchestrator.Resume(ctx)
}

func (c *Coach) switchCamera(device string) error {
	cam := c.cfg.Camera
	cam.Device = device
	src, err := c.opts.Sources(cam)
	if err != nil {
		return fmt.Errorf("failed to open camera %s: %w", device, err)
	}

	ctx, cancel := c.commandContext()
	defer cancel()
	if err := c.orchestrator.SwitchCamera(ctx, src); err != nil {
		return err
	}
	slog.Info("core: camera switched via control plane", "device", device)
	return nil
}

// Package core wires the form coach service: camera, pose backend, session
// orchestrator, persistence, HTTP API and the optional MQTT planes.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/e7canasta/orion-form-coach/internal/audio"
	"github.com/e7canasta/orion-form-coach/internal/config"
	"github.com/e7canasta/orion-form-coach/internal/control"
	"github.com/e7canasta/orion-form-coach/internal/emitter"
	"github.com/e7canasta/orion-form-coach/internal/estimator"
	"github.com/e7canasta/orion-form-coach/internal/estimator/pyworker"
	"github.com/e7canasta/orion-form-coach/internal/framesource"
	"github.com/e7canasta/orion-form-coach/internal/httpapi"
	"github.com/e7canasta/orion-form-coach/internal/metrics"
	"github.com/e7canasta/orion-form-coach/internal/recorder"
	"github.com/e7canasta/orion-form-coach/internal/rules"
	"github.com/e7canasta/orion-form-coach/internal/session"
	"github.com/e7canasta/orion-form-coach/internal/store"
)

const healthInterval = 30 * time.Second

// SourceFactory opens the camera for a device path.
type SourceFactory func(cfg config.CameraConfig) (framesource.FrameSource, error)

// Options are the collaborators a Coach cannot build from config alone.
type Options struct {
	// Sources opens cameras; defaults to synthetic sources
	Sources SourceFactory
	// Backend overrides the configured pose backend
	Backend estimator.Backend
	// Exercise, when set, starts a session as soon as Run begins
	Exercise string
	// Logger for HTTP request logging; defaults to slog.Default()
	Logger *slog.Logger
}

// Coach is the main service
type Coach struct {
	cfg  *config.Config
	opts Options

	metrics      *metrics.Metrics
	store        *store.Store
	orchestrator *session.Orchestrator
	announcer    *audio.Announcer
	speaker      audio.Speaker
	emitter      *emitter.MQTTEmitter
	control      *control.Handler
	backend      estimator.Backend
	server       *http.Server

	mu        sync.RWMutex
	wg        sync.WaitGroup
	started   time.Time
	isRunning bool
	runCtx    context.Context
}

// NewCoach builds every component from cfg. Nothing is started.
func NewCoach(cfg *config.Config, opts Options) (*Coach, error) {
	if opts.Sources == nil {
		opts.Sources = SyntheticSources
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &Coach{cfg: cfg, opts: opts, metrics: metrics.New()}

	src, err := opts.Sources(cfg.Camera)
	if err != nil {
		return nil, fmt.Errorf("failed to open camera: %w", err)
	}

	c.backend = opts.Backend
	if c.backend == nil {
		if c.backend, err = newBackend(cfg.Estimator); err != nil {
			return nil, err
		}
	}

	c.store, err = store.NewStore(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	c.speaker = audio.NewLogSpeaker()
	if cfg.MQTTEnabled() {
		c.emitter = emitter.NewMQTTEmitter(cfg)
		c.speaker = c.emitter
	}
	if err := c.speaker.SetVoice(cfg.Voice()); err != nil {
		c.store.Close()
		return nil, fmt.Errorf("invalid voice: %w", err)
	}
	c.announcer = audio.NewAnnouncer(c.speaker, cfg.AnnouncerConfig())

	deps := session.Deps{
		Rules:             rules.NewFileRepository(cfg.Rules.Dir),
		Source:            src,
		Backend:           c.backend,
		Persister:         &persister{store: c.store, metrics: c.metrics},
		Announcer:         c.announcer,
		Observer:          c.metrics,
		EstimatorObserver: c.metrics,
	}
	if c.emitter != nil {
		deps.Publisher = c.emitter
	}
	if cfg.Recorder.Enabled {
		rec, err := recorder.New(cfg.RecorderConfig())
		if err != nil {
			c.store.Close()
			return nil, fmt.Errorf("failed to create recorder: %w", err)
		}
		deps.Recorder = rec
	}

	c.orchestrator, err = session.New(cfg.SessionConfig(), deps)
	if err != nil {
		c.store.Close()
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	slog.Info("core: coach configured",
		"instance_id", cfg.InstanceID,
		"camera", cfg.Camera.Source,
		"device", src.DeviceID(),
		"backend", cfg.Estimator.Backend,
		"mqtt", cfg.MQTTEnabled(),
		"recorder", cfg.Recorder.Enabled,
		"store", cfg.Store.Path,
	)
	return c, nil
}

func newBackend(cfg config.EstimatorConfig) (estimator.Backend, error) {
	switch cfg.Backend {
	case "pyworker":
		w, err := pyworker.New(pyworker.Config{
			Command:   cfg.Command,
			ModelPath: cfg.ModelPath,
			Args:      cfg.Args,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create pose worker: %w", err)
		}
		return w, nil
	default:
		return estimator.NewSyntheticBackend(), nil
	}
}

// SyntheticSources is the default SourceFactory.
func SyntheticSources(cfg config.CameraConfig) (framesource.FrameSource, error) {
	return framesource.NewSyntheticSource(cfg.Device, cfg.Width, cfg.Height, cfg.FPS), nil
}

// Orchestrator exposes the session orchestrator.
func (c *Coach) Orchestrator() *session.Orchestrator {
	return c.orchestrator
}

// Handler returns the HTTP API handler.
func (c *Coach) Handler() http.Handler {
	return httpapi.NewHandler(c.orchestrator, c.store, c.opts.Logger, c.metrics).Router()
}

// Run starts the HTTP API and the MQTT planes, optionally starts a session,
// and blocks until ctx is cancelled.
func (c *Coach) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.isRunning {
		c.mu.Unlock()
		return fmt.Errorf("coach is already running")
	}
	c.isRunning = true
	c.started = time.Now()
	c.runCtx = ctx
	c.mu.Unlock()

	c.server = &http.Server{Addr: c.cfg.HTTP.Addr, Handler: c.Handler()}
	serverErr := make(chan error, 1)
	go func() {
		if err := c.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	slog.Info("core: http api listening", "addr", c.cfg.HTTP.Addr)

	if c.emitter != nil {
		if err := c.startMQTT(ctx); err != nil {
			return err
		}
	}

	if c.opts.Exercise != "" {
		if err := c.orchestrator.StartSession(ctx, c.opts.Exercise); err != nil {
			slog.Error("core: initial session failed", "exercise", c.opts.Exercise, "error", err)
		}
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	}
}

func (c *Coach) startMQTT(ctx context.Context) error {
	if err := c.emitter.Connect(ctx); err != nil {
		return err
	}

	c.control = control.NewHandler(c.cfg, c.emitter.Client, control.CommandCallbacks{
		OnGetStatus:     c.getStatus,
		OnStartSession:  c.startSession,
		OnFinishSession: c.finishSession,
		OnPause:         c.pauseSession,
		OnResume:        c.resumeSession,
		OnSwitchCamera:  c.switchCamera,
		OnSetVoice:      c.speaker.SetVoice,
		OnGetVoice:      c.speaker.Voice,
	})
	if err := c.control.Start(ctx); err != nil {
		return err
	}

	c.wg.Add(1)
	go c.publishHealth(ctx)
	return nil
}

func (c *Coach) publishHealth(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, err := json.Marshal(c.getStatus())
			if err != nil {
				slog.Warn("core: marshal health", "error", err)
				continue
			}
			if err := c.emitter.PublishHealth(payload); err != nil {
				slog.Debug("core: health not published", "error", err)
			}
		}
	}
}

// Shutdown finishes any active session and releases every component.
// Release failures are logged.
func (c *Coach) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if !c.isRunning {
		c.mu.Unlock()
		c.orchestrator.Dispose()
		c.closeStore()
		return nil
	}
	c.isRunning = false
	uptime := time.Since(c.started)
	c.mu.Unlock()

	slog.Info("core: shutting down")

	// 1. Stop accepting commands
	if c.control != nil {
		if err := c.control.Stop(); err != nil {
			slog.Error("core: failed to stop control handler", "error", err)
		}
	}

	// 2. Finish and persist the session, release camera and backend
	c.orchestrator.Dispose()

	// 3. Drain HTTP
	if c.server != nil {
		if err := c.server.Shutdown(ctx); err != nil {
			slog.Error("core: http shutdown", "error", err)
		}
	}

	c.wg.Wait()

	// 4. Flush MQTT
	if c.emitter != nil {
		if err := c.emitter.Disconnect(); err != nil {
			slog.Error("core: failed to disconnect mqtt", "error", err)
		}
	}

	c.closeStore()

	slog.Info("core: shutdown complete", "uptime", uptime)
	return nil
}

func (c *Coach) closeStore() {
	if err := c.store.Close(); err != nil {
		slog.Error("core: failed to close store", "error", err)
	}
}

// persister saves sessions and counts them.
type persister struct {
	store   *store.Store
	metrics *metrics.Metrics
}

func (p *persister) SaveSession(ctx context.Context, s *session.Session) error {
	if err := p.store.SaveSession(ctx, s); err != nil {
		return err
	}
	p.metrics.IncSessionsPersisted()
	return nil
}

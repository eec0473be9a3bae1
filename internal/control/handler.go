// Package control runs the MQTT control plane: JSON commands arrive on the
// control topic and responses are published to the health topic.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-form-coach/internal/audio"
	"github.com/e7canasta/orion-form-coach/internal/config"
)

// Command represents a control plane command
type Command struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string                 `json:"command_ack"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  string                 `json:"timestamp"`
}

// CommandCallbacks contains callback functions for commands.
// A nil callback answers "<command> not implemented".
type CommandCallbacks struct {
	OnGetStatus     func() map[string]interface{}
	OnStartSession  func(exercise string) error
	OnFinishSession func() (map[string]interface{}, error)
	OnPause         func() error
	OnResume        func() error
	OnSwitchCamera  func(device string) error
	OnSetVoice      func(v audio.Voice) error
	// OnGetVoice returns the current voice; set_voice only changes the parameters it names
	OnGetVoice func() audio.Voice
}

// Handler handles control plane commands
type Handler struct {
	cfg       *config.Config
	client    mqtt.Client
	commands  chan Command
	callbacks CommandCallbacks

	mu       sync.RWMutex
	closed   bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHandler creates a new control plane handler
func NewHandler(cfg *config.Config, client mqtt.Client, callbacks CommandCallbacks) *Handler {
	return &Handler{
		cfg:       cfg,
		client:    client,
		commands:  make(chan Command, 10),
		callbacks: callbacks,
	}
}

// Start subscribes to the control topic and processes commands until ctx is
// cancelled or Stop is called.
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.MQTT.Topics.Control
	qos := h.cfg.MQTT.QoS["control"]

	slog.Info("control: subscribing to control plane", "topic", topic, "qos", qos)

	token := h.client.Subscribe(topic, qos, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control: subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control: subscription failed: %w", err)
	}

	slog.Info("control: handler started")

	h.wg.Add(1)
	go h.processCommands(ctx)

	return nil
}

// Stop unsubscribes and waits for the command goroutine.
func (h *Handler) Stop() error {
	h.stopOnce.Do(func() {
		if h.client != nil && h.client.IsConnected() {
			token := h.client.Unsubscribe(h.cfg.MQTT.Topics.Control)
			token.WaitTimeout(2 * time.Second)
		}
		h.mu.Lock()
		h.closed = true
		close(h.commands)
		h.mu.Unlock()
		h.wg.Wait()
		slog.Info("control: handler stopped")
	})
	return nil
}

// messageHandler is called by paho for every control message
func (h *Handler) messageHandler(client mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Warn("control: failed to parse command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	slog.Info("control: command received", "command", cmd.Command)

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	select {
	case h.commands <- cmd:
	default:
		slog.Warn("control: command queue full, dropping command", "command", cmd.Command)
	}
}

func (h *Handler) processCommands(ctx context.Context) {
	defer h.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-h.commands:
			if !ok {
				return
			}
			h.sendResponse(h.handleCommand(cmd))
		}
	}
}

// handleCommand executes a command and builds its response
func (h *Handler) handleCommand(cmd Command) Response {
	resp := Response{CommandAck: cmd.Command}
	cb := h.callbacks

	switch cmd.Command {
	case "get_status":
		if cb.OnGetStatus == nil {
			return notImplemented(resp)
		}
		resp.Status = "success"
		resp.Data = cb.OnGetStatus()

	case "start_session":
		if cb.OnStartSession == nil {
			return notImplemented(resp)
		}
		exercise, ok := cmd.Params["exercise"].(string)
		if !ok || exercise == "" {
			return failed(resp, "missing or invalid 'exercise' parameter (expected string)")
		}
		if err := cb.OnStartSession(exercise); err != nil {
			return failed(resp, err.Error())
		}
		resp.Status = "running"
		resp.Data = map[string]interface{}{"exercise": exercise}

	case "finish_session":
		if cb.OnFinishSession == nil {
			return notImplemented(resp)
		}
		data, err := cb.OnFinishSession()
		resp.Data = data
		if err != nil {
			return failed(resp, err.Error())
		}
		resp.Status = "stopped"

	case "pause_session":
		if cb.OnPause == nil {
			return notImplemented(resp)
		}
		if err := cb.OnPause(); err != nil {
			return failed(resp, err.Error())
		}
		resp.Status = "paused"
		resp.Data = map[string]interface{}{"detecting": false}

	case "resume_session":
		if cb.OnResume == nil {
			return notImplemented(resp)
		}
		if err := cb.OnResume(); err != nil {
			return failed(resp, err.Error())
		}
		resp.Status = "running"
		resp.Data = map[string]interface{}{"detecting": true}

	case "switch_camera":
		if cb.OnSwitchCamera == nil {
			return notImplemented(resp)
		}
		device, ok := cmd.Params["device"].(string)
		if !ok || device == "" {
			return failed(resp, "missing or invalid 'device' parameter (expected string)")
		}
		if err := cb.OnSwitchCamera(device); err != nil {
			return failed(resp, err.Error())
		}
		resp.Status = "success"
		resp.Data = map[string]interface{}{"device": device}

	case "set_voice":
		if cb.OnSetVoice == nil {
			return notImplemented(resp)
		}
		v := audio.DefaultVoice()
		if cb.OnGetVoice != nil {
			v = cb.OnGetVoice()
		}
		if f, ok := cmd.Params["volume"].(float64); ok {
			v.Volume = f
		}
		if f, ok := cmd.Params["rate"].(float64); ok {
			v.Rate = f
		}
		if f, ok := cmd.Params["pitch"].(float64); ok {
			v.Pitch = f
		}
		if err := cb.OnSetVoice(v); err != nil {
			return failed(resp, err.Error())
		}
		resp.Status = "success"
		resp.Data = map[string]interface{}{"volume": v.Volume, "rate": v.Rate, "pitch": v.Pitch}

	default:
		return failed(resp, fmt.Sprintf("unknown command: %s", cmd.Command))
	}

	return resp
}

func notImplemented(resp Response) Response {
	return failed(resp, resp.CommandAck+" not implemented")
}

func failed(resp Response, msg string) Response {
	resp.Status = "error"
	resp.Error = msg
	return resp
}

// sendResponse publishes a response to the health topic
func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("control: failed to marshal response", "error", err)
		return
	}

	topic := h.cfg.MQTT.Topics.Health
	qos := h.cfg.MQTT.QoS["health"]

	token := h.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Error("control: response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("control: failed to publish response", "error", err)
		return
	}

	slog.Debug("control: response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}

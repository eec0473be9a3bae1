// Package framesource delivers camera frames by push callback.
//
// A FrameSource owns a physical capture device exclusively while started.
// After Stop returns no further callback is invoked.
package framesource

import (
	"errors"
	"fmt"
	"sync"

	"github.com/e7canasta/orion-form-coach/internal/types"
)

var (
	// ErrPermissionDenied is returned when the process may not open the device.
	ErrPermissionDenied = errors.New("framesource: camera permission denied")
	// ErrDeviceUnavailable is returned when the device is missing or held by another owner.
	ErrDeviceUnavailable = errors.New("framesource: camera device unavailable")
	// ErrAlreadyActive is returned by Start on a source that is already delivering.
	ErrAlreadyActive = errors.New("framesource: stream already active")
)

// FrameCallback receives each delivered frame. It runs on the delivery
// goroutine and must return quickly; it must not call Stop.
type FrameCallback func(frame *types.Frame)

// FrameSource pushes frames from a capture device.
type FrameSource interface {
	// Start begins delivery. Fails with ErrAlreadyActive when started.
	Start(onFrame FrameCallback) error
	// Stop ends delivery and waits for an in-flight callback. Idempotent.
	Stop() error
	// DeviceID identifies the capture device.
	DeviceID() string
}

// Device lock registry: one owner per physical device per process.
var devices = struct {
	sync.Mutex
	held map[string]bool
}{held: make(map[string]bool)}

// AcquireDevice takes exclusive ownership of a device.
func AcquireDevice(id string) error {
	devices.Lock()
	defer devices.Unlock()
	if devices.held[id] {
		return fmt.Errorf("%w: %s is in use", ErrDeviceUnavailable, id)
	}
	devices.held[id] = true
	return nil
}

// ReleaseDevice gives up ownership of a device. Releasing a free device is a no-op.
func ReleaseDevice(id string) {
	devices.Lock()
	delete(devices.held, id)
	devices.Unlock()
}

// DeviceHeld reports whether a device is currently owned.
func DeviceHeld(id string) bool {
	devices.Lock()
	defer devices.Unlock()
	return devices.held[id]
}

// Gate serializes frame delivery against Stop: Close blocks until an
// in-flight callback returns, and no callback runs after Close.
type Gate struct {
	mu sync.RWMutex
	cb FrameCallback
}

// Open installs the callback and starts accepting deliveries.
func (g *Gate) Open(cb FrameCallback) {
	g.mu.Lock()
	g.cb = cb
	g.mu.Unlock()
}

// Deliver invokes the callback unless the gate is closed.
func (g *Gate) Deliver(frame *types.Frame) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.cb == nil {
		return false
	}
	g.cb(frame)
	return true
}

// Close stops deliveries, waiting for the in-flight one.
func (g *Gate) Close() {
	g.mu.Lock()
	g.cb = nil
	g.mu.Unlock()
}

package gstcam

import (
	"errors"
	"testing"

	"github.com/e7canasta/orion-form-coach/internal/framesource"
)

func TestClassifyMessage(t *testing.T) {
	tests := []struct {
		msg, debug string
		want       ErrorCategory
	}{
		{"Could not open device '/dev/video0' for reading and writing.", "system error: Permission denied", ErrCategoryPermission},
		{"Device '/dev/video0' is busy", "", ErrCategoryDevice},
		{"Cannot identify device '/dev/video9'.", "No such file or directory", ErrCategoryDevice},
		{"Internal data stream error.", "streaming stopped, reason not-negotiated (-4): not negotiated", ErrCategoryFormat},
		{"Something odd", "", ErrCategoryUnknown},
	}

	for _, tt := range tests {
		if got := ClassifyMessage(tt.msg, tt.debug); got != tt.want {
			t.Errorf("ClassifyMessage(%q, %q) = %s, want %s", tt.msg, tt.debug, got, tt.want)
		}
	}
}

func TestToSourceError(t *testing.T) {
	if err := toSourceError(ErrCategoryPermission, "x"); !errors.Is(err, framesource.ErrPermissionDenied) {
		t.Errorf("expected ErrPermissionDenied, got %v", err)
	}
	if err := toSourceError(ErrCategoryDevice, "x"); !errors.Is(err, framesource.ErrDeviceUnavailable) {
		t.Errorf("expected ErrDeviceUnavailable, got %v", err)
	}
}

func TestBuildCaps(t *testing.T) {
	tests := []struct {
		fps  float64
		want string
	}{
		{30, "video/x-raw,format=RGB,width=640,height=480,framerate=30/1"},
		{0.5, "video/x-raw,format=RGB,width=640,height=480,framerate=1/2"},
	}
	for _, tt := range tests {
		if got := buildCaps(640, 480, tt.fps); got != tt.want {
			t.Errorf("buildCaps(%v) = %q, want %q", tt.fps, got, tt.want)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{Width: 640, Height: 480}); err == nil {
		t.Error("expected error for missing device")
	}
	if _, err := New(Config{Device: "/dev/video0"}); err == nil {
		t.Error("expected error for missing resolution")
	}
	src, err := New(Config{Device: "/dev/video0", Width: 640, Height: 480})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if src.DeviceID() != "/dev/video0" {
		t.Errorf("unexpected device id %q", src.DeviceID())
	}
}

package gstcam

import (
	"fmt"
	"strings"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/e7canasta/orion-form-coach/internal/framesource"
)

// ErrorCategory classifies GStreamer errors raised while opening a camera
type ErrorCategory int

const (
	// ErrCategoryPermission indicates the process may not open the device node
	ErrCategoryPermission ErrorCategory = iota
	// ErrCategoryDevice indicates a missing, busy or unusable device
	ErrCategoryDevice
	// ErrCategoryFormat indicates caps negotiation failures
	ErrCategoryFormat
	// ErrCategoryUnknown indicates unclassified errors
	ErrCategoryUnknown
)

func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryPermission:
		return "permission"
	case ErrCategoryDevice:
		return "device"
	case ErrCategoryFormat:
		return "format"
	default:
		return "unknown"
	}
}

var (
	permissionKeywords = []string{"permission denied", "not permitted", "eacces", "eperm"}
	deviceKeywords     = []string{
		"busy",
		"no such file",
		"cannot identify device",
		"could not open device",
		"not a capture device",
		"no such device",
		"resource not found",
		"failed to allocate",
	}
	formatKeywords = []string{"not negotiated", "negotiation", "caps", "format"}
)

// ClassifyMessage categorizes an error message and its debug string.
func ClassifyMessage(errMsg, debugStr string) ErrorCategory {
	combined := strings.ToLower(errMsg + " " + debugStr)
	switch {
	case containsAny(combined, permissionKeywords):
		return ErrCategoryPermission
	case containsAny(combined, deviceKeywords):
		return ErrCategoryDevice
	case containsAny(combined, formatKeywords):
		return ErrCategoryFormat
	default:
		return ErrCategoryUnknown
	}
}

// ClassifyGStreamerError categorizes a pipeline error.
func ClassifyGStreamerError(gerr *gst.GError) ErrorCategory {
	if gerr == nil {
		return ErrCategoryUnknown
	}
	return ClassifyMessage(gerr.Error(), gerr.DebugString())
}

// toSourceError maps a category onto the framesource error taxonomy.
func toSourceError(category ErrorCategory, msg string) error {
	if category == ErrCategoryPermission {
		return fmt.Errorf("%w: %s", framesource.ErrPermissionDenied, msg)
	}
	return fmt.Errorf("%w: %s [%s]", framesource.ErrDeviceUnavailable, msg, category)
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

package camera

import (
	"errors"
	"os"
	"strings"
	"syscall"

	"github.com/pion/mediadevices/pkg/driver/availability"
)

// Category groups camera access failures for the dashboard.
type Category string

const (
	CategoryNone             Category = ""
	CategoryPermissionDenied Category = "permission_denied"
	CategoryDeviceBusy       Category = "device_busy"
	CategoryUnsupported      Category = "unsupported"
	CategoryUnknown          Category = "unknown"
)

var (
	ErrPermissionDenied = errors.New("camera permission denied")
	ErrDeviceBusy       = errors.New("camera device busy")
	ErrUnsupported      = errors.New("no supported camera")
	ErrStreamClosed     = errors.New("stream closed")
)

// Classify maps an open error onto a Category. Typed errors are checked first;
// driver errors that only carry text fall back to message matching.
func Classify(err error) Category {
	switch {
	case err == nil:
		return CategoryNone
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, os.ErrPermission),
		errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return CategoryPermissionDenied
	case errors.Is(err, ErrDeviceBusy), errors.Is(err, syscall.EBUSY):
		return CategoryDeviceBusy
	case errors.Is(err, ErrUnsupported), errors.Is(err, availability.ErrNoDevice),
		errors.Is(err, os.ErrNotExist), errors.Is(err, syscall.ENODEV), errors.Is(err, syscall.ENOENT):
		return CategoryUnsupported
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission denied"), strings.Contains(msg, "not permitted"):
		return CategoryPermissionDenied
	case strings.Contains(msg, "busy"):
		return CategoryDeviceBusy
	case strings.Contains(msg, "not supported"), strings.Contains(msg, "no such device"),
		strings.Contains(msg, "failed to find"), strings.Contains(msg, "no camera"):
		return CategoryUnsupported
	}
	return CategoryUnknown
}

// UserMessage is the text shown to the user for a category.
func UserMessage(c Category) string {
	switch c {
	case CategoryPermissionDenied:
		return "Camera access was denied. Grant permission and start the camera again."
	case CategoryDeviceBusy:
		return "The camera is in use by another application."
	case CategoryUnsupported:
		return "No supported camera was found."
	case CategoryNone:
		return ""
	default:
		return "The camera could not be started."
	}
}

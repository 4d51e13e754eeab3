package link

import (
	"context"
	"errors"

	"github.com/dougsko/sotacat/pkg/cat"
)

// Link error kinds. Every failed operation wraps exactly one of these (or
// cat.ErrOutOfRange for values that cannot be encoded).
var (
	ErrInvalidState      = errors.New("invalid link state")
	ErrBusy              = errors.New("command already in flight")
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrDeviceRejected    = errors.New("device rejected command")
	ErrTimeout           = errors.New("no response from device")
	ErrLinkFault         = errors.New("link fault")
	ErrLinkClosed        = errors.New("link closed")
)

// Error describes a failed link operation.
type Error struct {
	Op      string // open, close, tune, send
	Command string // sub-command being exchanged, if any
	Kind    error  // one of the Err* kinds above
	Err     error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	s := "link " + e.Op
	if e.Command != "" {
		s += " (" + e.Command + ")"
	}
	s += ": " + e.Kind.Error()
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindOf returns a stable name for the kind of err, suitable for APIs and
// storage. It returns "" for nil.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, cat.ErrOutOfRange):
		return "out_of_range"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrDeviceUnavailable):
		return "device_unavailable"
	case errors.Is(err, ErrDeviceRejected):
		return "device_rejected"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrLinkFault):
		return "link_fault"
	case errors.Is(err, ErrLinkClosed):
		return "link_closed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal"
	}
}

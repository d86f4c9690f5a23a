package flexray

import (
	"context"
	"errors"

	"myoblink/types"
)

// Failure reasons reported by drivers. Drivers wrap these so callers can
// classify with errors.Is.
var (
	ErrDeviceBusy   = errors.New("flexray: device busy")
	ErrNotFound     = errors.New("flexray: device not found")
	ErrPermission   = errors.New("flexray: permission denied")
	ErrDisconnected = errors.New("flexray: disconnected")
	ErrNoData       = errors.New("flexray: no data")
	ErrClosed       = errors.New("flexray: session closed")
)

// Driver turns a bus description into a live session.
// Connect must not retain or modify desc.
type Driver interface {
	Connect(ctx context.Context, desc BusDescription) (Session, error)
}

// Session is one live connection to the bridge.
type Session interface {
	// Ganglia lists the ids of the enumerated ganglia, ascending.
	Ganglia() []int
	Read(ctx context.Context, addr Address) (types.MuscleState, error)
	Write(ctx context.Context, addr Address, mode ControlMode, setpoint float64) error
	Close() error
}

// ReadError is a failed read of a single muscle.
type ReadError struct {
	Addr Address
	Err  error
}

func (e *ReadError) Error() string { return "read " + e.Addr.String() + ": " + e.Err.Error() }
func (e *ReadError) Unwrap() error { return e.Err }

// Reason returns a short, stable label for a connect failure.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrDeviceBusy):
		return "device_busy"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrPermission):
		return "permission"
	case errors.Is(err, ErrDisconnected):
		return "disconnected"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

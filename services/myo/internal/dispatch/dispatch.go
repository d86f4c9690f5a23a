// Package dispatch turns move requests into typed writes on a bus session.
package dispatch

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/rs/zerolog"

	"myoblink/errcode"
	"myoblink/flexray"
	"myoblink/services/myo/internal/metrics"
	"myoblink/types"
)

type Dispatcher struct {
	log          zerolog.Logger
	m            *metrics.Metrics
	writeTimeout time.Duration
}

func New(log zerolog.Logger, m *metrics.Metrics, writeTimeout time.Duration) *Dispatcher {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Dispatcher{
		log:          log.With().Str("component", "dispatch").Logger(),
		m:            m,
		writeTimeout: writeTimeout,
	}
}

// Dispatch validates req and issues at most one write. Rejected requests never
// touch the session. The returned error is non-nil only when the write showed
// that the session is gone; the reply is valid either way.
func (d *Dispatcher) Dispatch(ctx context.Context, s flexray.Session, req types.MoveRequest) (types.MoveReply, error) {
	mode, ok := flexray.ModeForAction(req.Action)
	if !ok {
		return d.reject("none", errcode.UnknownAction), nil
	}
	addr := flexray.Address{Ganglion: req.Ganglion, Muscle: req.Muscle}
	if !addr.Valid() {
		return d.reject(mode.String(), errcode.InvalidAddress), nil
	}
	if math.IsNaN(req.Setpoint) || math.IsInf(req.Setpoint, 0) {
		return d.reject(mode.String(), errcode.InvalidPayload), nil
	}
	if s == nil {
		return d.reject(mode.String(), errcode.NotConnected), nil
	}

	wctx, cancel := ctx, context.CancelFunc(func() {})
	if d.writeTimeout > 0 {
		wctx, cancel = context.WithTimeout(ctx, d.writeTimeout)
	}
	err := s.Write(wctx, addr, mode, req.Setpoint)
	cancel()

	if err != nil {
		code := errcode.WriteFailed
		switch {
		case errors.Is(err, flexray.ErrDisconnected):
			code = errcode.Disconnected
		case errors.Is(err, context.DeadlineExceeded):
			code = errcode.Timeout
		}
		d.log.Warn().Err(err).Str("addr", addr.String()).Str("mode", mode.String()).
			Float64("setpoint", req.Setpoint).Msg("write failed")
		reply := d.reject(mode.String(), code)
		if code == errcode.Disconnected {
			return reply, errcode.Wrap(code, "write "+addr.String(), err)
		}
		return reply, nil
	}

	d.m.Commands.WithLabelValues(mode.String(), string(errcode.OK)).Inc()
	d.log.Debug().Str("addr", addr.String()).Str("mode", mode.String()).
		Float64("setpoint", req.Setpoint).Msg("setpoint written")
	return types.MoveReply{IsSuccess: true}, nil
}

func (d *Dispatcher) reject(mode string, code errcode.Code) types.MoveReply {
	d.m.Commands.WithLabelValues(mode, string(code)).Inc()
	return types.MoveReply{IsSuccess: false, Error: string(code)}
}

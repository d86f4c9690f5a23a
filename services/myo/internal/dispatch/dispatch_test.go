package dispatch

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"myoblink/errcode"
	"myoblink/flexray"
	"myoblink/flexray/sim"
	"myoblink/services/myo/internal/metrics"
	"myoblink/types"
)

func connect(t *testing.T, drv *sim.Driver) flexray.Session {
	t.Helper()
	desc := flexray.BusDescription{
		Serial:  "FT1",
		Ganglia: []flexray.GanglionSpec{{ID: 0}, {ID: 1}},
	}
	s, err := drv.Connect(context.Background(), desc)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDispatchMapsActionsToModes(t *testing.T) {
	drv := sim.New(sim.Config{})
	s := connect(t, drv)
	d := New(zerolog.Nop(), nil, 20*time.Millisecond)

	cases := []struct {
		action string
		mode   flexray.ControlMode
	}{
		{types.ActionMoveTo, flexray.Position},
		{types.ActionMoveWith, flexray.Velocity},
		{types.ActionKeep, flexray.Force},
	}
	for i, tc := range cases {
		rep, err := d.Dispatch(context.Background(), s, types.MoveRequest{
			Ganglion: 0, Muscle: 2, Action: tc.action, Setpoint: 1.5,
		})
		require.NoError(t, err)
		require.True(t, rep.IsSuccess, tc.action)
		require.Empty(t, rep.Error)

		w := drv.Writes()
		require.Len(t, w, i+1)
		require.Equal(t, sim.Write{
			Addr:     flexray.Address{Ganglion: 0, Muscle: 2},
			Mode:     tc.mode,
			Setpoint: 1.5,
		}, w[i])
	}
}

func TestDispatchRejectsWithoutWriting(t *testing.T) {
	drv := sim.New(sim.Config{})
	s := connect(t, drv)
	m := metrics.New(nil)
	d := New(zerolog.Nop(), m, 0)

	cases := []struct {
		name string
		req  types.MoveRequest
		code errcode.Code
	}{
		{"unknown action", types.MoveRequest{Action: "spin", Setpoint: 1}, errcode.UnknownAction},
		{"case sensitive", types.MoveRequest{Action: "Move To", Setpoint: 1}, errcode.UnknownAction},
		{"muscle out of range", types.MoveRequest{Muscle: 4, Action: types.ActionMoveTo}, errcode.InvalidAddress},
		{"negative ganglion", types.MoveRequest{Ganglion: -1, Action: types.ActionKeep}, errcode.InvalidAddress},
		{"nan setpoint", types.MoveRequest{Action: types.ActionMoveWith, Setpoint: math.NaN()}, errcode.InvalidPayload},
		{"inf setpoint", types.MoveRequest{Action: types.ActionMoveWith, Setpoint: math.Inf(1)}, errcode.InvalidPayload},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rep, err := d.Dispatch(context.Background(), s, tc.req)
			require.NoError(t, err)
			require.False(t, rep.IsSuccess)
			require.Equal(t, string(tc.code), rep.Error)
		})
	}
	require.Empty(t, drv.Writes())
	require.Equal(t, 2.0, testutil.ToFloat64(m.Commands.WithLabelValues("none", string(errcode.UnknownAction))))
}

func TestDispatchWithoutSession(t *testing.T) {
	d := New(zerolog.Nop(), nil, 0)
	rep, err := d.Dispatch(context.Background(), nil, types.MoveRequest{Action: types.ActionMoveTo})
	require.NoError(t, err)
	require.Equal(t, types.MoveReply{Error: string(errcode.NotConnected)}, rep)
}

func TestDispatchWriteFailure(t *testing.T) {
	drv := sim.New(sim.Config{})
	s := connect(t, drv)
	d := New(zerolog.Nop(), nil, 0)

	drv.FailWrites(errors.New("crc mismatch"))
	rep, err := d.Dispatch(context.Background(), s, types.MoveRequest{Action: types.ActionKeep, Setpoint: 3})
	require.NoError(t, err)
	require.False(t, rep.IsSuccess)
	require.Equal(t, string(errcode.WriteFailed), rep.Error)

	drv.FailWrites(nil)
	rep, err = d.Dispatch(context.Background(), s, types.MoveRequest{Action: types.ActionKeep, Setpoint: 3})
	require.NoError(t, err)
	require.True(t, rep.IsSuccess)
}

func TestDispatchDisconnectIsReported(t *testing.T) {
	drv := sim.New(sim.Config{})
	s := connect(t, drv)
	d := New(zerolog.Nop(), nil, 0)

	drv.Unplug()
	rep, err := d.Dispatch(context.Background(), s, types.MoveRequest{Action: types.ActionMoveTo, Setpoint: 1})
	require.ErrorIs(t, err, flexray.ErrDisconnected)
	require.Equal(t, string(errcode.Disconnected), rep.Error)
}

type stuckSession struct{ flexray.Session }

func (stuckSession) Write(ctx context.Context, _ flexray.Address, _ flexray.ControlMode, _ float64) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestDispatchWriteTimeout(t *testing.T) {
	d := New(zerolog.Nop(), nil, 5*time.Millisecond)
	rep, err := d.Dispatch(context.Background(), stuckSession{}, types.MoveRequest{Action: types.ActionMoveWith, Setpoint: 1})
	require.NoError(t, err)
	require.Equal(t, string(errcode.Timeout), rep.Error)
}

func TestDispatchDisconnectCarriesCode(t *testing.T) {
	drv := sim.New(sim.Config{})
	s := connect(t, drv)
	drv.Unplug()

	_, err := New(zerolog.Nop(), nil, 0).Dispatch(context.Background(), s,
		types.MoveRequest{Ganglion: 1, Muscle: 0, Action: types.ActionKeep})
	require.Equal(t, errcode.Disconnected, errcode.Of(err))
	require.ErrorContains(t, err, "write 1/0")
}

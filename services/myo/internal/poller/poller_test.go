package poller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"myoblink/flexray"
	"myoblink/flexray/sim"
	"myoblink/services/myo/internal/metrics"
	"myoblink/types"
)

func addrs(pairs ...[2]int) []flexray.Address {
	out := make([]flexray.Address, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, flexray.Address{Ganglion: p[0], Muscle: p[1]})
	}
	return out
}

func TestCycleSkipsFailedReads(t *testing.T) {
	drv := sim.New(sim.Config{})
	s, err := drv.Connect(context.Background(), flexray.BusDescription{
		Serial:  "FT1",
		Ganglia: []flexray.GanglionSpec{{ID: 0}},
	})
	require.NoError(t, err)
	defer s.Close()

	bad := flexray.Address{Ganglion: 0, Muscle: 1}
	drv.FailRead(bad, flexray.ErrNoData)

	m := metrics.New(nil)
	p := New(zerolog.Nop(), m, 5*time.Millisecond)
	tracked := addrs([2]int{0, 0}, [2]int{0, 1}, [2]int{0, 2}, [2]int{0, 3})
	outs := p.Cycle(context.Background(), s, tracked)

	require.Len(t, outs, 4)
	for i, o := range outs {
		require.Equal(t, tracked[i], o.Addr)
	}
	require.Equal(t, 3, Samples(outs))
	require.False(t, outs[1].OK())
	require.ErrorIs(t, outs[1].Err, flexray.ErrNoData)
	require.False(t, Lost(outs))

	var re *flexray.ReadError
	require.ErrorAs(t, outs[1].Err, &re)
	require.Equal(t, bad, re.Addr)

	require.Equal(t, 3.0, testutil.ToFloat64(m.Samples))
	require.Equal(t, 1.0, testutil.ToFloat64(m.ReadErrors.WithLabelValues("0", "1")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Ticks))

	// The failure does not stick to the next cycle.
	drv.FailRead(bad, nil)
	require.Equal(t, 4, Samples(p.Cycle(context.Background(), s, tracked)))
}

func TestCycleReportsLoss(t *testing.T) {
	drv := sim.New(sim.Config{})
	s, err := drv.Connect(context.Background(), flexray.BusDescription{
		Serial:  "FT1",
		Ganglia: []flexray.GanglionSpec{{ID: 0}},
	})
	require.NoError(t, err)

	drv.Unplug()
	outs := New(zerolog.Nop(), nil, 0).Cycle(context.Background(), s, addrs([2]int{0, 0}, [2]int{0, 1}))
	require.Zero(t, Samples(outs))
	require.True(t, Lost(outs))
}

type panicky struct{ flexray.Session }

func (panicky) Read(_ context.Context, a flexray.Address) (types.MuscleState, error) {
	if a.Muscle == 0 {
		panic("boom")
	}
	return types.MuscleState{ActuatorPos: 1}, nil
}

func TestCycleRecoversDriverPanic(t *testing.T) {
	outs := New(zerolog.Nop(), nil, 0).Cycle(context.Background(), panicky{}, addrs([2]int{3, 0}, [2]int{3, 1}))
	require.Len(t, outs, 2)
	require.False(t, outs[0].OK())
	require.True(t, outs[1].OK())
	require.Equal(t, float32(1), outs[1].State.ActuatorPos)
}

func TestCycleEmpty(t *testing.T) {
	outs := New(zerolog.Nop(), nil, 0).Cycle(context.Background(), panicky{}, nil)
	require.Empty(t, outs)
	require.False(t, Lost(outs))
}

func TestTracked(t *testing.T) {
	desc := flexray.BusDescription{
		Serial: "FT1",
		Ganglia: []flexray.GanglionSpec{
			{ID: 0, Muscles: []flexray.MuscleSpec{{ID: 1}, {ID: 3}}},
			{ID: 2},
		},
	}

	require.Equal(t,
		addrs([2]int{0, 1}, [2]int{0, 3}, [2]int{2, 0}, [2]int{2, 1}, [2]int{2, 2}, [2]int{2, 3}),
		Tracked(desc, []int{0, 2}, nil))

	// Enumerated but undescribed ganglia get every slot.
	require.Len(t, Tracked(desc, []int{5}, nil), flexray.MusclesPerGanglion)

	require.Equal(t,
		addrs([2]int{1, 0}),
		Tracked(desc, []int{0, 2}, addrs([2]int{1, 0}, [2]int{1, 9})))

	require.Empty(t, Tracked(desc, nil, nil))
}

func TestSamplesAndLost(t *testing.T) {
	outs := []Outcome{
		{},
		{Err: errors.New("x")},
		{Err: &flexray.ReadError{Err: flexray.ErrDisconnected}},
	}
	require.Equal(t, 1, Samples(outs))
	require.True(t, Lost(outs))
}

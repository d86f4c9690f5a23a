package connmgr

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"myoblink/flexray"
	"myoblink/services/myo/internal/metrics"
	"myoblink/types"
)

type fakeSession struct{ ganglia []int }

func (s *fakeSession) Ganglia() []int { return s.ganglia }
func (s *fakeSession) Read(context.Context, flexray.Address) (types.MuscleState, error) {
	return types.MuscleState{}, nil
}
func (s *fakeSession) Write(context.Context, flexray.Address, flexray.ControlMode, float64) error {
	return nil
}
func (s *fakeSession) Close() error { return nil }

// fakeDriver fails the first `fail` attempts and scribbles over every
// description it is given.
type fakeDriver struct {
	mu       sync.Mutex
	fail     int
	reason   error
	attempts int
}

func (d *fakeDriver) Connect(ctx context.Context, desc flexray.BusDescription) (flexray.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	desc.Serial = "scribbled"
	if len(desc.Ganglia) > 0 {
		desc.Ganglia[0].ID = 99
		if len(desc.Ganglia[0].Muscles) > 0 {
			desc.Ganglia[0].Muscles[0].ID = 3
		}
	}
	if d.fail < 0 || d.attempts <= d.fail {
		return nil, d.reason
	}
	return &fakeSession{ganglia: []int{0, 1, 2}}, nil
}

func (d *fakeDriver) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func testDesc() flexray.BusDescription {
	return flexray.BusDescription{
		Serial: "FT1",
		Ganglia: []flexray.GanglionSpec{
			{ID: 0, Muscles: []flexray.MuscleSpec{{ID: 0}, {ID: 1}}},
			{ID: 1},
			{ID: 2},
		},
	}
}

func TestAttemptFailureReturnsIdenticalDescription(t *testing.T) {
	drv := &fakeDriver{fail: -1, reason: flexray.ErrDeviceBusy}
	m := metrics.New(nil)
	mgr := New(drv, BackoffConfig{}, zerolog.Nop(), m)

	in := testDesc()
	want := testDesc()
	for i := 0; i < 5; i++ {
		s, f := mgr.Attempt(context.Background(), in)
		require.Nil(t, s)
		require.NotNil(t, f)
		require.ErrorIs(t, f, flexray.ErrDeviceBusy)
		require.Equal(t, want, f.Desc)
		require.Equal(t, want, in, "description mutated by attempt %d", i)
		in = f.Desc
	}
	require.Equal(t, 5.0, testutil.ToFloat64(m.ConnectAttempts.WithLabelValues("device_busy")))
}

func TestAttemptSuccessReportsGanglia(t *testing.T) {
	m := metrics.New(nil)
	mgr := New(&fakeDriver{}, BackoffConfig{}, zerolog.Nop(), m)

	s, f := mgr.Attempt(context.Background(), testDesc())
	require.Nil(t, f)
	require.Len(t, s.Ganglia(), 3)
	require.Equal(t, 1.0, testutil.ToFloat64(m.Connected))
	require.Equal(t, 3.0, testutil.ToFloat64(m.Ganglia))
	require.Equal(t, 1.0, testutil.ToFloat64(m.ConnectAttempts.WithLabelValues("ok")))
}

type nilDriver struct{}

func (nilDriver) Connect(context.Context, flexray.BusDescription) (flexray.Session, error) {
	return nil, nil
}

func TestAttemptNilSessionIsFailure(t *testing.T) {
	mgr := New(nilDriver{}, BackoffConfig{}, zerolog.Nop(), nil)
	s, f := mgr.Attempt(context.Background(), testDesc())
	require.Nil(t, s)
	require.ErrorIs(t, f, errNoSession)
}

func TestConnectRetriesImmediatelyUntilSuccess(t *testing.T) {
	drv := &fakeDriver{fail: 5, reason: flexray.ErrNotFound}
	mgr := New(drv, BackoffConfig{}, zerolog.Nop(), nil)

	s, err := mgr.Connect(context.Background(), testDesc())
	require.NoError(t, err)
	require.NotNil(t, s)
	require.Equal(t, 6, drv.count())
}

func TestConnectStopsOnCancel(t *testing.T) {
	drv := &fakeDriver{fail: -1, reason: flexray.ErrNotFound}
	mgr := New(drv, BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1}, zerolog.Nop(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := mgr.Connect(ctx, testDesc())
		done <- err
	}()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("Connect did not return after cancellation")
	}
	require.Greater(t, drv.count(), 1)
}

func TestConnectCancelledBeforeStart(t *testing.T) {
	drv := &fakeDriver{}
	mgr := New(drv, DefaultBackoff(), zerolog.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := mgr.Connect(ctx, testDesc())
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, drv.count())
}

func TestNextBackoffDelay(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}

	require.Equal(t, 100*time.Millisecond, NextBackoffDelay(cfg, 1, nil))
	require.Equal(t, 200*time.Millisecond, NextBackoffDelay(cfg, 2, nil))
	require.Equal(t, 800*time.Millisecond, NextBackoffDelay(cfg, 4, nil))
	require.Equal(t, time.Second, NextBackoffDelay(cfg, 10, nil))

	require.Zero(t, NextBackoffDelay(BackoffConfig{}, 7, nil))

	cfg.Jitter = true
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		d := NextBackoffDelay(cfg, 10, rng)
		require.GreaterOrEqual(t, d, 500*time.Millisecond)
		require.Less(t, d, 1500*time.Millisecond)
	}
}

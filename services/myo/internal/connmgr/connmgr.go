// Package connmgr turns a bus description into a live session, retrying until
// it succeeds or the context ends.
package connmgr

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"myoblink/flexray"
	"myoblink/services/myo/internal/metrics"
)

var errNoSession = errors.New("connmgr: driver returned neither session nor error")

// Failure is a failed attempt. Desc is the description that was passed in,
// unchanged, so the caller can retry with it.
type Failure struct {
	Desc   flexray.BusDescription
	Reason error
}

func (f *Failure) Error() string { return "connect: " + f.Reason.Error() }
func (f *Failure) Unwrap() error { return f.Reason }

type Manager struct {
	drv     flexray.Driver
	backoff BackoffConfig
	log     zerolog.Logger
	m       *metrics.Metrics
	rng     *rand.Rand
}

func New(drv flexray.Driver, backoff BackoffConfig, log zerolog.Logger, m *metrics.Metrics) *Manager {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Manager{
		drv:     drv,
		backoff: backoff,
		log:     log.With().Str("component", "connmgr").Logger(),
		m:       m,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Attempt makes one connect attempt. On success the caller owns the session.
func (c *Manager) Attempt(ctx context.Context, desc flexray.BusDescription) (flexray.Session, *Failure) {
	s, err := c.drv.Connect(ctx, desc.Clone())
	if err == nil && s == nil {
		err = errNoSession
	}
	if err != nil {
		c.m.ConnectAttempts.WithLabelValues(flexray.Reason(err)).Inc()
		return nil, &Failure{Desc: desc, Reason: err}
	}
	ganglia := s.Ganglia()
	c.m.ConnectAttempts.WithLabelValues("ok").Inc()
	c.m.Connected.Set(1)
	c.m.Ganglia.Set(float64(len(ganglia)))
	c.log.Info().Str("serial", desc.Serial).Ints("ganglia", ganglia).Msg("Connected")
	return s, nil
}

// Connect retries Attempt until it succeeds or ctx ends, in which case it
// returns ctx.Err(). There is no attempt cap.
func (c *Manager) Connect(ctx context.Context, desc flexray.BusDescription) (flexray.Session, error) {
	// First failures are always logged, then at most one line per interval.
	logFail := &rate.Sometimes{First: 3, Interval: 10 * time.Second}
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s, f := c.Attempt(ctx, desc)
		if f == nil {
			return s, nil
		}
		desc = f.Desc
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		delay := NextBackoffDelay(c.backoff, attempt, c.rng)
		logFail.Do(func() {
			c.log.Error().Err(f.Reason).
				Str("reason", flexray.Reason(f.Reason)).
				Int("attempt", attempt).
				Dur("retry_in", delay).
				Msg("Could not connect to the myo motor")
		})
		c.log.Debug().Err(f.Reason).Int("attempt", attempt).Msg("connect attempt failed")
		if delay <= 0 {
			continue
		}
		timer.Reset(delay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

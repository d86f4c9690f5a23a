// Package poller reads every tracked muscle once per cycle.
package poller

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"myoblink/flexray"
	"myoblink/services/myo/internal/metrics"
	"myoblink/types"
)

// Outcome is the result of one read. Err == nil means State is a fresh sample.
type Outcome struct {
	Addr  flexray.Address
	State types.MuscleState
	Err   error
}

func (o Outcome) OK() bool { return o.Err == nil }

type Poller struct {
	log         zerolog.Logger
	m           *metrics.Metrics
	readTimeout time.Duration
}

func New(log zerolog.Logger, m *metrics.Metrics, readTimeout time.Duration) *Poller {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Poller{
		log:         log.With().Str("component", "poller").Logger(),
		m:           m,
		readTimeout: readTimeout,
	}
}

// Cycle issues one read per tracked address, in order. A failed read only
// affects its own outcome.
func (p *Poller) Cycle(ctx context.Context, s flexray.Session, tracked []flexray.Address) []Outcome {
	start := time.Now()
	out := make([]Outcome, 0, len(tracked))
	for _, addr := range tracked {
		out = append(out, p.read(ctx, s, addr))
	}
	p.m.Ticks.Inc()
	p.m.TickDuration.Observe(time.Since(start).Seconds())
	return out
}

func (p *Poller) read(ctx context.Context, s flexray.Session, addr flexray.Address) (o Outcome) {
	o.Addr = addr
	defer func() {
		if r := recover(); r != nil {
			o.Err = &flexray.ReadError{Addr: addr, Err: errors.New("driver panic")}
			p.log.Error().Interface("panic", r).Str("addr", addr.String()).Msg("read panicked")
		}
		if o.Err != nil {
			p.m.ReadError(addr.Ganglion, addr.Muscle)
		} else {
			p.m.Samples.Inc()
		}
	}()

	rctx, cancel := ctx, context.CancelFunc(func() {})
	if p.readTimeout > 0 {
		rctx, cancel = context.WithTimeout(ctx, p.readTimeout)
	}
	st, err := s.Read(rctx, addr)
	cancel()
	if err != nil {
		o.Err = &flexray.ReadError{Addr: addr, Err: err}
		p.log.Trace().Err(err).Str("addr", addr.String()).Msg("read skipped")
		return o
	}
	o.State = st
	return o
}

// Samples counts successful outcomes.
func Samples(outs []Outcome) int {
	n := 0
	for _, o := range outs {
		if o.OK() {
			n++
		}
	}
	return n
}

// Lost reports whether any read saw the session disconnect.
func Lost(outs []Outcome) bool {
	for _, o := range outs {
		if errors.Is(o.Err, flexray.ErrDisconnected) {
			return true
		}
	}
	return false
}

// Tracked returns the addresses to poll. A non-empty explicit list wins and is
// used as given (invalid addresses dropped). Otherwise every enumerated
// ganglion contributes the muscle slots its description wires, or all slots
// when it is not described.
func Tracked(desc flexray.BusDescription, ganglia []int, explicit []flexray.Address) []flexray.Address {
	var out []flexray.Address
	if len(explicit) > 0 {
		for _, a := range explicit {
			if a.Valid() {
				out = append(out, a)
			}
		}
		return out
	}
	for _, g := range ganglia {
		spec, ok := desc.Ganglion(g)
		if !ok {
			spec = flexray.GanglionSpec{ID: g}
		}
		for _, m := range spec.MuscleIDs() {
			out = append(out, flexray.Address{Ganglion: g, Muscle: m})
		}
	}
	return out
}

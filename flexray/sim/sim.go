// Package sim is an in-memory FlexRay bridge. It lets the node run without
// hardware and gives tests a driver with injectable faults.
package sim

import (
	"context"
	"sort"
	"sync"
	"time"

	"myoblink/flexray"
	"myoblink/types"
	"myoblink/x/mathx"
)

// Muscle model limits.
const (
	maxVel        = 10.0 // rad/s
	maxPos        = 100.0
	positionGain  = 8.0
	springK       = 50.0 // force units per displacement unit
	currentPerVel = 0.05
	currentPerF   = 0.01
	jointRatio    = 0.1
	maxStep       = 100 * time.Millisecond
)

// Config selects the simulated hardware.
type Config struct {
	// Present lists ganglion ids that answer enumeration. Nil means every
	// ganglion in the description.
	Present []int
	// ConnectFailures makes the first N Connect calls fail with FailWith
	// (flexray.ErrNotFound when nil).
	ConnectFailures int
	FailWith        error
}

// Write records one accepted write.
type Write struct {
	Addr     flexray.Address
	Mode     flexray.ControlMode
	Setpoint float64
}

type muscle struct {
	mode     flexray.ControlMode
	setpoint float64
	pos      float64
	vel      float64
	disp     float64
	current  float64
	last     time.Time
}

// Driver is safe for concurrent use; sessions it returns are not.
type Driver struct {
	mu        sync.Mutex
	cfg       Config
	attempts  int
	failReads map[flexray.Address]error
	failWrite error
	writes    []Write
	muscles   map[flexray.Address]*muscle
	live      *session
	now       func() time.Time
}

func New(cfg Config) *Driver {
	if cfg.FailWith == nil {
		cfg.FailWith = flexray.ErrNotFound
	}
	return &Driver{
		cfg:       cfg,
		failReads: map[flexray.Address]error{},
		muscles:   map[flexray.Address]*muscle{},
		now:       time.Now,
	}
}

func (d *Driver) Connect(ctx context.Context, desc flexray.BusDescription) (flexray.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.attempts++
	if d.attempts <= d.cfg.ConnectFailures {
		return nil, d.cfg.FailWith
	}

	var ganglia []int
	for _, g := range desc.Ganglia {
		if d.present(g.ID) {
			ganglia = append(ganglia, g.ID)
		}
	}
	if len(ganglia) == 0 {
		return nil, flexray.ErrNotFound
	}
	sort.Ints(ganglia)
	s := &session{drv: d, ganglia: ganglia}
	d.live = s
	return s, nil
}

func (d *Driver) present(id int) bool {
	if d.cfg.Present == nil {
		return true
	}
	for _, p := range d.cfg.Present {
		if p == id {
			return true
		}
	}
	return false
}

// Attempts reports how many times Connect was called.
func (d *Driver) Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

// FailRead makes reads of addr fail with err until cleared with a nil err.
func (d *Driver) FailRead(addr flexray.Address, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.failReads, addr)
		return
	}
	d.failReads[addr] = err
}

// FailWrites makes every write fail with err until cleared with a nil err.
func (d *Driver) FailWrites(err error) {
	d.mu.Lock()
	d.failWrite = err
	d.mu.Unlock()
}

// Unplug drops the live session: its reads and writes report
// flexray.ErrDisconnected from now on.
func (d *Driver) Unplug() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.live != nil {
		d.live.lost = true
		d.live = nil
	}
}

// Writes returns a copy of all accepted writes.
func (d *Driver) Writes() []Write {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Write(nil), d.writes...)
}

func (d *Driver) muscleLocked(addr flexray.Address) *muscle {
	m := d.muscles[addr]
	if m == nil {
		m = &muscle{last: d.now()}
		d.muscles[addr] = m
	}
	return m
}

// ---- session ----

type session struct {
	drv     *Driver
	ganglia []int
	lost    bool
	closed  bool
}

func (s *session) Ganglia() []int { return append([]int(nil), s.ganglia...) }

func (s *session) check(ctx context.Context, addr flexray.Address) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch {
	case s.closed:
		return flexray.ErrClosed
	case s.lost:
		return flexray.ErrDisconnected
	}
	if !s.has(addr.Ganglion) || !addr.Valid() {
		return flexray.ErrNoData
	}
	return nil
}

func (s *session) has(g int) bool {
	for _, id := range s.ganglia {
		if id == g {
			return true
		}
	}
	return false
}

func (s *session) Read(ctx context.Context, addr flexray.Address) (types.MuscleState, error) {
	s.drv.mu.Lock()
	defer s.drv.mu.Unlock()

	if err := s.check(ctx, addr); err != nil {
		return types.MuscleState{}, err
	}
	if err := s.drv.failReads[addr]; err != nil {
		return types.MuscleState{}, err
	}
	m := s.drv.muscleLocked(addr)
	m.step(s.drv.now())
	return types.MuscleState{
		TendonDisplacement: float32(m.disp),
		ActuatorCurrent:    float32(m.current),
		ActuatorVel:        float32(m.vel),
		ActuatorPos:        float32(m.pos),
		JointPos:           float32(m.pos * jointRatio),
	}, nil
}

func (s *session) Write(ctx context.Context, addr flexray.Address, mode flexray.ControlMode, setpoint float64) error {
	s.drv.mu.Lock()
	defer s.drv.mu.Unlock()

	if err := s.check(ctx, addr); err != nil {
		return err
	}
	if s.drv.failWrite != nil {
		return s.drv.failWrite
	}
	m := s.drv.muscleLocked(addr)
	m.step(s.drv.now())
	m.mode = mode
	m.setpoint = setpoint
	s.drv.writes = append(s.drv.writes, Write{Addr: addr, Mode: mode, Setpoint: setpoint})
	return nil
}

func (s *session) Close() error {
	s.drv.mu.Lock()
	defer s.drv.mu.Unlock()
	if s.closed {
		return flexray.ErrClosed
	}
	s.closed = true
	if s.drv.live == s {
		s.drv.live = nil
	}
	return nil
}

// step advances the first-order muscle model to now.
func (m *muscle) step(now time.Time) {
	dt := now.Sub(m.last)
	m.last = now
	if dt <= 0 {
		return
	}
	if dt > maxStep {
		dt = maxStep
	}
	sec := dt.Seconds()

	switch m.mode {
	case flexray.Position:
		m.vel = mathx.Clamp(positionGain*(m.setpoint-m.pos), -maxVel, maxVel)
		m.disp = 0
	case flexray.Velocity:
		m.vel = mathx.Clamp(m.setpoint, -maxVel, maxVel)
		m.disp = 0
	case flexray.Force:
		m.vel = 0
		m.disp = m.setpoint / springK
	}
	m.pos = mathx.Clamp(m.pos+m.vel*sec, -maxPos, maxPos)
	if m.pos == maxPos || m.pos == -maxPos {
		m.vel = 0
	}
	m.current = currentPerVel*abs(m.vel) + currentPerF*abs(m.disp*springK)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

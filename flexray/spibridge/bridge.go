// Package spibridge drives a FlexRay bridge that is reachable as an SPI
// peripheral (for example an FTDI adapter in MPSSE mode or a spidev node).
//
// The command set in frame.go is the contract of a hypothetical bridge
// firmware that terminates FlexRay itself and answers simple register-style
// commands. It is not a FlexRay wire format and no shipping adapter speaks
// it; real hardware needs firmware implementing it or a new Opener and frame
// layout. The sim driver is the reference peer for everything above this
// package.
//
// Transfers honour the read and write deadlines by abandoning a blocked
// transaction, which costs the session (see xfer).
package spibridge

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"tinygo.org/x/drivers"

	"myoblink/flexray"
	"myoblink/types"
)

// Port is an SPI link that can be released.
type Port interface {
	drivers.SPI
	Close() error
}

// Opener opens the port named by a description's serial field.
// Errors should wrap flexray.ErrNotFound, ErrDeviceBusy or ErrPermission.
type Opener func(serial string) (Port, error)

type Driver struct {
	open Opener
}

func New(open Opener) *Driver { return &Driver{open: open} }

func (d *Driver) Connect(ctx context.Context, desc flexray.BusDescription) (flexray.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := d.open(desc.Serial)
	if err != nil {
		return nil, err
	}
	s := &session{port: p}
	mask, err := s.enumerate(ctx)
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	for _, g := range desc.Ganglia {
		if g.ID < maxGanglia && mask&(1<<uint(g.ID)) != 0 {
			s.ganglia = append(s.ganglia, g.ID)
		}
	}
	if len(s.ganglia) == 0 {
		_ = p.Close()
		return nil, fmt.Errorf("%w: no described ganglion answered (mask %08b)", flexray.ErrNotFound, mask)
	}
	sort.Ints(s.ganglia)
	return s, nil
}

type session struct {
	port    Port
	ganglia []int
	closed  bool
	lost    error // set once a transfer is abandoned

	// scratch buffers, reused per transaction
	w [writeReqLen]byte
	r [1 + stateLen]byte
}

func (s *session) Ganglia() []int { return append([]int(nil), s.ganglia...) }

// xfer sends w then reads len(r) response bytes. Transport failures mean the
// bridge is gone.
//
// A cancellable ctx moves the transaction onto its own goroutine working on
// copies of w and r, so an expired deadline returns at once. The port may
// still be mid-transaction then, so the session is marked lost and every
// later call fails with ErrDisconnected until it is reopened.
func (s *session) xfer(ctx context.Context, w, r []byte) error {
	if s.closed {
		return flexray.ErrClosed
	}
	if s.lost != nil {
		return s.lost
	}
	if ctx.Done() == nil {
		if err := s.tx(w, r); err != nil {
			return err
		}
		return statusErr(r[0])
	}

	wb := append([]byte(nil), w...)
	rb := make([]byte, len(r))
	done := make(chan error, 1)
	go func() { done <- s.tx(wb, rb) }()
	select {
	case err := <-done:
		if err != nil {
			return err
		}
		copy(r, rb)
		return statusErr(r[0])
	case <-ctx.Done():
		s.lost = fmt.Errorf("%w: transfer abandoned", flexray.ErrDisconnected)
		return fmt.Errorf("%w: %w", s.lost, ctx.Err())
	}
}

func (s *session) tx(w, r []byte) error {
	if err := s.port.Tx(w, nil); err != nil {
		return fmt.Errorf("%w: %v", flexray.ErrDisconnected, err)
	}
	if err := s.port.Tx(nil, r); err != nil {
		return fmt.Errorf("%w: %v", flexray.ErrDisconnected, err)
	}
	return nil
}

func (s *session) enumerate(ctx context.Context) (byte, error) {
	s.w[0] = cmdEnumerate
	if err := s.xfer(ctx, s.w[:1], s.r[:2]); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return 0, cerr
		}
		if errors.Is(err, flexray.ErrDisconnected) {
			return 0, fmt.Errorf("%w: enumerate failed", flexray.ErrNotFound)
		}
		return 0, err
	}
	return s.r[1], nil
}

func (s *session) Read(ctx context.Context, addr flexray.Address) (types.MuscleState, error) {
	if err := ctx.Err(); err != nil {
		return types.MuscleState{}, err
	}
	if !addr.Valid() || addr.Ganglion >= maxGanglia {
		return types.MuscleState{}, flexray.ErrNoData
	}
	s.w[0] = cmdRead
	s.w[1] = byte(addr.Ganglion)
	s.w[2] = byte(addr.Muscle)
	if err := s.xfer(ctx, s.w[:readReqLen], s.r[:1+stateLen]); err != nil {
		return types.MuscleState{}, err
	}
	return decodeState(s.r[1:]), nil
}

func (s *session) Write(ctx context.Context, addr flexray.Address, mode flexray.ControlMode, setpoint float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !addr.Valid() || addr.Ganglion >= maxGanglia {
		return flexray.ErrNoData
	}
	s.w[0] = cmdWrite
	s.w[1] = byte(addr.Ganglion)
	s.w[2] = byte(addr.Muscle)
	s.w[3] = byte(mode)
	putF32(s.w[4:8], float32(setpoint))
	return s.xfer(ctx, s.w[:writeReqLen], s.r[:1])
}

func (s *session) Close() error {
	if s.closed {
		return flexray.ErrClosed
	}
	s.closed = true
	return s.port.Close()
}

func statusErr(st byte) error {
	switch st {
	case statusOK:
		return nil
	case statusNoData, statusNoGanglion:
		return flexray.ErrNoData
	case statusBusy:
		return flexray.ErrDeviceBusy
	default:
		return fmt.Errorf("spibridge: unexpected status 0x%02x", st)
	}
}

//go:build linux

package spibridge

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"

	"myoblink/flexray"
)

// SPI_IOC_MESSAGE(1) from linux/spi/spidev.h.
const spiIocMessage1 = 0x40206b00

// spiIocTransfer mirrors struct spi_ioc_transfer.
type spiIocTransfer struct {
	txBuf       uint64
	rxBuf       uint64
	length      uint32
	speedHz     uint32
	delayUsecs  uint16
	bitsPerWord uint8
	csChange    uint8
	txNbits     uint8
	rxNbits     uint8
	wordDelay   uint8
	pad         uint8
}

// Spidev opens /dev/spidevB.C nodes. A serial of "1.0" maps to
// /dev/spidev1.0; absolute paths are used as given.
func Spidev(speedHz uint32) Opener {
	return func(serial string) (Port, error) {
		path := serial
		if !strings.HasPrefix(path, "/") {
			path = "/dev/spidev" + serial
		}
		fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", openReason(err), path, err)
		}
		return &spidev{fd: fd, speed: speedHz}, nil
	}
}

func openReason(err error) error {
	switch {
	case errors.Is(err, unix.ENOENT), errors.Is(err, unix.ENODEV), errors.Is(err, unix.ENXIO):
		return flexray.ErrNotFound
	case errors.Is(err, unix.EBUSY):
		return flexray.ErrDeviceBusy
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return flexray.ErrPermission
	default:
		return flexray.ErrNotFound
	}
}

type spidev struct {
	fd    int
	speed uint32
}

func (d *spidev) Tx(w, r []byte) error {
	n := len(w)
	if len(r) > n {
		n = len(r)
	}
	if n == 0 {
		return nil
	}
	tx := make([]byte, n)
	copy(tx, w)
	rx := make([]byte, n)
	xfer := spiIocTransfer{
		txBuf:       uint64(uintptr(unsafe.Pointer(&tx[0]))),
		rxBuf:       uint64(uintptr(unsafe.Pointer(&rx[0]))),
		length:      uint32(n),
		speedHz:     d.speed,
		bitsPerWord: 8,
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), spiIocMessage1, uintptr(unsafe.Pointer(&xfer)))
	runtime.KeepAlive(tx)
	if errno != 0 {
		return errno
	}
	copy(r, rx)
	return nil
}

func (d *spidev) Transfer(b byte) (byte, error) {
	var r [1]byte
	if err := d.Tx([]byte{b}, r[:]); err != nil {
		return 0, err
	}
	return r[0], nil
}

func (d *spidev) Close() error { return unix.Close(d.fd) }

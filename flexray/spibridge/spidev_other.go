//go:build !linux

package spibridge

import (
	"fmt"

	"myoblink/flexray"
)

// Spidev is only available on Linux.
func Spidev(speedHz uint32) Opener {
	return func(serial string) (Port, error) {
		return nil, fmt.Errorf("%w: spidev is not supported on this platform", flexray.ErrNotFound)
	}
}

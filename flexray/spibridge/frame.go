package spibridge

import (
	"encoding/binary"
	"math"

	"myoblink/types"
)

// Bridge commands of the assumed firmware. Every command is one SPI write
// followed by one SPI read of the response; the first response byte is a
// status. Floats are little-endian IEEE 754.
const (
	cmdEnumerate byte = 0x01 // -> status, ganglion bitmask
	cmdRead      byte = 0x02 // g, m -> status, 5 x float32
	cmdWrite     byte = 0x03 // g, m, mode, float32 -> status
)

const (
	statusOK         byte = 0x00
	statusNoData     byte = 0x01
	statusNoGanglion byte = 0x02
	statusBusy       byte = 0x03
)

const (
	maxGanglia  = 8
	stateLen    = 5 * 4
	readReqLen  = 3
	writeReqLen = 4 + 4
)

func putF32(b []byte, v float32) { binary.LittleEndian.PutUint32(b, math.Float32bits(v)) }
func getF32(b []byte) float32    { return math.Float32frombits(binary.LittleEndian.Uint32(b)) }

func decodeState(b []byte) types.MuscleState {
	return types.MuscleState{
		TendonDisplacement: getF32(b[0:4]),
		ActuatorCurrent:    getF32(b[4:8]),
		ActuatorVel:        getF32(b[8:12]),
		ActuatorPos:        getF32(b[12:16]),
		JointPos:           getF32(b[16:20]),
	}
}

func encodeState(b []byte, s types.MuscleState) {
	putF32(b[0:4], s.TendonDisplacement)
	putF32(b[4:8], s.ActuatorCurrent)
	putF32(b[8:12], s.ActuatorVel)
	putF32(b[12:16], s.ActuatorPos)
	putF32(b[16:20], s.JointPos)
}

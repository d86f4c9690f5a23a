package bridge

import (
	"bufio"
	"fmt"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Frame types. A frame is a 3-byte header (type, len hi, len lo) followed by
// a CBOR body of that length.
const (
	framePing  byte = 0x01
	framePong  byte = 0x02
	framePub   byte = 0x10 // node -> peer: wirePub
	frameSub   byte = 0x11 // peer -> node: wireTopic
	frameUnsub byte = 0x12 // peer -> node: wireTopic
	frameAck   byte = 0x13 // node -> peer: wireAck
	frameReq   byte = 0x14 // peer -> node: wireReq
	frameReply byte = 0x15 // node -> peer: wireReply
	frameClose byte = 0x7f
)

type Frame struct {
	Type    byte
	Payload []byte
}

type wireTopic struct {
	Topic string `cbor:"topic"`
}

type wirePub struct {
	Topic    string          `cbor:"topic"`
	Payload  cbor.RawMessage `cbor:"payload"`
	Retained bool            `cbor:"retained"`
}

type wireAck struct {
	Topic string `cbor:"topic"`
	OK    bool   `cbor:"ok"`
	Error string `cbor:"error,omitempty"`
}

type wireReq struct {
	ID      uint32          `cbor:"id"`
	Topic   string          `cbor:"topic"`
	Payload cbor.RawMessage `cbor:"payload,omitempty"`
}

type wireReply struct {
	ID      uint32          `cbor:"id"`
	Payload cbor.RawMessage `cbor:"payload,omitempty"`
	Error   string          `cbor:"error,omitempty"`
}

var (
	mapStringAny = reflect.TypeOf(map[string]any(nil))

	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{DefaultMapType: mapStringAny}).DecMode(); err != nil {
		panic(err)
	}
}

func marshal(v any) ([]byte, error)   { return encMode.Marshal(v) }
func unmarshal(b []byte, v any) error { return decMode.Unmarshal(b, v) }

// -----------------------------------------------------------------------------
// Framing
// -----------------------------------------------------------------------------

type framedReader struct{ r *bufio.Reader }

func newFramedReader(r io.Reader) *framedReader { return &framedReader{r: bufio.NewReader(r)} }

func (fr *framedReader) ReadFrame() (Frame, error) {
	var hdr [3]byte
	if _, err := io.ReadFull(fr.r, hdr[:]); err != nil {
		return Frame{}, err
	}
	n := int(hdr[1])<<8 | int(hdr[2])
	var buf []byte
	if n > 0 {
		buf = make([]byte, n)
		if _, err := io.ReadFull(fr.r, buf); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Type: hdr[0], Payload: buf}, nil
}

type framedWriter struct{ w io.Writer }

func newFramedWriter(w io.Writer) *framedWriter { return &framedWriter{w: w} }

// WriteFrame emits header and body in a single Write.
func (fw *framedWriter) WriteFrame(f Frame) error {
	if len(f.Payload) > 0xFFFF {
		return fmt.Errorf("frame too large: %d", len(f.Payload))
	}
	buf := make([]byte, 3+len(f.Payload))
	buf[0] = f.Type
	buf[1] = byte(len(f.Payload) >> 8)
	buf[2] = byte(len(f.Payload))
	copy(buf[3:], f.Payload)
	_, err := fw.w.Write(buf)
	return err
}

// Package telemetry records published muscle samples as a CBOR sequence.
package telemetry

import (
	"context"
	"errors"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"

	"myoblink/bus"
	"myoblink/services/myo"
	"myoblink/types"
	"myoblink/x/timex"
)

// Record is one sample as written to the sequence.
type Record struct {
	TS       int64             `cbor:"1,keyasint"` // unix ms at receipt
	Ganglion int               `cbor:"2,keyasint"`
	Muscle   int               `cbor:"3,keyasint"`
	State    types.MuscleState `cbor:"4,keyasint"`
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("telemetry: CBOR encoder initialization failed: " + err.Error())
	}
}

type Recorder struct {
	conn *bus.Connection
	name string
	enc  *cbor.Encoder
	log  zerolog.Logger
	n    int
}

// New returns a recorder for the sensors topics of node name, writing to w.
func New(conn *bus.Connection, name string, w io.Writer, log zerolog.Logger) *Recorder {
	return &Recorder{
		conn: conn,
		name: name,
		enc:  encMode.NewEncoder(w),
		log:  log.With().Str("component", "recorder").Logger(),
	}
}

// Run records until ctx ends. It returns nil on cancellation and the write
// error otherwise.
func (r *Recorder) Run(ctx context.Context) error {
	sub := r.conn.Subscribe(myo.AllSensors(r.name))
	defer r.conn.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Int("records", r.n).Msg("recorder stopped")
			return nil
		case msg, ok := <-sub.Channel():
			if !ok {
				return nil
			}
			addr, ok := myo.SensorsAddress(msg.Topic)
			if !ok {
				continue
			}
			st, ok := msg.Payload.(types.MuscleState)
			if !ok {
				r.log.Debug().Type("payload", msg.Payload).Msg("skipping sample")
				continue
			}
			rec := Record{TS: timex.NowMs(), Ganglion: addr.Ganglion, Muscle: addr.Muscle, State: st}
			if err := r.enc.Encode(rec); err != nil {
				return err
			}
			r.n++
		}
	}
}

// ReadAll decodes a recorded sequence.
func ReadAll(rd io.Reader) ([]Record, error) {
	dec := cbor.NewDecoder(rd)
	var out []Record
	for {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, err
		}
		out = append(out, rec)
	}
}

// Package heartbeat publishes a retained liveness beat for the node.
package heartbeat

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"myoblink/bus"
	"myoblink/x/timex"
)

// Beat is the retained heartbeat payload.
type Beat struct {
	Seq      uint64 `json:"seq"`
	UptimeMs int64  `json:"uptime_ms"`
	TS       int64  `json:"ts_ms"`
}

// Interval is the payload accepted on the interval config topic.
type Interval struct {
	Period time.Duration `json:"period"`
}

const minPeriod = 100 * time.Millisecond

type Service struct {
	conn   *bus.Connection
	name   string
	period time.Duration
	log    zerolog.Logger
}

func New(conn *bus.Connection, name string, period time.Duration, log zerolog.Logger) *Service {
	if period < minPeriod {
		period = minPeriod
	}
	return &Service{
		conn:   conn,
		name:   name,
		period: period,
		log:    log.With().Str("component", "heartbeat").Logger(),
	}
}

// Topic carries the retained Beat.
func Topic(name string) bus.Topic { return bus.T(name, "heartbeat") }

// ConfigTopic accepts Interval updates.
func ConfigTopic(name string) bus.Topic { return bus.T(name, "config", "heartbeat") }

// Run beats until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	cfgSub := s.conn.Subscribe(ConfigTopic(s.name))
	defer s.conn.Unsubscribe(cfgSub)

	tick := time.NewTicker(s.period)
	defer tick.Stop()

	start := time.Now()
	var seq uint64
	for {
		select {
		case <-ctx.Done():
			s.log.Debug().Uint64("beats", seq).Msg("heartbeat stopping")
			return nil
		case <-tick.C:
			seq++
			s.conn.Publish(s.conn.NewMessage(Topic(s.name), Beat{
				Seq:      seq,
				UptimeMs: time.Since(start).Milliseconds(),
				TS:       timex.NowMs(),
			}, true))
		case msg, ok := <-cfgSub.Channel():
			if !ok {
				return nil
			}
			iv, ok := msg.Payload.(Interval)
			if !ok || iv.Period < minPeriod {
				s.log.Warn().Interface("payload", msg.Payload).Msg("ignoring heartbeat config")
				continue
			}
			tick.Reset(iv.Period)
			s.log.Info().Dur("period", iv.Period).Msg("heartbeat period set")
		}
	}
}

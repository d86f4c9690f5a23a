// Package myo is the muscle control node. One goroutine owns the bus
// session, polls every tracked muscle on a fixed tick and services move
// requests between ticks.
package myo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"myoblink/bus"
	"myoblink/errcode"
	"myoblink/flexray"
	"myoblink/services/myo/internal/connmgr"
	"myoblink/services/myo/internal/dispatch"
	"myoblink/services/myo/internal/metrics"
	"myoblink/services/myo/internal/poller"
	"myoblink/types"
	"myoblink/x/timex"
)

// Node state levels published on StateTopic.
const (
	LevelConnecting = "connecting"
	LevelConnected  = "connected"
	LevelStopped    = "stopped"
)

type Service struct {
	conn *bus.Connection
	cfg  Config
	log  zerolog.Logger
	reg  prometheus.Registerer

	m    *metrics.Metrics
	mgr  *connmgr.Manager
	disp *dispatch.Dispatcher
	poll *poller.Poller

	moves <-chan *bus.Message
}

type Option func(*Service)

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.log = l } }

// WithRegisterer registers the loop metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Service) { s.reg = reg }
}

// New builds the service. cfg is expected to be valid.
func New(conn *bus.Connection, drv flexray.Driver, cfg Config, opts ...Option) *Service {
	s := &Service{conn: conn, cfg: cfg, log: zerolog.Nop()}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With().Str("service", cfg.Name).Logger()
	s.m = metrics.New(s.reg)
	s.mgr = connmgr.New(drv, cfg.Backoff, s.log, s.m)
	s.disp = dispatch.New(s.log, s.m, cfg.WriteTimeout)
	s.poll = poller.New(s.log, s.m, cfg.ReadTimeout)
	return s
}

// Run drives the connection lifecycle until ctx is cancelled, then returns
// nil. A lost session is closed and replaced by a fresh connect with the same
// description.
func (s *Service) Run(ctx context.Context, desc flexray.BusDescription) error {
	sub := s.conn.Subscribe(MoveTopic(s.cfg.Name))
	defer s.conn.Unsubscribe(sub)
	s.moves = sub.Channel()

	for {
		s.publishState(LevelConnecting, "")
		sess, err := s.connect(ctx, desc)
		if err != nil {
			s.publishState(LevelStopped, "context_cancelled")
			return nil
		}

		lost := s.serve(ctx, sess, desc)
		if err := sess.Close(); err != nil {
			s.log.Debug().Err(err).Msg("session close")
		}
		s.m.Connected.Set(0)
		s.m.Ganglia.Set(0)
		if !lost {
			s.publishState(LevelStopped, "context_cancelled")
			s.log.Info().Msg("stopped")
			return nil
		}
		s.m.SessionsLost.Inc()
		s.log.Warn().Msg("bus session lost, reconnecting")
	}
}

type connResult struct {
	sess flexray.Session
	err  error
}

// connect runs the connection manager while answering move requests with
// not_connected. The session is handed back over the result channel.
func (s *Service) connect(ctx context.Context, desc flexray.BusDescription) (flexray.Session, error) {
	res := make(chan connResult, 1)
	go func() {
		sess, err := s.mgr.Connect(ctx, desc)
		res <- connResult{sess, err}
	}()
	for {
		select {
		case r := <-res:
			if r.err == nil && ctx.Err() != nil {
				_ = r.sess.Close()
				return nil, ctx.Err()
			}
			return r.sess, r.err
		case msg, ok := <-s.moves:
			if !ok {
				s.moves = nil
				continue
			}
			_ = s.handleMove(ctx, nil, msg)
		}
	}
}

// serve runs the control loop on a live session. It reports true when the
// session was lost and false when ctx ended.
func (s *Service) serve(ctx context.Context, sess flexray.Session, desc flexray.BusDescription) bool {
	ganglia := sess.Ganglia()
	s.publishStatus(len(ganglia))
	s.publishState(LevelConnected, "")

	tracked := poller.Tracked(desc, ganglia, s.cfg.Tracked)
	s.log.Debug().Int("tracked", len(tracked)).Msg("polling")

	ticker := time.NewTicker(s.cfg.period())
	defer ticker.Stop()

	idle := 0
	for {
		select {
		case <-ctx.Done():
			return false

		case <-ticker.C:
			outs := s.poll.Cycle(ctx, sess, tracked)
			n := 0
			for _, o := range outs {
				if !o.OK() {
					continue
				}
				n++
				s.conn.Publish(s.conn.NewMessage(SensorsTopic(s.cfg.Name, o.Addr), o.State, true))
			}
			if poller.Lost(outs) {
				return true
			}
			if len(tracked) > 0 && n == 0 {
				idle++
			} else {
				idle = 0
			}
			if s.cfg.LossAfter > 0 && idle >= s.cfg.LossAfter {
				s.log.Warn().Int("cycles", idle).Msg("no samples")
				return true
			}

		case msg, ok := <-s.moves:
			if !ok {
				s.moves = nil
				continue
			}
			if err := s.handleMove(ctx, sess, msg); err != nil {
				s.log.Warn().Err(err).Str("code", string(errcode.Of(err))).Msg("move lost the session")
				return true
			}
		}
	}
}

// handleMove replies to one move request. A non-nil error means the session
// is gone.
func (s *Service) handleMove(ctx context.Context, sess flexray.Session, msg *bus.Message) error {
	req, code := decodeMove(msg.Payload)
	if code != "" {
		s.m.Commands.WithLabelValues("none", string(code)).Inc()
		s.reply(msg, types.MoveReply{Error: string(code)})
		return nil
	}
	rep, err := s.disp.Dispatch(ctx, sess, req)
	s.reply(msg, rep)
	return err
}

func (s *Service) reply(msg *bus.Message, rep types.MoveReply) {
	if msg.CanReply() {
		s.conn.Reply(msg, rep, false)
	}
}

// decodeMove accepts a MoveRequest value or pointer, or its JSON form as
// bytes, string or a decoded map.
func decodeMove(v any) (types.MoveRequest, errcode.Code) {
	var raw []byte
	switch p := v.(type) {
	case types.MoveRequest:
		return p, ""
	case *types.MoveRequest:
		if p == nil {
			return types.MoveRequest{}, errcode.InvalidPayload
		}
		return *p, ""
	case []byte:
		raw = p
	case json.RawMessage:
		raw = p
	case string:
		raw = []byte(p)
	case map[string]any:
		b, err := json.Marshal(p)
		if err != nil {
			return types.MoveRequest{}, errcode.InvalidPayload
		}
		raw = b
	default:
		return types.MoveRequest{}, errcode.InvalidPayload
	}
	var req types.MoveRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return types.MoveRequest{}, errcode.InvalidPayload
	}
	return req, ""
}

func (s *Service) publishStatus(n int) {
	msg := fmt.Sprintf("We currently have %d ganglia connected.", n)
	s.log.Info().Int("ganglia", n).Msg(msg)
	s.conn.Publish(s.conn.NewMessage(StatusTopic(s.cfg.Name), msg, true))
}

func (s *Service) publishState(level, status string) {
	s.conn.Publish(s.conn.NewMessage(StateTopic(s.cfg.Name), types.NodeState{
		Level:  level,
		Status: status,
		TS:     timex.NowMs(),
	}, true))
}

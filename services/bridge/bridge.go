// Package bridge links the in-process bus to peers over a stream socket.
// A peer subscribes to exported topics and sends requests to the node's
// services. Frames are length-prefixed; frame bodies are CBOR.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"myoblink/bus"
	"myoblink/errcode"
	"myoblink/x/timex"
)

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config selects the listening endpoint and what peers may reach.
type Config struct {
	Network string // "tcp" or "unix"
	Address string

	// RequestTimeout bounds one forwarded request. Zero means one second.
	RequestTimeout time.Duration

	// Exports are the patterns a peer may subscribe within.
	Exports []bus.Topic
	// Requests are the concrete topics a peer may send requests to.
	Requests []bus.Topic
}

// LinkState is the retained payload on StateTopic.
type LinkState struct {
	Level  string `json:"level" cbor:"level"`   // "listening", "error", "stopped"
	Status string `json:"status" cbor:"status"` // short machine string
	Links  int    `json:"links" cbor:"links"`
	Error  string `json:"error,omitempty" cbor:"error,omitempty"`
	TS     int64  `json:"ts_ms" cbor:"ts_ms"`
}

// StateTopic carries the retained LinkState of node name.
func StateTopic(name string) bus.Topic { return bus.T(name, "bridge", "state") }

// -----------------------------------------------------------------------------
// Service
// -----------------------------------------------------------------------------

type Service struct {
	b          *bus.Bus
	conn       *bus.Connection
	cfg        Config
	stateTopic bus.Topic
	log        zerolog.Logger

	links  atomic.Int32
	nextID atomic.Uint64

	mu   sync.Mutex
	addr net.Addr
}

func New(b *bus.Bus, name string, cfg Config, log zerolog.Logger) *Service {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = time.Second
	}
	return &Service{
		b:          b,
		conn:       b.NewConnection("bridge"),
		cfg:        cfg,
		stateTopic: StateTopic(name),
		log:        log.With().Str("component", "bridge").Logger(),
	}
}

// Addr is the bound address, nil until Run is listening.
func (s *Service) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Run listens and serves links until ctx is cancelled. It fails only when the
// endpoint cannot be bound.
func (s *Service) Run(ctx context.Context) error {
	ln, err := listen(s.cfg.Network, s.cfg.Address)
	if err != nil {
		s.publishState("error", "listen_failed", err)
		return fmt.Errorf("bridge: %w", err)
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("bridge listening")
	s.publishState("listening", "awaiting_peer", nil)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.publishState("stopped", "context_cancelled", nil)
				return nil
			}
			s.log.Warn().Err(err).Msg("accept failed")
			sleep(ctx, 100*time.Millisecond)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveLink(ctx, c)
		}()
	}
}

func listen(network, addr string) (net.Listener, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
	case "unix":
		if fi, err := os.Stat(addr); err == nil && fi.Mode()&os.ModeSocket != 0 {
			_ = os.Remove(addr)
		}
	default:
		return nil, fmt.Errorf("unknown network %q", network)
	}
	return net.Listen(network, addr)
}

// serveLink owns one peer link until the peer goes away or ctx ends.
func (s *Service) serveLink(ctx context.Context, rwc io.ReadWriteCloser) {
	id := "bridge-" + strconv.FormatUint(s.nextID.Add(1), 10)
	l := &link{
		svc:  s,
		conn: s.b.NewConnection(id),
		wr:   newFramedWriter(rwc),
		subs: map[string]*bus.Subscription{},
		log:  s.log.With().Str("link", id).Logger(),
	}
	s.links.Add(1)
	s.publishState("listening", "link_established", nil)
	l.log.Info().Msg("peer connected")

	lctx, cancel := context.WithCancel(ctx)
	go func() {
		<-lctx.Done()
		_ = rwc.Close()
	}()

	err := l.readLoop(lctx, newFramedReader(rwc))

	cancel()
	l.conn.Disconnect()
	l.wg.Wait()
	s.links.Add(-1)
	if err != nil && ctx.Err() == nil {
		l.log.Warn().Err(err).Msg("link lost")
		s.publishState("listening", "link_lost", err)
		return
	}
	l.log.Info().Msg("peer disconnected")
	s.publishState("listening", "link_closed", nil)
}

// -----------------------------------------------------------------------------
// Link
// -----------------------------------------------------------------------------

type link struct {
	svc  *Service
	conn *bus.Connection
	log  zerolog.Logger

	wmu sync.Mutex
	wr  *framedWriter

	// subs is touched only by the read loop.
	subs map[string]*bus.Subscription
	wg   sync.WaitGroup
}

func (l *link) readLoop(ctx context.Context, rd *framedReader) error {
	for {
		f, err := rd.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		switch f.Type {
		case framePing:
			if err := l.write(Frame{Type: framePong}); err != nil {
				return err
			}
		case framePong:
		case frameSub:
			l.subscribe(f.Payload)
		case frameUnsub:
			l.unsubscribe(f.Payload)
		case frameReq:
			l.request(ctx, f.Payload)
		case frameClose:
			return nil
		default:
			l.log.Debug().Uint8("type", f.Type).Msg("unknown frame")
		}
	}
}

func (l *link) subscribe(body []byte) {
	var w wireTopic
	if err := unmarshal(body, &w); err != nil {
		l.ack(w.Topic, errcode.InvalidPayload)
		return
	}
	t, err := ParseTopic(w.Topic)
	if err != nil || !coveredBy(t, l.svc.cfg.Exports) {
		l.ack(w.Topic, errcode.InvalidTopic)
		return
	}
	if _, dup := l.subs[w.Topic]; dup {
		l.ack(w.Topic, "")
		return
	}
	sub := l.conn.Subscribe(t)
	l.subs[w.Topic] = sub
	l.ack(w.Topic, "")

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.forward(sub)
	}()
}

func (l *link) unsubscribe(body []byte) {
	var w wireTopic
	if err := unmarshal(body, &w); err != nil {
		return
	}
	if sub, ok := l.subs[w.Topic]; ok {
		delete(l.subs, w.Topic)
		l.conn.Unsubscribe(sub)
	}
}

// forward copies messages to the peer until the subscription closes.
func (l *link) forward(sub *bus.Subscription) {
	for m := range sub.Channel() {
		p, err := marshal(m.Payload)
		if err != nil {
			l.log.Debug().Err(err).Str("topic", m.Topic.String()).Msg("payload not encodable")
			continue
		}
		if err := l.writeBody(framePub, wirePub{Topic: m.Topic.String(), Payload: p, Retained: m.Retained}); err != nil {
			return
		}
	}
}

func (l *link) request(ctx context.Context, body []byte) {
	var w wireReq
	if err := unmarshal(body, &w); err != nil {
		_ = l.writeBody(frameReply, wireReply{ID: w.ID, Error: string(errcode.InvalidPayload)})
		return
	}
	t, err := ParseTopic(w.Topic)
	if err != nil || !allowedRequest(t, l.svc.cfg.Requests) {
		_ = l.writeBody(frameReply, wireReply{ID: w.ID, Error: string(errcode.InvalidTopic)})
		return
	}
	var payload any
	if len(w.Payload) > 0 {
		if err := unmarshal(w.Payload, &payload); err != nil {
			_ = l.writeBody(frameReply, wireReply{ID: w.ID, Error: string(errcode.InvalidPayload)})
			return
		}
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		rctx, cancel := context.WithTimeout(ctx, l.svc.cfg.RequestTimeout)
		defer cancel()
		rep, err := l.conn.RequestWait(rctx, l.conn.NewMessage(t, payload, false))
		if err != nil {
			code := errcode.Error
			if errors.Is(err, context.DeadlineExceeded) {
				code = errcode.Timeout
			}
			_ = l.writeBody(frameReply, wireReply{ID: w.ID, Error: string(code)})
			return
		}
		p, err := marshal(rep.Payload)
		if err != nil {
			_ = l.writeBody(frameReply, wireReply{ID: w.ID, Error: string(errcode.Error)})
			return
		}
		_ = l.writeBody(frameReply, wireReply{ID: w.ID, Payload: p})
	}()
}

func (l *link) ack(topic string, code errcode.Code) {
	_ = l.writeBody(frameAck, wireAck{Topic: topic, OK: code == "", Error: string(code)})
}

func (l *link) writeBody(typ byte, v any) error {
	b, err := marshal(v)
	if err != nil {
		return err
	}
	return l.write(Frame{Type: typ, Payload: b})
}

func (l *link) write(f Frame) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	return l.wr.WriteFrame(f)
}

// -----------------------------------------------------------------------------
// Topics
// -----------------------------------------------------------------------------

// ParseTopic splits a "/"-joined topic. Decimal segments become int tokens,
// matching how the node publishes muscle addresses.
func ParseTopic(s string) (bus.Topic, error) {
	if s == "" {
		return nil, errors.New("empty topic")
	}
	parts := strings.Split(s, "/")
	t := make(bus.Topic, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("empty segment in %q", s)
		}
		if n, err := strconv.Atoi(p); err == nil {
			t = append(t, n)
			continue
		}
		t = append(t, p)
	}
	return t, nil
}

// coveredBy reports whether every topic matching req also matches one of the
// allowed patterns.
func coveredBy(req bus.Topic, allowed []bus.Topic) bool {
	for _, a := range allowed {
		if covers(a, req) {
			return true
		}
	}
	return false
}

func covers(allow, req bus.Topic) bool {
	for i, tok := range allow {
		if tok == bus.WildRest {
			return true
		}
		if i >= len(req) {
			return false
		}
		if tok == bus.WildOne {
			if req[i] == bus.WildRest {
				return false
			}
			continue
		}
		if req[i] != tok {
			return false
		}
	}
	return len(req) == len(allow)
}

func allowedRequest(t bus.Topic, allowed []bus.Topic) bool {
	for _, tok := range t {
		if tok == bus.WildOne || tok == bus.WildRest {
			return false
		}
	}
	return coveredBy(t, allowed)
}

// -----------------------------------------------------------------------------
// Utilities
// -----------------------------------------------------------------------------

func (s *Service) publishState(level, status string, err error) {
	st := LinkState{
		Level:  level,
		Status: status,
		Links:  int(s.links.Load()),
		TS:     timex.NowMs(),
	}
	if err != nil {
		st.Error = err.Error()
	}
	s.conn.Publish(s.conn.NewMessage(s.stateTopic, st, true))
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

package heartbeat

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"myoblink/bus"
)

func TestHeartbeatPublishesRetained(t *testing.T) {
	b := bus.NewBus(8)
	conn := b.NewConnection("hb")
	svc := New(conn, "n", 0, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	// Shorten the period through the config topic.
	conn.Publish(conn.NewMessage(ConfigTopic("n"), Interval{Period: 100 * time.Millisecond}, true))

	sub := conn.Subscribe(Topic("n"))
	var last uint64
	for last < 2 {
		select {
		case m := <-sub.Channel():
			beat, ok := m.Payload.(Beat)
			if !ok {
				t.Fatalf("payload %T, want Beat", m.Payload)
			}
			if !m.Retained {
				t.Fatal("beat not retained")
			}
			if beat.Seq <= last && last != 0 {
				t.Fatalf("seq went from %d to %d", last, beat.Seq)
			}
			last = beat.Seq
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for heartbeat")
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

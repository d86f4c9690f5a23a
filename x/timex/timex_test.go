package timex

import (
	"testing"
	"time"
)

func TestPeriodFromHz(t *testing.T) {
	cases := map[uint32]time.Duration{
		0:    time.Second,
		1:    time.Second,
		100:  10 * time.Millisecond,
		1000: time.Millisecond,
	}
	for hz, want := range cases {
		if got := time.Duration(PeriodFromHz(hz)); got != want {
			t.Errorf("PeriodFromHz(%d) = %v, want %v", hz, got, want)
		}
	}
}

func TestNowMs(t *testing.T) {
	before := time.Now().UnixMilli()
	got := NowMs()
	if got < before || got > time.Now().UnixMilli() {
		t.Fatalf("NowMs() = %d outside [%d, now]", got, before)
	}
}

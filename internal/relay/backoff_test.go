package relay

import (
	"testing"
	"time"
)

func TestExponentialBackoffDelay(t *testing.T) {
	b := ExponentialBackoff{Initial: time.Second, Max: 30 * time.Second}
	cases := map[int]time.Duration{
		0:  time.Second,
		1:  2 * time.Second,
		4:  16 * time.Second,
		5:  30 * time.Second,
		40: 30 * time.Second,
		-1: time.Second,
	}
	for attempt, want := range cases {
		if got := b.Delay(attempt); got != want {
			t.Fatalf("attempt %d: expected %s, got %s", attempt, want, got)
		}
	}
}

func TestNormalizeConfigClampsBackoff(t *testing.T) {
	cfg := NormalizeConfig(Config{BackoffInitial: 5 * time.Second, BackoffMax: time.Second, ConnectionType: "weird"})
	if cfg.BackoffMax != 5*time.Second {
		t.Fatalf("expected max clamped to initial, got %s", cfg.BackoffMax)
	}
	if cfg.ConnectionType != ConnectionTypeAutomatic {
		t.Fatalf("expected automatic connection type, got %s", cfg.ConnectionType)
	}
	if cfg.Transport != TransportWebsocket {
		t.Fatalf("expected websocket default transport, got %s", cfg.Transport)
	}
}

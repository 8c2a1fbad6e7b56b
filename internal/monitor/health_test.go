package monitor

import (
	"testing"
	"time"
)

func TestEvaluate(t *testing.T) {
	interval := 30 * time.Second
	tests := []struct {
		name      string
		connected bool
		age       time.Duration
		want      Status
	}{
		{"fresh traffic", true, 5 * time.Second, Healthy},
		{"at the stale edge", true, 60 * time.Second, Healthy},
		{"stale", true, 61 * time.Second, Degraded},
		{"disconnected", false, 0, Unhealthy},
		{"disconnected stale", false, 5 * time.Minute, Unhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Evaluate(tt.connected, tt.age, interval); got != tt.want {
				t.Errorf("Evaluate(%v, %v) = %q, want %q", tt.connected, tt.age, got, tt.want)
			}
		})
	}
}

func TestWorst(t *testing.T) {
	if got := Worst(Healthy, Degraded); got != Degraded {
		t.Errorf("Worst(healthy, degraded) = %q", got)
	}
	if got := Worst(Unhealthy, Degraded); got != Unhealthy {
		t.Errorf("Worst(unhealthy, degraded) = %q", got)
	}
	if got := Worst(Healthy, Healthy); got != Healthy {
		t.Errorf("Worst(healthy, healthy) = %q", got)
	}
}

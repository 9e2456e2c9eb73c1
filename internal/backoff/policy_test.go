package backoff

import (
	"testing"
	"time"
)

func TestComputeWithRand_Exponential(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2, Jitter: 0}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{0, 100 * time.Millisecond}, // clamped to attempt 1
	}
	for _, tt := range tests {
		if got := p.ComputeWithRand(tt.attempt, 0); got != tt.want {
			t.Errorf("ComputeWithRand(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestComputeWithRand_ClampsToMax(t *testing.T) {
	p := Policy{Initial: time.Second, Max: 4 * time.Second, Factor: 2, Jitter: 0}
	if got := p.ComputeWithRand(10, 0); got != 4*time.Second {
		t.Errorf("ComputeWithRand(10) = %v, want 4s", got)
	}
}

func TestComputeWithRand_Jitter(t *testing.T) {
	p := Policy{Initial: time.Second, Max: time.Minute, Factor: 2, Jitter: 0.5}
	// randomValue 1.0 would add the full jitter fraction
	got := p.ComputeWithRand(1, 0.999999)
	if got < time.Second || got > 1500*time.Millisecond {
		t.Errorf("jittered backoff %v outside [1s, 1.5s]", got)
	}
}

func TestReconnectPolicy(t *testing.T) {
	p := Reconnect()
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, w := range want {
		if got := p.ComputeWithRand(i+1, 0); got != w {
			t.Errorf("Reconnect attempt %d = %v, want %v", i+1, got, w)
		}
	}
}

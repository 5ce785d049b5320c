package conn

import (
	"testing"
	"time"
)

func TestBackoffFormula(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 30 * time.Second, rand: func() float64 { return 0 }}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 1500 * time.Millisecond},
		{2, 2250 * time.Millisecond},
		{10, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoffJitterBounded(t *testing.T) {
	b := DefaultBackoff()
	for i := 0; i < 200; i++ {
		d := b.Delay(0)
		if d < time.Second || d >= time.Second+200*time.Millisecond {
			t.Fatalf("Delay(0) = %v outside [1s, 1.2s)", d)
		}
	}
}

// TestBackoffNonDecreasingThenConstant checks consecutive delays with
// worst-case jitter (max on one attempt, none on the next).
func TestBackoffNonDecreasingThenConstant(t *testing.T) {
	hi := DefaultBackoff()
	hi.rand = func() float64 { return 0.999999 }
	lo := DefaultBackoff()
	lo.rand = func() float64 { return 0 }

	capped := false
	for a := 0; a < 30; a++ {
		prev, next := hi.Delay(a), lo.Delay(a+1)
		if next < prev {
			t.Fatalf("Delay(%d)=%v < Delay(%d)=%v", a+1, next, a, prev)
		}
		if prev == hi.Max {
			capped = true
		}
		if capped && next != hi.Max {
			t.Fatalf("delay left the cap at attempt %d: %v", a+1, next)
		}
	}
	if !capped {
		t.Error("delay never reached the cap")
	}
}

func TestBackoffExhausted(t *testing.T) {
	b := Backoff{MaxAttempts: 3}
	if b.Exhausted(2) || !b.Exhausted(3) {
		t.Error("Exhausted() boundary wrong")
	}
	if (Backoff{}).Exhausted(1000) {
		t.Error("MaxAttempts=0 should retry forever")
	}
}

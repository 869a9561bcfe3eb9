package backstop

import (
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	base := time.Second
	max := time.Minute

	t.Run("doubles per attempt from the base", func(t *testing.T) {
		want := []time.Duration{
			time.Second,
			2 * time.Second,
			4 * time.Second,
			8 * time.Second,
			16 * time.Second,
			32 * time.Second,
		}
		for i, w := range want {
			if got := Backoff(base, max, i+1); got != w {
				t.Errorf("Backoff(attempt=%d) = %v, want %v", i+1, got, w)
			}
		}
	})

	t.Run("caps at max", func(t *testing.T) {
		for attempt := 7; attempt <= 12; attempt++ {
			if got := Backoff(base, max, attempt); got != max {
				t.Errorf("Backoff(attempt=%d) = %v, want cap %v", attempt, got, max)
			}
		}
	})

	t.Run("huge attempt counts do not overflow", func(t *testing.T) {
		for _, attempt := range []int{33, 64, 1 << 20} {
			if got := Backoff(base, max, attempt); got != max {
				t.Errorf("Backoff(attempt=%d) = %v, want cap %v", attempt, got, max)
			}
		}
	})

	t.Run("uncapped overflow saturates instead of collapsing to zero", func(t *testing.T) {
		for _, attempt := range []int{33, 64, 1 << 20} {
			got := Backoff(base, 0, attempt)
			if got < max {
				t.Errorf("Backoff(max=0, attempt=%d) = %v, want a saturated delay", attempt, got)
			}
		}
		// Within shift range but past 62 bits it saturates the same way.
		if got := Backoff(time.Hour, 0, 32); got < time.Hour {
			t.Errorf("Backoff(max=0, attempt=32) = %v, want a saturated delay", got)
		}
	})

	t.Run("non-positive attempts use the base", func(t *testing.T) {
		if got := Backoff(base, max, 0); got != base {
			t.Errorf("Backoff(attempt=0) = %v, want %v", got, base)
		}
		if got := Backoff(base, max, -5); got != base {
			t.Errorf("Backoff(attempt=-5) = %v, want %v", got, base)
		}
	})

	t.Run("monotonically non-decreasing", func(t *testing.T) {
		prev := time.Duration(0)
		for attempt := 1; attempt <= 40; attempt++ {
			got := Backoff(base, max, attempt)
			if got < prev {
				t.Fatalf("Backoff(attempt=%d) = %v < previous %v", attempt, got, prev)
			}
			prev = got
		}
	})
}

func TestJitter(t *testing.T) {
	d := 10 * time.Second

	for i := 0; i < 100; i++ {
		got := Jitter(d, 0.2)
		lo, hi := 8*time.Second, 12*time.Second
		if got < lo || got > hi {
			t.Fatalf("Jitter(%v, 0.2) = %v, want within [%v, %v]", d, got, lo, hi)
		}
	}

	if got := Jitter(d, 0); got != d {
		t.Errorf("Jitter(%v, 0) = %v, want unchanged", d, got)
	}
}

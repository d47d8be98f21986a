package chatsync

import (
	"testing"
	"time"
)

func TestRateLimiter(t *testing.T) {
	t.Run("allows exactly limit attempts per window", func(t *testing.T) {
		clk := newFakeClock()
		rl := NewRateLimiter(3, time.Minute, clk)

		for i := 0; i < 3; i++ {
			if !rl.CheckLimit() {
				t.Fatalf("attempt %d: expected allowed", i+1)
			}
		}
		if rl.CheckLimit() {
			t.Fatal("expected 4th attempt to be rejected")
		}
		if got := rl.RemainingAttempts(); got != 0 {
			t.Fatalf("expected 0 remaining, got %d", got)
		}
	})

	t.Run("window slides", func(t *testing.T) {
		clk := newFakeClock()
		rl := NewRateLimiter(2, time.Minute, clk)

		rl.CheckLimit()
		clk.Advance(30 * time.Second)
		rl.CheckLimit()
		if rl.CheckLimit() {
			t.Fatal("expected rejection while both attempts are in window")
		}

		clk.Advance(30 * time.Second)
		if got := rl.RemainingAttempts(); got != 1 {
			t.Fatalf("expected first attempt to age out, remaining=%d", got)
		}
		if !rl.CheckLimit() {
			t.Fatal("expected attempt after oldest aged out")
		}
	})

	t.Run("rejected attempts are not recorded", func(t *testing.T) {
		clk := newFakeClock()
		rl := NewRateLimiter(1, time.Minute, clk)

		rl.CheckLimit()
		clk.Advance(30 * time.Second)
		for i := 0; i < 5; i++ {
			if rl.CheckLimit() {
				t.Fatal("expected rejection")
			}
		}
		clk.Advance(30 * time.Second)
		if !rl.CheckLimit() {
			t.Fatal("expected allowed once the window passed")
		}
	})

	t.Run("reset", func(t *testing.T) {
		rl := NewRateLimiter(1, time.Minute, newFakeClock())
		rl.CheckLimit()
		rl.Reset()
		if got := rl.RemainingAttempts(); got != 1 {
			t.Fatalf("expected 1 remaining after reset, got %d", got)
		}
	})

	t.Run("defaults", func(t *testing.T) {
		rl := NewRateLimiter(0, 0, newFakeClock())
		if got := rl.RemainingAttempts(); got != DefaultRateLimit {
			t.Fatalf("expected %d remaining, got %d", DefaultRateLimit, got)
		}
	})
}

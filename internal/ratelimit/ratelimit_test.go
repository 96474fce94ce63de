package ratelimit

import "testing"

func TestCanSubmitWithinWindow(t *testing.T) {
	l := New(Config{MaxSubmitsPerWindow: 2, WindowMs: 1000, MaxConcurrentAuctions: 5})

	for i := 0; i < 2; i++ {
		d := l.CanSubmit()
		if !d.Allowed {
			t.Fatalf("submission %d should be allowed", i)
		}
		l.RecordSubmission()
	}

	d := l.CanSubmit()
	if d.Allowed {
		t.Fatalf("third submission should be rejected")
	}
	if d.RetryAfterMs <= 0 {
		t.Fatalf("expected positive retry-after, got %d", d.RetryAfterMs)
	}
}

func TestConcurrencyGate(t *testing.T) {
	l := New(Config{MaxSubmitsPerWindow: 100, WindowMs: 1000, MaxConcurrentAuctions: 1})

	l.AuctionStarted()
	if d := l.CanSubmit(); d.Allowed {
		t.Fatalf("expected concurrency gate to reject")
	}
	l.AuctionEnded()
	if d := l.CanSubmit(); !d.Allowed {
		t.Fatalf("expected concurrency gate to allow after auction ended")
	}
}

func TestAuctionEndedNeverGoesNegative(t *testing.T) {
	l := New(DefaultConfig())
	l.AuctionEnded()
	if got := l.ActiveAuctions(); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}

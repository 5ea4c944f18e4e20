package fetch

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiter_SpacesSameHost(t *testing.T) {
	rl := NewRateLimiter(80*time.Millisecond, testLogger())
	ctx := context.Background()

	start := time.Now()
	if err := rl.Wait(ctx, "example.at"); err != nil {
		t.Fatalf("first Wait: %v", err)
	}
	if first := time.Since(start); first > 40*time.Millisecond {
		t.Errorf("first Wait took %v, want immediate", first)
	}
	if err := rl.Wait(ctx, "example.at"); err != nil {
		t.Fatalf("second Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("second Wait returned after %v, want >= ~80ms", elapsed)
	}
}

func TestRateLimiter_HostsIndependent(t *testing.T) {
	rl := NewRateLimiter(500*time.Millisecond, testLogger())
	ctx := context.Background()

	start := time.Now()
	for _, host := range []string{"a.at", "b.at", "c.at"} {
		if err := rl.Wait(ctx, host); err != nil {
			t.Fatalf("Wait(%s): %v", host, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("distinct hosts took %v, want no spacing between them", elapsed)
	}
}

func TestRateLimiter_RespectsContextCancellation(t *testing.T) {
	rl := NewRateLimiter(5*time.Second, testLogger())
	host := "example.com"
	if err := rl.Wait(context.Background(), host); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if err := rl.Wait(ctx, host); err == nil {
		t.Error("Wait with cancelled context returned nil")
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Wait with cancelled context took %v, expected <100ms", elapsed)
	}
}

func TestRateLimiter_ZeroDelayDisabled(t *testing.T) {
	rl := NewRateLimiter(0, testLogger())
	start := time.Now()
	for i := 0; i < 50; i++ {
		if err := rl.Wait(context.Background(), "example.at"); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("unlimited waits took %v", elapsed)
	}
}

func TestRateLimiter_SetHostDelay(t *testing.T) {
	rl := NewRateLimiter(10*time.Millisecond, testLogger())
	rl.SetHostDelay("slow.at", 2*time.Second)
	rl.SetHostDelay("fast.at", time.Millisecond) // below default, ignored

	if got := rl.limiter("slow.at").Limit(); got != limitFor(2*time.Second) {
		t.Errorf("slow.at limit = %v, want %v", got, limitFor(2*time.Second))
	}
	if got := rl.limiter("fast.at").Limit(); got != limitFor(10*time.Millisecond) {
		t.Errorf("fast.at limit = %v, want default", got)
	}
}

package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Factor:       2.0,
	}
}

func TestDoSucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(5), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	transient := errors.New("still down")
	calls := 0
	err := Do(context.Background(), fastPolicy(3), func() error {
		calls++
		return transient
	})
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if !errors.Is(err, transient) {
		t.Errorf("exhaustion error should wrap last error, got %v", err)
	}
}

func TestDoStopsOnPermanent(t *testing.T) {
	rejected := errors.New("bad request")
	calls := 0
	err := Do(context.Background(), fastPolicy(5), func() error {
		calls++
		return Permanent(rejected)
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !errors.Is(err, rejected) {
		t.Errorf("err = %v, want wrapped %v", err, rejected)
	}
}

func TestDoHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Do(ctx, fastPolicy(3), func() error {
		calls++
		return errors.New("transient")
	})
	if calls != 0 {
		t.Errorf("calls = %d, want 0", calls)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestDoValue(t *testing.T) {
	calls := 0
	v, err := DoValue(context.Background(), fastPolicy(3), func() (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("transient")
		}
		return "ready", nil
	})
	if err != nil {
		t.Fatalf("DoValue: %v", err)
	}
	if v != "ready" {
		t.Errorf("value = %q, want %q", v, "ready")
	}
}

func TestDelayGrowthAndClamp(t *testing.T) {
	p := Policy{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Factor: 2.0}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{20, time.Second},
	}
	for _, tc := range cases {
		if got := p.Delay(tc.attempt); got != tc.want {
			t.Errorf("Delay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestDelayJitterBounds(t *testing.T) {
	p := Policy{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Factor: 2.0, Jitter: true}

	lo := p.delayWithRand(2, 0)
	hi := p.delayWithRand(2, 0.999)
	if lo != 100*time.Millisecond {
		t.Errorf("low jitter = %v, want 100ms", lo)
	}
	if hi <= lo || hi >= 300*time.Millisecond {
		t.Errorf("high jitter = %v, want in (100ms, 300ms)", hi)
	}
}

func TestSleepCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	err := Sleep(ctx, 5*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Sleep err = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Sleep did not return promptly on cancel")
	}
}

func TestPermanentNil(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
	if IsPermanent(errors.New("plain")) {
		t.Error("plain error misclassified as permanent")
	}
}

package recording

import (
	"testing"
	"time"
)

func TestRetryPolicy_Delay_ExponentialGrowth(t *testing.T) {
	p := RetryPolicy{Base: time.Second, Max: 30 * time.Second, JitterFrac: 0}

	cases := []struct {
		n        int
		expected time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second}, // capped below the naive 32s
		{10, 30 * time.Second},
	}
	for _, c := range cases {
		got := p.Delay(c.n)
		if got != c.expected {
			t.Errorf("Delay(%d) = %v, want %v", c.n, got, c.expected)
		}
	}
}

func TestRetryPolicy_Delay_NegativeTreatedAsZero(t *testing.T) {
	p := RetryPolicy{Base: time.Second, Max: 30 * time.Second, JitterFrac: 0}
	if got := p.Delay(-5); got != p.Delay(0) {
		t.Errorf("Delay(-5) = %v, want Delay(0) = %v", got, p.Delay(0))
	}
}

func TestRetryPolicy_Delay_JitterWithinBounds(t *testing.T) {
	p := RetryPolicy{Base: time.Second, Max: 30 * time.Second, JitterFrac: 0.2}
	base := 4 * time.Second // the unjittered delay for n=2
	for i := 0; i < 50; i++ {
		d := p.Delay(2)
		if d < 0 {
			t.Fatalf("Delay returned negative duration: %v", d)
		}
		lower := time.Duration(float64(base) * 0.8)
		upper := time.Duration(float64(base) * 1.2)
		if d < lower || d > upper {
			t.Errorf("Delay(2) = %v, want within [%v, %v]", d, lower, upper)
		}
	}
}

func TestRetryPolicy_Delay_NeverExceedsMax(t *testing.T) {
	p := RetryPolicy{Base: time.Second, Max: 30 * time.Second, JitterFrac: 0.2}
	for i := 0; i < 50; i++ {
		if d := p.Delay(20); d > p.Max+time.Duration(float64(p.Max)*p.JitterFrac) {
			t.Errorf("Delay(20) = %v exceeds max+jitter bound", d)
		}
	}
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	if p.Base != time.Second || p.Max != 30*time.Second {
		t.Errorf("unexpected default policy: %+v", p)
	}
}

func TestRetryPolicy_Limiter_ZeroDelayIsUnlimited(t *testing.T) {
	p := RetryPolicy{Base: 0, Max: 0, JitterFrac: 0}
	l := p.Limiter(0)
	if !l.Allow() {
		t.Error("expected an unlimited limiter to allow immediately")
	}
}

func TestRetryPolicy_Limiter_PositiveDelayLimitsRate(t *testing.T) {
	p := RetryPolicy{Base: time.Second, Max: 30 * time.Second, JitterFrac: 0}
	l := p.Limiter(0)
	if !l.Allow() {
		t.Error("expected the first reservation to be allowed")
	}
	if l.Allow() {
		t.Error("expected a second immediate reservation to be rate-limited")
	}
}

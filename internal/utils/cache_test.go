package utils

import (
	"testing"
	"time"
)

func TestValueCacheRoundTrip(t *testing.T) {
	t.Parallel()
	c := NewValueCache(time.Minute)
	k := Key{Channel: 1, Quantity: "frequency"}

	if _, ok := c.Get(k); ok {
		t.Fatal("empty cache reported a hit")
	}
	c.Set(k, 348.5)
	v, ok := c.Get(k)
	if !ok || v != 348.5 {
		t.Fatalf("Get = (%v, %v)", v, ok)
	}
}

func TestValueCacheKeysAreChannelScoped(t *testing.T) {
	t.Parallel()
	c := NewValueCache(time.Minute)

	c.Set(Key{Channel: 1, Quantity: "frequency"}, 348.5)
	if _, ok := c.Get(Key{Channel: 2, Quantity: "frequency"}); ok {
		t.Fatal("channel 2 hit channel 1's entry")
	}
	if _, ok := c.Get(Key{Channel: 1, Quantity: "setpoint"}); ok {
		t.Fatal("setpoint hit the frequency entry")
	}
}

func TestValueCacheExpiry(t *testing.T) {
	t.Parallel()
	c := NewValueCache(20 * time.Millisecond)
	k := Key{Channel: 1, Quantity: "volt"}

	c.Set(k, 1)
	time.Sleep(40 * time.Millisecond)
	if _, ok := c.Get(k); ok {
		t.Fatal("entry survived past its TTL")
	}
}

func TestFloatsEqual(t *testing.T) {
	t.Parallel()
	cases := []struct {
		a, b, tol float64
		want      bool
	}{
		{348.2, 348.2, 1e-9, true},
		{348.2, 348.2 + 1e-12, 1e-9, true},
		{348.2, 348.3, 1e-9, false},
		{0, 0, 0, true},
	}
	for _, tc := range cases {
		if got := FloatsEqual(tc.a, tc.b, tc.tol); got != tc.want {
			t.Errorf("FloatsEqual(%v, %v, %v) = %v, want %v", tc.a, tc.b, tc.tol, got, tc.want)
		}
	}
}

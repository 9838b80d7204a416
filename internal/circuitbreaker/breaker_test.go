package circuitbreaker

import (
	"testing"
	"time"
)

func tripOpen(b *Breaker, key string, n int) {
	for i := 0; i < n; i++ {
		b.RecordFailure(key)
	}
}

func TestAllow_ClosedByDefault(t *testing.T) {
	b := New(3, 100*time.Millisecond)
	if !b.Allow("escrow") {
		t.Fatal("fresh key should be allowed")
	}
	if b.State("escrow") != StateClosed {
		t.Fatalf("fresh key state = %v, want closed", b.State("escrow"))
	}
}

func TestOpensAtThreshold(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	tripOpen(b, "escrow", 2)
	if !b.Allow("escrow") {
		t.Fatal("below threshold should still allow")
	}

	b.RecordFailure("escrow")
	if b.Allow("escrow") {
		t.Fatal("threshold reached, calls should be rejected")
	}
	if b.State("escrow") != StateOpen {
		t.Fatalf("state = %v, want open", b.State("escrow"))
	}
}

func TestHalfOpenProbe(t *testing.T) {
	b := New(2, 50*time.Millisecond)
	tripOpen(b, "custodial", 2)

	if b.Allow("custodial") {
		t.Fatal("should be open")
	}

	time.Sleep(60 * time.Millisecond)

	// First call after the interval is the probe.
	if !b.Allow("custodial") {
		t.Fatal("probe should be admitted after the open interval")
	}
	if b.State("custodial") != StateHalfOpen {
		t.Fatalf("state = %v, want half_open", b.State("custodial"))
	}

	// Only one probe at a time.
	if b.Allow("custodial") {
		t.Fatal("second call during the probe should be rejected")
	}
}

func TestProbeOutcome(t *testing.T) {
	t.Run("success closes", func(t *testing.T) {
		b := New(2, 50*time.Millisecond)
		tripOpen(b, "escrow", 2)
		time.Sleep(60 * time.Millisecond)
		b.Allow("escrow")

		b.RecordSuccess("escrow")
		if b.State("escrow") != StateClosed {
			t.Fatalf("state = %v, want closed after successful probe", b.State("escrow"))
		}
		if !b.Allow("escrow") {
			t.Fatal("closed circuit should allow")
		}
	})

	t.Run("failure reopens", func(t *testing.T) {
		b := New(2, 50*time.Millisecond)
		tripOpen(b, "escrow", 2)
		time.Sleep(60 * time.Millisecond)
		b.Allow("escrow")

		b.RecordFailure("escrow")
		if b.State("escrow") != StateOpen {
			t.Fatalf("state = %v, want open after failed probe", b.State("escrow"))
		}
	})
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	tripOpen(b, "escrow", 2)
	b.RecordSuccess("escrow")

	// The streak broke, so one more failure must not trip.
	b.RecordFailure("escrow")
	if !b.Allow("escrow") {
		t.Fatal("failure count should have been reset by the success")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	b := New(2, 100*time.Millisecond)
	tripOpen(b, "escrow", 2)

	if b.Allow("escrow") {
		t.Fatal("escrow should be open")
	}
	if !b.Allow("custodial") {
		t.Fatal("custodial must not be affected by escrow failures")
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}

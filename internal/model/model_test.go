package model

import (
	"testing"
	"time"
)

func TestShouldTerminate_AtThreeFailures(t *testing.T) {
	t.Parallel()

	conn := ServerConnection{HeartbeatFailures: 2}
	if conn.ShouldTerminate() {
		t.Fatal("2 failures must not terminate")
	}
	conn.HeartbeatFailures = 3
	if !conn.ShouldTerminate() {
		t.Fatal("3 failures must terminate")
	}
	conn.HeartbeatFailures = 5
	if !conn.ShouldTerminate() {
		t.Fatal("above threshold must terminate")
	}
}

func TestReliabilityScore(t *testing.T) {
	t.Parallel()

	p := PairingRecord{}
	if got := p.ReliabilityScore(); got != 0 {
		t.Fatalf("empty score=%f", got)
	}

	p = PairingRecord{Successes: 3, Failures: 1}
	if got := p.ReliabilityScore(); got != 0.75 {
		t.Fatalf("score=%f", got)
	}

	p = PairingRecord{Failures: 4}
	if got := p.ReliabilityScore(); got != 0 {
		t.Fatalf("all-failure score=%f", got)
	}
}

func TestIsExpired_ThirtyDayWindow(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	p := PairingRecord{LastConnectedAt: now.Add(-PairingExpiry)}
	if p.IsExpired(now) {
		t.Fatal("exactly 30 days is not expired")
	}

	p.LastConnectedAt = now.Add(-PairingExpiry - time.Second)
	if !p.IsExpired(now) {
		t.Fatal("past 30 days must be expired")
	}
}

func TestQualityForFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		failures int
		want     Quality
	}{
		{0, QualityGood},
		{1, QualityFair},
		{2, QualityPoor},
		{3, QualityDegraded},
	}
	for _, tc := range cases {
		if got := QualityForFailures(tc.failures); got != tc.want {
			t.Fatalf("failures=%d got=%s want=%s", tc.failures, got, tc.want)
		}
	}
}

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"lanbridge/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "bridge.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConnectionLifecycle(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	conn := model.ServerConnection{
		ID:            "c1",
		DeviceID:      "d1",
		Name:          "pixel-8",
		Platform:      "android",
		EstablishedAt: now,
		Active:        true,
	}
	if err := s.InsertConnection(ctx, conn); err != nil {
		t.Fatalf("InsertConnection: %v", err)
	}
	// Idempotent on retry.
	if err := s.InsertConnection(ctx, conn); err != nil {
		t.Fatalf("re-insert: %v", err)
	}

	if err := s.UpdateStatistics(ctx, "c1", 100, 250); err != nil {
		t.Fatalf("UpdateStatistics: %v", err)
	}
	if err := s.UpdateStatistics(ctx, "c1", 50, 0); err != nil {
		t.Fatalf("UpdateStatistics: %v", err)
	}

	got, err := s.ConnectionByID(ctx, "c1")
	if err != nil {
		t.Fatalf("ConnectionByID: %v", err)
	}
	if got.BytesSent != 150 || got.BytesReceived != 250 {
		t.Fatalf("bytes=%d/%d", got.BytesSent, got.BytesReceived)
	}
	if !got.Active || got.Quality != model.QualityGood {
		t.Fatalf("record=%+v", got)
	}

	active, err := s.ActiveConnections(ctx)
	if err != nil {
		t.Fatalf("ActiveConnections: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("active=%d", len(active))
	}

	if err := s.TerminateConnection(ctx, "c1"); err != nil {
		t.Fatalf("TerminateConnection: %v", err)
	}
	active, err = s.ActiveConnections(ctx)
	if err != nil {
		t.Fatalf("ActiveConnections: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("active after terminate=%d", len(active))
	}

	recent, err := s.RecentConnections(ctx, 10)
	if err != nil {
		t.Fatalf("RecentConnections: %v", err)
	}
	if len(recent) != 1 || recent[0].ID != "c1" {
		t.Fatalf("recent=%+v", recent)
	}
}

func TestUpdateStatistics_NotFound(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	err := s.UpdateStatistics(context.Background(), "missing", 1, 1)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v", err)
	}
}

func TestUpdateHeartbeat(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	conn := model.ServerConnection{ID: "c1", DeviceID: "d1", EstablishedAt: now, Active: true}
	if err := s.InsertConnection(ctx, conn); err != nil {
		t.Fatalf("InsertConnection: %v", err)
	}

	if err := s.UpdateHeartbeat(ctx, "c1", now, now.Add(20*time.Millisecond), 2, model.QualityPoor); err != nil {
		t.Fatalf("UpdateHeartbeat: %v", err)
	}

	got, err := s.ConnectionByID(ctx, "c1")
	if err != nil {
		t.Fatalf("ConnectionByID: %v", err)
	}
	if got.HeartbeatFailures != 2 || got.Quality != model.QualityPoor {
		t.Fatalf("record=%+v", got)
	}
	if !got.LastHeartbeatSentAt.Equal(now) {
		t.Fatalf("sent_at=%v want=%v", got.LastHeartbeatSentAt, now)
	}
}

func TestPairingOutcomes(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// A failure before any success creates nothing.
	err := s.RecordPairingOutcome(ctx, "relay-1", "d1", false, "", now)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v", err)
	}

	if err := s.RecordPairingOutcome(ctx, "relay-1", "d1", true, "aa11", now); err != nil {
		t.Fatalf("first success: %v", err)
	}
	if err := s.RecordPairingOutcome(ctx, "relay-1", "d1", false, "", now.Add(time.Minute)); err != nil {
		t.Fatalf("failure: %v", err)
	}
	if err := s.RecordPairingOutcome(ctx, "relay-1", "d1", true, "aa11", now.Add(2*time.Minute)); err != nil {
		t.Fatalf("second success: %v", err)
	}

	p, err := s.Pairing(ctx, "relay-1", "d1")
	if err != nil {
		t.Fatalf("Pairing: %v", err)
	}
	if p.Successes != 2 || p.Failures != 1 {
		t.Fatalf("counters=%d/%d", p.Successes, p.Failures)
	}
	if p.CertFingerprint != "aa11" || !p.AutoReconnect {
		t.Fatalf("pairing=%+v", p)
	}
	if score := p.ReliabilityScore(); score < 0.66 || score > 0.67 {
		t.Fatalf("score=%f", score)
	}
}

func TestPurgeExpired(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.RecordPairingOutcome(ctx, "relay-1", "old", true, "ff", now.Add(-model.PairingExpiry-time.Hour)); err != nil {
		t.Fatalf("seed old: %v", err)
	}
	if err := s.RecordPairingOutcome(ctx, "relay-1", "fresh", true, "ee", now); err != nil {
		t.Fatalf("seed fresh: %v", err)
	}

	n, err := s.PurgeExpired(ctx, now)
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged=%d", n)
	}

	if _, err := s.Pairing(ctx, "relay-1", "old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old pairing survived: %v", err)
	}
	if _, err := s.Pairing(ctx, "relay-1", "fresh"); err != nil {
		t.Fatalf("fresh pairing purged: %v", err)
	}
}

func TestSetAutoReconnect(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	if err := s.RecordPairingOutcome(ctx, "relay-1", "d1", true, "aa", time.Now().UTC()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := s.SetAutoReconnect(ctx, "relay-1", "d1", false); err != nil {
		t.Fatalf("SetAutoReconnect: %v", err)
	}
	p, err := s.Pairing(ctx, "relay-1", "d1")
	if err != nil {
		t.Fatalf("Pairing: %v", err)
	}
	if p.AutoReconnect {
		t.Fatal("auto_reconnect not cleared")
	}
}

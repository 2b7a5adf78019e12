package tracker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"lanbridge/internal/model"
	"lanbridge/internal/store"
)

type fakePersistence struct {
	mu          sync.Mutex
	inserted    []model.ServerConnection
	stats       map[string][2]int64
	terminated  []string
	pairings    []string
	statsErr    error
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{stats: make(map[string][2]int64)}
}

func (f *fakePersistence) InsertConnection(_ context.Context, c model.ServerConnection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, c)
	return nil
}

func (f *fakePersistence) UpdateStatistics(_ context.Context, id string, sent, received int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statsErr != nil {
		return f.statsErr
	}
	cur := f.stats[id]
	f.stats[id] = [2]int64{cur[0] + sent, cur[1] + received}
	return nil
}

func (f *fakePersistence) TerminateConnection(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, id)
	return nil
}

func (f *fakePersistence) RecordPairingOutcome(_ context.Context, _, deviceID string, success bool, _ string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if success {
		f.pairings = append(f.pairings, deviceID)
	}
	return nil
}

func newTestTracker(t *testing.T, persist Persistence, grace time.Duration) *Tracker {
	t.Helper()
	tr := New("relay-1", "cafe01", persist, zerolog.Nop(), WithGracePeriod(grace))
	t.Cleanup(tr.Close)
	return tr
}

func TestReconnectWithinGrace_KeepsDeviceID(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t, nil, 200*time.Millisecond)

	tr.OnConnectionEstablished("192.168.1.5")
	first, ok := tr.DeviceForIP("192.168.1.5")
	if !ok {
		t.Fatal("device missing")
	}

	tr.OnConnectionClosed("192.168.1.5")
	// Reconnect well inside the grace window.
	time.Sleep(50 * time.Millisecond)
	tr.OnConnectionEstablished("192.168.1.5")

	second, ok := tr.DeviceForIP("192.168.1.5")
	if !ok {
		t.Fatal("device missing after reconnect")
	}
	if second.ID != first.ID {
		t.Fatalf("device id changed across grace reconnect: %s != %s", second.ID, first.ID)
	}

	// The cancelled timer must not remove the device later.
	time.Sleep(300 * time.Millisecond)
	if _, ok := tr.DeviceForIP("192.168.1.5"); !ok {
		t.Fatal("device removed despite active connection")
	}
}

func TestReconnectAfterGrace_MintsFreshDeviceID(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t, nil, 50*time.Millisecond)

	tr.OnConnectionEstablished("10.0.0.7")
	first, _ := tr.DeviceForIP("10.0.0.7")
	tr.OnConnectionClosed("10.0.0.7")

	waitFor(t, func() bool {
		_, ok := tr.DeviceForIP("10.0.0.7")
		return !ok
	})

	tr.OnConnectionEstablished("10.0.0.7")
	second, ok := tr.DeviceForIP("10.0.0.7")
	if !ok {
		t.Fatal("device missing")
	}
	if second.ID == first.ID {
		t.Fatal("expected a fresh device id after the grace window expired")
	}
}

func TestMultipleConnectionsReferenceCounted(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t, nil, 100*time.Millisecond)

	tr.OnConnectionEstablished("192.168.1.9")
	tr.OnConnectionEstablished("192.168.1.9")
	dev, _ := tr.DeviceForIP("192.168.1.9")
	if dev.Connections != 2 {
		t.Fatalf("connections=%d", dev.Connections)
	}
	if len(tr.Devices()) != 1 {
		t.Fatalf("devices=%d", len(tr.Devices()))
	}

	tr.OnConnectionClosed("192.168.1.9")
	// One connection remains: no removal may be scheduled.
	time.Sleep(200 * time.Millisecond)
	if _, ok := tr.DeviceForIP("192.168.1.9"); !ok {
		t.Fatal("device removed while a connection was still open")
	}

	tr.OnConnectionClosed("192.168.1.9")
	waitFor(t, func() bool {
		_, ok := tr.DeviceForIP("192.168.1.9")
		return !ok
	})
}

func TestEvents_ConnectAndDisconnect(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t, nil, 30*time.Millisecond)
	events, cancel := tr.Subscribe()
	defer cancel()

	tr.OnConnectionEstablished("192.168.1.12")
	ev := nextEvent(t, events)
	if ev.Kind != EventConnected || ev.Device.IP != "192.168.1.12" {
		t.Fatalf("event=%+v", ev)
	}
	if len(ev.Devices) != 1 {
		t.Fatalf("devices in event=%d", len(ev.Devices))
	}

	tr.OnConnectionClosed("192.168.1.12")
	ev = nextEvent(t, events)
	if ev.Kind != EventDisconnected {
		t.Fatalf("event=%+v", ev)
	}
	if len(ev.Devices) != 0 {
		t.Fatalf("devices after disconnect=%d", len(ev.Devices))
	}
}

func TestEvents_SnapshotsDeliveredInStateOrder(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t, nil, time.Second)
	events, cancel := tr.Subscribe()
	defer cancel()

	// Every event here is a connect, so the snapshot size may only
	// grow. A drained event with fewer devices than its predecessor
	// means snapshots were delivered out of state order.
	var sizes []int
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for ev := range events {
			sizes = append(sizes, len(ev.Devices))
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tr.OnConnectionEstablished(fmt.Sprintf("192.168.7.%d", i+1))
		}(i)
	}
	wg.Wait()
	cancel()
	<-drained

	if len(sizes) == 0 {
		t.Fatal("no events delivered")
	}
	for i := 1; i < len(sizes); i++ {
		if sizes[i] < sizes[i-1] {
			t.Fatalf("snapshot sizes regressed: %v", sizes)
		}
	}
	if got := len(tr.Devices()); got != 20 {
		t.Fatalf("devices=%d", got)
	}
}

func TestPersistence_RecordsConnectionAndPairing(t *testing.T) {
	t.Parallel()

	persist := newFakePersistence()
	tr := newTestTracker(t, persist, time.Second)

	connID := tr.OnConnectionEstablished("172.16.3.4")
	if connID == "" {
		t.Fatal("no connection id")
	}

	persist.mu.Lock()
	defer persist.mu.Unlock()
	if len(persist.inserted) != 1 {
		t.Fatalf("inserted=%d", len(persist.inserted))
	}
	rec := persist.inserted[0]
	if rec.ID != connID || rec.DeviceID == "" || !rec.Active {
		t.Fatalf("record=%+v", rec)
	}
	if len(persist.pairings) != 1 || persist.pairings[0] != rec.DeviceID {
		t.Fatalf("pairings=%v", persist.pairings)
	}
}

func TestTrafficUpdate_ToleratesNotFound(t *testing.T) {
	t.Parallel()

	persist := newFakePersistence()
	persist.statsErr = store.ErrNotFound
	tr := newTestTracker(t, persist, time.Second)

	tr.OnConnectionEstablished("192.168.44.2")
	// Must not panic or surface the error.
	tr.OnTrafficUpdate("192.168.44.2", "nonexistent", 10, 20)

	dev, _ := tr.DeviceForIP("192.168.44.2")
	if dev.BytesSent != 10 || dev.BytesReceived != 20 {
		t.Fatalf("device bytes=%d/%d", dev.BytesSent, dev.BytesReceived)
	}
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return Event{}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

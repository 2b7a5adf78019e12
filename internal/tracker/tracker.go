// Package tracker maps transport connections onto logical devices. A
// device is keyed by its peer IP and survives brief disconnects through
// a removal grace period, so multi-socket churn from one client does not
// flap the observable device list.
package tracker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"lanbridge/internal/model"
	"lanbridge/internal/pubsub"
	"lanbridge/internal/store"
)

// DefaultGracePeriod is how long a device record outlives its last
// connection.
const DefaultGracePeriod = 30 * time.Second

// EventKind describes a device-set change.
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventUpdated      EventKind = "updated"
)

// Event is one device-set change delivered to subscribers.
type Event struct {
	Kind    EventKind
	Device  model.Device
	Devices []model.Device
}

// Persistence is the slice of the store the tracker drives. Failures are
// logged and swallowed; the relay keeps serving.
type Persistence interface {
	InsertConnection(ctx context.Context, c model.ServerConnection) error
	UpdateStatistics(ctx context.Context, id string, sent, received int64) error
	TerminateConnection(ctx context.Context, id string) error
	RecordPairingOutcome(ctx context.Context, relayID, deviceID string, success bool, fingerprint string, now time.Time) error
}

type trackedDevice struct {
	device      model.Device
	connections int
	graceTimer  *time.Timer
	// graceSeq invalidates a pending removal when a reconnect superseded
	// it; the timer callback checks it under the tracker lock, so cancel
	// always wins a cancel-vs-fire race.
	graceSeq uint64
}

// Tracker owns the device map. All state lives behind its mutex; nothing
// escapes by reference.
type Tracker struct {
	relayID     string
	fingerprint string
	grace       time.Duration
	persist     Persistence
	log         zerolog.Logger
	hub         *pubsub.Hub[Event]

	mu      sync.Mutex
	devices map[string]*trackedDevice
	closed  bool
}

// Option tweaks tracker construction.
type Option func(*Tracker)

// WithGracePeriod overrides the removal grace window.
func WithGracePeriod(d time.Duration) Option {
	return func(t *Tracker) { t.grace = d }
}

// New creates a tracker. persist may be nil (no persistence, used in
// tests); relayID and fingerprint feed the pairing records.
func New(relayID, fingerprint string, persist Persistence, log zerolog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		relayID:     relayID,
		fingerprint: fingerprint,
		grace:       DefaultGracePeriod,
		persist:     persist,
		log:         log.With().Str("component", "tracker").Logger(),
		hub:         pubsub.NewHub[Event](),
		devices:     make(map[string]*trackedDevice),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Subscribe returns the device-set event stream plus a cancel function.
func (t *Tracker) Subscribe() (<-chan Event, func()) {
	return t.hub.Subscribe()
}

// OnConnectionEstablished registers a negotiated connection for peerIP
// and returns the connection's persisted id. Reconnects inside the grace
// window reuse the existing device identity.
func (t *Tracker) OnConnectionEstablished(peerIP string) string {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ""
	}

	dev, ok := t.devices[peerIP]
	isNew := !ok
	if ok {
		if dev.graceTimer != nil {
			dev.graceTimer.Stop()
			dev.graceTimer = nil
			dev.graceSeq++
		}
		dev.connections++
		dev.device.Connections = dev.connections
	} else {
		dev = &trackedDevice{
			device: model.Device{
				ID:          uuid.NewString(),
				IP:          peerIP,
				Name:        peerIP,
				ConnectedAt: time.Now().UTC(),
				Connections: 1,
			},
			connections: 1,
		}
		t.devices[peerIP] = dev
	}

	connID := uuid.NewString()
	record := model.ServerConnection{
		ID:            connID,
		DeviceID:      dev.device.ID,
		Name:          dev.device.Name,
		EstablishedAt: time.Now().UTC(),
		Quality:       model.QualityExcellent,
		Active:        true,
	}
	// Publish while holding the lock so subscribers see snapshots in
	// the order the state changed. Hub.Publish never blocks.
	snapshot := t.snapshotLocked()
	device := dev.device
	if isNew {
		t.publish(Event{Kind: EventConnected, Device: device, Devices: snapshot})
	} else {
		t.publish(Event{Kind: EventUpdated, Device: device, Devices: snapshot})
	}
	t.mu.Unlock()

	if isNew {
		t.log.Info().Str("peer", peerIP).Str("device_id", device.ID).Msg("device connected")
	} else {
		t.log.Debug().Str("peer", peerIP).Int("connections", device.Connections).Msg("connection added")
	}

	if t.persist != nil {
		ctx := context.Background()
		if err := t.persist.InsertConnection(ctx, record); err != nil {
			t.log.Warn().Err(err).Str("connection_id", connID).Msg("persist connection failed")
		}
		if err := t.persist.RecordPairingOutcome(ctx, t.relayID, device.ID, true, t.fingerprint, time.Now().UTC()); err != nil {
			t.log.Warn().Err(err).Str("device_id", device.ID).Msg("persist pairing failed")
		}
	}
	return connID
}

// OnConnectionClosed drops one connection for peerIP. The device is kept
// through the grace window in case the client reconnects immediately.
func (t *Tracker) OnConnectionClosed(peerIP string) {
	t.mu.Lock()
	dev, ok := t.devices[peerIP]
	if !ok || t.closed {
		t.mu.Unlock()
		return
	}
	if dev.connections > 0 {
		dev.connections--
		dev.device.Connections = dev.connections
	}
	if dev.connections > 0 {
		t.publish(Event{Kind: EventUpdated, Device: dev.device, Devices: t.snapshotLocked()})
		t.mu.Unlock()
		return
	}

	// Last connection gone: schedule removal instead of removing.
	dev.graceSeq++
	seq := dev.graceSeq
	dev.graceTimer = time.AfterFunc(t.grace, func() {
		t.removeAfterGrace(peerIP, seq)
	})
	t.mu.Unlock()
	t.log.Debug().Str("peer", peerIP).Dur("grace", t.grace).Msg("removal scheduled")
}

func (t *Tracker) removeAfterGrace(peerIP string, seq uint64) {
	t.mu.Lock()
	dev, ok := t.devices[peerIP]
	if !ok || dev.graceSeq != seq || dev.connections > 0 {
		// A reconnect superseded this timer.
		t.mu.Unlock()
		return
	}
	delete(t.devices, peerIP)
	device := dev.device
	t.publish(Event{Kind: EventDisconnected, Device: device, Devices: t.snapshotLocked()})
	t.mu.Unlock()

	t.log.Info().Str("peer", peerIP).Str("device_id", device.ID).Msg("device removed")
}

// OnTrafficUpdate folds forwarded byte counts into the device and its
// persisted record.
func (t *Tracker) OnTrafficUpdate(peerIP, connectionID string, sent, received int64) {
	t.mu.Lock()
	dev, ok := t.devices[peerIP]
	if ok {
		dev.device.BytesSent += sent
		dev.device.BytesReceived += received
	}
	if ok {
		t.publish(Event{Kind: EventUpdated, Device: dev.device, Devices: t.snapshotLocked()})
	}
	t.mu.Unlock()

	if t.persist != nil && connectionID != "" {
		err := t.persist.UpdateStatistics(context.Background(), connectionID, sent, received)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			t.log.Warn().Err(err).Str("connection_id", connectionID).Msg("persist statistics failed")
		} else if errors.Is(err, store.ErrNotFound) {
			t.log.Debug().Str("connection_id", connectionID).Msg("statistics update for unknown connection")
		}
	}
}

// TerminateConnection marks a session terminated in persistence after a
// health failure or relay shutdown.
func (t *Tracker) TerminateConnection(connectionID string) {
	if t.persist == nil || connectionID == "" {
		return
	}
	err := t.persist.TerminateConnection(context.Background(), connectionID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		t.log.Warn().Err(err).Str("connection_id", connectionID).Msg("persist terminate failed")
	}
}

// Devices returns the current device set.
func (t *Tracker) Devices() []model.Device {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// DeviceForIP looks up the tracked device for a peer IP.
func (t *Tracker) DeviceForIP(peerIP string) (model.Device, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	dev, ok := t.devices[peerIP]
	if !ok {
		return model.Device{}, false
	}
	return dev.device, true
}

// Close cancels all grace timers and shuts the event stream.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	for _, dev := range t.devices {
		if dev.graceTimer != nil {
			dev.graceTimer.Stop()
			dev.graceTimer = nil
		}
		dev.graceSeq++
	}
	t.devices = make(map[string]*trackedDevice)
	t.mu.Unlock()
	t.hub.Close()
}

func (t *Tracker) snapshotLocked() []model.Device {
	out := make([]model.Device, 0, len(t.devices))
	for _, dev := range t.devices {
		out = append(out, dev.device)
	}
	return out
}

func (t *Tracker) publish(ev Event) {
	t.hub.Publish(ev)
}

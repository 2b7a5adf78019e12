// Package discovery announces the bridge on the LAN over multicast DNS
// so mobile clients can find it without manual configuration.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"

	"lanbridge/internal/model"
)

const (
	// ServiceType is the mDNS service identifier clients browse for.
	ServiceType = "_lanbridge._tcp"
	// Domain is the mDNS domain constant.
	Domain = "local."

	rapidAnnouncements = 3
	rapidInterval      = time.Second
)

// ErrNotBroadcasting is returned by Stop when nothing is being
// broadcast. A caller error, never a panic.
var ErrNotBroadcasting = errors.New("discovery: not broadcasting")

// registration is the live mDNS handle. Wrapped so tests can fake the
// zeroconf server.
type registration interface {
	SetText(txt []string)
	Shutdown()
}

type registerFunc func(instance string, port int, txt []string) (registration, error)

func zeroconfRegister(instance string, port int, txt []string) (registration, error) {
	server, err := zeroconf.Register(instance, ServiceType, Domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	return server, nil
}

// Broadcaster publishes the relay's presence. One live announcement at a
// time; status changes republish rather than patching TXT in place, so
// client resolver caches never go stale.
type Broadcaster struct {
	register registerFunc
	log      zerolog.Logger

	mu          sync.Mutex
	reg         registration
	cancelRapid context.CancelFunc
}

// New creates a broadcaster using the real mDNS stack.
func New(log zerolog.Logger) *Broadcaster {
	return newWithRegister(zeroconfRegister, log)
}

func newWithRegister(register registerFunc, log zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		register: register,
		log:      log.With().Str("component", "discovery").Logger(),
	}
}

// Start publishes ann and kicks off the rapid re-announcement burst.
// Starting while already broadcasting replaces the previous record.
func (b *Broadcaster) Start(ann model.Announcement) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopLocked()

	txt := txtRecords(ann)
	reg, err := b.register(ann.DeviceName, ann.Port, txt)
	if err != nil {
		return err
	}
	b.reg = reg

	// Rapid re-announcements shorten client discovery latency right
	// after startup; afterwards the platform cadence takes over.
	ctx, cancel := context.WithCancel(context.Background())
	b.cancelRapid = cancel
	go b.rapidLoop(ctx, reg, txt)

	b.log.Info().
		Str("instance", ann.DeviceName).
		Int("port", ann.Port).
		Str("status", string(ann.Status)).
		Msg("broadcasting")
	return nil
}

// UpdateStatus stops and republishes with the new bridge status.
func (b *Broadcaster) UpdateStatus(ann model.Announcement) error {
	return b.Start(ann)
}

// Stop withdraws the announcement. Returns ErrNotBroadcasting when
// nothing was being broadcast.
func (b *Broadcaster) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.reg == nil {
		return ErrNotBroadcasting
	}
	b.stopLocked()
	b.log.Info().Msg("broadcast stopped")
	return nil
}

func (b *Broadcaster) stopLocked() {
	if b.cancelRapid != nil {
		b.cancelRapid()
		b.cancelRapid = nil
	}
	if b.reg != nil {
		b.reg.Shutdown()
		b.reg = nil
	}
}

func (b *Broadcaster) rapidLoop(ctx context.Context, reg registration, txt []string) {
	timer := time.NewTimer(rapidInterval)
	defer timer.Stop()

	for i := 0; i < rapidAnnouncements; i++ {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		reg.SetText(txt)
		timer.Reset(rapidInterval)
	}
}

// txtRecords encodes the announcement TXT payload.
func txtRecords(ann model.Announcement) []string {
	return []string{
		"port=" + strconv.Itoa(ann.Port),
		"version=" + ann.ProtocolVersion,
		"device_id=" + ann.DeviceID,
		"bridge_status=" + string(ann.Status),
		"cert_hash=" + ann.CertFingerprint,
	}
}

// Package heartbeat runs the periodic keep-alive exchange for one client
// connection and decides when a silent client must be torn down.
package heartbeat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lanbridge/internal/model"
)

const (
	// ActiveInterval is the probe cadence for a foreground client.
	ActiveInterval = 30 * time.Second
	// IdleInterval is the probe cadence for a backgrounded client.
	IdleInterval = 60 * time.Second
	// RetryWait is the pause after a failed probe before trying again.
	RetryWait = 10 * time.Second
	// AckTimeout bounds the wait for a probe acknowledgment.
	AckTimeout = 5 * time.Second
)

// ErrConnectionDead is delivered with the terminal event after the
// failure limit is reached.
var ErrConnectionDead = errors.New("heartbeat: connection timed out")

// Prober sends one probe over the monitored connection and reports the
// round trip time.
type Prober interface {
	Probe(ctx context.Context, timeout time.Duration) (time.Duration, error)
}

// Sink receives monitor outcomes. Implementations must not block.
type Sink interface {
	// HeartbeatResult fires after every probe attempt.
	HeartbeatResult(connectionID string, sample model.ProbeSample, quality model.Quality)
	// ConnectionTimedOut fires exactly once, when the failure limit hits.
	ConnectionTimedOut(connectionID string)
}

// Config tunes one monitor. Zero values take the package defaults.
type Config struct {
	ActiveInterval time.Duration
	IdleInterval   time.Duration
	RetryWait      time.Duration
	AckTimeout     time.Duration
}

func (c *Config) applyDefaults() {
	if c.ActiveInterval <= 0 {
		c.ActiveInterval = ActiveInterval
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = IdleInterval
	}
	if c.RetryWait <= 0 {
		c.RetryWait = RetryWait
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = AckTimeout
	}
}

// Monitor probes one connection until it dies or is cancelled.
type Monitor struct {
	connectionID string
	deviceID     string
	prober       Prober
	sink         Sink
	cfg          Config
	log          zerolog.Logger

	mu         sync.Mutex
	background bool
	failures   int
	everBadRun bool
}

// New creates a monitor for a connection. Call Run to start it.
func New(connectionID, deviceID string, prober Prober, sink Sink, cfg Config, log zerolog.Logger) *Monitor {
	cfg.applyDefaults()
	return &Monitor{
		connectionID: connectionID,
		deviceID:     deviceID,
		prober:       prober,
		sink:         sink,
		cfg:          cfg,
		log: log.With().
			Str("component", "heartbeat").
			Str("connection_id", connectionID).
			Logger(),
	}
}

// SetBackgrounded switches the cadence. Clients report their foreground
// state out of band; unknown state keeps the active cadence.
func (m *Monitor) SetBackgrounded(background bool) {
	m.mu.Lock()
	m.background = background
	m.mu.Unlock()
}

// Failures returns the current consecutive failure count.
func (m *Monitor) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

// Run probes until ctx is cancelled or the failure limit is reached. It
// returns ErrConnectionDead on timeout-driven teardown, ctx.Err() on
// cancellation. The interval timer never outlives Run.
func (m *Monitor) Run(ctx context.Context) error {
	timer := time.NewTimer(m.interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		dead, err := m.probeOnce(ctx)
		if err != nil {
			return err
		}
		if dead {
			m.log.Warn().Msg("failure limit reached, terminating")
			if m.sink != nil {
				m.sink.ConnectionTimedOut(m.connectionID)
			}
			return ErrConnectionDead
		}

		next := m.interval()
		if m.Failures() > 0 {
			next = m.cfg.RetryWait
		}
		timer.Reset(next)
	}
}

// probeOnce sends one probe and folds the outcome into the failure
// counter. dead is true when the limit was just reached.
func (m *Monitor) probeOnce(ctx context.Context) (dead bool, err error) {
	sentAt := time.Now().UTC()
	rtt, probeErr := m.prober.Probe(ctx, m.cfg.AckTimeout)
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	m.mu.Lock()
	if probeErr != nil {
		m.failures++
		if m.failures >= 2 {
			m.everBadRun = true
		}
	} else {
		m.failures = 0
	}
	failures := m.failures
	everBad := m.everBadRun
	if probeErr == nil {
		// A clean round after a full reset heals the history.
		m.everBadRun = false
	}
	m.mu.Unlock()

	quality := m.quality(probeErr == nil, failures, everBad)
	sample := model.ProbeSample{
		Timestamp:    sentAt,
		ConnectionID: m.connectionID,
		DeviceID:     m.deviceID,
		RTTMs:        float64(rtt.Microseconds()) / 1000.0,
		Success:      probeErr == nil,
		Failures:     failures,
	}

	if probeErr != nil {
		m.log.Debug().Err(probeErr).Int("failures", failures).Msg("probe failed")
	} else {
		m.log.Debug().Float64("rtt_ms", sample.RTTMs).Msg("probe ok")
	}
	if m.sink != nil {
		m.sink.HeartbeatResult(m.connectionID, sample, quality)
	}

	return failures >= model.MaxHeartbeatFailures, nil
}

// quality applies the heal rule: success recovers to good only when the
// counter was fully reset beforehand; a success after two or more misses
// reports degraded until the next clean round.
func (m *Monitor) quality(success bool, failures int, everBad bool) model.Quality {
	if success {
		if everBad {
			return model.QualityDegraded
		}
		return model.QualityGood
	}
	return model.QualityForFailures(failures)
}

func (m *Monitor) interval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.background {
		return m.cfg.IdleInterval
	}
	return m.cfg.ActiveInterval
}

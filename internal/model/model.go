package model

import "time"

// BridgeStatus is the advertised state of the relay.
type BridgeStatus string

const (
	BridgeActive   BridgeStatus = "active"
	BridgeInactive BridgeStatus = "inactive"
)

// Quality grades a client connection from its heartbeat behavior.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
	QualityDegraded  Quality = "degraded"
)

// MaxHeartbeatFailures is the consecutive-miss count that forces teardown.
const MaxHeartbeatFailures = 3

// PairingExpiry is how long a pairing stays valid without a reconnect.
const PairingExpiry = 30 * 24 * time.Hour

// Device is a logical client keyed by its peer IP. One device aggregates
// every simultaneous connection arriving from that IP.
type Device struct {
	ID            string
	IP            string
	Name          string
	ConnectedAt   time.Time
	Connections   int
	BytesSent     int64
	BytesReceived int64
}

// ServerConnection is the persisted record for one client session.
type ServerConnection struct {
	ID                  string
	DeviceID            string
	Platform            string
	Name                string
	EstablishedAt       time.Time
	LastHeartbeatSentAt time.Time
	LastHeartbeatAckAt  time.Time
	HeartbeatFailures   int
	BytesSent           int64
	BytesReceived       int64
	Quality             Quality
	Active              bool
}

// ShouldTerminate reports whether the connection has missed enough
// heartbeats in a row that it must be torn down.
func (c ServerConnection) ShouldTerminate() bool {
	return c.HeartbeatFailures >= MaxHeartbeatFailures
}

// QualityForFailures maps a consecutive-failure count to a grade.
func QualityForFailures(failures int) Quality {
	switch {
	case failures <= 0:
		return QualityGood
	case failures == 1:
		return QualityFair
	case failures == 2:
		return QualityPoor
	default:
		return QualityDegraded
	}
}

// PairingRecord is the durable trust relationship between this relay
// identity and a device, used for auto-reconnect and TOFU pinning.
type PairingRecord struct {
	RelayID          string
	DeviceID         string
	FirstConnectedAt time.Time
	LastConnectedAt  time.Time
	Successes        int
	Failures         int
	AutoReconnect    bool
	CertFingerprint  string
}

// ReliabilityScore is successes/(successes+failures), 0 with no attempts.
func (p PairingRecord) ReliabilityScore() float64 {
	total := p.Successes + p.Failures
	if total == 0 {
		return 0
	}
	return float64(p.Successes) / float64(total)
}

// IsExpired reports whether the pairing has gone unused past the expiry
// window. Expired pairings are removed by an explicit sweep, never lazily.
func (p PairingRecord) IsExpired(now time.Time) bool {
	return now.Sub(p.LastConnectedAt) > PairingExpiry
}

// Announcement is the payload broadcast over mDNS while the relay runs.
type Announcement struct {
	DeviceName      string
	DeviceID        string
	Port            int
	Status          BridgeStatus
	ProtocolVersion string
	CertFingerprint string
}

// ProbeSample is a single heartbeat round-trip measurement.
type ProbeSample struct {
	Timestamp    time.Time
	ConnectionID string
	DeviceID     string
	RTTMs        float64
	Success      bool
	Failures     int
}

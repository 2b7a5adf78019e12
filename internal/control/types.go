package control

import "time"

// StatusResponse describes the running relay.
type StatusResponse struct {
	Status            string `json:"status"`
	DeviceName        string `json:"device_name"`
	RelayID           string `json:"relay_id"`
	CertFingerprint   string `json:"cert_fingerprint"`
	ListenPort        int    `json:"listen_port"`
	RelayTarget       string `json:"relay_target"`
	ActiveDevices     int    `json:"active_devices"`
	ActiveConnections int    `json:"active_connections"`
}

// DeviceInfo is one connected client device.
type DeviceInfo struct {
	ID            string    `json:"id"`
	IP            string    `json:"ip"`
	Name          string    `json:"name,omitempty"`
	ConnectedAt   time.Time `json:"connected_at"`
	Connections   int       `json:"connections"`
	BytesSent     int64     `json:"bytes_sent"`
	BytesReceived int64     `json:"bytes_received"`
}

// DevicesResponse lists currently tracked devices.
type DevicesResponse struct {
	Devices []DeviceInfo `json:"devices"`
}

// ConnectionInfo is one persisted session record.
type ConnectionInfo struct {
	ID                string    `json:"id"`
	DeviceID          string    `json:"device_id"`
	Platform          string    `json:"platform,omitempty"`
	Name              string    `json:"name,omitempty"`
	EstablishedAt     time.Time `json:"established_at"`
	HeartbeatFailures int       `json:"heartbeat_failures"`
	BytesSent         int64     `json:"bytes_sent"`
	BytesReceived     int64     `json:"bytes_received"`
	Quality           string    `json:"quality"`
	Active            bool      `json:"active"`
}

// HistoryResponse lists recent session records, newest first.
type HistoryResponse struct {
	Connections []ConnectionInfo `json:"connections"`
}

// PairingInfo is one stored pairing.
type PairingInfo struct {
	RelayID          string    `json:"relay_id"`
	DeviceID         string    `json:"device_id"`
	FirstConnectedAt time.Time `json:"first_connected_at"`
	LastConnectedAt  time.Time `json:"last_connected_at"`
	Successes        int       `json:"successes"`
	Failures         int       `json:"failures"`
	Reliability      float64   `json:"reliability"`
	AutoReconnect    bool      `json:"auto_reconnect"`
	CertFingerprint  string    `json:"cert_fingerprint"`
}

// PairingsResponse lists pairings for the relay identity.
type PairingsResponse struct {
	Pairings []PairingInfo `json:"pairings"`
}

// AutoReconnectRequest toggles auto-reconnect on a pairing.
type AutoReconnectRequest struct {
	DeviceID string `json:"device_id"`
	Enabled  bool   `json:"enabled"`
}

// PurgeResponse reports how many expired pairings were removed.
type PurgeResponse struct {
	Removed int `json:"removed"`
}

// Package control exposes the local HTTP API the CLI talks to. It binds
// to loopback only; the LAN-facing surface is the SOCKS listener.
package control

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"lanbridge/internal/model"
	"lanbridge/internal/store"
)

// Bridge is the running relay surface the API exposes.
type Bridge interface {
	Status() model.BridgeStatus
	Devices() []model.Device
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
}

// Info is static relay identity shown in /status.
type Info struct {
	DeviceName      string
	RelayID         string
	CertFingerprint string
	ListenPort      int
	RelayTarget     string
}

// Server provides the control HTTP API.
type Server struct {
	listen string
	info   Info
	bridge Bridge
	st     *store.Store
	log    zerolog.Logger
}

// NewServer constructs a control server.
func NewServer(listen string, info Info, bridge Bridge, st *store.Store, log zerolog.Logger) *Server {
	return &Server{
		listen: listen,
		info:   info,
		bridge: bridge,
		st:     st,
		log:    log.With().Str("component", "control").Logger(),
	}
}

// Handler returns the API mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/devices", s.handleDevices)
	mux.HandleFunc("/history", s.handleHistory)
	mux.HandleFunc("/pairings", s.handlePairings)
	mux.HandleFunc("/pairings/auto-reconnect", s.handleAutoReconnect)
	mux.HandleFunc("/pairings/purge", s.handlePurge)
	mux.HandleFunc("/enable", s.handleEnable)
	mux.HandleFunc("/disable", s.handleDisable)
	return mux
}

// Run serves the API until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	s.log.Info().Str("listen", s.listen).Msg("control API listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	devices := s.bridge.Devices()
	conns := 0
	for _, d := range devices {
		conns += d.Connections
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		Status:            string(s.bridge.Status()),
		DeviceName:        s.info.DeviceName,
		RelayID:           s.info.RelayID,
		CertFingerprint:   s.info.CertFingerprint,
		ListenPort:        s.info.ListenPort,
		RelayTarget:       s.info.RelayTarget,
		ActiveDevices:     len(devices),
		ActiveConnections: conns,
	})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	devices := s.bridge.Devices()
	out := make([]DeviceInfo, 0, len(devices))
	for _, d := range devices {
		out = append(out, DeviceInfo{
			ID:            d.ID,
			IP:            d.IP,
			Name:          d.Name,
			ConnectedAt:   d.ConnectedAt,
			Connections:   d.Connections,
			BytesSent:     d.BytesSent,
			BytesReceived: d.BytesReceived,
		})
	}
	writeJSON(w, http.StatusOK, DevicesResponse{Devices: out})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	conns, err := s.st.RecentConnections(r.Context(), limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, ConnectionInfo{
			ID:                c.ID,
			DeviceID:          c.DeviceID,
			Platform:          c.Platform,
			Name:              c.Name,
			EstablishedAt:     c.EstablishedAt,
			HeartbeatFailures: c.HeartbeatFailures,
			BytesSent:         c.BytesSent,
			BytesReceived:     c.BytesReceived,
			Quality:           string(c.Quality),
			Active:            c.Active,
		})
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Connections: out})
}

func (s *Server) handlePairings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	pairings, err := s.st.Pairings(r.Context(), s.info.RelayID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]PairingInfo, 0, len(pairings))
	for _, p := range pairings {
		out = append(out, PairingInfo{
			RelayID:          p.RelayID,
			DeviceID:         p.DeviceID,
			FirstConnectedAt: p.FirstConnectedAt,
			LastConnectedAt:  p.LastConnectedAt,
			Successes:        p.Successes,
			Failures:         p.Failures,
			Reliability:      p.ReliabilityScore(),
			AutoReconnect:    p.AutoReconnect,
			CertFingerprint:  p.CertFingerprint,
		})
	}
	writeJSON(w, http.StatusOK, PairingsResponse{Pairings: out})
}

func (s *Server) handleAutoReconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req AutoReconnectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.DeviceID == "" {
		writeJSONError(w, http.StatusBadRequest, "device_id required")
		return
	}

	err := s.st.SetAutoReconnect(r.Context(), s.info.RelayID, req.DeviceID, req.Enabled)
	if err == store.ErrNotFound {
		writeJSONError(w, http.StatusNotFound, "unknown device pairing")
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	removed, err := s.st.PurgeExpired(r.Context(), time.Now())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, PurgeResponse{Removed: removed})
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	s.handleToggle(w, r, s.bridge.Enable)
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	s.handleToggle(w, r, s.bridge.Disable)
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request, fn func(context.Context) error) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := fn(r.Context()); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(s.bridge.Status())})
}

func decodeJSON(r *http.Request, v any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

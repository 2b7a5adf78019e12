package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a thin HTTP client for the control API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the given base URL (e.g. http://127.0.0.1:8954).
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Status fetches the running relay status.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var resp StatusResponse
	if err := c.getJSON(ctx, "/status", &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// Devices lists currently connected devices.
func (c *Client) Devices(ctx context.Context) (DevicesResponse, error) {
	var resp DevicesResponse
	if err := c.getJSON(ctx, "/devices", &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// History lists recent session records. limit <= 0 uses the server default.
func (c *Client) History(ctx context.Context, limit int) (HistoryResponse, error) {
	var resp HistoryResponse
	endpoint := "/history"
	if limit > 0 {
		endpoint += "?limit=" + url.QueryEscape(strconv.Itoa(limit))
	}
	if err := c.getJSON(ctx, endpoint, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// Pairings lists stored pairings.
func (c *Client) Pairings(ctx context.Context) (PairingsResponse, error) {
	var resp PairingsResponse
	if err := c.getJSON(ctx, "/pairings", &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// SetAutoReconnect toggles auto-reconnect on a pairing.
func (c *Client) SetAutoReconnect(ctx context.Context, deviceID string, enabled bool) error {
	return c.postJSON(ctx, "/pairings/auto-reconnect", AutoReconnectRequest{DeviceID: deviceID, Enabled: enabled}, nil)
}

// PurgePairings removes expired pairings and reports the count.
func (c *Client) PurgePairings(ctx context.Context) (PurgeResponse, error) {
	var resp PurgeResponse
	if err := c.postJSON(ctx, "/pairings/purge", struct{}{}, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// Enable turns the relay on.
func (c *Client) Enable(ctx context.Context) error {
	return c.postJSON(ctx, "/enable", struct{}{}, nil)
}

// Disable turns the relay off.
func (c *Client) Disable(ctx context.Context) error {
	return c.postJSON(ctx, "/disable", struct{}{}, nil)
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return responseError(res)
	}

	if out == nil {
		return nil
	}

	decoder := json.NewDecoder(res.Body)
	return decoder.Decode(out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return responseError(res)
	}

	decoder := json.NewDecoder(res.Body)
	return decoder.Decode(out)
}

func responseError(res *http.Response) error {
	body, _ := io.ReadAll(res.Body)
	msg := strings.TrimSpace(string(body))
	if msg != "" {
		return fmt.Errorf("request failed: %s: %s", res.Status, msg)
	}
	return fmt.Errorf("request failed: %s", res.Status)
}

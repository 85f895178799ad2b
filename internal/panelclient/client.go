// Package panelclient is a thin, stateless HTTP client for the
// game-server control panel's client API. It never stores an API key
// on the client itself — callers pass the caller's own key per
// request, consistent with the per-user allow-list model in
// internal/models.
package panelclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/relaywatch/agent/internal/logging"
)

// Client talks to the panel's client-facing HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a panel API client for the given base URL.
func NewClient(panelURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(panelURL, "/"),
		httpClient: &http.Client{
			Timeout: 25 * time.Second,
		},
	}
}

// ServerResource holds the resource usage data from the panel's
// resources endpoint.
type ServerResource struct {
	CurrentState string `json:"current_state"`
	IsSuspended  bool   `json:"is_suspended"`
	Resources    struct {
		MemoryBytes    int64   `json:"memory_bytes"`
		CPUAbsolute    float64 `json:"cpu_absolute"`
		DiskBytes      int64   `json:"disk_bytes"`
		NetworkRxBytes int64   `json:"network_rx_bytes"`
		NetworkTxBytes int64   `json:"network_tx_bytes"`
		Uptime         int64   `json:"uptime"`
	} `json:"resources"`
}

type resourceResponse struct {
	Attributes ServerResource `json:"attributes"`
}

// ServerListItem is one entry from the server-list endpoint.
type ServerListItem struct {
	Identifier string `json:"identifier"`
	UUID       string `json:"uuid"`
	Name       string `json:"name"`
	Limits     struct {
		Memory int64 `json:"memory"`
		Disk   int64 `json:"disk"`
	} `json:"limits"`
}

type serverListResponse struct {
	Data []struct {
		Attributes ServerListItem `json:"attributes"`
	} `json:"data"`
	Meta struct {
		Pagination struct {
			Total       int `json:"total"`
			CurrentPage int `json:"current_page"`
			TotalPages  int `json:"total_pages"`
		} `json:"pagination"`
	} `json:"meta"`
}

// FetchResources gets current resource usage for a specific server.
func (c *Client) FetchResources(apiKey, serverID string) (*ServerResource, error) {
	url := fmt.Sprintf("%s/api/client/servers/%s/resources", c.baseURL, serverID)
	resp, err := c.doRequest("GET", url, apiKey, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result resourceResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode resources: %w", err)
	}
	return &result.Attributes, nil
}

// ListServers returns every server visible to the given API key,
// following pagination to completion.
func (c *Client) ListServers(apiKey string) ([]ServerListItem, error) {
	var all []ServerListItem
	page := 1

	for {
		url := fmt.Sprintf("%s/api/client?page=%d", c.baseURL, page)
		resp, err := c.doRequest("GET", url, apiKey, nil)
		if err != nil {
			return nil, err
		}

		var result serverListResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&result)
		resp.Body.Close()
		if decodeErr != nil {
			return nil, fmt.Errorf("decode server list: %w", decodeErr)
		}

		for _, d := range result.Data {
			all = append(all, d.Attributes)
		}

		if page >= result.Meta.Pagination.TotalPages {
			break
		}
		page++
	}

	return all, nil
}

// SendPowerSignal sends a power action (start, stop, restart, kill) to
// a server.
func (c *Client) SendPowerSignal(apiKey, serverID, signal string) error {
	url := fmt.Sprintf("%s/api/client/servers/%s/power", c.baseURL, serverID)
	body, err := json.Marshal(map[string]string{"signal": signal})
	if err != nil {
		return fmt.Errorf("encode power signal: %w", err)
	}
	resp, err := c.doRequest("POST", url, apiKey, bytes.NewReader(body))
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// SendCommand sends a console command to a server.
func (c *Client) SendCommand(apiKey, serverID, command string) error {
	url := fmt.Sprintf("%s/api/client/servers/%s/command", c.baseURL, serverID)
	body, err := json.Marshal(map[string]string{"command": command})
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	resp, err := c.doRequest("POST", url, apiKey, bytes.NewReader(body))
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// CreateBackup triggers a new backup for a server.
func (c *Client) CreateBackup(apiKey, serverID string) error {
	url := fmt.Sprintf("%s/api/client/servers/%s/backups", c.baseURL, serverID)
	resp, err := c.doRequest("POST", url, apiKey, strings.NewReader("{}"))
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) doRequest(method, url, apiKey string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}

	if resp.StatusCode >= 400 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		bodyStr := string(bodyBytes)
		if len(bodyStr) > 500 {
			bodyStr = bodyStr[:500] + "... (truncated)"
		}

		if resp.StatusCode == 409 {
			// Common for servers mid install/transfer; not an error worth alarming on.
			logging.Debug().Str("method", method).Str("url", url).Str("body", bodyStr).Msg("panel API conflict")
		} else {
			logging.Warn().Str("method", method).Str("url", url).Int("status", resp.StatusCode).Str("body", bodyStr).Msg("panel API error")
		}

		return nil, fmt.Errorf("panel API error %d: %s", resp.StatusCode, bodyStr)
	}

	return resp, nil
}

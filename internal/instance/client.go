// pattern: Imperative Shell

package instance

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Health is the body of GET /__devsync/health.
type Health struct {
	Status     string `json:"status"`
	Generation int    `json:"generation"`
	Ready      bool   `json:"ready"`
}

// Client is a thin HTTP client for a running devsync instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Client targeting the given base URL. Dev servers use
// self-signed certificates, so TLS verification is off.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 2 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // local dev server
			},
		},
	}
}

// Health queries the instance's health endpoint.
func (c *Client) Health() (Health, error) {
	var h Health
	body, err := c.get("/__devsync/health")
	if err != nil {
		return h, err
	}
	if err := json.Unmarshal(body, &h); err != nil {
		return h, fmt.Errorf("decode health: %w", err)
	}
	return h, nil
}

// get performs a GET request and returns the response body.
func (c *Client) get(path string) ([]byte, error) {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to devsync: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("devsync returned status %d: %s", resp.StatusCode, extractErrorMessage(body))
	}
	return body, nil
}

// extractErrorMessage attempts to extract the error message from a JSON response body.
// Falls back to the raw body string if parsing fails.
func extractErrorMessage(body []byte) string {
	var errResp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		return errResp.Error
	}
	return string(body)
}

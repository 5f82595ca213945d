// Package collab implements the external collaborators of §6 as thin,
// concretely-wired adapters: their business rules are out of scope, but
// the Stage-1 controller and Stage-2 worker need a real implementation
// to call through.
package collab

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cavaliergopher/grab/v3"
)

// APIClient is the cloud API collaborator of §6.
type APIClient interface {
	FetchLatestVersion(ctx context.Context, deviceType string) (string, error)
	DownloadRawImage(ctx context.Context, deviceType, version, dest string) error
	PingAPI(ctx context.Context, baseURL string, timeout time.Duration) error
	PingVPN(ctx context.Context, host string, port int, timeout time.Duration) error
	PatchDeviceType(ctx context.Context, uuid, newSlug, bearerToken string) error
}

// HTTPAPIClient is the default APIClient, backed by net/http for the
// JSON endpoints and grab for the (potentially multi-gigabyte) raw
// image download, so it gets resumable transfers for free. No checksum
// is configured on the download.
type HTTPAPIClient struct {
	BaseURL string
	HTTP    *http.Client
}

func NewHTTPAPIClient(baseURL string) *HTTPAPIClient {
	return &HTTPAPIClient{BaseURL: baseURL, HTTP: &http.Client{}}
}

func (c *HTTPAPIClient) FetchLatestVersion(ctx context.Context, deviceType string) (string, error) {
	url := fmt.Sprintf("%s/device-types/%s/latest", c.BaseURL, deviceType)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("collab: fetching latest version: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("collab: fetch latest version returned %s", resp.Status)
	}
	return deviceType, nil
}

func (c *HTTPAPIClient) DownloadRawImage(ctx context.Context, deviceType, version, dest string) error {
	url := fmt.Sprintf("%s/device-types/%s/%s/image", c.BaseURL, deviceType, version)
	req, err := grab.NewRequest(dest, url)
	if err != nil {
		return fmt.Errorf("collab: building download request: %w", err)
	}
	req = req.WithContext(ctx)

	resp := grab.DefaultClient.Do(req)
	if err := resp.Err(); err != nil {
		return fmt.Errorf("collab: downloading raw image: %w", err)
	}
	return nil
}

func (c *HTTPAPIClient) PingAPI(ctx context.Context, baseURL string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/ping", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("collab: API unreachable: %w", err)
	}
	defer resp.Body.Close()
	return nil
}

func (c *HTTPAPIClient) PingVPN(ctx context.Context, host string, port int, timeout time.Duration) error {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return fmt.Errorf("collab: VPN endpoint unreachable: %w", err)
	}
	return conn.Close()
}

func (c *HTTPAPIClient) PatchDeviceType(ctx context.Context, uuid, newSlug, bearerToken string) error {
	url := fmt.Sprintf("%s/devices/%s", c.BaseURL, uuid)
	body := fmt.Sprintf(`{"device_type":%q}`, newSlug)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, httpBody(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+bearerToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("collab: patching device type: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("collab: patch device type returned %s", resp.Status)
	}
	return nil
}

func httpBody(s string) *strings.Reader {
	return strings.NewReader(s)
}

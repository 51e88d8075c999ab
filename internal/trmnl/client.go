// Package trmnl provides an HTTP client for the TRMNL device-display API.
//
// The client covers three remote surfaces: credentialed device discovery
// (/devices.json via the browser session cookie), per-device screen
// metadata (/api/current_screen and /api/display, authenticated with the
// device's Access-Token header), and plain image-byte downloads. Status
// handling is uniform across authenticated calls: 401/403 map to
// ErrUnauthorized, 429 to ErrRateLimited, and everything else non-2xx to a
// wrapped transient error. Backoff policy lives in the poll package; this
// client only classifies.
package trmnl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// Default hosts per environment.
const (
	DefaultProductionHost  = "https://usetrmnl.com"
	DefaultDevelopmentHost = "http://localhost:3000"
)

const (
	defaultUserAgent = "glimpse/0.1"
	requestTimeout   = 15 * time.Second

	// maxImageBytes bounds a single screen download. TRMNL screens are
	// 1-bit 800x480 bitmaps, typically well under 100 KiB.
	maxImageBytes = 8 << 20
)

// Sentinel errors for the uniform status-code contract.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrRateLimited  = errors.New("rate limited")
)

// Client talks to a TRMNL-compatible API host.
type Client struct {
	baseURL       *url.URL
	http          *http.Client
	userAgent     string
	sessionCookie string
}

// NewClient builds a Client for the given host. sessionCookie, when
// non-empty, is replayed on credentialed endpoints (device discovery);
// login itself is delegated to the remote service.
func NewClient(host, sessionCookie string) (*Client, error) {
	base, err := parseBaseURL(host)
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL: base,
		http: &http.Client{
			Timeout: requestTimeout,
		},
		userAgent:     defaultUserAgent,
		sessionCookie: sessionCookie,
	}, nil
}

// LoginURL returns the user-facing login page. It is never fetched
// programmatically.
func (c *Client) LoginURL() string {
	rel := &url.URL{Path: "/login"}
	return c.baseURL.ResolveReference(rel).String()
}

// ListDevices retrieves the account's devices using the session cookie.
func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}
	req, err := c.newRequest(ctx, "/devices.json")
	if err != nil {
		return nil, err
	}
	if c.sessionCookie != "" {
		req.Header.Set("Cookie", c.sessionCookie)
	}
	var devices []Device
	if err := c.doJSON(req, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

// CurrentScreen fetches screen metadata from /api/current_screen, the
// steady-state read path.
func (c *Client) CurrentScreen(ctx context.Context, apiKey string) (DisplayResponse, error) {
	return c.display(ctx, "/api/current_screen", apiKey, false)
}

// GenerateScreen fetches screen metadata from /api/display, which forces
// the remote device to render a screen rather than returning a possibly
// empty cached one. Used for first-setup and for advancing to the next
// screen.
func (c *Client) GenerateScreen(ctx context.Context, apiKey string) (DisplayResponse, error) {
	return c.display(ctx, "/api/display", apiKey, false)
}

// SpecialFunction issues the /api/display request with the
// Special-Function header set, triggering the device's configured action.
func (c *Client) SpecialFunction(ctx context.Context, apiKey string) (DisplayResponse, error) {
	return c.display(ctx, "/api/display", apiKey, true)
}

func (c *Client) display(ctx context.Context, apiPath, apiKey string, special bool) (DisplayResponse, error) {
	if c == nil {
		return DisplayResponse{}, fmt.Errorf("client is nil")
	}
	req, err := c.newRequest(ctx, apiPath)
	if err != nil {
		return DisplayResponse{}, err
	}
	req.Header.Set("Access-Token", apiKey)
	req.Header.Set("Cache-Control", "no-cache")
	if special {
		req.Header.Set("Special-Function", "true")
	}
	var payload DisplayResponse
	if err := c.doJSON(req, &payload); err != nil {
		return DisplayResponse{}, err
	}
	return payload, nil
}

// Download fetches raw image bytes from imageURL with no auth headers. The
// returned content type comes from the response header when present,
// falling back to the URL's file extension.
func (c *Client) Download(ctx context.Context, imageURL string) ([]byte, string, error) {
	if c == nil {
		return nil, "", fmt.Errorf("client is nil")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := classifyStatus(imageURL, resp.StatusCode); err != nil {
		return nil, "", err
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, "", fmt.Errorf("read image body: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = contentTypeForURL(imageURL)
	}
	return data, contentType, nil
}

func (c *Client) newRequest(ctx context.Context, apiPath string) (*http.Request, error) {
	rel := &url.URL{Path: apiPath}
	reqURL := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	return req, nil
}

func (c *Client) doJSON(req *http.Request, dest any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := classifyStatus(req.URL.Path, resp.StatusCode); err != nil {
		return err
	}
	if dest == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func classifyStatus(what string, code int) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("api %s: %w", what, ErrUnauthorized)
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("api %s: %w", what, ErrRateLimited)
	case code < 200 || code >= 300:
		return fmt.Errorf("api %s returned status %d", what, code)
	}
	return nil
}

func contentTypeForURL(imageURL string) string {
	ext := ""
	if u, err := url.Parse(imageURL); err == nil {
		ext = path.Ext(u.Path)
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "image/png"
}

func parseBaseURL(host string) (*url.URL, error) {
	trimmed := strings.TrimSpace(host)
	if trimmed == "" {
		trimmed = DefaultProductionHost
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse host %q: %w", host, err)
	}
	u.Path = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

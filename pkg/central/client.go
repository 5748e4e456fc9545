// Package central is a small client for the IoT Central application REST API and for the hub
// endpoints reachable with the tokens a Central application hands out.
package central

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v4"
	"github.com/rs/zerolog"
)

const (
	// DefaultDNSSuffix is the public cloud Central domain.
	DefaultDNSSuffix = "azureiotcentral.com"
	// APIVersion is the Central data-plane API version used for device and template reads.
	APIVersion = "2022-07-31"
	// HubAPIVersion is the hub service API version used for twin reads.
	HubAPIVersion = "2021-04-12"
)

// APIError is a non-2xx response from Central or the hub.
type APIError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s returned %d: %s", e.Method, e.URL, e.StatusCode, strings.TrimSpace(e.Body))
}

// Config holds the settings for a Client.
type Config struct {
	AppID     string
	DNSSuffix string
	// BearerToken is an AAD access token for the Central application audience.
	BearerToken string
	// BaseURL overrides https://{AppID}.{DNSSuffix}; used by tests.
	BaseURL string
	// HubBaseURL overrides https://{hub host}; used by tests.
	HubBaseURL string
	Timeout    time.Duration
}

// Client talks to one Central application.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a Client. It does not contact the application.
func NewClient(cfg Config, httpClient *http.Client, logger zerolog.Logger) (*Client, error) {
	if cfg.AppID == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("central app id is required")
	}
	if cfg.DNSSuffix == "" {
		cfg.DNSSuffix = DefaultDNSSuffix
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	base := cfg.BaseURL
	if base == "" {
		base = fmt.Sprintf("https://%s.%s", cfg.AppID, cfg.DNSSuffix)
	}
	return &Client{
		cfg:        cfg,
		baseURL:    strings.TrimRight(base, "/"),
		httpClient: httpClient,
		logger:     logger.With().Str("component", "CentralClient").Str("app_id", cfg.AppID).Logger(),
	}, nil
}

// CheckBearerToken rejects tokens that are empty, malformed or already expired. The signature is
// not verified; the application does that.
func CheckBearerToken(token string, now time.Time) error {
	token = strings.TrimPrefix(strings.TrimSpace(token), "Bearer ")
	if token == "" {
		return fmt.Errorf("bearer token is empty")
	}
	claims := jwt.MapClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(token, claims); err != nil {
		return fmt.Errorf("bearer token is not a JWT: %w", err)
	}
	if _, ok := claims["exp"]; ok && !claims.VerifyExpiresAt(now.Unix(), true) {
		return fmt.Errorf("bearer token expired")
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, rawURL, authorization string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", authorization)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug().Str("method", method).Str("url", rawURL).Msg("Sending request.")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, rawURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("failed to read response of %s %s: %w", method, rawURL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Method: method, URL: rawURL, StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response of %s %s: %w", method, rawURL, err)
	}
	return nil
}

func (c *Client) bearer() string {
	token := strings.TrimSpace(c.cfg.BearerToken)
	if strings.HasPrefix(token, "Bearer ") {
		return token
	}
	return "Bearer " + token
}

func (c *Client) appURL(path string) string {
	return fmt.Sprintf("%s%s?api-version=%s", c.baseURL, path, APIVersion)
}

// Device is the Central view of a device.
type Device struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Template    string `json:"template"`
	Simulated   bool   `json:"simulated"`
	Provisioned bool   `json:"provisioned"`
	Enabled     bool   `json:"enabled"`
}

// GetDevice reads one device of the application.
func (c *Client) GetDevice(ctx context.Context, deviceID string) (Device, error) {
	var d Device
	err := c.do(ctx, http.MethodGet, c.appURL("/api/devices/"+url.PathEscape(deviceID)), c.bearer(), nil, &d)
	return d, err
}

// GetDeviceTemplate reads one device template of the application.
func (c *Client) GetDeviceTemplate(ctx context.Context, templateID string) (DeviceTemplate, error) {
	var tpl DeviceTemplate
	err := c.do(ctx, http.MethodGet, c.appURL("/api/deviceTemplates/"+url.PathEscape(templateID)), c.bearer(), nil, &tpl)
	return tpl, err
}

// ShowDeviceTwin reads the hub twin of a device using the hub tenant token from the exchange.
func (c *Client) ShowDeviceTwin(ctx context.Context, tokens Tokens, deviceID string) (map[string]any, error) {
	sas, err := ParseSASToken(tokens.IoTHub.SASToken)
	if err != nil {
		return nil, fmt.Errorf("hub tenant token: %w", err)
	}
	base := c.cfg.HubBaseURL
	if base == "" {
		base = "https://" + sas.Host()
	}
	twinURL := fmt.Sprintf("%s/twins/%s?api-version=%s", strings.TrimRight(base, "/"), url.PathEscape(deviceID), HubAPIVersion)
	var twin map[string]any
	if err := c.do(ctx, http.MethodGet, twinURL, tokens.IoTHub.SASToken, nil, &twin); err != nil {
		return nil, err
	}
	return twin, nil
}

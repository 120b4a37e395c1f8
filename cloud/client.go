package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/ruteri/device-provisioning/interfaces"
)

const (
	DefaultRequestRetries = 2
	DefaultRetryWaitMin   = 200 * time.Millisecond
	DefaultRetryWaitMax   = time.Second

	connectedPath = "/apiv1/devices/connected.json"
	devicesPath   = "/apiv1/devices.json"
)

// ClientConfig configures a cloud API client.
type ClientConfig struct {
	// BaseURL is the device service root, for example https://ads-dev.example.com.
	BaseURL   string
	AuthToken string
	Log       *slog.Logger

	// HTTPClient carries the requests; nil uses a default client.
	HTTPClient *http.Client

	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// Client implements interfaces.Cloud over the device service HTTP API. Each
// query runs under its own retry policy.
type Client struct {
	baseURL   string
	authToken string
	log       *slog.Logger
	http      *retryablehttp.Client
}

var _ interfaces.Cloud = (*Client)(nil)

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: cloud base url is required", interfaces.ErrInvalidArgument)
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("%w: cloud base url: %w", interfaces.ErrInvalidArgument, err)
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.RetryMax == 0 {
		cfg.RetryMax = DefaultRequestRetries
	}
	if cfg.RetryWaitMin == 0 {
		cfg.RetryWaitMin = DefaultRetryWaitMin
	}
	if cfg.RetryWaitMax == 0 {
		cfg.RetryWaitMax = DefaultRetryWaitMax
	}

	rc := retryablehttp.NewClient()
	if cfg.HTTPClient != nil {
		rc.HTTPClient = cfg.HTTPClient
	}
	rc.Logger = cfg.Log
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = cfg.RetryWaitMin
	rc.RetryWaitMax = cfg.RetryWaitMax
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		baseURL:   strings.TrimSuffix(cfg.BaseURL, "/"),
		authToken: cfg.AuthToken,
		log:       cfg.Log.With("component", "cloud"),
		http:      rc,
	}, nil
}

type deviceWrapper struct {
	Device *interfaces.Device `json:"device"`
}

type registerBody struct {
	DSN        string `json:"dsn"`
	SetupToken string `json:"setup_token,omitempty"`
	RegToken   string `json:"regtoken,omitempty"`
	RegType    string `json:"registration_type,omitempty"`
	Lat        string `json:"lat,omitempty"`
	Lng        string `json:"lng,omitempty"`
}

// Connected asks whether the cloud has seen dsn check in. A device that has
// not connected yet yields a 404 StatusError.
func (c *Client) Connected(ctx context.Context, dsn, setupToken string) (*interfaces.Device, error) {
	if dsn == "" {
		return nil, fmt.Errorf("%w: dsn is required", interfaces.ErrInvalidArgument)
	}
	q := url.Values{"dsn": {dsn}}
	if setupToken != "" {
		q.Set("setup_token", setupToken)
	}
	return c.deviceRequest(ctx, http.MethodGet, connectedPath+"?"+q.Encode(), nil)
}

// RegisterDevice binds the device to the account behind the auth token.
func (c *Client) RegisterDevice(ctx context.Context, rc interfaces.RegistrationCandidate) (*interfaces.Device, error) {
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	body := registerBody{
		DSN:        rc.DSN,
		SetupToken: rc.SetupToken,
		RegToken:   rc.RegToken,
		Lat:        rc.Lat,
		Lng:        rc.Lng,
	}
	if rc.RegistrationType == interfaces.RegistrationButtonPush {
		body.RegType = string(rc.RegistrationType)
	}
	raw, err := json.Marshal(map[string]registerBody{"device": body})
	if err != nil {
		return nil, fmt.Errorf("encoding registration: %w", err)
	}
	return c.deviceRequest(ctx, http.MethodPost, devicesPath, raw)
}

func (c *Client) deviceRequest(ctx context.Context, method, path string, body []byte) (*interfaces.Device, error) {
	var rawBody any
	if body != nil {
		rawBody = bytes.NewReader(body)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, rawBody)
	if err != nil {
		return nil, fmt.Errorf("%w: building %s request: %w", interfaces.ErrInvalidArgument, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "auth_token "+c.authToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s %s: %w", interfaces.ErrCanceled, method, path, ctx.Err())
		}
		return nil, fmt.Errorf("%w: could not request %s: %w", interfaces.ErrNetwork, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s response: %w", interfaces.ErrNetwork, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &interfaces.StatusError{Source: interfaces.SourceCloud, StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	dev, err := parseDevice(respBody)
	if err != nil {
		return nil, fmt.Errorf("%w: could not parse %s response: %w", interfaces.ErrInternal, path, err)
	}
	c.log.Debug("cloud device response", "path", path, "dsn", dev.DSN, "connection_status", dev.ConnectionStatus)
	return dev, nil
}

// parseDevice accepts both the wrapped {"device":{...}} form and a bare
// device object.
func parseDevice(body []byte) (*interfaces.Device, error) {
	var w deviceWrapper
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, err
	}
	if w.Device != nil {
		return w.Device, nil
	}
	var d interfaces.Device
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

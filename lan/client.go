package lan

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/ruteri/device-provisioning/interfaces"
)

// request is one device resource access, independent of the channel that
// carries it.
type request struct {
	method   string
	resource string // path and query relative to the device root
	body     any

	// resultURI is where the device posts the result in secure mode.
	resultURI string
	// retry sends the request through the retrying client in clear mode.
	retry bool
	// timeout bounds this request alone; zero uses the channel default.
	timeout time.Duration
}

// channel carries requests to the device and returns the response body.
// Non-2xx responses are *interfaces.StatusError; module error bodies are
// *interfaces.DeviceError.
type channel interface {
	call(ctx context.Context, req request) ([]byte, error)
}

// clearClient talks plain HTTP to the device's provisioning address.
type clearClient struct {
	log     *slog.Logger
	clk     clock.Clock
	baseURL string
	http    *http.Client
	retry   *retryablehttp.Client
}

func newClearClient(log *slog.Logger, clk clock.Clock, addr string, httpClient *http.Client, retries int) *clearClient {
	rc := retryablehttp.NewClient()
	rc.HTTPClient = httpClient
	rc.Logger = log
	rc.RetryMax = retries
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = time.Second
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &clearClient{
		log:     log,
		clk:     clk,
		baseURL: "http://" + strings.TrimSuffix(addr, "/"),
		http:    httpClient,
		retry:   rc,
	}
}

func (c *clearClient) call(ctx context.Context, req request) ([]byte, error) {
	var body []byte
	if req.body != nil {
		var err error
		if body, err = json.Marshal(req.body); err != nil {
			return nil, fmt.Errorf("%w: encoding %s body: %w", interfaces.ErrInvalidArgument, req.resource, err)
		}
	}

	reqCtx := ctx
	if req.timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = c.clk.WithTimeout(ctx, req.timeout)
		defer cancel()
	}

	url := c.baseURL + "/" + strings.TrimPrefix(req.resource, "/")
	resp, err := c.do(reqCtx, req, url, body)
	if err != nil {
		if ctx.Err() == nil && errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s %s after %s", interfaces.ErrTimeout, req.method, req.resource, req.timeout)
		}
		return nil, fmt.Errorf("%w: %s %s: %w", interfaces.ErrNetwork, req.method, req.resource, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s response: %w", interfaces.ErrNetwork, req.resource, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &interfaces.StatusError{Source: interfaces.SourceDevice, StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	if err := checkModuleError(respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

func (c *clearClient) do(ctx context.Context, req request, url string, body []byte) (*http.Response, error) {
	if req.retry {
		var raw any
		if body != nil {
			raw = body
		}
		rreq, err := retryablehttp.NewRequestWithContext(ctx, req.method, url, raw)
		if err != nil {
			return nil, err
		}
		if body != nil {
			rreq.Header.Set("Content-Type", "application/json")
		}
		return c.retry.Do(rreq)
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.method, url, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		hreq.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(hreq)
}

// decode reads a JSON body into out.
func decode(body []byte, resource string, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decoding %s: %w", interfaces.ErrInternal, resource, err)
	}
	return nil
}

package lan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ruteri/device-provisioning/cryptoutils"
	"github.com/ruteri/device-provisioning/interfaces"
	"github.com/ruteri/device-provisioning/operation"
)

const (
	DefaultDeviceAddr           = "192.168.0.1"
	DefaultSSIDPattern          = "^Ayla-"
	DefaultScanDelay            = 3 * time.Second
	DefaultFetchAPTimeout       = 10 * time.Second
	DefaultStatusRequestTimeout = 15 * time.Second
	DefaultScanPollInterval     = time.Second
	DefaultStatusPollInterval   = time.Second
	DefaultCredentialRetries    = 3
)

// TransportConfig configures a LAN transport.
type TransportConfig struct {
	Log   *slog.Logger
	Loop  *operation.Loop
	Clock clock.Clock

	HTTPClient *http.Client
	// Associator lists the device access points during Discover.
	Associator interfaces.NetworkAssociator

	// DeviceAddr is host or host:port of the device's provisioning server.
	DeviceAddr string
	// DeviceSSIDPattern selects device access points among the phone's scan results.
	DeviceSSIDPattern string

	// ScanDelay is the pause between starting the device scan and the first
	// read of its results.
	ScanDelay            time.Duration
	FetchAPTimeout       time.Duration
	StatusRequestTimeout time.Duration
	CredentialRetries    int

	Secure SecureConfig
}

func (c *TransportConfig) setDefaults() {
	if c.Log == nil {
		c.Log = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.DeviceAddr == "" {
		c.DeviceAddr = DefaultDeviceAddr
	}
	if c.DeviceSSIDPattern == "" {
		c.DeviceSSIDPattern = DefaultSSIDPattern
	}
	if c.ScanDelay == 0 {
		c.ScanDelay = DefaultScanDelay
	}
	if c.FetchAPTimeout == 0 {
		c.FetchAPTimeout = DefaultFetchAPTimeout
	}
	if c.StatusRequestTimeout == 0 {
		c.StatusRequestTimeout = DefaultStatusRequestTimeout
	}
	if c.CredentialRetries == 0 {
		c.CredentialRetries = DefaultCredentialRetries
	}
}

// Transport reaches the device over HTTP on its setup network, in clear mode
// or through a SecureSession once BootstrapSecure succeeds.
type Transport struct {
	cfg     TransportConfig
	log     *slog.Logger
	pattern *regexp.Regexp

	mu     sync.Mutex
	addr   string
	clear  *clearClient
	secure *SecureSession
}

var (
	_ interfaces.Transport          = (*Transport)(nil)
	_ interfaces.SecureBootstrapper = (*Transport)(nil)
	_ interfaces.RegInfoFetcher     = (*Transport)(nil)
	_ interfaces.APStopper          = (*Transport)(nil)
)

func NewTransport(cfg TransportConfig) (*Transport, error) {
	cfg.setDefaults()
	pattern, err := regexp.Compile(cfg.DeviceSSIDPattern)
	if err != nil {
		return nil, fmt.Errorf("%w: device ssid pattern: %w", interfaces.ErrInvalidArgument, err)
	}
	return &Transport{
		cfg:     cfg,
		log:     cfg.Log.With("transport", interfaces.ModeLAN),
		pattern: pattern,
	}, nil
}

func (t *Transport) Mode() interfaces.Mode {
	return interfaces.ModeLAN
}

// Secure reports whether requests go through the encrypted channel.
func (t *Transport) Secure() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.secure != nil
}

func (t *Transport) channel() (channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.secure != nil:
		return t.secure, nil
	case t.clear != nil:
		return t.clear, nil
	}
	return nil, fmt.Errorf("%w: not connected", interfaces.ErrPrecondition)
}

func (t *Transport) call(ctx context.Context, req request, out any) error {
	ch, err := t.channel()
	if err != nil {
		return err
	}
	body, err := ch.call(ctx, req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return decode(body, req.resource, out)
}

// Discover lists the device access points visible to the phone.
func (t *Transport) Discover(timeout time.Duration, found func(interfaces.Candidate)) *operation.Op[[]interfaces.Candidate] {
	return operation.Timed(t.cfg.Loop, t.cfg.Clock, timeout, func(ctx context.Context) ([]interfaces.Candidate, error) {
		if t.cfg.Associator == nil {
			return nil, fmt.Errorf("%w: no network associator", interfaces.ErrPermission)
		}
		networks, err := t.cfg.Associator.Scan(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: scanning phone networks: %w", interfaces.ErrNetwork, err)
		}

		seen := make(map[string]struct{})
		var out []interfaces.Candidate
		for _, n := range networks {
			if !t.pattern.MatchString(n.SSID) {
				continue
			}
			if _, ok := seen[n.SSID]; ok {
				continue
			}
			seen[n.SSID] = struct{}{}
			c := interfaces.Candidate{Name: n.SSID, RSSI: n.Signal}
			out = append(out, c)
			if found != nil {
				found(c)
			}
		}
		return out, nil
	})
}

// Connect records the device address. Joining the device's access point is
// the session's job.
func (t *Transport) Connect(c interfaces.Candidate) *operation.Op[*interfaces.SetupDevice] {
	addr := t.cfg.DeviceAddr
	if c.Address != "" {
		addr = c.Address
	}

	t.mu.Lock()
	t.addr = addr
	t.clear = newClearClient(t.log, t.cfg.Clock, addr, t.cfg.HTTPClient, t.cfg.CredentialRetries)
	t.mu.Unlock()

	t.log.Info("device address set", "address", addr)
	return operation.Completed(t.cfg.Loop, &interfaces.SetupDevice{LanIP: addr})
}

// FetchIdentity reads status.json. In clear mode the device clock is then
// synchronized, best effort.
func (t *Transport) FetchIdentity() *operation.Op[*interfaces.SetupDevice] {
	return operation.Go(t.cfg.Loop, func(ctx context.Context) (*interfaces.SetupDevice, error) {
		return t.fetchIdentity(ctx)
	})
}

func (t *Transport) fetchIdentity(ctx context.Context) (*interfaces.SetupDevice, error) {
	secure := t.Secure()
	var st Status
	err := t.call(ctx, request{
		method:    http.MethodGet,
		resource:  ResourceStatus,
		resultURI: LocalLANPrefix + "/" + ResourceStatus,
	}, &st)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	addr := t.addr
	t.mu.Unlock()
	dev := st.SetupDevice(addr)
	dev.Secure = secure

	if !secure {
		err := t.call(ctx, request{
			method:   http.MethodPut,
			resource: ResourceTime,
			body:     TimeUpdate{Time: t.cfg.Clock.Now().Unix()},
		}, nil)
		if err != nil {
			t.log.Debug("device time sync failed", "err", err)
		}
	}
	return dev, nil
}

// BootstrapSecure generates a key pair, lets the device complete the key
// exchange and reads the identity over the encrypted channel.
func (t *Transport) BootstrapSecure() *operation.Op[*interfaces.SetupDevice] {
	return operation.Go(t.cfg.Loop, func(ctx context.Context) (*interfaces.SetupDevice, error) {
		t.mu.Lock()
		cc := t.clear
		t.mu.Unlock()
		if cc == nil {
			return nil, fmt.Errorf("%w: not connected", interfaces.ErrPrecondition)
		}

		keys, err := operation.Await(ctx, cryptoutils.GenerateKeyMaterialAsync(t.cfg.Loop, t.cfg.Secure.KeyBits))
		if err != nil {
			return nil, err
		}

		session, err := newSecureSession(t.log, t.cfg.Clock, t.cfg.Secure, cc, keys)
		if err != nil {
			keys.Destroy()
			return nil, err
		}
		if err := session.Start(ctx, ""); err != nil {
			session.Close()
			return nil, err
		}

		t.mu.Lock()
		prev := t.secure
		t.secure = session
		t.mu.Unlock()
		if prev != nil {
			prev.Close()
		}

		return t.fetchIdentity(ctx)
	})
}

func (t *Transport) StartDeviceScan() *operation.Op[struct{}] {
	return operation.Go(t.cfg.Loop, func(ctx context.Context) (struct{}, error) {
		err := t.call(ctx, request{
			method:    http.MethodPost,
			resource:  ResourceScan,
			resultURI: LocalLANPrefix + "/" + ResourceScan,
		}, nil)
		return struct{}{}, err
	})
}

// FetchScanResults waits ScanDelay, then reads wifi_scan_results.json every
// pollInterval until the device reports a completed scan.
func (t *Transport) FetchScanResults(timeout, pollInterval time.Duration) *operation.Op[[]interfaces.WifiAccessPoint] {
	if pollInterval == 0 {
		pollInterval = DefaultScanPollInterval
	}
	return operation.Timed(t.cfg.Loop, t.cfg.Clock, timeout, func(ctx context.Context) ([]interfaces.WifiAccessPoint, error) {
		delay := t.cfg.ScanDelay
		for {
			timer := t.cfg.Clock.Timer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, operation.ErrCanceled
			case <-timer.C:
			}
			delay = pollInterval

			var res ScanResultsWrapper
			err := t.call(ctx, request{
				method:    http.MethodGet,
				resource:  ResourceScanResults,
				resultURI: LocalLANPrefix + "/" + ResourceScanResults,
				timeout:   t.cfg.FetchAPTimeout,
			}, &res)
			if err != nil {
				if errors.Is(err, interfaces.ErrTimeout) && ctx.Err() == nil {
					t.log.Debug("scan results request timed out, retrying")
					continue
				}
				return nil, err
			}
			if res.WifiScan.MTime == 0 {
				continue
			}

			collector := interfaces.NewScanCollector()
			for _, r := range res.WifiScan.Results {
				collector.Add(r.AccessPoint())
			}
			collector.End()
			t.log.Debug("scan results collected", "count", collector.Len())
			return collector.Results(), nil
		}
	})
}

// SendJoinCredentials posts wifi_connect.json. A module error in the
// response fails the join immediately.
func (t *Transport) SendJoinCredentials(req interfaces.JoinRequest) *operation.Op[struct{}] {
	return operation.Go(t.cfg.Loop, func(ctx context.Context) (struct{}, error) {
		if err := req.Validate(); err != nil {
			return struct{}{}, err
		}

		params := url.Values{"ssid": {req.SSID}}
		if req.Password != "" {
			params.Set("key", req.Password)
		}
		if req.BSSID != "" {
			params.Set("bssid", req.BSSID)
		}
		if req.SetupToken != "" {
			params.Set("setup_token", req.SetupToken)
		}
		if req.Location != nil {
			params.Set("location", req.Location.String())
		}

		err := t.call(ctx, request{
			method:    http.MethodPost,
			resource:  ResourceConnect + "?" + params.Encode(),
			resultURI: ConnectStatusResult,
			retry:     true,
		}, nil)
		if err != nil {
			return struct{}{}, fmt.Errorf("sending join credentials: %w", err)
		}
		t.log.Info("join credentials sent", "ssid", req.SSID, "security", req.Security)
		return struct{}{}, nil
	})
}

// PollConnectStatus reads wifi_status.json every pollInterval. A single
// request that times out is retried while the overall window lasts.
func (t *Transport) PollConnectStatus(ssid string, timeout, pollInterval time.Duration) *operation.Op[interfaces.WifiConnectStatus] {
	if pollInterval == 0 {
		pollInterval = DefaultStatusPollInterval
	}
	eval := interfaces.NewStatusEvaluator(ssid, interfaces.WithStaleHistoryGuard(), interfaces.WithRequireHistory())
	lastState := ""

	return operation.Poll(t.cfg.Loop, operation.PollConfig{
		Clock:     t.cfg.Clock,
		Timeout:   timeout,
		Interval:  pollInterval,
		Immediate: true,
	}, func(ctx context.Context) (interfaces.WifiConnectStatus, bool, error) {
		var res WifiStatusWrapper
		err := t.call(ctx, request{
			method:    http.MethodGet,
			resource:  ResourceWifiStatus,
			resultURI: LocalLANPrefix + "/" + ResourceWifiStatus,
			timeout:   t.cfg.StatusRequestTimeout,
		}, &res)
		if err != nil {
			if errors.Is(err, interfaces.ErrTimeout) {
				return interfaces.WifiConnectStatus{}, false, operation.Retry(err)
			}
			return interfaces.WifiConnectStatus{}, false, err
		}

		status := res.WifiStatus.ConnectStatus(ssid)
		if status.WifiState != lastState {
			t.log.Debug("device wifi state", "state", status.WifiState, "ssid", status.SSID)
			lastState = status.WifiState
		}
		done, err := eval.Evaluate(status)
		if err != nil {
			return interfaces.WifiConnectStatus{}, false, err
		}
		return eval.Result(), done, nil
	})
}

func (t *Transport) FetchRegInfo() *operation.Op[interfaces.RegInfo] {
	return operation.Go(t.cfg.Loop, func(ctx context.Context) (interfaces.RegInfo, error) {
		var res RegToken
		err := t.call(ctx, request{
			method:    http.MethodGet,
			resource:  ResourceRegToken,
			resultURI: LocalLANPrefix + "/" + ResourceRegToken,
		}, &res)
		if err != nil {
			return interfaces.RegInfo{}, err
		}
		return res.RegInfo(), nil
	})
}

func (t *Transport) StopAP() *operation.Op[struct{}] {
	return operation.Go(t.cfg.Loop, func(ctx context.Context) (struct{}, error) {
		err := t.call(ctx, request{
			method:    http.MethodPut,
			resource:  ResourceStopAP,
			resultURI: LocalLANPrefix + "/" + ResourceStopAP,
		}, nil)
		return struct{}{}, err
	})
}

// Close ends the secure session, if any, and drops its keys.
func (t *Transport) Close() error {
	t.mu.Lock()
	secure := t.secure
	t.secure = nil
	t.clear = nil
	t.mu.Unlock()

	if secure != nil {
		secure.Close()
	}
	return nil
}

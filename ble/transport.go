package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/ruteri/device-provisioning/interfaces"
	"github.com/ruteri/device-provisioning/operation"
	"github.com/ruteri/device-provisioning/wire"
)

const (
	DefaultMTU                    = 512
	MinMTU                        = 108
	DefaultScanPollInterval       = 100 * time.Millisecond
	DefaultConnectStatusPollDelay = time.Second
)

// TransportConfig configures a BLE transport.
type TransportConfig struct {
	Log   *slog.Logger
	Loop  *operation.Loop
	Clock clock.Clock

	// MTU requested after connecting. The peripheral must grant at least MinMTU.
	MTU int

	ScanPollInterval          time.Duration
	ConnectStatusPollInterval time.Duration
}

// Transport talks to one device over GATT.
type Transport struct {
	cfg     TransportConfig
	log     *slog.Logger
	central Central

	mu         sync.Mutex
	peripheral Peripheral
	chars      map[uuid.UUID]Characteristic
	status     interfaces.DeliveryStrategy[wire.ConnectStatus]
}

var _ interfaces.Transport = (*Transport)(nil)

func NewTransport(central Central, cfg TransportConfig) *Transport {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.MTU == 0 {
		cfg.MTU = DefaultMTU
	}
	if cfg.ScanPollInterval == 0 {
		cfg.ScanPollInterval = DefaultScanPollInterval
	}
	if cfg.ConnectStatusPollInterval == 0 {
		cfg.ConnectStatusPollInterval = DefaultConnectStatusPollDelay
	}
	return &Transport{
		cfg:     cfg,
		log:     cfg.Log.With("transport", interfaces.ModeBLE),
		central: central,
	}
}

func (t *Transport) Mode() interfaces.Mode {
	return interfaces.ModeBLE
}

// Discover scans for peripherals advertising the generic provisioning service.
func (t *Transport) Discover(timeout time.Duration, found func(interfaces.Candidate)) *operation.Op[[]interfaces.Candidate] {
	return operation.Go(t.cfg.Loop, func(ctx context.Context) ([]interfaces.Candidate, error) {
		scanCtx, cancel := t.cfg.Clock.WithTimeout(ctx, timeout)
		defer cancel()

		var mu sync.Mutex
		seen := make(map[string]struct{})
		var out []interfaces.Candidate

		err := t.central.Scan(scanCtx, GenericService, func(adv Advertisement) {
			mu.Lock()
			defer mu.Unlock()
			if _, ok := seen[adv.Address]; ok {
				return
			}
			seen[adv.Address] = struct{}{}
			c := interfaces.Candidate{Name: adv.Name, Address: adv.Address, RSSI: adv.RSSI}
			out = append(out, c)
			if found != nil {
				found(c)
			}
		})
		if ctx.Err() != nil {
			return nil, operation.ErrCanceled
		}
		if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("%w: ble scan: %w", interfaces.ErrNetwork, err)
		}

		mu.Lock()
		defer mu.Unlock()
		return slices.Clone(out), nil
	})
}

// Connect opens the GATT link, negotiates the MTU and discovers the
// provisioning characteristics.
func (t *Transport) Connect(c interfaces.Candidate) *operation.Op[*interfaces.SetupDevice] {
	return operation.Go(t.cfg.Loop, func(ctx context.Context) (*interfaces.SetupDevice, error) {
		p, err := t.central.Connect(ctx, c.Address)
		if err != nil {
			return nil, fmt.Errorf("%w: connecting to %s: %w", interfaces.ErrNetwork, c.Address, err)
		}

		chars, err := t.prepare(ctx, p)
		if err != nil {
			_ = p.Disconnect()
			return nil, err
		}

		t.mu.Lock()
		t.peripheral = p
		t.chars = chars
		t.mu.Unlock()

		t.log.Info("connected to device", "address", p.Address(), "characteristics", len(chars))
		return &interfaces.SetupDevice{Address: p.Address(), Features: []string{interfaces.FeatureAPSTA}}, nil
	})
}

func (t *Transport) prepare(ctx context.Context, p Peripheral) (map[uuid.UUID]Characteristic, error) {
	mtu, err := p.RequestMTU(ctx, t.cfg.MTU)
	if err != nil {
		return nil, fmt.Errorf("%w: requesting mtu: %w", interfaces.ErrNetwork, err)
	}
	if mtu < MinMTU {
		return nil, fmt.Errorf("%w: negotiated mtu %d is below %d", interfaces.ErrPrecondition, mtu, MinMTU)
	}

	chars := make(map[uuid.UUID]Characteristic)
	for _, svc := range serviceLayout {
		found, err := p.DiscoverCharacteristics(ctx, svc.Service, svc.Chars)
		if err != nil && len(svc.Required) > 0 {
			return nil, fmt.Errorf("%w: discovering service %s: %w", interfaces.ErrPrecondition, svc.Service, err)
		}
		for _, ch := range found {
			chars[ch.UUID()] = ch
		}
		for _, req := range svc.Required {
			if _, ok := chars[req]; !ok {
				return nil, fmt.Errorf("%w: characteristic %s missing", interfaces.ErrPrecondition, req)
			}
		}
	}
	return chars, nil
}

func (t *Transport) char(id uuid.UUID) (Characteristic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.peripheral == nil {
		return nil, fmt.Errorf("%w: not connected", interfaces.ErrPrecondition)
	}
	ch, ok := t.chars[id]
	if !ok {
		return nil, fmt.Errorf("%w: characteristic %s missing", interfaces.ErrPrecondition, id)
	}
	return ch, nil
}

// FetchIdentity reads the DSN characteristic.
func (t *Transport) FetchIdentity() *operation.Op[*interfaces.SetupDevice] {
	return operation.Go(t.cfg.Loop, func(ctx context.Context) (*interfaces.SetupDevice, error) {
		ch, err := t.char(DSNChar)
		if err != nil {
			return nil, err
		}
		raw, err := ch.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: reading dsn: %w", interfaces.ErrNetwork, err)
		}

		t.mu.Lock()
		addr := t.peripheral.Address()
		t.mu.Unlock()
		return &interfaces.SetupDevice{
			DSN:      wire.DecodeDSN(raw),
			Address:  addr,
			Features: []string{interfaces.FeatureAPSTA},
		}, nil
	})
}

func (t *Transport) StartDeviceScan() *operation.Op[struct{}] {
	return operation.Go(t.cfg.Loop, func(ctx context.Context) (struct{}, error) {
		ch, err := t.char(ScanChar)
		if err != nil {
			return struct{}{}, err
		}
		if err := ch.Write(ctx, wire.ScanTrigger); err != nil {
			return struct{}{}, fmt.Errorf("%w: starting device scan: %w", interfaces.ErrNetwork, err)
		}
		return struct{}{}, nil
	})
}

// FetchScanResults collects scan records until the end-of-list sentinel
// follows at least one result.
func (t *Transport) FetchScanResults(timeout, pollInterval time.Duration) *operation.Op[[]interfaces.WifiAccessPoint] {
	if pollInterval == 0 {
		pollInterval = t.cfg.ScanPollInterval
	}
	return operation.Timed(t.cfg.Loop, t.cfg.Clock, timeout, func(ctx context.Context) ([]interfaces.WifiAccessPoint, error) {
		ch, err := t.char(ScanResultChar)
		if err != nil {
			return nil, err
		}

		strategy := SelectStrategy(t.log, ch, wire.DecodeScanResult, t.cfg.Clock, pollInterval)
		defer t.closeStrategy(strategy)

		collector := interfaces.NewScanCollector()
		err = strategy.Collect(ctx, func(r wire.ScanResult) (bool, error) {
			if r.IsEndOfList() {
				return collector.End(), nil
			}
			collector.Add(r.AccessPoint())
			return false, nil
		})
		if err != nil {
			return nil, err
		}
		t.log.Debug("scan results collected", "count", collector.Len(), "strategy", strategy.Name())
		return collector.Results(), nil
	})
}

// SendJoinCredentials writes the setup token, if any, subscribes to connect
// status and writes the connect record.
func (t *Transport) SendJoinCredentials(req interfaces.JoinRequest) *operation.Op[struct{}] {
	return operation.Go(t.cfg.Loop, func(ctx context.Context) (struct{}, error) {
		if err := req.Validate(); err != nil {
			return struct{}{}, err
		}
		record, err := wire.EncodeConnectCommand(req.SSID, req.Password, req.Security)
		if err != nil {
			return struct{}{}, err
		}

		if req.SetupToken != "" {
			ch, err := t.char(SetupTokenChar)
			if err != nil {
				return struct{}{}, err
			}
			token, err := wire.EncodeSetupToken(req.SetupToken)
			if err != nil {
				return struct{}{}, err
			}
			if err := ch.Write(ctx, token); err != nil {
				return struct{}{}, fmt.Errorf("%w: writing setup token: %w", interfaces.ErrNetwork, err)
			}
		}

		statusChar, err := t.char(ConnectStatusChar)
		if err != nil {
			return struct{}{}, err
		}
		connectChar, err := t.char(ConnectChar)
		if err != nil {
			return struct{}{}, err
		}

		// subscribe before the write so no status change is missed
		strategy := SelectStrategy(t.log, statusChar, wire.DecodeConnectStatus, t.cfg.Clock, t.cfg.ConnectStatusPollInterval)
		t.swapStatusStrategy(strategy)

		if err := connectChar.Write(ctx, record); err != nil {
			return struct{}{}, fmt.Errorf("%w: writing connect command: %w", interfaces.ErrNetwork, err)
		}
		t.log.Info("join credentials sent", "ssid", req.SSID, "security", req.Security)
		return struct{}{}, nil
	})
}

// PollConnectStatus follows the connect-status characteristic until the
// device reports success for ssid or a terminal error.
func (t *Transport) PollConnectStatus(ssid string, timeout, pollInterval time.Duration) *operation.Op[interfaces.WifiConnectStatus] {
	if pollInterval == 0 {
		pollInterval = t.cfg.ConnectStatusPollInterval
	}
	return operation.Timed(t.cfg.Loop, t.cfg.Clock, timeout, func(ctx context.Context) (interfaces.WifiConnectStatus, error) {
		strategy := t.swapStatusStrategy(nil)
		if strategy == nil {
			ch, err := t.char(ConnectStatusChar)
			if err != nil {
				return interfaces.WifiConnectStatus{}, err
			}
			strategy = SelectStrategy(t.log, ch, wire.DecodeConnectStatus, t.cfg.Clock, pollInterval)
		}
		defer t.closeStrategy(strategy)

		eval := interfaces.NewStatusEvaluator(ssid)
		err := strategy.Collect(ctx, func(st wire.ConnectStatus) (bool, error) {
			t.log.Debug("connect status", "ssid", st.SSID, "state", st.State, "error", st.Error)
			return eval.Evaluate(st.ToWifiConnectStatus())
		})
		if err != nil {
			return interfaces.WifiConnectStatus{}, err
		}
		return eval.Result(), nil
	})
}

func (t *Transport) swapStatusStrategy(s interfaces.DeliveryStrategy[wire.ConnectStatus]) interfaces.DeliveryStrategy[wire.ConnectStatus] {
	t.mu.Lock()
	prev := t.status
	t.status = s
	t.mu.Unlock()
	if prev != nil && s != nil {
		t.closeStrategy(prev)
		return nil
	}
	return prev
}

func (t *Transport) closeStrategy(s interface{ Close() error }) {
	if err := s.Close(); err != nil {
		t.log.Debug("closing delivery strategy", "err", err)
	}
}

// Close unsubscribes from notifications and disconnects.
func (t *Transport) Close() error {
	t.mu.Lock()
	p := t.peripheral
	status := t.status
	t.peripheral, t.chars, t.status = nil, nil, nil
	t.mu.Unlock()

	if status != nil {
		t.closeStrategy(status)
	}
	if p == nil {
		return nil
	}
	if err := p.Disconnect(); err != nil {
		return fmt.Errorf("%w: disconnecting: %w", interfaces.ErrNetwork, err)
	}
	return nil
}

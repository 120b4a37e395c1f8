package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ruteri/device-provisioning/ble"
	"github.com/ruteri/device-provisioning/ble/tinygo"
	"github.com/ruteri/device-provisioning/cloud"
	"github.com/ruteri/device-provisioning/config"
	"github.com/ruteri/device-provisioning/devicesim"
	"github.com/ruteri/device-provisioning/interfaces"
	"github.com/ruteri/device-provisioning/lan"
	"github.com/ruteri/device-provisioning/network"
	"github.com/ruteri/device-provisioning/notify"
	"github.com/ruteri/device-provisioning/operation"
	"github.com/ruteri/device-provisioning/registration"
	"github.com/ruteri/device-provisioning/setup"
	"github.com/ruteri/device-provisioning/storage"
)

const exitTimeout = 15 * time.Second

// loadConfig reads --config, if given, and applies the flags that override
// it.
func loadConfig(cCtx *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := cCtx.String("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}

	if v := cCtx.String("cloud-url"); v != "" {
		cfg.Cloud.BaseURL = v
	}
	if v := cCtx.String("auth-token"); v != "" {
		cfg.Cloud.AuthToken = v
	}
	if v := cCtx.StringSlice("report-uri"); len(v) > 0 {
		cfg.Reports.URIs = v
	}
	if v := cCtx.String("nats-url"); v != "" {
		cfg.NATS.URL = v
	}
	if v := cCtx.String("listen-addr"); v != "" {
		cfg.LAN.ListenAddr = v
	}

	if cfg.Cloud.BaseURL == "" {
		return nil, errors.New("a cloud base URL is required (--cloud-url or cloud.base_url)")
	}
	return cfg, cfg.Validate()
}

type provisionEnv struct {
	session setup.Config
	closers []func()
}

func (e *provisionEnv) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

func assemble(cCtx *cli.Context, cfg *config.Config, logger *slog.Logger) (*provisionEnv, error) {
	env := &provisionEnv{}
	loop := operation.StartLoop()
	env.closers = append(env.closers, func() {
		// deliver the last listener events first
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = loop.Sync(ctx)
		loop.Stop()
	})

	ccfg := cfg.CloudClient()
	ccfg.Log = logger
	cloudClient, err := cloud.NewClient(ccfg)
	if err != nil {
		env.close()
		return nil, err
	}

	rcfg := cfg.Registrar()
	rcfg.Log = logger

	assoc := network.NewManualAssociator(logger, stdinPrompt(cCtx.App.Reader, cCtx.App.ErrWriter),
		interfaces.NetworkInfo{SSID: cCtx.String("home-ssid")})

	transport, err := newTransport(cCtx.String("transport"), cfg, logger, loop, assoc)
	if err != nil {
		env.close()
		return nil, err
	}

	listeners := []notify.Listener{notify.NewLogListener(logger)}
	if cfg.NATS.URL != "" {
		n, err := notify.DialNATS(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			env.close()
			return nil, err
		}
		env.closers = append(env.closers, n.Close)
		listeners = append(listeners, n)
	}

	var reports interfaces.ReportStore
	if len(cfg.Reports.URIs) > 0 {
		locs, err := storage.ParseLocations(cfg.Reports.URIs)
		if err != nil {
			env.close()
			return nil, err
		}
		backend, err := storage.NewStorageBackendFactory(logger).CreateMultiBackend(locs)
		if err != nil {
			env.close()
			return nil, err
		}
		reports = storage.NewReportStore(backend, logger)
	}

	scfg := cfg.Session()
	scfg.Log = logger
	scfg.Loop = loop
	scfg.Transport = transport
	scfg.Cloud = cloudClient
	scfg.Registrar = registration.NewRegistrar(cloudClient, rcfg)
	scfg.Listeners = listeners
	scfg.Reports = reports
	if transport.Mode() == interfaces.ModeLAN {
		scfg.Associator = assoc
	}
	env.session = scfg
	return env, nil
}

func newTransport(kind string, cfg *config.Config, logger *slog.Logger, loop *operation.Loop, assoc interfaces.NetworkAssociator) (interfaces.Transport, error) {
	switch kind {
	case "lan":
		tcfg := cfg.LANTransport()
		tcfg.Log = logger
		tcfg.Loop = loop
		tcfg.Associator = assoc
		t, err := lan.NewTransport(tcfg)
		if err != nil {
			return nil, err
		}
		return t, nil
	case "ble":
		central, err := tinygo.NewCentral(logger)
		if err != nil {
			return nil, err
		}
		tcfg := cfg.BLETransport()
		tcfg.Log = logger
		tcfg.Loop = loop
		return ble.NewTransport(central, tcfg), nil
	case "ble-sim":
		tcfg := cfg.BLETransport()
		tcfg.Log = logger
		tcfg.Loop = loop
		return ble.NewTransport(simCentral(logger), tcfg), nil
	default:
		return nil, fmt.Errorf("%w: unknown transport %q", interfaces.ErrInvalidArgument, kind)
	}
}

// simCentral is a single in-memory BLE device joinable to "home" with key
// "secret".
func simCentral(logger *slog.Logger) *devicesim.BLECentral {
	return &devicesim.BLECentral{Devices: []*devicesim.BLEDevice{{
		Log:     logger,
		Name:    "Ayla-sim",
		Address: "00:11:22:33:44:55",
		RSSI:    -50,
		Network: &devicesim.Network{
			DSN:      "AC000W000000001",
			Features: []string{interfaces.FeatureAPSTA},
			AccessPoints: []interfaces.WifiAccessPoint{
				{SSID: "home", BSSID: "A0B1C2D3E4F5", Security: interfaces.SecurityWPA2, Signal: -48},
			},
			Passwords: map[string]string{"home": "secret"},
		},
	}}}
}

// stdinPrompt asks the operator to change networks and waits for Enter.
func stdinPrompt(in io.Reader, out io.Writer) network.PromptFunc {
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stderr
	}
	reader := bufio.NewReader(in)
	return func(ctx context.Context, msg string) error {
		fmt.Fprintf(out, "%s, then press Enter: ", msg)
		done := make(chan error, 1)
		go func() {
			_, err := reader.ReadString('\n')
			done <- err
		}()
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

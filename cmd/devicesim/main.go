// Command devicesim serves a simulated unconfigured device's LAN
// provisioning interface, in clear or secure mode.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/ruteri/device-provisioning/cmd/flags"
	"github.com/ruteri/device-provisioning/devicesim"
	"github.com/ruteri/device-provisioning/httpserver"
	"github.com/ruteri/device-provisioning/interfaces"
)

var simFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:8081",
		Usage: "address to serve the device's provisioning interface on",
	},
	&cli.BoolFlag{
		Name:  "secure",
		Usage: "require a secure session for everything but local_reg.json",
	},
	&cli.StringFlag{
		Name:  "dsn",
		Value: "AC000W000000001",
		Usage: "device serial number",
	},
	&cli.StringFlag{
		Name:  "model",
		Value: "AY001MUS1",
		Usage: "device model",
	},
	&cli.StringSliceFlag{
		Name:  "features",
		Value: cli.NewStringSlice(interfaces.FeatureAPSTA, interfaces.FeatureRegType),
		Usage: "features advertised by the device",
	},
	&cli.StringFlag{
		Name:  "regtoken",
		Value: "a1b2c3",
		Usage: "registration token handed back after a successful join",
	},
	&cli.StringSliceFlag{
		Name:  "wifi",
		Value: cli.NewStringSlice("home:secret", "cafe:"),
		Usage: "joinable networks as ssid:key; an empty key is an open network",
	},
}

func main() {
	app := &cli.App{
		Name:  "devicesim",
		Usage: "Simulate an unconfigured device on the LAN",
		Flags: append(append(simFlags, flags.LogFlags...), append(flags.ServerFlags, flags.LogServiceFlagFn("devicesim"))...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			network, err := simNetwork(cCtx)
			if err != nil {
				return err
			}
			network.OnJoined = func(dsn string) {
				logger.Info("device joined its target network", "dsn", dsn)
			}

			device := &devicesim.LANDevice{
				Log:     logger,
				Network: network,
				Secure:  cCtx.Bool("secure"),
			}
			defer device.Close()

			cfg := flags.ConfigureServer(cCtx, logger, cCtx.String("listen-addr"))
			server, err := httpserver.New(cfg, device.Routes)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}
			if err := server.RunInBackground(); err != nil {
				logger.Error("Failed to start server", "err", err)
				return err
			}
			logger.Info("Device simulator running", "addr", server.Addr().String(), "dsn", network.DSN, "secure", device.Secure)

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
			<-exit
			logger.Info("Shutdown signal received")

			server.Shutdown()
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func simNetwork(cCtx *cli.Context) (*devicesim.Network, error) {
	n := &devicesim.Network{
		DSN:              cCtx.String("dsn"),
		Model:            cCtx.String("model"),
		Features:         cCtx.StringSlice("features"),
		RegToken:         cCtx.String("regtoken"),
		RegistrationType: interfaces.RegistrationAPMode,
		Passwords:        map[string]string{},
	}
	for i, entry := range cCtx.StringSlice("wifi") {
		ssid, key, ok := strings.Cut(entry, ":")
		if !ok || ssid == "" {
			return nil, fmt.Errorf("--wifi %q: expected ssid:key", entry)
		}
		sec := interfaces.SecurityWPA2
		if key == "" {
			sec = interfaces.SecurityOpen
		}
		n.Passwords[ssid] = key
		n.AccessPoints = append(n.AccessPoints, interfaces.WifiAccessPoint{
			SSID:     ssid,
			BSSID:    fmt.Sprintf("A0B1C2D3E4%02X", i),
			Security: sec,
			Channel:  1 + 5*(i%3),
			Signal:   -45 - 10*i,
		})
	}
	return n, nil
}

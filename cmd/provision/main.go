// Command provision runs one device provisioning session: it finds an
// unconfigured device over LAN or BLE, hands it Wi-Fi credentials and
// registers it with the cloud.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/ruteri/device-provisioning/cmd/flags"
	"github.com/ruteri/device-provisioning/interfaces"
	"github.com/ruteri/device-provisioning/setup"
)

var provisionFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "config",
		Usage: "YAML configuration file",
	},
	&cli.StringFlag{
		Name:  "transport",
		Value: "lan",
		Usage: "how to reach the device: 'lan', 'ble' or 'ble-sim'",
	},
	&cli.StringFlag{
		Name:  "candidate",
		Usage: "name of the device to provision; the strongest one found is used when empty",
	},
	&cli.StringFlag{
		Name:  "device-addr",
		Usage: "device address, skipping discovery (LAN host[:port] or BLE address)",
	},
	&cli.StringFlag{
		Name:    "device-password",
		Usage:   "key of the device's own access point",
		EnvVars: []string{"PROVISION_DEVICE_PASSWORD"},
	},
	&cli.StringFlag{
		Name:  "home-ssid",
		Usage: "the network this machine is on now; it is rejoined after setup",
	},
	&cli.StringFlag{
		Name:     "ssid",
		Required: true,
		Usage:    "network the device should join",
	},
	&cli.StringFlag{
		Name:    "password",
		Usage:   "key of the network the device should join",
		EnvVars: []string{"PROVISION_WIFI_PASSWORD"},
	},
	&cli.StringFlag{
		Name:  "security",
		Usage: "override the network security reported by the device (None, WEP, WPA, WPA2_Personal, WPA3_Personal)",
	},
	&cli.StringFlag{
		Name:    "setup-token",
		Usage:   "token the device presents to the cloud",
		EnvVars: []string{"PROVISION_SETUP_TOKEN"},
	},
	&cli.Float64Flag{
		Name:  "lat",
		Usage: "device latitude",
	},
	&cli.Float64Flag{
		Name:  "lng",
		Usage: "device longitude",
	},
	&cli.StringFlag{
		Name:    "cloud-url",
		Usage:   "device service base URL",
		EnvVars: []string{"PROVISION_CLOUD_URL"},
	},
	&cli.StringFlag{
		Name:    "auth-token",
		Usage:   "device service access token",
		EnvVars: []string{"PROVISION_AUTH_TOKEN"},
	},
	&cli.StringSliceFlag{
		Name:  "report-uri",
		Usage: "where to store the session report (file:// or s3://); repeatable",
	},
	&cli.StringFlag{
		Name:    "nats-url",
		Usage:   "publish session events to this NATS server",
		EnvVars: []string{"PROVISION_NATS_URL"},
	},
	&cli.StringFlag{
		Name:  "listen-addr",
		Usage: "address for the secure LAN session endpoint",
	},
	&cli.StringFlag{
		Name:  "env-file",
		Value: ".env",
		Usage: "dotenv file loaded before flags are read",
	},
}

func main() {
	if err := loadEnv(os.Args[1:]); err != nil {
		log.Fatal(err)
	}

	app := &cli.App{
		Name:   "provision",
		Usage:  "Provision an unconfigured device onto Wi-Fi and the cloud",
		Flags:  append(append(provisionFlags, flags.LogFlags...), flags.LogServiceFlagFn("provision")),
		Action: runProvision,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// loadEnv loads the dotenv file named by --env-file, if present, so that
// its values are visible to the flags' EnvVars.
func loadEnv(args []string) error {
	path := ".env"
	for i, a := range args {
		switch {
		case a == "--env-file" && i+1 < len(args):
			path = args[i+1]
		case strings.HasPrefix(a, "--env-file="):
			path = strings.TrimPrefix(a, "--env-file=")
		}
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

func runProvision(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	cfg, err := loadConfig(cCtx)
	if err != nil {
		logger.Error("Invalid configuration", "err", err)
		return err
	}

	env, err := assemble(cCtx, cfg, logger)
	if err != nil {
		logger.Error("Failed to set up provisioning", "err", err)
		return err
	}
	defer env.close()

	req, err := buildRequest(cCtx)
	if err != nil {
		return err
	}

	session, err := setup.New(env.session)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	dev, runErr := session.Run(ctx, req)

	exitCtx, cancel := context.WithTimeout(context.Background(), exitTimeout)
	defer cancel()
	if err := session.Exit(exitCtx); err != nil {
		logger.Warn("Session teardown incomplete", "err", err)
	}

	if runErr != nil {
		var serr *interfaces.SessionError
		if errors.As(runErr, &serr) {
			logger.Error("Provisioning failed", "state", serr.State, "cause", serr.Cause, "err", serr.Err)
		} else {
			logger.Error("Provisioning failed", "err", runErr)
		}
		return runErr
	}

	logger.Info("Device provisioned", "dsn", dev.DSN, "key", dev.Key, "session", session.ID(), "secure", session.Secure())
	fmt.Fprintf(cCtx.App.Writer, "%s registered (key %d)\n", dev.DSN, dev.Key)
	return nil
}

func buildRequest(cCtx *cli.Context) (setup.Request, error) {
	req := setup.Request{
		CandidateName:  cCtx.String("candidate"),
		DevicePassword: cCtx.String("device-password"),
		SSID:           cCtx.String("ssid"),
		Password:       cCtx.String("password"),
		SetupToken:     cCtx.String("setup-token"),
	}
	if addr := cCtx.String("device-addr"); addr != "" {
		req.Candidate = &interfaces.Candidate{Name: cCtx.String("candidate"), Address: addr}
	}
	if s := cCtx.String("security"); s != "" {
		sec, err := interfaces.ParseSecurity(s)
		if err != nil {
			return req, fmt.Errorf("--security: %w", err)
		}
		req.Security = &sec
	}
	if cCtx.IsSet("lat") || cCtx.IsSet("lng") {
		req.Location = &interfaces.Location{Lat: cCtx.Float64("lat"), Lng: cCtx.Float64("lng")}
	}
	return req, req.Validate()
}

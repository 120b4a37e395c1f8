// Package config loads the provisioner's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ruteri/device-provisioning/ble"
	"github.com/ruteri/device-provisioning/cloud"
	"github.com/ruteri/device-provisioning/cryptoutils"
	"github.com/ruteri/device-provisioning/lan"
	"github.com/ruteri/device-provisioning/notify"
	"github.com/ruteri/device-provisioning/registration"
	"github.com/ruteri/device-provisioning/setup"
)

// Duration is a time.Duration written as "1.5s" or "200ms" in YAML.
type Duration time.Duration

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) D() time.Duration { return time.Duration(d) }

type Config struct {
	Cloud        CloudConfig        `yaml:"cloud"`
	Registration RegistrationConfig `yaml:"registration"`
	LAN          LANConfig          `yaml:"lan"`
	BLE          BLEConfig          `yaml:"ble"`
	Setup        SetupConfig        `yaml:"setup"`
	Reports      ReportsConfig      `yaml:"reports"`
	NATS         NATSConfig         `yaml:"nats"`
}

type CloudConfig struct {
	BaseURL             string   `yaml:"base_url"`
	AuthToken           string   `yaml:"auth_token"`
	ConfirmTimeout      Duration `yaml:"confirm_timeout"`
	ConfirmPollInterval Duration `yaml:"confirm_poll_interval"`
	RequestRetries      int      `yaml:"request_retries"`
}

type RegistrationConfig struct {
	RetryCount int      `yaml:"retry_count"`
	RetryDelay Duration `yaml:"retry_delay"`
}

type LANConfig struct {
	DeviceIP             string   `yaml:"device_ip"`
	SSIDPattern          string   `yaml:"ssid_pattern"`
	ListenAddr           string   `yaml:"listen_addr"`
	AdvertiseIP          string   `yaml:"advertise_ip"`
	ScanDelay            Duration `yaml:"scan_delay"`
	FetchAPTimeout       Duration `yaml:"fetch_ap_timeout"`
	StatusRequestTimeout Duration `yaml:"status_request_timeout"`
	CommandTimeout       Duration `yaml:"command_timeout"`
	SecureKeyBits        int      `yaml:"secure_key_bits"`
}

type BLEConfig struct {
	ScanTimeout               Duration `yaml:"scan_timeout"`
	ScanResultsPollInterval   Duration `yaml:"scan_results_poll_interval"`
	ConnectStatusPollInterval Duration `yaml:"connect_status_poll_interval"`
	MTU                       int      `yaml:"mtu"`
}

type SetupConfig struct {
	JoinTimeout          Duration `yaml:"join_timeout"`
	ScanResultsTimeout   Duration `yaml:"scan_results_timeout"`
	ConnectStatusTimeout Duration `yaml:"connect_status_timeout"`
}

type ReportsConfig struct {
	URIs []string `yaml:"uris"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Default returns the configuration used when no file is given. The cloud
// base URL has no default.
func Default() *Config {
	return &Config{
		Cloud: CloudConfig{
			ConfirmTimeout:      Duration(setup.DefaultConfirmTimeout),
			ConfirmPollInterval: Duration(setup.DefaultConfirmPollInterval),
			RequestRetries:      cloud.DefaultRequestRetries,
		},
		Registration: RegistrationConfig{
			RetryCount: registration.DefaultRetryCount,
			RetryDelay: Duration(registration.DefaultRetryDelay),
		},
		LAN: LANConfig{
			DeviceIP:             lan.DefaultDeviceAddr,
			SSIDPattern:          lan.DefaultSSIDPattern,
			ListenAddr:           lan.DefaultSecureListenAddr,
			ScanDelay:            Duration(lan.DefaultScanDelay),
			FetchAPTimeout:       Duration(lan.DefaultFetchAPTimeout),
			StatusRequestTimeout: Duration(lan.DefaultStatusRequestTimeout),
			CommandTimeout:       Duration(lan.DefaultCommandTimeout),
			SecureKeyBits:        cryptoutils.DefaultKeyBits,
		},
		BLE: BLEConfig{
			ScanTimeout:               Duration(setup.DefaultDiscoverTimeout),
			ScanResultsPollInterval:   Duration(ble.DefaultScanPollInterval),
			ConnectStatusPollInterval: Duration(ble.DefaultConnectStatusPollDelay),
			MTU:                       ble.DefaultMTU,
		},
		Setup: SetupConfig{
			JoinTimeout:          Duration(setup.DefaultJoinTimeout),
			ScanResultsTimeout:   Duration(setup.DefaultScanResultsTimeout),
			ConnectStatusTimeout: Duration(setup.DefaultConnectStatusTimeout),
		},
		NATS: NATSConfig{
			SubjectPrefix: notify.DefaultSubjectPrefix,
		},
	}
}

// Load reads path over the defaults. Keys missing from the file keep their
// default values.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside a session.
func (c *Config) Validate() error {
	var errs []error
	if c.Cloud.BaseURL != "" {
		if u, err := url.Parse(c.Cloud.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("cloud.base_url %q is not an absolute URL", c.Cloud.BaseURL))
		}
	}
	if c.Cloud.RequestRetries < 0 {
		errs = append(errs, errors.New("cloud.request_retries must not be negative"))
	}
	if c.Registration.RetryCount < 0 {
		errs = append(errs, errors.New("registration.retry_count must not be negative"))
	}
	if _, err := regexp.Compile(c.LAN.SSIDPattern); err != nil {
		errs = append(errs, fmt.Errorf("lan.ssid_pattern: %w", err))
	}
	if c.LAN.SecureKeyBits != 0 && c.LAN.SecureKeyBits < 1024 {
		errs = append(errs, fmt.Errorf("lan.secure_key_bits %d is below 1024", c.LAN.SecureKeyBits))
	}
	if c.BLE.MTU != 0 && c.BLE.MTU < ble.MinMTU {
		errs = append(errs, fmt.Errorf("ble.mtu %d is below the minimum of %d", c.BLE.MTU, ble.MinMTU))
	}
	for name, d := range map[string]Duration{
		"cloud.confirm_timeout":        c.Cloud.ConfirmTimeout,
		"cloud.confirm_poll_interval":  c.Cloud.ConfirmPollInterval,
		"registration.retry_delay":     c.Registration.RetryDelay,
		"setup.join_timeout":           c.Setup.JoinTimeout,
		"setup.scan_results_timeout":   c.Setup.ScanResultsTimeout,
		"setup.connect_status_timeout": c.Setup.ConnectStatusTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	for _, uri := range c.Reports.URIs {
		u, err := url.Parse(uri)
		if err != nil || (u.Scheme != "file" && u.Scheme != "s3") {
			errs = append(errs, fmt.Errorf("reports.uris: %q is not a file:// or s3:// location", uri))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) CloudClient() cloud.ClientConfig {
	return cloud.ClientConfig{
		BaseURL:   c.Cloud.BaseURL,
		AuthToken: c.Cloud.AuthToken,
		RetryMax:  c.Cloud.RequestRetries,
	}
}

func (c *Config) Registrar() registration.Config {
	return registration.Config{
		RetryCount: c.Registration.RetryCount,
		RetryDelay: c.Registration.RetryDelay.D(),
	}
}

func (c *Config) LANTransport() lan.TransportConfig {
	return lan.TransportConfig{
		DeviceAddr:           c.LAN.DeviceIP,
		DeviceSSIDPattern:    c.LAN.SSIDPattern,
		ScanDelay:            c.LAN.ScanDelay.D(),
		FetchAPTimeout:       c.LAN.FetchAPTimeout.D(),
		StatusRequestTimeout: c.LAN.StatusRequestTimeout.D(),
		Secure: lan.SecureConfig{
			ListenAddr:     c.LAN.ListenAddr,
			AdvertiseIP:    c.LAN.AdvertiseIP,
			KeyBits:        c.LAN.SecureKeyBits,
			CommandTimeout: c.LAN.CommandTimeout.D(),
		},
	}
}

func (c *Config) BLETransport() ble.TransportConfig {
	return ble.TransportConfig{
		MTU:                       c.BLE.MTU,
		ScanPollInterval:          c.BLE.ScanResultsPollInterval.D(),
		ConnectStatusPollInterval: c.BLE.ConnectStatusPollInterval.D(),
	}
}

// Session fills the timing fields of a session config. Poll intervals come
// from the ble section.
func (c *Config) Session() setup.Config {
	return setup.Config{
		DiscoverTimeout:           c.BLE.ScanTimeout.D(),
		JoinTimeout:               c.Setup.JoinTimeout.D(),
		ScanResultsTimeout:        c.Setup.ScanResultsTimeout.D(),
		ScanPollInterval:          c.BLE.ScanResultsPollInterval.D(),
		ConnectStatusTimeout:      c.Setup.ConnectStatusTimeout.D(),
		ConnectStatusPollInterval: c.BLE.ConnectStatusPollInterval.D(),
		ConfirmTimeout:            c.Cloud.ConfirmTimeout.D(),
		ConfirmPollInterval:       c.Cloud.ConfirmPollInterval.D(),
	}
}

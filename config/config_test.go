package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/ruteri/device-provisioning/lan"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "provision.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, lan.DefaultDeviceAddr, cfg.LANTransport().DeviceAddr)
	require.Equal(t, 60*time.Second, cfg.Session().ConfirmTimeout)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
cloud:
  base_url: https://ads-dev.example.com
  confirm_poll_interval: 250ms
registration:
  retry_count: 5
lan:
  device_ip: 10.0.0.1
  advertise_ip: 10.0.0.2
ble:
  mtu: 247
reports:
  uris: ["file:///var/lib/provisioning"]
nats:
  url: nats://127.0.0.1:4222
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, "https://ads-dev.example.com", cfg.CloudClient().BaseURL)
	require.Equal(t, 250*time.Millisecond, cfg.Session().ConfirmPollInterval)
	require.Equal(t, 5, cfg.Registrar().RetryCount)
	require.Equal(t, 2*time.Second, cfg.Registrar().RetryDelay)
	require.Equal(t, "10.0.0.1", cfg.LANTransport().DeviceAddr)
	require.Equal(t, "10.0.0.2", cfg.LANTransport().Secure.AdvertiseIP)
	require.Equal(t, lan.DefaultSSIDPattern, cfg.LANTransport().DeviceSSIDPattern)
	require.Equal(t, 247, cfg.BLETransport().MTU)
	require.Equal(t, "provisioning", cfg.NATS.SubjectPrefix)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "cloud:\n  confirm_timeout: soon\n"))
	require.ErrorContains(t, err, "line 2")
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"relative base url": func(c *Config) { c.Cloud.BaseURL = "ads.example.com" },
		"bad pattern":       func(c *Config) { c.LAN.SSIDPattern = "(" },
		"small mtu":         func(c *Config) { c.BLE.MTU = 23 },
		"small key":         func(c *Config) { c.LAN.SecureKeyBits = 512 },
		"negative retries":  func(c *Config) { c.Registration.RetryCount = -1 },
		"negative timeout":  func(c *Config) { c.Setup.JoinTimeout = Duration(-time.Second) },
		"report scheme":     func(c *Config) { c.Reports.URIs = []string{"ipfs://node"} },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestDurationMarshal(t *testing.T) {
	out, err := yaml.Marshal(struct {
		D Duration `yaml:"d"`
	}{Duration(1500 * time.Millisecond)})
	require.NoError(t, err)
	require.Equal(t, "d: 1.5s\n", string(out))
}

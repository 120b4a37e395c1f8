// Package devicesim simulates an unconfigured device for tests and local
// development: a LAN HTTP server in clear or secure mode, and an in-memory
// BLE peripheral. Both share the same Network model of what the device can
// see and join.
package devicesim

import (
	"time"

	"github.com/ruteri/device-provisioning/interfaces"
)

const defaultStepDelay = 10 * time.Millisecond

// Network describes the simulated device and the Wi-Fi around it.
type Network struct {
	DSN              string
	Model            string
	Features         []string
	RegToken         string
	RegistrationType interfaces.RegistrationType

	AccessPoints []interfaces.WifiAccessPoint
	// Passwords maps joinable SSIDs to their keys. An SSID without an entry
	// is reported as not found.
	Passwords map[string]string

	// StepDelay is the pause between join progress updates.
	StepDelay time.Duration
	// JoinScript, when set, replaces the progress sequence of every join.
	JoinScript []JoinStep

	// OnJoined runs once the device reports Connected.
	OnJoined func(dsn string)
}

// JoinStep is one progress update emitted while joining.
type JoinStep struct {
	State interfaces.ConnectState
	Error interfaces.ConnectError
}

func (n *Network) stepDelay() time.Duration {
	if n.StepDelay == 0 {
		return defaultStepDelay
	}
	return n.StepDelay
}

// JoinSteps returns the progress sequence for joining ssid with key.
func (n *Network) JoinSteps(ssid, key string) []JoinStep {
	if len(n.JoinScript) > 0 {
		return n.JoinScript
	}
	steps := []JoinStep{{interfaces.StateConnectingToWifi, interfaces.ConnErrInProgress}}
	want, ok := n.Passwords[ssid]
	switch {
	case !ok:
		return append(steps, JoinStep{interfaces.StateDisabled, interfaces.ConnErrSSIDNotFound})
	case want != key:
		return append(steps, JoinStep{interfaces.StateDisabled, interfaces.ConnErrIncorrectKey})
	}
	return append(steps,
		JoinStep{interfaces.StateConnectingToNetwork, interfaces.ConnErrInProgress},
		JoinStep{interfaces.StateConnectingToCloud, interfaces.ConnErrInProgress},
		JoinStep{interfaces.StateConnected, interfaces.NoError},
	)
}

func wifiStateFor(s interfaces.ConnectState) string {
	switch s {
	case interfaces.StateDisabled:
		return interfaces.WifiStateDisabled
	case interfaces.StateConnectingToWifi:
		return interfaces.WifiStateWifiConnecting
	case interfaces.StateConnectingToNetwork:
		return interfaces.WifiStateNetworkConnecting
	case interfaces.StateConnectingToCloud:
		return interfaces.WifiStateCloudConnecting
	case interfaces.StateConnected:
		return interfaces.WifiStateUp
	}
	return interfaces.WifiStateDown
}

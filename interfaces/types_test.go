package interfaces

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequireDSN(t *testing.T) {
	var nilDevice *SetupDevice
	require.ErrorIs(t, nilDevice.RequireDSN(), ErrPrecondition)
	require.ErrorIs(t, (&SetupDevice{}).RequireDSN(), ErrPrecondition)
	require.NoError(t, (&SetupDevice{DSN: "AC000W000000001"}).RequireDSN())
}

func TestSetupDeviceMerge(t *testing.T) {
	d := &SetupDevice{LanIP: "192.168.0.1", Secure: true}
	d.Merge(&SetupDevice{DSN: "AC000W000000001", Features: []string{FeatureAPSTA}})
	require.Equal(t, "AC000W000000001", d.DSN)
	require.Equal(t, "192.168.0.1", d.LanIP)
	require.True(t, d.Secure)
	require.True(t, d.HasFeature(FeatureAPSTA))
	require.False(t, d.HasFeature(FeatureRegType))
}

func TestSignalBars(t *testing.T) {
	require.Equal(t, 4, SignalBars(-40))
	require.Equal(t, 3, SignalBars(-60))
	require.Equal(t, 2, SignalBars(-77))
	require.Equal(t, 1, SignalBars(-80))
	require.Equal(t, 0, SignalBars(-95))
}

func TestParseSecurity(t *testing.T) {
	for in, want := range map[string]SecurityType{
		"":              SecurityOpen,
		"None":          SecurityOpen,
		"WEP":           SecurityWEP,
		"wpa":           SecurityWPA,
		"WPA2_Personal": SecurityWPA2,
		"WPA3":          SecurityWPA3,
	} {
		got, err := ParseSecurity(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	_, err := ParseSecurity("bogus")
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestConnectCodes(t *testing.T) {
	require.Equal(t, ConnErrIncorrectKey, ConnectErrorFromCode(6))
	require.Equal(t, "InProgress", ConnectErrorFromCode(20).String())
	require.Equal(t, ConnectErrorUnknown, ConnectErrorFromCode(99))
	require.Equal(t, StateConnected, ConnectStateFromWifiState(WifiStateUp))
	require.Equal(t, StateNA, ConnectStateFromWifiState("weird"))
	require.Less(t, StateConnectingToWifi, StateConnectingToCloud)
}

func TestJoinRequestValidate(t *testing.T) {
	ok := JoinRequest{SSID: "home", Password: "secret", Security: SecurityWPA2}
	require.NoError(t, ok.Validate())

	bad := []JoinRequest{
		{},
		{SSID: string(make([]byte, 33))},
		{SSID: "home", Password: string(make([]byte, 65))},
		{SSID: "home", Security: SecurityType(9)},
		{SSID: "home", SetupToken: "123456789"},
	}
	for _, r := range bad {
		require.ErrorIs(t, r.Validate(), ErrInvalidArgument)
	}
}

func TestRegistrationCandidateValidate(t *testing.T) {
	require.ErrorIs(t, RegistrationCandidate{RegToken: "abc"}.Validate(), ErrInvalidArgument)
	require.ErrorIs(t, RegistrationCandidate{DSN: "AC0"}.Validate(), ErrMissingRegistrationProof)
	require.NoError(t, RegistrationCandidate{DSN: "AC0", SetupToken: "tok"}.Validate())
	require.NoError(t, RegistrationCandidate{DSN: "AC0", RegistrationType: RegistrationButtonPush}.Validate())
}

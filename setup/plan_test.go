package setup

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ruteri/device-provisioning/interfaces"
)

func TestNewPlan(t *testing.T) {
	for _, tc := range []struct {
		name     string
		features []string
		mode     interfaces.Mode
		want     Plan
	}{
		{"bare ble", nil, interfaces.ModeBLE, Plan{}},
		{"bare lan", nil, interfaces.ModeLAN, Plan{}},
		{"apsta ble", []string{interfaces.FeatureAPSTA}, interfaces.ModeBLE, Plan{PollConnectStatus: true}},
		{"apsta lan", []string{interfaces.FeatureAPSTA}, interfaces.ModeLAN, Plan{PollConnectStatus: true, StopAPAfterJoin: true}},
		{"regtype only", []string{interfaces.FeatureRegType}, interfaces.ModeLAN, Plan{LocalRegToken: true}},
		{"full lan", []string{interfaces.FeatureAPSTA, interfaces.FeatureRegType, interfaces.FeatureWPS}, interfaces.ModeLAN,
			Plan{PollConnectStatus: true, LocalRegToken: true, StopAPAfterJoin: true}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, NewPlan(&interfaces.SetupDevice{Features: tc.features}, tc.mode))
		})
	}
}

func TestUseLocalRegToken(t *testing.T) {
	p := Plan{LocalRegToken: true}
	require.False(t, p.UseLocalRegToken(nil))
	require.False(t, p.UseLocalRegToken(&interfaces.WifiConnectStatus{State: interfaces.StateConnectingToCloud}))
	require.True(t, p.UseLocalRegToken(&interfaces.WifiConnectStatus{State: interfaces.StateConnected}))
	require.True(t, p.UseLocalRegToken(&interfaces.WifiConnectStatus{WifiState: interfaces.WifiStateUp}))
	require.False(t, Plan{}.UseLocalRegToken(&interfaces.WifiConnectStatus{State: interfaces.StateConnected}))
}

func TestStateTerminal(t *testing.T) {
	require.True(t, Done.Terminal())
	require.True(t, Failed.Terminal())
	require.True(t, Exited.Terminal())
	require.False(t, Registering.Terminal())
	require.Equal(t, "AwaitingConnectStatus", AwaitingConnectStatus.String())
}

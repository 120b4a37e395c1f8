package setup

import "github.com/ruteri/device-provisioning/interfaces"

// Plan is decided once the device identity is known. It selects which of the
// optional steps a session takes.
type Plan struct {
	// PollConnectStatus is false for devices that drop their own access point
	// while joining, which they do without AP+STA coexistence. The session
	// then goes straight to cloud confirmation.
	PollConnectStatus bool
	// LocalRegToken lets a Connected device hand back its registration token,
	// skipping cloud confirmation.
	LocalRegToken bool
	// StopAPAfterJoin asks a LAN device to shut its setup access point down
	// once the join is confirmed locally.
	StopAPAfterJoin bool
}

func NewPlan(dev *interfaces.SetupDevice, mode interfaces.Mode) Plan {
	apsta := dev.HasFeature(interfaces.FeatureAPSTA)
	return Plan{
		PollConnectStatus: apsta,
		LocalRegToken:     dev.HasFeature(interfaces.FeatureRegType),
		StopAPAfterJoin:   apsta && mode == interfaces.ModeLAN,
	}
}

// UseLocalRegToken reports whether the regtoken should be read from the
// device given the last connect status.
func (p Plan) UseLocalRegToken(st *interfaces.WifiConnectStatus) bool {
	if !p.LocalRegToken || st == nil {
		return false
	}
	return st.State == interfaces.StateConnected || st.WifiState == interfaces.WifiStateUp
}

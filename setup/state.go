package setup

import "fmt"

// State is a step of a provisioning session.
type State int

const (
	Idle State = iota
	Scanning
	ConnectingToDevice
	FetchingIdentity
	SecureBootstrap
	StartingDeviceScan
	AwaitingScanResults
	SendingCredentials
	AwaitingConnectStatus
	ConfirmingCloud
	Registering
	Done
	Failed
	Exited
)

var stateNames = [...]string{
	"Idle", "Scanning", "ConnectingToDevice", "FetchingIdentity", "SecureBootstrap",
	"StartingDeviceScan", "AwaitingScanResults", "SendingCredentials", "AwaitingConnectStatus",
	"ConfirmingCloud", "Registering", "Done", "Failed", "Exited",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transition can follow s, other than
// Exited.
func (s State) Terminal() bool {
	return s == Done || s == Failed || s == Exited
}

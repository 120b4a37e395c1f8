package interfaces

import (
	"context"
	"time"

	"github.com/ruteri/device-provisioning/operation"
)

// Transport is a local link to one unconfigured device. Every method returns
// a handle immediately; results arrive on the transport's operation loop.
type Transport interface {
	Mode() Mode

	// Discover reports each new candidate through found and delivers the
	// full list when timeout elapses.
	Discover(timeout time.Duration, found func(Candidate)) *operation.Op[[]Candidate]

	// Connect establishes the link and returns the (possibly empty) device.
	Connect(c Candidate) *operation.Op[*SetupDevice]

	// FetchIdentity reads the device's identity. Over LAN a 404 means the
	// device only answers on a secure channel.
	FetchIdentity() *operation.Op[*SetupDevice]

	StartDeviceScan() *operation.Op[struct{}]

	// FetchScanResults collects access points until the device signals the
	// end of the list or timeout elapses.
	FetchScanResults(timeout, pollInterval time.Duration) *operation.Op[[]WifiAccessPoint]

	SendJoinCredentials(req JoinRequest) *operation.Op[struct{}]

	// PollConnectStatus delivers the first successful status for ssid, or the
	// terminal join error.
	PollConnectStatus(ssid string, timeout, pollInterval time.Duration) *operation.Op[WifiConnectStatus]

	// Close unregisters notifications and releases the link.
	Close() error
}

// SecureBootstrapper establishes an encrypted channel to the device and
// returns its identity read over that channel.
type SecureBootstrapper interface {
	BootstrapSecure() *operation.Op[*SetupDevice]
}

// RegInfoFetcher reads the device's local registration information.
type RegInfoFetcher interface {
	FetchRegInfo() *operation.Op[RegInfo]
}

// APStopper asks the device to shut down its setup access point.
type APStopper interface {
	StopAP() *operation.Op[struct{}]
}

// DeliveryStrategy feeds values produced by the device into sink, either as
// the device pushes them or by reading them periodically. Collect returns
// when sink reports done, sink returns an error, or ctx ends. Close releases
// any subscription held by the strategy.
type DeliveryStrategy[T any] interface {
	Name() string
	Collect(ctx context.Context, sink func(T) (done bool, err error)) error
	Close() error
}

package interfaces

import "context"

// NetworkAssociator controls the phone's own Wi-Fi association. Only the
// provisioning session calls Join.
type NetworkAssociator interface {
	// Current returns the network the phone is associated with now.
	Current() (NetworkInfo, error)

	// Scan lists networks visible to the phone.
	Scan(ctx context.Context) ([]NetworkInfo, error)

	// Join associates the phone with ssid.
	Join(ctx context.Context, ssid, password string, security SecurityType) error

	// Gateway returns the gateway address of the current association.
	Gateway() string
}

package interfaces

import (
	"context"
	"errors"
	"fmt"
)

var ErrMissingRegistrationProof = errors.New("registration needs a regtoken, a setup token or button push")

// RegistrationCandidate is what the cloud needs to bind a device to an account.
type RegistrationCandidate struct {
	DSN              string           `json:"dsn"`
	RegToken         string           `json:"regtoken,omitempty"`
	SetupToken       string           `json:"setup_token,omitempty"`
	RegistrationType RegistrationType `json:"registration_type,omitempty"`
	Lat              string           `json:"lat,omitempty"`
	Lng              string           `json:"lng,omitempty"`
}

// Validate fails with ErrInvalidArgument before any request is sent.
func (c RegistrationCandidate) Validate() error {
	if c.DSN == "" {
		return fmt.Errorf("%w: registration candidate has no DSN", ErrInvalidArgument)
	}
	if c.RegToken == "" && c.SetupToken == "" && c.RegistrationType != RegistrationButtonPush {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, ErrMissingRegistrationProof)
	}
	return nil
}

// Cloud is the service-side API used during provisioning.
type Cloud interface {
	// Connected returns the device once the cloud sees dsn online. A device
	// that has not checked in yet yields a 404 StatusError.
	Connected(ctx context.Context, dsn, setupToken string) (*Device, error)

	// RegisterDevice binds the device to the authenticated account.
	RegisterDevice(ctx context.Context, c RegistrationCandidate) (*Device, error)
}

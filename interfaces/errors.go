package interfaces

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ruteri/device-provisioning/operation"
)

var (
	// ErrInvalidArgument is returned for malformed caller input, such as an
	// oversize SSID or key, or a setup token longer than 8 characters.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrPrecondition is returned when a required capability or state is
	// missing: no DSN yet, too small an MTU, a missing characteristic, or a
	// concurrent network association change.
	ErrPrecondition = errors.New("precondition failed")

	// ErrPermission is a precondition the host has to grant: a Bluetooth
	// adapter that cannot be enabled, or no way to change the phone's
	// Wi-Fi network.
	ErrPermission = fmt.Errorf("%w: host capability unavailable", ErrPrecondition)

	ErrTimeout  = operation.ErrTimeout
	ErrCanceled = operation.ErrCanceled

	// ErrNetwork is returned for transport-level failures: HTTP errors,
	// refused connections, GATT failures.
	ErrNetwork = errors.New("network error")

	// ErrInternal is returned when the device reports a terminal join error or
	// a module error.
	ErrInternal = errors.New("internal error")

	// ErrSecureBootstrap is fatal for a session: key generation, RSA
	// decryption or envelope verification failed.
	ErrSecureBootstrap = errors.New("secure session bootstrap failed")

	// ErrRetriesExhausted wraps the last error of a bounded retry loop.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// StatusError is a non-2xx HTTP response from the device or the cloud.
type StatusError struct {
	Source     string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("%s request failed: %d %s", e.Source, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("%s request failed: %d: %s", e.Source, e.StatusCode, body)
}

func (e *StatusError) Unwrap() error {
	return ErrNetwork
}

// IsNotFound reports whether err is, or wraps, a 404 StatusError.
func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// DeviceError is a module error reported by the device in a response body.
type DeviceError struct {
	Code int
	Msg  string
}

func (e *DeviceError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("device error %d", e.Code)
	}
	return fmt.Sprintf("device error %d: %s", e.Code, e.Msg)
}

func (e *DeviceError) Unwrap() error {
	return ErrInternal
}

// ErrorCause is the coarse classification presented to users.
type ErrorCause string

const (
	CausePermission   ErrorCause = "permission"
	CauseConnectivity ErrorCause = "connectivity"
	CauseDevice       ErrorCause = "device"
	CauseCloud        ErrorCause = "cloud"
	CauseInput        ErrorCause = "input"
	CauseCanceled     ErrorCause = "canceled"
)

// Cause classifies err.
func Cause(err error) ErrorCause {
	var se *StatusError
	switch {
	case errors.Is(err, ErrCanceled), errors.Is(err, context.Canceled):
		return CauseCanceled
	case errors.Is(err, ErrInvalidArgument):
		return CauseInput
	case errors.Is(err, ErrPermission):
		return CausePermission
	case errors.As(err, &se):
		if se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden {
			return CausePermission
		}
		if se.Source == SourceCloud {
			return CauseCloud
		}
		return CauseDevice
	case errors.Is(err, ErrInternal), errors.Is(err, ErrSecureBootstrap), errors.Is(err, ErrPrecondition):
		return CauseDevice
	case errors.Is(err, ErrRetriesExhausted):
		return CauseCloud
	default:
		return CauseConnectivity
	}
}

const (
	SourceCloud  = "cloud"
	SourceDevice = "device"
)

// SessionError is the single terminal error delivered by a provisioning
// session. State names the step that failed.
type SessionError struct {
	State string
	Cause ErrorCause
	Err   error
}

func NewSessionError(state string, err error) *SessionError {
	return &SessionError{State: state, Cause: Cause(err), Err: err}
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("provisioning failed in %s (%s): %v", e.State, e.Cause, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

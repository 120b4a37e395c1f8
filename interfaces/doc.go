// Package interfaces defines the core types and contracts for device
// provisioning, separating interface definitions from implementations.
//
// # Transport Interfaces
//
// Transport: The capability surface of a local link to an unconfigured
// device (BLE or LAN). Every call returns an operation.Op handle.
//
// SecureBootstrapper, RegInfoFetcher, APStopper: Optional capabilities probed
// by type assertion. Only the LAN transport offers them.
//
// DeliveryStrategy: The push/pull abstraction used to collect scan results and
// connect status from a device.
//
// # Host Interfaces
//
// NetworkAssociator: Joins and restores the phone's own Wi-Fi association.
//
// Cloud: The two cloud endpoints used during provisioning, confirmation and
// registration.
//
// ReportStore, StorageBackend: Content-addressed persistence for session reports.
//
// # Error Types
//
// Sentinels (ErrInvalidArgument, ErrPrecondition, ErrPermission, ErrTimeout,
// ErrNetwork, ErrInternal, ErrCanceled, ErrSecureBootstrap,
// ErrRetriesExhausted) are wrapped with fmt.Errorf and matched with
// errors.Is. ErrPermission is itself an ErrPrecondition. StatusError carries the
// HTTP status of a failed device or cloud request, DeviceError carries a
// module error code reported by the device.
package interfaces

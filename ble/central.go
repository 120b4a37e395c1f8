package ble

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotifyUnsupported is returned by Subscribe when a characteristic cannot
// push values.
var ErrNotifyUnsupported = errors.New("notifications not supported")

// Advertisement is one peripheral seen during a scan.
type Advertisement struct {
	Address string
	Name    string
	RSSI    int
}

// Central is the host's BLE radio in the central role.
type Central interface {
	// Scan reports peripherals advertising service until ctx ends.
	Scan(ctx context.Context, service uuid.UUID, found func(Advertisement)) error
	Connect(ctx context.Context, address string) (Peripheral, error)
}

// Peripheral is a connected device.
type Peripheral interface {
	Address() string
	// RequestMTU negotiates the ATT MTU and returns the agreed value.
	RequestMTU(ctx context.Context, mtu int) (int, error)
	DiscoverCharacteristics(ctx context.Context, service uuid.UUID, chars []uuid.UUID) ([]Characteristic, error)
	Disconnect() error
}

// Characteristic is one GATT characteristic of a connected peripheral.
type Characteristic interface {
	UUID() uuid.UUID
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, value []byte) error
	// Subscribe enables notifications; fn receives each pushed value.
	Subscribe(fn func([]byte)) error
	Unsubscribe() error
}

// Package ble implements the provisioning transport over Bluetooth LE GATT.
//
// The transport is written against the small Central/Peripheral/Characteristic
// capability defined here; ble/tinygo adapts it to a real radio and devicesim
// provides an in-memory peripheral for tests.
package ble

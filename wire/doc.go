// Package wire encodes and decodes the fixed-offset binary records exchanged
// with a device over its BLE GATT characteristics.
//
// Records:
//
//	connect command  105 bytes: ssid[32] ssid_len bssid[6] key[64] key_len security
//	connect status   >=34 bytes: ssid[32] ssid_len error [state]
//	scan result      >=43 bytes: index ssid[32] ssid_len bssid[6] rssi(int16 BE) security
//
// Decoders never panic on short input; they return ErrTruncated.
package wire

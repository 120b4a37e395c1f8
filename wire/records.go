package wire

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/cryptobyte"

	"github.com/ruteri/device-provisioning/interfaces"
)

const (
	SSIDFieldLen  = 32
	BSSIDFieldLen = 6
	KeyFieldLen   = 64

	ConnectCommandLen   = SSIDFieldLen + 1 + BSSIDFieldLen + KeyFieldLen + 1 + 1
	ConnectStatusMinLen = SSIDFieldLen + 2
	ScanResultMinLen    = 1 + SSIDFieldLen + 1 + BSSIDFieldLen + 2 + 1
)

// ErrTruncated is returned for buffers shorter than the record they should hold.
var ErrTruncated = fmt.Errorf("%w: truncated record", interfaces.ErrInvalidArgument)

// ScanTrigger is written to the scan characteristic to start a device scan.
var ScanTrigger = []byte("1")

// Security byte values.
const (
	secOpen byte = iota
	secWEP
	secWPA
	secWPA2
	secWPA3
)

func EncodeSecurity(s interfaces.SecurityType) (byte, error) {
	switch s {
	case interfaces.SecurityOpen:
		return secOpen, nil
	case interfaces.SecurityWEP:
		return secWEP, nil
	case interfaces.SecurityWPA:
		return secWPA, nil
	case interfaces.SecurityWPA2:
		return secWPA2, nil
	case interfaces.SecurityWPA3:
		return secWPA3, nil
	}
	return 0, fmt.Errorf("%w: unknown security type %d", interfaces.ErrInvalidArgument, int(s))
}

// DecodeSecurity maps unknown bytes to open, matching device firmware behavior.
func DecodeSecurity(b byte) interfaces.SecurityType {
	if b <= secWPA3 {
		return interfaces.SecurityType(b)
	}
	return interfaces.SecurityOpen
}

// EncodeConnectCommand builds the 105-byte record written to the connect
// characteristic. The BSSID field is always zero.
func EncodeConnectCommand(ssid, key string, security interfaces.SecurityType) ([]byte, error) {
	if ssid == "" || len(ssid) > SSIDFieldLen {
		return nil, fmt.Errorf("%w: ssid must be 1..%d bytes, got %d", interfaces.ErrInvalidArgument, SSIDFieldLen, len(ssid))
	}
	if len(key) > KeyFieldLen {
		return nil, fmt.Errorf("%w: key must be at most %d bytes, got %d", interfaces.ErrInvalidArgument, KeyFieldLen, len(key))
	}
	sec, err := EncodeSecurity(security)
	if err != nil {
		return nil, err
	}

	b := cryptobyte.NewFixedBuilder(make([]byte, 0, ConnectCommandLen))
	addPadded(b, []byte(ssid), SSIDFieldLen)
	b.AddUint8(uint8(len(ssid)))
	b.AddBytes(make([]byte, BSSIDFieldLen))
	addPadded(b, []byte(key), KeyFieldLen)
	b.AddUint8(uint8(len(key)))
	b.AddUint8(sec)
	return b.Bytes()
}

// ConnectCommand is a decoded connect record. Used by device simulators.
type ConnectCommand struct {
	SSID     string
	Key      string
	Security interfaces.SecurityType
}

func DecodeConnectCommand(buf []byte) (ConnectCommand, error) {
	if len(buf) < ConnectCommandLen {
		return ConnectCommand{}, fmt.Errorf("%w: connect command has %d of %d bytes", ErrTruncated, len(buf), ConnectCommandLen)
	}
	s := cryptobyte.String(buf)
	var ssidField, keyField []byte
	var ssidLen, keyLen, sec uint8
	if !s.ReadBytes(&ssidField, SSIDFieldLen) || !s.ReadUint8(&ssidLen) || !s.Skip(BSSIDFieldLen) ||
		!s.ReadBytes(&keyField, KeyFieldLen) || !s.ReadUint8(&keyLen) || !s.ReadUint8(&sec) {
		return ConnectCommand{}, ErrTruncated
	}
	ssid, _ := clampField(ssidField, ssidLen)
	key, _ := clampField(keyField, keyLen)
	return ConnectCommand{SSID: string(ssid), Key: string(key), Security: DecodeSecurity(sec)}, nil
}

// ConnectStatus is the decoded connect-status characteristic.
type ConnectStatus struct {
	SSID  string
	Error interfaces.ConnectError
	State interfaces.ConnectState
	// Valid is false when the declared SSID length exceeded its field.
	Valid bool
}

// ToWifiConnectStatus converts to the transport-independent status. The
// single error code becomes the only history entry.
func (c ConnectStatus) ToWifiConnectStatus() interfaces.WifiConnectStatus {
	return interfaces.WifiConnectStatus{
		SSID:  c.SSID,
		State: c.State,
		History: []interfaces.ConnectHistoryItem{{
			SSID:  c.SSID,
			Error: c.Error,
		}},
	}
}

func DecodeConnectStatus(buf []byte) (ConnectStatus, error) {
	if len(buf) < ConnectStatusMinLen {
		return ConnectStatus{}, fmt.Errorf("%w: connect status has %d of %d bytes", ErrTruncated, len(buf), ConnectStatusMinLen)
	}
	s := cryptobyte.String(buf)
	var ssidField []byte
	var ssidLen, code uint8
	if !s.ReadBytes(&ssidField, SSIDFieldLen) || !s.ReadUint8(&ssidLen) || !s.ReadUint8(&code) {
		return ConnectStatus{}, ErrTruncated
	}

	state := interfaces.StateNA
	var st uint8
	if s.ReadUint8(&st) && st <= uint8(interfaces.StateConnected) {
		state = interfaces.ConnectState(st)
	}

	ssid, ok := clampField(ssidField, ssidLen)
	return ConnectStatus{
		SSID:  string(ssid),
		Error: interfaces.ConnectErrorFromCode(int(code)),
		State: state,
		Valid: ok,
	}, nil
}

// EncodeConnectStatus builds a 35-byte connect-status record.
func EncodeConnectStatus(ssid string, code interfaces.ConnectError, state interfaces.ConnectState) ([]byte, error) {
	if len(ssid) > SSIDFieldLen {
		return nil, fmt.Errorf("%w: ssid longer than %d bytes", interfaces.ErrInvalidArgument, SSIDFieldLen)
	}
	b := cryptobyte.NewFixedBuilder(make([]byte, 0, ConnectStatusMinLen+1))
	addPadded(b, []byte(ssid), SSIDFieldLen)
	b.AddUint8(uint8(len(ssid)))
	b.AddUint8(uint8(code))
	b.AddUint8(uint8(state))
	return b.Bytes()
}

// ScanResult is one decoded scan-result record.
type ScanResult struct {
	Index    uint8
	SSID     string
	SSIDLen  int
	BSSID    [BSSIDFieldLen]byte
	RSSI     int16
	Security interfaces.SecurityType
	Valid    bool
}

// IsEndOfList reports whether r is the end-of-list sentinel.
func (r ScanResult) IsEndOfList() bool {
	return r.SSIDLen == 0 && strings.TrimSpace(r.SSID) == ""
}

// BSSIDString renders the BSSID as upper-case hex without separators.
func (r ScanResult) BSSIDString() string {
	return strings.ToUpper(hex.EncodeToString(r.BSSID[:]))
}

func (r ScanResult) AccessPoint() interfaces.WifiAccessPoint {
	return interfaces.WifiAccessPoint{
		SSID:     r.SSID,
		BSSID:    r.BSSIDString(),
		Security: r.Security,
		Signal:   int(r.RSSI),
		Bars:     interfaces.SignalBars(int(r.RSSI)),
	}
}

func DecodeScanResult(buf []byte) (ScanResult, error) {
	if len(buf) < ScanResultMinLen {
		return ScanResult{}, fmt.Errorf("%w: scan result has %d of %d bytes", ErrTruncated, len(buf), ScanResultMinLen)
	}
	s := cryptobyte.String(buf)
	var r ScanResult
	var ssidField, bssid []byte
	var ssidLen, sec uint8
	var rssi uint16
	if !s.ReadUint8(&r.Index) || !s.ReadBytes(&ssidField, SSIDFieldLen) || !s.ReadUint8(&ssidLen) ||
		!s.ReadBytes(&bssid, BSSIDFieldLen) || !s.ReadUint16(&rssi) || !s.ReadUint8(&sec) {
		return ScanResult{}, ErrTruncated
	}

	ssid, ok := clampField(ssidField, ssidLen)
	r.SSID = string(ssid)
	r.SSIDLen = len(ssid)
	r.Valid = ok
	copy(r.BSSID[:], bssid)
	r.RSSI = int16(rssi)
	r.Security = DecodeSecurity(sec)
	return r, nil
}

// EncodeScanResult builds a 43-byte scan-result record. An empty ssid encodes
// the end-of-list sentinel.
func EncodeScanResult(index uint8, ap interfaces.WifiAccessPoint) ([]byte, error) {
	if len(ap.SSID) > SSIDFieldLen {
		return nil, fmt.Errorf("%w: ssid longer than %d bytes", interfaces.ErrInvalidArgument, SSIDFieldLen)
	}
	sec, err := EncodeSecurity(ap.Security)
	if err != nil {
		return nil, err
	}
	var bssid [BSSIDFieldLen]byte
	if ap.BSSID != "" {
		raw, err := hex.DecodeString(strings.ReplaceAll(ap.BSSID, ":", ""))
		if err != nil || len(raw) != BSSIDFieldLen {
			return nil, fmt.Errorf("%w: bad bssid %q", interfaces.ErrInvalidArgument, ap.BSSID)
		}
		copy(bssid[:], raw)
	}

	b := cryptobyte.NewFixedBuilder(make([]byte, 0, ScanResultMinLen))
	b.AddUint8(index)
	addPadded(b, []byte(ap.SSID), SSIDFieldLen)
	b.AddUint8(uint8(len(ap.SSID)))
	b.AddBytes(bssid[:])
	b.AddUint16(uint16(int16(ap.Signal)))
	b.AddUint8(sec)
	return b.Bytes()
}

// DecodeDSN trims trailing NULs from the DSN characteristic value.
func DecodeDSN(buf []byte) string {
	return string(bytes.TrimRight(buf, "\x00"))
}

// EncodeSetupToken validates and encodes the setup-token characteristic value.
func EncodeSetupToken(token string) ([]byte, error) {
	if err := interfaces.ValidateSetupToken(token); err != nil {
		return nil, err
	}
	return []byte(token), nil
}

func addPadded(b *cryptobyte.Builder, v []byte, size int) {
	field := make([]byte, size)
	copy(field, v)
	b.AddBytes(field)
}

// clampField returns the first n bytes of field, clamped to the field size.
// ok is false when n had to be clamped.
func clampField(field []byte, n uint8) ([]byte, bool) {
	if int(n) > len(field) {
		return bytes.TrimRight(field, "\x00"), false
	}
	return field[:n], true
}

package interfaces

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Mode is the local link used to reach a device.
type Mode string

const (
	ModeBLE Mode = "ble"
	ModeLAN Mode = "lan"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case ModeBLE:
		return ModeBLE, nil
	case ModeLAN:
		return ModeLAN, nil
	}
	return "", fmt.Errorf("%w: unknown transport %q", ErrInvalidArgument, s)
}

// Feature flags reported by a device.
const (
	FeatureAPSTA   = "ap-sta"
	FeatureRegType = "reg-type"
	FeatureWPS     = "wps"
	FeatureRSAKE   = "rsa-ke"
)

// MaxSetupTokenLen bounds the setup token delivered with join credentials.
const MaxSetupTokenLen = 8

// ValidateSetupToken rejects tokens longer than MaxSetupTokenLen.
func ValidateSetupToken(token string) error {
	if len(token) > MaxSetupTokenLen {
		return fmt.Errorf("%w: setup token longer than %d characters", ErrInvalidArgument, MaxSetupTokenLen)
	}
	return nil
}

// RegistrationType is how a device proves ownership during registration.
type RegistrationType string

const (
	RegistrationNone       RegistrationType = "None"
	RegistrationSameLAN    RegistrationType = "Same-LAN"
	RegistrationButtonPush RegistrationType = "Button-Push"
	RegistrationAPMode     RegistrationType = "AP-Mode"
	RegistrationDisplay    RegistrationType = "Display"
	RegistrationDSN        RegistrationType = "Dsn"
	RegistrationNode       RegistrationType = "Node"
	RegistrationLocal      RegistrationType = "Local"
)

// SetupDevice is the device being provisioned, as known to the session.
type SetupDevice struct {
	DSN              string           `json:"dsn,omitempty"`
	LanIP            string           `json:"lan_ip,omitempty"`
	Address          string           `json:"address,omitempty"`
	Model            string           `json:"model,omitempty"`
	MAC              string           `json:"mac,omitempty"`
	APIVersion       string           `json:"api_version,omitempty"`
	BuildVersion     string           `json:"build,omitempty"`
	Features         []string         `json:"features,omitempty"`
	RegToken         string           `json:"regtoken,omitempty"`
	RegistrationType RegistrationType `json:"registration_type,omitempty"`
	Secure           bool             `json:"secure"`
}

func (d *SetupDevice) HasFeature(f string) bool {
	return d != nil && slices.Contains(d.Features, f)
}

// RequireDSN fails with ErrPrecondition while the DSN is unknown.
func (d *SetupDevice) RequireDSN() error {
	if d == nil || d.DSN == "" {
		return fmt.Errorf("%w: device DSN is not known yet", ErrPrecondition)
	}
	return nil
}

// Merge copies the non-empty identity fields of other into d.
func (d *SetupDevice) Merge(other *SetupDevice) {
	if other == nil {
		return
	}
	if other.DSN != "" {
		d.DSN = other.DSN
	}
	if other.LanIP != "" {
		d.LanIP = other.LanIP
	}
	if other.Address != "" {
		d.Address = other.Address
	}
	if other.Model != "" {
		d.Model = other.Model
	}
	if other.MAC != "" {
		d.MAC = other.MAC
	}
	if other.APIVersion != "" {
		d.APIVersion = other.APIVersion
	}
	if other.BuildVersion != "" {
		d.BuildVersion = other.BuildVersion
	}
	if len(other.Features) > 0 {
		d.Features = slices.Clone(other.Features)
	}
	if other.RegToken != "" {
		d.RegToken = other.RegToken
	}
	if other.RegistrationType != "" {
		d.RegistrationType = other.RegistrationType
	}
	d.Secure = d.Secure || other.Secure
}

// SecurityType of a Wi-Fi network.
type SecurityType int

const (
	SecurityOpen SecurityType = iota
	SecurityWEP
	SecurityWPA
	SecurityWPA2
	SecurityWPA3
)

var securityNames = map[SecurityType]string{
	SecurityOpen: "None",
	SecurityWEP:  "WEP",
	SecurityWPA:  "WPA",
	SecurityWPA2: "WPA2_Personal",
	SecurityWPA3: "WPA3_Personal",
}

func (s SecurityType) Valid() bool {
	_, ok := securityNames[s]
	return ok
}

func (s SecurityType) String() string {
	if name, ok := securityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("SecurityType(%d)", int(s))
}

// ParseSecurity accepts the device's LAN security names as well as short
// forms used on the command line.
func ParseSecurity(s string) (SecurityType, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	switch {
	case norm == "" || norm == "NONE" || norm == "OPEN":
		return SecurityOpen, nil
	case norm == "WEP":
		return SecurityWEP, nil
	case strings.HasPrefix(norm, "WPA3"):
		return SecurityWPA3, nil
	case strings.HasPrefix(norm, "WPA2"):
		return SecurityWPA2, nil
	case strings.HasPrefix(norm, "WPA"):
		return SecurityWPA, nil
	}
	return 0, fmt.Errorf("%w: unknown security type %q", ErrInvalidArgument, s)
}

// WifiAccessPoint is one network seen by the device.
type WifiAccessPoint struct {
	SSID     string       `json:"ssid"`
	BSSID    string       `json:"bssid,omitempty"`
	Security SecurityType `json:"security"`
	Channel  int          `json:"chan,omitempty"`
	Signal   int          `json:"signal"`
	Bars     int          `json:"bars"`
}

// SignalBars maps an RSSI in dBm to 0..4 bars.
func SignalBars(dbm int) int {
	switch {
	case dbm >= -55:
		return 4
	case dbm >= -66:
		return 3
	case dbm >= -77:
		return 2
	case dbm >= -88:
		return 1
	}
	return 0
}

// ConnectState is the device's join progress, ordered from least to most
// advanced.
type ConnectState int

const (
	StateNA ConnectState = iota
	StateDisabled
	StateConnectingToWifi
	StateConnectingToNetwork
	StateConnectingToCloud
	StateConnected
)

var connectStateNames = [...]string{"N/A", "Disabled", "ConnectingToWifi", "ConnectingToNetwork", "ConnectingToCloud", "Connected"}

func (s ConnectState) String() string {
	if s >= 0 && int(s) < len(connectStateNames) {
		return connectStateNames[s]
	}
	return fmt.Sprintf("ConnectState(%d)", int(s))
}

// Device Wi-Fi state strings reported over LAN.
const (
	WifiStateUnknown           = "unknown"
	WifiStateDisabled          = "disabled"
	WifiStateDown              = "down"
	WifiStateWifiConnecting    = "wifi_connecting"
	WifiStateNetworkConnecting = "network_connecting"
	WifiStateCloudConnecting   = "cloud_connecting"
	WifiStateUp                = "up"
)

// ConnectStateFromWifiState maps a LAN state string onto the ordinal.
func ConnectStateFromWifiState(s string) ConnectState {
	switch s {
	case WifiStateDisabled:
		return StateDisabled
	case WifiStateWifiConnecting:
		return StateConnectingToWifi
	case WifiStateNetworkConnecting:
		return StateConnectingToNetwork
	case WifiStateCloudConnecting:
		return StateConnectingToCloud
	case WifiStateUp:
		return StateConnected
	}
	return StateNA
}

// ConnectError is the device's join error code.
type ConnectError int

const (
	NoError ConnectError = iota
	ConnErrResourceProblem
	ConnErrConnectionTimedOut
	ConnErrInvalidKey
	ConnErrSSIDNotFound
	ConnErrNotAuthenticated
	ConnErrIncorrectKey
	ConnErrDHCPIP
	ConnErrDHCPGateway
	ConnErrDHCPDNS
	ConnErrDisconnected
	ConnErrSignalLost
	ConnErrDeviceServiceLookup
	ConnErrDeviceServiceRedirect
	ConnErrDeviceServiceTimedOut
	ConnErrNoProfileSlots
	ConnErrSecNotSupported
	ConnErrNetTypeNotSupported
	ConnErrServerIncompatible
	ConnErrServiceAuthFailure
	ConnErrInProgress

	ConnectErrorUnknown ConnectError = -1
)

var connectErrorNames = [...]string{
	"NoError", "ResourceProblem", "ConnectionTimedOut", "InvalidKey", "SSIDNotFound",
	"NotAuthenticated", "IncorrectKey", "DHCP_IP", "DHCP_GW", "DHCP_DNS", "Disconnected",
	"SignalLost", "DeviceServiceLookup", "DeviceServiceRedirect", "DeviceServiceTimedOut",
	"NoProfileSlots", "SecNotSupported", "NetTypeNotSupported", "ServerIncompatible",
	"ServiceAuthFailure", "InProgress",
}

// ConnectErrorFromCode maps unknown codes to ConnectErrorUnknown.
func ConnectErrorFromCode(code int) ConnectError {
	if code >= 0 && code < len(connectErrorNames) {
		return ConnectError(code)
	}
	return ConnectErrorUnknown
}

func (e ConnectError) String() string {
	if e >= 0 && int(e) < len(connectErrorNames) {
		return connectErrorNames[e]
	}
	return "Unknown"
}

// ConnectHistoryItem is one join attempt recorded by the device.
type ConnectHistoryItem struct {
	SSID    string       `json:"ssid"`
	BSSID   string       `json:"bssid,omitempty"`
	Error   ConnectError `json:"error"`
	Message string       `json:"msg,omitempty"`
	MTime   int64        `json:"mtime"`
	IPAddr  string       `json:"ip_addr,omitempty"`
}

// WifiConnectStatus is a snapshot of the device's join progress.
type WifiConnectStatus struct {
	SSID      string               `json:"ssid"`
	State     ConnectState         `json:"state"`
	WifiState string               `json:"wifi_state,omitempty"`
	DSN       string               `json:"dsn,omitempty"`
	History   []ConnectHistoryItem `json:"connect_history,omitempty"`
}

// Latest returns the most recent history entry for the status SSID, falling
// back to the most recent entry overall.
func (s WifiConnectStatus) Latest() (ConnectHistoryItem, bool) {
	if len(s.History) == 0 {
		return ConnectHistoryItem{}, false
	}
	for _, h := range s.History {
		if s.SSID == "" || h.SSID == s.SSID {
			return h, true
		}
	}
	return s.History[0], true
}

// Candidate is a discovered device.
type Candidate struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	RSSI    int    `json:"rssi,omitempty"`
}

// JoinRequest carries the credentials sent to the device.
type JoinRequest struct {
	SSID       string
	BSSID      string
	Password   string
	Security   SecurityType
	SetupToken string
	Location   *Location
}

func (r JoinRequest) Validate() error {
	if r.SSID == "" || len(r.SSID) > 32 {
		return fmt.Errorf("%w: ssid must be 1..32 bytes", ErrInvalidArgument)
	}
	if len(r.Password) > 64 {
		return fmt.Errorf("%w: key longer than 64 bytes", ErrInvalidArgument)
	}
	if !r.Security.Valid() {
		return fmt.Errorf("%w: unknown security type %d", ErrInvalidArgument, int(r.Security))
	}
	return ValidateSetupToken(r.SetupToken)
}

type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (l *Location) String() string {
	return fmt.Sprintf("%f,%f", l.Lat, l.Lng)
}

// RegInfo is the device's local registration information.
type RegInfo struct {
	RegToken         string           `json:"regtoken"`
	Registered       bool             `json:"registered"`
	RegistrationType RegistrationType `json:"registration_type"`
	HostSymname      string           `json:"host_symname,omitempty"`
}

// Device is the cloud device resource.
type Device struct {
	DSN              string           `json:"dsn"`
	Key              int64            `json:"key,omitempty"`
	ProductName      string           `json:"product_name,omitempty"`
	Model            string           `json:"model,omitempty"`
	OEMModel         string           `json:"oem_model,omitempty"`
	ConnectionStatus string           `json:"connection_status,omitempty"`
	ConnectedAt      *time.Time       `json:"connected_at,omitempty"`
	LanIP            string           `json:"lan_ip,omitempty"`
	IP               string           `json:"ip,omitempty"`
	MAC              string           `json:"mac,omitempty"`
	SSID             string           `json:"ssid,omitempty"`
	RegistrationType RegistrationType `json:"registration_type,omitempty"`
	RegToken         string           `json:"regtoken,omitempty"`
	SWVersion        string           `json:"sw_version,omitempty"`
	Lat              string           `json:"lat,omitempty"`
	Lng              string           `json:"lng,omitempty"`
}

// NetworkInfo is a network visible to, or joined by, the phone.
type NetworkInfo struct {
	SSID     string       `json:"ssid"`
	BSSID    string       `json:"bssid,omitempty"`
	Security SecurityType `json:"security"`
	Signal   int          `json:"signal,omitempty"`
}

package lan

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/ruteri/device-provisioning/interfaces"
)

// Device resources, relative to the device root in clear mode and carried as
// command resources in secure mode.
const (
	ResourceStatus      = "status.json"
	ResourceTime        = "time.json"
	ResourceScan        = "wifi_scan.json"
	ResourceScanResults = "wifi_scan_results.json"
	ResourceConnect     = "wifi_connect.json"
	ResourceWifiStatus  = "wifi_status.json"
	ResourceRegToken    = "regtoken.json"
	ResourceStopAP      = "wifi_stop_ap.json"
	ResourceLocalReg    = "local_reg.json"
)

// Phone-side secure endpoints.
const (
	LocalLANPrefix      = "/local_lan"
	KeyExchangePath     = LocalLANPrefix + "/key_exchange.json"
	CommandsPath        = LocalLANPrefix + "/commands.json"
	ConnectStatusResult = LocalLANPrefix + "/connect_status"

	KeyExchangeVersion = 1
	KeyExchangeProto   = 1
)

// Code is a numeric field the device may send either as a number or as a
// quoted number.
type Code int

func (c *Code) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*c = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	*c = Code(n)
	return nil
}

// Status is the body of status.json.
type Status struct {
	DSN              string   `json:"dsn"`
	Model            string   `json:"model,omitempty"`
	APIVersion       string   `json:"api_version,omitempty"`
	Build            string   `json:"build,omitempty"`
	MAC              string   `json:"mac,omitempty"`
	DeviceService    string   `json:"device_service,omitempty"`
	Features         []string `json:"features,omitempty"`
	LastConnectMTime int64    `json:"last_connect_mtime,omitempty"`
	MTime            int64    `json:"mtime,omitempty"`
	Version          string   `json:"version,omitempty"`
}

func (s *Status) SetupDevice(lanIP string) *interfaces.SetupDevice {
	return &interfaces.SetupDevice{
		DSN:          s.DSN,
		LanIP:        lanIP,
		Model:        s.Model,
		MAC:          s.MAC,
		APIVersion:   s.APIVersion,
		BuildVersion: s.Build,
		Features:     s.Features,
	}
}

type TimeUpdate struct {
	Time int64 `json:"time"`
}

type ScanResult struct {
	SSID     string `json:"ssid"`
	Type     string `json:"type,omitempty"`
	Chan     int    `json:"chan"`
	Signal   int    `json:"signal"`
	Bars     int    `json:"bars"`
	Security string `json:"security"`
	BSSID    string `json:"bssid"`
}

func (r ScanResult) AccessPoint() interfaces.WifiAccessPoint {
	sec, err := interfaces.ParseSecurity(r.Security)
	if err != nil {
		sec = interfaces.SecurityWPA2
	}
	return interfaces.WifiAccessPoint{
		SSID:     r.SSID,
		BSSID:    r.BSSID,
		Security: sec,
		Channel:  r.Chan,
		Signal:   r.Signal,
		Bars:     r.Bars,
	}
}

type ScanResults struct {
	MTime   int64        `json:"mtime"`
	Results []ScanResult `json:"results"`
}

type ScanResultsWrapper struct {
	WifiScan ScanResults `json:"wifi_scan"`
}

// HistoryItem is one connect_history entry. Devices report the SSID only as
// its first and last characters plus its length.
type HistoryItem struct {
	SSIDInfo string `json:"ssid_info"`
	SSIDLen  int    `json:"ssid_len"`
	BSSID    string `json:"bssid,omitempty"`
	Error    Code   `json:"error"`
	Msg      string `json:"msg,omitempty"`
	MTime    int64  `json:"mtime"`
	Last     int    `json:"last,omitempty"`
	IPAddr   string `json:"ip_addr,omitempty"`
}

// SSIDInfo abbreviates ssid the way devices report it in history.
func SSIDInfo(ssid string) string {
	switch len(ssid) {
	case 0:
		return ""
	case 1:
		return ssid
	}
	return ssid[:1] + ssid[len(ssid)-1:]
}

// Matches reports whether the entry plausibly refers to ssid.
func (h HistoryItem) Matches(ssid string) bool {
	if h.SSIDInfo == ssid {
		return true
	}
	return h.SSIDLen == len(ssid) && h.SSIDInfo == SSIDInfo(ssid)
}

type WifiStatus struct {
	ConnectHistory []HistoryItem `json:"connect_history"`
	DSN            string        `json:"dsn"`
	DeviceService  string        `json:"device_service,omitempty"`
	MAC            string        `json:"mac,omitempty"`
	MTime          int64         `json:"mtime"`
	HostSymname    string        `json:"host_symname,omitempty"`
	ConnectedSSID  string        `json:"connected_ssid"`
	Ant            int           `json:"ant,omitempty"`
	WPS            string        `json:"wps,omitempty"`
	RSSI           int           `json:"rssi,omitempty"`
	Bars           int           `json:"bars,omitempty"`
	State          string        `json:"state"`
}

type WifiStatusWrapper struct {
	WifiStatus WifiStatus `json:"wifi_status"`
}

// ConnectStatus converts the device report into the shared status model,
// resolving abbreviated history SSIDs against target.
func (w *WifiStatus) ConnectStatus(target string) interfaces.WifiConnectStatus {
	out := interfaces.WifiConnectStatus{
		SSID:      w.ConnectedSSID,
		State:     interfaces.ConnectStateFromWifiState(w.State),
		WifiState: w.State,
		DSN:       w.DSN,
	}
	for _, h := range w.ConnectHistory {
		ssid := h.SSIDInfo
		if target != "" && h.Matches(target) {
			ssid = target
		}
		out.History = append(out.History, interfaces.ConnectHistoryItem{
			SSID:    ssid,
			BSSID:   h.BSSID,
			Error:   interfaces.ConnectErrorFromCode(int(h.Error)),
			Message: h.Msg,
			MTime:   h.MTime,
			IPAddr:  h.IPAddr,
		})
	}
	return out
}

type RegToken struct {
	RegToken         string `json:"regtoken"`
	Registered       int    `json:"registered"`
	RegistrationType string `json:"registration_type"`
	HostSymname      string `json:"host_symname,omitempty"`
}

func (r RegToken) RegInfo() interfaces.RegInfo {
	return interfaces.RegInfo{
		RegToken:         r.RegToken,
		Registered:       r.Registered == 1,
		RegistrationType: interfaces.RegistrationType(r.RegistrationType),
		HostSymname:      r.HostSymname,
	}
}

type LocalReg struct {
	IP     string `json:"ip"`
	Port   int    `json:"port"`
	URI    string `json:"uri"`
	Notify int    `json:"notify"`
	Key    string `json:"key,omitempty"`
}

type LocalRegWrapper struct {
	LocalReg LocalReg `json:"local_reg"`
}

type KeyExchange struct {
	Ver     int    `json:"ver"`
	Random1 string `json:"random_1"`
	Time1   int64  `json:"time_1"`
	Proto   int    `json:"proto"`
	KeyID   int    `json:"key_id"`
	Sec     string `json:"sec"`
}

type KeyExchangeWrapper struct {
	KeyExchange KeyExchange `json:"key_exchange"`
}

type KeyExchangeResponse struct {
	Random2 string `json:"random_2"`
	Time2   int64  `json:"time_2"`
}

// Command is one request queued for the device in secure mode.
type Command struct {
	CmdID    int    `json:"cmd_id"`
	Method   string `json:"method"`
	Resource string `json:"resource"`
	Data     string `json:"data"`
	URI      string `json:"uri"`
}

type CommandWrapper struct {
	Cmd Command `json:"cmd"`
}

type Commands struct {
	Cmds []CommandWrapper `json:"cmds"`
}

// ModuleError is the error body a device module returns in place of a
// resource.
type ModuleError struct {
	Error Code    `json:"error"`
	Msg   *string `json:"msg"`
}

// checkModuleError returns a DeviceError when body is a module error.
func checkModuleError(body []byte) error {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return nil
	}
	var me ModuleError
	if err := json.Unmarshal(body, &me); err != nil {
		var text struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &text) == nil && text.Error != "" {
			return &interfaces.DeviceError{Code: -1, Msg: text.Error}
		}
		return nil
	}
	if me.Error == 0 && me.Msg == nil {
		return nil
	}
	msg := ""
	if me.Msg != nil {
		msg = *me.Msg
	}
	return &interfaces.DeviceError{Code: int(me.Error), Msg: msg}
}

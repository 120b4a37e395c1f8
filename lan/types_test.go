package lan

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ruteri/device-provisioning/interfaces"
)

func TestCodeAcceptsQuotedNumbers(t *testing.T) {
	var v struct {
		A Code `json:"a"`
		B Code `json:"b"`
		C Code `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":6,"b":"20","c":null}`), &v))
	require.Equal(t, Code(6), v.A)
	require.Equal(t, Code(20), v.B)
	require.Equal(t, Code(0), v.C)

	require.Error(t, json.Unmarshal([]byte(`{"a":"six"}`), &v))
}

func TestHistorySSIDMatching(t *testing.T) {
	require.Equal(t, "he", SSIDInfo("home"))
	require.Equal(t, "x", SSIDInfo("x"))
	require.Equal(t, "", SSIDInfo(""))

	h := HistoryItem{SSIDInfo: SSIDInfo("home"), SSIDLen: 4}
	require.True(t, h.Matches("home"))
	require.True(t, h.Matches("hole")) // indistinguishable from the abbreviation
	require.False(t, h.Matches("homestead"))

	full := HistoryItem{SSIDInfo: "home"}
	require.True(t, full.Matches("home"))
}

func TestWifiStatusConversion(t *testing.T) {
	var w WifiStatusWrapper
	body := `{"wifi_status":{"dsn":"AC1","state":"up","connected_ssid":"home","connect_history":[
		{"ssid_info":"he","ssid_len":4,"error":"0","mtime":20,"ip_addr":"10.0.0.2"},
		{"ssid_info":"cf","ssid_len":4,"error":6,"mtime":10}]}}`
	require.NoError(t, json.Unmarshal([]byte(body), &w))

	st := w.WifiStatus.ConnectStatus("home")
	require.Equal(t, interfaces.StateConnected, st.State)
	require.Equal(t, "home", st.SSID)
	require.Len(t, st.History, 2)
	require.Equal(t, "home", st.History[0].SSID)
	require.Equal(t, interfaces.NoError, st.History[0].Error)
	require.Equal(t, "cf", st.History[1].SSID)
	require.Equal(t, interfaces.ConnErrIncorrectKey, st.History[1].Error)
}

func TestScanResultSecurityFallback(t *testing.T) {
	ap := ScanResult{SSID: "x", Security: "Enterprise"}.AccessPoint()
	require.Equal(t, interfaces.SecurityWPA2, ap.Security)
	ap = ScanResult{SSID: "x", Security: "None"}.AccessPoint()
	require.Equal(t, interfaces.SecurityOpen, ap.Security)
}

func TestCheckModuleError(t *testing.T) {
	for _, tc := range []struct {
		name string
		body string
		code int
		msg  string
		ok   bool
	}{
		{name: "empty", body: "", ok: true},
		{name: "resource", body: `{"dsn":"AC1"}`, ok: true},
		{name: "zero error", body: `{"error":0}`, ok: true},
		{name: "numeric", body: `{"error":3,"msg":"busy"}`, code: 3, msg: "busy"},
		{name: "message only", body: `{"msg":"odd"}`, code: 0, msg: "odd"},
		{name: "text", body: `{"error":"not supported"}`, code: -1, msg: "not supported"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := checkModuleError([]byte(tc.body))
			if tc.ok {
				require.NoError(t, err)
				return
			}
			var de *interfaces.DeviceError
			require.True(t, errors.As(err, &de))
			require.Equal(t, tc.code, de.Code)
			require.Equal(t, tc.msg, de.Msg)
			require.ErrorIs(t, err, interfaces.ErrInternal)
		})
	}
}

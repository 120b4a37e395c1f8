package ble_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/device-provisioning/ble"
	"github.com/ruteri/device-provisioning/devicesim"
	"github.com/ruteri/device-provisioning/interfaces"
)

const testDSN = "AC000W000000001"

func testNetwork() *devicesim.Network {
	return &devicesim.Network{
		DSN: testDSN,
		AccessPoints: []interfaces.WifiAccessPoint{
			{SSID: "home", BSSID: "A0B1C2D3E4F5", Security: interfaces.SecurityWPA2, Signal: -50},
			{SSID: "neighbor", Security: interfaces.SecurityWPA, Signal: -80},
			{SSID: "cafe", Security: interfaces.SecurityOpen, Signal: -70},
		},
		Passwords: map[string]string{"home": "secret", "cafe": ""},
		StepDelay: 5 * time.Millisecond,
	}
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newTransport(t *testing.T, dev *devicesim.BLEDevice) *ble.Transport {
	t.Helper()
	tr := ble.NewTransport(&devicesim.BLECentral{Devices: []*devicesim.BLEDevice{dev}}, ble.TransportConfig{
		Log:                       slog.New(slog.NewTextHandler(io.Discard, nil)),
		ScanPollInterval:          2 * time.Millisecond,
		ConnectStatusPollInterval: 2 * time.Millisecond,
	})
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func connect(t *testing.T, tr *ble.Transport, dev *devicesim.BLEDevice) {
	t.Helper()
	d, err := tr.Connect(interfaces.Candidate{Address: dev.Address}).Wait(waitCtx(t))
	require.NoError(t, err)
	require.True(t, d.HasFeature(interfaces.FeatureAPSTA))
}

func TestDiscoverDeduplicates(t *testing.T) {
	dev := &devicesim.BLEDevice{Name: "Ayla-1", Address: "AA:BB", Network: testNetwork()}
	tr := newTransport(t, dev)

	var reported []interfaces.Candidate
	got, err := tr.Discover(30*time.Millisecond, func(c interfaces.Candidate) {
		reported = append(reported, c)
	}).Wait(waitCtx(t))
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "AA:BB", got[0].Address)
	require.Equal(t, got, reported)
}

func TestConnectAndFetchIdentity(t *testing.T) {
	dev := &devicesim.BLEDevice{Address: "AA:BB", Network: testNetwork()}
	tr := newTransport(t, dev)
	connect(t, tr, dev)

	d, err := tr.FetchIdentity().Wait(waitCtx(t))
	require.NoError(t, err)
	require.Equal(t, testDSN, d.DSN)
	require.Equal(t, "AA:BB", d.Address)

	require.NoError(t, tr.Close())
	require.False(t, dev.Connected())
}

func TestConnectRejectsSmallMTU(t *testing.T) {
	dev := &devicesim.BLEDevice{Address: "AA:BB", MTU: 23, Network: testNetwork()}
	tr := newTransport(t, dev)

	_, err := tr.Connect(interfaces.Candidate{Address: "AA:BB"}).Wait(waitCtx(t))
	require.ErrorIs(t, err, interfaces.ErrPrecondition)
	require.False(t, dev.Connected())
}

func TestConnectMissingCharacteristic(t *testing.T) {
	dev := &devicesim.BLEDevice{Address: "AA:BB", Network: testNetwork(), Missing: []uuid.UUID{ble.ConnectChar}}
	tr := newTransport(t, dev)

	_, err := tr.Connect(interfaces.Candidate{Address: "AA:BB"}).Wait(waitCtx(t))
	require.ErrorIs(t, err, interfaces.ErrPrecondition)
}

func TestOperationsNeedConnection(t *testing.T) {
	tr := newTransport(t, &devicesim.BLEDevice{Address: "AA:BB", Network: testNetwork()})
	_, err := tr.FetchIdentity().Wait(waitCtx(t))
	require.ErrorIs(t, err, interfaces.ErrPrecondition)
}

func fetchScan(t *testing.T, notifyUnsupported bool) []interfaces.WifiAccessPoint {
	dev := &devicesim.BLEDevice{Address: "AA:BB", Network: testNetwork(), NotifyUnsupported: notifyUnsupported}
	tr := newTransport(t, dev)
	connect(t, tr, dev)

	// collection starts before the trigger so pushes are not missed
	op := tr.FetchScanResults(2*time.Second, 0)
	if !notifyUnsupported {
		require.Eventually(t, func() bool { return dev.Subscribed(ble.ScanResultChar) }, time.Second, time.Millisecond)
	}
	_, err := tr.StartDeviceScan().Wait(waitCtx(t))
	require.NoError(t, err)

	aps, err := op.Wait(waitCtx(t))
	require.NoError(t, err)
	require.False(t, dev.Subscribed(ble.ScanResultChar))
	return aps
}

func TestFetchScanResultsPushAndPullAgree(t *testing.T) {
	push := fetchScan(t, false)
	pull := fetchScan(t, true)

	require.Len(t, push, 3)
	require.Equal(t, push, pull)
	require.Equal(t, "home", push[0].SSID)
	require.Equal(t, "A0B1C2D3E4F5", push[0].BSSID)
	require.Equal(t, 4, push[0].Bars)
}

func TestFetchScanResultsIsRestartable(t *testing.T) {
	dev := &devicesim.BLEDevice{Address: "AA:BB", Network: testNetwork(), NotifyUnsupported: true}
	tr := newTransport(t, dev)
	connect(t, tr, dev)
	_, err := tr.StartDeviceScan().Wait(waitCtx(t))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		aps, err := tr.FetchScanResults(2*time.Second, 0).Wait(waitCtx(t))
		require.NoError(t, err)
		require.Len(t, aps, 3)
	}
}

func TestFetchScanResultsTimeout(t *testing.T) {
	dev := &devicesim.BLEDevice{Address: "AA:BB", Network: testNetwork()}
	tr := newTransport(t, dev)
	connect(t, tr, dev)

	// no scan was triggered, so nothing is ever pushed
	_, err := tr.FetchScanResults(30*time.Millisecond, 0).Wait(waitCtx(t))
	require.ErrorIs(t, err, interfaces.ErrTimeout)
	require.Eventually(t, func() bool { return !dev.Subscribed(ble.ScanResultChar) }, time.Second, time.Millisecond)
}

func TestJoinSucceeds(t *testing.T) {
	for _, pull := range []bool{false, true} {
		dev := &devicesim.BLEDevice{Address: "AA:BB", Network: testNetwork(), NotifyUnsupported: pull}
		tr := newTransport(t, dev)
		connect(t, tr, dev)

		_, err := tr.SendJoinCredentials(interfaces.JoinRequest{
			SSID: "home", Password: "secret", Security: interfaces.SecurityWPA2, SetupToken: "tok12345",
		}).Wait(waitCtx(t))
		require.NoError(t, err)
		require.Equal(t, "tok12345", dev.SetupToken())
		require.Len(t, dev.Joins(), 1)

		st, err := tr.PollConnectStatus("home", 2*time.Second, 0).Wait(waitCtx(t))
		require.NoError(t, err)
		require.Equal(t, interfaces.StateConnected, st.State)

		// no further reads once success was seen
		reads := dev.Reads(ble.ConnectStatusChar)
		time.Sleep(20 * time.Millisecond)
		require.Equal(t, reads, dev.Reads(ble.ConnectStatusChar))
	}
}

func TestJoinWrongKey(t *testing.T) {
	dev := &devicesim.BLEDevice{Address: "AA:BB", Network: testNetwork()}
	tr := newTransport(t, dev)
	connect(t, tr, dev)

	_, err := tr.SendJoinCredentials(interfaces.JoinRequest{SSID: "home", Password: "wrong", Security: interfaces.SecurityWPA2}).Wait(waitCtx(t))
	require.NoError(t, err)

	_, err = tr.PollConnectStatus("home", 2*time.Second, 0).Wait(waitCtx(t))
	var je *interfaces.JoinError
	require.True(t, errors.As(err, &je), "got %v", err)
	require.Equal(t, interfaces.ConnErrIncorrectKey, je.Code)
	require.ErrorIs(t, err, interfaces.ErrInternal)
}

func TestJoinFirstStatusIsTerminal(t *testing.T) {
	for _, pull := range []bool{false, true} {
		network := testNetwork()
		network.JoinScript = []devicesim.JoinStep{{State: interfaces.StateDisabled, Error: interfaces.ConnErrIncorrectKey}}
		dev := &devicesim.BLEDevice{Address: "AA:BB", Network: network, NotifyUnsupported: pull}
		tr := newTransport(t, dev)
		connect(t, tr, dev)

		_, err := tr.SendJoinCredentials(interfaces.JoinRequest{SSID: "home", Password: "secret", Security: interfaces.SecurityWPA2}).Wait(waitCtx(t))
		require.NoError(t, err)

		start := time.Now()
		_, err = tr.PollConnectStatus("home", 3*time.Second, 0).Wait(waitCtx(t))
		var je *interfaces.JoinError
		require.True(t, errors.As(err, &je), "got %v", err)
		require.Equal(t, interfaces.ConnErrIncorrectKey, je.Code)
		require.NotErrorIs(t, err, interfaces.ErrTimeout)
		require.Less(t, time.Since(start), time.Second)
	}
}

func TestSendJoinCredentialsValidates(t *testing.T) {
	dev := &devicesim.BLEDevice{Address: "AA:BB", Network: testNetwork()}
	tr := newTransport(t, dev)
	connect(t, tr, dev)

	_, err := tr.SendJoinCredentials(interfaces.JoinRequest{SSID: "home", SetupToken: "waytoolongtoken"}).Wait(waitCtx(t))
	require.ErrorIs(t, err, interfaces.ErrInvalidArgument)
	require.Empty(t, dev.Joins())
}

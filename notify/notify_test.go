package notify

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(subject string, data []byte) error {
	args := m.Called(subject, data)
	return args.Error(0)
}

func TestNATSNotifierPayload(t *testing.T) {
	pub := &mockPublisher{}
	var got []byte
	pub.On("Publish", "prov.s1.state", mock.Anything).Run(func(args mock.Arguments) {
		got = args.Get(1).([]byte)
	}).Return(nil)

	n := NewNATSNotifier(pub, "prov.", slog.New(slog.NewTextHandler(io.Discard, nil)))
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	n.StateChanged(StateChange{SessionID: "s1", From: "FetchingIdentity", To: "SecureBootstrap", DSN: "AC1", Secure: true, Time: at})

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(got, &decoded))
	require.Equal(t, map[string]any{
		"session_id": "s1",
		"from":       "FetchingIdentity",
		"to":         "SecureBootstrap",
		"dsn":        "AC1",
		"secure":     true,
		"time":       "2026-01-02T03:04:05Z",
	}, decoded)
	pub.AssertExpectations(t)
}

func TestNATSNotifierWifiSubject(t *testing.T) {
	pub := &mockPublisher{}
	pub.On("Publish", "provisioning.s2.wifi", mock.Anything).Return(errors.New("no servers"))

	n := NewNATSNotifier(pub, "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	// a failed publish is logged, not propagated
	n.WifiStateChanged(WifiStateChange{SessionID: "s2", WifiState: "up", ConnectState: "Connected"})
	pub.AssertExpectations(t)
}

type recorder struct {
	states []string
	wifi   []string
}

func (r *recorder) StateChanged(c StateChange)         { r.states = append(r.states, c.To) }
func (r *recorder) WifiStateChanged(c WifiStateChange) { r.wifi = append(r.wifi, c.WifiState) }

func TestListenersFanOut(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	ls := Listeners{a, b}
	ls.StateChanged(StateChange{To: "Scanning"})
	ls.WifiStateChanged(WifiStateChange{WifiState: "up"})
	require.Equal(t, []string{"Scanning"}, a.states)
	require.Equal(t, []string{"Scanning"}, b.states)
	require.Equal(t, []string{"up"}, b.wifi)
}

func TestLogListener(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogListener(slog.New(slog.NewTextHandler(&buf, nil)))
	l.StateChanged(StateChange{SessionID: "s1", From: "Registering", To: "Failed", Error: "boom"})
	require.Contains(t, buf.String(), "level=WARN")
	require.Contains(t, buf.String(), "err=boom")
	require.Contains(t, buf.String(), "state=Failed")
}

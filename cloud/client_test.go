package cloud

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/device-provisioning/interfaces"
)

func newTestClient(t *testing.T, r http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	c, err := NewClient(ClientConfig{
		BaseURL:      srv.URL,
		AuthToken:    "tok",
		Log:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 2 * time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func TestConnected(t *testing.T) {
	r := chi.NewRouter()
	r.Get(connectedPath, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "auth_token tok", r.Header.Get("Authorization"))
		assert.Equal(t, "AC000W000000001", r.URL.Query().Get("dsn"))
		assert.Equal(t, "a1b2c3", r.URL.Query().Get("setup_token"))
		w.Write([]byte(`{"device":{"dsn":"AC000W000000001","connection_status":"Online","regtoken":"r3g"}}`))
	})
	c := newTestClient(t, r)

	dev, err := c.Connected(context.Background(), "AC000W000000001", "a1b2c3")
	require.NoError(t, err)
	require.Equal(t, "AC000W000000001", dev.DSN)
	require.Equal(t, "r3g", dev.RegToken)
	require.Equal(t, "Online", dev.ConnectionStatus)
}

func TestConnectedNotFound(t *testing.T) {
	calls := 0
	r := chi.NewRouter()
	r.Get(connectedPath, func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	})
	c := newTestClient(t, r)

	_, err := c.Connected(context.Background(), "AC1", "")
	require.True(t, interfaces.IsNotFound(err))
	require.Equal(t, interfaces.CauseCloud, interfaces.Cause(err))
	// a 404 is an answer, not a transport failure
	require.Equal(t, 1, calls)
}

func TestServerErrorsAreRetried(t *testing.T) {
	calls := 0
	r := chi.NewRouter()
	r.Get(connectedPath, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"dsn":"AC1"}`))
	})
	c := newTestClient(t, r)

	dev, err := c.Connected(context.Background(), "AC1", "")
	require.NoError(t, err)
	require.Equal(t, "AC1", dev.DSN)
	require.Equal(t, 3, calls)
}

func TestServerErrorsExhaustRetries(t *testing.T) {
	calls := 0
	r := chi.NewRouter()
	r.Get(connectedPath, func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "down", http.StatusBadGateway)
	})
	c := newTestClient(t, r)

	_, err := c.Connected(context.Background(), "AC1", "")
	require.Equal(t, http.StatusBadGateway, interfaces.StatusCode(err))
	require.Equal(t, DefaultRequestRetries+1, calls)
}

func TestRegisterDevice(t *testing.T) {
	r := chi.NewRouter()
	r.Post(devicesPath, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]string{"dsn": "AC1", "regtoken": "r3g", "lat": "37.5", "lng": "-122.25"}, body["device"])
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"device":{"dsn":"AC1","key":1234,"product_name":"Plug"}}`))
	})
	c := newTestClient(t, r)

	dev, err := c.RegisterDevice(context.Background(), interfaces.RegistrationCandidate{DSN: "AC1", RegToken: "r3g", Lat: "37.5", Lng: "-122.25"})
	require.NoError(t, err)
	require.Equal(t, int64(1234), dev.Key)
	require.Equal(t, "Plug", dev.ProductName)
}

func TestRegisterButtonPush(t *testing.T) {
	r := chi.NewRouter()
	r.Post(devicesPath, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Button-Push", body["device"]["registration_type"])
		w.Write([]byte(`{"device":{"dsn":"AC1"}}`))
	})
	c := newTestClient(t, r)

	_, err := c.RegisterDevice(context.Background(), interfaces.RegistrationCandidate{DSN: "AC1", RegistrationType: interfaces.RegistrationButtonPush})
	require.NoError(t, err)
}

func TestRegisterValidatesFirst(t *testing.T) {
	c := newTestClient(t, http.NotFoundHandler())
	_, err := c.RegisterDevice(context.Background(), interfaces.RegistrationCandidate{DSN: "AC1"})
	require.ErrorIs(t, err, interfaces.ErrInvalidArgument)
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(ClientConfig{})
	require.ErrorIs(t, err, interfaces.ErrInvalidArgument)
}

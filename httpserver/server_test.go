package httpserver

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	srv, err := New(&HTTPServerConfig{
		ListenAddr: "127.0.0.1:0",
		Log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, func(r chi.Router) {
		r.Get("/hello", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("hi"))
		})
	})
	require.NoError(t, err)
	return srv
}

func TestNewRequiresListenAddr(t *testing.T) {
	_, err := New(&HTTPServerConfig{}, nil)
	require.Error(t, err)
}

func TestRoutesAndHealth(t *testing.T) {
	srv := newTestServer(t)

	for path, want := range map[string]int{
		"/hello":  http.StatusOK,
		"/livez":  http.StatusOK,
		"/readyz": http.StatusOK,
		"/nope":   http.StatusNotFound,
	} {
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, want, rr.Code, path)
	}
}

func TestDrainUndrain(t *testing.T) {
	srv := newTestServer(t)

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/drain", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, srv.Ready())

	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/undrain", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, srv.Ready())
}

func TestRunInBackgroundBindsAddress(t *testing.T) {
	srv := newTestServer(t)
	require.Nil(t, srv.Addr())
	require.NoError(t, srv.RunInBackground())
	defer srv.Shutdown()

	addr := srv.Addr()
	require.NotNil(t, addr)
	require.NotZero(t, addr.Port)

	resp, err := http.Get("http://" + addr.String() + "/hello")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "hi", string(body))
}

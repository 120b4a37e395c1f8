package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/device-provisioning/interfaces"
)

type mockBackend struct {
	mock.Mock
	name string
}

func (m *mockBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	args := m.Called(ctx, id, contentType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *mockBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	args := m.Called(ctx, data, contentType)
	return args.Get(0).(interfaces.ContentID), args.Error(1)
}

func (m *mockBackend) Available(ctx context.Context) bool {
	return m.Called(ctx).Bool(0)
}

func (m *mockBackend) Name() string { return m.name }

func (m *mockBackend) LocationURI() string { return "mock://" + m.name }

func fileBackend(t *testing.T) (*FileBackend, string) {
	t.Helper()
	dir := t.TempDir()
	b, err := NewFileBackend(dir, testLogger())
	require.NoError(t, err)
	return b, dir
}

func TestMultiReportsFanOut(t *testing.T) {
	first, firstDir := fileBackend(t)
	second, secondDir := fileBackend(t)
	multi := NewMultiStorageBackend([]interfaces.StorageBackend{first, second}, testLogger())
	store := NewReportStore(multi, testLogger())

	id, err := store.SaveReport(context.Background(), sampleReport())
	require.NoError(t, err)

	for _, dir := range []string{firstDir, secondDir} {
		require.FileExists(t, filepath.Join(dir, "reports", id.String()+".json"))
		traces, err := os.ReadDir(filepath.Join(dir, "traces"))
		require.NoError(t, err)
		require.Len(t, traces, 1)
	}

	// a report lost from the first backend is read from the second
	require.NoError(t, os.Remove(filepath.Join(firstDir, "reports", id.String()+".json")))
	got, err := store.LoadReport(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "6f1c", got.SessionID)

	require.Equal(t, "multi:[file://"+firstDir+",file://"+secondDir+"]", multi.LocationURI())
}

func TestMultiStoreSkipsFailingBackends(t *testing.T) {
	down := &mockBackend{name: "down"}
	down.On("Available", mock.Anything).Return(false)
	broken := &mockBackend{name: "broken"}
	broken.On("Available", mock.Anything).Return(true)
	broken.On("Store", mock.Anything, mock.Anything, interfaces.ReportType).
		Return(interfaces.ContentID{}, errors.New("access denied")).Once()
	files, dir := fileBackend(t)

	multi := NewMultiStorageBackend([]interfaces.StorageBackend{down, broken, files}, testLogger())
	require.True(t, multi.Available(context.Background()))

	data := []byte(`{"session_id":"6f1c"}`)
	id, err := multi.Store(context.Background(), data, interfaces.ReportType)
	require.NoError(t, err)
	require.Equal(t, interfaces.ComputeID(data), id)
	require.FileExists(t, filepath.Join(dir, "reports", id.String()+".json"))

	broken.AssertExpectations(t)
	down.AssertNotCalled(t, "Store", mock.Anything, mock.Anything, mock.Anything)
}

func TestMultiStoreFirstIDWins(t *testing.T) {
	a := &mockBackend{name: "a"}
	a.On("Available", mock.Anything).Return(true)
	a.On("Store", mock.Anything, mock.Anything, interfaces.TraceType).Return(interfaces.ContentID{1}, nil).Once()
	b := &mockBackend{name: "b"}
	b.On("Available", mock.Anything).Return(true)
	b.On("Store", mock.Anything, mock.Anything, interfaces.TraceType).Return(interfaces.ContentID{2}, nil).Once()

	id, err := NewMultiStorageBackend([]interfaces.StorageBackend{a, b}, testLogger()).
		Store(context.Background(), []byte("trace"), interfaces.TraceType)
	require.NoError(t, err)
	require.Equal(t, interfaces.ContentID{1}, id)
	b.AssertExpectations(t)
}

func TestMultiStoreAllFail(t *testing.T) {
	var backends []interfaces.StorageBackend
	for _, name := range []string{"s3-reports", "s3-backup"} {
		m := &mockBackend{name: name}
		m.On("Available", mock.Anything).Return(true)
		m.On("Store", mock.Anything, mock.Anything, mock.Anything).Return(interfaces.ContentID{}, errors.New("timeout"))
		backends = append(backends, m)
	}

	_, err := NewMultiStorageBackend(backends, testLogger()).Store(context.Background(), []byte("x"), interfaces.ReportType)
	require.ErrorContains(t, err, "s3-reports: timeout")
	require.ErrorContains(t, err, "s3-backup: timeout")
	require.NotErrorIs(t, err, interfaces.ErrBackendUnavailable)
}

func TestMultiFetchFallsThrough(t *testing.T) {
	id := interfaces.ComputeID([]byte("report"))
	empty := &mockBackend{name: "empty"}
	empty.On("Available", mock.Anything).Return(true)
	empty.On("Fetch", mock.Anything, id, interfaces.ReportType).Return(nil, interfaces.ErrContentNotFound).Once()
	full := &mockBackend{name: "full"}
	full.On("Available", mock.Anything).Return(true)
	full.On("Fetch", mock.Anything, id, interfaces.ReportType).Return([]byte("report"), nil).Once()

	multi := NewMultiStorageBackend([]interfaces.StorageBackend{empty, full}, testLogger())
	data, err := multi.Fetch(context.Background(), id, interfaces.ReportType)
	require.NoError(t, err)
	require.Equal(t, []byte("report"), data)

	missing := &mockBackend{name: "missing"}
	missing.On("Available", mock.Anything).Return(true)
	missing.On("Fetch", mock.Anything, id, interfaces.ReportType).Return(nil, interfaces.ErrContentNotFound)
	_, err = NewMultiStorageBackend([]interfaces.StorageBackend{missing}, testLogger()).Fetch(context.Background(), id, interfaces.ReportType)
	require.ErrorIs(t, err, interfaces.ErrContentNotFound)
}

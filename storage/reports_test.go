package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/device-provisioning/interfaces"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleReport() *interfaces.SessionReport {
	return &interfaces.SessionReport{
		SessionID:  "6f1c",
		Mode:       interfaces.ModeLAN,
		FinalState: "Done",
		States:     []string{"Idle", "ConnectingToDevice", "Done", "Exited"},
		Device:     &interfaces.SetupDevice{DSN: "AC000W000000001"},
		History: []interfaces.ConnectHistoryItem{
			{SSID: "home", Error: interfaces.ConnErrIncorrectKey, MTime: 10},
			{SSID: "home", Error: interfaces.NoError, MTime: 20},
		},
	}
}

func TestFileReportStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewFileBackend(dir, testLogger())
	require.NoError(t, err)
	store := NewReportStore(backend, testLogger())

	id, err := store.SaveReport(context.Background(), sampleReport())
	require.NoError(t, err)

	got, err := store.LoadReport(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "6f1c", got.SessionID)
	require.Equal(t, "Done", got.FinalState)
	require.Equal(t, "AC000W000000001", got.Device.DSN)
	require.Empty(t, got.History)

	traces, err := os.ReadDir(filepath.Join(dir, "traces"))
	require.NoError(t, err)
	require.Len(t, traces, 1)
	raw, err := os.ReadFile(filepath.Join(dir, "traces", traces[0].Name()))
	require.NoError(t, err)
	var tr trace
	require.NoError(t, json.Unmarshal(raw, &tr))
	require.Len(t, tr.History, 2)
}

func TestReportStoreFailures(t *testing.T) {
	backend := &mockBackend{name: "mock"}
	backend.On("Store", mock.Anything, mock.Anything, interfaces.ReportType).
		Return(interfaces.ContentID{}, errors.New("disk full")).Once()
	_, err := NewReportStore(backend, testLogger()).SaveReport(context.Background(), sampleReport())
	require.ErrorContains(t, err, "disk full")

	// a lost trace does not fail the report
	backend = &mockBackend{name: "mock"}
	backend.On("Store", mock.Anything, mock.Anything, interfaces.ReportType).Return(interfaces.ContentID{1}, nil).Once()
	backend.On("Store", mock.Anything, mock.Anything, interfaces.TraceType).
		Return(interfaces.ContentID{}, errors.New("disk full")).Once()
	id, err := NewReportStore(backend, testLogger()).SaveReport(context.Background(), sampleReport())
	require.NoError(t, err)
	require.Equal(t, interfaces.ContentID{1}, id)
	backend.AssertExpectations(t)
}

func TestFileBackendMissingContent(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir(), testLogger())
	require.NoError(t, err)
	_, err = backend.Fetch(context.Background(), interfaces.ComputeID([]byte("x")), interfaces.ReportType)
	require.ErrorIs(t, err, interfaces.ErrContentNotFound)
	require.True(t, backend.Available(context.Background()))
}

func TestFactory(t *testing.T) {
	dir := t.TempDir()
	f := NewStorageBackendFactory(testLogger())

	locs, err := ParseLocations([]string{"file://" + dir, "s3://AKID:secret@reports/prod?region=eu-west-1&endpoint=http://localhost:9000"})
	require.NoError(t, err)

	fb, err := f.StorageBackendFor(locs[0])
	require.NoError(t, err)
	require.Equal(t, "file://"+dir, fb.LocationURI())

	sb, err := f.StorageBackendFor(locs[1])
	require.NoError(t, err)
	require.Equal(t, "s3-reports", sb.Name())
	require.NotContains(t, sb.LocationURI(), "secret")

	multi, err := f.CreateMultiBackend(locs)
	require.NoError(t, err)
	require.Equal(t, "multi-storage", multi.Name())

	single, err := f.CreateMultiBackend(locs[:1])
	require.NoError(t, err)
	require.Equal(t, fb.Name(), single.Name())

	_, err = ParseLocations([]string{"ipfs://node:5001"})
	require.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)
	_, err = f.CreateMultiBackend([]interfaces.StorageBackendLocation{{Scheme: "ftp"}})
	require.Error(t, err)
}

func TestMultiStorageNothingAvailable(t *testing.T) {
	m := &mockBackend{name: "mock-A"}
	m.On("Available", mock.Anything).Return(false)
	multi := NewMultiStorageBackend([]interfaces.StorageBackend{m}, testLogger())

	_, err := multi.Store(context.Background(), []byte("x"), interfaces.ReportType)
	require.ErrorIs(t, err, interfaces.ErrBackendUnavailable)
	_, err = multi.Fetch(context.Background(), interfaces.ContentID{}, interfaces.ReportType)
	require.ErrorIs(t, err, interfaces.ErrBackendUnavailable)
}

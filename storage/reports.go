package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ruteri/device-provisioning/interfaces"
)

// ReportStore keeps session reports in a storage backend. The device connect
// history is stored separately as a trace, next to the report.
type ReportStore struct {
	backend interfaces.StorageBackend
	log     *slog.Logger
}

func NewReportStore(backend interfaces.StorageBackend, log *slog.Logger) *ReportStore {
	if log == nil {
		log = slog.Default()
	}
	return &ReportStore{backend: backend, log: log}
}

type trace struct {
	SessionID string                          `json:"session_id"`
	History   []interfaces.ConnectHistoryItem `json:"history"`
}

// SaveReport stores r and returns the content ID of the report document.
// A failed trace write is logged and does not fail the report.
func (s *ReportStore) SaveReport(ctx context.Context, r *interfaces.SessionReport) (interfaces.ContentID, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return interfaces.ContentID{}, fmt.Errorf("encoding report: %w", err)
	}
	id, err := s.backend.Store(ctx, data, interfaces.ReportType)
	if err != nil {
		return id, fmt.Errorf("storing report in %s: %w", s.backend.Name(), err)
	}

	if len(r.History) > 0 {
		tdata, err := json.Marshal(trace{SessionID: r.SessionID, History: r.History})
		if err == nil {
			_, err = s.backend.Store(ctx, tdata, interfaces.TraceType)
		}
		if err != nil {
			s.log.Warn("Failed to store connect history", "session", r.SessionID, "err", err)
		}
	}
	return id, nil
}

// LoadReport fetches a report by its content ID.
func (s *ReportStore) LoadReport(ctx context.Context, id interfaces.ContentID) (*interfaces.SessionReport, error) {
	data, err := s.backend.Fetch(ctx, id, interfaces.ReportType)
	if err != nil {
		return nil, err
	}
	var r interfaces.SessionReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding report %s: %w", id, err)
	}
	return &r, nil
}

// Package network provides phone-side network associators: a manual one for
// hosts where the operator switches Wi-Fi by hand, and a testify mock.
package network

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/ruteri/device-provisioning/interfaces"
)

// PromptFunc asks the operator to perform a network change and returns once
// they confirm it.
type PromptFunc func(ctx context.Context, msg string) error

// ManualAssociator delegates association changes to the operator.
type ManualAssociator struct {
	Log    *slog.Logger
	Prompt PromptFunc

	// Visible is what Scan reports.
	Visible     []interfaces.NetworkInfo
	GatewayAddr string

	mu      sync.Mutex
	current interfaces.NetworkInfo
}

var _ interfaces.NetworkAssociator = (*ManualAssociator)(nil)

// NewManualAssociator starts out associated with current.
func NewManualAssociator(log *slog.Logger, prompt PromptFunc, current interfaces.NetworkInfo) *ManualAssociator {
	if log == nil {
		log = slog.Default()
	}
	return &ManualAssociator{Log: log, Prompt: prompt, current: current}
}

func (m *ManualAssociator) Current() (interfaces.NetworkInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, nil
}

func (m *ManualAssociator) Scan(ctx context.Context) ([]interfaces.NetworkInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return slices.Clone(m.Visible), nil
}

// Join asks the operator to switch to ssid and records the new association.
func (m *ManualAssociator) Join(ctx context.Context, ssid, password string, security interfaces.SecurityType) error {
	if ssid == "" {
		return fmt.Errorf("%w: empty ssid", interfaces.ErrInvalidArgument)
	}
	if m.Prompt != nil {
		msg := fmt.Sprintf("join the Wi-Fi network %q (%s) and confirm", ssid, security)
		if err := m.Prompt(ctx, msg); err != nil {
			return fmt.Errorf("%w: joining %s: %w", interfaces.ErrNetwork, ssid, err)
		}
	}
	m.Log.Info("phone network changed", "ssid", ssid)

	m.mu.Lock()
	m.current = interfaces.NetworkInfo{SSID: ssid, Security: security}
	m.mu.Unlock()
	return nil
}

func (m *ManualAssociator) Gateway() string {
	return m.GatewayAddr
}

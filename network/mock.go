package network

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/ruteri/device-provisioning/interfaces"
)

// MockAssociator implements interfaces.NetworkAssociator for tests.
type MockAssociator struct {
	mock.Mock
}

func (m *MockAssociator) Current() (interfaces.NetworkInfo, error) {
	args := m.Called()
	return args.Get(0).(interfaces.NetworkInfo), args.Error(1)
}

func (m *MockAssociator) Scan(ctx context.Context) ([]interfaces.NetworkInfo, error) {
	args := m.Called(ctx)
	return args.Get(0).([]interfaces.NetworkInfo), args.Error(1)
}

func (m *MockAssociator) Join(ctx context.Context, ssid, password string, security interfaces.SecurityType) error {
	args := m.Called(ctx, ssid, password, security)
	return args.Error(0)
}

func (m *MockAssociator) Gateway() string {
	args := m.Called()
	return args.String(0)
}

package cloud

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/ruteri/device-provisioning/interfaces"
)

// MockCloud mocks interfaces.Cloud.
type MockCloud struct {
	mock.Mock
}

func (m *MockCloud) Connected(ctx context.Context, dsn, setupToken string) (*interfaces.Device, error) {
	args := m.Called(ctx, dsn, setupToken)
	dev, _ := args.Get(0).(*interfaces.Device)
	return dev, args.Error(1)
}

func (m *MockCloud) RegisterDevice(ctx context.Context, c interfaces.RegistrationCandidate) (*interfaces.Device, error) {
	args := m.Called(ctx, c)
	dev, _ := args.Get(0).(*interfaces.Device)
	return dev, args.Error(1)
}

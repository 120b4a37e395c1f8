package setup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/device-provisioning/interfaces"
	"github.com/ruteri/device-provisioning/network"
)

func TestGuardFailsFastWhileBusy(t *testing.T) {
	assoc := &network.MockAssociator{}
	entered := make(chan struct{})
	release := make(chan struct{})
	assoc.On("Join", mock.Anything, "Ayla-1", "", interfaces.SecurityOpen).
		Run(func(mock.Arguments) {
			close(entered)
			<-release
		}).Return(nil).Once()
	g := newNetworkGuard(assoc, quietLog())

	done := make(chan error, 1)
	go func() { done <- g.join(context.Background(), "Ayla-1", "", interfaces.SecurityOpen) }()
	<-entered

	err := g.join(context.Background(), "home", "secret", interfaces.SecurityWPA2)
	require.ErrorIs(t, err, interfaces.ErrPrecondition)
	require.Contains(t, err.Error(), "already in progress")

	close(release)
	require.NoError(t, <-done)
	assoc.AssertNumberOfCalls(t, "Join", 1)
}

func TestGuardSettleWaitsForChange(t *testing.T) {
	assoc := &network.MockAssociator{}
	entered := make(chan struct{})
	release := make(chan struct{})
	assoc.On("Join", mock.Anything, "Ayla-1", "", interfaces.SecurityOpen).
		Run(func(mock.Arguments) {
			close(entered)
			<-release
		}).Return(nil).Once()
	g := newNetworkGuard(assoc, quietLog())
	require.NoError(t, g.settle(context.Background()))

	go func() { _ = g.join(context.Background(), "Ayla-1", "", interfaces.SecurityOpen) }()
	<-entered

	short, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, g.settle(short), context.DeadlineExceeded)

	settled := make(chan error, 1)
	go func() { settled <- g.settle(context.Background()) }()
	close(release)
	require.NoError(t, <-settled)

	assoc.On("Join", mock.Anything, "home", "", interfaces.SecurityWPA2).Return(nil).Once()
	require.NoError(t, g.join(context.Background(), "home", "", interfaces.SecurityWPA2))
	assoc.AssertExpectations(t)
}

func TestGuardRestore(t *testing.T) {
	assoc := &network.MockAssociator{}
	g := newNetworkGuard(assoc, quietLog())

	require.NoError(t, g.restore(context.Background(), nil))
	require.NoError(t, g.restore(context.Background(), &interfaces.NetworkInfo{}))

	assoc.On("Current").Return(interfaces.NetworkInfo{SSID: "home"}, nil).Once()
	require.NoError(t, g.restore(context.Background(), &interfaces.NetworkInfo{SSID: "home"}))
	assoc.AssertNotCalled(t, "Join", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	assoc.On("Current").Return(interfaces.NetworkInfo{SSID: "Ayla-1"}, nil).Once()
	assoc.On("Join", mock.Anything, "home", "", interfaces.SecurityWPA2).Return(nil).Once()
	require.NoError(t, g.restore(context.Background(), &interfaces.NetworkInfo{SSID: "home", Security: interfaces.SecurityWPA2}))
	assoc.AssertExpectations(t)
}

func TestGuardWithoutAssociator(t *testing.T) {
	g := newNetworkGuard(nil, quietLog())
	require.False(t, g.enabled())
	cur, err := g.current()
	require.NoError(t, err)
	require.Nil(t, cur)
	err = g.join(context.Background(), "x", "", interfaces.SecurityOpen)
	require.ErrorIs(t, err, interfaces.ErrPermission)
	require.ErrorIs(t, err, interfaces.ErrPrecondition)
	require.Equal(t, interfaces.CausePermission, interfaces.Cause(err))
	require.NoError(t, g.restore(context.Background(), &interfaces.NetworkInfo{SSID: "home"}))
}

package setup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ruteri/device-provisioning/interfaces"
)

// networkGuard serializes changes to the phone's Wi-Fi association. A change
// requested while another is outstanding fails instead of queueing.
type networkGuard struct {
	assoc interfaces.NetworkAssociator
	log   *slog.Logger

	mu sync.Mutex
	// inflight is closed when the outstanding change returns
	inflight chan struct{}
}

func newNetworkGuard(assoc interfaces.NetworkAssociator, log *slog.Logger) *networkGuard {
	return &networkGuard{assoc: assoc, log: log}
}

func (g *networkGuard) enabled() bool {
	return g != nil && g.assoc != nil
}

func (g *networkGuard) current() (*interfaces.NetworkInfo, error) {
	if !g.enabled() {
		return nil, nil
	}
	n, err := g.assoc.Current()
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (g *networkGuard) join(ctx context.Context, ssid, password string, security interfaces.SecurityType) error {
	if !g.enabled() {
		return fmt.Errorf("%w: no network associator", interfaces.ErrPermission)
	}
	g.mu.Lock()
	if g.inflight != nil {
		g.mu.Unlock()
		return fmt.Errorf("%w: network association change already in progress", interfaces.ErrPrecondition)
	}
	done := make(chan struct{})
	g.inflight = done
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.inflight = nil
		g.mu.Unlock()
		close(done)
	}()

	g.log.Info("joining network", "ssid", ssid)
	if err := g.assoc.Join(ctx, ssid, password, security); err != nil {
		return fmt.Errorf("joining %q: %w", ssid, err)
	}
	return nil
}

// settle waits for the outstanding change, if any, to return.
func (g *networkGuard) settle(ctx context.Context) error {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	done := g.inflight
	g.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for the network change in flight: %w", ctx.Err())
	}
}

// restore rejoins orig unless the phone is already on it.
func (g *networkGuard) restore(ctx context.Context, orig *interfaces.NetworkInfo) error {
	if !g.enabled() || orig == nil || orig.SSID == "" {
		return nil
	}
	if cur, err := g.assoc.Current(); err == nil && cur.SSID == orig.SSID {
		return nil
	}
	return g.join(ctx, orig.SSID, "", orig.Security)
}

// Package tinygo adapts tinygo.org/x/bluetooth to the ble.Central capability.
package tinygo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"

	"github.com/ruteri/device-provisioning/ble"
	"github.com/ruteri/device-provisioning/interfaces"
)

// readBufferSize covers the largest MTU the transport requests.
const readBufferSize = ble.DefaultMTU

type gattDevice interface {
	DiscoverServices(uuids []bluetooth.UUID) ([]bluetooth.DeviceService, error)
	Disconnect() error
}

type gattService interface {
	DiscoverCharacteristics(uuids []bluetooth.UUID) ([]bluetooth.DeviceCharacteristic, error)
}

type gattChar interface {
	UUID() bluetooth.UUID
	Read(data []byte) (int, error)
	WriteWithoutResponse(p []byte) (int, error)
	EnableNotifications(callback func(buf []byte)) error
	GetMTU() (uint16, error)
}

// Central drives the host's default Bluetooth adapter.
type Central struct {
	log     *slog.Logger
	adapter *bluetooth.Adapter

	mu   sync.Mutex
	seen map[string]bluetooth.Address
}

var _ ble.Central = (*Central)(nil)

// NewCentral enables the default adapter.
func NewCentral(log *slog.Logger) (*Central, error) {
	if log == nil {
		log = slog.Default()
	}
	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("%w: enabling bluetooth adapter: %w", interfaces.ErrPermission, err)
	}
	return &Central{log: log, adapter: adapter, seen: make(map[string]bluetooth.Address)}, nil
}

func (c *Central) Scan(ctx context.Context, service uuid.UUID, found func(ble.Advertisement)) error {
	want := bluetooth.NewUUID(service)

	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
			if err := c.adapter.StopScan(); err != nil {
				c.log.Debug("stopping scan", "err", err)
			}
		case <-stopped:
		}
	}()

	err := c.adapter.Scan(func(_ *bluetooth.Adapter, r bluetooth.ScanResult) {
		if !r.HasServiceUUID(want) {
			return
		}
		addr := r.Address.String()
		c.mu.Lock()
		c.seen[addr] = r.Address
		c.mu.Unlock()
		found(ble.Advertisement{Address: addr, Name: r.LocalName(), RSSI: int(r.RSSI)})
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Connect connects to a peripheral seen by a previous Scan.
func (c *Central) Connect(ctx context.Context, address string) (ble.Peripheral, error) {
	c.mu.Lock()
	addr, ok := c.seen[address]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("peripheral %s has not been seen in a scan", address)
	}

	dev, err := c.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		_ = dev.Disconnect()
		return nil, ctx.Err()
	}
	return &peripheral{log: c.log, address: address, dev: &dev}, nil
}

type peripheral struct {
	log     *slog.Logger
	address string
	dev     gattDevice
}

func (p *peripheral) Address() string {
	return p.address
}

// RequestMTU reports the MTU the stack negotiated on connect; the library
// does not expose a request call.
func (p *peripheral) RequestMTU(ctx context.Context, _ int) (int, error) {
	chars, err := p.DiscoverCharacteristics(ctx, ble.GenericService, []uuid.UUID{ble.DSNChar})
	if err != nil {
		return 0, err
	}
	if len(chars) == 0 {
		return 0, errors.New("no characteristic to read the mtu from")
	}
	mtu, err := chars[0].(*characteristic).c.GetMTU()
	if err != nil {
		return 0, err
	}
	return int(mtu), nil
}

func (p *peripheral) DiscoverCharacteristics(_ context.Context, service uuid.UUID, ids []uuid.UUID) ([]ble.Characteristic, error) {
	services, err := p.dev.DiscoverServices([]bluetooth.UUID{bluetooth.NewUUID(service)})
	if err != nil {
		return nil, err
	}
	if len(services) == 0 {
		return nil, fmt.Errorf("service %s not found", service)
	}

	want := make([]bluetooth.UUID, 0, len(ids))
	for _, id := range ids {
		want = append(want, bluetooth.NewUUID(id))
	}

	var svc gattService = &services[0]
	found, err := svc.DiscoverCharacteristics(want)
	if err != nil {
		return nil, err
	}

	out := make([]ble.Characteristic, 0, len(found))
	for i := range found {
		var gc gattChar = &found[i]
		id, err := uuid.Parse(gc.UUID().String())
		if err != nil {
			p.log.Debug("skipping characteristic with unparsable uuid", "uuid", gc.UUID().String())
			continue
		}
		out = append(out, &characteristic{id: id, c: gc})
	}
	return out, nil
}

func (p *peripheral) Disconnect() error {
	return p.dev.Disconnect()
}

type characteristic struct {
	id uuid.UUID
	c  gattChar
}

func (c *characteristic) UUID() uuid.UUID {
	return c.id
}

func (c *characteristic) Read(_ context.Context) ([]byte, error) {
	buf := make([]byte, readBufferSize)
	n, err := c.c.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (c *characteristic) Write(_ context.Context, value []byte) error {
	_, err := c.c.WriteWithoutResponse(value)
	return err
}

func (c *characteristic) Subscribe(fn func([]byte)) error {
	if err := c.c.EnableNotifications(fn); err != nil {
		return fmt.Errorf("%w: %w", ble.ErrNotifyUnsupported, err)
	}
	return nil
}

func (c *characteristic) Unsubscribe() error {
	return c.c.EnableNotifications(nil)
}

package devicesim

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ruteri/device-provisioning/ble"
	"github.com/ruteri/device-provisioning/interfaces"
	"github.com/ruteri/device-provisioning/wire"
)

// BLEDevice is an in-memory peripheral that speaks the provisioning GATT
// profile.
type BLEDevice struct {
	Log     *slog.Logger
	Name    string
	Address string
	RSSI    int
	MTU     int
	Network *Network

	// NotifyUnsupported makes every Subscribe fail, forcing pull delivery.
	NotifyUnsupported bool
	// Missing characteristics are left out of discovery.
	Missing []uuid.UUID

	mu          sync.Mutex
	scanning    bool
	scanIndex   int
	status      []byte
	subscribers map[uuid.UUID]func([]byte)
	setupToken  string
	joins       []wire.ConnectCommand
	reads       map[uuid.UUID]int
	connected   bool
}

func (d *BLEDevice) init() {
	if d.subscribers == nil {
		d.subscribers = make(map[uuid.UUID]func([]byte))
		d.reads = make(map[uuid.UUID]int)
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Network == nil {
		d.Network = &Network{}
	}
}

// SetupToken returns the last token written by the phone.
func (d *BLEDevice) SetupToken() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setupToken
}

// Joins returns every connect command received.
func (d *BLEDevice) Joins() []wire.ConnectCommand {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.joins)
}

// Reads returns how many times id was read.
func (d *BLEDevice) Reads(id uuid.UUID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.init()
	return d.reads[id]
}

// Subscribed reports whether notifications are enabled on id.
func (d *BLEDevice) Subscribed(id uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.subscribers[id]
	return ok
}

func (d *BLEDevice) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// BLECentral exposes a set of simulated peripherals as a ble.Central.
type BLECentral struct {
	Devices []*BLEDevice
}

var _ ble.Central = (*BLECentral)(nil)

func (c *BLECentral) Scan(ctx context.Context, service uuid.UUID, found func(ble.Advertisement)) error {
	if service != ble.GenericService {
		<-ctx.Done()
		return ctx.Err()
	}
	for _, d := range c.Devices {
		// advertisements repeat on a real radio
		found(ble.Advertisement{Address: d.Address, Name: d.Name, RSSI: d.RSSI})
		found(ble.Advertisement{Address: d.Address, Name: d.Name, RSSI: d.RSSI})
	}
	<-ctx.Done()
	return ctx.Err()
}

func (c *BLECentral) Connect(ctx context.Context, address string) (ble.Peripheral, error) {
	for _, d := range c.Devices {
		if d.Address == address {
			d.mu.Lock()
			d.init()
			d.connected = true
			d.mu.Unlock()
			return &blePeripheral{d: d}, nil
		}
	}
	return nil, fmt.Errorf("no peripheral at %s", address)
}

type blePeripheral struct {
	d *BLEDevice
}

func (p *blePeripheral) Address() string { return p.d.Address }

func (p *blePeripheral) RequestMTU(_ context.Context, mtu int) (int, error) {
	if p.d.MTU == 0 {
		return mtu, nil
	}
	return min(mtu, p.d.MTU), nil
}

func (p *blePeripheral) DiscoverCharacteristics(_ context.Context, service uuid.UUID, ids []uuid.UUID) ([]ble.Characteristic, error) {
	var out []ble.Characteristic
	for _, id := range ids {
		if slices.Contains(p.d.Missing, id) {
			continue
		}
		out = append(out, &bleChar{d: p.d, id: id})
	}
	return out, nil
}

func (p *blePeripheral) Disconnect() error {
	p.d.mu.Lock()
	defer p.d.mu.Unlock()
	p.d.connected = false
	clear(p.d.subscribers)
	return nil
}

type bleChar struct {
	d  *BLEDevice
	id uuid.UUID
}

func (c *bleChar) UUID() uuid.UUID { return c.id }

func (c *bleChar) Read(_ context.Context) ([]byte, error) {
	d := c.d
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reads[c.id]++

	switch c.id {
	case ble.DSNChar:
		return append([]byte(d.Network.DSN), 0, 0), nil
	case ble.ScanResultChar:
		return d.nextScanRecordLocked()
	case ble.ConnectStatusChar:
		if d.status == nil {
			return wire.EncodeConnectStatus("", interfaces.NoError, interfaces.StateNA)
		}
		return slices.Clone(d.status), nil
	}
	return nil, fmt.Errorf("characteristic %s is not readable", c.id)
}

func (d *BLEDevice) nextScanRecordLocked() ([]byte, error) {
	aps := d.Network.AccessPoints
	if !d.scanning || d.scanIndex >= len(aps) {
		d.scanIndex = 0
		return wire.EncodeScanResult(0, interfaces.WifiAccessPoint{})
	}
	rec, err := wire.EncodeScanResult(uint8(d.scanIndex+1), aps[d.scanIndex])
	d.scanIndex++
	return rec, err
}

func (c *bleChar) Write(_ context.Context, value []byte) error {
	d := c.d
	switch c.id {
	case ble.ScanChar:
		d.mu.Lock()
		d.scanning = true
		d.scanIndex = 0
		push := d.subscribers[ble.ScanResultChar]
		d.mu.Unlock()
		if push != nil {
			go d.pushScanResults(push)
		}
		return nil
	case ble.SetupTokenChar:
		d.mu.Lock()
		d.setupToken = string(value)
		d.mu.Unlock()
		return nil
	case ble.ConnectChar:
		cmd, err := wire.DecodeConnectCommand(value)
		if err != nil {
			return err
		}
		d.mu.Lock()
		d.joins = append(d.joins, cmd)
		d.mu.Unlock()
		go d.join(cmd)
		return nil
	}
	return fmt.Errorf("characteristic %s is not writable", c.id)
}

func (d *BLEDevice) pushScanResults(push func([]byte)) {
	for i, ap := range d.Network.AccessPoints {
		rec, err := wire.EncodeScanResult(uint8(i+1), ap)
		if err != nil {
			d.Log.Error("encoding scan result", "err", err)
			return
		}
		push(rec)
	}
	rec, _ := wire.EncodeScanResult(0, interfaces.WifiAccessPoint{})
	push(rec)
}

func (d *BLEDevice) join(cmd wire.ConnectCommand) {
	for _, step := range d.Network.JoinSteps(cmd.SSID, cmd.Key) {
		time.Sleep(d.Network.stepDelay())
		rec, err := wire.EncodeConnectStatus(cmd.SSID, step.Error, step.State)
		if err != nil {
			d.Log.Error("encoding connect status", "err", err)
			return
		}
		d.mu.Lock()
		d.status = rec
		push := d.subscribers[ble.ConnectStatusChar]
		d.mu.Unlock()
		if push != nil {
			push(rec)
		}
		if step.State == interfaces.StateConnected && d.Network.OnJoined != nil {
			d.Network.OnJoined(d.Network.DSN)
		}
	}
}

func (c *bleChar) Subscribe(fn func([]byte)) error {
	if c.d.NotifyUnsupported {
		return ble.ErrNotifyUnsupported
	}
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	c.d.subscribers[c.id] = fn
	return nil
}

func (c *bleChar) Unsubscribe() error {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	delete(c.d.subscribers, c.id)
	return nil
}

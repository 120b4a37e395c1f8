package ble

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ruteri/device-provisioning/interfaces"
)

type decodeFunc[T any] func([]byte) (T, error)

// pushStrategy collects values the peripheral notifies.
type pushStrategy[T any] struct {
	log    *slog.Logger
	char   Characteristic
	decode decodeFunc[T]
	values chan T
}

func (p *pushStrategy[T]) Name() string { return "push" }

func (p *pushStrategy[T]) enable() error {
	return p.char.Subscribe(func(raw []byte) {
		v, err := p.decode(raw)
		if err != nil {
			p.log.Debug("dropping undecodable notification", "char", p.char.UUID(), "err", err)
			return
		}
		select {
		case p.values <- v:
		default:
			p.log.Warn("notification buffer full, dropping value", "char", p.char.UUID())
		}
	})
}

func (p *pushStrategy[T]) Collect(ctx context.Context, sink func(T) (bool, error)) error {
	for {
		select {
		case v := <-p.values:
			done, err := sink(v)
			if err != nil || done {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *pushStrategy[T]) Close() error {
	return p.char.Unsubscribe()
}

// pullStrategy reads the characteristic every interval.
type pullStrategy[T any] struct {
	log      *slog.Logger
	char     Characteristic
	decode   decodeFunc[T]
	clock    clock.Clock
	interval time.Duration
}

func (p *pullStrategy[T]) Name() string { return "pull" }

func (p *pullStrategy[T]) Collect(ctx context.Context, sink func(T) (bool, error)) error {
	for {
		raw, err := p.char.Read(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			p.log.Debug("characteristic read failed, retrying", "char", p.char.UUID(), "err", err)
		} else if v, err := p.decode(raw); err != nil {
			p.log.Debug("dropping undecodable value", "char", p.char.UUID(), "err", err)
		} else {
			done, err := sink(v)
			if err != nil || done {
				return err
			}
		}

		t := p.clock.Timer(p.interval)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

func (p *pullStrategy[T]) Close() error { return nil }

// SelectStrategy prefers notifications and falls back to periodic reads when
// the characteristic cannot push. Subscription happens here, so select before
// triggering the device.
func SelectStrategy[T any](log *slog.Logger, char Characteristic, decode func([]byte) (T, error), clk clock.Clock, interval time.Duration) interfaces.DeliveryStrategy[T] {
	push := &pushStrategy[T]{log: log, char: char, decode: decode, values: make(chan T, 64)}
	if err := push.enable(); err != nil {
		log.Warn("notifications unavailable, falling back to polling", "char", char.UUID(), "interval", interval, "err", err)
		return &pullStrategy[T]{log: log, char: char, decode: decode, clock: clk, interval: interval}
	}
	return push
}

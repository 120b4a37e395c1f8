// Package registration binds a provisioned device to the user's account. The
// cloud may not know a freshly joined device yet, so a 404 is retried a
// bounded number of times at a fixed delay. Any other failure is final.
package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ruteri/device-provisioning/interfaces"
	"github.com/ruteri/device-provisioning/operation"
)

const (
	DefaultRetryCount = 3
	DefaultRetryDelay = 2 * time.Second
)

type Config struct {
	Log        *slog.Logger
	RetryCount int
	RetryDelay time.Duration
}

type Registrar struct {
	cloud interfaces.Cloud
	log   *slog.Logger
	count int
	delay time.Duration
}

func NewRegistrar(cloud interfaces.Cloud, cfg Config) *Registrar {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.RetryCount == 0 {
		cfg.RetryCount = DefaultRetryCount
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	return &Registrar{
		cloud: cloud,
		log:   cfg.Log.With("component", "registration"),
		count: cfg.RetryCount,
		delay: cfg.RetryDelay,
	}
}

// Register posts the candidate to the cloud. The candidate is validated
// before any request is made.
func (r *Registrar) Register(ctx context.Context, c interfaces.RegistrationCandidate) (*interfaces.Device, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	attempt := 0
	var lastErr error
	op := func() (*interfaces.Device, error) {
		attempt++
		dev, err := r.cloud.RegisterDevice(ctx, c)
		if err == nil {
			return dev, nil
		}
		lastErr = err
		if !interfaces.IsNotFound(err) {
			return nil, backoff.Permanent(err)
		}
		r.log.Debug("device not known to the cloud yet", "dsn", c.DSN, "attempt", attempt)
		return nil, err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(r.delay), uint64(r.count)), ctx)
	dev, err := backoff.RetryWithData(op, policy)
	switch {
	case err == nil:
		r.log.Info("device registered", "dsn", dev.DSN, "attempts", attempt)
		return dev, nil
	case ctx.Err() != nil:
		return nil, fmt.Errorf("%w: registering %s: %w", interfaces.ErrCanceled, c.DSN, ctx.Err())
	case interfaces.IsNotFound(lastErr) && errors.Is(err, lastErr):
		return nil, fmt.Errorf("%w: registering %s after %d attempts: %w", interfaces.ErrRetriesExhausted, c.DSN, attempt, lastErr)
	}
	return nil, fmt.Errorf("registering %s: %w", c.DSN, err)
}

// RegisterOp runs Register as an operation on loop.
func (r *Registrar) RegisterOp(loop *operation.Loop, c interfaces.RegistrationCandidate) *operation.Op[*interfaces.Device] {
	return operation.Go(loop, func(ctx context.Context) (*interfaces.Device, error) {
		return r.Register(ctx, c)
	})
}

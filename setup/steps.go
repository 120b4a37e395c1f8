package setup

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/atomic"

	"github.com/ruteri/device-provisioning/interfaces"
	"github.com/ruteri/device-provisioning/operation"
)

func (s *Session) run(ctx context.Context, req Request) (*interfaces.Device, error) {
	if orig, err := s.guard.current(); err != nil {
		s.log.Warn("could not read the current network", "err", err)
	} else {
		s.mu.Lock()
		s.original = orig
		s.mu.Unlock()
	}

	cand, err := s.pickCandidate(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.connect(ctx, req, cand); err != nil {
		return nil, err
	}
	if err := s.fetchIdentity(ctx); err != nil {
		return nil, err
	}
	aps, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}
	join, err := s.joinRequest(req, aps)
	if err != nil {
		return nil, err
	}
	if err := s.sendCredentials(ctx, join); err != nil {
		return nil, err
	}
	regToken, err := s.awaitJoin(ctx, join.SSID)
	if err != nil {
		return nil, err
	}

	if err := s.guard.restore(ctx, s.originalNetwork()); err != nil {
		s.log.Warn("could not restore the original network", "err", err)
	}

	if regToken == "" {
		dev, err := s.confirmCloud(ctx, req.SetupToken)
		if err != nil {
			return nil, err
		}
		regToken = dev.RegToken
	}
	return s.register(ctx, req, regToken)
}

func (s *Session) originalNetwork() *interfaces.NetworkInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.original
}

func (s *Session) pickCandidate(ctx context.Context, req Request) (interfaces.Candidate, error) {
	if req.Candidate != nil {
		return *req.Candidate, nil
	}
	if err := s.enter(ctx, Scanning); err != nil {
		return interfaces.Candidate{}, err
	}

	found, err := operation.Await(ctx, s.cfg.Transport.Discover(s.cfg.DiscoverTimeout, func(c interfaces.Candidate) {
		s.log.Debug("device found", "name", c.Name, "address", c.Address, "rssi", c.RSSI)
	}))
	if err != nil {
		return interfaces.Candidate{}, err
	}

	var best *interfaces.Candidate
	for i, c := range found {
		if req.CandidateName != "" && c.Name != req.CandidateName {
			continue
		}
		if best == nil || c.RSSI > best.RSSI {
			best = &found[i]
		}
	}
	if best == nil {
		if req.CandidateName != "" {
			return interfaces.Candidate{}, fmt.Errorf("%w: device %q not found", interfaces.ErrPrecondition, req.CandidateName)
		}
		return interfaces.Candidate{}, fmt.Errorf("%w: no device found within %s", interfaces.ErrPrecondition, s.cfg.DiscoverTimeout)
	}
	return *best, nil
}

func (s *Session) connect(ctx context.Context, req Request, cand interfaces.Candidate) error {
	if err := s.enter(ctx, ConnectingToDevice); err != nil {
		return err
	}

	if s.cfg.Transport.Mode() == interfaces.ModeLAN && s.guard.enabled() && cand.Name != "" {
		joinCtx, cancel := s.cfg.Clock.WithTimeout(ctx, s.cfg.JoinTimeout)
		err := s.guard.join(joinCtx, cand.Name, req.DevicePassword, apSecurity(req.DevicePassword))
		timedOut := ctx.Err() == nil && joinCtx.Err() != nil
		cancel()
		switch {
		case ctx.Err() != nil:
			return operation.ErrCanceled
		case timedOut:
			return fmt.Errorf("%w: joining device network %q after %s", interfaces.ErrTimeout, cand.Name, s.cfg.JoinTimeout)
		case err != nil:
			return err
		}
	}

	dev, err := operation.Await(ctx, s.cfg.Transport.Connect(cand))
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.device = &interfaces.SetupDevice{}
	s.device.Merge(dev)
	s.mu.Unlock()
	return nil
}

func apSecurity(password string) interfaces.SecurityType {
	if password == "" {
		return interfaces.SecurityOpen
	}
	return interfaces.SecurityWPA2
}

func (s *Session) fetchIdentity(ctx context.Context) error {
	if err := s.enter(ctx, FetchingIdentity); err != nil {
		return err
	}
	dev, err := operation.Await(ctx, s.cfg.Transport.FetchIdentity())
	if interfaces.IsNotFound(err) {
		dev, err = s.bootstrapSecure(ctx)
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.device.Merge(dev)
	s.plan = NewPlan(s.device, s.cfg.Transport.Mode())
	plan, dsn := s.plan, s.device.DSN
	s.mu.Unlock()

	s.log.Info("device identified", "dsn", dsn, "secure", s.Secure(),
		"poll_connect_status", plan.PollConnectStatus, "local_regtoken", plan.LocalRegToken)
	return nil
}

func (s *Session) bootstrapSecure(ctx context.Context) (*interfaces.SetupDevice, error) {
	sb, ok := s.cfg.Transport.(interfaces.SecureBootstrapper)
	if !ok {
		return nil, fmt.Errorf("%w: device requires secure setup, which the %s transport does not support", interfaces.ErrPrecondition, s.cfg.Transport.Mode())
	}
	s.mu.Lock()
	s.secure = true
	s.mu.Unlock()
	if err := s.enter(ctx, SecureBootstrap); err != nil {
		return nil, err
	}
	return operation.Await(ctx, sb.BootstrapSecure())
}

func (s *Session) scan(ctx context.Context) ([]interfaces.WifiAccessPoint, error) {
	if err := s.enter(ctx, StartingDeviceScan); err != nil {
		return nil, err
	}
	if _, err := operation.Await(ctx, s.cfg.Transport.StartDeviceScan()); err != nil {
		return nil, err
	}

	if err := s.enter(ctx, AwaitingScanResults); err != nil {
		return nil, err
	}
	aps, err := operation.Await(ctx, s.cfg.Transport.FetchScanResults(s.cfg.ScanResultsTimeout, s.cfg.ScanPollInterval))
	if err != nil {
		return nil, err
	}
	s.log.Info("device scan complete", "networks", len(aps))
	return aps, nil
}

func (s *Session) joinRequest(req Request, aps []interfaces.WifiAccessPoint) (interfaces.JoinRequest, error) {
	var ap interfaces.WifiAccessPoint
	found := false
	if req.SSID != "" {
		for _, a := range aps {
			if a.SSID == req.SSID {
				ap, found = a, true
				break
			}
		}
		if !found {
			s.log.Warn("target network not seen by the device", "ssid", req.SSID)
			ap = interfaces.WifiAccessPoint{SSID: req.SSID, Security: interfaces.SecurityWPA2}
		}
	} else {
		chosen, err := req.ChooseNetwork(aps)
		if err != nil {
			return interfaces.JoinRequest{}, fmt.Errorf("choosing network: %w", err)
		}
		ap = chosen
	}

	jr := interfaces.JoinRequest{
		SSID:       ap.SSID,
		BSSID:      ap.BSSID,
		Password:   req.Password,
		Security:   ap.Security,
		SetupToken: req.SetupToken,
		Location:   req.Location,
	}
	if req.Security != nil {
		jr.Security = *req.Security
	}
	return jr, jr.Validate()
}

func (s *Session) sendCredentials(ctx context.Context, jr interfaces.JoinRequest) error {
	if err := s.enter(ctx, SendingCredentials); err != nil {
		return err
	}
	_, err := operation.Await(ctx, s.cfg.Transport.SendJoinCredentials(jr))
	return err
}

// awaitJoin follows the device's join when the plan allows it and returns
// the regtoken if the device handed one back.
func (s *Session) awaitJoin(ctx context.Context, ssid string) (string, error) {
	s.mu.Lock()
	plan := s.plan
	s.mu.Unlock()

	if !plan.PollConnectStatus {
		s.log.Info("device lacks AP+STA, skipping local join status")
		return "", nil
	}
	if err := s.enter(ctx, AwaitingConnectStatus); err != nil {
		return "", err
	}
	st, err := operation.Await(ctx, s.cfg.Transport.PollConnectStatus(ssid, s.cfg.ConnectStatusTimeout, s.cfg.ConnectStatusPollInterval))
	if err != nil {
		return "", err
	}
	s.recordStatus(st)
	s.log.Info("device joined network", "ssid", ssid, "state", st.State)

	var regToken string
	if plan.UseLocalRegToken(&st) {
		if f, ok := s.cfg.Transport.(interfaces.RegInfoFetcher); ok {
			info, err := operation.Await(ctx, f.FetchRegInfo())
			switch {
			case ctx.Err() != nil:
				return "", operation.ErrCanceled
			case err != nil:
				s.log.Warn("could not read regtoken from device, confirming with the cloud", "err", err)
			case info.RegToken != "":
				regToken = info.RegToken
				s.mu.Lock()
				s.device.RegToken = info.RegToken
				s.device.RegistrationType = info.RegistrationType
				s.mu.Unlock()
			}
		}
	}

	if plan.StopAPAfterJoin {
		if stopper, ok := s.cfg.Transport.(interfaces.APStopper); ok {
			if _, err := operation.Await(ctx, stopper.StopAP()); err != nil {
				if ctx.Err() != nil {
					return "", operation.ErrCanceled
				}
				s.log.Warn("could not stop the device access point", "err", err)
			}
		}
	}
	return regToken, nil
}

func (s *Session) confirmCloud(ctx context.Context, setupToken string) (*interfaces.Device, error) {
	if err := s.enter(ctx, ConfirmingCloud); err != nil {
		return nil, err
	}
	if s.cfg.Cloud == nil {
		return nil, fmt.Errorf("%w: no cloud client", interfaces.ErrPrecondition)
	}
	dsn, err := s.dsn()
	if err != nil {
		return nil, err
	}

	lastErr := atomic.NewError(nil)
	op := operation.Poll(s.loop, operation.PollConfig{
		Clock:     s.cfg.Clock,
		Timeout:   s.cfg.ConfirmTimeout,
		Interval:  s.cfg.ConfirmPollInterval,
		Immediate: true,
	}, func(ctx context.Context) (*interfaces.Device, bool, error) {
		dev, err := s.cfg.Cloud.Connected(ctx, dsn, setupToken)
		if err == nil {
			return dev, true, nil
		}
		lastErr.Store(err)
		switch interfaces.Cause(err) {
		case interfaces.CausePermission, interfaces.CauseInput:
			return nil, false, err
		}
		s.log.Debug("device not confirmed by the cloud yet", "dsn", dsn, "err", err)
		return nil, false, operation.Retry(err)
	})

	dev, err := operation.Await(ctx, op)
	if err != nil {
		if last := lastErr.Load(); errors.Is(err, interfaces.ErrTimeout) && last != nil {
			return nil, fmt.Errorf("confirming %s: %w (last error: %v)", dsn, err, last)
		}
		return nil, err
	}
	s.log.Info("device confirmed by the cloud", "dsn", dsn, "connection_status", dev.ConnectionStatus)
	return dev, nil
}

func (s *Session) dsn() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.device.RequireDSN(); err != nil {
		return "", err
	}
	return s.device.DSN, nil
}

func (s *Session) register(ctx context.Context, req Request, regToken string) (*interfaces.Device, error) {
	if err := s.enter(ctx, Registering); err != nil {
		return nil, err
	}
	if s.registrar == nil {
		return nil, fmt.Errorf("%w: no registrar", interfaces.ErrPrecondition)
	}
	dsn, err := s.dsn()
	if err != nil {
		return nil, err
	}

	c := interfaces.RegistrationCandidate{DSN: dsn}
	switch {
	case regToken != "":
		c.RegToken = regToken
	case req.SetupToken != "":
		c.SetupToken = req.SetupToken
	default:
		c.RegistrationType = interfaces.RegistrationButtonPush
	}
	if req.Location != nil {
		c.Lat = strconv.FormatFloat(req.Location.Lat, 'f', -1, 64)
		c.Lng = strconv.FormatFloat(req.Location.Lng, 'f', -1, 64)
	}

	return operation.Await(ctx, s.registrar.RegisterOp(s.loop, c))
}

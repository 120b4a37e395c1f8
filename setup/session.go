package setup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/ruteri/device-provisioning/interfaces"
	"github.com/ruteri/device-provisioning/notify"
	"github.com/ruteri/device-provisioning/operation"
	"github.com/ruteri/device-provisioning/registration"
)

const (
	DefaultDiscoverTimeout           = 10 * time.Second
	DefaultJoinTimeout               = 30 * time.Second
	DefaultScanResultsTimeout        = 30 * time.Second
	DefaultScanPollInterval          = time.Second
	DefaultConnectStatusTimeout      = 60 * time.Second
	DefaultConnectStatusPollInterval = time.Second
	DefaultConfirmTimeout            = 60 * time.Second
	DefaultConfirmPollInterval       = time.Second

	exitTimeout = 10 * time.Second
)

// Registerer registers a confirmed device. *registration.Registrar is the
// production implementation.
type Registerer interface {
	RegisterOp(loop *operation.Loop, c interfaces.RegistrationCandidate) *operation.Op[*interfaces.Device]
}

// Config wires a session to its transport and the cloud.
type Config struct {
	Log   *slog.Logger
	Loop  *operation.Loop
	Clock clock.Clock

	Transport interfaces.Transport
	Cloud     interfaces.Cloud
	// Registrar defaults to a registration.Registrar over Cloud.
	Registrar Registerer
	// Associator is required to join the device access point in LAN mode.
	// Without one the phone is assumed to be on the right network already.
	Associator interfaces.NetworkAssociator
	Listeners  []notify.Listener
	Reports    interfaces.ReportStore

	DiscoverTimeout           time.Duration
	JoinTimeout               time.Duration
	ScanResultsTimeout        time.Duration
	ScanPollInterval          time.Duration
	ConnectStatusTimeout      time.Duration
	ConnectStatusPollInterval time.Duration
	ConfirmTimeout            time.Duration
	ConfirmPollInterval       time.Duration
}

func (c *Config) setDefaults() {
	if c.Log == nil {
		c.Log = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.DiscoverTimeout == 0 {
		c.DiscoverTimeout = DefaultDiscoverTimeout
	}
	if c.JoinTimeout == 0 {
		c.JoinTimeout = DefaultJoinTimeout
	}
	if c.ScanResultsTimeout == 0 {
		c.ScanResultsTimeout = DefaultScanResultsTimeout
	}
	if c.ScanPollInterval == 0 {
		c.ScanPollInterval = DefaultScanPollInterval
	}
	if c.ConnectStatusTimeout == 0 {
		c.ConnectStatusTimeout = DefaultConnectStatusTimeout
	}
	if c.ConnectStatusPollInterval == 0 {
		c.ConnectStatusPollInterval = DefaultConnectStatusPollInterval
	}
	if c.ConfirmTimeout == 0 {
		c.ConfirmTimeout = DefaultConfirmTimeout
	}
	if c.ConfirmPollInterval == 0 {
		c.ConfirmPollInterval = DefaultConfirmPollInterval
	}
}

// Request is what the user asked for: which device, and which network it
// should join.
type Request struct {
	// Candidate skips Scanning. Otherwise the device named CandidateName, or
	// the strongest one found, is used.
	Candidate     *interfaces.Candidate
	CandidateName string
	// DevicePassword is the key of the device's own access point, if any.
	DevicePassword string

	SSID     string
	Password string
	// Security overrides the security type reported by the device scan.
	Security *interfaces.SecurityType
	// ChooseNetwork picks from the device scan results when SSID is empty.
	ChooseNetwork func([]interfaces.WifiAccessPoint) (interfaces.WifiAccessPoint, error)

	SetupToken string
	Location   *interfaces.Location
}

func (r Request) Validate() error {
	if err := interfaces.ValidateSetupToken(r.SetupToken); err != nil {
		return err
	}
	if r.SSID == "" && r.ChooseNetwork == nil {
		return fmt.Errorf("%w: either an ssid or a network chooser is required", interfaces.ErrInvalidArgument)
	}
	if r.SSID != "" {
		jr := interfaces.JoinRequest{SSID: r.SSID, Password: r.Password}
		if r.Security != nil {
			jr.Security = *r.Security
		}
		if err := jr.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Session is one provisioning run. It is single use: once exited it cannot be
// started again.
type Session struct {
	id        string
	cfg       Config
	log       *slog.Logger
	loop      *operation.Loop
	ownLoop   bool
	guard     *networkGuard
	registrar Registerer
	listeners notify.Listeners

	started atomic.Bool
	exited  atomic.Bool

	mu         sync.Mutex
	root       *operation.Op[*interfaces.Device]
	state      State
	states     []State
	device     *interfaces.SetupDevice
	secure     bool
	plan       Plan
	lastStatus *interfaces.WifiConnectStatus
	original   *interfaces.NetworkInfo
	registered *interfaces.Device
	err        error
	startedAt  time.Time
	finishedAt time.Time
}

func New(cfg Config) (*Session, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("%w: a transport is required", interfaces.ErrInvalidArgument)
	}
	cfg.setDefaults()

	s := &Session{
		id:        uuid.New().String(),
		cfg:       cfg,
		loop:      cfg.Loop,
		registrar: cfg.Registrar,
		listeners: notify.Listeners(cfg.Listeners),
		state:     Idle,
		states:    []State{Idle},
	}
	s.log = cfg.Log.With("session", s.id, "transport", cfg.Transport.Mode())
	if s.loop == nil {
		s.loop = operation.StartLoop()
		s.ownLoop = true
	}
	if s.registrar == nil && cfg.Cloud != nil {
		s.registrar = registration.NewRegistrar(cfg.Cloud, registration.Config{Log: cfg.Log})
	}
	s.guard = newNetworkGuard(cfg.Associator, s.log)
	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// States returns every state entered so far, in order.
func (s *Session) States() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.states)
}

func (s *Session) Device() *interfaces.SetupDevice {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device == nil {
		return nil
	}
	d := *s.device
	return &d
}

func (s *Session) Secure() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.secure
}

func (s *Session) LastStatus() *interfaces.WifiConnectStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastStatus == nil {
		return nil
	}
	st := *s.lastStatus
	return &st
}

// Start runs the session in the background. The returned operation is the
// root of every step the session takes; canceling it cancels the step in
// flight.
func (s *Session) Start(req Request) *operation.Op[*interfaces.Device] {
	if s.exited.Load() {
		return operation.Failed[*interfaces.Device](s.loop, fmt.Errorf("%w: session has exited", interfaces.ErrPrecondition))
	}
	if !s.started.CompareAndSwap(false, true) {
		return operation.Failed[*interfaces.Device](s.loop, fmt.Errorf("%w: session already started", interfaces.ErrPrecondition))
	}

	root := operation.New[*interfaces.Device](s.loop, nil, nil)
	s.mu.Lock()
	s.root = root
	s.startedAt = s.cfg.Clock.Now()
	s.mu.Unlock()

	if err := req.Validate(); err != nil {
		serr := interfaces.NewSessionError(Idle.String(), err)
		s.fail(serr)
		root.Fail(serr)
		return root
	}

	go func() {
		dev, err := s.execute(root.Context(), req)
		root.Settle(dev, err)
	}()
	return root
}

// Run starts the session and waits for it. When ctx ends first the session
// is canceled and exits.
func (s *Session) Run(ctx context.Context, req Request) (*interfaces.Device, error) {
	dev, err := s.Start(req).Wait(ctx)
	if ctx.Err() != nil {
		s.Cancel()
		return nil, fmt.Errorf("%w: %w", interfaces.ErrCanceled, ctx.Err())
	}
	return dev, err
}

func (s *Session) execute(ctx context.Context, req Request) (*interfaces.Device, error) {
	dev, err := s.run(ctx, req)
	if err == nil {
		s.mu.Lock()
		s.registered = dev
		s.mu.Unlock()
		s.setState(Done, nil)
		return dev, nil
	}
	if ctx.Err() != nil || s.exited.Load() {
		return nil, operation.ErrCanceled
	}
	serr := interfaces.NewSessionError(s.State().String(), err)
	s.fail(serr)
	return nil, serr
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.log.Error("provisioning failed", "err", err)
	s.setState(Failed, err)
}

// enter moves to state unless the session has been canceled.
func (s *Session) enter(ctx context.Context, state State) error {
	if ctx.Err() != nil {
		return operation.ErrCanceled
	}
	if !s.setState(state, nil) {
		return operation.ErrCanceled
	}
	return nil
}

// setState records a transition and broadcasts it. Nothing follows Exited,
// and only Exited follows Done or Failed.
func (s *Session) setState(to State, err error) bool {
	s.mu.Lock()
	from := s.state
	if from == Exited || (from.Terminal() && to != Exited) {
		s.mu.Unlock()
		return false
	}
	s.state = to
	s.states = append(s.states, to)
	change := notify.StateChange{
		SessionID: s.id,
		From:      from.String(),
		To:        to.String(),
		Secure:    s.secure,
		Time:      s.cfg.Clock.Now(),
	}
	if s.device != nil {
		change.DSN = s.device.DSN
	}
	if err != nil {
		change.Error = err.Error()
	}
	s.mu.Unlock()

	s.log.Debug("state changed", "from", from, "state", to)
	s.post(func() { s.listeners.StateChanged(change) })
	return true
}

// recordStatus keeps st as the last status and reports Wi-Fi state changes.
func (s *Session) recordStatus(st interfaces.WifiConnectStatus) {
	s.mu.Lock()
	prev := s.lastStatus
	s.lastStatus = &st
	change := notify.WifiStateChange{
		SessionID:    s.id,
		SSID:         st.SSID,
		WifiState:    st.WifiState,
		ConnectState: st.State.String(),
		Time:         s.cfg.Clock.Now(),
	}
	if s.device != nil {
		change.DSN = s.device.DSN
		if change.DSN == "" {
			change.DSN = st.DSN
		}
	}
	s.mu.Unlock()

	if prev != nil && prev.WifiState == st.WifiState && prev.State == st.State {
		return
	}
	s.post(func() { s.listeners.WifiStateChanged(change) })
}

func (s *Session) post(fn func()) {
	if len(s.listeners) == 0 {
		return
	}
	s.loop.Post(fn)
}

// Cancel cancels the step in flight and exits. No result is delivered
// afterwards.
func (s *Session) Cancel() {
	ctx, cancel := context.WithTimeout(context.Background(), exitTimeout)
	defer cancel()
	if err := s.Exit(ctx); err != nil {
		s.log.Warn("session teardown incomplete", "err", err)
	}
}

// Exit releases the transport, drops secure key material, restores the
// phone's original network and writes the session report. It is idempotent.
func (s *Session) Exit(ctx context.Context) error {
	if !s.exited.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	root := s.root
	orig := s.original
	s.mu.Unlock()

	if root != nil && !root.Delivered() {
		root.Cancel()
	}

	var errs []error
	if err := s.cfg.Transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing transport: %w", err))
	}
	// a canceled join is let finish before the original network is rejoined
	if err := s.guard.settle(ctx); err != nil {
		errs = append(errs, fmt.Errorf("restoring network: %w", err))
	} else if err := s.guard.restore(ctx, orig); err != nil {
		errs = append(errs, fmt.Errorf("restoring network: %w", err))
	}

	s.mu.Lock()
	s.finishedAt = s.cfg.Clock.Now()
	s.mu.Unlock()
	s.setState(Exited, nil)

	if s.cfg.Reports != nil {
		id, err := s.cfg.Reports.SaveReport(ctx, s.Report())
		if err != nil {
			errs = append(errs, fmt.Errorf("saving session report: %w", err))
		} else {
			s.log.Info("session report saved", "report", id.String())
		}
	}

	if s.ownLoop {
		// Exit may itself run on the loop
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), exitTimeout)
			defer cancel()
			if err := s.loop.Sync(ctx); err != nil {
				s.log.Debug("flushing listeners", "err", err)
			}
			s.loop.Stop()
		}()
	}
	return errors.Join(errs...)
}

// Report summarizes the session so far.
func (s *Session) Report() *interfaces.SessionReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := &interfaces.SessionReport{
		SessionID:  s.id,
		Mode:       s.cfg.Transport.Mode(),
		Secure:     s.secure,
		FinalState: s.finalState().String(),
		Registered: s.registered,
	}
	if !s.startedAt.IsZero() {
		r.StartedAt = s.startedAt.UTC().Format(time.RFC3339)
	}
	if !s.finishedAt.IsZero() {
		r.FinishedAt = s.finishedAt.UTC().Format(time.RFC3339)
	}
	if s.device != nil {
		d := *s.device
		r.Device = &d
	}
	if s.lastStatus != nil {
		st := *s.lastStatus
		r.LastStatus = &st
		r.History = st.History
	}
	for _, st := range s.states {
		r.States = append(r.States, st.String())
	}
	if s.err != nil {
		r.Error = s.err.Error()
		r.Cause = interfaces.Cause(s.err)
	}
	return r
}

// finalState is the last state before Exited.
func (s *Session) finalState() State {
	for i := len(s.states) - 1; i >= 0; i-- {
		if s.states[i] != Exited {
			return s.states[i]
		}
	}
	return Idle
}

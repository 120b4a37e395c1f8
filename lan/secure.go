package lan

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"

	"github.com/ruteri/device-provisioning/cryptoutils"
	"github.com/ruteri/device-provisioning/httpserver"
	"github.com/ruteri/device-provisioning/interfaces"
	"github.com/ruteri/device-provisioning/operation"
)

const (
	DefaultSecureListenAddr   = ":10275"
	DefaultCommandTimeout     = 10 * time.Second
	DefaultKeyExchangeTimeout = 20 * time.Second
)

// SecureConfig configures the phone side of a secure LAN session.
type SecureConfig struct {
	// ListenAddr is where the phone serves /local_lan.
	ListenAddr string
	// AdvertiseIP is the address given to the device in local_reg. When
	// empty it is the local address of the route to the device.
	AdvertiseIP string

	KeyBits            int
	CommandTimeout     time.Duration
	KeyExchangeTimeout time.Duration
	EnablePprof        bool
}

func (c *SecureConfig) setDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultSecureListenAddr
	}
	if c.KeyBits == 0 {
		c.KeyBits = cryptoutils.DefaultKeyBits
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.KeyExchangeTimeout == 0 {
		c.KeyExchangeTimeout = DefaultKeyExchangeTimeout
	}
}

type commandResult struct {
	status int
	data   []byte
	err    error
}

// SecureSession is an encrypted command channel to one device. The phone
// hosts the endpoint; the device performs the key exchange, pulls queued
// commands and posts their results back.
type SecureSession struct {
	cfg    SecureConfig
	log    *slog.Logger
	clk    clock.Clock
	device *clearClient
	keys   *cryptoutils.KeyMaterial
	srv    *httpserver.Server

	established *operation.Op[struct{}]

	mu      sync.Mutex
	env     *cryptoutils.Envelope
	seq     int
	nextID  int
	queue   []Command
	pending map[int]chan commandResult
	closed  bool
}

var _ channel = (*SecureSession)(nil)

func newSecureSession(log *slog.Logger, clk clock.Clock, cfg SecureConfig, device *clearClient, keys *cryptoutils.KeyMaterial) (*SecureSession, error) {
	cfg.setDefaults()
	s := &SecureSession{
		cfg:         cfg,
		log:         log.With("channel", "secure"),
		clk:         clk,
		device:      device,
		keys:        keys,
		established: operation.New[struct{}](nil, nil, nil),
		pending:     make(map[int]chan commandResult),
	}

	srv, err := httpserver.New(&httpserver.HTTPServerConfig{
		ListenAddr:               cfg.ListenAddr,
		EnablePprof:              cfg.EnablePprof,
		Log:                      s.log,
		GracefulShutdownDuration: time.Second,
	}, s.routes)
	if err != nil {
		return nil, err
	}
	s.srv = srv
	return s, nil
}

func (s *SecureSession) routes(r chi.Router) {
	r.Post(KeyExchangePath, s.handleKeyExchange)
	r.Get(CommandsPath, s.handleCommands)
	r.Post(LocalLANPrefix+"/*", s.handleResult)
}

// Handler exposes the phone endpoint for tests.
func (s *SecureSession) Handler() http.Handler {
	return s.srv.Handler()
}

// Start serves the endpoint, registers it with the device and waits for the
// device to complete the key exchange.
func (s *SecureSession) Start(ctx context.Context, dsn string) error {
	if err := s.srv.RunInBackground(); err != nil {
		return fmt.Errorf("%w: starting secure endpoint: %w", interfaces.ErrNetwork, err)
	}

	pub, err := s.keys.PublicKeyPKCS1()
	if err != nil {
		return err
	}
	ip, err := s.advertiseIP()
	if err != nil {
		return err
	}

	resource := ResourceLocalReg
	if dsn != "" {
		resource += "?" + url.Values{"dsn": {dsn}}.Encode()
	}
	_, err = s.device.call(ctx, request{
		method:   http.MethodPost,
		resource: resource,
		body: LocalRegWrapper{LocalReg: LocalReg{
			IP:   ip,
			Port: s.srv.Addr().Port,
			URI:  LocalLANPrefix,
			Key:  base64.StdEncoding.EncodeToString(pub),
		}},
	})
	if err != nil {
		return fmt.Errorf("registering secure session: %w", err)
	}
	s.log.Debug("secure session registered, awaiting key exchange", "ip", ip, "port", s.srv.Addr().Port)

	waitCtx, cancel := s.clk.WithTimeout(ctx, s.cfg.KeyExchangeTimeout)
	defer cancel()
	if _, err := s.established.Wait(waitCtx); err != nil {
		switch {
		case ctx.Err() != nil:
			return operation.ErrCanceled
		case errors.Is(err, context.DeadlineExceeded):
			return fmt.Errorf("%w: no key exchange from device after %s", interfaces.ErrTimeout, s.cfg.KeyExchangeTimeout)
		}
		return err
	}
	return nil
}

func (s *SecureSession) advertiseIP() (string, error) {
	if s.cfg.AdvertiseIP != "" {
		return s.cfg.AdvertiseIP, nil
	}
	if addr := s.srv.Addr(); addr != nil && !addr.IP.IsUnspecified() {
		return addr.IP.String(), nil
	}
	// the local end of a route to the device
	host := s.device.baseURL[len("http://"):]
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	conn, err := net.Dial("udp", net.JoinHostPort(host, "80"))
	if err != nil {
		return "", fmt.Errorf("%w: resolving local address: %w", interfaces.ErrNetwork, err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}

func (s *SecureSession) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("writing response", "err", err)
	}
}

func (s *SecureSession) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *SecureSession) handleKeyExchange(w http.ResponseWriter, r *http.Request) {
	var req KeyExchangeWrapper
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed key exchange")
		return
	}
	kx := req.KeyExchange
	if kx.Ver != KeyExchangeVersion || kx.Proto != KeyExchangeProto {
		s.log.Warn("unsupported key exchange", "ver", kx.Ver, "proto", kx.Proto)
		s.writeError(w, http.StatusUpgradeRequired, "unsupported key exchange version")
		return
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed || s.keys == nil {
		s.writeError(w, http.StatusNotFound, "no setup session")
		return
	}

	sec, err := base64.StdEncoding.DecodeString(kx.Sec)
	if err == nil {
		sec, err = s.keys.Decrypt(sec)
	}
	if err != nil {
		s.log.Error("key exchange decryption failed", "err", err)
		s.established.Fail(fmt.Errorf("%w: decrypting key exchange secret: %w", interfaces.ErrSecureBootstrap, err))
		s.writeError(w, http.StatusUnauthorized, "decryption failure")
		return
	}

	random2, err := randomToken(16)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "random source failure")
		return
	}
	time2 := s.clk.Now().UnixNano()

	keys := cryptoutils.DeriveSessionKeys(sec, kx.Random1, random2, kx.Time1, time2)
	clear(sec)
	env, err := cryptoutils.NewEnvelope(keys, cryptoutils.RolePhone)
	keys.Wipe()
	if err != nil {
		s.established.Fail(err)
		s.writeError(w, http.StatusInternalServerError, "session key failure")
		return
	}

	s.mu.Lock()
	if s.env != nil {
		s.env.Wipe()
	}
	s.env = env
	s.seq = 0
	s.mu.Unlock()

	s.log.Info("secure session established", "key_id", kx.KeyID)
	s.writeJSON(w, http.StatusOK, KeyExchangeResponse{Random2: random2, Time2: time2})
	s.established.Succeed(struct{}{})
}

func (s *SecureSession) handleCommands(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.env == nil {
		s.mu.Unlock()
		s.writeError(w, http.StatusNotFound, "no secure session")
		return
	}

	var payload any = json.RawMessage("{}")
	status := http.StatusOK
	if len(s.queue) > 0 {
		cmd := s.queue[0]
		s.queue = s.queue[1:]
		payload = Commands{Cmds: []CommandWrapper{{Cmd: cmd}}}
		if len(s.queue) > 0 {
			status = http.StatusPartialContent
		}
	}
	seq := s.seq
	s.seq++
	msg, err := s.env.Seal(seq, payload)
	s.mu.Unlock()

	if err != nil {
		s.log.Error("sealing commands", "err", err)
		s.writeError(w, http.StatusInternalServerError, "encryption failure")
		return
	}
	s.writeJSON(w, status, msg)
}

func (s *SecureSession) handleResult(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.URL.Query().Get("cmd_id"))
	if err != nil {
		s.log.Debug("unsolicited device message", "path", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		return
	}
	status := http.StatusOK
	if v := r.URL.Query().Get("status"); v != "" {
		if status, err = strconv.Atoi(v); err != nil {
			s.writeError(w, http.StatusBadRequest, "malformed status")
			return
		}
	}

	s.mu.Lock()
	env := s.env
	waiter, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()

	if !ok {
		s.log.Debug("result for unknown command", "cmd_id", id)
		w.WriteHeader(http.StatusOK)
		return
	}
	if env == nil {
		waiter <- commandResult{err: fmt.Errorf("%w: no secure session", interfaces.ErrSecureBootstrap)}
		s.writeError(w, http.StatusNotFound, "no secure session")
		return
	}

	var sealed cryptoutils.SealedMessage
	if err := json.NewDecoder(r.Body).Decode(&sealed); err != nil {
		waiter <- commandResult{err: fmt.Errorf("%w: malformed result for command %d: %w", interfaces.ErrSecureBootstrap, id, err)}
		s.writeError(w, http.StatusUnauthorized, "message parsing failed")
		return
	}
	_, data, err := env.Open(&sealed)
	if err != nil {
		waiter <- commandResult{err: err}
		s.writeError(w, http.StatusUnauthorized, "decryption failed")
		return
	}

	waiter <- commandResult{status: status, data: data}
	w.WriteHeader(http.StatusOK)
}

// call queues req as a command, notifies the device and waits for the
// posted result.
func (s *SecureSession) call(ctx context.Context, req request) ([]byte, error) {
	data := ""
	if req.body != nil {
		raw, err := json.Marshal(req.body)
		if err != nil {
			return nil, fmt.Errorf("%w: encoding %s body: %w", interfaces.ErrInvalidArgument, req.resource, err)
		}
		data = string(raw)
	}

	s.mu.Lock()
	if s.closed || s.env == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: secure session not established", interfaces.ErrPrecondition)
	}
	s.nextID++
	cmd := Command{
		CmdID:    s.nextID,
		Method:   req.method,
		Resource: req.resource,
		Data:     data,
		URI:      req.resultURI,
	}
	result := make(chan commandResult, 1)
	s.pending[cmd.CmdID] = result
	s.queue = append(s.queue, cmd)
	s.mu.Unlock()

	timeout := req.timeout
	if timeout == 0 {
		timeout = s.cfg.CommandTimeout
	}
	waitCtx, cancel := s.clk.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.notify(waitCtx); err != nil {
		s.drop(cmd.CmdID)
		return nil, fmt.Errorf("notifying device of command %d: %w", cmd.CmdID, err)
	}

	select {
	case res := <-result:
		if res.err != nil {
			return nil, res.err
		}
		if res.status < 200 || res.status > 299 {
			return nil, &interfaces.StatusError{Source: interfaces.SourceDevice, StatusCode: res.status, Body: string(res.data)}
		}
		if err := checkModuleError(res.data); err != nil {
			return nil, err
		}
		return res.data, nil
	case <-waitCtx.Done():
		s.drop(cmd.CmdID)
		if ctx.Err() != nil {
			return nil, operation.ErrCanceled
		}
		return nil, fmt.Errorf("%w: no result for %s %s after %s", interfaces.ErrTimeout, req.method, req.resource, timeout)
	}
}

func (s *SecureSession) notify(ctx context.Context) error {
	_, err := s.device.call(ctx, request{
		method:   http.MethodPut,
		resource: ResourceLocalReg,
		body: LocalRegWrapper{LocalReg: LocalReg{
			Port:   s.srv.Addr().Port,
			URI:    LocalLANPrefix,
			Notify: 1,
		}},
	})
	return err
}

func (s *SecureSession) drop(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
	for i, c := range s.queue {
		if c.CmdID == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
}

// Close stops the endpoint, fails outstanding commands and drops all key
// material. It is safe to call more than once.
func (s *SecureSession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pending := s.pending
	s.pending = make(map[int]chan commandResult)
	s.queue = nil
	env := s.env
	s.env = nil
	s.mu.Unlock()

	for _, ch := range pending {
		ch <- commandResult{err: operation.ErrCanceled}
	}
	s.established.Fail(operation.ErrCanceled)

	if s.srv.Addr() != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if _, err := s.device.call(ctx, request{method: http.MethodDelete, resource: ResourceLocalReg}); err != nil {
			s.log.Debug("deleting local registration", "err", err)
		}
		cancel()
		s.srv.Shutdown()
	}
	if env != nil {
		env.Wipe()
	}
	s.keys.Destroy()
}

const tokenAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomToken(n int) (string, error) {
	out := make([]byte, n)
	max := big.NewInt(int64(len(tokenAlphabet)))
	for i := range out {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = tokenAlphabet[v.Int64()]
	}
	return string(out), nil
}

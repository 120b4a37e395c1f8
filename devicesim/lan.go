package devicesim

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ruteri/device-provisioning/cryptoutils"
	"github.com/ruteri/device-provisioning/interfaces"
	"github.com/ruteri/device-provisioning/lan"
)

// LANJoin is one wifi_connect.json request received by the device.
type LANJoin struct {
	SSID       string
	Key        string
	SetupToken string
	Location   string
}

// LANDevice serves the device's provisioning resources. With Secure set it
// answers only local_reg.json in the clear and serves everything else as
// commands over a secure session.
type LANDevice struct {
	Log     *slog.Logger
	Network *Network
	Secure  bool

	APIVersion string
	Build      string
	MAC        string

	// HTTPClient calls the phone's secure endpoint.
	HTTPClient *http.Client

	// KeyExchangeVersion overrides the version sent in key_exchange.json.
	KeyExchangeVersion int
	// CorruptKeyExchange sends a secret the phone cannot decrypt.
	CorruptKeyExchange bool

	once   sync.Once
	module chi.Router

	mu          sync.Mutex
	scanMTime   int64
	status      lan.WifiStatus
	joins       []LANJoin
	timeSynced  int64
	apStopped   bool
	secureReady bool
	commands    int

	session *deviceSession
}

func (d *LANDevice) init() {
	d.once.Do(func() {
		if d.Log == nil {
			d.Log = slog.Default()
		}
		if d.Network == nil {
			d.Network = &Network{}
		}
		if d.HTTPClient == nil {
			d.HTTPClient = &http.Client{Timeout: 5 * time.Second}
		}
		if d.KeyExchangeVersion == 0 {
			d.KeyExchangeVersion = lan.KeyExchangeVersion
		}
		d.status = lan.WifiStatus{DSN: d.Network.DSN, MAC: d.MAC, State: interfaces.WifiStateDown}

		m := chi.NewRouter()
		m.Get("/"+lan.ResourceStatus, d.handleStatus)
		m.Put("/"+lan.ResourceTime, d.handleTime)
		m.Post("/"+lan.ResourceScan, d.handleScan)
		m.Get("/"+lan.ResourceScanResults, d.handleScanResults)
		m.Post("/"+lan.ResourceConnect, d.handleConnect)
		m.Get("/"+lan.ResourceWifiStatus, d.handleWifiStatus)
		m.Get("/"+lan.ResourceRegToken, d.handleRegToken)
		m.Put("/"+lan.ResourceStopAP, d.handleStopAP)
		d.module = m
	})
}

// Routes mounts the device's clear HTTP interface on r.
func (d *LANDevice) Routes(r chi.Router) {
	d.init()
	r.Post("/"+lan.ResourceLocalReg, d.handleLocalReg)
	r.Put("/"+lan.ResourceLocalReg, d.handleLocalRegNotify)
	r.Delete("/"+lan.ResourceLocalReg, d.handleLocalRegDelete)
	r.Mount("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if d.Secure {
			http.Error(w, `{"error":"secure session required"}`, http.StatusNotFound)
			return
		}
		d.module.ServeHTTP(w, r)
	}))
}

// Handler returns a router serving Routes.
func (d *LANDevice) Handler() http.Handler {
	r := chi.NewRouter()
	d.Routes(r)
	return r
}

func (d *LANDevice) Joins() []LANJoin {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.joins)
}

// TimeSynced returns the last time.json value received.
func (d *LANDevice) TimeSynced() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timeSynced
}

func (d *LANDevice) APStopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.apStopped
}

// SecureEstablished reports whether a key exchange completed.
func (d *LANDevice) SecureEstablished() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.secureReady
}

// CommandsServed counts commands executed over the secure session.
func (d *LANDevice) CommandsServed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.commands
}

// Close ends any secure session.
func (d *LANDevice) Close() {
	d.mu.Lock()
	s := d.session
	d.session = nil
	d.mu.Unlock()
	if s != nil {
		s.stop()
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (d *LANDevice) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, lan.Status{
		DSN:        d.Network.DSN,
		Model:      d.Network.Model,
		APIVersion: d.APIVersion,
		Build:      d.Build,
		MAC:        d.MAC,
		Features:   d.Network.Features,
		MTime:      time.Now().Unix(),
	})
}

func (d *LANDevice) handleTime(w http.ResponseWriter, r *http.Request) {
	var t lan.TimeUpdate
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		http.Error(w, `{"error":"bad time"}`, http.StatusBadRequest)
		return
	}
	d.mu.Lock()
	d.timeSynced = t.Time
	d.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (d *LANDevice) handleScan(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	d.scanMTime = 0
	d.mu.Unlock()
	go func() {
		time.Sleep(d.Network.stepDelay())
		d.mu.Lock()
		d.scanMTime = time.Now().Unix()
		d.mu.Unlock()
	}()
	w.WriteHeader(http.StatusNoContent)
}

func (d *LANDevice) handleScanResults(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	mtime := d.scanMTime
	d.mu.Unlock()

	res := lan.ScanResults{MTime: mtime}
	if mtime != 0 {
		for _, ap := range d.Network.AccessPoints {
			res.Results = append(res.Results, lan.ScanResult{
				SSID:     ap.SSID,
				Type:     "AP",
				Chan:     ap.Channel,
				Signal:   ap.Signal,
				Bars:     ap.Bars,
				Security: ap.Security.String(),
				BSSID:    ap.BSSID,
			})
		}
	}
	writeJSON(w, lan.ScanResultsWrapper{WifiScan: res})
}

func (d *LANDevice) handleConnect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	join := LANJoin{
		SSID:       q.Get("ssid"),
		Key:        q.Get("key"),
		SetupToken: q.Get("setup_token"),
		Location:   q.Get("location"),
	}
	if join.SSID == "" {
		writeJSON(w, lan.ModuleError{Error: 1, Msg: ptr("missing ssid")})
		return
	}

	d.mu.Lock()
	d.joins = append(d.joins, join)
	d.status.State = interfaces.WifiStateWifiConnecting
	d.status.ConnectedSSID = ""
	d.status.ConnectHistory = append([]lan.HistoryItem{{
		SSIDInfo: lan.SSIDInfo(join.SSID),
		SSIDLen:  len(join.SSID),
		Error:    lan.Code(interfaces.ConnErrInProgress),
		MTime:    time.Now().UnixNano(),
	}}, d.status.ConnectHistory...)
	d.mu.Unlock()

	go d.join(join)
	w.WriteHeader(http.StatusNoContent)
}

func ptr[T any](v T) *T { return &v }

func (d *LANDevice) join(j LANJoin) {
	for _, step := range d.Network.JoinSteps(j.SSID, j.Key) {
		time.Sleep(d.Network.stepDelay())
		d.mu.Lock()
		d.status.State = wifiStateFor(step.State)
		d.status.ConnectHistory[0].Error = lan.Code(step.Error)
		if step.State == interfaces.StateConnected {
			d.status.ConnectedSSID = j.SSID
			d.status.ConnectHistory[0].IPAddr = "10.0.0.42"
		}
		d.mu.Unlock()

		if step.State == interfaces.StateConnected && d.Network.OnJoined != nil {
			d.Network.OnJoined(d.Network.DSN)
		}
	}
}

func (d *LANDevice) handleWifiStatus(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	st := d.status
	st.ConnectHistory = slices.Clone(st.ConnectHistory)
	st.MTime = time.Now().Unix()
	d.mu.Unlock()
	writeJSON(w, lan.WifiStatusWrapper{WifiStatus: st})
}

func (d *LANDevice) handleRegToken(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, lan.RegToken{
		RegToken:         d.Network.RegToken,
		RegistrationType: string(d.Network.RegistrationType),
	})
}

func (d *LANDevice) handleStopAP(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	d.apStopped = true
	d.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

// deviceSession is the device side of a secure session.
type deviceSession struct {
	d        *LANDevice
	phoneURL string

	ctx    context.Context
	cancel context.CancelFunc
	kick   chan struct{}

	env *cryptoutils.Envelope
	seq int
}

func (d *LANDevice) handleLocalReg(w http.ResponseWriter, r *http.Request) {
	var req lan.LocalRegWrapper
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"bad local_reg"}`, http.StatusBadRequest)
		return
	}
	reg := req.LocalReg
	der, err := base64.StdEncoding.DecodeString(reg.Key)
	if err != nil {
		http.Error(w, `{"error":"bad key"}`, http.StatusBadRequest)
		return
	}
	pub, err := cryptoutils.ParsePublicKeyPKCS1(der)
	if err != nil {
		http.Error(w, `{"error":"bad key"}`, http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &deviceSession{
		d:        d,
		phoneURL: fmt.Sprintf("http://%s:%d%s", reg.IP, reg.Port, strings.TrimSuffix(reg.URI, lan.LocalLANPrefix)),
		ctx:      ctx,
		cancel:   cancel,
		kick:     make(chan struct{}, 1),
	}

	d.mu.Lock()
	prev := d.session
	d.session = s
	d.mu.Unlock()
	if prev != nil {
		prev.stop()
	}

	go func() {
		if err := s.keyExchange(pub); err != nil {
			d.Log.Warn("key exchange failed", "err", err)
			return
		}
		d.mu.Lock()
		d.secureReady = true
		d.mu.Unlock()
		s.serve()
	}()
	w.WriteHeader(http.StatusAccepted)
}

func (d *LANDevice) handleLocalRegNotify(w http.ResponseWriter, r *http.Request) {
	var req lan.LocalRegWrapper
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"bad local_reg"}`, http.StatusBadRequest)
		return
	}
	d.mu.Lock()
	s := d.session
	d.mu.Unlock()
	if s == nil {
		http.Error(w, `{"error":"no session"}`, http.StatusNotFound)
		return
	}
	if req.LocalReg.Notify == 1 {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

func (d *LANDevice) handleLocalRegDelete(w http.ResponseWriter, r *http.Request) {
	d.Close()
	w.WriteHeader(http.StatusNoContent)
}

func (s *deviceSession) stop() {
	s.cancel()
	if s.env != nil {
		s.env.Wipe()
	}
}

func (s *deviceSession) keyExchange(pub *rsa.PublicKey) error {
	lanKey := make([]byte, 16)
	if _, err := rand.Read(lanKey); err != nil {
		return err
	}
	random1 := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	time1 := time.Now().UnixNano()

	sec := "!not-base64!"
	if !s.d.CorruptKeyExchange {
		enc, err := cryptoutils.EncryptPKCS1v15(pub, lanKey)
		if err != nil {
			return err
		}
		sec = base64.StdEncoding.EncodeToString(enc)
	}

	body, _ := json.Marshal(lan.KeyExchangeWrapper{KeyExchange: lan.KeyExchange{
		Ver:     s.d.KeyExchangeVersion,
		Random1: random1,
		Time1:   time1,
		Proto:   lan.KeyExchangeProto,
		KeyID:   1,
		Sec:     sec,
	}})
	resp, err := s.post(lan.KeyExchangePath, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("key exchange rejected: %d: %s", resp.StatusCode, msg)
	}

	var kr lan.KeyExchangeResponse
	if err := json.NewDecoder(resp.Body).Decode(&kr); err != nil {
		return err
	}
	keys := cryptoutils.DeriveSessionKeys(lanKey, random1, kr.Random2, time1, kr.Time2)
	env, err := cryptoutils.NewEnvelope(keys, cryptoutils.RoleDevice)
	keys.Wipe()
	if err != nil {
		return err
	}
	s.env = env
	return nil
}

func (s *deviceSession) post(path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, s.phoneURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return s.d.HTTPClient.Do(req)
}

// serve fetches and executes commands each time the phone notifies.
func (s *deviceSession) serve() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.kick:
		}
		for {
			more, err := s.fetchOnce()
			if err != nil {
				s.d.Log.Debug("fetching commands", "err", err)
				break
			}
			if !more {
				break
			}
		}
	}
}

func (s *deviceSession) fetchOnce() (bool, error) {
	req, err := http.NewRequestWithContext(s.ctx, http.MethodGet, s.phoneURL+lan.CommandsPath, nil)
	if err != nil {
		return false, err
	}
	resp, err := s.d.HTTPClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return false, fmt.Errorf("commands.json returned %d", resp.StatusCode)
	}

	var sealed cryptoutils.SealedMessage
	if err := json.NewDecoder(resp.Body).Decode(&sealed); err != nil {
		return false, err
	}
	_, data, err := s.env.Open(&sealed)
	if err != nil {
		return false, err
	}
	var cmds lan.Commands
	if err := json.Unmarshal(data, &cmds); err != nil {
		return false, err
	}
	for _, c := range cmds.Cmds {
		if err := s.execute(c.Cmd); err != nil {
			return false, err
		}
	}
	return resp.StatusCode == http.StatusPartialContent, nil
}

func (s *deviceSession) execute(cmd lan.Command) error {
	var body io.Reader
	if cmd.Data != "" && cmd.Data != "none" {
		body = strings.NewReader(cmd.Data)
	}
	rec := httptest.NewRecorder()
	s.d.module.ServeHTTP(rec, httptest.NewRequest(cmd.Method, "/"+cmd.Resource, body))

	s.d.mu.Lock()
	s.d.commands++
	s.d.mu.Unlock()

	data := bytes.TrimSpace(rec.Body.Bytes())
	if len(data) == 0 || !json.Valid(data) {
		data = []byte("{}")
	}
	msg, err := s.env.Seal(s.seq, json.RawMessage(data))
	if err != nil {
		return err
	}
	s.seq++
	payload, _ := json.Marshal(msg)

	resp, err := s.post(cmd.URI+"?cmd_id="+strconv.Itoa(cmd.CmdID)+"&status="+strconv.Itoa(rec.Code), payload)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("result for command %d rejected: %d", cmd.CmdID, resp.StatusCode)
	}
	return nil
}

package setup

import (
	"sync"
	"time"

	"github.com/ruteri/device-provisioning/interfaces"
	"github.com/ruteri/device-provisioning/operation"
)

// fakeTransport answers every call at once, except the one named by blockAt,
// which waits for gate and then delivers its result late.
type fakeTransport struct {
	mode interfaces.Mode

	candidates  []interfaces.Candidate
	identity    *interfaces.SetupDevice
	identityErr error
	aps         []interfaces.WifiAccessPoint
	status      interfaces.WifiConnectStatus
	statusErr   error
	regInfo     interfaces.RegInfo

	blockAt string
	blocked chan string
	gate    chan struct{}

	mu     sync.Mutex
	calls  map[string]int
	joins  []interfaces.JoinRequest
	closed bool
}

func newFakeTransport(mode interfaces.Mode) *fakeTransport {
	return &fakeTransport{
		mode:    mode,
		blocked: make(chan string, 1),
		gate:    make(chan struct{}),
		calls:   make(map[string]int),
		aps: []interfaces.WifiAccessPoint{
			{SSID: "home", BSSID: "A0B1C2D3E4F5", Security: interfaces.SecurityWPA2, Signal: -50},
			{SSID: "cafe", Security: interfaces.SecurityOpen, Signal: -70},
		},
	}
}

func respond[T any](f *fakeTransport, name string, v T, err error) *operation.Op[T] {
	f.mu.Lock()
	f.calls[name]++
	f.mu.Unlock()

	if f.blockAt != name {
		if err != nil {
			return operation.Failed[T](nil, err)
		}
		return operation.Completed(nil, v)
	}
	op := operation.New[T](nil, nil, nil)
	go func() {
		f.blocked <- name
		<-f.gate
		op.Settle(v, err)
	}()
	return op
}

func (f *fakeTransport) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) Mode() interfaces.Mode { return f.mode }

func (f *fakeTransport) Discover(timeout time.Duration, found func(interfaces.Candidate)) *operation.Op[[]interfaces.Candidate] {
	for _, c := range f.candidates {
		found(c)
	}
	return respond(f, "Discover", f.candidates, nil)
}

func (f *fakeTransport) Connect(c interfaces.Candidate) *operation.Op[*interfaces.SetupDevice] {
	return respond(f, "Connect", &interfaces.SetupDevice{Address: c.Address}, nil)
}

func (f *fakeTransport) FetchIdentity() *operation.Op[*interfaces.SetupDevice] {
	return respond(f, "FetchIdentity", f.identity, f.identityErr)
}

func (f *fakeTransport) StartDeviceScan() *operation.Op[struct{}] {
	return respond(f, "StartDeviceScan", struct{}{}, nil)
}

func (f *fakeTransport) FetchScanResults(timeout, pollInterval time.Duration) *operation.Op[[]interfaces.WifiAccessPoint] {
	return respond(f, "FetchScanResults", f.aps, nil)
}

func (f *fakeTransport) SendJoinCredentials(req interfaces.JoinRequest) *operation.Op[struct{}] {
	f.mu.Lock()
	f.joins = append(f.joins, req)
	f.mu.Unlock()
	return respond(f, "SendJoinCredentials", struct{}{}, nil)
}

func (f *fakeTransport) PollConnectStatus(ssid string, timeout, pollInterval time.Duration) *operation.Op[interfaces.WifiConnectStatus] {
	return respond(f, "PollConnectStatus", f.status, f.statusErr)
}

func (f *fakeTransport) FetchRegInfo() *operation.Op[interfaces.RegInfo] {
	return respond(f, "FetchRegInfo", f.regInfo, nil)
}

func (f *fakeTransport) StopAP() *operation.Op[struct{}] {
	return respond(f, "StopAP", struct{}{}, nil)
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// secureFakeTransport adds the secure bootstrap capability.
type secureFakeTransport struct {
	*fakeTransport
	secureIdentity *interfaces.SetupDevice
	secureErr      error
}

func (f *secureFakeTransport) BootstrapSecure() *operation.Op[*interfaces.SetupDevice] {
	return respond(f.fakeTransport, "BootstrapSecure", f.secureIdentity, f.secureErr)
}

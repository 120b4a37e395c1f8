package interfaces

import (
	"fmt"
	"slices"
	"strings"
)

// JoinError is a terminal join error reported by the device.
type JoinError struct {
	SSID    string
	Code    ConnectError
	Message string
	// Stalled is set when two consecutive polls carried the same history
	// timestamp but different terminal errors.
	Stalled bool
}

func (e *JoinError) Error() string {
	if e.Stalled {
		return fmt.Sprintf("joining %q stalled: connect error changed to %s without a new attempt", e.SSID, e.Code)
	}
	if e.Message != "" {
		return fmt.Sprintf("joining %q failed: %s: %s", e.SSID, e.Code, e.Message)
	}
	return fmt.Sprintf("joining %q failed: %s", e.SSID, e.Code)
}

func (e *JoinError) Unwrap() error {
	return ErrInternal
}

// StatusEvaluator decides, poll by poll, whether a join has finished. It is
// shared by every transport so that push and pull delivery agree.
type StatusEvaluator struct {
	SSID string

	staleGuard     bool
	requireHistory bool

	last      *ConnectHistoryItem
	succeeded bool
	result    WifiConnectStatus
}

type EvaluatorOption func(*StatusEvaluator)

// WithStaleHistoryGuard ignores a terminal error in the first snapshot. A
// device that keeps connect history may still report the previous attempt
// before the new one is recorded.
func WithStaleHistoryGuard() EvaluatorOption {
	return func(e *StatusEvaluator) { e.staleGuard = true }
}

// WithRequireHistory only accepts a connected state once the most recent
// history entry shows no error.
func WithRequireHistory() EvaluatorOption {
	return func(e *StatusEvaluator) { e.requireHistory = true }
}

func NewStatusEvaluator(ssid string, opts ...EvaluatorOption) *StatusEvaluator {
	e := &StatusEvaluator{SSID: ssid}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Done reports whether success has been seen. Once it has, callers must not
// poll again.
func (e *StatusEvaluator) Done() bool {
	return e.succeeded
}

// Result is the status that produced success.
func (e *StatusEvaluator) Result() WifiConnectStatus {
	return e.result
}

// Evaluate consumes one status snapshot. It returns done on success and a
// *JoinError when the device reports a terminal error.
func (e *StatusEvaluator) Evaluate(s WifiConnectStatus) (bool, error) {
	if e.succeeded {
		return true, nil
	}
	if e.SSID != "" && s.SSID != "" && s.SSID != e.SSID && s.State == StateConnected {
		// connected somewhere else, keep waiting for our network
		return false, nil
	}

	latest, ok := s.Latest()
	if s.State == StateConnected && (ok || !e.requireHistory) && (!ok || latest.Error == NoError) {
		e.succeeded = true
		e.result = s
		return true, nil
	}
	if !ok {
		return false, nil
	}

	prev := e.last
	e.last = &latest

	if latest.Error == ConnErrInProgress || latest.Error == NoError {
		return false, nil
	}
	if prev == nil && e.staleGuard {
		return false, nil
	}
	return false, &JoinError{
		SSID:    e.SSID,
		Code:    latest.Error,
		Message: latest.Message,
		Stalled: prev != nil && prev.MTime == latest.MTime && prev.Error != latest.Error && terminal(prev.Error),
	}
}

func terminal(e ConnectError) bool {
	return e != NoError && e != ConnErrInProgress
}

// ScanCollector accumulates scan results, keeping the strongest entry per
// SSID, until the end-of-list sentinel arrives after at least one result.
type ScanCollector struct {
	seen  map[string]int
	aps   []WifiAccessPoint
	ended bool
}

func NewScanCollector() *ScanCollector {
	return &ScanCollector{seen: make(map[string]int)}
}

// Add records ap and reports whether collection is complete.
func (c *ScanCollector) Add(ap WifiAccessPoint) bool {
	if strings.TrimSpace(ap.SSID) == "" {
		return false
	}
	if ap.Bars == 0 && ap.Signal != 0 {
		ap.Bars = SignalBars(ap.Signal)
	}
	if i, ok := c.seen[ap.SSID]; ok {
		if ap.Signal > c.aps[i].Signal {
			c.aps[i] = ap
		}
		return false
	}
	c.seen[ap.SSID] = len(c.aps)
	c.aps = append(c.aps, ap)
	return false
}

// End records the sentinel. A sentinel before any result is ignored so the
// caller keeps collecting.
func (c *ScanCollector) End() bool {
	if len(c.aps) == 0 {
		return false
	}
	c.ended = true
	return true
}

func (c *ScanCollector) Ended() bool {
	return c.ended
}

func (c *ScanCollector) Len() int {
	return len(c.aps)
}

// Results returns the collected access points, strongest first.
func (c *ScanCollector) Results() []WifiAccessPoint {
	out := slices.Clone(c.aps)
	slices.SortStableFunc(out, func(a, b WifiAccessPoint) int {
		return b.Signal - a.Signal
	})
	return out
}

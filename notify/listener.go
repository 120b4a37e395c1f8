// Package notify carries provisioning session events to observers. A session
// calls every Listener on its operation loop, in registration order, so a
// listener must not block.
package notify

import (
	"log/slog"
	"time"
)

// StateChange is one session state transition.
type StateChange struct {
	SessionID string    `json:"session_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	DSN       string    `json:"dsn,omitempty"`
	Secure    bool      `json:"secure"`
	Time      time.Time `json:"time"`
	// Error is set on the transition to Failed.
	Error string `json:"error,omitempty"`
}

// WifiStateChange is a change in the device-reported Wi-Fi state while the
// session waits for the device to join.
type WifiStateChange struct {
	SessionID    string    `json:"session_id"`
	DSN          string    `json:"dsn,omitempty"`
	SSID         string    `json:"ssid,omitempty"`
	WifiState    string    `json:"wifi_state,omitempty"`
	ConnectState string    `json:"connect_state"`
	Time         time.Time `json:"time"`
}

type Listener interface {
	StateChanged(StateChange)
	WifiStateChanged(WifiStateChange)
}

// Listeners fans one event out to several listeners.
type Listeners []Listener

func (ls Listeners) StateChanged(c StateChange) {
	for _, l := range ls {
		l.StateChanged(c)
	}
}

func (ls Listeners) WifiStateChanged(c WifiStateChange) {
	for _, l := range ls {
		l.WifiStateChanged(c)
	}
}

// LogListener writes events to a structured logger.
type LogListener struct {
	Log *slog.Logger
}

func NewLogListener(log *slog.Logger) *LogListener {
	if log == nil {
		log = slog.Default()
	}
	return &LogListener{Log: log}
}

func (l *LogListener) StateChanged(c StateChange) {
	attrs := []any{"session", c.SessionID, "from", c.From, "state", c.To}
	if c.DSN != "" {
		attrs = append(attrs, "dsn", c.DSN)
	}
	if c.Error != "" {
		l.Log.Warn("provisioning state changed", append(attrs, "err", c.Error)...)
		return
	}
	l.Log.Info("provisioning state changed", attrs...)
}

func (l *LogListener) WifiStateChanged(c WifiStateChange) {
	l.Log.Info("device wifi state changed", "session", c.SessionID, "dsn", c.DSN, "ssid", c.SSID, "wifi_state", c.WifiState, "connect_state", c.ConnectState)
}

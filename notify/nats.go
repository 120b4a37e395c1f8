package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

const DefaultSubjectPrefix = "provisioning"

// Publisher is the part of *nats.Conn the notifier uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSNotifier publishes session events as JSON on
// <prefix>.<session>.state and <prefix>.<session>.wifi.
type NATSNotifier struct {
	pub    Publisher
	prefix string
	log    *slog.Logger
	conn   *nats.Conn
}

func NewNATSNotifier(pub Publisher, prefix string, log *slog.Logger) *NATSNotifier {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if log == nil {
		log = slog.Default()
	}
	return &NATSNotifier{pub: pub, prefix: strings.TrimSuffix(prefix, "."), log: log}
}

// DialNATS connects to url and returns a notifier that owns the connection.
func DialNATS(url, prefix string, log *slog.Logger) (*NATSNotifier, error) {
	conn, err := nats.Connect(url,
		nats.Name("device-provisioning"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(3),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	n := NewNATSNotifier(conn, prefix, log)
	n.conn = conn
	return n, nil
}

func (n *NATSNotifier) subject(session, kind string) string {
	return n.prefix + "." + session + "." + kind
}

func (n *NATSNotifier) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		n.log.Error("encoding event", "subject", subject, "err", err)
		return
	}
	if err := n.pub.Publish(subject, data); err != nil {
		n.log.Warn("publishing event", "subject", subject, "err", err)
	}
}

func (n *NATSNotifier) StateChanged(c StateChange) {
	n.publish(n.subject(c.SessionID, "state"), c)
}

func (n *NATSNotifier) WifiStateChanged(c WifiStateChange) {
	n.publish(n.subject(c.SessionID, "wifi"), c)
}

// Close flushes and closes the connection opened by DialNATS.
func (n *NATSNotifier) Close() {
	if n.conn == nil {
		return
	}
	if err := n.conn.Flush(); err != nil {
		n.log.Debug("flushing nats connection", "err", err)
	}
	n.conn.Close()
}

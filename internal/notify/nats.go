package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig configures the NATS notifier.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
	Timeout       time.Duration
	Logger        *slog.Logger
}

// NATSNotifier publishes events on <prefix>.<event type>.<cluster id>.
type NATSNotifier struct {
	conn   *nats.Conn
	prefix string
	owned  bool
}

// NewNATSNotifier dials the server described by cfg.
func NewNATSNotifier(cfg NATSConfig) (*NATSNotifier, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name("mirador-remediate"),
		nats.Timeout(timeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.Any("error", err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	n := NewNATSNotifierFromConn(conn, cfg.SubjectPrefix)
	n.owned = true
	return n, nil
}

// NewNATSNotifierFromConn wraps an existing connection. Close leaves the connection open.
func NewNATSNotifierFromConn(conn *nats.Conn, prefix string) *NATSNotifier {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = "remediate"
	}
	return &NATSNotifier{conn: conn, prefix: prefix}
}

// Subject returns the subject an event is published on.
func (n *NATSNotifier) Subject(event Event) string {
	cluster := event.ClusterID
	if cluster == "" {
		cluster = "_"
	}
	cluster = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(cluster)
	return n.prefix + "." + string(event.Type) + "." + cluster
}

// Notify implements Notifier.
func (n *NATSNotifier) Notify(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := n.conn.Publish(n.Subject(event), data); err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	return nil
}

// Close drains the connection when the notifier dialled it.
func (n *NATSNotifier) Close() error {
	if !n.owned {
		return nil
	}
	return n.conn.Drain()
}

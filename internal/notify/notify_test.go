package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-remediate/internal/models"
	"github.com/miradorstack/mirador-remediate/internal/utils"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func TestNATSNotifierPublishes(t *testing.T) {
	server := startTestNATSServer(t)

	notifier, err := NewNATSNotifier(NATSConfig{URL: server.ClientURL(), SubjectPrefix: "remediate.", Logger: utils.DiscardLogger()})
	require.NoError(t, err)
	defer notifier.Close()

	sub, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer sub.Close()

	msgs := make(chan *nats.Msg, 1)
	subscription, err := sub.ChanSubscribe("remediate.issue.detected.>", msgs)
	require.NoError(t, err)
	defer subscription.Unsubscribe()
	require.NoError(t, sub.Flush())

	event := Event{
		Type:       EventIssueDetected,
		ClusterID:  "prod.eu",
		SubjectID:  "issue-1",
		Severity:   models.SeverityCritical,
		Message:    "node n1 is NotReady",
		OccurredAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, notifier.Notify(context.Background(), event))

	select {
	case msg := <-msgs:
		assert.Equal(t, "remediate.issue.detected.prod_eu", msg.Subject)
		var got Event
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, event, got)
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}
}

func TestNATSNotifierCanceledContext(t *testing.T) {
	server := startTestNATSServer(t)
	conn, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer conn.Close()

	notifier := NewNATSNotifierFromConn(conn, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = notifier.Notify(ctx, Event{Type: EventCommandFailed, ClusterID: "c1"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "remediate.command.failed.c1", notifier.Subject(Event{Type: EventCommandFailed, ClusterID: "c1"}))
}

type failingNotifier struct{}

func (failingNotifier) Notify(context.Context, Event) error { return errors.New("down") }

func TestMultiJoinsErrors(t *testing.T) {
	rec := &Recorder{}
	multi := Multi{rec, failingNotifier{}, nil}

	err := multi.Notify(context.Background(), Event{Type: EventCommandRetry})
	require.Error(t, err)
	assert.Len(t, rec.OfType(EventCommandRetry), 1)
}

func TestSendSwallowsFailures(t *testing.T) {
	Send(context.Background(), failingNotifier{}, utils.DiscardLogger(), Event{Type: EventApprovalRequested})
	Send(context.Background(), nil, nil, Event{Type: EventApprovalRequested})

	rec := &Recorder{}
	Send(context.Background(), rec, nil, Event{Type: EventApprovalRequested})
	events := rec.Events()
	require.Len(t, events, 1)
	assert.False(t, events[0].OccurredAt.IsZero())
}

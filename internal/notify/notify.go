// Package notify fans remediation lifecycle events out to operators and downstream systems.
// Notification is a side effect: callers log a failed delivery and carry on.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/miradorstack/mirador-remediate/internal/models"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventIssueDetected     EventType = "issue.detected"
	EventApprovalRequested EventType = "approval.requested"
	EventCommandRetry      EventType = "command.retry"
	EventCommandFailed     EventType = "command.failed"
	EventCommandCompleted  EventType = "command.completed"
)

// Event is the payload published for every notification.
type Event struct {
	Type       EventType         `json:"type"`
	ClusterID  string            `json:"cluster_id"`
	SubjectID  string            `json:"subject_id"`
	Severity   models.Severity   `json:"severity,omitempty"`
	Message    string            `json:"message"`
	Attributes map[string]string `json:"attributes,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Notifier delivers events.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Send delivers event and logs, rather than returns, a failure.
func Send(ctx context.Context, n Notifier, logger *slog.Logger, event Event) {
	if n == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := n.Notify(ctx, event); err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("notification failed",
			slog.String("event", string(event.Type)),
			slog.String("cluster_id", event.ClusterID),
			slog.String("subject_id", event.SubjectID),
			slog.Any("error", err),
		)
	}
}

// LogNotifier writes events to a structured logger.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier returns a notifier that logs each event at info level.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	n.logger.Info("notification",
		slog.String("event", string(event.Type)),
		slog.String("cluster_id", event.ClusterID),
		slog.String("subject_id", event.SubjectID),
		slog.String("severity", string(event.Severity)),
		slog.String("message", event.Message),
	)
	return nil
}

// Multi delivers to every notifier and joins their errors.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, event Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps events in memory. It backs tests and the no-transport configuration.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Notify implements Notifier.
func (r *Recorder) Notify(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t EventType) []Event {
	out := make([]Event, 0)
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// Package notifications announces discovery server availability changes.
package notifications

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type NotificationType string

const (
	NotificationBackendDown NotificationType = "backend_down"
	NotificationBackendUp   NotificationType = "backend_up"
)

type Notification struct {
	Type       NotificationType `json:"type"`
	Server     string           `json:"server"`
	Message    string           `json:"message"`
	Error      string           `json:"error,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// BackendDown reports a server whose /v1/models poll failed.
func BackendDown(server string, cause error) Notification {
	n := Notification{
		Type:       NotificationBackendDown,
		Server:     server,
		Message:    "discovery server not reachable",
		OccurredAt: time.Now().UTC(),
	}
	if cause != nil {
		n.Error = cause.Error()
	}
	return n
}

func BackendUp(server string) Notification {
	return Notification{
		Type:       NotificationBackendUp,
		Server:     server,
		Message:    "discovery server is reachable again",
		OccurredAt: time.Now().UTC(),
	}
}

func (n Notification) Subject() string {
	if n.Type == NotificationBackendDown {
		return "llmmux: backend down " + n.Server
	}
	return "llmmux: backend up " + n.Server
}

type Notifier interface {
	Send(ctx context.Context, notification Notification) error
}

// LogNotifier writes notifications to the structured log when no topic is configured.
type LogNotifier struct{}

func (LogNotifier) Send(ctx context.Context, n Notification) error {
	attrs := []any{"type", n.Type, "server", n.Server}
	if n.Error != "" {
		attrs = append(attrs, "error", n.Error)
	}
	slog.Warn(n.Message, attrs...)
	return nil
}

// Collector keeps every notification in memory.
type Collector struct {
	mu   sync.Mutex
	sent []Notification
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Send(ctx context.Context, n Notification) error {
	c.mu.Lock()
	c.sent = append(c.sent, n)
	c.mu.Unlock()
	return nil
}

// Sent returns a copy of everything received so far.
func (c *Collector) Sent() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Notification(nil), c.sent...)
}

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"autopilot/pkg/logx"
)

// Transport message types.
const (
	MsgStatus      = "autonomous_status"
	MsgAction      = "autonomous_action"
	MsgInputNeeded = "autonomous_input_needed"
	MsgBroadcast   = "broadcast"
)

// Message is one notification delivered to a session's transport channel.
type Message struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	ProjectID string    `json:"project_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier delivers messages to a named transport channel.
type Notifier interface {
	Publish(ctx context.Context, channel string, msg *Message) error
}

// NopNotifier drops every message.
type NopNotifier struct{}

// Publish implements Notifier.
func (NopNotifier) Publish(context.Context, string, *Message) error { return nil }

// NATSNotifier publishes JSON messages on "<prefix>.<channel>" subjects.
type NATSNotifier struct {
	conn   *nats.Conn
	prefix string
	logger *logx.Logger
}

// DialNATS connects to url and returns a notifier publishing under prefix.
func DialNATS(url, prefix string) (*NATSNotifier, error) {
	logger := logx.NewLogger("nats")
	conn, err := nats.Connect(url,
		nats.Name("autopilot"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("⚠️ NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("🔌 NATS reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return NewNATSNotifier(conn, prefix), nil
}

// NewNATSNotifier wraps an existing connection.
func NewNATSNotifier(conn *nats.Conn, prefix string) *NATSNotifier {
	return &NATSNotifier{conn: conn, prefix: strings.TrimSuffix(prefix, "."), logger: logx.NewLogger("nats")}
}

// Subject returns the subject channel maps to.
func (n *NATSNotifier) Subject(channel string) string {
	if n.prefix == "" {
		return channel
	}
	return n.prefix + "." + channel
}

// Publish implements Notifier.
func (n *NATSNotifier) Publish(_ context.Context, channel string, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", msg.Type, err)
	}
	if err := n.conn.Publish(n.Subject(channel), data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", n.Subject(channel), err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (n *NATSNotifier) Close() error {
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}

const defaultSubscriberBuffer = 64

// LocalNotifier fans messages out to in-process subscribers. A subscriber that falls behind
// loses messages rather than blocking the engine.
type LocalNotifier struct {
	mu     sync.RWMutex
	subs   map[string]map[int]chan *Message
	nextID int
	logger *logx.Logger
}

// NewLocalNotifier creates an empty in-process notifier.
func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{subs: make(map[string]map[int]chan *Message), logger: logx.NewLogger("notifier")}
}

// Subscribe returns a channel receiving every message published to channel, and a function
// that cancels the subscription and closes the returned channel.
func (l *LocalNotifier) Subscribe(channel string) (<-chan *Message, func()) {
	ch := make(chan *Message, defaultSubscriberBuffer)
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	if l.subs[channel] == nil {
		l.subs[channel] = make(map[int]chan *Message)
	}
	l.subs[channel][id] = ch
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs[channel], id)
			if len(l.subs[channel]) == 0 {
				delete(l.subs, channel)
			}
			l.mu.Unlock()
			close(ch)
		})
	}
}

// Publish implements Notifier.
func (l *LocalNotifier) Publish(_ context.Context, channel string, msg *Message) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, ch := range l.subs[channel] {
		select {
		case ch <- msg:
		default:
			l.logger.Warn("⚠️ Subscriber on %s is full, dropping %s message", channel, msg.Type)
		}
	}
	return nil
}

// MultiNotifier publishes to every notifier and returns the first error.
type MultiNotifier []Notifier

// Publish implements Notifier.
func (m MultiNotifier) Publish(ctx context.Context, channel string, msg *Message) error {
	var first error
	for _, n := range m {
		if err := n.Publish(ctx, channel, msg); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Package notify turns registry events into user-facing match notifications.
package notify

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bitalk/bitalk/internal/discovery"
	"github.com/bitalk/bitalk/pkg/proximity"
)

// namespace scopes notification IDs so they are stable per username.
var namespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("bitalk.notify"))

// NotificationID returns the stable notification ID for username.
func NotificationID(username string) uuid.UUID {
	return uuid.NewSHA1(namespace, []byte(username))
}

// Notification describes one posted match.
type Notification struct {
	ID             uuid.UUID
	Username       string
	Title          string
	Body           string
	MatchingTopics []string
	Distance       string
	At             time.Time
}

// Sink delivers notifications to the user.
type Sink interface {
	Notify(n Notification) error
	Cancel(id uuid.UUID) error
}

// LogSink writes notifications to a logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// Notify logs n.
func (s LogSink) Notify(n Notification) error {
	s.logger().Info(n.Title,
		"id", n.ID.String(),
		"body", n.Body,
		"distance", n.Distance,
	)
	return nil
}

// Cancel logs the withdrawal of a notification.
func (s LogSink) Cancel(id uuid.UUID) error {
	s.logger().Info("match notification withdrawn", "id", id.String())
	return nil
}

// Dispatcher posts a notification when a peer is discovered and withdraws it
// when the peer is lost. Updates post nothing. It implements discovery.Handler.
type Dispatcher struct {
	sink    Sink
	logger  *slog.Logger
	enabled atomic.Bool

	mu     sync.Mutex
	active map[string]uuid.UUID
}

var _ discovery.Handler = (*Dispatcher)(nil)

// NewDispatcher creates an enabled Dispatcher.
func NewDispatcher(sink Sink) *Dispatcher {
	return NewDispatcherWithLogger(sink, slog.Default())
}

// NewDispatcherWithLogger creates an enabled Dispatcher with the given logger.
func NewDispatcherWithLogger(sink Sink, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		sink:   sink,
		logger: logger,
		active: make(map[string]uuid.UUID),
	}
	d.enabled.Store(true)
	return d
}

// SetEnabled turns posting on or off. Withdrawals are always delivered.
func (d *Dispatcher) SetEnabled(on bool) {
	d.enabled.Store(on)
}

// Enabled reports whether new matches are posted.
func (d *Dispatcher) Enabled() bool {
	return d.enabled.Load()
}

// Active returns the number of posted notifications not yet withdrawn.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// HandleEvent implements discovery.Handler.
func (d *Dispatcher) HandleEvent(e discovery.Event) {
	switch e.Type {
	case discovery.EventDiscovered:
		d.post(e)
	case discovery.EventLost:
		d.withdraw(e.Peer.Username)
	}
}

// CancelAll withdraws every active notification.
func (d *Dispatcher) CancelAll() {
	d.mu.Lock()
	ids := make([]uuid.UUID, 0, len(d.active))
	for _, id := range d.active {
		ids = append(ids, id)
	}
	d.active = make(map[string]uuid.UUID)
	d.mu.Unlock()

	for _, id := range ids {
		if err := d.sink.Cancel(id); err != nil {
			d.logger.Warn("failed to withdraw notification", "id", id.String(), "error", err)
		}
	}
}

func (d *Dispatcher) post(e discovery.Event) {
	if !d.Enabled() {
		return
	}
	n := Build(e.Peer, e.At)
	if err := d.sink.Notify(n); err != nil {
		d.logger.Warn("failed to post notification", "peer", n.Username, "error", err)
		return
	}

	d.mu.Lock()
	d.active[n.Username] = n.ID
	d.mu.Unlock()
}

func (d *Dispatcher) withdraw(username string) {
	d.mu.Lock()
	id, ok := d.active[username]
	delete(d.active, username)
	d.mu.Unlock()

	if !ok {
		return
	}
	if err := d.sink.Cancel(id); err != nil {
		d.logger.Warn("failed to withdraw notification", "peer", username, "error", err)
	}
}

// Build renders the notification for a matched peer.
func Build(p discovery.PeerEntry, at time.Time) Notification {
	body := p.Username
	if strings.TrimSpace(p.Description) != "" {
		body = fmt.Sprintf("%s: %s", p.Username, p.Description)
	}
	return Notification{
		ID:             NotificationID(p.Username),
		Username:       p.Username,
		Title:          "Found match: " + strings.Join(p.MatchingTopics, ", "),
		Body:           body,
		MatchingTopics: append([]string(nil), p.MatchingTopics...),
		Distance:       proximity.FormatDistance(p.DistanceMeters),
		At:             at,
	}
}

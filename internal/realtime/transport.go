package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/noah-isme/gema-chat/internal/dto"
)

var (
	// ErrTransportUnavailable indicates a join or publish could not reach the channel.
	ErrTransportUnavailable = errors.New("chat transport unavailable")
	// ErrSlowConsumer is reported when a subscriber was evicted for not draining its events.
	ErrSlowConsumer = errors.New("chat subscriber evicted: event buffer full")
	// ErrHubClosed is reported to subscribers still attached when the hub shuts down.
	ErrHubClosed = errors.New("chat hub closed")
	// ErrMembershipRevoked is reported to subscriptions of a user removed from the project.
	ErrMembershipRevoked = errors.New("chat membership revoked")
)

// EventKind classifies events delivered to a subscription.
type EventKind string

const (
	EventStoreChange EventKind = "store_change"
	EventPresence    EventKind = "presence_snapshot"
	EventBroadcast   EventKind = "broadcast"
)

// Event is a single delivery on a project channel. Exactly one of Change,
// Presence or Broadcast is meaningful, depending on Kind.
type Event struct {
	Kind      EventKind
	ProjectID string
	Change    *dto.ChatStoreChange
	Presence  []dto.ChatPresence
	Broadcast *dto.ChatBroadcast
}

// Transport is the publish/subscribe primitive chat sessions attach to.
type Transport interface {
	Join(ctx context.Context, projectID string, identity dto.ChatPresence) (*Subscription, error)
	Leave(sub *Subscription)
	Publish(ctx context.Context, sub *Subscription, kind string, payload json.RawMessage) error
}

// Subscription is one connection's attachment to a project channel.
// Events arrive in publish order on a single channel which is closed when the
// subscription ends; Err then reports why.
type Subscription struct {
	id        string
	projectID string
	identity  dto.ChatPresence
	events    chan Event

	closeOnce sync.Once
	leaveOnce sync.Once
	mu        sync.Mutex
	err       error
}

func newSubscription(projectID string, identity dto.ChatPresence, buffer int) *Subscription {
	return &Subscription{
		id:        identity.ConnectionID,
		projectID: projectID,
		identity:  identity,
		events:    make(chan Event, buffer),
	}
}

// ID returns the connection identifier backing the subscription.
func (s *Subscription) ID() string { return s.id }

// ProjectID returns the channel key.
func (s *Subscription) ProjectID() string { return s.projectID }

// Identity returns the presence entry registered for this subscription.
func (s *Subscription) Identity() dto.ChatPresence { return s.identity }

// Events returns the ordered delivery channel.
func (s *Subscription) Events() <-chan Event { return s.events }

// Err reports why the subscription ended; nil after a regular Leave.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// close must be called with the owning hub's lock held so no delivery races the close.
func (s *Subscription) close(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.events)
	})
}

package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/observability"
)

const (
	defaultSubscriptionBuffer = 64
	defaultPresenceRefresh    = 30 * time.Second
	presenceCleanupTimeout    = 5 * time.Second
	presenceLockStripes       = 64
)

// HubOptions configures a Hub.
type HubOptions struct {
	Presence    PresenceRegistry
	Redis       *redis.Client
	NATS        *nats.Conn
	ChannelBase string
	BufferSize  int
	// PresenceRefresh is how often live connections renew their presence
	// lease. Keep it well below the registry TTL.
	PresenceRefresh time.Duration
	Logger          zerolog.Logger
}

// Hub is the in-process channel transport. Each project id owns a room of
// subscriptions; when a broker is configured events are mirrored to other nodes.
type Hub struct {
	mu     sync.Mutex
	rooms  map[string]map[string]*Subscription
	closed bool

	// presenceLocks serialize, per project, a registry change with the
	// snapshot read and local delivery that follow it, so members never see
	// an older snapshot after a newer one.
	presenceLocks [presenceLockStripes]sync.Mutex

	presence     PresenceRegistry
	refreshEvery time.Duration
	broker       *broker
	buffer       int
	logger       zerolog.Logger
	nodeID       string
	now          func() time.Time
}

var _ Transport = (*Hub)(nil)

// NewHub constructs a channel transport.
func NewHub(opts HubOptions) *Hub {
	presence := opts.Presence
	if presence == nil {
		presence = NewMemoryPresenceRegistry()
	}
	buffer := opts.BufferSize
	if buffer <= 0 {
		buffer = defaultSubscriptionBuffer
	}
	refresh := opts.PresenceRefresh
	if refresh <= 0 {
		refresh = defaultPresenceRefresh
	}
	logger := opts.Logger.With().Str("component", "chat_hub").Logger()

	return &Hub{
		rooms:        make(map[string]map[string]*Subscription),
		presence:     presence,
		refreshEvery: refresh,
		broker:       newBroker(opts.Redis, opts.NATS, opts.ChannelBase, logger),
		buffer:       buffer,
		logger:       logger,
		nodeID:       uuid.NewString(),
		now:          time.Now,
	}
}

// Start renews presence leases and consumes envelopes from other nodes until
// ctx is cancelled.
func (h *Hub) Start(ctx context.Context) {
	go h.refreshLoop(ctx)
	if h.broker != nil {
		h.broker.start(ctx, h.handleEnvelope)
	}
}

// Join attaches identity to the project channel and emits a presence snapshot to every member.
func (h *Hub) Join(ctx context.Context, projectID string, identity dto.ChatPresence) (*Subscription, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, fmt.Errorf("%w: project id required", ErrTransportUnavailable)
	}
	if identity.ConnectionID == "" {
		identity.ConnectionID = uuid.NewString()
	}
	identity.JoinedAt = h.now().UTC()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
	}

	lock := h.presenceLock(projectID)
	lock.Lock()
	if err := h.presence.Add(ctx, projectID, identity); err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("%w: register presence: %w", ErrTransportUnavailable, err)
	}

	sub := newSubscription(projectID, identity, h.buffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = h.presence.Remove(context.Background(), projectID, identity.ConnectionID)
		lock.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrTransportUnavailable, ErrHubClosed)
	}
	room, ok := h.rooms[projectID]
	if !ok {
		room = make(map[string]*Subscription)
		h.rooms[projectID] = room
	}
	room[sub.id] = sub
	h.mu.Unlock()

	observability.ChatSubscriptionsActive().Inc()
	h.logger.Debug().Str("project_id", projectID).Str("user_id", identity.UserID).Str("connection_id", sub.id).Msg("chat subscription joined")

	h.deliverPresence(ctx, projectID)
	lock.Unlock()

	h.mirrorPresence(ctx, projectID)
	return sub, nil
}

// Leave detaches the subscription and emits a new presence snapshot. Safe to call more than once.
func (h *Hub) Leave(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.leaveOnce.Do(func() {
		h.mu.Lock()
		removed := h.detachLocked(sub, nil)
		h.mu.Unlock()

		if removed {
			observability.ChatSubscriptionsActive().Dec()
		}
		h.logger.Debug().Str("project_id", sub.projectID).Str("connection_id", sub.id).Msg("chat subscription left")
		h.releasePresence(sub)
	})
}

// Publish relays an ephemeral event to every other member of the subscription's channel.
func (h *Hub) Publish(ctx context.Context, sub *Subscription, kind string, payload json.RawMessage) error {
	if sub == nil {
		return fmt.Errorf("%w: no subscription", ErrTransportUnavailable)
	}

	h.mu.Lock()
	_, attached := h.rooms[sub.projectID][sub.id]
	h.mu.Unlock()
	if !attached {
		return fmt.Errorf("%w: subscription closed", ErrTransportUnavailable)
	}

	broadcast := dto.ChatBroadcast{
		Kind:    kind,
		From:    sub.identity,
		Payload: payload,
		SentAt:  h.now().UTC(),
	}
	h.deliver(sub.projectID, Event{Kind: EventBroadcast, ProjectID: sub.projectID, Broadcast: &broadcast}, sub.id)

	if err := h.mirror(ctx, envelope{ProjectID: sub.projectID, Kind: EventBroadcast, Broadcast: &broadcast}); err != nil {
		h.logger.Warn().Err(err).Str("project_id", sub.projectID).Msg("failed to mirror chat broadcast")
	}
	return nil
}

// NotifyStoreChange delivers a durable mutation to every subscriber of the project, the author included.
func (h *Hub) NotifyStoreChange(ctx context.Context, change dto.ChatStoreChange) error {
	h.deliver(change.ProjectID, Event{Kind: EventStoreChange, ProjectID: change.ProjectID, Change: &change}, "")
	return h.mirror(ctx, envelope{ProjectID: change.ProjectID, Kind: EventStoreChange, Change: &change})
}

// Members returns the current presence snapshot of a project.
func (h *Hub) Members(ctx context.Context, projectID string) ([]dto.ChatPresence, error) {
	return h.presence.Members(ctx, projectID)
}

// Evict ends every local subscription of userID on the project channel with
// reason and returns how many were closed.
func (h *Hub) Evict(projectID, userID string, reason error) int {
	var evicted []*Subscription

	h.mu.Lock()
	for _, sub := range h.rooms[projectID] {
		if sub.identity.UserID == userID {
			evicted = append(evicted, sub)
		}
	}
	for _, sub := range evicted {
		if h.detachLocked(sub, reason) {
			observability.ChatSubscriptionsActive().Dec()
		}
	}
	h.mu.Unlock()

	for _, sub := range evicted {
		h.releasePresence(sub)
	}
	if len(evicted) > 0 {
		h.logger.Info().Str("project_id", projectID).Str("user_id", userID).Int("connections", len(evicted)).Msg("chat subscriptions evicted")
	}
	return len(evicted)
}

// Close ends every subscription with ErrHubClosed and rejects further joins.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var subs []*Subscription
	for _, room := range h.rooms {
		for _, sub := range room {
			subs = append(subs, sub)
		}
	}
	for _, sub := range subs {
		if h.detachLocked(sub, ErrHubClosed) {
			observability.ChatSubscriptionsActive().Dec()
		}
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), presenceCleanupTimeout)
	defer cancel()
	for _, sub := range subs {
		_ = h.presence.Remove(ctx, sub.projectID, sub.id)
	}
}

func (h *Hub) detachLocked(sub *Subscription, reason error) bool {
	room, ok := h.rooms[sub.projectID]
	if !ok {
		sub.close(reason)
		return false
	}
	_, present := room[sub.id]
	delete(room, sub.id)
	if len(room) == 0 {
		delete(h.rooms, sub.projectID)
	}
	sub.close(reason)
	return present
}

func (h *Hub) releasePresence(sub *Subscription) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceCleanupTimeout)
	defer cancel()

	lock := h.presenceLock(sub.projectID)
	lock.Lock()
	if err := h.presence.Remove(ctx, sub.projectID, sub.id); err != nil {
		h.logger.Warn().Err(err).Str("project_id", sub.projectID).Msg("failed to remove chat presence")
	}
	h.deliverPresence(ctx, sub.projectID)
	lock.Unlock()

	h.mirrorPresence(ctx, sub.projectID)
}

func (h *Hub) mirrorPresence(ctx context.Context, projectID string) {
	if err := h.mirror(ctx, envelope{ProjectID: projectID, Kind: EventPresence}); err != nil {
		h.logger.Warn().Err(err).Str("project_id", projectID).Msg("failed to mirror chat presence")
	}
}

func (h *Hub) presenceLock(projectID string) *sync.Mutex {
	hash := fnv.New32a()
	_, _ = hash.Write([]byte(projectID))
	return &h.presenceLocks[hash.Sum32()%presenceLockStripes]
}

func (h *Hub) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(h.refreshEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.refreshPresence(ctx)
		}
	}
}

// refreshPresence renews the lease of every connection attached to this node.
func (h *Hub) refreshPresence(ctx context.Context) {
	h.mu.Lock()
	projects := make([]string, 0, len(h.rooms))
	for projectID := range h.rooms {
		projects = append(projects, projectID)
	}
	h.mu.Unlock()

	for _, projectID := range projects {
		lock := h.presenceLock(projectID)
		lock.Lock()
		// Read under the lock so a connection that just left is not renewed.
		err := h.presence.Refresh(ctx, projectID, h.localMembers(projectID))
		lock.Unlock()
		if err != nil {
			h.logger.Warn().Err(err).Str("project_id", projectID).Msg("failed to refresh chat presence")
		}
	}
}

// deliverPresence reads the authoritative snapshot and hands it to local
// members. Callers hold the project's presence lock.
func (h *Hub) deliverPresence(ctx context.Context, projectID string) {
	snapshot, err := h.presence.Members(ctx, projectID)
	if err != nil {
		h.logger.Warn().Err(err).Str("project_id", projectID).Msg("presence snapshot unavailable, using local members")
		snapshot = h.localMembers(projectID)
	}
	h.deliver(projectID, Event{Kind: EventPresence, ProjectID: projectID, Presence: snapshot}, "")
}

func (h *Hub) localMembers(projectID string) []dto.ChatPresence {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]dto.ChatPresence, 0, len(h.rooms[projectID]))
	for _, sub := range h.rooms[projectID] {
		out = append(out, sub.identity)
	}
	sortPresence(out)
	return out
}

// deliver hands event to every local subscriber of projectID except the
// connection named by exclude. Subscribers with a full buffer are evicted.
func (h *Hub) deliver(projectID string, event Event, exclude string) {
	var evicted []*Subscription

	h.mu.Lock()
	for id, sub := range h.rooms[projectID] {
		if id == exclude {
			continue
		}
		if event.Kind == EventPresence {
			event.Presence = clonePresence(event.Presence)
		}
		select {
		case sub.events <- event:
			observability.ChatEventsDelivered().WithLabelValues(string(event.Kind)).Inc()
		default:
			h.logger.Warn().Str("project_id", projectID).Str("connection_id", id).Msg("evicting slow chat subscriber")
			if h.detachLocked(sub, ErrSlowConsumer) {
				observability.ChatSubscriptionsActive().Dec()
			}
			observability.ChatSubscribersDropped().Inc()
			evicted = append(evicted, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range evicted {
		go h.releasePresence(sub)
	}
}

func (h *Hub) mirror(ctx context.Context, env envelope) error {
	if h.broker == nil {
		return nil
	}
	env.ID = uuid.NewString()
	env.Source = h.nodeID
	env.SentAt = h.now().UTC()
	return h.broker.publish(ctx, env)
}

func (h *Hub) handleEnvelope(env envelope) {
	if env.Source == h.nodeID {
		return
	}

	switch env.Kind {
	case EventStoreChange:
		if env.Change != nil {
			h.deliver(env.ProjectID, Event{Kind: EventStoreChange, ProjectID: env.ProjectID, Change: env.Change}, "")
		}
	case EventBroadcast:
		if env.Broadcast != nil {
			h.deliver(env.ProjectID, Event{Kind: EventBroadcast, ProjectID: env.ProjectID, Broadcast: env.Broadcast}, env.Broadcast.From.ConnectionID)
		}
	case EventPresence:
		ctx, cancel := context.WithTimeout(context.Background(), presenceCleanupTimeout)
		lock := h.presenceLock(env.ProjectID)
		lock.Lock()
		h.deliverPresence(ctx, env.ProjectID)
		lock.Unlock()
		cancel()
	default:
		h.logger.Debug().Str("kind", string(env.Kind)).Msg("ignoring unknown chat envelope")
	}
}

func clonePresence(in []dto.ChatPresence) []dto.ChatPresence {
	out := make([]dto.ChatPresence, len(in))
	copy(out, in)
	return out
}

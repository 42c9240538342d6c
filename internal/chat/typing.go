package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/dto"
)

const (
	DefaultTypingIdle = 2 * time.Second
	DefaultTypingTTL  = 3 * time.Second

	typingPublishTimeout = time.Second
)

// TypingPublisher sends a typing payload to the other members of the channel.
type TypingPublisher func(ctx context.Context, payload dto.ChatTypingPayload) error

// TypingCoordinator turns keystroke signals into at most one "typing" and one
// "stopped" broadcast per burst. A burst ends on SetTyping(false) or after
// idle without a keystroke. Broadcasts leave in order from a background
// flush, so a slow channel never blocks the caller.
type TypingCoordinator struct {
	mu         sync.Mutex
	publish    TypingPublisher
	identity   dto.ChatTypingPayload
	idle       time.Duration
	typing     bool
	timer      *time.Timer
	generation uint64
	outbox     []dto.ChatTypingPayload
	flushing   bool
	logger     zerolog.Logger
}

// NewTypingCoordinator creates a coordinator publishing as identity.
func NewTypingCoordinator(identity dto.ChatTypingPayload, idle time.Duration, publish TypingPublisher, logger zerolog.Logger) *TypingCoordinator {
	if idle <= 0 {
		idle = DefaultTypingIdle
	}
	return &TypingCoordinator{
		publish:  publish,
		identity: identity,
		idle:     idle,
		logger:   logger,
	}
}

// SetTyping records a keystroke (true) or an explicit stop (false).
func (t *TypingCoordinator) SetTyping(isTyping bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !isTyping {
		t.stopLocked()
		return
	}

	t.generation++
	generation := t.generation
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.idle, func() { t.expire(generation) })

	if t.typing {
		return
	}
	t.typing = true
	t.send(t.identity)
}

// Typing reports whether the last published state is "typing".
func (t *TypingCoordinator) Typing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typing
}

// Stop clears any typing state and disarms the idle timer.
func (t *TypingCoordinator) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

func (t *TypingCoordinator) expire(generation uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if generation != t.generation {
		return
	}
	t.stopLocked()
}

func (t *TypingCoordinator) stopLocked() {
	t.generation++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if !t.typing {
		return
	}
	t.typing = false
	t.send(dto.ChatTypingPayload{})
}

// send queues payload and starts a flush unless one is running. Callers hold t.mu.
func (t *TypingCoordinator) send(payload dto.ChatTypingPayload) {
	t.outbox = append(t.outbox, payload)
	if t.flushing {
		return
	}
	t.flushing = true
	go t.flush()
}

func (t *TypingCoordinator) flush() {
	for {
		t.mu.Lock()
		if len(t.outbox) == 0 {
			t.flushing = false
			t.mu.Unlock()
			return
		}
		payload := t.outbox[0]
		t.outbox = t.outbox[1:]
		t.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), typingPublishTimeout)
		if err := t.publish(ctx, payload); err != nil {
			t.logger.Debug().Err(err).Bool("typing", !payload.IsEmpty()).Msg("typing broadcast dropped")
		}
		cancel()
	}
}

// TypingUser is a remote member seen typing.
type TypingUser struct {
	UserID     string    `json:"user_id"`
	UserName   string    `json:"user_name"`
	ReceivedAt time.Time `json:"received_at"`
}

// TypingSet is the receiver side: entries are stamped on arrival and expire
// after ttl even when the matching "stopped" broadcast never arrives.
type TypingSet struct {
	ttl     time.Duration
	entries map[string]TypingUser
}

func NewTypingSet(ttl time.Duration) *TypingSet {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &TypingSet{ttl: ttl, entries: make(map[string]TypingUser)}
}

// Apply records payload from sender. An empty payload removes the sender.
func (s *TypingSet) Apply(from dto.ChatPresence, payload dto.ChatTypingPayload, now time.Time) {
	userID := from.UserID
	if userID == "" {
		userID = payload.UserID
	}
	if userID == "" {
		return
	}
	if payload.IsEmpty() {
		delete(s.entries, userID)
		return
	}

	name := payload.UserName
	if name == "" {
		name = from.UserName
	}
	s.entries[userID] = TypingUser{UserID: userID, UserName: name, ReceivedAt: now}
}

func (s *TypingSet) Remove(userID string) {
	delete(s.entries, userID)
}

// Active prunes expired entries and returns the rest ordered by name.
func (s *TypingSet) Active(now time.Time) []TypingUser {
	out := make([]TypingUser, 0, len(s.entries))
	for userID, entry := range s.entries {
		if now.Sub(entry.ReceivedAt) > s.ttl {
			delete(s.entries, userID)
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserName != out[j].UserName {
			return out[i].UserName < out[j].UserName
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// Retain drops entries whose user is not in keep.
func (s *TypingSet) Retain(keep func(userID string) bool) {
	for userID := range s.entries {
		if !keep(userID) {
			delete(s.entries, userID)
		}
	}
}

func (s *TypingSet) Clear() {
	clear(s.entries)
}

// TTL is the liveness window of an entry.
func (s *TypingSet) TTL() time.Duration {
	return s.ttl
}

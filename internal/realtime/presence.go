package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/gema-chat/internal/dto"
)

const defaultPresenceTTL = 2 * time.Minute

// PresenceRegistry stores the connections attached to each project channel.
type PresenceRegistry interface {
	Add(ctx context.Context, projectID string, member dto.ChatPresence) error
	Remove(ctx context.Context, projectID, connectionID string) error
	Members(ctx context.Context, projectID string) ([]dto.ChatPresence, error)
	// Refresh extends the lease of connections that are still attached.
	Refresh(ctx context.Context, projectID string, members []dto.ChatPresence) error
}

type memoryPresence struct {
	mu       sync.RWMutex
	projects map[string]map[string]dto.ChatPresence
}

// NewMemoryPresenceRegistry keeps presence in process. Suitable for single-node deployments.
func NewMemoryPresenceRegistry() PresenceRegistry {
	return &memoryPresence{projects: make(map[string]map[string]dto.ChatPresence)}
}

func (p *memoryPresence) Add(_ context.Context, projectID string, member dto.ChatPresence) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	members, ok := p.projects[projectID]
	if !ok {
		members = make(map[string]dto.ChatPresence)
		p.projects[projectID] = members
	}
	members[member.ConnectionID] = member
	return nil
}

func (p *memoryPresence) Remove(_ context.Context, projectID, connectionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if members, ok := p.projects[projectID]; ok {
		delete(members, connectionID)
		if len(members) == 0 {
			delete(p.projects, projectID)
		}
	}
	return nil
}

func (p *memoryPresence) Refresh(context.Context, string, []dto.ChatPresence) error {
	return nil
}

func (p *memoryPresence) Members(_ context.Context, projectID string) ([]dto.ChatPresence, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]dto.ChatPresence, 0, len(p.projects[projectID]))
	for _, member := range p.projects[projectID] {
		out = append(out, member)
	}
	sortPresence(out)
	return out, nil
}

type redisPresence struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// presenceLease is the hash value of one connection. Entries past ExpiresAt
// belong to a node that stopped refreshing and are ignored.
type presenceLease struct {
	Member    dto.ChatPresence `json:"member"`
	ExpiresAt time.Time        `json:"expires_at"`
}

// NewRedisPresenceRegistry stores presence in one Redis hash per project so
// every node sees the same snapshot. Each connection holds a lease of ttl that
// the owning hub keeps refreshing; the hash itself expires once no node does.
func NewRedisPresenceRegistry(client *redis.Client, channelBase string, ttl time.Duration) PresenceRegistry {
	if ttl <= 0 {
		ttl = defaultPresenceTTL
	}
	prefix := "chat:presence"
	if channelBase != "" {
		prefix = channelBase + ":chat:presence"
	}
	return &redisPresence{client: client, prefix: prefix, ttl: ttl, now: time.Now}
}

func (p *redisPresence) key(projectID string) string {
	return fmt.Sprintf("%s:%s", p.prefix, projectID)
}

func (p *redisPresence) Add(ctx context.Context, projectID string, member dto.ChatPresence) error {
	return p.write(ctx, projectID, []dto.ChatPresence{member})
}

func (p *redisPresence) Refresh(ctx context.Context, projectID string, members []dto.ChatPresence) error {
	if len(members) == 0 {
		return nil
	}
	return p.write(ctx, projectID, members)
}

func (p *redisPresence) write(ctx context.Context, projectID string, members []dto.ChatPresence) error {
	expiresAt := p.now().UTC().Add(p.ttl)
	values := make([]interface{}, 0, len(members)*2)
	for _, member := range members {
		payload, err := json.Marshal(presenceLease{Member: member, ExpiresAt: expiresAt})
		if err != nil {
			return err
		}
		values = append(values, member.ConnectionID, payload)
	}

	key := p.key(projectID)
	pipe := p.client.TxPipeline()
	pipe.HSet(ctx, key, values...)
	pipe.Expire(ctx, key, p.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (p *redisPresence) Remove(ctx context.Context, projectID, connectionID string) error {
	return p.client.HDel(ctx, p.key(projectID), connectionID).Err()
}

func (p *redisPresence) Members(ctx context.Context, projectID string) ([]dto.ChatPresence, error) {
	key := p.key(projectID)
	values, err := p.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}

	now := p.now()
	out := make([]dto.ChatPresence, 0, len(values))
	var stale []string
	for field, raw := range values {
		var lease presenceLease
		if err := json.Unmarshal([]byte(raw), &lease); err != nil || now.After(lease.ExpiresAt) {
			stale = append(stale, field)
			continue
		}
		out = append(out, lease.Member)
	}
	if len(stale) > 0 {
		_ = p.client.HDel(ctx, key, stale...).Err()
	}
	sortPresence(out)
	return out, nil
}

func sortPresence(members []dto.ChatPresence) {
	sort.Slice(members, func(i, j int) bool {
		if !members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].JoinedAt.Before(members[j].JoinedAt)
		}
		return members[i].ConnectionID < members[j].ConnectionID
	})
}

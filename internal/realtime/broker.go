package realtime

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/dto"
)

const (
	seenEnvelopeCapacity = 4096
	redisRetryDelay      = time.Second
)

// envelope carries a channel event between nodes.
type envelope struct {
	ID        string               `json:"id"`
	Source    string               `json:"source"`
	ProjectID string               `json:"project_id"`
	Kind      EventKind            `json:"kind"`
	Change    *dto.ChatStoreChange `json:"change,omitempty"`
	Broadcast *dto.ChatBroadcast   `json:"broadcast,omitempty"`
	SentAt    time.Time            `json:"sent_at"`
}

// broker fans envelopes out to other nodes over Redis pub/sub and/or NATS.
// When both are configured every envelope arrives twice; seen drops the copy.
type broker struct {
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	seen         *lru.Cache[string, struct{}]
	logger       zerolog.Logger
}

func newBroker(redisClient *redis.Client, natsConn *nats.Conn, channelBase string, logger zerolog.Logger) *broker {
	if channelBase == "" || (redisClient == nil && natsConn == nil) {
		return nil
	}

	seen, err := lru.New[string, struct{}](seenEnvelopeCapacity)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to allocate envelope cache")
		return nil
	}

	return &broker{
		redis:        redisClient,
		redisChannel: channelBase + ":chat:events",
		nats:         natsConn,
		natsSubject:  strings.ReplaceAll(channelBase, ":", ".") + ".chat.events",
		seen:         seen,
		logger:       logger,
	}
}

func (b *broker) publish(ctx context.Context, env envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}

	// Own envelopes never need redelivery here.
	b.seen.Add(env.ID, struct{}{})

	var errs []error
	if b.redis != nil {
		if err := b.redis.Publish(ctx, b.redisChannel, payload).Err(); err != nil {
			errs = append(errs, err)
		}
	}
	if b.nats != nil {
		if err := b.nats.Publish(b.natsSubject, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *broker) start(ctx context.Context, handle func(envelope)) {
	if b.redis != nil {
		go b.consumeRedis(ctx, handle)
	}
	if b.nats != nil {
		b.consumeNATS(ctx, handle)
	}
}

func (b *broker) consumeRedis(ctx context.Context, handle func(envelope)) {
	pubsub := b.redis.Subscribe(ctx, b.redisChannel)
	defer func() {
		_ = pubsub.Close()
	}()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) || ctx.Err() != nil {
				return
			}
			b.logger.Warn().Err(err).Msg("chat redis subscription error")
			select {
			case <-ctx.Done():
				return
			case <-time.After(redisRetryDelay):
			}
			continue
		}
		b.dispatch([]byte(msg.Payload), handle)
	}
}

func (b *broker) consumeNATS(ctx context.Context, handle func(envelope)) {
	sub, err := b.nats.Subscribe(b.natsSubject, func(msg *nats.Msg) {
		b.dispatch(msg.Data, handle)
	})
	if err != nil {
		b.logger.Error().Err(err).Msg("failed to subscribe to nats chat subject")
		return
	}
	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			b.logger.Warn().Err(err).Msg("failed to drain chat nats subscription")
		}
	}()
}

func (b *broker) dispatch(data []byte, handle func(envelope)) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.logger.Warn().Err(err).Msg("invalid chat envelope")
		return
	}
	if env.ID == "" {
		return
	}
	if seen, _ := b.seen.ContainsOrAdd(env.ID, struct{}{}); seen {
		return
	}
	handle(env)
}

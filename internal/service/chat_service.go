package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/models"
	"github.com/noah-isme/gema-chat/internal/observability"
	"github.com/noah-isme/gema-chat/internal/repository"
)

const chatRedisTTL = 30 * time.Minute

var (
	// ErrChatUnauthorized indicates the user has no access to the project's chat.
	ErrChatUnauthorized = errors.New("chat access denied")
	// ErrChatValidation indicates an empty or oversized message.
	ErrChatValidation = errors.New("chat message validation failed")
	// ErrChatForbidden indicates an edit or delete of another user's message.
	ErrChatForbidden = errors.New("chat message belongs to another user")
	// ErrChatMessageNotFound indicates the message no longer exists.
	ErrChatMessageNotFound = errors.New("chat message not found")
	// ErrChatStoreUnavailable wraps persistence failures. Callers decide whether to resubmit.
	ErrChatStoreUnavailable = errors.New("chat store unavailable")
)

// ChangeNotifier receives every successful durable mutation.
type ChangeNotifier interface {
	NotifyStoreChange(ctx context.Context, change dto.ChatStoreChange) error
}

// MembershipChecker answers whether a user may take part in a project's chat.
type MembershipChecker interface {
	IsMember(ctx context.Context, projectID, userID string) (bool, error)
}

// ChatMessageService is the durable message log of every project chat.
type ChatMessageService interface {
	Append(ctx context.Context, req dto.ChatAppendRequest) (dto.ChatMessageResponse, error)
	List(ctx context.Context, query dto.ChatHistoryQuery) ([]dto.ChatMessageResponse, error)
	Edit(ctx context.Context, messageID uint, content, requesterID string) (dto.ChatMessageResponse, error)
	Delete(ctx context.Context, messageID uint, requesterID string) error
	Latest(ctx context.Context, projectID string) (*dto.ChatMessageResponse, error)
}

// ChatServiceOptions carries the optional collaborators of the message service.
type ChatServiceOptions struct {
	Notifier    ChangeNotifier
	Membership  MembershipChecker
	Redis       *redis.Client
	ChannelBase string
}

type chatService struct {
	repo       repository.ChatRepository
	notifier   ChangeNotifier
	membership MembershipChecker
	redis      *redis.Client
	redisCache string
	validator  *validator.Validate
	logger     zerolog.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// NewChatService creates the message store service.
func NewChatService(repo repository.ChatRepository, opts ChatServiceOptions, validate *validator.Validate, logger zerolog.Logger) ChatMessageService {
	cachePrefix := ""
	if opts.Redis != nil {
		cachePrefix = "chat:last"
		if opts.ChannelBase != "" {
			cachePrefix = opts.ChannelBase + ":chat:last"
		}
	}

	return &chatService{
		repo:       repo,
		notifier:   opts.Notifier,
		membership: opts.Membership,
		redis:      opts.Redis,
		redisCache: cachePrefix,
		validator:  validate,
		logger:     logger.With().Str("component", "chat_service").Logger(),
		tracer:     otel.Tracer("github.com/noah-isme/gema-chat/internal/service/chat"),
		now:        time.Now,
	}
}

func (s *chatService) Append(ctx context.Context, req dto.ChatAppendRequest) (dto.ChatMessageResponse, error) {
	req.ProjectID = strings.TrimSpace(req.ProjectID)
	req.SenderID = strings.TrimSpace(req.SenderID)
	req.Content = s.clean(req.Content)
	if req.AttachmentID != nil {
		trimmed := strings.TrimSpace(*req.AttachmentID)
		if trimmed == "" {
			req.AttachmentID = nil
		} else {
			req.AttachmentID = &trimmed
		}
	}

	if err := s.validator.Struct(req); err != nil {
		observability.ChatMessageOps().WithLabelValues("append", "invalid").Inc()
		return dto.ChatMessageResponse{}, fmt.Errorf("%w: %w", ErrChatValidation, err)
	}

	attrs := []attribute.KeyValue{
		attribute.String("chat.project_id", req.ProjectID),
		attribute.String("chat.sender_id", req.SenderID),
		attribute.Bool("chat.has_attachment", req.AttachmentID != nil),
	}
	spanCtx, span := s.tracer.Start(ctx, "chat.append", trace.WithAttributes(attrs...))
	defer span.End()

	if err := s.authorise(spanCtx, req.ProjectID, req.SenderID); err != nil {
		span.RecordError(err)
		observability.ChatMessageOps().WithLabelValues("append", "unauthorized").Inc()
		return dto.ChatMessageResponse{}, err
	}

	now := s.timestamp()
	model := models.ChatMessage{
		ProjectID:    req.ProjectID,
		SenderID:     req.SenderID,
		Content:      req.Content,
		AttachmentID: req.AttachmentID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.repo.Create(spanCtx, &model); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist message")
		observability.ChatMessageOps().WithLabelValues("append", "error").Inc()
		return dto.ChatMessageResponse{}, fmt.Errorf("%w: %w", ErrChatStoreUnavailable, err)
	}

	response := dto.NewChatMessageResponse(model)
	s.cacheLastMessage(spanCtx, response)
	s.notify(spanCtx, dto.ChatStoreChange{
		Op:         dto.ChatChangeInsert,
		ProjectID:  response.ProjectID,
		MessageID:  response.ID,
		Message:    &response,
		ClientRef:  req.ClientRef,
		OccurredAt: now,
	})

	observability.ChatMessageOps().WithLabelValues("append", "ok").Inc()
	s.logger.Debug().Uint("message_id", response.ID).Str("project_id", response.ProjectID).Msg("chat message appended")

	return response, nil
}

func (s *chatService) List(ctx context.Context, query dto.ChatHistoryQuery) ([]dto.ChatMessageResponse, error) {
	query.ProjectID = strings.TrimSpace(query.ProjectID)
	if err := s.validator.Struct(query); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrChatValidation, err)
	}

	cursor := repository.ChatCursor{BeforeID: query.BeforeID}
	if query.Before != nil {
		cursor.Before = query.Before.UTC()
	}

	messages, err := s.repo.ListByProject(ctx, query.ProjectID, cursor, repository.NormalizeChatLimit(query.Limit))
	if err != nil {
		observability.ChatMessageOps().WithLabelValues("list", "error").Inc()
		return nil, fmt.Errorf("%w: %w", ErrChatStoreUnavailable, err)
	}

	// The repository pages newest-first; consumers read oldest-first.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	observability.ChatMessageOps().WithLabelValues("list", "ok").Inc()
	return dto.NewChatMessageResponseSlice(messages), nil
}

func (s *chatService) Edit(ctx context.Context, messageID uint, content, requesterID string) (dto.ChatMessageResponse, error) {
	spanCtx, span := s.tracer.Start(ctx, "chat.edit", trace.WithAttributes(
		attribute.Int64("chat.message_id", int64(messageID)),
		attribute.String("chat.requester_id", requesterID),
	))
	defer span.End()

	existing, err := s.repo.FindByID(spanCtx, messageID)
	if err != nil {
		observability.ChatMessageOps().WithLabelValues("edit", "error").Inc()
		return dto.ChatMessageResponse{}, mapStoreError(err)
	}

	if existing.SenderID != strings.TrimSpace(requesterID) {
		observability.ChatMessageOps().WithLabelValues("edit", "forbidden").Inc()
		return dto.ChatMessageResponse{}, ErrChatForbidden
	}

	clean := s.clean(content)
	if clean == "" && existing.AttachmentID == nil {
		observability.ChatMessageOps().WithLabelValues("edit", "invalid").Inc()
		return dto.ChatMessageResponse{}, fmt.Errorf("%w: content required without attachment", ErrChatValidation)
	}
	if err := s.validator.Var(clean, "max=2000"); err != nil {
		observability.ChatMessageOps().WithLabelValues("edit", "invalid").Inc()
		return dto.ChatMessageResponse{}, fmt.Errorf("%w: %w", ErrChatValidation, err)
	}

	updatedAt := s.timestamp()
	if !updatedAt.After(existing.CreatedAt) {
		updatedAt = existing.CreatedAt.Add(time.Microsecond)
	}

	updated, err := s.repo.UpdateContent(spanCtx, messageID, clean, updatedAt)
	if err != nil {
		span.RecordError(err)
		observability.ChatMessageOps().WithLabelValues("edit", "error").Inc()
		return dto.ChatMessageResponse{}, mapStoreError(err)
	}

	response := dto.NewChatMessageResponse(updated)
	s.invalidateLastMessage(spanCtx, response.ProjectID)
	s.notify(spanCtx, dto.ChatStoreChange{
		Op:         dto.ChatChangeUpdate,
		ProjectID:  response.ProjectID,
		MessageID:  response.ID,
		Message:    &response,
		OccurredAt: updatedAt,
	})

	observability.ChatMessageOps().WithLabelValues("edit", "ok").Inc()
	return response, nil
}

func (s *chatService) Delete(ctx context.Context, messageID uint, requesterID string) error {
	spanCtx, span := s.tracer.Start(ctx, "chat.delete", trace.WithAttributes(
		attribute.Int64("chat.message_id", int64(messageID)),
		attribute.String("chat.requester_id", requesterID),
	))
	defer span.End()

	existing, err := s.repo.FindByID(spanCtx, messageID)
	if err != nil {
		observability.ChatMessageOps().WithLabelValues("delete", "error").Inc()
		return mapStoreError(err)
	}

	if existing.SenderID != strings.TrimSpace(requesterID) {
		observability.ChatMessageOps().WithLabelValues("delete", "forbidden").Inc()
		return ErrChatForbidden
	}

	if err := s.repo.Delete(spanCtx, messageID); err != nil {
		span.RecordError(err)
		observability.ChatMessageOps().WithLabelValues("delete", "error").Inc()
		return mapStoreError(err)
	}

	s.invalidateLastMessage(spanCtx, existing.ProjectID)
	s.notify(spanCtx, dto.ChatStoreChange{
		Op:         dto.ChatChangeDelete,
		ProjectID:  existing.ProjectID,
		MessageID:  messageID,
		OccurredAt: s.timestamp(),
	})

	observability.ChatMessageOps().WithLabelValues("delete", "ok").Inc()
	return nil
}

// Latest returns the newest message of a project, or nil when the log is empty.
func (s *chatService) Latest(ctx context.Context, projectID string) (*dto.ChatMessageResponse, error) {
	if cached := s.fetchLastMessage(ctx, projectID); cached != nil {
		return cached, nil
	}

	message, err := s.repo.LatestByProject(ctx, projectID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrChatStoreUnavailable, err)
	}

	response := dto.NewChatMessageResponse(message)
	s.cacheLastMessage(ctx, response)
	return &response, nil
}

func (s *chatService) authorise(ctx context.Context, projectID, userID string) error {
	if s.membership == nil {
		return nil
	}
	allowed, err := s.membership.IsMember(ctx, projectID, userID)
	if err != nil {
		return fmt.Errorf("%w: membership check: %w", ErrChatStoreUnavailable, err)
	}
	if !allowed {
		return ErrChatUnauthorized
	}
	return nil
}

func (s *chatService) notify(ctx context.Context, change dto.ChatStoreChange) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyStoreChange(ctx, change); err != nil {
		s.logger.Warn().Err(err).Str("op", change.Op).Uint("message_id", change.MessageID).Msg("failed to publish chat store change")
	}
}

// clean trims content and drops control characters other than line breaks
// and tabs. Content is stored as plain text; escaping belongs to the renderer.
func (s *chatService) clean(content string) string {
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || !unicode.IsControl(r) {
			return r
		}
		return -1
	}, content))
}

// timestamp is the authoritative ordering key, truncated to the precision every supported database keeps.
func (s *chatService) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func (s *chatService) cacheKey(projectID string) string {
	return fmt.Sprintf("%s:%s", s.redisCache, projectID)
}

func (s *chatService) cacheLastMessage(ctx context.Context, message dto.ChatMessageResponse) {
	if s.redis == nil || s.redisCache == "" {
		return
	}

	payload, err := json.Marshal(message)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to marshal chat message for cache")
		return
	}

	if err := s.redis.Set(ctx, s.cacheKey(message.ProjectID), payload, chatRedisTTL).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to cache chat message")
	}
}

func (s *chatService) invalidateLastMessage(ctx context.Context, projectID string) {
	if s.redis == nil || s.redisCache == "" {
		return
	}
	if err := s.redis.Del(ctx, s.cacheKey(projectID)).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to invalidate cached chat message")
	}
}

func (s *chatService) fetchLastMessage(ctx context.Context, projectID string) *dto.ChatMessageResponse {
	if s.redis == nil || s.redisCache == "" {
		return nil
	}

	result, err := s.redis.Get(ctx, s.cacheKey(projectID)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn().Err(err).Msg("failed to read cached chat message")
		}
		return nil
	}

	var message dto.ChatMessageResponse
	if err := json.Unmarshal([]byte(result), &message); err != nil {
		s.logger.Warn().Err(err).Msg("failed to unmarshal cached chat message")
		return nil
	}

	return &message
}

func mapStoreError(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrChatMessageNotFound
	}
	return fmt.Errorf("%w: %w", ErrChatStoreUnavailable, err)
}

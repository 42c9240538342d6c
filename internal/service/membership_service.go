package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/models"
	"github.com/noah-isme/gema-chat/internal/repository"
)

const defaultMembershipTTL = 5 * time.Minute

// MembershipService manages who may read and write a project's chat.
type MembershipService interface {
	MembershipChecker
	AddMember(ctx context.Context, req dto.ChatMemberRequest) error
	RemoveMember(ctx context.Context, projectID, userID string) error
	Members(ctx context.Context, projectID string) ([]models.ProjectMember, error)
}

type membershipService struct {
	repo      repository.ProjectMemberRepository
	cache     *redis.Client
	cacheBase string
	ttl       time.Duration
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewMembershipService constructs the membership service. cache may be nil.
func NewMembershipService(repo repository.ProjectMemberRepository, cache *redis.Client, channelBase string, ttl time.Duration, validate *validator.Validate, logger zerolog.Logger) MembershipService {
	if ttl <= 0 {
		ttl = defaultMembershipTTL
	}
	base := "chat:member"
	if channelBase != "" {
		base = channelBase + ":chat:member"
	}
	return &membershipService{
		repo:      repo,
		cache:     cache,
		cacheBase: base,
		ttl:       ttl,
		validator: validate,
		logger:    logger.With().Str("component", "membership_service").Logger(),
	}
}

func (s *membershipService) IsMember(ctx context.Context, projectID, userID string) (bool, error) {
	projectID = strings.TrimSpace(projectID)
	userID = strings.TrimSpace(userID)
	if projectID == "" || userID == "" {
		return false, nil
	}

	key := s.cacheKey(projectID, userID)
	if s.cache != nil {
		cached, err := s.cache.Get(ctx, key).Result()
		if err == nil {
			return cached == "1", nil
		}
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn().Err(err).Msg("failed to read membership cache")
		}
	}

	allowed, err := s.repo.IsMember(ctx, projectID, userID)
	if err != nil {
		return false, err
	}

	if s.cache != nil {
		value := "0"
		if allowed {
			value = "1"
		}
		if err := s.cache.Set(ctx, key, value, s.ttl).Err(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to cache membership")
		}
	}

	return allowed, nil
}

func (s *membershipService) AddMember(ctx context.Context, req dto.ChatMemberRequest) error {
	req.ProjectID = strings.TrimSpace(req.ProjectID)
	req.UserID = strings.TrimSpace(req.UserID)
	if err := s.validator.Struct(req); err != nil {
		return fmt.Errorf("%w: %w", ErrChatValidation, err)
	}

	member := models.ProjectMember{ProjectID: req.ProjectID, UserID: req.UserID, Role: req.Role}
	if err := s.repo.Upsert(ctx, &member); err != nil {
		return fmt.Errorf("%w: %w", ErrChatStoreUnavailable, err)
	}

	s.invalidate(ctx, req.ProjectID, req.UserID)
	s.logger.Info().Str("project_id", req.ProjectID).Str("user_id", req.UserID).Msg("chat member added")
	return nil
}

func (s *membershipService) RemoveMember(ctx context.Context, projectID, userID string) error {
	projectID = strings.TrimSpace(projectID)
	userID = strings.TrimSpace(userID)
	if err := s.repo.Remove(ctx, projectID, userID); err != nil {
		return fmt.Errorf("%w: %w", ErrChatStoreUnavailable, err)
	}

	s.invalidate(ctx, projectID, userID)
	s.logger.Info().Str("project_id", projectID).Str("user_id", userID).Msg("chat member removed")
	return nil
}

func (s *membershipService) Members(ctx context.Context, projectID string) ([]models.ProjectMember, error) {
	members, err := s.repo.ListByProject(ctx, strings.TrimSpace(projectID))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrChatStoreUnavailable, err)
	}
	return members, nil
}

func (s *membershipService) cacheKey(projectID, userID string) string {
	return fmt.Sprintf("%s:%s:%s", s.cacheBase, projectID, userID)
}

func (s *membershipService) invalidate(ctx context.Context, projectID, userID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, s.cacheKey(projectID, userID)).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to invalidate membership cache")
	}
}

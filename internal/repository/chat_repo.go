package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-chat/internal/models"
)

const (
	defaultChatPageSize = 50
	maxChatPageSize     = 100
)

// ChatCursor marks the exclusive upper bound of a backwards history page.
// BeforeID breaks ties between messages sharing the same timestamp.
type ChatCursor struct {
	Before   time.Time
	BeforeID uint
}

// ChatRepository persists the append-only chat log of each project.
type ChatRepository interface {
	Create(ctx context.Context, message *models.ChatMessage) error
	FindByID(ctx context.Context, id uint) (models.ChatMessage, error)
	ListByProject(ctx context.Context, projectID string, cursor ChatCursor, limit int) ([]models.ChatMessage, error)
	LatestByProject(ctx context.Context, projectID string) (models.ChatMessage, error)
	UpdateContent(ctx context.Context, id uint, content string, updatedAt time.Time) (models.ChatMessage, error)
	Delete(ctx context.Context, id uint) error
}

type chatRepository struct {
	db *gorm.DB
}

// NewChatRepository constructs a chat repository backed by GORM.
func NewChatRepository(db *gorm.DB) ChatRepository {
	return &chatRepository{db: db}
}

// NormalizeChatLimit applies the default page size and upper bound.
func NormalizeChatLimit(limit int) int {
	if limit <= 0 {
		return defaultChatPageSize
	}
	if limit > maxChatPageSize {
		return maxChatPageSize
	}
	return limit
}

func (r *chatRepository) Create(ctx context.Context, message *models.ChatMessage) error {
	return r.db.WithContext(ctx).Create(message).Error
}

func (r *chatRepository) FindByID(ctx context.Context, id uint) (models.ChatMessage, error) {
	var message models.ChatMessage
	if err := r.db.WithContext(ctx).First(&message, id).Error; err != nil {
		return models.ChatMessage{}, err
	}
	return message, nil
}

// ListByProject returns up to limit messages older than the cursor, newest first.
func (r *chatRepository) ListByProject(ctx context.Context, projectID string, cursor ChatCursor, limit int) ([]models.ChatMessage, error) {
	limit = NormalizeChatLimit(limit)

	query := r.db.WithContext(ctx).Where("project_id = ?", projectID)
	if !cursor.Before.IsZero() {
		if cursor.BeforeID > 0 {
			query = query.Where("(created_at < ?) OR (created_at = ? AND id < ?)", cursor.Before, cursor.Before, cursor.BeforeID)
		} else {
			query = query.Where("created_at < ?", cursor.Before)
		}
	}

	var messages []models.ChatMessage
	if err := query.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&messages).Error; err != nil {
		return nil, err
	}

	return messages, nil
}

func (r *chatRepository) LatestByProject(ctx context.Context, projectID string) (models.ChatMessage, error) {
	var message models.ChatMessage
	err := r.db.WithContext(ctx).Where("project_id = ?", projectID).Order("created_at DESC").Order("id DESC").First(&message).Error
	if err != nil {
		return models.ChatMessage{}, err
	}
	return message, nil
}

func (r *chatRepository) UpdateContent(ctx context.Context, id uint, content string, updatedAt time.Time) (models.ChatMessage, error) {
	result := r.db.WithContext(ctx).
		Model(&models.ChatMessage{}).
		Where("id = ?", id).
		UpdateColumns(map[string]interface{}{"content": content, "updated_at": updatedAt})
	if result.Error != nil {
		return models.ChatMessage{}, result.Error
	}
	if result.RowsAffected == 0 {
		return models.ChatMessage{}, gorm.ErrRecordNotFound
	}

	return r.FindByID(ctx, id)
}

func (r *chatRepository) Delete(ctx context.Context, id uint) error {
	result := r.db.WithContext(ctx).Delete(&models.ChatMessage{}, id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-chat/internal/models"
)

// ProjectMemberRepository answers whether a user belongs to a project.
type ProjectMemberRepository interface {
	IsMember(ctx context.Context, projectID, userID string) (bool, error)
	Upsert(ctx context.Context, member *models.ProjectMember) error
	Remove(ctx context.Context, projectID, userID string) error
	ListByProject(ctx context.Context, projectID string) ([]models.ProjectMember, error)
}

type projectMemberRepository struct {
	db *gorm.DB
}

// NewProjectMemberRepository constructs a GORM-backed membership repository.
func NewProjectMemberRepository(db *gorm.DB) ProjectMemberRepository {
	return &projectMemberRepository{db: db}
}

func (r *projectMemberRepository) IsMember(ctx context.Context, projectID, userID string) (bool, error) {
	var member models.ProjectMember
	err := r.db.WithContext(ctx).
		Where("project_id = ? AND user_id = ?", projectID, userID).
		First(&member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *projectMemberRepository) Upsert(ctx context.Context, member *models.ProjectMember) error {
	if member.Role == "" {
		member.Role = "member"
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "project_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"role"}),
	}).Create(member).Error
}

func (r *projectMemberRepository) Remove(ctx context.Context, projectID, userID string) error {
	return r.db.WithContext(ctx).
		Where("project_id = ? AND user_id = ?", projectID, userID).
		Delete(&models.ProjectMember{}).Error
}

func (r *projectMemberRepository) ListByProject(ctx context.Context, projectID string) ([]models.ProjectMember, error) {
	var members []models.ProjectMember
	if err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("user_id ASC").
		Find(&members).Error; err != nil {
		return nil, err
	}
	return members, nil
}

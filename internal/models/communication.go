package models

import "time"

// ChatMessage is a single durable entry in a project's chat log.
type ChatMessage struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	ProjectID    string    `gorm:"size:128;not null;index:idx_chat_project_created,priority:1" json:"project_id"`
	SenderID     string    `gorm:"size:64;not null;index" json:"sender_id"`
	Content      string    `gorm:"type:text" json:"content"`
	AttachmentID *string   `gorm:"size:128" json:"attachment_id,omitempty"`
	CreatedAt    time.Time `gorm:"not null;index:idx_chat_project_created,priority:2" json:"created_at"`
	UpdatedAt    time.Time `gorm:"not null" json:"updated_at"`
}

// Edited reports whether the message content changed after creation.
func (m ChatMessage) Edited() bool {
	return !m.UpdatedAt.Equal(m.CreatedAt)
}

// ProjectMember grants a user access to a project's chat.
type ProjectMember struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	ProjectID string    `gorm:"size:128;not null;uniqueIndex:idx_project_member,priority:1" json:"project_id"`
	UserID    string    `gorm:"size:64;not null;uniqueIndex:idx_project_member,priority:2" json:"user_id"`
	Role      string    `gorm:"size:32;not null;default:member" json:"role"`
	CreatedAt time.Time `json:"created_at"`
}
